// Package embedding wraps text-to-vector extraction for concept search.
//
// The extraction model itself is treated as an external black box: this
// package owns the lazy initialization, the canonical text we hand the
// model, and the cosine-similarity scan over the result, not the model. The
// default Provider is a deterministic feature-hashed stand-in so that every
// other package can be built and tested without a network call or a native
// ML dependency; swapping in a real model means implementing Provider and
// wiring it at the call site, nothing else changes.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
)

// Dimensions is the fixed length of every embedding vector this package
// produces or accepts.
const Dimensions = 384

// Provider extracts a fixed-length embedding vector from text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Kind classifies an embedding error for the store's error taxonomy.
type Kind string

const (
	KindInput       Kind = "embedding_input"
	KindDimension   Kind = "embedding_dim"
	KindUnavailable Kind = "embedding_unavailable"
)

// Error reports a failure in embedding text or comparing vectors.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func errInput(format string, args ...any) error {
	return &Error{Kind: KindInput, Msg: fmt.Sprintf(format, args...)}
}

func errDim(format string, args ...any) error {
	return &Error{Kind: KindDimension, Msg: fmt.Sprintf(format, args...)}
}

// Text builds the canonical string handed to the embedding provider for a
// concept, so that identical concepts always embed identically regardless
// of which caller constructed them.
func Text(name, kind, summary string) string {
	return fmt.Sprintf("%s: %s — %s", kind, name, summary)
}

// hashingProvider is the deterministic stand-in extractor: it hashes each
// token into one of Dimensions buckets, accumulates a count per
// bucket (mean-pooled bag-of-words), and L2-normalizes the result.
type hashingProvider struct{}

// NewHashingProvider returns the default deterministic Provider.
func NewHashingProvider() Provider {
	return &hashingProvider{}
}

// Lazy wraps a Provider factory so construction (model load, client dial,
// whatever a real provider needs) happens at most once, on first use, and
// any construction error is cached and returned to every caller.
type Lazy struct {
	init func() (Provider, error)
	once sync.Once
	p    Provider
	err  error
}

// NewLazy returns a Provider that defers calling init until Embed is first
// invoked.
func NewLazy(init func() (Provider, error)) *Lazy {
	return &Lazy{init: init}
}

func (l *Lazy) Embed(ctx context.Context, text string) ([]float32, error) {
	l.once.Do(func() { l.p, l.err = l.init() })
	if l.err != nil {
		return nil, &Error{Kind: KindUnavailable, Msg: l.err.Error()}
	}
	return l.p.Embed(ctx, text)
}

func (p *hashingProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errInput("embedding input text is empty")
	}

	vec := make([]float32, Dimensions)
	var token []byte
	flush := func() {
		if len(token) == 0 {
			return
		}
		h := fnv.New32a()
		_, _ = h.Write(token)
		bucket := int(h.Sum32() % Dimensions)
		vec[bucket]++
		token = token[:0]
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			token = append(token, lower(c))
		default:
			flush()
		}
	}
	flush()

	normalize(vec)
	return vec, nil
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c - 'A' + 'a'
	}
	return c
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// CosineSimilarity returns the cosine similarity of two equal-length
// vectors, in [-1, 1]. It returns an error if the vectors' dimensions
// disagree, rather than silently truncating.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errDim("embedding dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// Scored pairs an identifier with its similarity score against a query.
type Scored[T any] struct {
	Item  T
	Score float64
}

// FindTopK scans candidates exhaustively (no approximate-nearest-neighbor
// index, by design: the store is sized for a single project's graph, not a
// web-scale corpus) and returns the k highest-scoring items against query,
// ordered from most to least similar.
func FindTopK[T any](query []float32, candidates []T, vectorOf func(T) []float32, k int) ([]Scored[T], error) {
	if k <= 0 {
		return nil, nil
	}
	scored := make([]Scored[T], 0, len(candidates))
	for _, c := range candidates {
		vec := vectorOf(c)
		if len(vec) == 0 {
			continue
		}
		score, err := CosineSimilarity(query, vec)
		if err != nil {
			return nil, err
		}
		scored = append(scored, Scored[T]{Item: c, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}
