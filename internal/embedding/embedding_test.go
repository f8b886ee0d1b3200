package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestText(t *testing.T) {
	require.Equal(t, "module: auth flow — handles login", Text("auth flow", "module", "handles login"))
}

func TestHashingProviderDeterministic(t *testing.T) {
	p := NewHashingProvider()
	v1, err := p.Embed(context.Background(), "module: auth flow — handles login")
	require.NoError(t, err)
	v2, err := p.Embed(context.Background(), "module: auth flow — handles login")
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Len(t, v1, Dimensions)
}

func TestHashingProviderEmptyInput(t *testing.T) {
	p := NewHashingProvider()
	_, err := p.Embed(context.Background(), "")
	require.Error(t, err)
	var embErr *Error
	require.True(t, errors.As(err, &embErr))
	require.Equal(t, KindInput, embErr.Kind)
}

func TestCosineSimilaritySelf(t *testing.T) {
	p := NewHashingProvider()
	v, err := p.Embed(context.Background(), "module: auth flow — handles login")
	require.NoError(t, err)

	score, err := CosineSimilarity(v, v)
	require.NoError(t, err)
	require.InDelta(t, 1.0, score, 1e-6)
}

func TestCosineSimilarityDimMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	require.Error(t, err)
	var embErr *Error
	require.True(t, errors.As(err, &embErr))
	require.Equal(t, KindDimension, embErr.Kind)
}

func TestFindTopK(t *testing.T) {
	ctx := context.Background()
	p := NewHashingProvider()

	query, err := p.Embed(ctx, "module: auth flow — handles login")
	require.NoError(t, err)

	type candidate struct {
		name string
		vec  []float32
	}
	texts := []string{
		"module: auth flow — handles login",
		"module: billing — invoices customers",
		"feature: auth retries — retries failed login",
	}
	candidates := make([]candidate, 0, len(texts))
	for _, txt := range texts {
		v, embErr := p.Embed(ctx, txt)
		require.NoError(t, embErr)
		candidates = append(candidates, candidate{name: txt, vec: v})
	}

	top, err := FindTopK(query, candidates, func(c candidate) []float32 { return c.vec }, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, texts[0], top[0].Item.name)
	require.GreaterOrEqual(t, top[0].Score, top[1].Score)
}

func TestLazyInitOnce(t *testing.T) {
	calls := 0
	l := NewLazy(func() (Provider, error) {
		calls++
		return NewHashingProvider(), nil
	})

	_, err := l.Embed(context.Background(), "hello")
	require.NoError(t, err)
	_, err = l.Embed(context.Background(), "world")
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestLazyInitError(t *testing.T) {
	l := NewLazy(func() (Provider, error) {
		return nil, errors.New("model unavailable")
	})

	_, err := l.Embed(context.Background(), "hello")
	require.Error(t, err)
	var embErr *Error
	require.True(t, errors.As(err, &embErr))
	require.Equal(t, KindUnavailable, embErr.Kind)
}
