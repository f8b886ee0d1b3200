// Package tool implements the agent-facing operations over a knowledge
// graph store: the small, stable verb set ("understand", "create_concept",
// "update_concept", "link", "remove_concept", "list_roots",
// "list_conflicts", "resolve_conflict") that a coding agent calls between
// sessions to read and write its persistent memory. Every call here is
// also a timeline entry: each method logs its own invocation, params, and
// outcome before returning, so the timeline is complete by construction
// rather than relying on store-layer instrumentation.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/megamemory/core/internal/embedding"
	"github.com/megamemory/core/internal/merge"
	"github.com/megamemory/core/internal/slug"
	"github.com/megamemory/core/internal/store"
	"github.com/megamemory/core/internal/types"
)

// Tools bundles a store and an embedding provider behind the operations an
// agent calls. It holds no state of its own beyond those two handles.
type Tools struct {
	store     *store.Store
	embedding embedding.Provider
}

// New constructs a Tools bound to s and provider.
func New(s *store.Store, provider embedding.Provider) *Tools {
	return &Tools{store: s, embedding: provider}
}

// logTimeline records one tool invocation. Per §4.4, a logging failure must
// never fail the tool call itself: errors are reported to the standard
// logger and swallowed.
func (t *Tools) logTimeline(ctx context.Context, toolName string, params any, resultSummary string, isWrite, isError bool, affectedIDs []string) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		paramsJSON = []byte(`"<unencodable params>"`)
	}
	entry := &types.TimelineEntry{
		Tool:          toolName,
		Params:        string(paramsJSON),
		ResultSummary: resultSummary,
		IsWrite:       isWrite,
		IsError:       isError,
		AffectedIDs:   affectedIDs,
	}
	if err := t.store.InsertTimelineEntry(ctx, entry); err != nil {
		log.Printf("megamemory: timeline logging failed for %s: %v", toolName, err)
	}
}

// EdgeRequest is one caller-requested outgoing link for create_concept.
type EdgeRequest struct {
	ToID        string
	Relation    types.RelationType
	Description string
}

// LiveEdge is one live outgoing or incoming edge in a context envelope,
// carrying the neighbor's name for display without a second round trip.
type LiveEdge struct {
	Edge         *types.Edge
	NeighborID   string
	NeighborName string
}

// ContextEnvelope is the full neighborhood understand returns for each
// matched concept: the node itself, its live children and parent, and its
// live outgoing/incoming edges, each joined with the neighbor's name.
type ContextEnvelope struct {
	Node     *types.Node
	Score    float64
	Children []*types.Node
	Parent   *types.Node
	Outgoing []LiveEdge
	Incoming []LiveEdge
}

// Understand embeds query, finds the topK most similar active concepts by
// cosine similarity, and assembles each match's full context envelope:
// live children, live parent, and live outgoing/incoming edges with
// neighbor names.
func (t *Tools) Understand(ctx context.Context, query string, topK int) ([]ContextEnvelope, error) {
	var envelopes []ContextEnvelope
	var callErr error
	defer func() {
		summary := fmt.Sprintf("%d matches", len(envelopes))
		t.logTimeline(ctx, "understand", map[string]any{"query": query, "top_k": topK}, summary, false, callErr != nil, nil)
	}()

	queryVec, err := t.embedding.Embed(ctx, query)
	if err != nil {
		callErr = fmt.Errorf("embedding query: %w", err)
		return nil, callErr
	}

	candidates, err := t.store.GetAllActiveNodesWithEmbeddings(ctx)
	if err != nil {
		callErr = fmt.Errorf("loading candidates: %w", err)
		return nil, callErr
	}

	scored, err := embedding.FindTopK(queryVec, candidates, func(n *types.Node) []float32 { return n.Embedding }, topK)
	if err != nil {
		callErr = fmt.Errorf("scoring candidates: %w", err)
		return nil, callErr
	}

	envelopes = make([]ContextEnvelope, len(scored))
	for i, s := range scored {
		env, err := t.buildContextEnvelope(ctx, s.Item, s.Score)
		if err != nil {
			callErr = err
			return nil, callErr
		}
		envelopes[i] = env
	}
	return envelopes, nil
}

func (t *Tools) buildContextEnvelope(ctx context.Context, n *types.Node, score float64) (ContextEnvelope, error) {
	env := ContextEnvelope{Node: n, Score: score}

	children, err := t.store.GetChildren(ctx, n.ID)
	if err != nil {
		return env, fmt.Errorf("loading children of %q: %w", n.ID, err)
	}
	env.Children = children

	if n.ParentID != "" {
		parent, err := t.store.GetNode(ctx, n.ParentID)
		if err != nil && !store.IsNotFound(err) {
			return env, fmt.Errorf("loading parent of %q: %w", n.ID, err)
		}
		if err == nil {
			env.Parent = parent
		}
	}

	outgoing, err := t.store.GetOutgoingEdgesWithNeighborNames(ctx, n.ID)
	if err != nil {
		return env, fmt.Errorf("loading outgoing edges of %q: %w", n.ID, err)
	}
	for _, ne := range outgoing {
		e := ne.Edge
		env.Outgoing = append(env.Outgoing, LiveEdge{Edge: &e, NeighborID: ne.NeighborID, NeighborName: ne.NeighborName})
	}

	incoming, err := t.store.GetIncomingEdgesWithNeighborNames(ctx, n.ID)
	if err != nil {
		return env, fmt.Errorf("loading incoming edges of %q: %w", n.ID, err)
	}
	for _, ne := range incoming {
		e := ne.Edge
		env.Incoming = append(env.Incoming, LiveEdge{Edge: &e, NeighborID: ne.NeighborID, NeighborName: ne.NeighborName})
	}

	return env, nil
}

// CreateConcept creates a new node, deriving its ID from name (and
// parentID, if set) via slug.Generate, disambiguating on collision, and
// embedding its canonical text for future Understand calls. Any requested
// edge whose target does not currently exist as a live node is silently
// skipped rather than failing the whole call — the agent is expected to
// retry linking once the target exists.
func (t *Tools) CreateConcept(ctx context.Context, name string, kind types.NodeKind, summary, why, parentID, createdByTask string, fileRefs []string, edges []EdgeRequest) (*types.Node, error) {
	var n *types.Node
	var skippedEdges int
	var callErr error
	defer func() {
		var affected []string
		if n != nil {
			affected = []string{n.ID}
		}
		summary := "created"
		if n != nil {
			summary = fmt.Sprintf("created %q (%d edges skipped)", n.ID, skippedEdges)
		}
		t.logTimeline(ctx, "create_concept", map[string]any{"name": name, "kind": kind, "parent_id": parentID},
			summary, true, callErr != nil, affected)
	}()

	base := slug.Generate(name, parentID)
	id := base
	for i := 2; ; i++ {
		if _, err := t.store.GetNodeIncludingRemoved(ctx, id); store.IsNotFound(err) {
			break
		} else if err != nil {
			callErr = fmt.Errorf("checking id collision: %w", err)
			return nil, callErr
		}
		id = slug.WithSuffix(base, i)
	}

	vec, err := t.embedding.Embed(ctx, embedding.Text(name, string(kind), summary))
	if err != nil {
		callErr = fmt.Errorf("embedding new concept: %w", err)
		return nil, callErr
	}

	candidate := &types.Node{
		ID: id, Name: name, Kind: kind, Summary: summary, Why: why,
		FileRefs: fileRefs, ParentID: parentID, CreatedByTask: createdByTask, Embedding: vec,
	}
	if err := t.store.InsertNode(ctx, candidate); err != nil {
		callErr = err
		return nil, callErr
	}
	n = candidate

	for _, req := range edges {
		if _, err := t.store.GetNode(ctx, req.ToID); err != nil {
			skippedEdges++
			continue
		}
		e := &types.Edge{FromID: n.ID, ToID: req.ToID, Relation: req.Relation, Description: req.Description}
		if err := t.store.InsertEdge(ctx, e); err != nil {
			skippedEdges++
		}
	}

	return n, nil
}

// UpdateConcept applies patch to an existing concept, re-embedding only
// when name, kind, or summary changed (the fields that feed the canonical
// embedding text), and is idempotent: if nothing in patch actually
// changes the stored node, updated_at is not bumped.
func (t *Tools) UpdateConcept(ctx context.Context, id string, patch store.NodePatch) (*types.Node, error) {
	var changed bool
	var callErr error
	defer func() {
		summary := "no-op (unchanged)"
		if changed {
			summary = "updated"
		}
		t.logTimeline(ctx, "update_concept", map[string]any{"id": id}, summary, changed, callErr != nil, []string{id})
	}()

	if patch.Summary != nil || patch.Name != nil || patch.Kind != nil {
		existing, err := t.store.GetNode(ctx, id)
		if err != nil {
			callErr = err
			return nil, callErr
		}
		name, kind, summary := existing.Name, existing.Kind, existing.Summary
		if patch.Name != nil {
			name = *patch.Name
		}
		if patch.Kind != nil {
			kind = *patch.Kind
		}
		if patch.Summary != nil {
			summary = *patch.Summary
		}
		if name != existing.Name || kind != existing.Kind || summary != existing.Summary {
			vec, err := t.embedding.Embed(ctx, embedding.Text(name, string(kind), summary))
			if err != nil {
				callErr = fmt.Errorf("embedding updated concept: %w", err)
				return nil, callErr
			}
			patch.Embedding = &vec
		}
	}

	didChange, err := t.store.UpdateNode(ctx, id, patch)
	if err != nil {
		callErr = err
		return nil, callErr
	}
	changed = didChange

	n, err := t.store.GetNode(ctx, id)
	if err != nil {
		callErr = err
		return nil, callErr
	}
	return n, nil
}

// Link records a typed relation between two existing concepts. Duplicate
// (from, to, relation) triples are permitted.
func (t *Tools) Link(ctx context.Context, fromID, toID string, relation types.RelationType, description string) (*types.Edge, error) {
	var callErr error
	defer func() {
		summary := fmt.Sprintf("%s -> %s", fromID, toID)
		t.logTimeline(ctx, "link", map[string]any{"from_id": fromID, "to_id": toID, "relation": relation},
			summary, callErr == nil, callErr != nil, []string{fromID, toID})
	}()

	e := &types.Edge{FromID: fromID, ToID: toID, Relation: relation, Description: description}
	if err := t.store.InsertEdge(ctx, e); err != nil {
		callErr = err
		return nil, callErr
	}
	return e, nil
}

// RemoveConcept soft-deletes a concept, recording reason and preserving it
// for time-travel queries against points in time before the removal.
func (t *Tools) RemoveConcept(ctx context.Context, id, reason string) error {
	err := t.store.SoftDeleteNode(ctx, id, reason)
	summary := "removed"
	if err != nil {
		summary = err.Error()
	}
	t.logTimeline(ctx, "remove_concept", map[string]any{"id": id, "reason": reason}, summary, true, err != nil, []string{id})
	return err
}

// RootsResult is list_roots' response: every live top-level concept, each
// with its own live children, plus overall graph stats.
type RootsResult struct {
	Roots []RootWithChildren
	Stats *types.Stats
	Empty bool
}

// RootWithChildren pairs a root concept with its live direct children.
type RootWithChildren struct {
	Node     *types.Node
	Children []*types.Node
}

// ListRoots returns every active top-level concept with its live children
// and overall graph stats. Empty is set when the graph has no live nodes
// at all, so callers can show a first-use hint instead of a bare list.
func (t *Tools) ListRoots(ctx context.Context) (*RootsResult, error) {
	var callErr error
	var result *RootsResult
	defer func() {
		summary := "0 roots"
		if result != nil {
			summary = fmt.Sprintf("%d roots", len(result.Roots))
		}
		t.logTimeline(ctx, "list_roots", map[string]any{}, summary, false, callErr != nil, nil)
	}()

	roots, err := t.store.GetRootNodes(ctx)
	if err != nil {
		callErr = err
		return nil, callErr
	}

	stats, err := t.store.GetStats(ctx)
	if err != nil {
		callErr = err
		return nil, callErr
	}

	out := &RootsResult{Stats: stats, Empty: stats.ActiveNodes == 0}
	for _, r := range roots {
		children, err := t.store.GetChildren(ctx, r.ID)
		if err != nil {
			callErr = err
			return nil, callErr
		}
		out.Roots = append(out.Roots, RootWithChildren{Node: r, Children: children})
	}
	result = out
	return result, nil
}

// ListConflicts returns every unresolved merge conflict left in the store.
func (t *Tools) ListConflicts(ctx context.Context) ([]merge.Conflict, error) {
	conflicts, err := merge.ListConflicts(ctx, t.store)
	summary := fmt.Sprintf("%d conflict groups", len(conflicts))
	t.logTimeline(ctx, "list_conflicts", map[string]any{}, summary, false, err != nil, nil)
	return conflicts, err
}

// ResolveConflict applies resolution to the named conflict, optionally
// patching the winning version's summary/why/file_refs and regenerating
// its embedding if the summary changed.
func (t *Tools) ResolveConflict(ctx context.Context, mergeGroup string, resolution merge.Resolution, patch *merge.ResolvePatch) (*types.Node, error) {
	embed := func(name, kind, summary string) ([]float32, error) {
		return t.embedding.Embed(ctx, embedding.Text(name, kind, summary))
	}
	n, err := merge.ResolveWithPatch(ctx, t.store, mergeGroup, resolution, patch, embed)
	summary := "resolved"
	var affected []string
	if n != nil {
		affected = []string{n.ID}
	}
	if err != nil {
		summary = err.Error()
	}
	t.logTimeline(ctx, "resolve_conflict", map[string]any{"merge_group": mergeGroup, "resolution": resolution},
		summary, true, err != nil, affected)
	return n, err
}
