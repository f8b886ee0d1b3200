package tool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/megamemory/core/internal/embedding"
	"github.com/megamemory/core/internal/merge"
	"github.com/megamemory/core/internal/store"
	"github.com/megamemory/core/internal/types"
)

func newTools(t *testing.T) *Tools {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.db")
	s, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, embedding.NewHashingProvider())
}

func create(t *testing.T, tools *Tools, ctx context.Context, name string, kind types.NodeKind, summary, parentID string) *types.Node {
	t.Helper()
	n, err := tools.CreateConcept(ctx, name, kind, summary, "", parentID, "", nil, nil)
	require.NoError(t, err)
	return n
}

func TestCreateConceptAssignsSlugID(t *testing.T) {
	tools := newTools(t)
	ctx := context.Background()

	n := create(t, tools, ctx, "Auth Flow", types.KindModule, "handles login", "")
	require.Equal(t, "auth-flow", n.ID)
	require.Len(t, n.Embedding, embedding.Dimensions)
}

func TestCreateConceptDisambiguatesCollision(t *testing.T) {
	tools := newTools(t)
	ctx := context.Background()

	n1 := create(t, tools, ctx, "Auth Flow", types.KindModule, "first", "")
	n2 := create(t, tools, ctx, "Auth Flow", types.KindModule, "second", "")

	require.Equal(t, "auth-flow", n1.ID)
	require.Equal(t, "auth-flow-2", n2.ID)
}

func TestCreateConceptSkipsEdgesToMissingTargets(t *testing.T) {
	tools := newTools(t)
	ctx := context.Background()

	a := create(t, tools, ctx, "Auth", types.KindModule, "", "")
	n, err := tools.CreateConcept(ctx, "Billing", types.KindModule, "invoices", "", "", "", nil,
		[]EdgeRequest{{ToID: a.ID, Relation: types.RelDependsOn}, {ToID: "does-not-exist", Relation: types.RelDependsOn}})
	require.NoError(t, err)

	out, err := tools.store.GetOutgoingEdges(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestUpdateConceptReembedsOnSummaryChange(t *testing.T) {
	tools := newTools(t)
	ctx := context.Background()

	n := create(t, tools, ctx, "Auth Flow", types.KindModule, "handles login", "")

	newSummary := "handles login and logout"
	updated, err := tools.UpdateConcept(ctx, n.ID, store.NodePatch{Summary: &newSummary})
	require.NoError(t, err)
	require.NotEqual(t, n.Embedding, updated.Embedding)
	require.NotEqual(t, n.UpdatedAt, updated.UpdatedAt)
}

func TestUpdateConceptIsIdempotentWhenUnchanged(t *testing.T) {
	tools := newTools(t)
	ctx := context.Background()

	n := create(t, tools, ctx, "Auth Flow", types.KindModule, "handles login", "")

	sameName := n.Name
	updated, err := tools.UpdateConcept(ctx, n.ID, store.NodePatch{Name: &sameName})
	require.NoError(t, err)
	require.Equal(t, n.UpdatedAt, updated.UpdatedAt)
}

func TestLinkAndListRoots(t *testing.T) {
	tools := newTools(t)
	ctx := context.Background()

	a := create(t, tools, ctx, "Auth", types.KindModule, "", "")
	b := create(t, tools, ctx, "Billing", types.KindModule, "", "")

	_, err := tools.Link(ctx, a.ID, b.ID, types.RelDependsOn, "")
	require.NoError(t, err)

	result, err := tools.ListRoots(ctx)
	require.NoError(t, err)
	require.Len(t, result.Roots, 2)
	require.False(t, result.Empty)
	require.Equal(t, 2, result.Stats.ActiveNodes)
}

func TestListRootsReportsEmptyGraph(t *testing.T) {
	tools := newTools(t)
	ctx := context.Background()

	result, err := tools.ListRoots(ctx)
	require.NoError(t, err)
	require.True(t, result.Empty)
	require.Empty(t, result.Roots)
}

func TestRemoveConceptRecordsReason(t *testing.T) {
	tools := newTools(t)
	ctx := context.Background()

	n := create(t, tools, ctx, "Temp", types.KindFeature, "", "")
	require.NoError(t, tools.RemoveConcept(ctx, n.ID, "superseded by a better approach"))

	result, err := tools.ListRoots(ctx)
	require.NoError(t, err)
	require.Empty(t, result.Roots)

	removed, err := tools.store.GetNodeIncludingRemoved(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, "superseded by a better approach", removed.RemovedReason)
}

func TestUnderstandReturnsContextEnvelope(t *testing.T) {
	tools := newTools(t)
	ctx := context.Background()

	auth := create(t, tools, ctx, "Auth Flow", types.KindModule, "handles login and session tokens", "")
	billing := create(t, tools, ctx, "Billing", types.KindModule, "invoices customers monthly", "")
	_, err := tools.Link(ctx, auth.ID, billing.ID, types.RelDependsOn, "needs account status")
	require.NoError(t, err)

	results, err := tools.Understand(ctx, "module: Auth Flow — handles login and session tokens", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "auth-flow", results[0].Node.ID)
	require.Len(t, results[0].Outgoing, 1)
	require.Equal(t, "Billing", results[0].Outgoing[0].NeighborName)
}

func TestListAndResolveConflicts(t *testing.T) {
	ctx := context.Background()
	leftPath := filepath.Join(t.TempDir(), "left.db")
	rightPath := filepath.Join(t.TempDir(), "right.db")

	left, err := store.Open(ctx, leftPath)
	require.NoError(t, err)
	defer left.Close()
	right, err := store.Open(ctx, rightPath)
	require.NoError(t, err)
	defer right.Close()

	require.NoError(t, left.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "left"}))
	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "right"}))

	_, err = merge.Run(ctx, left, right, "left", "right")
	require.NoError(t, err)

	tools := New(left, embedding.NewHashingProvider())
	conflicts, err := tools.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	_, err = tools.ResolveConflict(ctx, conflicts[0].MergeGroup, merge.ResolveKeepLeft, nil)
	require.NoError(t, err)

	remaining, err := tools.ListConflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
