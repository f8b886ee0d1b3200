package merge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/megamemory/core/internal/store"
	"github.com/megamemory/core/internal/types"
)

func openStore(t *testing.T, name string) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	s, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunCopiesNewNodes(t *testing.T) {
	ctx := context.Background()
	left := openStore(t, "left.db")
	right := openStore(t, "right.db")

	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "new-concept", Name: "New Concept", Kind: types.KindFeature}))

	report, err := Run(ctx, left, right, "left", "right")
	require.NoError(t, err)
	require.Equal(t, 1, report.Clean)
	require.Equal(t, 0, report.ConceptConflicts)

	got, err := left.GetNode(ctx, "new-concept")
	require.NoError(t, err)
	require.Equal(t, "New Concept", got.Name)
}

func TestRunLeavesIdenticalNodesUnchanged(t *testing.T) {
	ctx := context.Background()
	left := openStore(t, "left.db")
	right := openStore(t, "right.db")

	n := &types.Node{ID: "shared", Name: "Shared", Kind: types.KindModule, Summary: "same everywhere"}
	require.NoError(t, left.InsertNode(ctx, n))
	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "shared", Name: "Shared", Kind: types.KindModule, Summary: "same everywhere"}))

	report, err := Run(ctx, left, right, "left", "right")
	require.NoError(t, err)
	require.Equal(t, 1, report.Clean)
	require.Equal(t, 0, report.ConceptConflicts)
}

func TestRunTracksRemovedClean(t *testing.T) {
	ctx := context.Background()
	left := openStore(t, "left.db")
	right := openStore(t, "right.db")

	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "gone", Name: "Gone", Kind: types.KindFeature}))
	require.NoError(t, right.SoftDeleteNode(ctx, "gone", "no longer needed"))

	report, err := Run(ctx, left, right, "left", "right")
	require.NoError(t, err)
	require.Equal(t, 1, report.RemovedClean)
	require.Equal(t, 0, report.Clean)
}

func TestRunProducesConflictOnDivergentContent(t *testing.T) {
	ctx := context.Background()
	left := openStore(t, "left.db")
	right := openStore(t, "right.db")

	require.NoError(t, left.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "left version"}))
	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "right version"}))

	report, err := Run(ctx, left, right, "left", "right")
	require.NoError(t, err)
	require.Equal(t, 1, report.ConceptConflicts)
	require.Len(t, report.MergeGroups, 1)

	leftNode, err := left.GetNodeIncludingRemoved(ctx, "auth::left")
	require.NoError(t, err)
	require.Equal(t, "left version", leftNode.Summary)
	require.True(t, leftNode.NeedsMerge)
	require.Equal(t, report.MergeGroups[0], leftNode.MergeGroup)
	require.Equal(t, "left", leftNode.SourceBranch)

	rightNode, err := left.GetNodeIncludingRemoved(ctx, "auth::right")
	require.NoError(t, err)
	require.Equal(t, "right version", rightNode.Summary)
	require.Equal(t, report.MergeGroups[0], rightNode.MergeGroup)
	require.Equal(t, "right", rightNode.SourceBranch)

	_, err = left.GetNode(ctx, "auth")
	require.True(t, store.IsNotFound(err))
}

func TestListConflictsAndResolveKeepLeft(t *testing.T) {
	ctx := context.Background()
	left := openStore(t, "left.db")
	right := openStore(t, "right.db")

	require.NoError(t, left.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "left version"}))
	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "right version"}))

	_, err := Run(ctx, left, right, "left", "right")
	require.NoError(t, err)

	conflicts, err := ListConflicts(ctx, left)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, Resolve(ctx, left, conflicts[0].MergeGroup, ResolveKeepLeft))

	resolved, err := left.GetNode(ctx, "auth")
	require.NoError(t, err)
	require.Equal(t, "left version", resolved.Summary)
	require.Empty(t, resolved.MergeGroup)

	_, err = left.GetNodeIncludingRemoved(ctx, "auth::right")
	require.True(t, store.IsNotFound(err))

	remaining, err := ListConflicts(ctx, left)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestResolveKeepBothRenamesToBranchLabel(t *testing.T) {
	ctx := context.Background()
	left := openStore(t, "left.db")
	right := openStore(t, "right.db")

	require.NoError(t, left.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "left version"}))
	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "right version"}))

	_, err := Run(ctx, left, right, "left", "right")
	require.NoError(t, err)

	conflicts, err := ListConflicts(ctx, left)
	require.NoError(t, err)
	require.NoError(t, Resolve(ctx, left, conflicts[0].MergeGroup, ResolveKeepBoth))

	leftNode, err := left.GetNode(ctx, "auth-left")
	require.NoError(t, err)
	require.Empty(t, leftNode.MergeGroup)
	require.False(t, leftNode.NeedsMerge)

	rightNode, err := left.GetNode(ctx, "auth-right")
	require.NoError(t, err)
	require.Empty(t, rightNode.MergeGroup)
	require.False(t, rightNode.NeedsMerge)

	_, err = left.GetNode(ctx, "auth::left")
	require.True(t, store.IsNotFound(err))
}

func TestResolveKeepLeftPrefersLiveOverRemoved(t *testing.T) {
	ctx := context.Background()
	left := openStore(t, "left.db")
	right := openStore(t, "right.db")

	require.NoError(t, left.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "left version"}))
	require.NoError(t, left.SoftDeleteNode(ctx, "auth", "retired"))
	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "right version"}))

	_, err := Run(ctx, left, right, "left", "right")
	require.NoError(t, err)

	conflicts, err := ListConflicts(ctx, left)
	require.NoError(t, err)
	require.NoError(t, Resolve(ctx, left, conflicts[0].MergeGroup, ResolveKeepLeft))

	resolved, err := left.GetNode(ctx, "auth")
	require.NoError(t, err)
	require.Equal(t, "right version", resolved.Summary)
}

func TestRunUnionsEdges(t *testing.T) {
	ctx := context.Background()
	left := openStore(t, "left.db")
	right := openStore(t, "right.db")

	require.NoError(t, left.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule}))
	require.NoError(t, left.InsertNode(ctx, &types.Node{ID: "b", Name: "B", Kind: types.KindModule}))

	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule}))
	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "b", Name: "B", Kind: types.KindModule}))
	require.NoError(t, right.InsertEdge(ctx, &types.Edge{FromID: "a", ToID: "b", Relation: types.RelDependsOn}))

	_, err := Run(ctx, left, right, "left", "right")
	require.NoError(t, err)

	edges, err := left.GetOutgoingEdges(ctx, "a")
	require.NoError(t, err)
	require.Len(t, edges, 1)
}

func TestRunFlagsEdgeConflictOnConflictedNode(t *testing.T) {
	ctx := context.Background()
	left := openStore(t, "left.db")
	right := openStore(t, "right.db")

	require.NoError(t, left.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "left version"}))
	require.NoError(t, left.InsertNode(ctx, &types.Node{ID: "billing", Name: "Billing", Kind: types.KindModule}))
	require.NoError(t, left.InsertEdge(ctx, &types.Edge{FromID: "auth", ToID: "billing", Relation: types.RelDependsOn}))

	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "auth", Name: "Auth", Kind: types.KindModule, Summary: "right version"}))
	require.NoError(t, right.InsertNode(ctx, &types.Node{ID: "billing", Name: "Billing", Kind: types.KindModule}))
	require.NoError(t, right.InsertEdge(ctx, &types.Edge{FromID: "auth", ToID: "billing", Relation: types.RelImplements}))

	report, err := Run(ctx, left, right, "left", "right")
	require.NoError(t, err)
	require.Equal(t, 1, report.EdgeConflicts)
}
