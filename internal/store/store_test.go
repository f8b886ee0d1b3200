package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/megamemory/core/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndGetNode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n := &types.Node{ID: "auth-module", Name: "Auth Module", Kind: types.KindModule, Summary: "handles login",
		Why: "agents keep relearning the login flow", FileRefs: []string{"auth/login.go"}}
	require.NoError(t, s.InsertNode(ctx, n))

	got, err := s.GetNode(ctx, "auth-module")
	require.NoError(t, err)
	require.Equal(t, "Auth Module", got.Name)
	require.Equal(t, "agents keep relearning the login flow", got.Why)
	require.Equal(t, []string{"auth/login.go"}, got.FileRefs)
	require.False(t, got.IsRemoved())
}

func TestInsertNodeDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n := &types.Node{ID: "auth-module", Name: "Auth Module", Kind: types.KindModule}
	require.NoError(t, s.InsertNode(ctx, n))
	err := s.InsertNode(ctx, n)
	require.Error(t, err)
	require.True(t, IsDuplicate(err))
}

func TestInsertNodeRejectsReservedSuffix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InsertNode(ctx, &types.Node{ID: "auth::left", Name: "Auth", Kind: types.KindModule})
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestInsertNodeInvalidParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n := &types.Node{ID: "child", Name: "Child", Kind: types.KindFeature, ParentID: "missing-parent"}
	err := s.InsertNode(ctx, n)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidParent)
}

func TestGetNodeNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetNode(context.Background(), "nope")
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestUpdateNodePatchIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule, Summary: "first"}))
	before, err := s.GetNode(ctx, "a")
	require.NoError(t, err)

	sameSummary := before.Summary
	changed, err := s.UpdateNode(ctx, "a", NodePatch{Summary: &sameSummary})
	require.NoError(t, err)
	require.False(t, changed)

	after, err := s.GetNode(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)

	newSummary := "second"
	changed, err = s.UpdateNode(ctx, "a", NodePatch{Summary: &newSummary})
	require.NoError(t, err)
	require.True(t, changed)

	after, err = s.GetNode(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "second", after.Summary)
	require.True(t, after.UpdatedAt.After(before.UpdatedAt) || after.UpdatedAt.Equal(before.UpdatedAt))
}

func TestUpdateNodeRejectsCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "b", Name: "B", Kind: types.KindModule, ParentID: "a"}))

	newParent := "b"
	_, err := s.UpdateNode(ctx, "a", NodePatch{ParentID: &newParent})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestSoftDeleteHidesFromGetNode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n := &types.Node{ID: "temp", Name: "Temp", Kind: types.KindFeature}
	require.NoError(t, s.InsertNode(ctx, n))
	require.NoError(t, s.SoftDeleteNode(ctx, "temp", "no longer relevant"))

	_, err := s.GetNode(ctx, "temp")
	require.True(t, IsNotFound(err))

	got, err := s.GetNodeIncludingRemoved(ctx, "temp")
	require.NoError(t, err)
	require.True(t, got.IsRemoved())
	require.Equal(t, "no longer relevant", got.RemovedReason)

	err = s.SoftDeleteNode(ctx, "temp", "again")
	require.ErrorIs(t, err, ErrAlreadyRemoved)
}

func TestSoftDeleteClearsChildrenParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "parent", Name: "Parent", Kind: types.KindModule}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "child", Name: "Child", Kind: types.KindFeature, ParentID: "parent"}))

	require.NoError(t, s.SoftDeleteNode(ctx, "parent", "retired"))

	child, err := s.GetNode(ctx, "child")
	require.NoError(t, err)
	require.Empty(t, child.ParentID)
}

func TestEdgeLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "b", Name: "B", Kind: types.KindModule}))

	e := &types.Edge{FromID: "a", ToID: "b", Relation: types.RelDependsOn, Description: "a needs b at startup"}
	require.NoError(t, s.InsertEdge(ctx, e))
	require.NotZero(t, e.ID)

	out, err := s.GetOutgoingEdges(ctx, "a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a needs b at startup", out[0].Description)

	in, err := s.GetIncomingEdges(ctx, "b")
	require.NoError(t, err)
	require.Len(t, in, 1)

	require.NoError(t, s.DeleteEdge(ctx, e.ID))
	out, err = s.GetOutgoingEdges(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestEdgeAllowsDuplicateLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "b", Name: "B", Kind: types.KindModule}))

	require.NoError(t, s.InsertEdge(ctx, &types.Edge{FromID: "a", ToID: "b", Relation: types.RelDependsOn}))
	require.NoError(t, s.InsertEdge(ctx, &types.Edge{FromID: "a", ToID: "b", Relation: types.RelDependsOn}))

	out, err := s.GetOutgoingEdges(ctx, "a")
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestEdgeInvalidParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule}))

	err := s.InsertEdge(ctx, &types.Edge{FromID: "a", ToID: "missing", Relation: types.RelCalls})
	require.ErrorIs(t, err, ErrInvalidParent)
}

func TestGetEdgesWithNeighborNames(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "b", Name: "B", Kind: types.KindModule}))
	require.NoError(t, s.InsertEdge(ctx, &types.Edge{FromID: "a", ToID: "b", Relation: types.RelCalls}))

	out, err := s.GetOutgoingEdgesWithNeighborNames(ctx, "a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "b", out[0].NeighborID)
	require.Equal(t, "B", out[0].NeighborName)

	in, err := s.GetIncomingEdgesWithNeighborNames(ctx, "b")
	require.NoError(t, err)
	require.Len(t, in, 1)
	require.Equal(t, "a", in[0].NeighborID)
	require.Equal(t, "A", in[0].NeighborName)
}

func TestRenameNodeIDRewritesReferences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "parent", Name: "Parent", Kind: types.KindModule}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "child", Name: "Child", Kind: types.KindFeature, ParentID: "parent"}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "other", Name: "Other", Kind: types.KindModule}))
	require.NoError(t, s.InsertEdge(ctx, &types.Edge{FromID: "child", ToID: "other", Relation: types.RelCalls}))

	require.NoError(t, s.InsertTimelineEntry(ctx, &types.TimelineEntry{Tool: "link", AffectedIDs: []string{"child", "parent"}}))

	require.NoError(t, s.RenameNodeID(ctx, "parent", "parent-renamed"))

	_, err := s.GetNode(ctx, "parent")
	require.True(t, IsNotFound(err))

	renamed, err := s.GetNode(ctx, "parent-renamed")
	require.NoError(t, err)
	require.Equal(t, "Parent", renamed.Name)

	child, err := s.GetNode(ctx, "child")
	require.NoError(t, err)
	require.Equal(t, "parent-renamed", child.ParentID)

	edges, err := s.GetOutgoingEdges(ctx, "child")
	require.NoError(t, err)
	require.Len(t, edges, 1)

	entries, err := s.GetTimelineEntries(ctx, TimelineFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].AffectedIDs, "parent-renamed")
}

func TestGetRootNodesAndChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "root1", Name: "Root1", Kind: types.KindModule}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "root2", Name: "Root2", Kind: types.KindModule}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "child", Name: "Child", Kind: types.KindFeature, ParentID: "root1"}))

	roots, err := s.GetRootNodes(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 2)

	children, err := s.GetChildren(ctx, "root1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "child", children[0].ID)
}

func TestStatsAndKindsBreakdown(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule}))
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "b", Name: "B", Kind: types.KindFeature}))
	require.NoError(t, s.SoftDeleteNode(ctx, "b", "cleanup"))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalNodes)
	require.Equal(t, 1, stats.ActiveNodes)
	require.Equal(t, 1, stats.RemovedNodes)
	require.Equal(t, 1, stats.KindBreakdown["module"])
}

func TestMergeMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RunRawImport(ctx, func(ri *RawImport) error {
		return ri.InsertNode(ctx, &types.Node{ID: "auth::left", Name: "Auth", Kind: types.KindModule})
	}))
	require.NoError(t, s.SetNodeMergeMetadata(ctx, "auth::left", "group-1", true, "left", time.Now().UTC()))

	conflicts, err := s.GetConflictNodes(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "group-1", conflicts[0].MergeGroup)

	byGroup, err := s.GetNodesByMergeGroup(ctx, "group-1")
	require.NoError(t, err)
	require.Len(t, byGroup, 1)

	require.NoError(t, s.ClearNodeMergeFlags(ctx, "auth::left"))
	conflicts, err = s.GetConflictNodes(ctx)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestRawImportWritesVerbatim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	removedAt := time.Now().UTC().Add(-time.Hour)
	n := &types.Node{ID: "child", Name: "Child", Kind: types.KindFeature, ParentID: "parent-not-yet-inserted",
		CreatedAt: removedAt, UpdatedAt: removedAt, RemovedAt: &removedAt, RemovedReason: "carried from history"}

	require.NoError(t, s.RunRawImport(ctx, func(ri *RawImport) error {
		if err := ri.InsertNode(ctx, n); err != nil {
			return err
		}
		return ri.InsertNode(ctx, &types.Node{ID: "parent-not-yet-inserted", Name: "Parent", Kind: types.KindModule})
	}))

	got, err := s.GetNodeIncludingRemoved(ctx, "child")
	require.NoError(t, err)
	require.True(t, got.IsRemoved())
	require.Equal(t, "carried from history", got.RemovedReason)

	all, err := s.GetAllNodesRaw(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestTimelineBoundsAndEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTimelineEntry(ctx, &types.TimelineEntry{Tool: "create_concept", IsWrite: true}))
	require.NoError(t, s.InsertTimelineEntry(ctx, &types.TimelineEntry{Tool: "understand", IsWrite: false}))

	bounds, err := s.GetTimelineBounds(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, bounds.Count)
	require.False(t, bounds.First.IsZero())
	require.True(t, !bounds.Last.Before(bounds.First))

	entries, err := s.GetTimelineEntries(ctx, TimelineFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	writesOnly, err := s.GetTimelineEntries(ctx, TimelineFilter{WritesOnly: true})
	require.NoError(t, err)
	require.Len(t, writesOnly, 1)
	require.Equal(t, "create_concept", writesOnly[0].Tool)

	byTool, err := s.GetTimelineEntries(ctx, TimelineFilter{Tool: "understand"})
	require.NoError(t, err)
	require.Len(t, byTool, 1)
}

func TestTimelineTicksIncludesFirstAndLast(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		require.NoError(t, s.InsertTimelineEntry(ctx, &types.TimelineEntry{Tool: "create_concept"}))
	}

	ticks, err := s.GetTimelineTicks(ctx, 3)
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	require.Equal(t, int64(1), ticks[0].Seq)
	require.Equal(t, int64(9), ticks[len(ticks)-1].Seq)
}

func TestTimelineTicksReturnsAllWhenFewerThanRequested(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertTimelineEntry(ctx, &types.TimelineEntry{Tool: "create_concept"}))
	require.NoError(t, s.InsertTimelineEntry(ctx, &types.TimelineEntry{Tool: "link"}))

	ticks, err := s.GetTimelineTicks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
}

func TestGetNodesAtTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "a", Name: "A", Kind: types.KindModule}))
	mid := time.Now().UTC().Add(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.InsertNode(ctx, &types.Node{ID: "b", Name: "B", Kind: types.KindModule}))

	nodesAtMid, err := s.GetNodesAtTime(ctx, mid)
	require.NoError(t, err)
	require.Len(t, nodesAtMid, 1)
	require.Equal(t, "a", nodesAtMid[0].ID)

	nodesNow, err := s.GetNodesAtTime(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, nodesNow, 2)
}

func TestSingleWriterLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.db")
	s1, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer s1.Close()

	_, err = Open(context.Background(), path)
	require.Error(t, err)
}
