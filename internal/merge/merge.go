// Copyright (c) 2024 @neongreen (https://github.com/neongreen)
//
// MIT License
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// ---
// Adapted from @neongreen's 3-way JSONL issue merge (vendored into beads
// with permission, see github.com/neongreen/mono/issues/240) into a 2-way
// merge over a node/edge graph store: the key-based matching and
// content-identity comparison are the same idea, retargeted from issues in
// flat files to nodes and edges in SQLite, and from conflict markers in an
// output file to suffixed rows in the store itself.

// Package merge reconciles two independently-modified copies of a
// knowledge graph (e.g. one per git branch) back into a single store.
package merge

import (
	"fmt"
	"sort"
	"time"

	"context"

	"github.com/google/uuid"

	"github.com/megamemory/core/internal/store"
	"github.com/megamemory/core/internal/types"
)

// Resolution is the strategy applied to resolve one conflict.
type Resolution string

const (
	ResolveKeepLeft  Resolution = "keep_left"
	ResolveKeepRight Resolution = "keep_right"
	ResolveKeepBoth  Resolution = "keep_both"
)

// ConflictVersion is one competing variant of a conflicted concept.
type ConflictVersion struct {
	ID           string
	CanonicalID  string
	SourceBranch string
	Node         *types.Node
}

// Conflict groups every competing variant of one conflicted concept under
// its shared merge_group.
type Conflict struct {
	MergeGroup     string
	CanonicalID    string
	MergeTimestamp time.Time
	Versions       []ConflictVersion
}

// Report summarizes the outcome of a two-way merge, matching §4.5's
// return contract.
type Report struct {
	Clean            int
	ConceptConflicts int
	EdgeConflicts    int
	RemovedClean     int
	MergeGroups      []string
}

type queuedEdge struct {
	edge         types.Edge
	fromSideKey  string // "left:<canonical>" or "right:<canonical>"
	toSideKey    string
	fromConflict bool // belongs to a node that conflicted this round
	group        string
}

// Run reconciles left and right: every canonical id appearing on only one
// side is copied as-is; ids present on both sides with identical content
// collapse to one copy with edges unioned; ids present on both sides with
// differing content become a new conflict group, minting suffixed
// "<id>::left"/"<id>::right" rows tagged needs_merge. Pre-existing
// conflict groups on either side are carried forward verbatim. The
// reconciled graph is written into left; right is read-only. Empty labels
// default to "left"/"right".
func Run(ctx context.Context, left, right *store.Store, leftLabel, rightLabel string) (*Report, error) {
	if leftLabel == "" {
		leftLabel = "left"
	}
	if rightLabel == "" {
		rightLabel = "right"
	}

	report := &Report{}

	leftNodes, err := left.GetAllNodesRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading left nodes: %w", err)
	}
	rightNodes, err := right.GetAllNodesRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading right nodes: %w", err)
	}

	leftByCanonical := indexByCanonical(leftNodes)
	rightByCanonical := indexByCanonical(rightNodes)

	canonicalIDs := unionKeys(leftByCanonical, rightByCanonical)
	sort.Strings(canonicalIDs)

	// remap resolves "<side>:<canonical id>" (the side an edge's endpoint
	// originated on) to the concrete id that endpoint now lives at in the
	// output store.
	remap := map[string]string{}
	seenGroups := map[string]bool{}
	// conflictedThisRun records canonical ids that became (or already
	// were) a conflict group this run, for the edge-conflict pass.
	conflictedThisRun := map[string]string{} // canonical -> merge group

	for _, cid := range canonicalIDs {
		lVariants := leftByCanonical[cid]
		rVariants := rightByCanonical[cid]

		if group := preexistingGroup(lVariants, rVariants); group != "" {
			if err := carryForwardPreexisting(ctx, left, lVariants, rVariants, remap, cid); err != nil {
				return nil, err
			}
			if !seenGroups[group] {
				seenGroups[group] = true
				report.MergeGroups = append(report.MergeGroups, group)
			}
			conflictedThisRun[cid] = group
			continue
		}

		switch {
		case len(lVariants) == 1 && len(rVariants) == 0:
			ln := lVariants[0]
			if ln.IsRemoved() {
				report.RemovedClean++
			} else {
				report.Clean++
			}
			remap["left:"+cid] = cid
			remap["right:"+cid] = cid

		case len(lVariants) == 0 && len(rVariants) == 1:
			rn := rVariants[0]
			if err := left.RunRawImport(ctx, func(ri *store.RawImport) error {
				return ri.InsertNode(ctx, rn)
			}); err != nil {
				return nil, fmt.Errorf("copying node %q from right: %w", cid, err)
			}
			if rn.IsRemoved() {
				report.RemovedClean++
			} else {
				report.Clean++
			}
			remap["left:"+cid] = cid
			remap["right:"+cid] = cid

		case len(lVariants) == 1 && len(rVariants) == 1:
			ln, rn := lVariants[0], rVariants[0]
			if ln.ContentEqual(rn) {
				if ln.IsRemoved() {
					report.RemovedClean++
				} else {
					report.Clean++
				}
				remap["left:"+cid] = cid
				remap["right:"+cid] = cid
				continue
			}

			group := uuid.NewString()
			now := time.Now().UTC()
			leftID := cid + "::left"
			rightID := cid + "::right"

			if err := left.RenameNodeID(ctx, cid, leftID); err != nil {
				return nil, fmt.Errorf("renaming conflicting node %q: %w", cid, err)
			}
			if err := left.SetNodeMergeMetadata(ctx, leftID, group, true, leftLabel, now); err != nil {
				return nil, fmt.Errorf("tagging conflict on %q: %w", leftID, err)
			}

			rCopy := *rn
			rCopy.ID = rightID
			rCopy.MergeGroup = group
			rCopy.NeedsMerge = true
			rCopy.SourceBranch = rightLabel
			rCopy.MergeTimestamp = &now
			if err := left.RunRawImport(ctx, func(ri *store.RawImport) error {
				return ri.InsertNode(ctx, &rCopy)
			}); err != nil {
				return nil, fmt.Errorf("copying conflicting node %q from right: %w", cid, err)
			}

			report.ConceptConflicts++
			report.MergeGroups = append(report.MergeGroups, group)
			remap["left:"+cid] = leftID
			remap["right:"+cid] = rightID
			conflictedThisRun[cid] = group

		default:
			// More than one variant on a side with no needs_merge flag is
			// not a state this engine produces; treat defensively as an
			// unresolved invariant violation rather than silently pick one.
			return nil, fmt.Errorf("%w: %d variants for canonical id %q on left, %d on right",
				store.ErrInvariantViolation, len(lVariants), cid, len(rVariants))
		}
	}

	return report, mergeEdges(ctx, left, right, remap, conflictedThisRun, leftLabel, rightLabel, report)
}

// mergeEdges carries every edge from right into left (queued and
// remapped through both endpoints) and unions edges for identical-content
// nodes, then flags queued edges belonging to a conflicted node whose two
// edge sets disagree.
func mergeEdges(ctx context.Context, left, right *store.Store, remap map[string]string,
	conflicted map[string]string, leftLabel, rightLabel string, report *Report) error {

	leftEdgesByFrom, err := edgesByFrom(ctx, left)
	if err != nil {
		return fmt.Errorf("reading left edges: %w", err)
	}
	rightEdgesByFrom, err := edgesByFrom(ctx, right)
	if err != nil {
		return fmt.Errorf("reading right edges: %w", err)
	}

	existing, err := edgeContentSet(ctx, left)
	if err != nil {
		return fmt.Errorf("reading left edge set: %w", err)
	}

	flaggedGroups := map[string]bool{}

	for cid, group := range conflicted {
		leftSet := leftEdgesByFrom[cid]
		rightSet := rightEdgesByFrom[cid]
		if !edgeSetsEqual(leftSet, rightSet) && !flaggedGroups[cid] {
			flaggedGroups[cid] = true
			report.EdgeConflicts++
			now := time.Now().UTC()
			leftFromID := remapID(remap, "left:"+cid)
			for _, e := range leftEdgesOfNow(ctx, left, leftFromID) {
				_ = left.SetEdgeMergeMetadata(ctx, e.ID, group, true, leftLabel, now)
			}
			for _, re := range rightSet {
				from := remapID(remap, "right:"+cid)
				to := remapID(remap, "right:"+types.CanonicalID(re.ToID))
				cp := re
				cp.FromID = from
				cp.ToID = to
				cp.MergeGroup = group
				cp.NeedsMerge = true
				cp.SourceBranch = rightLabel
				cp.MergeTimestamp = &now
				key := edgeKey(cp.FromID, cp.ToID, cp.Relation, cp.Description)
				if existing[key] {
					continue
				}
				if err := left.RunRawImport(ctx, func(ri *store.RawImport) error {
					return ri.InsertEdge(ctx, &cp)
				}); err != nil {
					return fmt.Errorf("copying conflicted edge from %q: %w", cid, err)
				}
				existing[key] = true
			}
			continue
		}

		// Edge sets agree (or this node wasn't a fresh conflict this run,
		// e.g. a pre-existing one already fully represented): still union
		// any right-side edges the left side is missing.
		for _, re := range rightSet {
			from := remapID(remap, "right:"+cid)
			to := remapID(remap, "right:"+types.CanonicalID(re.ToID))
			cp := re
			cp.FromID = from
			cp.ToID = to
			key := edgeKey(cp.FromID, cp.ToID, cp.Relation, cp.Description)
			if existing[key] {
				continue
			}
			if err := left.RunRawImport(ctx, func(ri *store.RawImport) error {
				return ri.InsertEdge(ctx, &cp)
			}); err != nil {
				return fmt.Errorf("copying edge from %q: %w", cid, err)
			}
			existing[key] = true
		}
	}

	// Clean (non-conflicted) canonical ids: queue right's edges, remapped.
	for cid, rightSet := range rightEdgesByFrom {
		if _, ok := conflicted[cid]; ok {
			continue // handled above
		}
		for _, re := range rightSet {
			from := remapID(remap, "right:"+cid)
			to := remapID(remap, "right:"+types.CanonicalID(re.ToID))
			cp := re
			cp.FromID = from
			cp.ToID = to
			key := edgeKey(cp.FromID, cp.ToID, cp.Relation, cp.Description)
			if existing[key] {
				continue
			}
			if err := left.InsertEdge(ctx, &cp); err != nil {
				if store.IsDuplicate(err) || store.IsNotFound(err) {
					continue
				}
				return fmt.Errorf("copying edge from %q: %w", cid, err)
			}
			existing[key] = true
		}
	}

	return nil
}

// leftEdgesOfNow re-reads the live outgoing edges of a node already
// renamed in left, for tagging merge metadata after the rename.
func leftEdgesOfNow(ctx context.Context, left *store.Store, fromID string) []*types.Edge {
	edges, err := left.GetOutgoingEdges(ctx, fromID)
	if err != nil {
		return nil
	}
	return edges
}

// ListConflicts returns every unresolved conflict left behind in s,
// grouped by merge_group, including removed-vs-live groups.
func ListConflicts(ctx context.Context, s *store.Store) ([]Conflict, error) {
	nodes, err := s.GetConflictNodes(ctx)
	if err != nil {
		return nil, err
	}

	byGroup := map[string]*Conflict{}
	var order []string
	for _, n := range nodes {
		c, ok := byGroup[n.MergeGroup]
		if !ok {
			c = &Conflict{MergeGroup: n.MergeGroup, CanonicalID: types.CanonicalID(n.ID)}
			if n.MergeTimestamp != nil {
				c.MergeTimestamp = *n.MergeTimestamp
			}
			byGroup[n.MergeGroup] = c
			order = append(order, n.MergeGroup)
		}
		c.Versions = append(c.Versions, ConflictVersion{
			ID:           n.ID,
			CanonicalID:  types.CanonicalID(n.ID),
			SourceBranch: n.SourceBranch,
			Node:         n,
		})
	}

	out := make([]Conflict, 0, len(order))
	for _, g := range order {
		out = append(out, *byGroup[g])
	}
	return out, nil
}

// Resolve applies resolution to the conflict identified by mergeGroup.
//
//   - keep_left/keep_right: if one version is soft-deleted and the other
//     live, the live one always wins regardless of the requested side.
//     Hard-deletes the loser, renames the winner back to its canonical id,
//     and clears merge flags on the winner and every edge in the group.
//   - keep_both: renames each variant to "<canonical>-<branch_label>" and
//     clears merge flags on both. Edge references are already suffixed in
//     the store, so they survive the rename.
func Resolve(ctx context.Context, s *store.Store, mergeGroup string, resolution Resolution) error {
	return resolveWithPatch(ctx, s, mergeGroup, resolution, nil)
}

// ResolvePatch is the optional content patch resolve_conflict may apply to
// the winning version before clearing its merge metadata.
type ResolvePatch struct {
	Summary  *string
	Why      *string
	FileRefs *[]string
}

// ResolveWithPatch is Resolve plus resolve_conflict's full contract: apply
// patch to the winner (regenerating its embedding if summary changed) and
// record reason as part of the winner's audit trail via the caller's own
// timeline entry (the tool layer, not this package, owns timeline writes).
func ResolveWithPatch(ctx context.Context, s *store.Store, mergeGroup string, resolution Resolution,
	patch *ResolvePatch, embed func(name, kind, summary string) ([]float32, error)) (*types.Node, error) {
	winnerID, err := resolveWithPatch(ctx, s, mergeGroup, resolution, nil)
	if err != nil {
		return nil, err
	}

	if patch == nil || (patch.Summary == nil && patch.Why == nil && patch.FileRefs == nil) {
		return s.GetNode(ctx, winnerID)
	}

	nodePatch := store.NodePatch{Summary: patch.Summary, Why: patch.Why, FileRefs: patch.FileRefs}
	if _, err := s.UpdateNode(ctx, winnerID, nodePatch); err != nil {
		return nil, fmt.Errorf("applying resolution patch to %q: %w", winnerID, err)
	}

	if patch.Summary != nil && embed != nil {
		winner, err := s.GetNode(ctx, winnerID)
		if err != nil {
			return nil, err
		}
		vec, err := embed(winner.Name, string(winner.Kind), winner.Summary)
		if err != nil {
			return nil, fmt.Errorf("regenerating embedding for %q: %w", winnerID, err)
		}
		if _, err := s.UpdateNode(ctx, winnerID, store.NodePatch{Embedding: &vec}); err != nil {
			return nil, fmt.Errorf("saving regenerated embedding for %q: %w", winnerID, err)
		}
	}

	return s.GetNode(ctx, winnerID)
}

func resolveWithPatch(ctx context.Context, s *store.Store, mergeGroup string, resolution Resolution, _ *ResolvePatch) (string, error) {
	versions, err := s.GetNodesByMergeGroup(ctx, mergeGroup)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("merge group %q: %w", mergeGroup, store.ErrNotFound)
	}

	canonical := types.CanonicalID(versions[0].ID)

	switch resolution {
	case ResolveKeepLeft, ResolveKeepRight:
		winner, loser := pickWinner(versions, resolution)
		if winner == nil {
			return "", fmt.Errorf("merge group %q: missing expected variant: %w", mergeGroup, store.ErrNotFound)
		}
		if loser != nil {
			if err := s.HardDeleteNode(ctx, loser.ID); err != nil {
				return "", fmt.Errorf("discarding losing copy: %w", err)
			}
		}
		if winner.ID != canonical {
			if err := s.RenameNodeID(ctx, winner.ID, canonical); err != nil {
				return "", fmt.Errorf("restoring canonical id: %w", err)
			}
		}
		if err := s.ClearNodeMergeFlags(ctx, canonical); err != nil {
			return "", err
		}
		if err := s.ClearEdgeMergeFlagsByGroup(ctx, mergeGroup); err != nil {
			return "", err
		}
		return canonical, nil

	case ResolveKeepBoth:
		for _, v := range versions {
			branchLabel := v.SourceBranch
			if branchLabel == "" {
				branchLabel = "unknown"
			}
			newID := canonical + "-" + branchLabel
			if v.ID != newID {
				if err := s.RenameNodeID(ctx, v.ID, newID); err != nil {
					return "", fmt.Errorf("renaming %q to %q: %w", v.ID, newID, err)
				}
			}
			if err := s.ClearNodeMergeFlags(ctx, newID); err != nil {
				return "", err
			}
		}
		if err := s.ClearEdgeMergeFlagsByGroup(ctx, mergeGroup); err != nil {
			return "", err
		}
		return canonical, nil

	default:
		return "", fmt.Errorf("unknown resolution %q", resolution)
	}
}

// pickWinner applies §4.4's tie-break: if one version is removed and the
// other live, the live one always wins regardless of the requested side;
// otherwise honor the requested side, defaulting to ::left if the
// requested side's variant is missing.
func pickWinner(versions []*types.Node, resolution Resolution) (winner, loser *types.Node) {
	var left, right *types.Node
	for _, v := range versions {
		switch {
		case hasSuffix(v.ID, "::left"):
			left = v
		case hasSuffix(v.ID, "::right"):
			right = v
		}
	}

	if left != nil && right != nil {
		if left.IsRemoved() != right.IsRemoved() {
			if left.IsRemoved() {
				return right, left
			}
			return left, right
		}
	}

	if resolution == ResolveKeepRight && right != nil {
		return right, left
	}
	if left != nil {
		return left, right
	}
	return right, left
}

func indexByCanonical(nodes []*types.Node) map[string][]*types.Node {
	out := map[string][]*types.Node{}
	for _, n := range nodes {
		cid := types.CanonicalID(n.ID)
		out[cid] = append(out[cid], n)
	}
	return out
}

func unionKeys(a, b map[string][]*types.Node) []string {
	seen := map[string]bool{}
	var out []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// preexistingGroup reports the shared merge_group if either side already
// carries suffixed, needs_merge-flagged variants for this canonical id.
func preexistingGroup(lVariants, rVariants []*types.Node) string {
	for _, v := range lVariants {
		if v.NeedsMerge && types.HasReservedMergeSuffix(v.ID) {
			return v.MergeGroup
		}
	}
	for _, v := range rVariants {
		if v.NeedsMerge && types.HasReservedMergeSuffix(v.ID) {
			return v.MergeGroup
		}
	}
	return ""
}

// carryForwardPreexisting copies any right-side pre-existing conflict
// variants missing from left, verbatim, and registers the remap entries
// for this canonical id, preferring the variant whose suffix matches the
// origin side.
func carryForwardPreexisting(ctx context.Context, left *store.Store, lVariants, rVariants []*types.Node, remap map[string]string, cid string) error {
	byID := map[string]*types.Node{}
	for _, v := range lVariants {
		byID[v.ID] = v
	}
	for _, v := range rVariants {
		if _, ok := byID[v.ID]; ok {
			continue
		}
		cp := *v
		if err := left.RunRawImport(ctx, func(ri *store.RawImport) error {
			return ri.InsertNode(ctx, &cp)
		}); err != nil {
			return fmt.Errorf("carrying forward pre-existing conflict %q: %w", v.ID, err)
		}
		byID[v.ID] = &cp
	}

	remap["left:"+cid] = pickRemapTarget(byID, cid, "::left")
	remap["right:"+cid] = pickRemapTarget(byID, cid, "::right")
	return nil
}

func pickRemapTarget(byID map[string]*types.Node, cid, preferredSuffix string) string {
	if v, ok := byID[cid+preferredSuffix]; ok {
		return v.ID
	}
	for id := range byID {
		return id
	}
	return cid
}

func edgesByFrom(ctx context.Context, s *store.Store) (map[string][]types.Edge, error) {
	edges, err := s.GetAllEdgesRaw(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string][]types.Edge{}
	for _, e := range edges {
		cid := types.CanonicalID(e.FromID)
		out[cid] = append(out[cid], *e)
	}
	return out, nil
}

func edgeContentSet(ctx context.Context, s *store.Store) (map[string]bool, error) {
	edges, err := s.GetAllEdgesRaw(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(edges))
	for _, e := range edges {
		set[edgeKey(e.FromID, e.ToID, e.Relation, e.Description)] = true
	}
	return set, nil
}

// edgeSetsEqual compares two outgoing-edge sets as multisets of
// (to canonical id, relation, description), ignoring from_id (both sets
// share the same origin node by construction) and surrogate id/timestamps.
func edgeSetsEqual(a, b []types.Edge) bool {
	if len(a) != len(b) {
		return false
	}
	counts := map[string]int{}
	for _, e := range a {
		counts[edgeKey(types.CanonicalID(e.ToID), "", e.Relation, e.Description)]++
	}
	for _, e := range b {
		k := edgeKey(types.CanonicalID(e.ToID), "", e.Relation, e.Description)
		counts[k]--
		if counts[k] < 0 {
			return false
		}
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}

func edgeKey(from, to string, rel types.RelationType, description string) string {
	return from + "\x00" + to + "\x00" + string(rel) + "\x00" + description
}

func remapID(remap map[string]string, key string) string {
	if v, ok := remap[key]; ok {
		return v
	}
	// key is "<side>:<id>"; fall back to the bare id if never remapped
	// (e.g. an endpoint outside this merge's node set).
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[i+1:]
		}
	}
	return key
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
