package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/megamemory/core/internal/types"
)

const nodeColumns = `id, name, kind, summary, why, file_refs, COALESCE(parent_id, ''), created_by_task,
	embedding, created_at, updated_at, removed_at, removed_reason,
	COALESCE(merge_group, ''), needs_merge, COALESCE(source_branch, ''), merge_timestamp`

// InsertNode inserts a new concept. It returns ErrDuplicate if a node with
// the same ID already exists (live or removed), and ErrInvalidParent if
// ParentID is set but does not reference a live node. Merge metadata is
// always inserted empty/false; callers carrying forward merge state use
// RunRawImport instead.
func (s *Store) InsertNode(ctx context.Context, n *types.Node) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}

	if _, err := s.GetNodeIncludingRemoved(ctx, n.ID); err == nil {
		return fmt.Errorf("node %q: %w", n.ID, ErrDuplicate)
	} else if !IsNotFound(err) {
		return err
	}

	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = n.CreatedAt

	if n.ParentID != "" {
		if _, err := s.GetNode(ctx, n.ParentID); err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("%w: parent %q does not exist", ErrInvalidParent, n.ParentID)
			}
			return err
		}
	}

	fileRefs, err := encodeFileRefs(n.FileRefs)
	if err != nil {
		return fmt.Errorf("encoding file_refs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, kind, summary, why, file_refs, parent_id, created_by_task,
			embedding, created_at, updated_at, removed_at, removed_reason, merge_group, needs_merge)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, NULL, '', NULL, 0)
	`, n.ID, n.Name, string(n.Kind), n.Summary, n.Why, fileRefs, n.ParentID, n.CreatedByTask,
		encodeEmbedding(n.Embedding), n.CreatedAt, n.UpdatedAt)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("node %q: %w", n.ID, ErrDuplicate)
		}
		return wrapDBErrorf(err, "insert node %q", n.ID)
	}
	return nil
}

// GetNode fetches a live (non-removed) node by ID.
func (s *Store) GetNode(ctx context.Context, id string) (*types.Node, error) {
	n, err := s.getNodeRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.IsRemoved() {
		return nil, fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	return n, nil
}

// GetNodeIncludingRemoved fetches a node regardless of soft-delete state.
func (s *Store) GetNodeIncludingRemoved(ctx context.Context, id string) (*types.Node, error) {
	return s.getNodeRow(ctx, id)
}

func (s *Store) getNodeRow(ctx context.Context, id string) (*types.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get node %q", id)
	}
	return n, nil
}

// NodePatch carries only the fields update_concept was asked to change.
// A nil field is left untouched by UpdateNode.
type NodePatch struct {
	Name          *string
	Kind          *types.NodeKind
	Summary       *string
	Why           *string
	FileRefs      *[]string
	ParentID      *string
	CreatedByTask *string
	Embedding     *[]float32
}

// IsEmpty reports whether the patch supplies no field at all.
func (p NodePatch) IsEmpty() bool {
	return p.Name == nil && p.Kind == nil && p.Summary == nil && p.Why == nil &&
		p.FileRefs == nil && p.ParentID == nil && p.CreatedByTask == nil && p.Embedding == nil
}

// UpdateNode applies only the fields set in patch to the live node id,
// bumping updated_at and returning whether any field actually changed.
// It returns ErrNotFound if id does not exist or is removed. Changing
// ParentID re-validates liveness and re-checks for ownership cycles.
func (s *Store) UpdateNode(ctx context.Context, id string, patch NodePatch) (bool, error) {
	existing, err := s.GetNode(ctx, id)
	if err != nil {
		return false, err
	}

	next := *existing
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Kind != nil {
		next.Kind = *patch.Kind
	}
	if patch.Summary != nil {
		next.Summary = *patch.Summary
	}
	if patch.Why != nil {
		next.Why = *patch.Why
	}
	if patch.FileRefs != nil {
		next.FileRefs = *patch.FileRefs
	}
	if patch.ParentID != nil {
		next.ParentID = *patch.ParentID
	}
	if patch.CreatedByTask != nil {
		next.CreatedByTask = *patch.CreatedByTask
	}
	if patch.Embedding != nil {
		next.Embedding = *patch.Embedding
	}

	changed := next.Name != existing.Name ||
		next.Kind != existing.Kind ||
		next.Summary != existing.Summary ||
		next.Why != existing.Why ||
		next.ParentID != existing.ParentID ||
		next.CreatedByTask != existing.CreatedByTask ||
		!stringSlicesEqualLocal(next.FileRefs, existing.FileRefs) ||
		patch.Embedding != nil
	if !changed {
		return false, nil
	}

	if !next.Kind.IsValid() {
		return false, fmt.Errorf("%w: invalid node kind: %q", ErrInvalidID, next.Kind)
	}

	if next.ParentID != "" && next.ParentID != existing.ParentID {
		if _, err := s.GetNode(ctx, next.ParentID); err != nil {
			if IsNotFound(err) {
				return false, fmt.Errorf("%w: parent %q does not exist", ErrInvalidParent, next.ParentID)
			}
			return false, err
		}
		if err := s.checkNoCycle(ctx, id, next.ParentID); err != nil {
			return false, err
		}
	}

	fileRefs, err := encodeFileRefs(next.FileRefs)
	if err != nil {
		return false, fmt.Errorf("encoding file_refs: %w", err)
	}

	next.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET name = ?, kind = ?, summary = ?, why = ?, file_refs = ?,
			parent_id = NULLIF(?, ''), created_by_task = ?, embedding = ?, updated_at = ?
		WHERE id = ? AND removed_at IS NULL
	`, next.Name, string(next.Kind), next.Summary, next.Why, fileRefs,
		next.ParentID, next.CreatedByTask, encodeEmbedding(next.Embedding), next.UpdatedAt, id)
	if err != nil {
		return false, wrapDBErrorf(err, "update node %q", id)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	return true, nil
}

// checkNoCycle walks up from candidateParent through parent_id links,
// refusing if id is encountered (the node would become its own ancestor).
func (s *Store) checkNoCycle(ctx context.Context, id, candidateParent string) error {
	cursor := candidateParent
	for cursor != "" {
		if cursor == id {
			return fmt.Errorf("%w: %q would become its own ancestor via %q", ErrInvariantViolation, id, candidateParent)
		}
		n, err := s.GetNodeIncludingRemoved(ctx, cursor)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		cursor = n.ParentID
	}
	return nil
}

// SoftDeleteNode marks a node removed, recording reason, hard-deletes every
// incident edge, and clears parent_id on live children (so they become
// roots rather than cascading) — all within one transaction. Returns
// ErrAlreadyRemoved if the node is already removed.
func (s *Store) SoftDeleteNode(ctx context.Context, id, reason string) error {
	n, err := s.getNodeRow(ctx, id)
	if err != nil {
		return err
	}
	if n.IsRemoved() {
		return fmt.Errorf("node %q: %w", id, ErrAlreadyRemoved)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin soft delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE nodes SET removed_at = ?, removed_reason = ?, updated_at = ? WHERE id = ?
	`, now, reason, now, id); err != nil {
		return wrapDBErrorf(err, "soft delete node %q", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return wrapDBErrorf(err, "delete incident edges for %q", id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET parent_id = NULL WHERE parent_id = ?`, id); err != nil {
		return wrapDBErrorf(err, "clear parent_id of children of %q", id)
	}

	return tx.Commit()
}

// HardDeleteNode permanently removes a node row and its incident edges.
// Unlike SoftDeleteNode, it leaves no row behind, so time-travel queries no
// longer see the node at any instant, including instants before the
// deletion. Used only by merge conflict resolution.
func (s *Store) HardDeleteNode(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hard delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return wrapDBErrorf(err, "delete edges for node %q", id)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return wrapDBErrorf(err, "delete node %q", id)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("node %q: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// GetChildren returns the live direct children of parentID, ordered by
// creation time.
func (s *Store) GetChildren(ctx context.Context, parentID string) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? AND removed_at IS NULL ORDER BY created_at
	`, parentID)
	if err != nil {
		return nil, wrapDBErrorf(err, "get children of %q", parentID)
	}
	defer func() { _ = rows.Close() }()
	return scanNodes(rows)
}

// GetRootNodes returns every live node with no parent, ordered by name.
func (s *Store) GetRootNodes(ctx context.Context) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE parent_id IS NULL AND removed_at IS NULL ORDER BY name
	`)
	if err != nil {
		return nil, wrapDBErrorf(err, "get root nodes")
	}
	defer func() { _ = rows.Close() }()
	return scanNodes(rows)
}

// GetAllActiveNodesWithEmbeddings returns every live node that has a
// stored embedding, for use as candidates in a similarity search scan.
func (s *Store) GetAllActiveNodesWithEmbeddings(ctx context.Context) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE removed_at IS NULL AND embedding IS NOT NULL ORDER BY id
	`)
	if err != nil {
		return nil, wrapDBErrorf(err, "get active nodes with embeddings")
	}
	defer func() { _ = rows.Close() }()
	return scanNodes(rows)
}

// GetConflictNodes returns every node with needs_merge = true, live or
// removed, so list_conflicts can surface removed-vs-live conflict groups.
func (s *Store) GetConflictNodes(ctx context.Context) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE needs_merge = 1 ORDER BY merge_group, id
	`)
	if err != nil {
		return nil, wrapDBErrorf(err, "get conflict nodes")
	}
	defer func() { _ = rows.Close() }()
	return scanNodes(rows)
}

// GetNodesByMergeGroup returns every node (live or removed) tagged with
// the given merge_group.
func (s *Store) GetNodesByMergeGroup(ctx context.Context, group string) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE merge_group = ? ORDER BY id
	`, group)
	if err != nil {
		return nil, wrapDBErrorf(err, "get nodes for merge group %q", group)
	}
	defer func() { _ = rows.Close() }()
	return scanNodes(rows)
}

// GetAllNodesRaw returns every node, live or removed, with no filtering.
// Used by the merge engine to enumerate both sides of a reconciliation.
func (s *Store) GetAllNodesRaw(ctx context.Context) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, wrapDBErrorf(err, "get all nodes raw")
	}
	defer func() { _ = rows.Close() }()
	return scanNodes(rows)
}

// SetNodeMergeMetadata tags id with merge_group/needs_merge/source_branch/
// merge_timestamp. Used by the merge engine when minting a new conflict
// on an already-stored node (the ::left variant, renamed in place).
func (s *Store) SetNodeMergeMetadata(ctx context.Context, id, group string, needsMerge bool, sourceBranch string, timestamp time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET merge_group = ?, needs_merge = ?, source_branch = ?, merge_timestamp = ?
		WHERE id = ?
	`, group, needsMerge, sourceBranch, timestamp, id)
	if err != nil {
		return wrapDBErrorf(err, "set merge metadata for node %q", id)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	return nil
}

// ClearNodeMergeFlags clears merge_group, needs_merge, source_branch, and
// merge_timestamp on id. Used by resolve_conflict once a conflict is
// settled.
func (s *Store) ClearNodeMergeFlags(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET merge_group = NULL, needs_merge = 0, source_branch = NULL, merge_timestamp = NULL
		WHERE id = ?
	`, id)
	if err != nil {
		return wrapDBErrorf(err, "clear merge flags for node %q", id)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	return nil
}

// GetStats summarizes node and edge counts for reporting.
func (s *Store) GetStats(ctx context.Context) (*types.Stats, error) {
	stats := &types.Stats{KindBreakdown: map[string]int{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&stats.TotalNodes); err != nil {
		return nil, wrapDBErrorf(err, "count nodes")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE removed_at IS NULL`).Scan(&stats.ActiveNodes); err != nil {
		return nil, wrapDBErrorf(err, "count active nodes")
	}
	stats.RemovedNodes = stats.TotalNodes - stats.ActiveNodes

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&stats.TotalEdges); err != nil {
		return nil, wrapDBErrorf(err, "count edges")
	}

	breakdown, err := s.GetKindsBreakdown(ctx)
	if err != nil {
		return nil, err
	}
	stats.KindBreakdown = breakdown

	return stats, nil
}

// GetKindsBreakdown returns the count of live nodes per kind.
func (s *Store) GetKindsBreakdown(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM nodes WHERE removed_at IS NULL GROUP BY kind
	`)
	if err != nil {
		return nil, wrapDBErrorf(err, "get kinds breakdown")
	}
	defer func() { _ = rows.Close() }()

	breakdown := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, wrapDBErrorf(err, "scan kinds breakdown row")
		}
		breakdown[kind] = count
	}
	return breakdown, wrapDBErrorf(rows.Err(), "iterate kinds breakdown")
}

func scanNode(row *sql.Row) (*types.Node, error) {
	n := &types.Node{}
	var kind, parentID, fileRefs, mergeGroup, sourceBranch string
	var embedding []byte
	var removedAt, mergeTimestamp sql.NullTime
	var needsMerge bool
	if err := row.Scan(&n.ID, &n.Name, &kind, &n.Summary, &n.Why, &fileRefs, &parentID, &n.CreatedByTask,
		&embedding, &n.CreatedAt, &n.UpdatedAt, &removedAt, &n.RemovedReason,
		&mergeGroup, &needsMerge, &sourceBranch, &mergeTimestamp); err != nil {
		return nil, err
	}
	populateNode(n, kind, parentID, fileRefs, mergeGroup, sourceBranch, embedding, needsMerge, removedAt, mergeTimestamp)
	return n, nil
}

func scanNodes(rows *sql.Rows) ([]*types.Node, error) {
	var out []*types.Node
	for rows.Next() {
		n := &types.Node{}
		var kind, parentID, fileRefs, mergeGroup, sourceBranch string
		var embedding []byte
		var removedAt, mergeTimestamp sql.NullTime
		var needsMerge bool
		if err := rows.Scan(&n.ID, &n.Name, &kind, &n.Summary, &n.Why, &fileRefs, &parentID, &n.CreatedByTask,
			&embedding, &n.CreatedAt, &n.UpdatedAt, &removedAt, &n.RemovedReason,
			&mergeGroup, &needsMerge, &sourceBranch, &mergeTimestamp); err != nil {
			return nil, wrapDBErrorf(err, "scan node row")
		}
		populateNode(n, kind, parentID, fileRefs, mergeGroup, sourceBranch, embedding, needsMerge, removedAt, mergeTimestamp)
		out = append(out, n)
	}
	return out, wrapDBErrorf(rows.Err(), "iterate node rows")
}

func populateNode(n *types.Node, kind, parentID, fileRefs, mergeGroup, sourceBranch string, embedding []byte,
	needsMerge bool, removedAt, mergeTimestamp sql.NullTime) {
	n.Kind = types.NodeKind(kind)
	n.ParentID = parentID
	n.FileRefs = decodeFileRefs(fileRefs)
	n.MergeGroup = mergeGroup
	n.NeedsMerge = needsMerge
	n.SourceBranch = sourceBranch
	n.Embedding = decodeEmbedding(embedding)
	if removedAt.Valid {
		t := removedAt.Time
		n.RemovedAt = &t
	}
	if mergeTimestamp.Valid {
		t := mergeTimestamp.Time
		n.MergeTimestamp = &t
	}
}

func encodeFileRefs(refs []string) (string, error) {
	if len(refs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeFileRefs(raw string) []string {
	if raw == "" {
		return nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

func stringSlicesEqualLocal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
