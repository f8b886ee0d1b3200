package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/megamemory/core/internal/types"
)

// RawImport is a transaction-scoped handle the merge engine uses to carry
// node and edge rows forward verbatim: timestamps, removed-state, and
// merge metadata are written exactly as given, bypassing the defaulting
// and liveness checks InsertNode/InsertEdge apply for ordinary tool-layer
// writes. Foreign keys are disabled for the transaction's duration so
// nodes can be inserted in any order regardless of parent_id dependency.
type RawImport struct {
	tx *sql.Tx
}

// RunRawImport runs fn against a single transaction on a dedicated
// connection with foreign key enforcement off, committing on success and
// rolling back (and re-enabling foreign keys) otherwise. Mirrors the
// rename-under-FK pattern in RenameNodeID.
func (s *Store) RunRawImport(ctx context.Context, fn func(*RawImport) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return fmt.Errorf("disabling foreign keys: %w", err)
	}
	defer func() { _, _ = conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`) }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin raw import tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&RawImport{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertNode inserts n with every field — including created_at, updated_at,
// removed_at/removed_reason, and merge metadata — written verbatim.
func (ri *RawImport) InsertNode(ctx context.Context, n *types.Node) error {
	fileRefs, err := encodeFileRefs(n.FileRefs)
	if err != nil {
		return fmt.Errorf("encoding file_refs: %w", err)
	}

	var removedAt any
	if n.RemovedAt != nil {
		removedAt = *n.RemovedAt
	}
	var mergeGroup any
	if n.MergeGroup != "" {
		mergeGroup = n.MergeGroup
	}
	var sourceBranch any
	if n.SourceBranch != "" {
		sourceBranch = n.SourceBranch
	}
	var mergeTimestamp any
	if n.MergeTimestamp != nil {
		mergeTimestamp = *n.MergeTimestamp
	}

	_, err = ri.tx.ExecContext(ctx, `
		INSERT INTO nodes (id, name, kind, summary, why, file_refs, parent_id, created_by_task,
			embedding, created_at, updated_at, removed_at, removed_reason,
			merge_group, needs_merge, source_branch, merge_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Name, string(n.Kind), n.Summary, n.Why, fileRefs, n.ParentID, n.CreatedByTask,
		encodeEmbedding(n.Embedding), n.CreatedAt, n.UpdatedAt, removedAt, n.RemovedReason,
		mergeGroup, n.NeedsMerge, sourceBranch, mergeTimestamp)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("node %q: %w", n.ID, ErrDuplicate)
		}
		return wrapDBErrorf(err, "raw insert node %q", n.ID)
	}
	return nil
}

// InsertEdge inserts e with created_at and merge metadata written verbatim.
func (ri *RawImport) InsertEdge(ctx context.Context, e *types.Edge) error {
	var mergeGroup any
	if e.MergeGroup != "" {
		mergeGroup = e.MergeGroup
	}
	var sourceBranch any
	if e.SourceBranch != "" {
		sourceBranch = e.SourceBranch
	}
	var mergeTimestamp any
	if e.MergeTimestamp != nil {
		mergeTimestamp = *e.MergeTimestamp
	}

	result, err := ri.tx.ExecContext(ctx, `
		INSERT INTO edges (from_id, to_id, relation, description, created_at,
			merge_group, needs_merge, source_branch, merge_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.FromID, e.ToID, string(e.Relation), e.Description, e.CreatedAt,
		mergeGroup, e.NeedsMerge, sourceBranch, mergeTimestamp)
	if err != nil {
		return wrapDBErrorf(err, "raw insert edge %s->%s", e.FromID, e.ToID)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return wrapDBErrorf(err, "get raw-inserted edge id")
	}
	e.ID = id
	return nil
}
