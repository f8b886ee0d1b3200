package store

import (
	"context"
	"fmt"
)

// RenameNodeID changes a node's primary ID and rewrites every row that
// references it: edges.from_id, edges.to_id, nodes.parent_id (children),
// and any timeline affected_ids entry mentioning the old id. All of this
// happens within a single transaction on a dedicated connection with
// foreign key enforcement disabled for the duration of the rewrite, since
// the node, edge, and child-parent updates are mutually self-referencing.
// Foreign keys are re-enabled on the connection before it is released.
func (s *Store) RenameNodeID(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if newID == "" {
		return fmt.Errorf("%w: new id is empty", ErrInvalidID)
	}

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
		return fmt.Errorf("begin rename tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE nodes SET id = ? WHERE id = ?`, newID, oldID)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("node %q: %w", newID, ErrDuplicate)
		}
		return wrapDBErrorf(err, "rename node %q", oldID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("node %q: %w", oldID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET parent_id = ? WHERE parent_id = ?`, newID, oldID); err != nil {
		return wrapDBErrorf(err, "rewrite parent_id references to %q", oldID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE edges SET from_id = ? WHERE from_id = ?`, newID, oldID); err != nil {
		return wrapDBErrorf(err, "rewrite edges.from_id references to %q", oldID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE edges SET to_id = ? WHERE to_id = ?`, newID, oldID); err != nil {
		return wrapDBErrorf(err, "rewrite edges.to_id references to %q", oldID)
	}
	// affected_ids is a JSON array of id strings; rewrite the quoted
	// literal in place rather than round-tripping through JSON functions
	// the embedded driver may not have compiled in.
	if _, err := tx.ExecContext(ctx, `
		UPDATE timeline SET affected_ids = REPLACE(affected_ids, ?, ?) WHERE affected_ids LIKE ?
	`, `"`+oldID+`"`, `"`+newID+`"`, `%"`+oldID+`"%`); err != nil {
		return wrapDBErrorf(err, "rewrite timeline affected_ids references to %q", oldID)
	}

	return tx.Commit()
}
