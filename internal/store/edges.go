package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/megamemory/core/internal/types"
)

const edgeColumns = `id, from_id, to_id, relation, description, created_at,
	COALESCE(merge_group, ''), needs_merge, COALESCE(source_branch, ''), merge_timestamp`

// InsertEdge records a typed relation between two existing live nodes.
// Returns ErrInvalidParent if either endpoint does not exist or is
// removed. Duplicate (from, to, relation) triples are permitted: callers
// may link the same pair more than once, per the tool-layer contract.
func (s *Store) InsertEdge(ctx context.Context, e *types.Edge) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}

	for _, id := range []string{e.FromID, e.ToID} {
		if _, err := s.GetNode(ctx, id); err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("%w: node %q does not exist", ErrInvalidParent, id)
			}
			return err
		}
	}

	e.CreatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (from_id, to_id, relation, description, created_at, merge_group, needs_merge)
		VALUES (?, ?, ?, ?, ?, NULL, 0)
	`, e.FromID, e.ToID, string(e.Relation), e.Description, e.CreatedAt)
	if err != nil {
		return wrapDBErrorf(err, "insert edge %s->%s", e.FromID, e.ToID)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return wrapDBErrorf(err, "get inserted edge id")
	}
	e.ID = id
	return nil
}

// DeleteEdge removes a single edge by its surrogate ID.
func (s *Store) DeleteEdge(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id)
	if err != nil {
		return wrapDBErrorf(err, "delete edge %d", id)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("edge %d: %w", id, ErrNotFound)
	}
	return nil
}

// NeighborEdge pairs an edge with the name of the live neighbor node at
// its other endpoint, as returned by GetOutgoingEdgesWithNeighborNames/
// GetIncomingEdgesWithNeighborNames.
type NeighborEdge struct {
	Edge         types.Edge
	NeighborID   string
	NeighborName string
}

// GetOutgoingEdges returns every edge whose FromID is id and whose ToID is
// still live. The target's name is not returned; see
// GetOutgoingEdgesWithNeighborNames.
func (s *Store) GetOutgoingEdges(ctx context.Context, id string) ([]*types.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.from_id, e.to_id, e.relation, e.description, e.created_at,
			COALESCE(e.merge_group, ''), e.needs_merge, COALESCE(e.source_branch, ''), e.merge_timestamp
		FROM edges e
		JOIN nodes tn ON tn.id = e.to_id AND tn.removed_at IS NULL
		WHERE e.from_id = ? ORDER BY e.created_at
	`, id)
	if err != nil {
		return nil, wrapDBErrorf(err, "get outgoing edges for %q", id)
	}
	defer func() { _ = rows.Close() }()
	return scanEdges(rows)
}

// GetIncomingEdges returns every edge whose ToID is id and whose FromID is
// still live. The source's name is not returned; see
// GetIncomingEdgesWithNeighborNames.
func (s *Store) GetIncomingEdges(ctx context.Context, id string) ([]*types.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.from_id, e.to_id, e.relation, e.description, e.created_at,
			COALESCE(e.merge_group, ''), e.needs_merge, COALESCE(e.source_branch, ''), e.merge_timestamp
		FROM edges e
		JOIN nodes fn ON fn.id = e.from_id AND fn.removed_at IS NULL
		WHERE e.to_id = ? ORDER BY e.created_at
	`, id)
	if err != nil {
		return nil, wrapDBErrorf(err, "get incoming edges for %q", id)
	}
	defer func() { _ = rows.Close() }()
	return scanEdges(rows)
}

// GetOutgoingEdgesWithNeighborNames is like GetOutgoingEdges but also
// returns the live neighbor's name for each edge, as understand's context
// envelope requires.
func (s *Store) GetOutgoingEdgesWithNeighborNames(ctx context.Context, id string) ([]NeighborEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.from_id, e.to_id, e.relation, e.description, e.created_at,
			COALESCE(e.merge_group, ''), e.needs_merge, COALESCE(e.source_branch, ''), e.merge_timestamp,
			tn.name
		FROM edges e
		JOIN nodes tn ON tn.id = e.to_id AND tn.removed_at IS NULL
		WHERE e.from_id = ? ORDER BY e.created_at
	`, id)
	if err != nil {
		return nil, wrapDBErrorf(err, "get outgoing edges with neighbor names for %q", id)
	}
	defer func() { _ = rows.Close() }()
	return scanNeighborEdges(rows, true)
}

// GetIncomingEdgesWithNeighborNames is like GetIncomingEdges but also
// returns the live neighbor's name for each edge.
func (s *Store) GetIncomingEdgesWithNeighborNames(ctx context.Context, id string) ([]NeighborEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.from_id, e.to_id, e.relation, e.description, e.created_at,
			COALESCE(e.merge_group, ''), e.needs_merge, COALESCE(e.source_branch, ''), e.merge_timestamp,
			fn.name
		FROM edges e
		JOIN nodes fn ON fn.id = e.from_id AND fn.removed_at IS NULL
		WHERE e.to_id = ? ORDER BY e.created_at
	`, id)
	if err != nil {
		return nil, wrapDBErrorf(err, "get incoming edges with neighbor names for %q", id)
	}
	defer func() { _ = rows.Close() }()
	return scanNeighborEdges(rows, false)
}

// GetAllEdgesRaw returns every edge with no filtering, for the merge
// engine to enumerate both sides of a reconciliation.
func (s *Store) GetAllEdgesRaw(ctx context.Context) ([]*types.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+edgeColumns+` FROM edges ORDER BY id`)
	if err != nil {
		return nil, wrapDBErrorf(err, "get all edges raw")
	}
	defer func() { _ = rows.Close() }()
	return scanEdges(rows)
}

// SetEdgeMergeMetadata tags a single edge (by surrogate id) with
// merge_group/needs_merge/source_branch/merge_timestamp. Used by the
// merge engine when a conflicted node's edge sets themselves disagree.
func (s *Store) SetEdgeMergeMetadata(ctx context.Context, id int64, group string, needsMerge bool, sourceBranch string, timestamp time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE edges SET merge_group = ?, needs_merge = ?, source_branch = ?, merge_timestamp = ?
		WHERE id = ?
	`, group, needsMerge, sourceBranch, timestamp, id)
	if err != nil {
		return wrapDBErrorf(err, "set merge metadata for edge %d", id)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("edge %d: %w", id, ErrNotFound)
	}
	return nil
}

// ClearEdgeMergeFlagsByGroup clears merge_group, needs_merge, source_branch,
// and merge_timestamp on every edge tagged with group.
func (s *Store) ClearEdgeMergeFlagsByGroup(ctx context.Context, group string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE edges SET merge_group = NULL, needs_merge = 0, source_branch = NULL, merge_timestamp = NULL
		WHERE merge_group = ?
	`, group)
	return wrapDBErrorf(err, "clear edge merge flags for group %q", group)
}

func scanEdges(rows *sql.Rows) ([]*types.Edge, error) {
	var out []*types.Edge
	for rows.Next() {
		e := &types.Edge{}
		var relation, mergeGroup, sourceBranch string
		var needsMerge bool
		var mergeTimestamp sql.NullTime
		if err := rows.Scan(&e.ID, &e.FromID, &e.ToID, &relation, &e.Description, &e.CreatedAt,
			&mergeGroup, &needsMerge, &sourceBranch, &mergeTimestamp); err != nil {
			return nil, wrapDBErrorf(err, "scan edge row")
		}
		e.Relation = types.RelationType(relation)
		e.MergeGroup = mergeGroup
		e.NeedsMerge = needsMerge
		e.SourceBranch = sourceBranch
		if mergeTimestamp.Valid {
			t := mergeTimestamp.Time
			e.MergeTimestamp = &t
		}
		out = append(out, e)
	}
	return out, wrapDBErrorf(rows.Err(), "iterate edge rows")
}

func scanNeighborEdges(rows *sql.Rows, neighborIsTo bool) ([]NeighborEdge, error) {
	var out []NeighborEdge
	for rows.Next() {
		var e types.Edge
		var relation, mergeGroup, sourceBranch, neighborName string
		var needsMerge bool
		var mergeTimestamp sql.NullTime
		if err := rows.Scan(&e.ID, &e.FromID, &e.ToID, &relation, &e.Description, &e.CreatedAt,
			&mergeGroup, &needsMerge, &sourceBranch, &mergeTimestamp, &neighborName); err != nil {
			return nil, wrapDBErrorf(err, "scan neighbor edge row")
		}
		e.Relation = types.RelationType(relation)
		e.MergeGroup = mergeGroup
		e.NeedsMerge = needsMerge
		e.SourceBranch = sourceBranch
		if mergeTimestamp.Valid {
			t := mergeTimestamp.Time
			e.MergeTimestamp = &t
		}
		ne := NeighborEdge{Edge: e, NeighborName: neighborName}
		if neighborIsTo {
			ne.NeighborID = e.ToID
		} else {
			ne.NeighborID = e.FromID
		}
		out = append(out, ne)
	}
	return out, wrapDBErrorf(rows.Err(), "iterate neighbor edge rows")
}
