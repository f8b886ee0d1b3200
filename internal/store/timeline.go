package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/megamemory/core/internal/types"
)

// InsertTimelineEntry appends one tool-invocation record. seq is assigned
// by the store; timestamp defaults to now if the caller left it zero. Callers (the tool layer) are responsible for
// swallowing the returned error per the "timeline logging must never
// fail the tool" propagation policy — this method itself always reports
// failures rather than hiding them, so callers can choose to log them.
func (s *Store) InsertTimelineEntry(ctx context.Context, e *types.TimelineEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	affected, err := json.Marshal(e.AffectedIDs)
	if err != nil {
		return wrapDBErrorf(err, "encoding affected_ids")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO timeline (timestamp, tool, params, result_summary, is_write, is_error, affected_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.Tool, e.Params, e.ResultSummary, e.IsWrite, e.IsError, string(affected))
	if err != nil {
		return wrapDBErrorf(err, "insert timeline entry for %q", e.Tool)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return wrapDBErrorf(err, "get inserted timeline seq")
	}
	e.Seq = seq
	return nil
}

// TimelineBounds is the cheap {first, last, count} summary get_timeline_bounds
// returns.
type TimelineBounds struct {
	First time.Time
	Last  time.Time
	Count int
}

// GetTimelineBounds returns the timestamp of the earliest and latest
// timeline entries and the total row count. If the store has no timeline
// entries at all (a pre-v3 store that predates the table, or one that
// simply hasn't recorded a tool call yet), bounds are synthesized from the
// min/max of nodes.created_at/updated_at instead, with Count left 0 so
// callers can tell the difference.
func (s *Store) GetTimelineBounds(ctx context.Context) (TimelineBounds, error) {
	var b TimelineBounds
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM timeline`).Scan(&b.Count); err != nil {
		return b, wrapDBErrorf(err, "count timeline entries")
	}
	if b.Count > 0 {
		row := s.db.QueryRowContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM timeline`)
		if err := row.Scan(&b.First, &b.Last); err != nil {
			return b, wrapDBErrorf(err, "get timeline bounds")
		}
		return b, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT MIN(created_at), MAX(updated_at) FROM nodes`)
	var minCreated, maxUpdated sql.NullTime
	if err := row.Scan(&minCreated, &maxUpdated); err != nil {
		return b, wrapDBErrorf(err, "synthesize timeline bounds")
	}
	if minCreated.Valid {
		b.First = minCreated.Time
	}
	if maxUpdated.Valid {
		b.Last = maxUpdated.Time
	}
	return b, nil
}

// TimelineFilter narrows GetTimelineEntries.
type TimelineFilter struct {
	WritesOnly bool
	Tool       string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// GetTimelineEntries returns timeline entries matching filter, most recent
// first.
func (s *Store) GetTimelineEntries(ctx context.Context, filter TimelineFilter) ([]*types.TimelineEntry, error) {
	query := `
		SELECT seq, timestamp, tool, params, result_summary, is_write, is_error, affected_ids
		FROM timeline WHERE 1=1
	`
	var args []any
	if filter.WritesOnly {
		query += ` AND is_write = 1`
	}
	if filter.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, filter.Tool)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, filter.Until)
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErrorf(err, "get timeline entries")
	}
	defer func() { _ = rows.Close() }()
	return scanTimelineEntries(rows)
}

// GetTimelineTicks returns approximately n entries evenly sampled across
// the full sequence, always including the first and last entries, with
// indices collapsed by rounding deduplicated.
func (s *Store) GetTimelineTicks(ctx context.Context, n int) ([]*types.TimelineEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, timestamp, tool, params, result_summary, is_write, is_error, affected_ids
		FROM timeline ORDER BY seq ASC
	`)
	if err != nil {
		return nil, wrapDBErrorf(err, "get timeline entries for ticks")
	}
	defer func() { _ = rows.Close() }()
	all, err := scanTimelineEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	if n >= len(all) {
		return all, nil
	}
	if n == 1 {
		return []*types.TimelineEntry{all[0]}, nil
	}

	seen := make(map[int]bool, n)
	var ticks []*types.TimelineEntry
	last := len(all) - 1
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n-1)
		idx := int(frac*float64(last) + 0.5)
		if seen[idx] {
			continue
		}
		seen[idx] = true
		ticks = append(ticks, all[idx])
	}
	return ticks, nil
}

// GetNodesAtTime reconstructs which nodes were live (created, not yet
// removed) as of instant t.
func (s *Store) GetNodesAtTime(ctx context.Context, t time.Time) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE created_at <= ? AND (removed_at IS NULL OR removed_at > ?)
		ORDER BY created_at
	`, t, t)
	if err != nil {
		return nil, wrapDBErrorf(err, "get nodes at time %s", t)
	}
	defer func() { _ = rows.Close() }()
	return scanNodes(rows)
}

// GetEdgesAtTime reconstructs which edges existed as of instant t: both
// endpoints must have existed and not yet been removed, and the edge
// itself must have been created by t. Edges are not soft-deleted: an edge
// removed by DeleteEdge, by SoftDeleteNode's cascade, or by HardDeleteNode
// has no row left, so it is missing from the result for every t, including
// instants before its deletion.
func (s *Store) GetEdgesAtTime(ctx context.Context, t time.Time) ([]*types.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.from_id, e.to_id, e.relation, e.description, e.created_at,
			COALESCE(e.merge_group, ''), e.needs_merge, COALESCE(e.source_branch, ''), e.merge_timestamp
		FROM edges e
		JOIN nodes f ON f.id = e.from_id
		JOIN nodes tn ON tn.id = e.to_id
		WHERE e.created_at <= ?
		  AND f.created_at <= ? AND (f.removed_at IS NULL OR f.removed_at > ?)
		  AND tn.created_at <= ? AND (tn.removed_at IS NULL OR tn.removed_at > ?)
		ORDER BY e.created_at
	`, t, t, t, t, t)
	if err != nil {
		return nil, wrapDBErrorf(err, "get edges at time %s", t)
	}
	defer func() { _ = rows.Close() }()
	return scanEdges(rows)
}

func scanTimelineEntries(rows *sql.Rows) ([]*types.TimelineEntry, error) {
	var out []*types.TimelineEntry
	for rows.Next() {
		e := &types.TimelineEntry{}
		var affected string
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Tool, &e.Params, &e.ResultSummary, &e.IsWrite, &e.IsError, &affected); err != nil {
			return nil, wrapDBErrorf(err, "scan timeline row")
		}
		if affected != "" {
			_ = json.Unmarshal([]byte(affected), &e.AffectedIDs)
		}
		out = append(out, e)
	}
	return out, wrapDBErrorf(rows.Err(), "iterate timeline rows")
}
