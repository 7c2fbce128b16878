package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qcforge/qcforge/pkg/types"
)

// SnapshotStats collects queue and database totals and appends them to
// the stats log. Called by the periodic runner.
func (s *Store) SnapshotStats(ctx context.Context) (*types.ServerStats, error) {
	stats := &types.ServerStats{
		Timestamp:     time.Now().UTC(),
		RecordCounts:  make(map[string]int64),
		ManagerCounts: make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM base_record GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.RecordCounts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_manager GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count managers: %w", err)
	}
	for mrows.Next() {
		var status string
		var n int64
		if err := mrows.Scan(&status, &n); err != nil {
			mrows.Close()
			return nil, err
		}
		stats.ManagerCounts[status] = n
	}
	mrows.Close()
	if err := mrows.Err(); err != nil {
		return nil, err
	}

	if stats.TaskCount, err = s.TaskCount(ctx); err != nil {
		return nil, err
	}
	if stats.ServiceCount, err = s.ServiceCount(ctx); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM molecules`).Scan(&stats.MoleculeCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM output_store`).Scan(&stats.OutputCount); err != nil {
		return nil, err
	}
	stats.DatabaseBytes = s.DatabaseSize()

	payload, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("encode stats: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO server_stats_log (timestamp, payload) VALUES (?, ?)`,
		stats.Timestamp, string(payload))
	if err != nil {
		return nil, fmt.Errorf("insert stats: %w", err)
	}
	stats.ID, _ = res.LastInsertId()
	return stats, nil
}

// GetStats returns logged snapshots, newest first.
func (s *Store) GetStats(ctx context.Context, limit int) ([]*types.ServerStats, error) {
	q := `SELECT id, payload FROM server_stats_log ORDER BY id DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	var out []*types.ServerStats
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var st types.ServerStats
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
		st.ID = id
		out = append(out, &st)
	}
	return out, rows.Err()
}

// DeleteStatsBefore prunes snapshots older than the cutoff.
func (s *Store) DeleteStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM server_stats_log WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune stats: %w", err)
	}
	return res.RowsAffected()
}
