package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qcforge/qcforge/pkg/types"
)

// ActivateManager registers a manager under its full name. Activation
// is idempotent: re-activating an existing active manager refreshes its
// tags and programs. Re-activating a name that was deactivated is
// rejected, since the server no longer tracks that incarnation's tasks.
func (s *Store) ActivateManager(ctx context.Context, body *types.ActivateBody) (*types.ComputeManager, error) {
	name := body.NameData.FullName()
	programs := types.NormalizePrograms(body.Programs)
	tags := types.NormalizeTags(body.Tags)
	if len(programs) == 0 {
		return nil, fmt.Errorf("manager %s offers no programs", name)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("manager %s offers no compute tags", name)
	}

	var m *types.ComputeManager
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		existing, err := tx.getManager(ctx, name)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		now := time.Now().UTC()

		if existing != nil {
			if existing.Status != types.ManagerStatusActive {
				return &ComputeManagerError{
					Message:  fmt.Sprintf("manager %s was deactivated and cannot reactivate", name),
					Shutdown: true,
				}
			}
			_, err := tx.conn.ExecContext(ctx,
				`UPDATE queue_manager SET tags = ?, programs = ?, username = ?, modified_on = ? WHERE name = ?`,
				mustJSON(tags), mustJSON(programs), body.Username, now, name)
			if err != nil {
				return fmt.Errorf("update manager: %w", err)
			}
			m, err = tx.getManager(ctx, name)
			return err
		}

		_, err = tx.conn.ExecContext(ctx,
			`INSERT INTO queue_manager (name, cluster, hostname, username, tags, programs, status, created_on, modified_on)
			 VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
			name, body.NameData.Cluster, body.NameData.Hostname, body.Username,
			mustJSON(tags), mustJSON(programs), now, now)
		if err != nil {
			return fmt.Errorf("insert manager: %w", err)
		}
		m, err = tx.getManager(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Heartbeat refreshes a manager's liveness and snapshots its counters.
// A heartbeat from an unknown or inactive manager returns a shutdown
// error so the manager stops and re-registers under a fresh name.
func (s *Store) Heartbeat(ctx context.Context, name string, body *types.HeartbeatBody) error {
	return s.RunInTransaction(ctx, func(tx *Tx) error {
		m, err := tx.getManager(ctx, name)
		if errors.Is(err, ErrNotFound) {
			return &ComputeManagerError{Message: fmt.Sprintf("manager %s is not registered", name), Shutdown: true}
		}
		if err != nil {
			return err
		}
		if m.Status != types.ManagerStatusActive {
			return &ComputeManagerError{Message: fmt.Sprintf("manager %s is inactive", name), Shutdown: true}
		}

		now := time.Now().UTC()
		_, err = tx.conn.ExecContext(ctx,
			`UPDATE queue_manager SET active_tasks = ?, active_cores = ?, active_memory = ?,
			        total_cpu_hours = ?, modified_on = ? WHERE name = ?`,
			body.ActiveTasks, body.ActiveCores, body.ActiveMemory, body.TotalCPUHours, now, name)
		if err != nil {
			return fmt.Errorf("update manager heartbeat: %w", err)
		}
		_, err = tx.conn.ExecContext(ctx,
			`INSERT INTO queue_manager_log (manager_id, timestamp, claimed, successes, failures, rejected,
			        total_cpu_hours, active_tasks, active_cores, active_memory)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, now, m.Claimed, m.Successes, m.Failures, m.Rejected,
			body.TotalCPUHours, body.ActiveTasks, body.ActiveCores, body.ActiveMemory)
		if err != nil {
			return fmt.Errorf("insert manager log: %w", err)
		}
		return nil
	})
}

// DeactivateManagers marks the named managers inactive and returns
// their running records to the queue.
func (s *Store) DeactivateManagers(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	var reset int64
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		reset, err = tx.deactivateManagers(ctx, names)
		return err
	})
	return reset, err
}

func (t *Tx) deactivateManagers(ctx context.Context, names []string) (int64, error) {
	args := make([]interface{}, 0, len(names)+1)
	args = append(args, time.Now().UTC())
	for _, n := range names {
		args = append(args, n)
	}
	if _, err := t.conn.ExecContext(ctx,
		`UPDATE queue_manager SET status = 'inactive', active_tasks = 0, active_cores = 0, active_memory = 0, modified_on = ?
		 WHERE name IN (`+placeholders(len(names))+`)`, args...); err != nil {
		return 0, fmt.Errorf("deactivate managers: %w", err)
	}
	return t.ResetTasksForManagers(ctx, names)
}

// DeactivateStaleManagers sweeps managers whose last heartbeat is older
// than the cutoff and requeues their work. Returns the swept names.
func (s *Store) DeactivateStaleManagers(ctx context.Context, modifiedBefore time.Time) ([]string, error) {
	var names []string
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		rows, err := tx.conn.QueryContext(ctx,
			`SELECT name FROM queue_manager WHERE status = 'active' AND modified_on < ?`,
			modifiedBefore.UTC())
		if err != nil {
			return fmt.Errorf("query stale managers: %w", err)
		}
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				rows.Close()
				return err
			}
			names = append(names, n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		_, err = tx.deactivateManagers(ctx, names)
		return err
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// requireActiveManager rejects claims and returns from managers the
// server does not consider alive.
func (t *Tx) requireActiveManager(ctx context.Context, name string) error {
	m, err := t.getManager(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return &ComputeManagerError{Message: fmt.Sprintf("manager %s is not registered", name), Shutdown: true}
	}
	if err != nil {
		return err
	}
	if m.Status != types.ManagerStatusActive {
		return &ComputeManagerError{Message: fmt.Sprintf("manager %s is inactive", name), Shutdown: true}
	}
	return nil
}

const managerSelect = `
	SELECT id, name, cluster, hostname, username, tags, programs, status,
	       claimed, successes, failures, rejected, total_cpu_hours,
	       active_tasks, active_cores, active_memory, created_on, modified_on
	FROM queue_manager`

func scanManager(row rowScanner) (*types.ComputeManager, error) {
	var m types.ComputeManager
	var tags, programs, status string
	err := row.Scan(&m.ID, &m.Name, &m.Cluster, &m.Hostname, &m.Username, &tags, &programs, &status,
		&m.Claimed, &m.Successes, &m.Failures, &m.Rejected, &m.TotalCPUHours,
		&m.ActiveTasks, &m.ActiveCores, &m.ActiveMemory, &m.CreatedOn, &m.ModifiedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan manager: %w", err)
	}
	m.Status = types.ManagerStatus(status)
	if err := fromJSON(sql.NullString{String: tags, Valid: true}, &m.Tags); err != nil {
		return nil, err
	}
	if err := fromJSON(sql.NullString{String: programs, Valid: true}, &m.Programs); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *Tx) getManager(ctx context.Context, name string) (*types.ComputeManager, error) {
	return scanManager(t.conn.QueryRowContext(ctx, managerSelect+` WHERE name = ?`, name))
}

// GetManager fetches one manager by full name.
func (s *Store) GetManager(ctx context.Context, name string) (*types.ComputeManager, error) {
	return scanManager(s.db.QueryRowContext(ctx, managerSelect+` WHERE name = ?`, name))
}

// QueryManagers lists managers, optionally restricted by status.
func (s *Store) QueryManagers(ctx context.Context, status []types.ManagerStatus) ([]*types.ComputeManager, error) {
	q := managerSelect
	var args []interface{}
	if len(status) > 0 {
		q += ` WHERE status IN (` + placeholders(len(status)) + `)`
		for _, st := range status {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query managers: %w", err)
	}
	defer rows.Close()
	var out []*types.ComputeManager
	for rows.Next() {
		m, err := scanManager(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetManagerLogs returns heartbeat snapshots for one manager, oldest
// first.
func (s *Store) GetManagerLogs(ctx context.Context, managerID int64, limit int) ([]*types.ManagerLog, error) {
	q := `SELECT id, manager_id, timestamp, claimed, successes, failures, rejected,
	             total_cpu_hours, active_tasks, active_cores, active_memory
	      FROM queue_manager_log WHERE manager_id = ? ORDER BY id ASC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, managerID)
	if err != nil {
		return nil, fmt.Errorf("query manager logs: %w", err)
	}
	defer rows.Close()
	var out []*types.ManagerLog
	for rows.Next() {
		var l types.ManagerLog
		if err := rows.Scan(&l.ID, &l.ManagerID, &l.Timestamp, &l.Claimed, &l.Successes, &l.Failures,
			&l.Rejected, &l.TotalCPUHours, &l.ActiveTasks, &l.ActiveCores, &l.ActiveMemory); err != nil {
			return nil, fmt.Errorf("scan manager log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
