package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qcforge/qcforge/pkg/types"
)

// ServiceMeta is one service queue entry with its record header.
type ServiceMeta struct {
	ID         int64
	RecordID   int64
	RecordType types.RecordType
	Status     types.RecordStatus
	Tag        string
	Priority   types.Priority
	State      json.RawMessage
}

// createService enqueues a service for a freshly inserted service
// record. The state starts empty; the first iteration initializes it.
func (t *Tx) createService(ctx context.Context, recordID int64, tag string, priority types.Priority) (int64, error) {
	if tag == "" {
		tag = "*"
	}
	now := time.Now().UTC()
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO service_queue (record_id, compute_tag, priority, created_on, modified_on)
		 VALUES (?, ?, ?, ?, ?)`,
		recordID, tag, int(priority), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert service: %w", err)
	}
	return res.LastInsertId()
}

const serviceSelect = `
	SELECT sq.id, sq.record_id, br.record_type, br.status, sq.compute_tag, sq.priority, sq.service_state
	FROM service_queue sq
	JOIN base_record br ON br.id = sq.record_id`

func scanService(row rowScanner) (*ServiceMeta, error) {
	var m ServiceMeta
	var rtype, status, state string
	var priority int
	err := row.Scan(&m.ID, &m.RecordID, &rtype, &status, &m.Tag, &priority, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan service: %w", err)
	}
	m.RecordType = types.RecordType(rtype)
	m.Status = types.RecordStatus(status)
	m.Priority = types.Priority(priority)
	m.State = json.RawMessage(state)
	return &m, nil
}

// ServicesToIterate selects services whose record is waiting or running
// and whose outstanding dependencies have all reached a terminal
// status. Ordering follows the claim rules: priority first, oldest
// first.
func (t *Tx) ServicesToIterate(ctx context.Context, limit int) ([]*ServiceMeta, error) {
	q := serviceSelect + `
	 WHERE br.status IN ('waiting', 'running')
	   AND NOT EXISTS (
	       SELECT 1 FROM service_dependencies sd
	       JOIN base_record dep ON dep.id = sd.record_id
	       WHERE sd.service_id = sq.id
	         AND dep.status IN ('waiting', 'running')
	   )
	 ORDER BY sq.priority DESC, sq.created_on ASC, sq.id ASC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := t.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query iterable services: %w", err)
	}
	defer rows.Close()
	var out []*ServiceMeta
	for rows.Next() {
		m, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RunningServiceCount reports services whose record is running.
func (t *Tx) RunningServiceCount(ctx context.Context) (int64, error) {
	var n int64
	err := t.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_queue sq
		 JOIN base_record br ON br.id = sq.record_id
		 WHERE br.status = 'running'`).Scan(&n)
	return n, err
}

// SetServiceState persists the full serialized iteration state.
func (t *Tx) SetServiceState(ctx context.Context, serviceID int64, state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode service state: %w", err)
	}
	_, err = t.conn.ExecContext(ctx,
		`UPDATE service_queue SET service_state = ?, modified_on = ? WHERE id = ?`,
		string(data), time.Now().UTC(), serviceID)
	if err != nil {
		return fmt.Errorf("update service state: %w", err)
	}
	return nil
}

// AddServiceDependency links one child record the service waits on.
func (t *Tx) AddServiceDependency(ctx context.Context, serviceID int64, dep types.ServiceDependency) error {
	extras, err := jsonString(dep.Extras)
	if err != nil {
		return err
	}
	_, err = t.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO service_dependencies (service_id, record_id, dep_key, position, extras)
		 VALUES (?, ?, ?, ?, ?)`,
		serviceID, dep.RecordID, dep.Key, dep.Position, extras)
	if err != nil {
		return fmt.Errorf("insert service dependency: %w", err)
	}
	return nil
}

// ServiceDependencies returns the current iteration's links ordered by
// position.
func (t *Tx) ServiceDependencies(ctx context.Context, serviceID int64) ([]types.ServiceDependency, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT service_id, record_id, dep_key, position, extras
		 FROM service_dependencies WHERE service_id = ? ORDER BY position ASC, record_id ASC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("query service dependencies: %w", err)
	}
	defer rows.Close()
	var out []types.ServiceDependency
	for rows.Next() {
		var d types.ServiceDependency
		var extras sql.NullString
		if err := rows.Scan(&d.ServiceID, &d.RecordID, &d.Key, &d.Position, &extras); err != nil {
			return nil, fmt.Errorf("scan service dependency: %w", err)
		}
		if extras.Valid {
			d.Extras = json.RawMessage(extras.String)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DependencyStatuses summarizes the statuses of a service's children.
func (t *Tx) DependencyStatuses(ctx context.Context, serviceID int64) (map[int64]types.RecordStatus, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT sd.record_id, br.status FROM service_dependencies sd
		 JOIN base_record br ON br.id = sd.record_id
		 WHERE sd.service_id = ?`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("query dependency statuses: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]types.RecordStatus)
	for rows.Next() {
		var id int64
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = types.RecordStatus(status)
	}
	return out, rows.Err()
}

// FinishService ends a service record. The queue entry stays for
// post-mortem inspection of the final state.
func (t *Tx) FinishService(ctx context.Context, recordID int64, status types.RecordStatus) error {
	return t.setRecordStatus(ctx, recordID, status, "")
}

// MarkServiceRunning flips a waiting service record to running on its
// first iteration.
func (t *Tx) MarkServiceRunning(ctx context.Context, recordID int64) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE base_record SET status = 'running', modified_on = ? WHERE id = ? AND status = 'waiting'`,
		time.Now().UTC(), recordID)
	return err
}

// ServiceCount reports the number of service queue entries whose record
// has not reached a terminal status.
func (s *Store) ServiceCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_queue sq
		 JOIN base_record br ON br.id = sq.record_id
		 WHERE br.status IN ('waiting', 'running')`).Scan(&n)
	return n, err
}
