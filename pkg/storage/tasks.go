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

// taskSpec is the stored execution payload of one task. The server
// never interprets args/kwargs; they pass through to the manager.
type taskSpec struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
	Kwargs   json.RawMessage `json:"kwargs"`
}

const taskSelect = `
	SELECT id, record_id, spec, compute_tag, required_programs, priority,
	       COALESCE(manager_name, ''), created_on
	FROM task_queue`

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var spec []byte
	var programs string
	var priority int
	err := row.Scan(&t.ID, &t.RecordID, &spec, &t.Tag, &programs, &priority, &t.ManagerName, &t.CreatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Spec = spec
	t.Priority = types.Priority(priority)
	if err := json.Unmarshal([]byte(programs), &t.RequiredPrograms); err != nil {
		return nil, fmt.Errorf("decode required programs: %w", err)
	}
	return &t, nil
}

// createTask inserts the queue row for a waiting record.
func (t *Tx) createTask(ctx context.Context, recordID int64, spec taskSpec, tag string, programs map[string]string, priority types.Priority) error {
	if tag == "" {
		tag = "*"
	}
	programs = types.NormalizePrograms(programs)
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode task spec: %w", err)
	}
	_, err = t.conn.ExecContext(ctx,
		`INSERT INTO task_queue (record_id, spec, compute_tag, required_programs, priority, created_on)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		recordID, specJSON, tag, mustJSON(programs), int(priority), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	// The record remembers its submission tag and priority so a later
	// reset or revert can rebuild the queue row faithfully.
	if _, err := t.conn.ExecContext(ctx,
		`UPDATE base_record SET compute_tag = ?, priority = ? WHERE id = ?`,
		tag, int(priority), recordID); err != nil {
		return fmt.Errorf("store task tag: %w", err)
	}
	return nil
}

// recreateTask rebuilds the queue row for a record re-entering waiting.
// The execution spec is regenerated from the stored record; the tag and
// priority of the original submission carry over.
func (t *Tx) recreateTask(ctx context.Context, r *types.BaseRecord) error {
	spec, programs, err := t.buildTaskSpec(ctx, r)
	if err != nil {
		return err
	}
	var tag string
	var priority int
	if err := t.conn.QueryRowContext(ctx,
		`SELECT compute_tag, priority FROM base_record WHERE id = ?`, r.ID).
		Scan(&tag, &priority); err != nil {
		return fmt.Errorf("query record tag: %w", err)
	}
	return t.createTask(ctx, r.ID, spec, tag, programs, types.Priority(priority))
}

// buildTaskSpec regenerates the execution payload for a record.
func (t *Tx) buildTaskSpec(ctx context.Context, r *types.BaseRecord) (taskSpec, map[string]string, error) {
	switch r.RecordType {
	case types.RecordTypeSinglepoint:
		return t.singlepointTaskSpec(ctx, r.ID)
	case types.RecordTypeOptimization:
		return t.optimizationTaskSpec(ctx, r.ID)
	}
	return taskSpec{}, nil, fmt.Errorf("record type %s has no task form", r.RecordType)
}

// ClaimTasks atomically assigns up to limit tasks to a manager.
//
// An unknown or inactive manager receives a ComputeManagerError with
// Shutdown set, telling it the server no longer tracks its state. Tags
// are honored in the order the manager listed them; the tag "*" matches
// any task. Within a tag, higher priority wins and ties break oldest
// first. A task is eligible only when every program it requires is
// offered by the manager.
func (s *Store) ClaimTasks(ctx context.Context, managerName string, programs map[string]string, tags []string, limit int) ([]*types.RecordTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	programs = types.NormalizePrograms(programs)
	tags = types.NormalizeTags(tags)

	var claimed []*types.RecordTask
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		if err := tx.requireActiveManager(ctx, managerName); err != nil {
			return err
		}

		for _, tag := range tags {
			if len(claimed) >= limit {
				break
			}
			batch, err := tx.claimForTag(ctx, managerName, programs, tag, limit-len(claimed))
			if err != nil {
				return err
			}
			claimed = append(claimed, batch...)
		}

		if len(claimed) > 0 {
			_, err := tx.conn.ExecContext(ctx,
				`UPDATE queue_manager SET claimed = claimed + ?, modified_on = ? WHERE name = ?`,
				len(claimed), time.Now().UTC(), managerName)
			if err != nil {
				return fmt.Errorf("update manager counters: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimForTag claims up to limit unassigned tasks matching one tag.
// Program containment cannot be expressed in the ordering query, so
// candidates stream out in claim order and are filtered here.
func (t *Tx) claimForTag(ctx context.Context, managerName string, programs map[string]string, tag string, limit int) ([]*types.RecordTask, error) {
	q := taskSelect + ` WHERE manager_name IS NULL`
	var args []interface{}
	if tag != "*" {
		q += ` AND compute_tag = ?`
		args = append(args, tag)
	}
	q += ` ORDER BY priority DESC, created_on ASC, id ASC`

	rows, err := t.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query claimable tasks: %w", err)
	}
	var candidates []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if !programsSatisfy(programs, task.RequiredPrograms) {
			continue
		}
		candidates = append(candidates, task)
		if len(candidates) >= limit {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.RecordTask, 0, len(candidates))
	for _, task := range candidates {
		if _, err := t.conn.ExecContext(ctx,
			`UPDATE task_queue SET manager_name = ? WHERE id = ?`, managerName, task.ID); err != nil {
			return nil, fmt.Errorf("assign task: %w", err)
		}
		if err := t.setRecordStatus(ctx, task.RecordID, types.RecordStatusRunning, managerName); err != nil {
			return nil, err
		}

		var spec taskSpec
		if err := json.Unmarshal(task.Spec, &spec); err != nil {
			return nil, fmt.Errorf("decode task spec: %w", err)
		}
		out = append(out, &types.RecordTask{
			ID:               task.ID,
			RecordID:         task.RecordID,
			Function:         spec.Function,
			Args:             spec.Args,
			Kwargs:           spec.Kwargs,
			Tag:              task.Tag,
			RequiredPrograms: task.RequiredPrograms,
		})
	}
	return out, nil
}

// programsSatisfy checks containment on lower-cased program names.
// Version strings are informational and do not participate.
func programsSatisfy(offered, required map[string]string) bool {
	for name := range required {
		if _, ok := offered[name]; !ok {
			return false
		}
	}
	return true
}

// ResetTasksForManagers returns running records owned by the named
// managers to the waiting state so other managers can claim them. Used
// when managers are deactivated, by request or by the heartbeat sweep.
func (t *Tx) ResetTasksForManagers(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}

	rows, err := t.conn.QueryContext(ctx,
		`SELECT record_id FROM task_queue WHERE manager_name IN (`+placeholders(len(names))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("query orphaned tasks: %w", err)
	}
	var recordIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		recordIDs = append(recordIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range recordIDs {
		if _, err := t.conn.ExecContext(ctx,
			`UPDATE base_record SET status = 'waiting', manager_name = NULL, modified_on = ? WHERE id = ? AND status = 'running'`,
			time.Now().UTC(), id); err != nil {
			return 0, fmt.Errorf("reset orphaned record: %w", err)
		}
	}
	res, err := t.conn.ExecContext(ctx,
		`UPDATE task_queue SET manager_name = NULL WHERE manager_name IN (`+placeholders(len(names))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("release orphaned tasks: %w", err)
	}
	return res.RowsAffected()
}

// ModifyTasks updates the tag and/or priority of waiting tasks by
// record id. Running tasks are left alone.
func (s *Store) ModifyTasks(ctx context.Context, recordIDs []int64, newTag *string, newPriority *types.Priority) (InsertMetadata, error) {
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for i, id := range recordIDs {
			var taskID int64
			var manager sql.NullString
			err := tx.conn.QueryRowContext(ctx,
				`SELECT id, manager_name FROM task_queue WHERE record_id = ?`, id).Scan(&taskID, &manager)
			if errors.Is(err, sql.ErrNoRows) {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d has no task", id)})
				continue
			}
			if err != nil {
				return err
			}
			if manager.Valid && manager.String != "" {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d task is already claimed", id)})
				continue
			}
			if newTag != nil {
				tag := *newTag
				if tag == "" {
					tag = "*"
				}
				if _, err := tx.conn.ExecContext(ctx,
					`UPDATE task_queue SET compute_tag = ? WHERE id = ?`, tag, taskID); err != nil {
					return err
				}
				if _, err := tx.conn.ExecContext(ctx,
					`UPDATE base_record SET compute_tag = ? WHERE id = ?`, tag, id); err != nil {
					return err
				}
			}
			if newPriority != nil {
				if _, err := tx.conn.ExecContext(ctx,
					`UPDATE task_queue SET priority = ? WHERE id = ?`, int(*newPriority), taskID); err != nil {
					return err
				}
				if _, err := tx.conn.ExecContext(ctx,
					`UPDATE base_record SET priority = ? WHERE id = ?`, int(*newPriority), id); err != nil {
					return err
				}
			}
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	return meta, err
}

// TaskCount reports the number of queued tasks.
func (s *Store) TaskCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue`).Scan(&n)
	return n, err
}
