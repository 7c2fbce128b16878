package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qcforge/qcforge/pkg/types"
)

// RecordFilter selects records for queries
type RecordFilter struct {
	IDs         []int64
	RecordType  []types.RecordType
	Status      []types.RecordStatus
	ManagerName []string
	CreatedA    *time.Time // created_on >= CreatedA
	CreatedB    *time.Time // created_on < CreatedB
	Limit       int
}

// RecordProjection controls which related entities are loaded with a
// record. Include and Exclude may contain "*" (all own columns) and
// relationship names; dotted paths select one level of
// sub-relationship (for example "compute_history.outputs").
type RecordProjection struct {
	Include []string
	Exclude []string
}

// wants reports whether a relationship should be loaded under the
// include/exclude rules.
func (p RecordProjection) wants(rel string) bool {
	for _, e := range p.Exclude {
		if e == rel {
			return false
		}
	}
	if len(p.Include) == 0 {
		return false
	}
	for _, inc := range p.Include {
		if inc == rel || strings.HasPrefix(inc, rel+".") {
			return true
		}
	}
	return false
}

// wantsSub reports whether a dotted sub-path under rel was requested.
func (p RecordProjection) wantsSub(rel, sub string) bool {
	for _, inc := range p.Include {
		if inc == rel+"."+sub {
			return true
		}
	}
	return false
}

// insertBaseRecord creates the polymorphic header row.
func (t *Tx) insertBaseRecord(ctx context.Context, rtype types.RecordType, isService bool, owner string, extras map[string]interface{}) (int64, error) {
	now := time.Now().UTC()
	svc := 0
	if isService {
		svc = 1
	}
	extrasJSON, err := jsonString(extras)
	if err != nil {
		return 0, err
	}
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO base_record (record_type, status, is_service, created_on, modified_on, owner, extras)
		 VALUES (?, 'waiting', ?, ?, ?, ?, ?)`,
		string(rtype), svc, now, now, owner, extrasJSON)
	if err != nil {
		return 0, fmt.Errorf("insert base record: %w", err)
	}
	return res.LastInsertId()
}

// appendHistory adds one attempt row and links its outputs.
func (t *Tx) appendHistory(ctx context.Context, h *types.ComputeHistory) (int64, error) {
	prov, err := jsonString(h.Provenance)
	if err != nil {
		return 0, err
	}
	if h.ModifiedOn.IsZero() {
		h.ModifiedOn = time.Now().UTC()
	}
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO compute_history (record_id, status, manager_name, modified_on, provenance)
		 VALUES (?, ?, ?, ?, ?)`,
		h.RecordID, string(h.Status), h.ManagerName, h.ModifiedOn.UTC(), prov)
	if err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, oid := range h.OutputIDs {
		if _, err := t.conn.ExecContext(ctx,
			`INSERT INTO compute_history_outputs (history_id, output_id) VALUES (?, ?)`, id, oid); err != nil {
			return 0, fmt.Errorf("link history output: %w", err)
		}
	}
	return id, nil
}

// getBaseRecord loads one header row within the transaction.
func (t *Tx) getBaseRecord(ctx context.Context, id int64) (*types.BaseRecord, error) {
	return scanBaseRecord(t.conn.QueryRowContext(ctx, baseRecordSelect+` WHERE id = ?`, id))
}

const baseRecordSelect = `
	SELECT id, record_type, status, is_service, COALESCE(manager_name, ''),
	       created_on, modified_on, owner, extras, stdout, stderr, error
	FROM base_record`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBaseRecord(row rowScanner) (*types.BaseRecord, error) {
	var r types.BaseRecord
	var rtype, status string
	var isService int
	var extras sql.NullString
	err := row.Scan(&r.ID, &rtype, &status, &isService, &r.ManagerName,
		&r.CreatedOn, &r.ModifiedOn, &r.Owner, &extras, &r.StdoutID, &r.StderrID, &r.ErrorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	r.RecordType = types.RecordType(rtype)
	r.Status = types.RecordStatus(status)
	r.IsService = isService != 0
	if err := fromJSON(extras, &r.Extras); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRecords fetches header rows by id in input order, loading the
// relationships requested by the projection. With missingOK false a
// missing id yields ErrNotFound; otherwise its slot is nil.
func (s *Store) GetRecords(ctx context.Context, ids []int64, proj RecordProjection, missingOK bool) ([]*types.BaseRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, baseRecordSelect+` WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*types.BaseRecord, len(ids))
	for rows.Next() {
		r, err := scanBaseRecord(rows)
		if err != nil {
			return nil, err
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.BaseRecord, len(ids))
	var present []int64
	for i, id := range ids {
		r, ok := byID[id]
		if !ok {
			if !missingOK {
				return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
			}
			continue
		}
		out[i] = r
		present = append(present, id)
	}

	if len(present) > 0 {
		if proj.wants("compute_history") {
			if err := s.loadHistory(ctx, byID, present, proj.wantsSub("compute_history", "outputs")); err != nil {
				return nil, err
			}
		}
		if proj.wants("comments") {
			if err := s.loadComments(ctx, byID, present); err != nil {
				return nil, err
			}
		}
		if proj.wants("task") {
			if err := s.loadTasks(ctx, byID, present); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// loadHistory is a selectin-style batched load of compute history.
func (s *Store) loadHistory(ctx context.Context, byID map[int64]*types.BaseRecord, ids []int64, withOutputs bool) error {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, status, manager_name, modified_on, provenance
		 FROM compute_history WHERE record_id IN (`+placeholders(len(ids))+`) ORDER BY id ASC`, args...)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	histByID := make(map[int64]*types.ComputeHistory)
	for rows.Next() {
		var h types.ComputeHistory
		var status string
		var prov sql.NullString
		if err := rows.Scan(&h.ID, &h.RecordID, &status, &h.ManagerName, &h.ModifiedOn, &prov); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		h.Status = types.RecordStatus(status)
		if err := fromJSON(prov, &h.Provenance); err != nil {
			return err
		}
		r := byID[h.RecordID]
		r.ComputeHistory = append(r.ComputeHistory, &h)
		histByID[h.ID] = &h
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if withOutputs && len(histByID) > 0 {
		hids := make([]interface{}, 0, len(histByID))
		for id := range histByID {
			hids = append(hids, id)
		}
		orows, err := s.db.QueryContext(ctx,
			`SELECT history_id, output_id FROM compute_history_outputs
			 WHERE history_id IN (`+placeholders(len(hids))+`) ORDER BY output_id ASC`, hids...)
		if err != nil {
			return fmt.Errorf("query history outputs: %w", err)
		}
		defer orows.Close()
		for orows.Next() {
			var hid, oid int64
			if err := orows.Scan(&hid, &oid); err != nil {
				return err
			}
			histByID[hid].OutputIDs = append(histByID[hid].OutputIDs, oid)
		}
		if err := orows.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadComments(ctx context.Context, byID map[int64]*types.BaseRecord, ids []int64) error {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, author, timestamp, comment
		 FROM record_comments WHERE record_id IN (`+placeholders(len(ids))+`) ORDER BY id ASC`, args...)
	if err != nil {
		return fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c types.Comment
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Author, &c.Timestamp, &c.Text); err != nil {
			return fmt.Errorf("scan comment: %w", err)
		}
		r := byID[c.RecordID]
		r.Comments = append(r.Comments, &c)
	}
	return rows.Err()
}

func (s *Store) loadTasks(ctx context.Context, byID map[int64]*types.BaseRecord, ids []int64) error {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE record_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return err
		}
		byID[task.RecordID].Task = task
	}
	return rows.Err()
}

// QueryRecords returns header rows matching a filter, newest first.
func (s *Store) QueryRecords(ctx context.Context, filter RecordFilter) ([]*types.BaseRecord, error) {
	var conds []string
	var args []interface{}
	if len(filter.IDs) > 0 {
		conds = append(conds, `id IN (`+placeholders(len(filter.IDs))+`)`)
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.RecordType) > 0 {
		conds = append(conds, `record_type IN (`+placeholders(len(filter.RecordType))+`)`)
		for _, rt := range filter.RecordType {
			args = append(args, string(rt))
		}
	}
	if len(filter.Status) > 0 {
		conds = append(conds, `status IN (`+placeholders(len(filter.Status))+`)`)
		for _, st := range filter.Status {
			args = append(args, string(st))
		}
	}
	if len(filter.ManagerName) > 0 {
		conds = append(conds, `manager_name IN (`+placeholders(len(filter.ManagerName))+`)`)
		for _, m := range filter.ManagerName {
			args = append(args, m)
		}
	}
	if filter.CreatedA != nil {
		conds = append(conds, `created_on >= ?`)
		args = append(args, filter.CreatedA.UTC())
	}
	if filter.CreatedB != nil {
		conds = append(conds, `created_on < ?`)
		args = append(args, filter.CreatedB.UTC())
	}

	q := baseRecordSelect
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*types.BaseRecord
	for rows.Next() {
		r, err := scanBaseRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddComment attaches a comment to a record.
func (s *Store) AddComment(ctx context.Context, recordID int64, author, text string) (*types.Comment, error) {
	c := &types.Comment{
		RecordID:  recordID,
		Author:    author,
		Timestamp: time.Now().UTC(),
		Text:      text,
	}
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.getBaseRecord(ctx, recordID); err != nil {
			return fmt.Errorf("record %d: %w", recordID, err)
		}
		res, err := tx.conn.ExecContext(ctx,
			`INSERT INTO record_comments (record_id, author, timestamp, comment) VALUES (?, ?, ?, ?)`,
			c.RecordID, c.Author, c.Timestamp, c.Text)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		c.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ResetRecords flips errored records back to waiting and creates fresh
// tasks. Compute history is preserved. Records not in error status are
// reported as per-index errors.
func (s *Store) ResetRecords(ctx context.Context, ids []int64) (InsertMetadata, error) {
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for i, id := range ids {
			r, err := tx.getBaseRecord(ctx, id)
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d: %v", id, err)})
				continue
			}
			if r.Status != types.RecordStatusError {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d is %s, not error", id, r.Status)})
				continue
			}
			if err := tx.setRecordStatus(ctx, id, types.RecordStatusWaiting, ""); err != nil {
				return err
			}
			if _, err := tx.conn.ExecContext(ctx,
				`UPDATE base_record SET manager_name = NULL WHERE id = ?`, id); err != nil {
				return err
			}
			if !r.IsService {
				if err := tx.recreateTask(ctx, r); err != nil {
					return err
				}
			}
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	return meta, err
}

// CancelRecords moves waiting/running/error records to cancelled and
// removes their tasks. For services, outstanding waiting children are
// cancelled transitively; running children finish and their returns
// are rejected by the ownership check.
func (s *Store) CancelRecords(ctx context.Context, ids []int64) (InsertMetadata, error) {
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for i, id := range ids {
			if err := tx.cancelRecord(ctx, id); err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d: %v", id, err)})
				continue
			}
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	return meta, err
}

func (t *Tx) cancelRecord(ctx context.Context, id int64) error {
	r, err := t.getBaseRecord(ctx, id)
	if err != nil {
		return err
	}
	switch r.Status {
	case types.RecordStatusWaiting, types.RecordStatusRunning, types.RecordStatusError:
	default:
		return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, r.Status)
	}
	if _, err := t.conn.ExecContext(ctx,
		`UPDATE base_record SET status = 'cancelled', prior_status = ?, modified_on = ? WHERE id = ?`,
		string(r.Status), time.Now().UTC(), id); err != nil {
		return err
	}
	if _, err := t.conn.ExecContext(ctx, `DELETE FROM task_queue WHERE record_id = ?`, id); err != nil {
		return err
	}
	t.markChanged(id, types.RecordStatusCancelled)

	if r.IsService {
		// Cancel outstanding waiting children transitively.
		rows, err := t.conn.QueryContext(ctx,
			`SELECT sd.record_id FROM service_dependencies sd
			 JOIN service_queue sq ON sq.id = sd.service_id
			 JOIN base_record br ON br.id = sd.record_id
			 WHERE sq.record_id = ? AND br.status = 'waiting'`, id)
		if err != nil {
			return err
		}
		var children []int64
		for rows.Next() {
			var cid int64
			if err := rows.Scan(&cid); err != nil {
				rows.Close()
				return err
			}
			children = append(children, cid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, cid := range children {
			if err := t.cancelRecord(ctx, cid); err != nil {
				return err
			}
		}
	}
	return nil
}

// UncancelRecords restores cancelled records to their prior status,
// recreating tasks where the restored status requires one.
func (s *Store) UncancelRecords(ctx context.Context, ids []int64) (InsertMetadata, error) {
	return s.revertRecords(ctx, ids, types.RecordStatusCancelled)
}

// InvalidateRecords marks completed records invalid.
func (s *Store) InvalidateRecords(ctx context.Context, ids []int64) (InsertMetadata, error) {
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for i, id := range ids {
			r, err := tx.getBaseRecord(ctx, id)
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d: %v", id, err)})
				continue
			}
			if r.Status != types.RecordStatusComplete {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d is %s, not complete", id, r.Status)})
				continue
			}
			if _, err := tx.conn.ExecContext(ctx,
				`UPDATE base_record SET status = 'invalid', prior_status = 'complete', modified_on = ? WHERE id = ?`,
				time.Now().UTC(), id); err != nil {
				return err
			}
			t := tx
			t.markChanged(id, types.RecordStatusInvalid)
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	return meta, err
}

// UninvalidateRecords restores invalid records to complete.
func (s *Store) UninvalidateRecords(ctx context.Context, ids []int64) (InsertMetadata, error) {
	return s.revertRecords(ctx, ids, types.RecordStatusInvalid)
}

// SoftDeleteRecords marks records deleted without destroying rows.
func (s *Store) SoftDeleteRecords(ctx context.Context, ids []int64) (InsertMetadata, error) {
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for i, id := range ids {
			r, err := tx.getBaseRecord(ctx, id)
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d: %v", id, err)})
				continue
			}
			if r.Status == types.RecordStatusDeleted {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d already deleted", id)})
				continue
			}
			if _, err := tx.conn.ExecContext(ctx,
				`UPDATE base_record SET status = 'deleted', prior_status = ?, modified_on = ? WHERE id = ?`,
				string(r.Status), time.Now().UTC(), id); err != nil {
				return err
			}
			if _, err := tx.conn.ExecContext(ctx, `DELETE FROM task_queue WHERE record_id = ?`, id); err != nil {
				return err
			}
			tx.markChanged(id, types.RecordStatusDeleted)
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	return meta, err
}

// UndeleteRecords restores soft-deleted records to their prior status.
func (s *Store) UndeleteRecords(ctx context.Context, ids []int64) (InsertMetadata, error) {
	return s.revertRecords(ctx, ids, types.RecordStatusDeleted)
}

// revertRecords restores records from a revertable status to their
// stored prior status, recreating tasks where required.
func (s *Store) revertRecords(ctx context.Context, ids []int64, from types.RecordStatus) (InsertMetadata, error) {
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for i, id := range ids {
			r, err := tx.getBaseRecord(ctx, id)
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d: %v", id, err)})
				continue
			}
			if r.Status != from {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("record %d is %s, not %s", id, r.Status, from)})
				continue
			}
			var prior sql.NullString
			if err := tx.conn.QueryRowContext(ctx,
				`SELECT prior_status FROM base_record WHERE id = ?`, id).Scan(&prior); err != nil {
				return err
			}
			restored := types.RecordStatusWaiting
			if prior.Valid && prior.String != "" {
				restored = types.RecordStatus(prior.String)
			}
			if _, err := tx.conn.ExecContext(ctx,
				`UPDATE base_record SET status = ?, prior_status = NULL, modified_on = ? WHERE id = ?`,
				string(restored), time.Now().UTC(), id); err != nil {
				return err
			}
			if restored.NeedsTask() && !r.IsService {
				// Reverts to running are meaningless without a claim;
				// restore those to waiting semantics via a fresh task.
				if restored == types.RecordStatusRunning {
					restored = types.RecordStatusWaiting
					if _, err := tx.conn.ExecContext(ctx,
						`UPDATE base_record SET status = 'waiting', manager_name = NULL WHERE id = ?`, id); err != nil {
						return err
					}
				}
				r.Status = restored
				if err := tx.recreateTask(ctx, r); err != nil {
					return err
				}
			}
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	return meta, err
}

// finishRecord moves a running record to its terminal outcome and
// removes the task row.
func (t *Tx) finishRecord(ctx context.Context, id int64, status types.RecordStatus) error {
	if err := t.setRecordStatus(ctx, id, status, ""); err != nil {
		return err
	}
	if _, err := t.conn.ExecContext(ctx, `DELETE FROM task_queue WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// setRecordStatus updates status and modified_on without any lifecycle
// checks; callers validate transitions.
func (t *Tx) setRecordStatus(ctx context.Context, id int64, status types.RecordStatus, managerName string) error {
	var err error
	if managerName == "" {
		_, err = t.conn.ExecContext(ctx,
			`UPDATE base_record SET status = ?, modified_on = ? WHERE id = ?`,
			string(status), time.Now().UTC(), id)
	} else {
		_, err = t.conn.ExecContext(ctx,
			`UPDATE base_record SET status = ?, manager_name = ?, modified_on = ? WHERE id = ?`,
			string(status), managerName, time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	if status.IsTerminal() {
		t.markChanged(id, status)
	}
	return nil
}
