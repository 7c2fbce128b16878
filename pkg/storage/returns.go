package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/qcforge/qcforge/pkg/types"
)

// ReturnTasks ingests a batch of finished results from a manager.
//
// The whole batch runs in one transaction; each task runs inside its
// own savepoint so one malformed result cannot discard the rest. A
// result that fails to apply is converted into an internal failure on
// the record, so the record never silently stays running. Results for
// tasks the manager does not own are rejected without touching the
// record.
func (s *Store) ReturnTasks(ctx context.Context, managerName string, results map[int64]types.ResultEnvelope) (types.TaskReturnMetadata, error) {
	var meta types.TaskReturnMetadata

	taskIDs := make([]int64, 0, len(results))
	for id := range results {
		taskIDs = append(taskIDs, id)
	}
	sort.Slice(taskIDs, func(i, j int) bool { return taskIDs[i] < taskIDs[j] })

	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		if err := tx.requireActiveManager(ctx, managerName); err != nil {
			return err
		}

		var successes, failures int
		for _, taskID := range taskIDs {
			envelope := results[taskID]
			recordID, reason, err := tx.checkReturnOwnership(ctx, taskID, managerName)
			if err != nil {
				return err
			}
			if reason != "" {
				meta.RejectedInfo = append(meta.RejectedInfo, types.TaskRejectInfo{TaskID: taskID, Reason: reason})
				continue
			}

			name := fmt.Sprintf("task_%d", taskID)
			failed := false
			err = tx.Savepoint(ctx, name, func() error {
				var ferr error
				failed, ferr = tx.applyResult(ctx, recordID, managerName, envelope)
				return ferr
			})
			if err != nil {
				// The result could not be applied. Fail the record with
				// an internal error rather than leaving it running.
				failed = true
				ierr := tx.Savepoint(ctx, name+"_fail", func() error {
					return tx.failRecord(ctx, recordID, managerName, &types.FailedOperation{
						Error: types.ComputeError{
							ErrorType:    types.ErrorTypeInternal,
							ErrorMessage: err.Error(),
						},
					})
				})
				if ierr != nil {
					meta.RejectedInfo = append(meta.RejectedInfo, types.TaskRejectInfo{TaskID: taskID, Reason: ierr.Error()})
					continue
				}
			}
			meta.AcceptedIDs = append(meta.AcceptedIDs, taskID)
			if failed {
				failures++
			} else {
				successes++
			}
		}

		if successes > 0 || failures > 0 {
			if _, err := tx.conn.ExecContext(ctx,
				`UPDATE queue_manager SET successes = successes + ?, failures = failures + ?, modified_on = ? WHERE name = ?`,
				successes, failures, time.Now().UTC(), managerName); err != nil {
				return fmt.Errorf("update manager counters: %w", err)
			}
		}
		if n := len(meta.RejectedInfo); n > 0 {
			if _, err := tx.conn.ExecContext(ctx,
				`UPDATE queue_manager SET rejected = rejected + ? WHERE name = ?`, n, managerName); err != nil {
				return fmt.Errorf("update manager counters: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		var cmErr *ComputeManagerError
		if errors.As(err, &cmErr) {
			meta.ErrorDescription = cmErr.Message
		}
		return meta, err
	}
	return meta, nil
}

// checkReturnOwnership validates that a returned task exists, belongs
// to the returning manager, and fronts a running record. A non-empty
// reason means the result must be rejected.
func (t *Tx) checkReturnOwnership(ctx context.Context, taskID int64, managerName string) (int64, string, error) {
	task, err := scanTask(t.conn.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, taskID))
	if errors.Is(err, ErrNotFound) {
		return 0, "task does not exist in the task queue", nil
	}
	if err != nil {
		return 0, "", err
	}
	if task.ManagerName != managerName {
		return 0, fmt.Sprintf("task is not assigned to manager %s", managerName), nil
	}
	r, err := t.getBaseRecord(ctx, task.RecordID)
	if err != nil {
		return 0, "", err
	}
	if r.Status != types.RecordStatusRunning {
		return 0, fmt.Sprintf("record %d is %s, not running", r.ID, r.Status), nil
	}
	if r.ManagerName != managerName {
		return 0, fmt.Sprintf("record %d is owned by another manager", r.ID), nil
	}
	return task.RecordID, "", nil
}

// applyResult dispatches one result envelope. The returned bool
// reports whether the record ended in error.
func (t *Tx) applyResult(ctx context.Context, recordID int64, managerName string, envelope types.ResultEnvelope) (bool, error) {
	r, err := t.getBaseRecord(ctx, recordID)
	if err != nil {
		return false, err
	}

	switch envelope.Schema {
	case types.ResultKindFailed:
		var fo types.FailedOperation
		if err := json.Unmarshal(envelope.Payload, &fo); err != nil {
			return false, fmt.Errorf("decode failed operation: %w", err)
		}
		return true, t.failRecord(ctx, recordID, managerName, &fo)

	case types.ResultKindAtomic:
		if r.RecordType != types.RecordTypeSinglepoint {
			return false, fmt.Errorf("atomic result for %s record %d", r.RecordType, recordID)
		}
		var res types.AtomicResult
		if err := json.Unmarshal(envelope.Payload, &res); err != nil {
			return false, fmt.Errorf("decode atomic result: %w", err)
		}
		return false, t.completeSinglepoint(ctx, recordID, managerName, &res)

	case types.ResultKindOptimization:
		if r.RecordType != types.RecordTypeOptimization {
			return false, fmt.Errorf("optimization result for %s record %d", r.RecordType, recordID)
		}
		var res types.OptimizationResult
		if err := json.Unmarshal(envelope.Payload, &res); err != nil {
			return false, fmt.Errorf("decode optimization result: %w", err)
		}
		return false, t.completeOptimization(ctx, recordID, managerName, &res)
	}

	return false, fmt.Errorf("unknown result schema %q", envelope.Schema)
}

// failRecord applies a failed operation: outputs are stored, an error
// history row is appended, and the record moves to error.
func (t *Tx) failRecord(ctx context.Context, recordID int64, managerName string, fo *types.FailedOperation) error {
	errJSON, err := json.Marshal(fo.Error)
	if err != nil {
		return fmt.Errorf("encode compute error: %w", err)
	}
	outputIDs, err := t.replaceRecordOutputs(ctx, recordID, fo.Stdout, fo.Stderr, string(errJSON))
	if err != nil {
		return err
	}
	if _, err := t.appendHistory(ctx, &types.ComputeHistory{
		RecordID:    recordID,
		Status:      types.RecordStatusError,
		ManagerName: managerName,
		OutputIDs:   outputIDs,
	}); err != nil {
		return err
	}
	return t.finishRecord(ctx, recordID, types.RecordStatusError)
}
