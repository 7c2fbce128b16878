package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

// failRecordViaReturn drives one record to the error status through the
// normal claim/return path.
func failRecordViaReturn(t *testing.T, s *Store, uid string) int64 {
	t.Helper()
	recordID, taskID, mgr := claimOne(t, s, 0, uid)
	fo := types.FailedOperation{
		Schema: types.ResultKindFailed,
		Error:  types.ComputeError{ErrorType: "random_error", ErrorMessage: "node fell over"},
	}
	_, err := s.ReturnTasks(context.Background(), mgr, map[int64]types.ResultEnvelope{
		taskID: envelopeFor(t, fo),
	})
	require.NoError(t, err)
	return recordID
}

func TestResetRecords(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	errored := failRecordViaReturn(t, s, "l1")
	waiting := submitSinglepoint(t, s, 5, "", types.PriorityNormal)

	meta, err := s.ResetRecords(ctx, []int64{errored, waiting})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, meta.InsertedIdx)
	require.Len(t, meta.Errors, 1)
	assert.Contains(t, meta.Errors[0].Error, "not error")

	records, err := s.GetRecords(ctx, []int64{errored},
		RecordProjection{Include: []string{"task", "compute_history"}}, false)
	require.NoError(t, err)
	r := records[0]
	assert.Equal(t, types.RecordStatusWaiting, r.Status)
	assert.Empty(t, r.ManagerName)
	require.NotNil(t, r.Task, "reset recreates the queue entry")
	assert.Len(t, r.ComputeHistory, 1, "history of the failed attempt is preserved")
}

func TestCancelUncancel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := submitSinglepoint(t, s, 0, "", types.PriorityNormal)

	meta, err := s.CancelRecords(ctx, []int64{id})
	require.NoError(t, err)
	assert.True(t, meta.Success())

	records, err := s.GetRecords(ctx, []int64{id}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusCancelled, records[0].Status)
	assert.Nil(t, records[0].Task, "cancellation removes the queue entry")

	// Cancelling again is an invalid transition.
	meta, err = s.CancelRecords(ctx, []int64{id})
	require.NoError(t, err)
	require.Len(t, meta.Errors, 1)

	meta, err = s.UncancelRecords(ctx, []int64{id})
	require.NoError(t, err)
	assert.True(t, meta.Success())

	records, err = s.GetRecords(ctx, []int64{id}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusWaiting, records[0].Status)
	require.NotNil(t, records[0].Task, "waiting records regain their queue entry")
}

func TestCancelRunningRevertsToWaiting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, _, _ := claimOne(t, s, 0, "l2")
	_, err := s.CancelRecords(ctx, []int64{id})
	require.NoError(t, err)

	// The prior status was running, but a revert cannot restore a claim
	// that no longer exists; the record re-enters the queue instead.
	_, err = s.UncancelRecords(ctx, []int64{id})
	require.NoError(t, err)

	records, err := s.GetRecords(ctx, []int64{id}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusWaiting, records[0].Status)
	assert.Empty(t, records[0].ManagerName)
	require.NotNil(t, records[0].Task)
	assert.Empty(t, records[0].Task.ManagerName)
}

func TestInvalidateUninvalidate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recordID, taskID, mgr := claimOne(t, s, 0, "l3")
	_, err := s.ReturnTasks(ctx, mgr, map[int64]types.ResultEnvelope{
		taskID: envelopeFor(t, atomicResultFor(energySpec(), waterMolecule(0), -76.4)),
	})
	require.NoError(t, err)

	// Only complete records can be invalidated.
	other := submitSinglepoint(t, s, 9, "", types.PriorityNormal)
	meta, err := s.InvalidateRecords(ctx, []int64{recordID, other})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, meta.InsertedIdx)
	require.Len(t, meta.Errors, 1)

	records, err := s.GetRecords(ctx, []int64{recordID}, RecordProjection{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusInvalid, records[0].Status)

	meta, err = s.UninvalidateRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.True(t, meta.Success())

	records, err = s.GetRecords(ctx, []int64{recordID}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusComplete, records[0].Status)
	assert.Nil(t, records[0].Task, "complete records stay out of the queue")
}

func TestSoftDeleteUndelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := submitSinglepoint(t, s, 0, "", types.PriorityNormal)

	meta, err := s.SoftDeleteRecords(ctx, []int64{id})
	require.NoError(t, err)
	assert.True(t, meta.Success())

	records, err := s.GetRecords(ctx, []int64{id}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusDeleted, records[0].Status)
	assert.Nil(t, records[0].Task)

	// Deleting twice is refused.
	meta, err = s.SoftDeleteRecords(ctx, []int64{id})
	require.NoError(t, err)
	require.Len(t, meta.Errors, 1)
	assert.Contains(t, meta.Errors[0].Error, "already deleted")

	meta, err = s.UndeleteRecords(ctx, []int64{id})
	require.NoError(t, err)
	assert.True(t, meta.Success())

	records, err = s.GetRecords(ctx, []int64{id}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusWaiting, records[0].Status)
	require.NotNil(t, records[0].Task)
}

func TestComments(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := submitSinglepoint(t, s, 0, "", types.PriorityNormal)

	c, err := s.AddComment(ctx, id, "alice", "needs a tighter grid")
	require.NoError(t, err)
	assert.NotZero(t, c.ID)

	_, err = s.AddComment(ctx, 777777, "alice", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	records, err := s.GetRecords(ctx, []int64{id}, RecordProjection{Include: []string{"comments"}}, false)
	require.NoError(t, err)
	require.Len(t, records[0].Comments, 1)
	assert.Equal(t, "alice", records[0].Comments[0].Author)
	assert.Equal(t, "needs a tighter grid", records[0].Comments[0].Text)
}

func TestQueryRecords(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := submitSinglepoint(t, s, 0, "", types.PriorityNormal)
	b := submitSinglepoint(t, s, 1, "", types.PriorityNormal)
	_, err := s.CancelRecords(ctx, []int64{b})
	require.NoError(t, err)

	waiting, err := s.QueryRecords(ctx, RecordFilter{Status: []types.RecordStatus{types.RecordStatusWaiting}})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, a, waiting[0].ID)

	byType, err := s.QueryRecords(ctx, RecordFilter{RecordType: []types.RecordType{types.RecordTypeSinglepoint}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	limited, err := s.QueryRecords(ctx, RecordFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, b, limited[0].ID, "newest first")

	future := time.Now().UTC().Add(time.Hour)
	none, err := s.QueryRecords(ctx, RecordFilter{CreatedA: &future})
	require.NoError(t, err)
	assert.Empty(t, none)
}
