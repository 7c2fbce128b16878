package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

func submitSinglepoint(t *testing.T, s *Store, shift float64, tag string, priority types.Priority) int64 {
	t.Helper()
	ids, _, err := s.AddSinglepoints(context.Background(), energySpec(),
		[]MoleculeRef{{Molecule: waterMolecule(shift)}}, tag, priority, "")
	require.NoError(t, err)
	return ids[0]
}

func TestClaimOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	low := submitSinglepoint(t, s, 0, "", types.PriorityLow)
	normal := submitSinglepoint(t, s, 1, "", types.PriorityNormal)
	high := submitSinglepoint(t, s, 2, "", types.PriorityHigh)
	normal2 := submitSinglepoint(t, s, 3, "", types.PriorityNormal)

	mgr := activateManager(t, s, "hpc", "u1", map[string]string{"psi4": "1.9"}, []string{"*"})
	tasks, err := s.ClaimTasks(ctx, mgr, map[string]string{"psi4": "1.9"}, []string{"*"}, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	// Priority first, then submission order.
	got := []int64{tasks[0].RecordID, tasks[1].RecordID, tasks[2].RecordID, tasks[3].RecordID}
	assert.Equal(t, []int64{high, normal, normal2, low}, got)
	assert.Equal(t, "qcengine.compute", tasks[0].Function)

	// Claimed records are running and owned by the manager.
	records, err := s.GetRecords(ctx, []int64{high}, RecordProjection{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusRunning, records[0].Status)
	assert.Equal(t, mgr, records[0].ManagerName)

	// Nothing is left for a second claim.
	tasks, err = s.ClaimTasks(ctx, mgr, map[string]string{"psi4": ""}, []string{"*"}, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClaimTagOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tagged := submitSinglepoint(t, s, 0, "urgent", types.PriorityLow)
	untagged := submitSinglepoint(t, s, 1, "", types.PriorityHigh)

	// The manager's tag order wins over task priority.
	mgr := activateManager(t, s, "hpc", "u2", map[string]string{"psi4": ""}, []string{"urgent", "*"})
	tasks, err := s.ClaimTasks(ctx, mgr, map[string]string{"psi4": ""}, []string{"urgent", "*"}, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, tagged, tasks[0].RecordID)
	assert.Equal(t, untagged, tasks[1].RecordID)
}

func TestClaimTagIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	submitSinglepoint(t, s, 0, "gpu", types.PriorityNormal)

	mgr := activateManager(t, s, "hpc", "u3", map[string]string{"psi4": ""}, []string{"cpu"})
	tasks, err := s.ClaimTasks(ctx, mgr, map[string]string{"psi4": ""}, []string{"cpu"}, 5)
	require.NoError(t, err)
	assert.Empty(t, tasks, "a specific tag must not match other tags")
}

func TestClaimProgramContainment(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	submitSinglepoint(t, s, 0, "", types.PriorityNormal)

	mgr := activateManager(t, s, "hpc", "u4", map[string]string{"xtb": ""}, []string{"*"})
	tasks, err := s.ClaimTasks(ctx, mgr, map[string]string{"xtb": ""}, []string{"*"}, 5)
	require.NoError(t, err)
	assert.Empty(t, tasks, "tasks requiring unoffered programs are invisible")
}

func TestClaimUnknownManager(t *testing.T) {
	s := testStore(t)

	_, err := s.ClaimTasks(context.Background(), "ghost-node1-u5", map[string]string{"psi4": ""}, []string{"*"}, 5)
	var cmErr *ComputeManagerError
	require.ErrorAs(t, err, &cmErr)
	assert.True(t, cmErr.Shutdown)
}

func TestDeactivateRequeuesTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := submitSinglepoint(t, s, 0, "", types.PriorityNormal)
	mgr := activateManager(t, s, "hpc", "u6", map[string]string{"psi4": ""}, []string{"*"})
	tasks, err := s.ClaimTasks(ctx, mgr, map[string]string{"psi4": ""}, []string{"*"}, 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	reset, err := s.DeactivateManagers(ctx, []string{mgr})
	require.NoError(t, err)
	assert.EqualValues(t, 1, reset)

	records, err := s.GetRecords(ctx, []int64{id}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusWaiting, records[0].Status)
	require.NotNil(t, records[0].Task)
	assert.Empty(t, records[0].Task.ManagerName)

	// Another manager can pick the orphaned work up.
	mgr2 := activateManager(t, s, "hpc", "u7", map[string]string{"psi4": ""}, []string{"*"})
	tasks, err = s.ClaimTasks(ctx, mgr2, map[string]string{"psi4": ""}, []string{"*"}, 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].RecordID)
}

func TestModifyTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	claimed := submitSinglepoint(t, s, 0, "", types.PriorityNormal)
	waiting := submitSinglepoint(t, s, 1, "", types.PriorityNormal)

	// FIFO hands the first submission to the manager.
	mgr := activateManager(t, s, "hpc", "u8", map[string]string{"psi4": ""}, []string{"*"})
	tasks, err := s.ClaimTasks(ctx, mgr, map[string]string{"psi4": ""}, []string{"*"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, claimed, tasks[0].RecordID)

	newTag := "gpu"
	newPriority := types.PriorityHigh
	meta, err := s.ModifyTasks(ctx, []int64{claimed, waiting}, &newTag, &newPriority)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, meta.InsertedIdx)
	require.Len(t, meta.Errors, 1)
	assert.Equal(t, 0, meta.Errors[0].Index)
	assert.Contains(t, meta.Errors[0].Error, "already claimed")

	records, err := s.GetRecords(ctx, []int64{waiting}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	require.NotNil(t, records[0].Task)
	assert.Equal(t, "gpu", records[0].Task.Tag)
	assert.Equal(t, types.PriorityHigh, records[0].Task.Priority)
}

func TestResetPreservesTagAndPriority(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := submitSinglepoint(t, s, 0, "gpu", types.PriorityHigh)
	mgr := activateManager(t, s, "hpc", "u9", map[string]string{"psi4": ""}, []string{"gpu"})
	tasks, err := s.ClaimTasks(ctx, mgr, map[string]string{"psi4": ""}, []string{"gpu"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	fo := types.FailedOperation{
		Schema: types.ResultKindFailed,
		Error:  types.ComputeError{ErrorType: "random_error", ErrorMessage: "scf diverged"},
	}
	_, err = s.ReturnTasks(ctx, mgr, map[int64]types.ResultEnvelope{tasks[0].ID: envelopeFor(t, fo)})
	require.NoError(t, err)

	meta, err := s.ResetRecords(ctx, []int64{id})
	require.NoError(t, err)
	require.True(t, meta.Success())

	// The rebuilt queue row keeps the submission tag and priority.
	records, err := s.GetRecords(ctx, []int64{id}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	require.NotNil(t, records[0].Task)
	assert.Equal(t, "gpu", records[0].Task.Tag)
	assert.Equal(t, types.PriorityHigh, records[0].Task.Priority)
}

func TestClaimNoOverlapBetweenManagers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		submitSinglepoint(t, s, float64(i), "", types.PriorityNormal)
	}
	programs := map[string]string{"psi4": ""}
	m1 := activateManager(t, s, "hpc", "o1", programs, []string{"*"})
	m2 := activateManager(t, s, "hpc", "o2", programs, []string{"*"})

	seen := make(map[int64]string)
	for claimed := 0; ; {
		t1, err := s.ClaimTasks(ctx, m1, programs, []string{"*"}, 2)
		require.NoError(t, err)
		t2, err := s.ClaimTasks(ctx, m2, programs, []string{"*"}, 2)
		require.NoError(t, err)
		if len(t1)+len(t2) == 0 {
			break
		}
		for _, task := range t1 {
			_, dup := seen[task.ID]
			require.False(t, dup, "task %d claimed twice", task.ID)
			seen[task.ID] = m1
		}
		for _, task := range t2 {
			_, dup := seen[task.ID]
			require.False(t, dup, "task %d claimed twice", task.ID)
			seen[task.ID] = m2
		}
		claimed += len(t1) + len(t2)
		require.LessOrEqual(t, claimed, 6)
	}
	assert.Len(t, seen, 6)
}
