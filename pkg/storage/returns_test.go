package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

// claimOne submits one singlepoint, claims it, and returns the record
// id, the task id, and the manager name.
func claimOne(t *testing.T, s *Store, shift float64, uid string) (int64, int64, string) {
	t.Helper()
	recordID := submitSinglepoint(t, s, shift, "", types.PriorityNormal)
	mgr := activateManager(t, s, "hpc", uid, map[string]string{"psi4": "1.9"}, []string{"*"})
	tasks, err := s.ClaimTasks(context.Background(), mgr, map[string]string{"psi4": "1.9"}, []string{"*"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, recordID, tasks[0].RecordID)
	return recordID, tasks[0].ID, mgr
}

func TestReturnCompletesSinglepoint(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recordID, taskID, mgr := claimOne(t, s, 0, "r1")

	res := atomicResultFor(energySpec(), waterMolecule(0), -76.4)
	meta, err := s.ReturnTasks(ctx, mgr, map[int64]types.ResultEnvelope{
		taskID: envelopeFor(t, res),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{taskID}, meta.AcceptedIDs)
	assert.Empty(t, meta.RejectedInfo)

	sps, err := s.GetSinglepoints(ctx, []int64{recordID},
		RecordProjection{Include: []string{"compute_history.outputs", "task"}}, false)
	require.NoError(t, err)
	sp := sps[0]
	assert.Equal(t, types.RecordStatusComplete, sp.Status)
	assert.Nil(t, sp.Task, "completed records leave the queue")
	assert.EqualValues(t, -76.4, sp.Properties["return_energy"])
	assert.JSONEq(t, "-76.12345", string(sp.ReturnResult))
	require.Len(t, sp.ComputeHistory, 1)
	assert.Equal(t, types.RecordStatusComplete, sp.ComputeHistory[0].Status)
	assert.Equal(t, mgr, sp.ComputeHistory[0].ManagerName)
	assert.NotEmpty(t, sp.ComputeHistory[0].OutputIDs, "stdout is stored as an output blob")

	m, err := s.GetManager(ctx, mgr)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Claimed)
	assert.EqualValues(t, 1, m.Successes)
	assert.EqualValues(t, 0, m.Failures)
}

func TestReturnFailedOperation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recordID, taskID, mgr := claimOne(t, s, 0, "r2")

	fo := types.FailedOperation{
		Schema: types.ResultKindFailed,
		Error:  types.ComputeError{ErrorType: "convergence_error", ErrorMessage: "SCF did not converge"},
		Stdout: "iter 200\n",
	}
	meta, err := s.ReturnTasks(ctx, mgr, map[int64]types.ResultEnvelope{
		taskID: envelopeFor(t, fo),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{taskID}, meta.AcceptedIDs)

	records, err := s.GetRecords(ctx, []int64{recordID}, RecordProjection{Include: []string{"compute_history"}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusError, records[0].Status)
	require.Len(t, records[0].ComputeHistory, 1)
	assert.Equal(t, types.RecordStatusError, records[0].ComputeHistory[0].Status)

	m, err := s.GetManager(ctx, mgr)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Failures)
}

func TestReturnSuccessFalseForcesFailure(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recordID, taskID, mgr := claimOne(t, s, 0, "r3")

	// Even with an atomic schema name, success=false routes the result
	// through the failure path.
	res := atomicResultFor(energySpec(), waterMolecule(0), 0)
	res.Success = false
	env := envelopeFor(t, res)
	require.Equal(t, types.ResultKindFailed, env.Schema)

	_, err := s.ReturnTasks(ctx, mgr, map[int64]types.ResultEnvelope{taskID: env})
	require.NoError(t, err)

	records, err := s.GetRecords(ctx, []int64{recordID}, RecordProjection{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusError, records[0].Status)
}

func TestReturnMismatchFailsRecordInternally(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recordID, taskID, mgr := claimOne(t, s, 0, "r4")

	// A gradient result for an energy record cannot be applied; the
	// record is failed instead of left running.
	res := atomicResultFor(energySpec(), waterMolecule(0), -76.4)
	res.Driver = types.DriverGradient
	meta, err := s.ReturnTasks(ctx, mgr, map[int64]types.ResultEnvelope{
		taskID: envelopeFor(t, res),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{taskID}, meta.AcceptedIDs)

	records, err := s.GetRecords(ctx, []int64{recordID}, RecordProjection{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusError, records[0].Status)
	assert.NotNil(t, records[0].ErrorID, "internal failure stores an error output")

	m, err := s.GetManager(ctx, mgr)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Failures)
}

func TestReturnWrongMoleculeFailsRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recordID, taskID, mgr := claimOne(t, s, 0, "r8")

	// The result echoes a molecule with a different geometry than the
	// record was submitted with.
	res := atomicResultFor(energySpec(), waterMolecule(3), -76.4)
	meta, err := s.ReturnTasks(ctx, mgr, map[int64]types.ResultEnvelope{
		taskID: envelopeFor(t, res),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{taskID}, meta.AcceptedIDs)

	records, err := s.GetRecords(ctx, []int64{recordID}, RecordProjection{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusError, records[0].Status)
	assert.NotNil(t, records[0].ErrorID)

	m, err := s.GetManager(ctx, mgr)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Failures)
}

func TestReturnRejections(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recordID, taskID, mgr1 := claimOne(t, s, 0, "r5")
	mgr2 := activateManager(t, s, "hpc", "r6", map[string]string{"psi4": ""}, []string{"*"})

	res := atomicResultFor(energySpec(), waterMolecule(0), -76.4)

	// Another manager returning the task is rejected without touching
	// the record.
	meta, err := s.ReturnTasks(ctx, mgr2, map[int64]types.ResultEnvelope{
		taskID: envelopeFor(t, res),
	})
	require.NoError(t, err)
	assert.Empty(t, meta.AcceptedIDs)
	require.Len(t, meta.RejectedInfo, 1)
	assert.Equal(t, taskID, meta.RejectedInfo[0].TaskID)
	assert.Contains(t, meta.RejectedInfo[0].Reason, "not assigned to manager")

	records, err := s.GetRecords(ctx, []int64{recordID}, RecordProjection{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusRunning, records[0].Status)

	// Unknown task ids are rejected too.
	meta, err = s.ReturnTasks(ctx, mgr1, map[int64]types.ResultEnvelope{
		987654: envelopeFor(t, res),
	})
	require.NoError(t, err)
	require.Len(t, meta.RejectedInfo, 1)
	assert.Contains(t, meta.RejectedInfo[0].Reason, "does not exist")

	m, err := s.GetManager(ctx, mgr2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Rejected)
}

func TestReturnFromInactiveManager(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, taskID, mgr := claimOne(t, s, 0, "r7")
	_, err := s.DeactivateManagers(ctx, []string{mgr})
	require.NoError(t, err)

	res := atomicResultFor(energySpec(), waterMolecule(0), -76.4)
	_, err = s.ReturnTasks(ctx, mgr, map[int64]types.ResultEnvelope{
		taskID: envelopeFor(t, res),
	})
	var cmErr *ComputeManagerError
	require.ErrorAs(t, err, &cmErr)
	assert.True(t, cmErr.Shutdown)
}

func TestReturnCompletesOptimizationWithTrajectory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids, _, err := s.AddOptimizations(ctx, optSpec(),
		[]MoleculeRef{{Molecule: waterMolecule(0)}}, "", types.PriorityNormal, "")
	require.NoError(t, err)
	recordID := ids[0]

	programs := map[string]string{"geometric": "", "psi4": ""}
	mgr := activateManager(t, s, "hpc", "r7", programs, []string{"*"})
	tasks, err := s.ClaimTasks(ctx, mgr, programs, []string{"*"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "qcengine.compute_procedure", tasks[0].Function)

	step := func(shift float64, energy float64) types.AtomicResult {
		return types.AtomicResult{
			Schema:       types.ResultKindAtomic,
			Success:      true,
			Driver:       types.DriverGradient,
			Model:        types.ResultModel{Method: "b3lyp", Basis: strPtr("def2-svp")},
			Molecule:     *waterMolecule(shift),
			ReturnResult: []byte(`[0.0, 0.0, 0.0]`),
			Properties:   map[string]interface{}{"return_energy": energy},
		}
	}
	res := types.OptimizationResult{
		Schema:          types.ResultKindOptimization,
		Success:         true,
		InitialMolecule: *waterMolecule(0),
		FinalMolecule:   *waterMolecule(0.2),
		Trajectory:      []types.AtomicResult{step(0, -76.39), step(0.2, -76.41)},
		Energies:        []float64{-76.39, -76.41},
		Provenance:      types.Provenance{Creator: "geometric"},
	}
	meta, err := s.ReturnTasks(ctx, mgr, map[int64]types.ResultEnvelope{
		tasks[0].ID: envelopeFor(t, res),
	})
	require.NoError(t, err)
	require.Empty(t, meta.RejectedInfo)

	opts, err := s.GetOptimizations(ctx, []int64{recordID}, RecordProjection{}, false)
	require.NoError(t, err)
	opt := opts[0]
	assert.Equal(t, types.RecordStatusComplete, opt.Status)
	assert.Equal(t, []float64{-76.39, -76.41}, opt.Energies)
	require.Len(t, opt.TrajectoryIDs, 2)

	// Trajectory steps are stored as born-complete singlepoints whose
	// molecules dedupe against the rest of the store.
	sps, err := s.GetSinglepoints(ctx, opt.TrajectoryIDs, RecordProjection{}, false)
	require.NoError(t, err)
	for _, sp := range sps {
		assert.Equal(t, types.RecordStatusComplete, sp.Status)
		assert.Nil(t, sp.Task)
	}
	assert.Equal(t, opt.InitialMoleculeID, sps[0].MoleculeID,
		"first step reuses the submitted molecule")
	require.NotNil(t, opt.FinalMoleculeID)
	assert.Equal(t, *opt.FinalMoleculeID, sps[1].MoleculeID,
		"final molecule dedupes against the last step")
}
