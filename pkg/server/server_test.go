package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "qcforge.db")
	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func submitOne(t *testing.T, srv *Server) int64 {
	t.Helper()
	basis := "def2-svp"
	ids, _, err := srv.Store().AddSinglepoints(context.Background(),
		types.QCSpecification{Program: "psi4", Driver: types.DriverEnergy, Method: "b3lyp", Basis: &basis},
		[]storage.MoleculeRef{{Molecule: &types.Molecule{
			Symbols:      []string{"O", "H", "H"},
			Geometry:     []float64{0, 0, 0, 0, 1.4, 1.1, 0, -1.4, 1.1},
			Multiplicity: 1,
		}}}, "", types.PriorityNormal, "")
	require.NoError(t, err)
	return ids[0]
}

func completeRecord(t *testing.T, srv *Server, recordID int64) {
	t.Helper()
	ctx := context.Background()
	store := srv.Store()

	mgr, err := store.ActivateManager(ctx, &types.ActivateBody{
		NameData: types.ManagerNameData{Cluster: "hpc", Hostname: "node1", UUID: "srv1"},
		Programs: map[string]string{"psi4": ""},
		Tags:     []string{"*"},
	})
	require.NoError(t, err)

	tasks, err := store.ClaimTasks(ctx, mgr.Name, map[string]string{"psi4": ""}, []string{"*"}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)

	results := make(map[int64]types.ResultEnvelope)
	for _, task := range tasks {
		if task.RecordID != recordID {
			continue
		}
		basis := "def2-svp"
		res := types.AtomicResult{
			Schema:  types.ResultKindAtomic,
			Success: true,
			Driver:  types.DriverEnergy,
			Model:   types.ResultModel{Method: "b3lyp", Basis: &basis},
			Molecule: types.Molecule{
				Symbols:      []string{"O", "H", "H"},
				Geometry:     []float64{0, 0, 0, 0, 1.4, 1.1, 0, -1.4, 1.1},
				Multiplicity: 1,
			},
			ReturnResult: json.RawMessage(`-76.4`),
			Provenance:   types.Provenance{Creator: "psi4"},
		}
		data, err := json.Marshal(res)
		require.NoError(t, err)
		var env types.ResultEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		results[task.ID] = env
	}
	meta, err := store.ReturnTasks(ctx, mgr.Name, results)
	require.NoError(t, err)
	require.Empty(t, meta.RejectedInfo)
}

func TestWaitForRecordsAlreadyTerminal(t *testing.T) {
	srv := testServer(t)
	id := submitOne(t, srv)
	completeRecord(t, srv, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := srv.WaitForRecords(ctx, []int64{id})
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusComplete, final[id])
}

func TestWaitForRecordsWakesOnCompletion(t *testing.T) {
	srv := testServer(t)
	id := submitOne(t, srv)

	done := make(chan map[int64]types.RecordStatus, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		final, err := srv.WaitForRecords(ctx, []int64{id})
		errCh <- err
		done <- final
	}()

	// Give the waiter time to subscribe before the completion lands.
	time.Sleep(50 * time.Millisecond)
	completeRecord(t, srv, id)

	require.NoError(t, <-errCh)
	final := <-done
	assert.Equal(t, types.RecordStatusComplete, final[id])
}

func TestWaitForRecordsContextTimeout(t *testing.T) {
	srv := testServer(t)
	id := submitOne(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	final, err := srv.WaitForRecords(ctx, []int64{id})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotContains(t, final, id, "the record never became terminal")
}
