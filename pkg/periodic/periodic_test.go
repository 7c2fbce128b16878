package periodic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/services"
	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

func testRunner(t *testing.T, opts Options) (*storage.Store, *Runner) {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "qcforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, NewRunner(store, services.NewEngine(store, 0), opts)
}

func TestApplyDefaults(t *testing.T) {
	opts := Options{ServiceFrequency: time.Second}
	opts.applyDefaults()
	assert.Equal(t, time.Second, opts.ServiceFrequency)
	assert.Equal(t, 60*time.Second, opts.StatsFrequency)
	assert.Equal(t, 30*time.Second, opts.HeartbeatFrequency)
}

func TestStartStop(t *testing.T) {
	_, r := testRunner(t, Options{
		StatsFrequency:     time.Hour,
		HeartbeatFrequency: time.Hour,
		ServiceFrequency:   time.Hour,
	})
	r.Start()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestSnapshotStatsJob(t *testing.T) {
	store, r := testRunner(t, DefaultOptions())
	ctx := context.Background()

	r.snapshotStats(ctx)
	r.snapshotStats(ctx)

	stats, err := store.GetStats(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, stats, 2)
}

func TestSweepManagersJob(t *testing.T) {
	store, r := testRunner(t, DefaultOptions())
	ctx := context.Background()

	// A negative interval puts the staleness cutoff in the future, so a
	// freshly activated manager is already overdue.
	r.opts.HeartbeatFrequency = -time.Minute

	mgr, err := store.ActivateManager(ctx, &types.ActivateBody{
		NameData: types.ManagerNameData{Cluster: "hpc", Hostname: "node1", UUID: "p1"},
		Programs: map[string]string{"psi4": ""},
		Tags:     []string{"*"},
	})
	require.NoError(t, err)

	r.sweepManagers(ctx)

	got, err := store.GetManager(ctx, mgr.Name)
	require.NoError(t, err)
	assert.Equal(t, types.ManagerStatusInactive, got.Status)
}

func TestIterateServicesJob(t *testing.T) {
	store, r := testRunner(t, DefaultOptions())
	ctx := context.Background()

	ids, _, err := store.AddTorsiondrives(ctx, []storage.TorsiondriveInput{{
		Specification: types.OptimizationSpecification{
			Program: "geometric",
			QCSpec:  types.QCSpecification{Program: "psi4", Driver: types.DriverGradient, Method: "b3lyp"},
		},
		Keywords: types.TorsiondriveKeywords{
			Dihedrals:   [][4]int{{0, 1, 2, 3}},
			GridSpacing: []int{180},
		},
		InitialMolecules: []storage.MoleculeRef{{Molecule: &types.Molecule{
			Symbols:      []string{"O", "H", "H"},
			Geometry:     []float64{0, 0, 0, 0, 1.4, 1.1, 0, -1.4, 1.1},
			Multiplicity: 1,
		}}},
	}}, "", types.PriorityNormal, "")
	require.NoError(t, err)

	r.iterateServices(ctx)

	records, err := store.GetRecords(ctx, ids, storage.RecordProjection{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusRunning, records[0].Status)
}
