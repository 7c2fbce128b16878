package services

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

func TestGridAxes(t *testing.T) {
	tests := []struct {
		name    string
		kw      types.TorsiondriveKeywords
		want    [][]int
		wantErr bool
	}{
		{
			name: "full circle",
			kw: types.TorsiondriveKeywords{
				Dihedrals:   [][4]int{{0, 1, 2, 3}},
				GridSpacing: []int{90},
			},
			want: [][]int{{-90, 0, 90, 180}},
		},
		{
			name: "two point scan",
			kw: types.TorsiondriveKeywords{
				Dihedrals:   [][4]int{{0, 1, 2, 3}},
				GridSpacing: []int{180},
			},
			want: [][]int{{0, 180}},
		},
		{
			name: "restricted range",
			kw: types.TorsiondriveKeywords{
				Dihedrals:      [][4]int{{0, 1, 2, 3}},
				GridSpacing:    []int{30},
				DihedralRanges: [][2]int{{0, 90}},
			},
			want: [][]int{{0, 30, 60}},
		},
		{
			name: "shared spacing across dihedrals",
			kw: types.TorsiondriveKeywords{
				Dihedrals:   [][4]int{{0, 1, 2, 3}, {1, 2, 3, 4}},
				GridSpacing: []int{180},
			},
			want: [][]int{{0, 180}, {0, 180}},
		},
		{
			name:    "no dihedrals",
			kw:      types.TorsiondriveKeywords{GridSpacing: []int{90}},
			wantErr: true,
		},
		{
			name: "zero spacing",
			kw: types.TorsiondriveKeywords{
				Dihedrals:   [][4]int{{0, 1, 2, 3}},
				GridSpacing: []int{0},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			axes, err := gridAxes(&tt.kw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, axes)
		})
	}
}

func TestGridKeysCartesianProduct(t *testing.T) {
	keys := gridKeys([][]int{{-180, 0}, {0, 120}})
	assert.Equal(t, []string{"[-180,0]", "[-180,120]", "[0,0]", "[0,120]"}, keys)
}

func TestNeighborKeysWrap(t *testing.T) {
	kw := types.TorsiondriveKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}},
		GridSpacing: []int{90},
	}
	axes, err := gridAxes(&kw)
	require.NoError(t, err)

	// 180 wraps around to -90 on a full-circle scan.
	nbs := neighborKeys(axes, "[180]", &kw)
	assert.ElementsMatch(t, []string{"[90]", "[-90]"}, nbs)

	// A restricted range does not wrap.
	kw.DihedralRanges = [][2]int{{-90, 181}}
	nbs = neighborKeys(axes, "[180]", &kw)
	assert.Equal(t, []string{"[90]"}, nbs)
}

func TestConstrainedSpec(t *testing.T) {
	spec := types.OptimizationSpecification{
		Program:  "geometric",
		Keywords: map[string]interface{}{"maxiter": 100},
	}
	out := constrainedSpec(spec, [][4]int{{0, 1, 2, 3}}, []int{60})

	// The original keywords are untouched.
	assert.NotContains(t, spec.Keywords, "constraints")
	assert.Equal(t, 100, out.Keywords["maxiter"])

	constraints, ok := out.Keywords["constraints"].(map[string]interface{})
	require.True(t, ok)
	set, ok := constraints["set"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, set, 1)
	assert.Equal(t, "dihedral", set[0]["type"])
	assert.Equal(t, 60, set[0]["value"])
}

func testEngine(t *testing.T) (*storage.Store, *Engine) {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "qcforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, NewEngine(store, 0)
}

func tdWater() *types.Molecule {
	return &types.Molecule{
		Symbols: []string{"O", "H", "H"},
		Geometry: []float64{
			0.0, 0.0, 0.0,
			0.0, 1.4, 1.1,
			0.0, -1.4, 1.1,
		},
		Multiplicity: 1,
	}
}

// completeOptimizationChildren claims every queued optimization and
// returns a result whose final molecule equals the input geometry, so
// re-seeding dedupes and the drive converges in one wave.
func completeOptimizationChildren(t *testing.T, store *storage.Store, mgr string, energy float64) int {
	t.Helper()
	ctx := context.Background()
	programs := map[string]string{"geometric": "", "psi4": ""}
	tasks, err := store.ClaimTasks(ctx, mgr, programs, []string{"*"}, 100)
	require.NoError(t, err)

	results := make(map[int64]types.ResultEnvelope, len(tasks))
	for _, task := range tasks {
		res := types.OptimizationResult{
			Schema:        types.ResultKindOptimization,
			Success:       true,
			FinalMolecule: *tdWater(),
			Energies:      []float64{energy + 0.01, energy},
			Provenance:    types.Provenance{Creator: "geometric"},
		}
		data, err := json.Marshal(res)
		require.NoError(t, err)
		var env types.ResultEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		results[task.ID] = env
	}
	if len(results) > 0 {
		meta, err := store.ReturnTasks(ctx, mgr, results)
		require.NoError(t, err)
		require.Empty(t, meta.RejectedInfo)
	}
	return len(tasks)
}

func TestTorsiondriveConverges(t *testing.T) {
	store, engine := testEngine(t)
	ctx := context.Background()

	ids, meta, err := store.AddTorsiondrives(ctx, []storage.TorsiondriveInput{{
		Specification: types.OptimizationSpecification{
			Program: "geometric",
			QCSpec: types.QCSpecification{
				Program: "psi4",
				Driver:  types.DriverGradient,
				Method:  "b3lyp",
				Basis:   nil,
			},
		},
		Keywords: types.TorsiondriveKeywords{
			Dihedrals:   [][4]int{{0, 1, 2, 3}},
			GridSpacing: []int{120},
		},
		InitialMolecules: []storage.MoleculeRef{{Molecule: tdWater()}},
	}}, "", types.PriorityNormal, "")
	require.NoError(t, err)
	require.True(t, meta.Success())
	recordID := ids[0]

	// First iteration spawns one constrained optimization per grid
	// point: -60, 60, 180.
	n, err := engine.IterateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tds, err := store.GetTorsiondrives(ctx, []int64{recordID}, storage.RecordProjection{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusRunning, tds[0].Status)
	assert.Len(t, tds[0].OptimizationIDs, 3)

	// The service waits while its children are outstanding.
	n, err = engine.IterateAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	mgr, err := store.ActivateManager(ctx, &types.ActivateBody{
		NameData: types.ManagerNameData{Cluster: "hpc", Hostname: "node1", UUID: "td1"},
		Programs: map[string]string{"geometric": "", "psi4": ""},
		Tags:     []string{"*"},
	})
	require.NoError(t, err)

	done := completeOptimizationChildren(t, store, mgr.Name, -76.4)
	assert.Equal(t, 3, done)

	// Every grid point kept its minimum and the re-seeded neighbors
	// dedupe against the first wave, so the drive converges.
	n, err = engine.IterateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tds, err = store.GetTorsiondrives(ctx, []int64{recordID}, storage.RecordProjection{}, false)
	require.NoError(t, err)
	td := tds[0]
	assert.Equal(t, types.RecordStatusComplete, td.Status)
	require.Len(t, td.FinalEnergies, 3)
	for _, key := range []string{"[-60]", "[60]", "[180]"} {
		assert.InDelta(t, -76.4, td.FinalEnergies[key], 1e-12)
		assert.Contains(t, td.MinimumPositions, key)
	}

	// Each engine pass appends one line to the service's stdout log.
	require.NotNil(t, td.StdoutID)
	_, plain, err := store.GetOutput(ctx, *td.StdoutID)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(plain), "iteration finished"))
}

func TestTorsiondriveFailedChildFailsService(t *testing.T) {
	store, engine := testEngine(t)
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
		InitialMolecules: []storage.MoleculeRef{{Molecule: tdWater()}},
	}}, "", types.PriorityNormal, "")
	require.NoError(t, err)

	_, err = engine.IterateAll(ctx)
	require.NoError(t, err)

	mgr, err := store.ActivateManager(ctx, &types.ActivateBody{
		NameData: types.ManagerNameData{Cluster: "hpc", Hostname: "node1", UUID: "td2"},
		Programs: map[string]string{"geometric": "", "psi4": ""},
		Tags:     []string{"*"},
	})
	require.NoError(t, err)
	tasks, err := store.ClaimTasks(ctx, mgr.Name, map[string]string{"geometric": "", "psi4": ""}, []string{"*"}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)

	// Fail every child.
	results := make(map[int64]types.ResultEnvelope, len(tasks))
	for _, task := range tasks {
		fo := types.FailedOperation{
			Schema: types.ResultKindFailed,
			Error:  types.ComputeError{ErrorType: "random_error", ErrorMessage: "optimizer crashed"},
		}
		data, err := json.Marshal(fo)
		require.NoError(t, err)
		var env types.ResultEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		results[task.ID] = env
	}
	_, err = store.ReturnTasks(ctx, mgr.Name, results)
	require.NoError(t, err)

	_, err = engine.IterateAll(ctx)
	require.NoError(t, err)

	records, err := store.GetRecords(ctx, ids, storage.RecordProjection{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RecordStatusError, records[0].Status)
	assert.NotNil(t, records[0].ErrorID)
}
