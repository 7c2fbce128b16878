package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

// testStore opens a fresh database under the test's temp directory.
func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "qcforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

// waterMolecule returns a small three-atom system. Shift displaces the
// geometry so callers can mint distinct molecules.
func waterMolecule(shift float64) *types.Molecule {
	return &types.Molecule{
		Symbols: []string{"O", "H", "H"},
		Geometry: []float64{
			0.0 + shift, 0.0, 0.0,
			0.0 + shift, 1.4, 1.1,
			0.0 + shift, -1.4, 1.1,
		},
		Charge:       0,
		Multiplicity: 1,
	}
}

func energySpec() types.QCSpecification {
	return types.QCSpecification{
		Program: "psi4",
		Driver:  types.DriverEnergy,
		Method:  "b3lyp",
		Basis:   strPtr("def2-svp"),
	}
}

// activateManager registers an active test manager and returns its full
// name.
func activateManager(t *testing.T, s *Store, cluster, uid string, programs map[string]string, tags []string) string {
	t.Helper()
	m, err := s.ActivateManager(context.Background(), &types.ActivateBody{
		NameData: types.ManagerNameData{Cluster: cluster, Hostname: "node1", UUID: uid},
		Programs: programs,
		Tags:     tags,
	})
	require.NoError(t, err)
	return m.Name
}

// envelopeFor round-trips a result through its wire form so the
// envelope carries the same payload a manager would send.
func envelopeFor(t *testing.T, result interface{}) types.ResultEnvelope {
	t.Helper()
	data, err := json.Marshal(result)
	require.NoError(t, err)
	var env types.ResultEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// atomicResultFor fabricates a successful result matching a spec.
func atomicResultFor(spec types.QCSpecification, mol *types.Molecule, energy float64) *types.AtomicResult {
	return &types.AtomicResult{
		Schema:       types.ResultKindAtomic,
		Success:      true,
		Driver:       spec.Driver,
		Model:        types.ResultModel{Method: spec.Method, Basis: spec.Basis},
		Molecule:     *mol,
		ReturnResult: json.RawMessage("-76.12345"),
		Properties:   map[string]interface{}{"return_energy": energy},
		Provenance:   types.Provenance{Creator: "psi4", Version: "1.9"},
		Stdout:       "SCF converged\n",
	}
}
