package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

func TestAddSinglepointsDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	spec := energySpec()
	ids, meta, err := s.AddSinglepoints(ctx, spec, []MoleculeRef{
		{Molecule: waterMolecule(0)},
		{Molecule: waterMolecule(0)},
		{Molecule: waterMolecule(2)},
	}, "openff", types.PriorityHigh, "alice")
	require.NoError(t, err)
	assert.Equal(t, ids[0], ids[1], "same spec and molecule must dedupe")
	assert.NotEqual(t, ids[0], ids[2])
	assert.Equal(t, 2, meta.NInserted())
	assert.Equal(t, 1, meta.NExisting())

	// A fresh record is waiting with a queued task.
	records, err := s.GetRecords(ctx, []int64{ids[0]}, RecordProjection{Include: []string{"task"}}, false)
	require.NoError(t, err)
	r := records[0]
	assert.Equal(t, types.RecordStatusWaiting, r.Status)
	assert.Equal(t, types.RecordTypeSinglepoint, r.RecordType)
	assert.False(t, r.IsService)
	assert.Equal(t, "alice", r.Owner)
	require.NotNil(t, r.Task)
	assert.Equal(t, "openff", r.Task.Tag)
	assert.Equal(t, types.PriorityHigh, r.Task.Priority)
	assert.Contains(t, r.Task.RequiredPrograms, "psi4")

	// Re-submitting under a different tag still resolves to the record.
	ids2, meta2, err := s.AddSinglepoints(ctx, spec, []MoleculeRef{{Molecule: waterMolecule(0)}}, "", types.PriorityLow, "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], ids2[0])
	assert.Equal(t, 1, meta2.NExisting())
}

func TestAddSinglepointsSpecNormalization(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	lower := energySpec()
	upper := types.QCSpecification{
		Program: "PSI4",
		Driver:  types.DriverEnergy,
		Method:  "B3LYP",
		Basis:   strPtr("DEF2-SVP"),
	}
	ids1, _, err := s.AddSinglepoints(ctx, lower, []MoleculeRef{{Molecule: waterMolecule(0)}}, "", types.PriorityNormal, "")
	require.NoError(t, err)
	ids2, _, err := s.AddSinglepoints(ctx, upper, []MoleculeRef{{Molecule: waterMolecule(0)}}, "", types.PriorityNormal, "")
	require.NoError(t, err)
	assert.Equal(t, ids1[0], ids2[0], "case differences must not create new records")
}

func TestAddSinglepointsBadMoleculeSlot(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids, meta, err := s.AddSinglepoints(ctx, energySpec(), []MoleculeRef{
		{ID: 55555},
		{Molecule: waterMolecule(0)},
	}, "", types.PriorityNormal, "")
	require.NoError(t, err)
	assert.Zero(t, ids[0])
	assert.NotZero(t, ids[1])
	require.Len(t, meta.Errors, 1)
	assert.Equal(t, 0, meta.Errors[0].Index)
}

func TestGetSinglepoints(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids, _, err := s.AddSinglepoints(ctx, energySpec(), []MoleculeRef{{Molecule: waterMolecule(0)}}, "", types.PriorityNormal, "")
	require.NoError(t, err)

	sps, err := s.GetSinglepoints(ctx, []int64{ids[0]}, RecordProjection{Include: []string{"molecule"}}, false)
	require.NoError(t, err)
	sp := sps[0]
	assert.Equal(t, "psi4", sp.Specification.Program)
	assert.Equal(t, types.DriverEnergy, sp.Specification.Driver)
	require.NotNil(t, sp.Specification.Basis)
	assert.Equal(t, "def2-svp", *sp.Specification.Basis)
	assert.NotZero(t, sp.Specification.KeywordsID, "empty keyword set is still stored")
	require.NotNil(t, sp.Molecule)
	assert.Equal(t, sp.MoleculeID, sp.Molecule.ID)

	// Asking for a singlepoint through the wrong accessor fails.
	_, err = s.GetOptimizations(ctx, []int64{ids[0]}, RecordProjection{}, false)
	assert.Error(t, err)
}
