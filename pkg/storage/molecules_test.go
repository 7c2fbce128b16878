package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

func TestAddMoleculesDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids, meta, err := s.AddMolecules(ctx, []*types.Molecule{
		waterMolecule(0), waterMolecule(0), waterMolecule(1.5),
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[1], "identical molecules must resolve to one row")
	assert.NotEqual(t, ids[0], ids[2])
	assert.Equal(t, 2, meta.NInserted())
	assert.Equal(t, 1, meta.NExisting())

	// A later submission of the same molecule finds the existing row.
	ids2, meta2, err := s.AddMolecules(ctx, []*types.Molecule{waterMolecule(0)})
	require.NoError(t, err)
	assert.Equal(t, ids[0], ids2[0])
	assert.Equal(t, 0, meta2.NInserted())
	assert.Equal(t, 1, meta2.NExisting())
}

func TestAddMoleculesValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	bad := &types.Molecule{Symbols: []string{"O", "H"}, Geometry: []float64{0, 0, 0}}
	_, meta, err := s.AddMolecules(ctx, []*types.Molecule{bad})
	require.NoError(t, err)
	require.Len(t, meta.Errors, 1)
	assert.Contains(t, meta.Errors[0].Error, "geometry length")
	assert.False(t, meta.Success())
}

func TestAddMoleculesMixed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids, _, err := s.AddMolecules(ctx, []*types.Molecule{waterMolecule(0)})
	require.NoError(t, err)

	var mixedIDs []int64
	var meta InsertMetadata
	err = s.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		mixedIDs, meta, err = tx.AddMoleculesMixed(ctx, []MoleculeRef{
			{ID: ids[0]},
			{Molecule: waterMolecule(3.0)},
			{ID: 99999},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, ids[0], mixedIDs[0])
	assert.NotZero(t, mixedIDs[1])
	assert.Zero(t, mixedIDs[2], "unknown id slot reports a zero id")
	require.Len(t, meta.Errors, 1)
	assert.Equal(t, 2, meta.Errors[0].Index)
	assert.Contains(t, meta.Errors[0].Error, "does not exist")
}

func TestGetMoleculesMissing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids, _, err := s.AddMolecules(ctx, []*types.Molecule{waterMolecule(0)})
	require.NoError(t, err)

	mols, err := s.GetMolecules(ctx, []int64{ids[0], 424242}, true)
	require.NoError(t, err)
	require.Len(t, mols, 2)
	assert.Equal(t, []string{"O", "H", "H"}, mols[0].Symbols)
	assert.NotEmpty(t, mols[0].Hash)
	assert.Nil(t, mols[1])

	_, err = s.GetMolecules(ctx, []int64{424242}, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMolecules(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids, _, err := s.AddMolecules(ctx, []*types.Molecule{waterMolecule(0), waterMolecule(1)})
	require.NoError(t, err)

	// Molecules referenced by records cannot be deleted.
	_, _, err = s.AddSinglepoints(ctx, energySpec(), []MoleculeRef{{ID: ids[1]}}, "", types.PriorityNormal, "")
	require.NoError(t, err)

	meta := s.DeleteMolecules(ctx, []int64{ids[0], ids[1], 99999})
	assert.Equal(t, []int{0}, meta.InsertedIdx)
	require.Len(t, meta.Errors, 2)
	assert.Equal(t, 1, meta.Errors[0].Index)
	assert.Equal(t, 2, meta.Errors[1].Index)
}

func TestMoleculeRefJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		id   int64
		obj  bool
	}{
		{name: "bare id", in: `17`, id: 17},
		{name: "object", in: `{"symbols":["He"],"geometry":[0,0,0],"molecular_charge":0,"molecular_multiplicity":1}`, obj: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ref MoleculeRef
			require.NoError(t, ref.UnmarshalJSON([]byte(tt.in)))
			if tt.obj {
				require.NotNil(t, ref.Molecule)
				assert.Equal(t, []string{"He"}, ref.Molecule.Symbols)
			} else {
				assert.Equal(t, tt.id, ref.ID)
				assert.Nil(t, ref.Molecule)
			}
		})
	}
}
