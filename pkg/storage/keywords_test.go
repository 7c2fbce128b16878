package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

func TestAddKeywordsDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids, meta, err := s.AddKeywords(ctx, []*types.KeywordSet{
		{Values: map[string]interface{}{"maxiter": 200, "scf_type": "df"}},
		{Values: map[string]interface{}{"scf_type": "df", "maxiter": 200}},
		{Values: map[string]interface{}{"maxiter": 300}},
	})
	require.NoError(t, err)
	assert.Equal(t, ids[0], ids[1], "key order must not affect the hash")
	assert.NotEqual(t, ids[0], ids[2])
	assert.Equal(t, 2, meta.NInserted())
	assert.Equal(t, 1, meta.NExisting())

	sets, err := s.GetKeywords(ctx, []int64{ids[0]}, false)
	require.NoError(t, err)
	assert.EqualValues(t, "df", sets[0].Values["scf_type"])
}

func TestGetKeywordsMissing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sets, err := s.GetKeywords(ctx, []int64{31337}, true)
	require.NoError(t, err)
	assert.Nil(t, sets[0])

	_, err = s.GetKeywords(ctx, []int64{31337}, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveKeywordsUnknownID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	spec := energySpec()
	spec.KeywordsID = 999
	_, _, err := s.AddSinglepoints(ctx, spec, []MoleculeRef{{Molecule: waterMolecule(0)}}, "", types.PriorityNormal, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
