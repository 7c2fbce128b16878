package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/hash"
	"github.com/qcforge/qcforge/pkg/types"
)

func TestCombinations(t *testing.T) {
	assert.Equal(t, [][]int{{0}, {1}, {2}}, combinations(3, 1))
	assert.Equal(t, [][]int{{0, 1}, {0, 2}, {1, 2}}, combinations(3, 2))
	assert.Equal(t, [][]int{{0, 1, 2}}, combinations(3, 3))
	assert.Empty(t, combinations(2, 3))
}

func TestClusterKey(t *testing.T) {
	assert.Equal(t, "[0,2]", clusterKey([]int{0, 2}))
	assert.NotEqual(t, clusterKey([]int{0, 1}), clusterKey([]int{1}))
}

func TestFragmentMolecule(t *testing.T) {
	// A water dimer: two three-atom fragments with distinct coordinates.
	parent := &types.Molecule{
		Symbols: []string{"O", "H", "H", "O", "H", "H"},
		Geometry: []float64{
			0, 0, 0, 0, 1.4, 1.1, 0, -1.4, 1.1,
			5, 0, 0, 5, 1.4, 1.1, 5, -1.4, 1.1,
		},
		Fragments:       [][]int{{0, 1, 2}, {3, 4, 5}},
		FragmentCharges: []int{0, -1},
	}

	second := fragmentMolecule(parent, []int{1}, []int{1})
	assert.Equal(t, []string{"O", "H", "H"}, second.Symbols)
	require.Len(t, second.Geometry, 9)
	assert.InDelta(t, 5.0, second.Geometry[0], 1e-12)
	assert.Equal(t, -1, second.Charge)
	assert.Nil(t, second.Real)

	both := fragmentMolecule(parent, []int{0, 1}, []int{0, 1})
	assert.Len(t, both.Symbols, 6)
	assert.Equal(t, -1, both.Charge)
	assert.Nil(t, both.Real)
}

func TestFragmentMoleculeGhostBasis(t *testing.T) {
	parent := &types.Molecule{
		Symbols: []string{"O", "H", "H", "O", "H", "H"},
		Geometry: []float64{
			0, 0, 0, 0, 1.4, 1.1, 0, -1.4, 1.1,
			5, 0, 0, 5, 1.4, 1.1, 5, -1.4, 1.1,
		},
		Fragments:       [][]int{{0, 1, 2}, {3, 4, 5}},
		FragmentCharges: []int{0, -1},
	}
	allFrags := []int{0, 1}

	first := fragmentMolecule(parent, []int{0}, allFrags)
	second := fragmentMolecule(parent, []int{1}, allFrags)

	// Both carry the full-system atoms, but the ghost masks differ.
	assert.Len(t, first.Symbols, 6)
	assert.Len(t, second.Symbols, 6)
	assert.Equal(t, []bool{true, true, true, false, false, false}, first.Real)
	assert.Equal(t, []bool{false, false, false, true, true, true}, second.Real)

	// Only the real fragments contribute charge.
	assert.Equal(t, 0, first.Charge)
	assert.Equal(t, -1, second.Charge)

	// The two clusters must not deduplicate against each other.
	assert.NotEqual(t, hash.Molecule(first), hash.Molecule(second))
}
