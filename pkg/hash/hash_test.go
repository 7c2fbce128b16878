package hash

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qcforge/qcforge/pkg/types"
)

func water() *types.Molecule {
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

func TestMoleculeHashStable(t *testing.T) {
	a := Molecule(water())
	b := Molecule(water())
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestMoleculeHashNormalization(t *testing.T) {
	base := Molecule(water())

	// Symbol casing does not matter.
	m := water()
	m.Symbols = []string{"o", "h", "H"}
	assert.Equal(t, base, Molecule(m))

	// Sub-precision coordinate noise does not matter.
	m = water()
	m.Geometry[4] += 1e-10
	assert.Equal(t, base, Molecule(m))

	// Negative zero folds into zero.
	m = water()
	m.Geometry[0] = math.Copysign(0, -1)
	assert.Equal(t, base, Molecule(m))
}

func TestMoleculeHashDistinguishes(t *testing.T) {
	base := Molecule(water())

	m := water()
	m.Geometry[0] += 0.5
	assert.NotEqual(t, base, Molecule(m))

	m = water()
	m.Charge = -1
	assert.NotEqual(t, base, Molecule(m))

	m = water()
	m.Multiplicity = 3
	assert.NotEqual(t, base, Molecule(m))
}

func TestKeywordsHashKeyOrder(t *testing.T) {
	a := Keywords(map[string]interface{}{"scf_type": "df", "maxiter": 200})
	b := Keywords(map[string]interface{}{"maxiter": 200, "scf_type": "df"})
	assert.Equal(t, a, b)

	// Key casing is folded; numeric types are normalized through float64.
	c := Keywords(map[string]interface{}{"MAXITER": float64(200), "scf_type": "df"})
	assert.Equal(t, a, c)

	d := Keywords(map[string]interface{}{"maxiter": 300, "scf_type": "df"})
	assert.NotEqual(t, a, d)

	// Upper-case keys sort before lower-case ones in raw byte order;
	// folding must happen before the sort for these to agree.
	e := Keywords(map[string]interface{}{"B": 1.0, "a": 2.0})
	f := Keywords(map[string]interface{}{"b": 1.0, "a": 2.0})
	assert.Equal(t, e, f)
}

func TestOptimizationSpecHash(t *testing.T) {
	basis := "def2-svp"
	spec := types.OptimizationSpecification{
		Program: "geomeTRIC",
		QCSpec: types.QCSpecification{
			Program: "psi4",
			Driver:  types.DriverGradient,
			Method:  "B3LYP",
			Basis:   &basis,
		},
	}
	molHash := Molecule(water())
	a := OptimizationSpec(&spec, molHash)

	lower := spec
	lower.Program = "geometric"
	lower.QCSpec.Method = "b3lyp"
	assert.Equal(t, a, OptimizationSpec(&lower, molHash))

	other := spec
	other.QCSpec.Method = "mp2"
	assert.NotEqual(t, a, OptimizationSpec(&other, molHash))

	assert.NotEqual(t, a, OptimizationSpec(&spec, "different-molecule"))
}

func TestTorsiondriveSpecHashMoleculeOrder(t *testing.T) {
	spec := types.OptimizationSpecification{
		Program: "geometric",
		QCSpec:  types.QCSpecification{Program: "psi4", Driver: types.DriverGradient, Method: "b3lyp"},
	}
	kw := types.TorsiondriveKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}},
		GridSpacing: []int{15},
	}

	a := TorsiondriveSpec(&spec, &kw, []string{"aaa", "bbb"})
	b := TorsiondriveSpec(&spec, &kw, []string{"bbb", "aaa"})
	assert.Equal(t, a, b, "seed molecule order does not matter")

	wider := kw
	wider.GridSpacing = []int{30}
	assert.NotEqual(t, a, TorsiondriveSpec(&spec, &wider, []string{"aaa", "bbb"}))
}
