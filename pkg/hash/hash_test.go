package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/molforge/fractal/pkg/types"
)

func h2(bond float64) *types.Molecule {
	return &types.Molecule{
		Symbols:      []string{"H", "H"},
		Geometry:     []float64{0, 0, 0, 0, 0, bond},
		Charge:       0,
		Multiplicity: 1,
	}
}

func TestMoleculeHashTolerance(t *testing.T) {
	base := Molecule(h2(1.4))

	// below the geometry tolerance the structures are identical
	assert.Equal(t, base, Molecule(h2(1.4+1e-10)))

	// above it they are different molecules
	assert.NotEqual(t, base, Molecule(h2(1.4+1e-6)))
}

func TestMoleculeHashCaseInsensitiveSymbols(t *testing.T) {
	a := h2(1.4)
	b := h2(1.4)
	b.Symbols = []string{"h", "h"}
	assert.Equal(t, Molecule(a), Molecule(b))
}

func TestMoleculeHashDistinguishesCharge(t *testing.T) {
	a := h2(1.4)
	b := h2(1.4)
	b.Charge = 1
	b.Multiplicity = 2
	assert.NotEqual(t, Molecule(a), Molecule(b))
}

func TestMoleculeHashBondOrder(t *testing.T) {
	a := h2(1.4)
	a.Connectivity = []types.Bond{{Atom1: 0, Atom2: 1, Order: 1}}
	b := h2(1.4)
	b.Connectivity = []types.Bond{{Atom1: 1, Atom2: 0, Order: 1}}
	assert.Equal(t, Molecule(a), Molecule(b))
}

func TestKeywordsHashTolerance(t *testing.T) {
	a := Keywords(map[string]interface{}{"convergence": 1e-6})
	b := Keywords(map[string]interface{}{"convergence": 1e-6 + 1e-12})
	c := Keywords(map[string]interface{}{"convergence": 2e-6})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestKeywordsHashKeyCase(t *testing.T) {
	a := Keywords(map[string]interface{}{"SCF_TYPE": "df"})
	b := Keywords(map[string]interface{}{"scf_type": "df"})
	assert.Equal(t, a, b)
}

func TestQCSpecificationHashNormalization(t *testing.T) {
	tests := []struct {
		name  string
		a, b  types.QCSpecification
		equal bool
	}{
		{
			name:  "program and basis case",
			a:     types.QCSpecification{Program: "Psi4", Driver: types.DriverEnergy, Method: "b3lyp", Basis: "def2-svp"},
			b:     types.QCSpecification{Program: "psi4", Driver: types.DriverEnergy, Method: "B3LYP", Basis: "DEF2-SVP"},
			equal: true,
		},
		{
			name:  "surrounding whitespace",
			a:     types.QCSpecification{Program: " psi4 ", Driver: types.DriverEnergy, Method: "b3lyp", Basis: "def2-svp"},
			b:     types.QCSpecification{Program: "psi4", Driver: types.DriverEnergy, Method: "b3lyp", Basis: "def2-svp"},
			equal: true,
		},
		{
			name:  "different method",
			a:     types.QCSpecification{Program: "psi4", Driver: types.DriverEnergy, Method: "b3lyp", Basis: "def2-svp"},
			b:     types.QCSpecification{Program: "psi4", Driver: types.DriverEnergy, Method: "pbe0", Basis: "def2-svp"},
			equal: false,
		},
		{
			name:  "empty basis differs from a real basis",
			a:     types.QCSpecification{Program: "xtb", Driver: types.DriverEnergy, Method: "gfn2", Basis: ""},
			b:     types.QCSpecification{Program: "xtb", Driver: types.DriverEnergy, Method: "gfn2", Basis: "sto-3g"},
			equal: false,
		},
		{
			name:  "driver matters",
			a:     types.QCSpecification{Program: "psi4", Driver: types.DriverEnergy, Method: "b3lyp", Basis: "def2-svp"},
			b:     types.QCSpecification{Program: "psi4", Driver: types.DriverGradient, Method: "b3lyp", Basis: "def2-svp"},
			equal: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			NormalizeQCSpecification(&tt.a)
			NormalizeQCSpecification(&tt.b)
			ha := QCSpecification(&tt.a)
			hb := QCSpecification(&tt.b)
			if tt.equal {
				assert.Equal(t, ha, hb)
			} else {
				assert.NotEqual(t, ha, hb)
			}
		})
	}
}

func TestCompoundSpecificationHash(t *testing.T) {
	kw := types.TorsiondriveKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}},
		GridSpacing: []int{15},
	}
	a := CompoundSpecification("torsiondrive", []int64{7}, kw)
	b := CompoundSpecification("torsiondrive", []int64{7}, kw)
	assert.Equal(t, a, b)

	kw2 := kw
	kw2.GridSpacing = []int{30}
	assert.NotEqual(t, a, CompoundSpecification("torsiondrive", []int64{7}, kw2))
	assert.NotEqual(t, a, CompoundSpecification("torsiondrive", []int64{8}, kw))
}
