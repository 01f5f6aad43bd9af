package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/molforge/fractal/pkg/types"
)

func TestEnumerateGridSpacing(t *testing.T) {
	kw := types.TorsiondriveKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}},
		GridSpacing: []int{90},
	}
	points := enumerateGrid(kw)
	assert.Equal(t, [][]int{{-90}, {0}, {90}, {180}}, points)
}

func TestEnumerateGridTwoDihedrals(t *testing.T) {
	kw := types.TorsiondriveKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}, {1, 2, 3, 4}},
		GridSpacing: []int{120, 180},
	}
	points := enumerateGrid(kw)
	// 3 angles for the first dihedral, 2 for the second
	assert.Len(t, points, 6)
	assert.Equal(t, []int{-60, 0}, points[0])
	assert.Equal(t, []int{180, 180}, points[5])
}

func TestEnumerateGridRangeClip(t *testing.T) {
	kw := types.TorsiondriveKeywords{
		Dihedrals:      [][4]int{{0, 1, 2, 3}},
		GridSpacing:    []int{90},
		DihedralRanges: [][2]int{{-90, 90}},
	}
	points := enumerateGrid(kw)
	assert.Equal(t, [][]int{{-90}, {0}, {90}}, points)
}

func TestGridKey(t *testing.T) {
	assert.Equal(t, "[-90,180]", gridKey([]int{-90, 180}))
}

func TestConstrainedOptSpec(t *testing.T) {
	base := &types.OptimizationSpecification{
		Program:  "geometric",
		Keywords: map[string]interface{}{"maxiter": 300},
	}
	derived := constrainedOptSpec(base, [][4]int{{0, 1, 2, 3}}, []int{90})

	// the base keywords survive and the base itself is untouched
	assert.Equal(t, 300, derived.Keywords["maxiter"])
	assert.NotContains(t, base.Keywords, "constraints")

	cons, ok := derived.Keywords["constraints"].(map[string]interface{})
	assert.True(t, ok)
	set := cons["set"].([]map[string]interface{})
	assert.Len(t, set, 1)
	assert.Equal(t, "dihedral", set[0]["type"])
	assert.Equal(t, 90, set[0]["value"])
}

func TestEnumerateScan(t *testing.T) {
	scans := []types.ScanSpecification{
		{Steps: []float64{1.0, 1.2}},
		{Steps: []float64{100, 110, 120}},
	}
	combos := enumerateScan(scans)
	assert.Len(t, combos, 6)
	assert.Equal(t, []int{0, 0}, combos[0])
	assert.Equal(t, []int{0, 1}, combos[1])
	assert.Equal(t, []int{1, 2}, combos[5])

	// a scan without steps yields nothing
	assert.Nil(t, enumerateScan([]types.ScanSpecification{{}}))
}

func TestScanConstrainedSpec(t *testing.T) {
	base := &types.OptimizationSpecification{Program: "geometric"}
	scans := []types.ScanSpecification{
		{Type: "distance", Indices: []int{0, 1}, Steps: []float64{1.0, 1.2}, StepType: "absolute"},
	}
	derived := scanConstrainedSpec(base, scans, []int{1})

	cons := derived.Keywords["constraints"].(map[string]interface{})
	set := cons["set"].([]map[string]interface{})
	assert.Equal(t, "distance", set[0]["type"])
	assert.Equal(t, 1.2, set[0]["value"])
	assert.Equal(t, "absolute", set[0]["step_type"])
}

func TestSubsetsUpTo(t *testing.T) {
	subsets := subsetsUpTo(3, 2)
	// all non-empty subsets of size <= 2
	assert.Len(t, subsets, 6)
	assert.Contains(t, subsets, []int{0})
	assert.Contains(t, subsets, []int{0, 2})
	assert.NotContains(t, subsets, []int{0, 1, 2})

	full := subsetsUpTo(3, 3)
	assert.Len(t, full, 7)
}

func TestEnumerateClustersModes(t *testing.T) {
	// none: each subset in its own basis
	none := enumerateClusters(2, 2, types.BSSENone)
	assert.Len(t, none, 3)
	for _, c := range none {
		assert.Equal(t, c.Fragments, c.Basis)
	}

	// cp: every subset in the full basis
	cp := enumerateClusters(2, 2, types.BSSECP)
	assert.Len(t, cp, 3)
	for _, c := range cp {
		assert.Equal(t, []int{0, 1}, c.Basis)
	}

	// vmfc: each subset in the basis of every superset
	vmfc := enumerateClusters(2, 2, types.BSSEVMFC)
	assert.Len(t, vmfc, 5)
}

func TestExpandNBody(t *testing.T) {
	// a dimer with a small interaction energy
	clusters := []types.ManybodyCluster{
		{Fragments: []int{0}, Basis: []int{0}, Energy: -76.0},
		{Fragments: []int{1}, Basis: []int{1}, Energy: -76.1},
		{Fragments: []int{0, 1}, Basis: []int{0, 1}, Energy: -152.105},
	}
	results := expandNBody(clusters)

	assert.InDelta(t, -152.1, results["energy_1body"], 1e-9)
	assert.InDelta(t, -152.105, results["energy_2body"], 1e-9)
	assert.InDelta(t, -152.105, results["total_energy"], 1e-9)
}

func TestExpandNBodyPrefersLargerBasis(t *testing.T) {
	// cp-style duplicates: the monomer computed in the dimer basis wins
	clusters := []types.ManybodyCluster{
		{Fragments: []int{0}, Basis: []int{0}, Energy: -76.0},
		{Fragments: []int{0}, Basis: []int{0, 1}, Energy: -76.002},
		{Fragments: []int{1}, Basis: []int{0, 1}, Energy: -76.103},
		{Fragments: []int{0, 1}, Basis: []int{0, 1}, Energy: -152.11},
	}
	results := expandNBody(clusters)

	assert.InDelta(t, -152.105, results["energy_1body"], 1e-9)
	assert.InDelta(t, -152.11, results["total_energy"], 1e-9)
}

func TestProperSubsets(t *testing.T) {
	subs := properSubsets([]int{0, 2})
	assert.Len(t, subs, 2)
	assert.Contains(t, subs, []int{0})
	assert.Contains(t, subs, []int{2})

	assert.Empty(t, properSubsets([]int{3}))
}
