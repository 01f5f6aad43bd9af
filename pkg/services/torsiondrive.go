package services

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// tdState is the persisted iteration state of a torsion drive. GridKeys
// maps each grid point to the candidate optimization records computed
// for it.
type tdState struct {
	GridKeys map[string][]int64 `json:"grid_keys"`
}

// iterateTorsiondriveTx runs one torsion drive iteration. The first
// pass spawns one constrained optimization per (grid point, starting
// molecule); the second pass, once every optimization finished, keeps
// the lowest-energy optimization per grid point.
func iterateTorsiondriveTx(tx *storage.Tx, rec *types.Record, svc *types.Service, now time.Time) (bool, error) {
	d := rec.Torsiondrive
	spec, err := tx.GetTorsiondriveSpecification(d.SpecificationID)
	if err != nil {
		return false, err
	}

	var state tdState
	started, err := loadState(svc, &state)
	if err != nil {
		return false, err
	}

	if !started {
		optSpec, err := tx.GetOptimizationSpecification(spec.OptimizationSpecificationID)
		if err != nil {
			return false, err
		}

		points := enumerateGrid(spec.Keywords)
		if len(points) == 0 {
			return false, fmt.Errorf("torsion drive grid is empty")
		}

		// spawn starting structures in structural-hash order so the
		// dependency layout is stable across submissions
		initial := append([]int64(nil), d.InitialMoleculeIDs...)
		hashes := make(map[int64]string, len(initial))
		for _, molID := range initial {
			m, err := tx.GetMolecule(molID)
			if err != nil {
				return false, err
			}
			hashes[molID] = m.Hash
		}
		sort.Slice(initial, func(i, j int) bool { return hashes[initial[i]] < hashes[initial[j]] })

		state.GridKeys = make(map[string][]int64, len(points))
		for _, angles := range points {
			key := gridKey(angles)
			derived := constrainedOptSpec(optSpec, spec.Keywords.Dihedrals, angles)
			for _, molID := range initial {
				depID, err := spawnOptimizationTx(tx, rec, svc, derived, molID, map[string]string{"grid_key": key})
				if err != nil {
					return false, err
				}
				state.GridKeys[key] = append(state.GridKeys[key], depID)
			}
		}
		return false, saveState(svc, &state)
	}

	// every candidate optimization is complete; keep the minimum per
	// grid point
	d.MinimumOptimizations = make(map[string]int64, len(state.GridKeys))
	for key, ids := range state.GridKeys {
		best := int64(0)
		bestEnergy := math.Inf(1)
		for _, id := range ids {
			child, err := tx.GetRecord(id)
			if err != nil {
				return false, err
			}
			if child.Optimization == nil {
				continue
			}
			e := child.Optimization.FinalEnergy()
			if best == 0 || e < bestEnergy {
				best = id
				bestEnergy = e
			}
		}
		if best == 0 {
			return false, fmt.Errorf("grid point %s has no usable optimization", key)
		}
		d.MinimumOptimizations[key] = best
	}
	return true, nil
}

// enumerateGrid builds every dihedral angle combination of the sweep.
// Each dihedral contributes the angles in (-180, 180] stepped by its
// grid spacing, clipped to its range when one is given.
func enumerateGrid(kw types.TorsiondriveKeywords) [][]int {
	perDihedral := make([][]int, len(kw.Dihedrals))
	for i := range kw.Dihedrals {
		spacing := kw.GridSpacing[0]
		if i < len(kw.GridSpacing) {
			spacing = kw.GridSpacing[i]
		}
		if spacing <= 0 {
			return nil
		}
		lo, hi := -180, 180
		if i < len(kw.DihedralRanges) {
			lo, hi = kw.DihedralRanges[i][0], kw.DihedralRanges[i][1]
		}
		var angles []int
		for a := -180 + spacing; a <= 180; a += spacing {
			if a < lo || a > hi {
				continue
			}
			angles = append(angles, a)
		}
		perDihedral[i] = angles
	}

	points := [][]int{{}}
	for _, angles := range perDihedral {
		var next [][]int
		for _, p := range points {
			for _, a := range angles {
				cp := append(append([]int(nil), p...), a)
				next = append(next, cp)
			}
		}
		points = next
	}
	return points
}

// gridKey renders a grid point as its canonical JSON angle list
func gridKey(angles []int) string {
	raw, _ := json.Marshal(angles)
	return string(raw)
}

// constrainedOptSpec derives the optimization specification for one
// grid point by freezing each driven dihedral at its target angle
func constrainedOptSpec(base *types.OptimizationSpecification, dihedrals [][4]int, angles []int) *types.OptimizationSpecification {
	derived := *base
	derived.Keywords = make(map[string]interface{}, len(base.Keywords)+1)
	for k, v := range base.Keywords {
		derived.Keywords[k] = v
	}

	set := make([]map[string]interface{}, len(dihedrals))
	for i, dih := range dihedrals {
		set[i] = map[string]interface{}{
			"type":    "dihedral",
			"indices": []int{dih[0], dih[1], dih[2], dih[3]},
			"value":   angles[i],
		}
	}
	derived.Keywords["constraints"] = map[string]interface{}{"set": set}
	return &derived
}
