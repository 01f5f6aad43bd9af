package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// goState is the persisted iteration state of a grid optimization
type goState struct {
	Phase string           `json:"phase"` // "preopt" or "scan"
	Keys  map[string]int64 `json:"keys,omitempty"`
	PreID int64            `json:"preopt_id,omitempty"`
}

// iterateGridoptimizationTx runs one grid optimization iteration. An
// optional preoptimization relaxes the input structure first; the scan
// phase then spawns one constrained optimization per grid combination.
func iterateGridoptimizationTx(tx *storage.Tx, rec *types.Record, svc *types.Service, now time.Time) (bool, error) {
	d := rec.Gridoptimization
	spec, err := tx.GetGridoptimizationSpecification(d.SpecificationID)
	if err != nil {
		return false, err
	}
	optSpec, err := tx.GetOptimizationSpecification(spec.OptimizationSpecificationID)
	if err != nil {
		return false, err
	}

	var state goState
	started, err := loadState(svc, &state)
	if err != nil {
		return false, err
	}

	if !started {
		if spec.Keywords.Preoptimization {
			depID, err := spawnOptimizationTx(tx, rec, svc, optSpec, d.InitialMoleculeID, map[string]string{"grid_key": "preoptimization"})
			if err != nil {
				return false, err
			}
			state.Phase = "preopt"
			state.PreID = depID
			return false, saveState(svc, &state)
		}
		d.StartingMoleculeID = d.InitialMoleculeID
		return spawnScanTx(tx, rec, svc, spec, optSpec, &state)
	}

	if state.Phase == "preopt" {
		pre, err := tx.GetRecord(state.PreID)
		if err != nil {
			return false, err
		}
		if pre.Optimization == nil || pre.Optimization.FinalMoleculeID == 0 {
			return false, fmt.Errorf("preoptimization %d produced no final molecule", state.PreID)
		}
		d.StartingMoleculeID = pre.Optimization.FinalMoleculeID
		return spawnScanTx(tx, rec, svc, spec, optSpec, &state)
	}

	// scan finished
	d.GridOptimizations = make(map[string]int64, len(state.Keys)+1)
	for key, id := range state.Keys {
		d.GridOptimizations[key] = id
	}
	if state.PreID != 0 {
		d.GridOptimizations["preoptimization"] = state.PreID
	}
	return true, nil
}

// spawnScanTx creates one constrained optimization per combination of
// scan steps, all starting from the (possibly preoptimized) structure
func spawnScanTx(tx *storage.Tx, rec *types.Record, svc *types.Service, spec *types.GridoptimizationSpecification, optSpec *types.OptimizationSpecification, state *goState) (bool, error) {
	combos := enumerateScan(spec.Keywords.Scans)
	if len(combos) == 0 {
		return false, fmt.Errorf("grid optimization scan is empty")
	}

	state.Phase = "scan"
	state.Keys = make(map[string]int64, len(combos))
	for _, combo := range combos {
		key := scanKey(combo)
		derived := scanConstrainedSpec(optSpec, spec.Keywords.Scans, combo)
		depID, err := spawnOptimizationTx(tx, rec, svc, derived, rec.Gridoptimization.StartingMoleculeID, map[string]string{"grid_key": key})
		if err != nil {
			return false, err
		}
		state.Keys[key] = depID
	}
	return false, saveState(svc, state)
}

// enumerateScan builds the cartesian product of step indices across all
// scanned coordinates, in lexicographic order
func enumerateScan(scans []types.ScanSpecification) [][]int {
	combos := [][]int{{}}
	for _, scan := range scans {
		if len(scan.Steps) == 0 {
			return nil
		}
		var next [][]int
		for _, c := range combos {
			for i := range scan.Steps {
				cp := append(append([]int(nil), c...), i)
				next = append(next, cp)
			}
		}
		combos = next
	}
	return combos
}

// scanKey renders a step index combination as its canonical JSON form
func scanKey(combo []int) string {
	raw, _ := json.Marshal(combo)
	return string(raw)
}

// scanConstrainedSpec derives the optimization specification for one
// grid combination. Absolute steps constrain the coordinate to the step
// value; relative steps carry the offset for the optimizer to apply
// against the starting structure.
func scanConstrainedSpec(base *types.OptimizationSpecification, scans []types.ScanSpecification, combo []int) *types.OptimizationSpecification {
	derived := *base
	derived.Keywords = make(map[string]interface{}, len(base.Keywords)+1)
	for k, v := range base.Keywords {
		derived.Keywords[k] = v
	}

	set := make([]map[string]interface{}, len(scans))
	for i, scan := range scans {
		set[i] = map[string]interface{}{
			"type":      string(scan.Type),
			"indices":   scan.Indices,
			"value":     scan.Steps[combo[i]],
			"step_type": string(scan.StepType),
		}
	}
	derived.Keywords["constraints"] = map[string]interface{}{"set": set}
	return &derived
}
