package services

import (
	"fmt"
	"time"

	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// nebState is the persisted iteration state of a nudged elastic band
type nebState struct {
	Phase    string  `json:"phase"` // "chain" or "ts"
	ChainIDs []int64 `json:"chain_ids,omitempty"`
	TSOptID  int64   `json:"ts_opt_id,omitempty"`
	EndIDs   []int64 `json:"end_ids,omitempty"`
}

// iterateNEBTx runs one band iteration. The chain phase computes a
// singlepoint per image; the image with the highest energy becomes the
// transition state guess, optionally refined by an optimization along
// with the chain endpoints.
func iterateNEBTx(tx *storage.Tx, rec *types.Record, svc *types.Service, now time.Time) (bool, error) {
	d := rec.NEB
	spec, err := tx.GetNEBSpecification(d.SpecificationID)
	if err != nil {
		return false, err
	}

	var state nebState
	started, err := loadState(svc, &state)
	if err != nil {
		return false, err
	}

	if !started {
		state.Phase = "chain"
		state.ChainIDs = make([]int64, 0, len(d.InitialChainIDs))
		for i, molID := range d.InitialChainIDs {
			depID, err := spawnSinglepointTx(tx, rec, svc, spec.SinglepointSpecificationID, molID, map[string]string{
				"image": fmt.Sprintf("%d", i),
			})
			if err != nil {
				return false, err
			}
			state.ChainIDs = append(state.ChainIDs, depID)
		}
		return false, saveState(svc, &state)
	}

	if state.Phase == "chain" {
		d.ChainEnergies = make([]float64, len(state.ChainIDs))
		highest := 0
		for i, id := range state.ChainIDs {
			child, err := tx.GetRecord(id)
			if err != nil {
				return false, err
			}
			energy, err := singlepointEnergy(child)
			if err != nil {
				return false, err
			}
			d.ChainEnergies[i] = energy
			if energy > d.ChainEnergies[highest] {
				highest = i
			}
		}
		d.TSGuessMoleculeID = d.InitialChainIDs[highest]

		needOpt := (spec.Keywords.OptimizeTS || spec.Keywords.OptimizeEndpoints) && spec.OptimizationSpecificationID != 0
		if !needOpt {
			return true, nil
		}

		optSpec, err := tx.GetOptimizationSpecification(spec.OptimizationSpecificationID)
		if err != nil {
			return false, err
		}
		if spec.Keywords.OptimizeTS {
			depID, err := spawnOptimizationTx(tx, rec, svc, optSpec, d.TSGuessMoleculeID, map[string]string{"role": "transition_state"})
			if err != nil {
				return false, err
			}
			state.TSOptID = depID
		}
		if spec.Keywords.OptimizeEndpoints {
			for _, molID := range []int64{d.InitialChainIDs[0], d.InitialChainIDs[len(d.InitialChainIDs)-1]} {
				depID, err := spawnOptimizationTx(tx, rec, svc, optSpec, molID, map[string]string{"role": "endpoint"})
				if err != nil {
					return false, err
				}
				state.EndIDs = append(state.EndIDs, depID)
			}
		}
		state.Phase = "ts"
		return false, saveState(svc, &state)
	}

	// refinement phase finished
	d.TSOptimizationID = state.TSOptID
	d.EndpointRecordIDs = state.EndIDs
	return true, nil
}
