package services

import (
	"fmt"
	"strconv"
	"time"

	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// rxState is the persisted iteration state of a reaction
type rxState struct {
	Phase string `json:"phase"` // "opt" or "sp"
}

// iterateReactionTx runs one reaction iteration. With an optimization
// specification the components are relaxed first; singlepoints then run
// on the relaxed (or initial) structures, and the total energy is the
// stoichiometric sum of the component energies.
func iterateReactionTx(tx *storage.Tx, rec *types.Record, svc *types.Service, now time.Time) (bool, error) {
	d := rec.Reaction
	spec, err := tx.GetReactionSpecification(d.SpecificationID)
	if err != nil {
		return false, err
	}

	var state rxState
	started, err := loadState(svc, &state)
	if err != nil {
		return false, err
	}

	if !started {
		if spec.OptimizationSpecificationID != 0 {
			optSpec, err := tx.GetOptimizationSpecification(spec.OptimizationSpecificationID)
			if err != nil {
				return false, err
			}
			for i := range d.Components {
				c := &d.Components[i]
				depID, err := spawnOptimizationTx(tx, rec, svc, optSpec, c.MoleculeID, map[string]string{"component": strconv.Itoa(i)})
				if err != nil {
					return false, err
				}
				c.OptimizationID = depID
			}
			state.Phase = "opt"
			return false, saveState(svc, &state)
		}
		if err := spawnComponentSinglepointsTx(tx, rec, svc, spec, false); err != nil {
			return false, err
		}
		state.Phase = "sp"
		return false, saveState(svc, &state)
	}

	if state.Phase == "opt" {
		if spec.SinglepointSpecificationID != 0 {
			if err := spawnComponentSinglepointsTx(tx, rec, svc, spec, true); err != nil {
				return false, err
			}
			state.Phase = "sp"
			return false, saveState(svc, &state)
		}
		// optimization energies are the final result
		for i := range d.Components {
			c := &d.Components[i]
			child, err := tx.GetRecord(c.OptimizationID)
			if err != nil {
				return false, err
			}
			if child.Optimization == nil || len(child.Optimization.Energies) == 0 {
				return false, fmt.Errorf("optimization %d produced no energy", c.OptimizationID)
			}
			c.Energy = child.Optimization.FinalEnergy()
		}
		return true, sumReaction(d)
	}

	// singlepoint phase finished
	for i := range d.Components {
		c := &d.Components[i]
		child, err := tx.GetRecord(c.SinglepointID)
		if err != nil {
			return false, err
		}
		energy, err := singlepointEnergy(child)
		if err != nil {
			return false, err
		}
		c.Energy = energy
	}
	return true, sumReaction(d)
}

// spawnComponentSinglepointsTx creates the singlepoint dependencies for
// every component, on the optimized structures when fromOpt is set
func spawnComponentSinglepointsTx(tx *storage.Tx, rec *types.Record, svc *types.Service, spec *types.ReactionSpecification, fromOpt bool) error {
	d := rec.Reaction
	for i := range d.Components {
		c := &d.Components[i]
		molID := c.MoleculeID
		if fromOpt {
			opt, err := tx.GetRecord(c.OptimizationID)
			if err != nil {
				return err
			}
			if opt.Optimization == nil || opt.Optimization.FinalMoleculeID == 0 {
				return fmt.Errorf("optimization %d produced no final molecule", c.OptimizationID)
			}
			molID = opt.Optimization.FinalMoleculeID
		}
		depID, err := spawnSinglepointTx(tx, rec, svc, spec.SinglepointSpecificationID, molID, map[string]string{"component": strconv.Itoa(i)})
		if err != nil {
			return err
		}
		c.SinglepointID = depID
	}
	return nil
}

func sumReaction(d *types.ReactionDetail) error {
	total := 0.0
	for _, c := range d.Components {
		total += c.Coefficient * c.Energy
	}
	d.TotalEnergy = total
	return nil
}
