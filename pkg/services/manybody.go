package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/molforge/fractal/pkg/content"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// mbState marks whether the cluster singlepoints have been spawned
type mbState struct {
	Started bool `json:"started"`
}

// iterateManybodyTx runs one manybody iteration. The first pass
// enumerates fragment clusters per the BSSE mode and spawns one
// singlepoint per cluster; the second pass folds the cluster energies
// into the n-body expansion.
func iterateManybodyTx(tx *storage.Tx, rec *types.Record, svc *types.Service, now time.Time) (bool, error) {
	d := rec.Manybody
	spec, err := tx.GetManybodySpecification(d.SpecificationID)
	if err != nil {
		return false, err
	}

	var state mbState
	started, err := loadState(svc, &state)
	if err != nil {
		return false, err
	}

	if !started {
		mol, err := tx.GetMolecule(d.InitialMoleculeID)
		if err != nil {
			return false, err
		}
		nfrag := len(mol.Fragments)
		if nfrag < 2 {
			return false, fmt.Errorf("molecule %d has %d fragments, manybody needs at least 2", mol.ID, nfrag)
		}
		maxN := spec.Keywords.MaxNBody
		if maxN <= 0 || maxN > nfrag {
			maxN = nfrag
		}

		clusters := enumerateClusters(nfrag, maxN, spec.Keywords.BSSECorrection)
		d.Clusters = make([]types.ManybodyCluster, 0, len(clusters))
		for _, c := range clusters {
			frag := mol.FragmentMolecule(c.Fragments)
			molID, _, err := content.InsertMoleculeTx(tx, frag)
			if err != nil {
				return false, err
			}
			c.MoleculeID = molID
			depID, err := spawnSinglepointTx(tx, rec, svc, spec.SinglepointSpecificationID, molID, map[string]string{
				"fragments": intsKey(c.Fragments),
				"basis":     intsKey(c.Basis),
			})
			if err != nil {
				return false, err
			}
			c.RecordID = depID
			d.Clusters = append(d.Clusters, c)
		}
		state.Started = true
		return false, saveState(svc, &state)
	}

	// fold cluster energies
	for i := range d.Clusters {
		c := &d.Clusters[i]
		child, err := tx.GetRecord(c.RecordID)
		if err != nil {
			return false, err
		}
		energy, err := singlepointEnergy(child)
		if err != nil {
			return false, err
		}
		c.Energy = energy
	}

	d.Results = expandNBody(d.Clusters)
	return true, nil
}

// enumerateClusters lists the fragment clusters to compute. Under no
// correction each subset runs in its own basis; under cp every subset
// runs in the full cluster basis; under vmfc each subset runs in the
// basis of every superset up to the truncation order.
func enumerateClusters(nfrag, maxN int, mode types.BSSEMode) []types.ManybodyCluster {
	full := make([]int, nfrag)
	for i := range full {
		full[i] = i
	}

	var clusters []types.ManybodyCluster
	for _, subset := range subsetsUpTo(nfrag, maxN) {
		switch mode {
		case types.BSSECP:
			clusters = append(clusters, types.ManybodyCluster{Fragments: subset, Basis: full})
		case types.BSSEVMFC:
			for _, basis := range subsetsUpTo(nfrag, maxN) {
				if contains(basis, subset) {
					clusters = append(clusters, types.ManybodyCluster{Fragments: subset, Basis: basis})
				}
			}
		default:
			clusters = append(clusters, types.ManybodyCluster{Fragments: subset, Basis: subset})
		}
	}
	return clusters
}

// subsetsUpTo enumerates the non-empty subsets of {0..n-1} with at most
// maxN members, in deterministic order
func subsetsUpTo(n, maxN int) [][]int {
	var out [][]int
	for mask := 1; mask < 1<<n; mask++ {
		var subset []int
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				subset = append(subset, i)
			}
		}
		if len(subset) <= maxN {
			out = append(out, subset)
		}
	}
	return out
}

func contains(super, sub []int) bool {
	set := make(map[int]bool, len(super))
	for _, v := range super {
		set[v] = true
	}
	for _, v := range sub {
		if !set[v] {
			return false
		}
	}
	return true
}

// expandNBody computes the truncated many-body expansion from cluster
// energies. Interaction energies are built recursively: each subset's
// interaction is its energy minus the interactions of its proper
// subsets. Results hold the cumulative energy at each order plus the
// full total.
func expandNBody(clusters []types.ManybodyCluster) map[string]float64 {
	// prefer larger-basis energies when a subset was computed in more
	// than one basis
	energies := make(map[string]float64, len(clusters))
	basisSize := make(map[string]int, len(clusters))
	var subsets [][]int
	maxOrder := 0
	for _, c := range clusters {
		key := intsKey(c.Fragments)
		if _, seen := basisSize[key]; !seen {
			subsets = append(subsets, c.Fragments)
		}
		if len(c.Basis) >= basisSize[key] {
			energies[key] = c.Energy
			basisSize[key] = len(c.Basis)
		}
		if len(c.Fragments) > maxOrder {
			maxOrder = len(c.Fragments)
		}
	}

	interactions := make(map[string]float64, len(subsets))
	var interaction func(subset []int) float64
	interaction = func(subset []int) float64 {
		key := intsKey(subset)
		if v, ok := interactions[key]; ok {
			return v
		}
		e := energies[key]
		for _, sub := range properSubsets(subset) {
			e -= interaction(sub)
		}
		interactions[key] = e
		return e
	}

	results := make(map[string]float64, maxOrder+1)
	cumulative := 0.0
	for order := 1; order <= maxOrder; order++ {
		for _, subset := range subsets {
			if len(subset) == order {
				cumulative += interaction(subset)
			}
		}
		results[fmt.Sprintf("energy_%dbody", order)] = cumulative
	}
	results["total_energy"] = cumulative
	return results
}

// properSubsets enumerates the non-empty proper subsets of a fragment
// list
func properSubsets(subset []int) [][]int {
	n := len(subset)
	var out [][]int
	for mask := 1; mask < (1<<n)-1; mask++ {
		var sub []int
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				sub = append(sub, subset[i])
			}
		}
		out = append(out, sub)
	}
	return out
}

// singlepointEnergy extracts the scalar energy of a completed
// singlepoint record
func singlepointEnergy(rec *types.Record) (float64, error) {
	if rec.Singlepoint == nil || len(rec.Singlepoint.ReturnResult) == 0 {
		return 0, fmt.Errorf("record %d has no singlepoint result", rec.ID)
	}
	var energy float64
	if err := json.Unmarshal(rec.Singlepoint.ReturnResult, &energy); err != nil {
		return 0, fmt.Errorf("record %d: result is not a scalar energy: %w", rec.ID, err)
	}
	return energy, nil
}

func intsKey(ints []int) string {
	raw, _ := json.Marshal(ints)
	return string(raw)
}
