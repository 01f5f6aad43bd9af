package coordinator

import (
	"github.com/molforge/fractal/pkg/records"
	"github.com/molforge/fractal/pkg/types"
)

// The submitter API is the contract offered to clients that create and
// inspect work. Batch sizes are bounded by the configured api limits.

// AddMolecules deduplicates a batch of molecules
func (c *Coordinator) AddMolecules(mols []*types.Molecule) (types.InsertMetadata, []int64, error) {
	if err := checkLimit("add_molecules", len(mols), c.cfg.APILimits.AddRecords); err != nil {
		return types.InsertMetadata{}, nil, err
	}
	return c.Content.InsertMolecules(mols)
}

// AddSinglepoints submits singlepoint calculations
func (c *Coordinator) AddSinglepoints(spec *types.QCSpecification, mols []*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	if err := checkLimit("add_singlepoints", len(mols), c.cfg.APILimits.AddRecords); err != nil {
		return types.InsertMetadata{}, nil, err
	}
	return c.Records.AddSinglepoints(spec, mols, tag, priority, creator, findExisting)
}

// AddOptimizations submits geometry optimizations
func (c *Coordinator) AddOptimizations(spec *types.OptimizationSpecification, mols []*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	if err := checkLimit("add_optimizations", len(mols), c.cfg.APILimits.AddRecords); err != nil {
		return types.InsertMetadata{}, nil, err
	}
	return c.Records.AddOptimizations(spec, mols, tag, priority, creator, findExisting)
}

// AddTorsiondrives submits torsion drive services
func (c *Coordinator) AddTorsiondrives(spec *types.TorsiondriveSpecification, mols [][]*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	if err := checkLimit("add_torsiondrives", len(mols), c.cfg.APILimits.AddRecords); err != nil {
		return types.InsertMetadata{}, nil, err
	}
	return c.Records.AddTorsiondrives(spec, mols, tag, priority, creator, findExisting)
}

// AddGridoptimizations submits grid optimization services
func (c *Coordinator) AddGridoptimizations(spec *types.GridoptimizationSpecification, mols []*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	if err := checkLimit("add_gridoptimizations", len(mols), c.cfg.APILimits.AddRecords); err != nil {
		return types.InsertMetadata{}, nil, err
	}
	return c.Records.AddGridoptimizations(spec, mols, tag, priority, creator, findExisting)
}

// AddManybodys submits manybody decomposition services
func (c *Coordinator) AddManybodys(spec *types.ManybodySpecification, mols []*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	if err := checkLimit("add_manybodys", len(mols), c.cfg.APILimits.AddRecords); err != nil {
		return types.InsertMetadata{}, nil, err
	}
	return c.Records.AddManybodys(spec, mols, tag, priority, creator, findExisting)
}

// AddReactions submits reaction services
func (c *Coordinator) AddReactions(spec *types.ReactionSpecification, stoichiometries [][]records.ReactionComponentInput, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	if err := checkLimit("add_reactions", len(stoichiometries), c.cfg.APILimits.AddRecords); err != nil {
		return types.InsertMetadata{}, nil, err
	}
	return c.Records.AddReactions(spec, stoichiometries, tag, priority, creator, findExisting)
}

// AddNEBs submits nudged elastic band services
func (c *Coordinator) AddNEBs(spec *types.NEBSpecification, chains [][]*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	if err := checkLimit("add_nebs", len(chains), c.cfg.APILimits.AddRecords); err != nil {
		return types.InsertMetadata{}, nil, err
	}
	return c.Records.AddNEBs(spec, chains, tag, priority, creator, findExisting)
}

// GetRecords retrieves records by id with projection
func (c *Coordinator) GetRecords(ids []int64, opts types.GetOptions) ([]*types.Record, error) {
	if err := checkLimit("get_records", len(ids), c.cfg.APILimits.GetRecords); err != nil {
		return nil, err
	}
	return c.Records.Get(ids, opts)
}

// QueryRecords searches records with pagination. The page size is
// capped by the get limit.
func (c *Coordinator) QueryRecords(filter types.RecordQueryFilter) ([]*types.Record, types.QueryMetadata, error) {
	if filter.Limit <= 0 || filter.Limit > c.cfg.APILimits.GetRecords {
		filter.Limit = c.cfg.APILimits.GetRecords
	}
	return c.Records.Query(filter)
}

// ResetRecords moves errored or running records back to waiting
func (c *Coordinator) ResetRecords(ids []int64) (types.DeleteMetadata, error) {
	return c.Records.Reset(ids)
}

// CancelRecords cancels records
func (c *Coordinator) CancelRecords(ids []int64) (types.DeleteMetadata, error) {
	return c.Records.Cancel(ids)
}

// UncancelRecords restores cancelled records
func (c *Coordinator) UncancelRecords(ids []int64) (types.DeleteMetadata, error) {
	return c.Records.Uncancel(ids)
}

// InvalidateRecords marks completed records invalid
func (c *Coordinator) InvalidateRecords(ids []int64) (types.DeleteMetadata, error) {
	return c.Records.Invalidate(ids)
}

// UninvalidateRecords restores invalidated records
func (c *Coordinator) UninvalidateRecords(ids []int64) (types.DeleteMetadata, error) {
	return c.Records.Uninvalidate(ids)
}

// DeleteRecords soft deletes records, optionally cascading to children
func (c *Coordinator) DeleteRecords(ids []int64, children bool) (types.DeleteMetadata, error) {
	return c.Records.SoftDelete(ids, children)
}

// UndeleteRecords restores soft-deleted records
func (c *Coordinator) UndeleteRecords(ids []int64, children bool) (types.DeleteMetadata, error) {
	return c.Records.Undelete(ids, children)
}

// PurgeRecords removes records permanently
func (c *Coordinator) PurgeRecords(ids []int64, children bool) (types.DeleteMetadata, error) {
	return c.Records.HardDelete(ids, children)
}
