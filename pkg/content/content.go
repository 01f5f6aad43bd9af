package content

import (
	"errors"
	"fmt"

	"github.com/molforge/fractal/pkg/hash"
	"github.com/molforge/fractal/pkg/metrics"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// Store is the content-addressed store for molecules, keyword sets and
// specifications. Every distinct canonical hash exists exactly once;
// identical submissions collapse onto the existing row.
type Store struct {
	db *storage.BoltStore
}

// NewStore creates a content store over the given database
func NewStore(db *storage.BoltStore) *Store {
	return &Store{db: db}
}

// InsertMolecules inserts a batch of molecules, deduplicating by
// structural hash. An input with a non-zero ID and no symbols is
// treated as a reference to an already-known molecule: it passes
// through unchanged after an existence check. Results are returned in
// input order; duplicates within the batch share one insertion.
func (s *Store) InsertMolecules(mols []*types.Molecule) (types.InsertMetadata, []int64, error) {
	// schema validation rejects the whole batch before any write
	for _, m := range mols {
		if m == nil {
			return types.InsertMetadata{}, nil, &types.InvalidPayloadError{Msg: "nil molecule"}
		}
		if m.ID == 0 {
			if err := m.Validate(); err != nil {
				return types.InsertMetadata{}, nil, err
			}
		}
	}

	var meta types.InsertMetadata
	ids := make([]int64, len(mols))

	err := s.db.Update(func(tx *storage.Tx) error {
		for i, m := range mols {
			if m.ID != 0 && len(m.Symbols) == 0 {
				// mixed-batch id passthrough
				if _, err := tx.GetMolecule(m.ID); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						meta.MarkError(i, (&types.MissingDataError{Kind: "molecule", ID: m.ID}).Error())
						continue
					}
					return err
				}
				ids[i] = m.ID
				meta.Mark(i, types.Existing)
				continue
			}

			id, status, err := InsertMoleculeTx(tx, m)
			if err != nil {
				return err
			}
			ids[i] = id
			meta.Mark(i, status)
		}
		return nil
	})
	if err != nil {
		return types.InsertMetadata{}, nil, err
	}
	metrics.ContentInserts.WithLabelValues("molecule").Add(float64(meta.NInserted()))
	return meta, ids, nil
}

// InsertMoleculeTx deduplicates one molecule inside an open transaction
func InsertMoleculeTx(tx *storage.Tx, m *types.Molecule) (int64, types.InsertStatus, error) {
	m.Hash = hash.Molecule(m)
	if id, ok := tx.MoleculeIDByHash(m.Hash); ok {
		m.ID = id
		return id, types.Existing, nil
	}
	if err := tx.InsertMolecule(m); err != nil {
		return 0, types.Errored, err
	}
	return m.ID, types.Inserted, nil
}

// InsertKeywords inserts a batch of keyword sets deduplicated by
// canonical hash
func (s *Store) InsertKeywords(sets []*types.KeywordSet) (types.InsertMetadata, []int64, error) {
	for _, k := range sets {
		if k == nil || k.Values == nil {
			return types.InsertMetadata{}, nil, &types.InvalidPayloadError{Msg: "keyword set has no values"}
		}
	}

	var meta types.InsertMetadata
	ids := make([]int64, len(sets))

	err := s.db.Update(func(tx *storage.Tx) error {
		for i, k := range sets {
			id, status, err := InsertKeywordSetTx(tx, k)
			if err != nil {
				return err
			}
			ids[i] = id
			meta.Mark(i, status)
		}
		return nil
	})
	if err != nil {
		return types.InsertMetadata{}, nil, err
	}
	metrics.ContentInserts.WithLabelValues("keywords").Add(float64(meta.NInserted()))
	return meta, ids, nil
}

// InsertKeywordSetTx deduplicates one keyword set inside an open
// transaction
func InsertKeywordSetTx(tx *storage.Tx, k *types.KeywordSet) (int64, types.InsertStatus, error) {
	k.Hash = hash.Keywords(k.Values)
	if id, ok := tx.KeywordSetIDByHash(k.Hash); ok {
		k.ID = id
		return id, types.Existing, nil
	}
	if err := tx.InsertKeywordSet(k); err != nil {
		return 0, types.Errored, err
	}
	return k.ID, types.Inserted, nil
}

// InsertQCSpecifications inserts a batch of leaf specifications
// deduplicated by the full normalized tuple
func (s *Store) InsertQCSpecifications(specs []*types.QCSpecification) (types.InsertMetadata, []int64, error) {
	for _, sp := range specs {
		if sp == nil {
			return types.InsertMetadata{}, nil, &types.InvalidPayloadError{Msg: "nil specification"}
		}
		if err := sp.Validate(); err != nil {
			return types.InsertMetadata{}, nil, err
		}
	}

	var meta types.InsertMetadata
	ids := make([]int64, len(specs))

	err := s.db.Update(func(tx *storage.Tx) error {
		for i, sp := range specs {
			id, status, err := InsertQCSpecificationTx(tx, sp)
			if err != nil {
				return err
			}
			ids[i] = id
			meta.Mark(i, status)
		}
		return nil
	})
	if err != nil {
		return types.InsertMetadata{}, nil, err
	}
	metrics.ContentInserts.WithLabelValues("qc_specification").Add(float64(meta.NInserted()))
	return meta, ids, nil
}

// InsertQCSpecificationTx normalizes, resolves inline keywords to a
// keyword set id, and deduplicates one leaf specification inside an
// open transaction
func InsertQCSpecificationTx(tx *storage.Tx, sp *types.QCSpecification) (int64, types.InsertStatus, error) {
	hash.NormalizeQCSpecification(sp)

	if sp.KeywordsID == 0 && len(sp.Keywords) > 0 {
		kw := &types.KeywordSet{Values: sp.Keywords}
		id, _, err := InsertKeywordSetTx(tx, kw)
		if err != nil {
			return 0, types.Errored, err
		}
		sp.KeywordsID = id
	}

	sp.Hash = hash.QCSpecification(sp)
	if id, ok := tx.SpecificationIDByHash("qc", sp.Hash); ok {
		sp.ID = id
		return id, types.Existing, nil
	}
	if err := tx.InsertQCSpecification(sp); err != nil {
		return 0, types.Errored, err
	}
	return sp.ID, types.Inserted, nil
}

// InsertOptimizationSpecifications inserts a batch of optimization
// specifications, resolving and deduplicating the inner leaf
// specification first
func (s *Store) InsertOptimizationSpecifications(specs []*types.OptimizationSpecification) (types.InsertMetadata, []int64, error) {
	for _, sp := range specs {
		if sp == nil {
			return types.InsertMetadata{}, nil, &types.InvalidPayloadError{Msg: "nil specification"}
		}
		if err := sp.Validate(); err != nil {
			return types.InsertMetadata{}, nil, err
		}
	}

	var meta types.InsertMetadata
	ids := make([]int64, len(specs))

	err := s.db.Update(func(tx *storage.Tx) error {
		for i, sp := range specs {
			id, status, err := InsertOptimizationSpecificationTx(tx, sp)
			if err != nil {
				return err
			}
			ids[i] = id
			meta.Mark(i, status)
		}
		return nil
	})
	if err != nil {
		return types.InsertMetadata{}, nil, err
	}
	metrics.ContentInserts.WithLabelValues("optimization_specification").Add(float64(meta.NInserted()))
	return meta, ids, nil
}

// InsertOptimizationSpecificationTx deduplicates one optimization
// specification inside an open transaction
func InsertOptimizationSpecificationTx(tx *storage.Tx, sp *types.OptimizationSpecification) (int64, types.InsertStatus, error) {
	if sp.QCSpecificationID == 0 {
		if sp.QCSpecification == nil {
			return 0, types.Errored, &types.InvalidPayloadError{Msg: "optimization requires an inner qc specification"}
		}
		id, _, err := InsertQCSpecificationTx(tx, sp.QCSpecification)
		if err != nil {
			return 0, types.Errored, err
		}
		sp.QCSpecificationID = id
	}

	sp.Hash = hash.OptimizationSpecification(sp)
	if id, ok := tx.SpecificationIDByHash("optimization", sp.Hash); ok {
		sp.ID = id
		return id, types.Existing, nil
	}
	if err := tx.InsertOptimizationSpecification(sp); err != nil {
		return 0, types.Errored, err
	}
	return sp.ID, types.Inserted, nil
}

// InsertTorsiondriveSpecificationTx deduplicates one torsion drive
// specification inside an open transaction
func InsertTorsiondriveSpecificationTx(tx *storage.Tx, sp *types.TorsiondriveSpecification) (int64, types.InsertStatus, error) {
	if len(sp.Keywords.Dihedrals) == 0 {
		return 0, types.Errored, &types.InvalidPayloadError{Msg: "torsiondrive requires at least one dihedral"}
	}
	if len(sp.Keywords.GridSpacing) != len(sp.Keywords.Dihedrals) {
		return 0, types.Errored, &types.InvalidPayloadError{Msg: "torsiondrive grid_spacing must match dihedrals"}
	}
	if err := resolveOptSpec(tx, &sp.OptimizationSpecificationID, sp.OptimizationSpecification); err != nil {
		return 0, types.Errored, err
	}

	sp.Hash = hash.CompoundSpecification("torsiondrive", []int64{sp.OptimizationSpecificationID}, sp.Keywords)
	if id, ok := tx.SpecificationIDByHash("torsiondrive", sp.Hash); ok {
		sp.ID = id
		return id, types.Existing, nil
	}
	if err := tx.InsertTorsiondriveSpecification(sp); err != nil {
		return 0, types.Errored, err
	}
	return sp.ID, types.Inserted, nil
}

// InsertGridoptimizationSpecificationTx deduplicates one grid
// optimization specification inside an open transaction
func InsertGridoptimizationSpecificationTx(tx *storage.Tx, sp *types.GridoptimizationSpecification) (int64, types.InsertStatus, error) {
	if len(sp.Keywords.Scans) == 0 {
		return 0, types.Errored, &types.InvalidPayloadError{Msg: "gridoptimization requires at least one scan"}
	}
	for _, scan := range sp.Keywords.Scans {
		if len(scan.Steps) == 0 {
			return 0, types.Errored, &types.InvalidPayloadError{Msg: "gridoptimization scan has no steps"}
		}
		if scan.StepType != types.StepRelative && scan.StepType != types.StepAbsolute {
			return 0, types.Errored, &types.InvalidPayloadError{Msg: fmt.Sprintf("unknown step type %q", scan.StepType)}
		}
	}
	if err := resolveOptSpec(tx, &sp.OptimizationSpecificationID, sp.OptimizationSpecification); err != nil {
		return 0, types.Errored, err
	}

	sp.Hash = hash.CompoundSpecification("gridoptimization", []int64{sp.OptimizationSpecificationID}, sp.Keywords)
	if id, ok := tx.SpecificationIDByHash("gridoptimization", sp.Hash); ok {
		sp.ID = id
		return id, types.Existing, nil
	}
	if err := tx.InsertGridoptimizationSpecification(sp); err != nil {
		return 0, types.Errored, err
	}
	return sp.ID, types.Inserted, nil
}

// InsertManybodySpecificationTx deduplicates one manybody specification
// inside an open transaction
func InsertManybodySpecificationTx(tx *storage.Tx, sp *types.ManybodySpecification) (int64, types.InsertStatus, error) {
	switch sp.Keywords.BSSECorrection {
	case types.BSSENone, types.BSSECP, types.BSSEVMFC:
	default:
		return 0, types.Errored, &types.InvalidPayloadError{Msg: fmt.Sprintf("unknown bsse correction %q", sp.Keywords.BSSECorrection)}
	}
	if err := resolveQCSpec(tx, &sp.SinglepointSpecificationID, sp.SinglepointSpecification); err != nil {
		return 0, types.Errored, err
	}

	sp.Hash = hash.CompoundSpecification("manybody", []int64{sp.SinglepointSpecificationID}, sp.Keywords)
	if id, ok := tx.SpecificationIDByHash("manybody", sp.Hash); ok {
		sp.ID = id
		return id, types.Existing, nil
	}
	if err := tx.InsertManybodySpecification(sp); err != nil {
		return 0, types.Errored, err
	}
	return sp.ID, types.Inserted, nil
}

// InsertReactionSpecificationTx deduplicates one reaction specification
// inside an open transaction. At least one inner specification must be
// present.
func InsertReactionSpecificationTx(tx *storage.Tx, sp *types.ReactionSpecification) (int64, types.InsertStatus, error) {
	if sp.SinglepointSpecification == nil && sp.SinglepointSpecificationID == 0 &&
		sp.OptimizationSpecification == nil && sp.OptimizationSpecificationID == 0 {
		return 0, types.Errored, &types.InvalidPayloadError{Msg: "reaction requires a singlepoint or optimization specification"}
	}
	if sp.SinglepointSpecification != nil || sp.SinglepointSpecificationID != 0 {
		if err := resolveQCSpec(tx, &sp.SinglepointSpecificationID, sp.SinglepointSpecification); err != nil {
			return 0, types.Errored, err
		}
	}
	if sp.OptimizationSpecification != nil || sp.OptimizationSpecificationID != 0 {
		if err := resolveOptSpec(tx, &sp.OptimizationSpecificationID, sp.OptimizationSpecification); err != nil {
			return 0, types.Errored, err
		}
	}

	sp.Hash = hash.CompoundSpecification("reaction",
		[]int64{sp.SinglepointSpecificationID, sp.OptimizationSpecificationID}, sp.Keywords)
	if id, ok := tx.SpecificationIDByHash("reaction", sp.Hash); ok {
		sp.ID = id
		return id, types.Existing, nil
	}
	if err := tx.InsertReactionSpecification(sp); err != nil {
		return 0, types.Errored, err
	}
	return sp.ID, types.Inserted, nil
}

// InsertNEBSpecificationTx deduplicates one NEB specification inside an
// open transaction
func InsertNEBSpecificationTx(tx *storage.Tx, sp *types.NEBSpecification) (int64, types.InsertStatus, error) {
	if err := resolveQCSpec(tx, &sp.SinglepointSpecificationID, sp.SinglepointSpecification); err != nil {
		return 0, types.Errored, err
	}
	if sp.OptimizationSpecification != nil || sp.OptimizationSpecificationID != 0 {
		if err := resolveOptSpec(tx, &sp.OptimizationSpecificationID, sp.OptimizationSpecification); err != nil {
			return 0, types.Errored, err
		}
	}

	sp.Hash = hash.CompoundSpecification("neb",
		[]int64{sp.SinglepointSpecificationID, sp.OptimizationSpecificationID}, sp.Keywords)
	if id, ok := tx.SpecificationIDByHash("neb", sp.Hash); ok {
		sp.ID = id
		return id, types.Existing, nil
	}
	if err := tx.InsertNEBSpecification(sp); err != nil {
		return 0, types.Errored, err
	}
	return sp.ID, types.Inserted, nil
}

func resolveQCSpec(tx *storage.Tx, idSlot *int64, sp *types.QCSpecification) error {
	if *idSlot != 0 {
		if _, err := tx.GetQCSpecification(*idSlot); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return &types.MissingDataError{Kind: "qc_specification", ID: *idSlot}
			}
			return err
		}
		return nil
	}
	if sp == nil {
		return &types.InvalidPayloadError{Msg: "missing inner qc specification"}
	}
	if err := sp.Validate(); err != nil {
		return err
	}
	id, _, err := InsertQCSpecificationTx(tx, sp)
	if err != nil {
		return err
	}
	*idSlot = id
	return nil
}

func resolveOptSpec(tx *storage.Tx, idSlot *int64, sp *types.OptimizationSpecification) error {
	if *idSlot != 0 {
		if _, err := tx.GetOptimizationSpecification(*idSlot); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return &types.MissingDataError{Kind: "optimization_specification", ID: *idSlot}
			}
			return err
		}
		return nil
	}
	if sp == nil {
		return &types.InvalidPayloadError{Msg: "missing optimization specification"}
	}
	if err := sp.Validate(); err != nil {
		return err
	}
	id, _, err := InsertOptimizationSpecificationTx(tx, sp)
	if err != nil {
		return err
	}
	*idSlot = id
	return nil
}

// GetMolecules retrieves molecules by id. With missingOK, unknown ids
// yield nil entries instead of an error.
func (s *Store) GetMolecules(ids []int64, missingOK bool) ([]*types.Molecule, error) {
	out := make([]*types.Molecule, len(ids))
	err := s.db.View(func(tx *storage.Tx) error {
		for i, id := range ids {
			m, err := tx.GetMolecule(id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					if missingOK {
						continue
					}
					return &types.MissingDataError{Kind: "molecule", ID: id}
				}
				return err
			}
			out[i] = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMoleculeIdentifiers replaces the mutable identifiers sub-record
// of a molecule. The structural content and hash never change.
func (s *Store) UpdateMoleculeIdentifiers(id int64, ident types.MoleculeIdentifiers) error {
	return s.db.Update(func(tx *storage.Tx) error {
		m, err := tx.GetMolecule(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return &types.MissingDataError{Kind: "molecule", ID: id}
			}
			return err
		}
		m.Identifiers = ident
		return tx.PutMolecule(m)
	})
}
