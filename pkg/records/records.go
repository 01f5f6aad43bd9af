package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/molforge/fractal/pkg/content"
	"github.com/molforge/fractal/pkg/events"
	"github.com/molforge/fractal/pkg/metrics"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// Store is the record store: one row per (specification, inputs) pair,
// carrying status, history, outputs, and manager attribution
type Store struct {
	db     *storage.BoltStore
	broker *events.Broker
}

// NewStore creates a record store over the given database
func NewStore(db *storage.BoltStore, broker *events.Broker) *Store {
	return &Store{db: db, broker: broker}
}

// DB exposes the underlying store for composed transactions
func (s *Store) DB() *storage.BoltStore {
	return s.db
}

func dedupKey(rt types.RecordType, specID int64, inputKey string) string {
	return fmt.Sprintf("%s|%d|%s", rt, specID, inputKey)
}

// newBaseRecord builds a fresh waiting record with timestamps set
func newBaseRecord(rt types.RecordType, creator string, now time.Time) *types.Record {
	return &types.Record{
		RecordType:  rt,
		Status:      types.StatusWaiting,
		CreatorUser: creator,
		CreatedOn:   now,
		ModifiedOn:  now,
	}
}

// insertRecordTx creates a record with its task or service row inside an
// open transaction. With findExisting, a record with the same dedup key
// is returned instead of creating a new one.
func insertRecordTx(tx *storage.Tx, rec *types.Record, task *types.Task, svc *types.Service, findExisting bool) (int64, types.InsertStatus, error) {
	if findExisting {
		if id, ok := tx.RecordIDByDedup(rec.DedupKey); ok {
			return id, types.Existing, nil
		}
	}

	if err := tx.InsertRecord(rec); err != nil {
		return 0, types.Errored, err
	}
	if err := tx.SetRecordDedup(rec.DedupKey, rec.ID); err != nil {
		return 0, types.Errored, err
	}

	if task != nil {
		task.RecordID = rec.ID
		task.Available = true
		task.CreatedOn = rec.CreatedOn
		if err := tx.InsertTask(task); err != nil {
			return 0, types.Errored, err
		}
	}
	if svc != nil {
		svc.RecordID = rec.ID
		svc.CreatedOn = rec.CreatedOn
		if err := tx.InsertService(svc); err != nil {
			return 0, types.Errored, err
		}
	}

	metrics.RecordsInserted.WithLabelValues(string(rec.RecordType)).Inc()
	return rec.ID, types.Inserted, nil
}

// singlepointTaskTx builds the task payload for a singlepoint record.
// The payload embeds the full specification and molecule so a manager
// needs no further round trips.
func singlepointTaskTx(tx *storage.Tx, spec *types.QCSpecification, molID int64, tag string, priority types.ComputePriority) (*types.Task, error) {
	mol, err := tx.GetMolecule(molID)
	if err != nil {
		return nil, err
	}
	kwargs, err := json.Marshal(map[string]interface{}{
		"specification": spec,
		"molecule":      mol,
	})
	if err != nil {
		return nil, err
	}
	return &types.Task{
		Function:         "qcengine.compute",
		FunctionKwargs:   kwargs,
		RequiredPrograms: map[string]string{spec.Program: ""},
		ComputeTag:       tag,
		ComputePriority:  priority,
	}, nil
}

// optimizationTaskTx builds the task payload for an optimization record
func optimizationTaskTx(tx *storage.Tx, spec *types.OptimizationSpecification, molID int64, tag string, priority types.ComputePriority) (*types.Task, error) {
	mol, err := tx.GetMolecule(molID)
	if err != nil {
		return nil, err
	}
	qcSpec, err := tx.GetQCSpecification(spec.QCSpecificationID)
	if err != nil {
		return nil, err
	}
	kwargs, err := json.Marshal(map[string]interface{}{
		"specification":    spec,
		"qc_specification": qcSpec,
		"initial_molecule": mol,
	})
	if err != nil {
		return nil, err
	}
	return &types.Task{
		Function:       "qcengine.compute_procedure",
		FunctionKwargs: kwargs,
		RequiredPrograms: map[string]string{
			spec.Program:   "",
			qcSpec.Program: "",
		},
		ComputeTag:      tag,
		ComputePriority: priority,
	}, nil
}

// normalizeTag lowercases and trims a compute tag, defaulting to "*"
func normalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		tag = "*"
	}
	return tag
}

// AddSinglepointTx creates (or finds) one singlepoint record inside an
// open transaction. The specification must already be inserted.
func AddSinglepointTx(tx *storage.Tx, specID, moleculeID int64, tag string, priority types.ComputePriority, creator string, findExisting bool) (int64, types.InsertStatus, error) {
	tag = normalizeTag(tag)
	now := time.Now().UTC()

	rec := newBaseRecord(types.RecordSinglepoint, creator, now)
	rec.Singlepoint = &types.SinglepointDetail{SpecificationID: specID, MoleculeID: moleculeID}
	rec.DedupKey = dedupKey(types.RecordSinglepoint, specID, fmt.Sprintf("mol=%d", moleculeID))

	if findExisting {
		if id, ok := tx.RecordIDByDedup(rec.DedupKey); ok {
			return id, types.Existing, nil
		}
	}

	spec, err := tx.GetQCSpecification(specID)
	if err != nil {
		return 0, types.Errored, err
	}
	task, err := singlepointTaskTx(tx, spec, moleculeID, tag, priority)
	if err != nil {
		return 0, types.Errored, err
	}
	return insertRecordTx(tx, rec, task, nil, false)
}

// AddOptimizationTx creates (or finds) one optimization record inside an
// open transaction. The specification must already be inserted.
func AddOptimizationTx(tx *storage.Tx, specID, initialMoleculeID int64, tag string, priority types.ComputePriority, creator string, findExisting bool) (int64, types.InsertStatus, error) {
	tag = normalizeTag(tag)
	now := time.Now().UTC()

	rec := newBaseRecord(types.RecordOptimization, creator, now)
	rec.Optimization = &types.OptimizationDetail{SpecificationID: specID, InitialMoleculeID: initialMoleculeID}
	rec.DedupKey = dedupKey(types.RecordOptimization, specID, fmt.Sprintf("mol=%d", initialMoleculeID))

	if findExisting {
		if id, ok := tx.RecordIDByDedup(rec.DedupKey); ok {
			return id, types.Existing, nil
		}
	}

	spec, err := tx.GetOptimizationSpecification(specID)
	if err != nil {
		return 0, types.Errored, err
	}
	task, err := optimizationTaskTx(tx, spec, initialMoleculeID, tag, priority)
	if err != nil {
		return 0, types.Errored, err
	}
	return insertRecordTx(tx, rec, task, nil, false)
}

// serviceRow builds the service row attached to a fresh service record
func serviceRow(tag string, priority types.ComputePriority, findExisting bool) *types.Service {
	return &types.Service{
		ComputeTag:      normalizeTag(tag),
		ComputePriority: priority,
		FindExisting:    findExisting,
	}
}

// AddSinglepoints submits a batch of singlepoint calculations: one
// specification applied to each input molecule. Molecules may be
// payloads or references by id.
func (s *Store) AddSinglepoints(spec *types.QCSpecification, molecules []*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	if err := spec.Validate(); err != nil {
		return types.InsertMetadata{}, nil, err
	}

	var meta types.InsertMetadata
	ids := make([]int64, len(molecules))

	err := s.db.Update(func(tx *storage.Tx) error {
		specID, _, err := content.InsertQCSpecificationTx(tx, spec)
		if err != nil {
			return err
		}
		for i, mol := range molecules {
			molID, err := resolveMoleculeTx(tx, mol)
			if err != nil {
				meta.MarkError(i, err.Error())
				continue
			}
			id, status, err := AddSinglepointTx(tx, specID, molID, tag, priority, creator, findExisting)
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
	s.publishCreated(ids, meta)
	return meta, ids, nil
}

// AddOptimizations submits a batch of geometry optimizations
func (s *Store) AddOptimizations(spec *types.OptimizationSpecification, molecules []*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	if err := spec.Validate(); err != nil {
		return types.InsertMetadata{}, nil, err
	}

	var meta types.InsertMetadata
	ids := make([]int64, len(molecules))

	err := s.db.Update(func(tx *storage.Tx) error {
		specID, _, err := content.InsertOptimizationSpecificationTx(tx, spec)
		if err != nil {
			return err
		}
		for i, mol := range molecules {
			molID, err := resolveMoleculeTx(tx, mol)
			if err != nil {
				meta.MarkError(i, err.Error())
				continue
			}
			id, status, err := AddOptimizationTx(tx, specID, molID, tag, priority, creator, findExisting)
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
	s.publishCreated(ids, meta)
	return meta, ids, nil
}

// AddTorsiondrives submits a batch of torsion drive services. Each input
// is a set of initial molecules; the set is deduplicated by the sorted
// structural hashes of its members.
func (s *Store) AddTorsiondrives(spec *types.TorsiondriveSpecification, initialMolecules [][]*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	var meta types.InsertMetadata
	ids := make([]int64, len(initialMolecules))

	err := s.db.Update(func(tx *storage.Tx) error {
		specID, _, err := content.InsertTorsiondriveSpecificationTx(tx, spec)
		if err != nil {
			return err
		}
		for i, mols := range initialMolecules {
			if len(mols) == 0 {
				meta.MarkError(i, "torsiondrive requires at least one initial molecule")
				continue
			}
			molIDs, err := resolveMoleculesTx(tx, mols)
			if err != nil {
				meta.MarkError(i, err.Error())
				continue
			}
			sorted := append([]int64(nil), molIDs...)
			sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })

			now := time.Now().UTC()
			rec := newBaseRecord(types.RecordTorsiondrive, creator, now)
			rec.Torsiondrive = &types.TorsiondriveDetail{SpecificationID: specID, InitialMoleculeIDs: molIDs}
			rec.DedupKey = dedupKey(types.RecordTorsiondrive, specID, "mols="+joinIDs(sorted))

			id, status, err := insertServiceRecordTx(tx, rec, tag, priority, findExisting)
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
	s.publishCreated(ids, meta)
	return meta, ids, nil
}

// AddGridoptimizations submits a batch of grid optimization services
func (s *Store) AddGridoptimizations(spec *types.GridoptimizationSpecification, molecules []*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	var meta types.InsertMetadata
	ids := make([]int64, len(molecules))

	err := s.db.Update(func(tx *storage.Tx) error {
		specID, _, err := content.InsertGridoptimizationSpecificationTx(tx, spec)
		if err != nil {
			return err
		}
		for i, mol := range molecules {
			molID, err := resolveMoleculeTx(tx, mol)
			if err != nil {
				meta.MarkError(i, err.Error())
				continue
			}

			now := time.Now().UTC()
			rec := newBaseRecord(types.RecordGridoptimization, creator, now)
			rec.Gridoptimization = &types.GridoptimizationDetail{SpecificationID: specID, InitialMoleculeID: molID}
			rec.DedupKey = dedupKey(types.RecordGridoptimization, specID, fmt.Sprintf("mol=%d", molID))

			id, status, err := insertServiceRecordTx(tx, rec, tag, priority, findExisting)
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
	s.publishCreated(ids, meta)
	return meta, ids, nil
}

// AddManybodys submits a batch of manybody decomposition services. Each
// input molecule must carry at least two fragments.
func (s *Store) AddManybodys(spec *types.ManybodySpecification, molecules []*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	var meta types.InsertMetadata
	ids := make([]int64, len(molecules))

	err := s.db.Update(func(tx *storage.Tx) error {
		specID, _, err := content.InsertManybodySpecificationTx(tx, spec)
		if err != nil {
			return err
		}
		for i, mol := range molecules {
			molID, err := resolveMoleculeTx(tx, mol)
			if err != nil {
				meta.MarkError(i, err.Error())
				continue
			}
			stored, err := tx.GetMolecule(molID)
			if err != nil {
				return err
			}
			if len(stored.Fragments) < 2 {
				meta.MarkError(i, "manybody requires a molecule with at least two fragments")
				continue
			}

			now := time.Now().UTC()
			rec := newBaseRecord(types.RecordManybody, creator, now)
			rec.Manybody = &types.ManybodyDetail{SpecificationID: specID, InitialMoleculeID: molID}
			rec.DedupKey = dedupKey(types.RecordManybody, specID, fmt.Sprintf("mol=%d", molID))

			id, status, err := insertServiceRecordTx(tx, rec, tag, priority, findExisting)
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
	s.publishCreated(ids, meta)
	return meta, ids, nil
}

// ReactionComponentInput is one molecule of a reaction submission with
// its stoichiometric coefficient
type ReactionComponentInput struct {
	Molecule    *types.Molecule
	Coefficient float64
}

// AddReactions submits a batch of reaction services. Each input is a
// stoichiometry: a list of (molecule, coefficient) pairs.
func (s *Store) AddReactions(spec *types.ReactionSpecification, stoichiometries [][]ReactionComponentInput, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	var meta types.InsertMetadata
	ids := make([]int64, len(stoichiometries))

	err := s.db.Update(func(tx *storage.Tx) error {
		specID, _, err := content.InsertReactionSpecificationTx(tx, spec)
		if err != nil {
			return err
		}
		for i, stoich := range stoichiometries {
			if len(stoich) == 0 {
				meta.MarkError(i, "reaction requires at least one component")
				continue
			}
			components := make([]types.ReactionComponent, 0, len(stoich))
			failed := false
			for _, comp := range stoich {
				molID, err := resolveMoleculeTx(tx, comp.Molecule)
				if err != nil {
					meta.MarkError(i, err.Error())
					failed = true
					break
				}
				components = append(components, types.ReactionComponent{
					MoleculeID:  molID,
					Coefficient: comp.Coefficient,
				})
			}
			if failed {
				continue
			}

			// canonical component order for the dedup key
			keyParts := make([]string, len(components))
			sortedComps := append([]types.ReactionComponent(nil), components...)
			sort.Slice(sortedComps, func(a, b int) bool { return sortedComps[a].MoleculeID < sortedComps[b].MoleculeID })
			for j, c := range sortedComps {
				keyParts[j] = fmt.Sprintf("%d:%g", c.MoleculeID, c.Coefficient)
			}

			now := time.Now().UTC()
			rec := newBaseRecord(types.RecordReaction, creator, now)
			rec.Reaction = &types.ReactionDetail{SpecificationID: specID, Components: components}
			rec.DedupKey = dedupKey(types.RecordReaction, specID, "comps="+strings.Join(keyParts, ";"))

			id, status, err := insertServiceRecordTx(tx, rec, tag, priority, findExisting)
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
	s.publishCreated(ids, meta)
	return meta, ids, nil
}

// AddNEBs submits a batch of nudged elastic band services. Each input is
// an ordered chain of molecules.
func (s *Store) AddNEBs(spec *types.NEBSpecification, chains [][]*types.Molecule, tag string, priority types.ComputePriority, creator string, findExisting bool) (types.InsertMetadata, []int64, error) {
	var meta types.InsertMetadata
	ids := make([]int64, len(chains))

	err := s.db.Update(func(tx *storage.Tx) error {
		specID, _, err := content.InsertNEBSpecificationTx(tx, spec)
		if err != nil {
			return err
		}
		for i, chain := range chains {
			if len(chain) < 2 {
				meta.MarkError(i, "neb requires a chain of at least two molecules")
				continue
			}
			molIDs, err := resolveMoleculesTx(tx, chain)
			if err != nil {
				meta.MarkError(i, err.Error())
				continue
			}

			now := time.Now().UTC()
			rec := newBaseRecord(types.RecordNEB, creator, now)
			rec.NEB = &types.NEBDetail{SpecificationID: specID, InitialChainIDs: molIDs}
			rec.DedupKey = dedupKey(types.RecordNEB, specID, "chain="+joinIDs(molIDs))

			id, status, err := insertServiceRecordTx(tx, rec, tag, priority, findExisting)
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
	s.publishCreated(ids, meta)
	return meta, ids, nil
}

func insertServiceRecordTx(tx *storage.Tx, rec *types.Record, tag string, priority types.ComputePriority, findExisting bool) (int64, types.InsertStatus, error) {
	if findExisting {
		if id, ok := tx.RecordIDByDedup(rec.DedupKey); ok {
			return id, types.Existing, nil
		}
	}
	return insertRecordTx(tx, rec, nil, serviceRow(tag, priority, findExisting), false)
}

func (s *Store) publishCreated(ids []int64, meta types.InsertMetadata) {
	if s.broker == nil {
		return
	}
	for _, idx := range meta.InsertedIdx {
		s.broker.Publish(&events.Event{Type: events.EventRecordCreated, RecordID: ids[idx]})
	}
}

// resolveMoleculeTx deduplicates a molecule payload or verifies a
// reference by id
func resolveMoleculeTx(tx *storage.Tx, mol *types.Molecule) (int64, error) {
	if mol == nil {
		return 0, &types.InvalidPayloadError{Msg: "nil molecule"}
	}
	if mol.ID != 0 && len(mol.Symbols) == 0 {
		if _, err := tx.GetMolecule(mol.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return 0, &types.MissingDataError{Kind: "molecule", ID: mol.ID}
			}
			return 0, err
		}
		return mol.ID, nil
	}
	if err := mol.Validate(); err != nil {
		return 0, err
	}
	id, _, err := content.InsertMoleculeTx(tx, mol)
	return id, err
}

func resolveMoleculesTx(tx *storage.Tx, mols []*types.Molecule) ([]int64, error) {
	ids := make([]int64, len(mols))
	for i, mol := range mols {
		id, err := resolveMoleculeTx(tx, mol)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
