// Package datasets manages named collections of inputs crossed with
// named specifications, submitted through the record store so identical
// calculations are shared between datasets.
package datasets

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/molforge/fractal/pkg/content"
	"github.com/molforge/fractal/pkg/log"
	"github.com/molforge/fractal/pkg/records"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// Layer is the dataset layer
type Layer struct {
	db *storage.BoltStore
}

// NewLayer creates a dataset layer over the given database
func NewLayer(db *storage.BoltStore) *Layer {
	return &Layer{db: db}
}

// Create makes a new empty dataset. The (type, name) pair must be
// unused; singlepoint and optimization datasets are supported.
func (l *Layer) Create(dsType types.RecordType, name, description, defaultTag string, defaultPriority types.ComputePriority) (*types.Dataset, error) {
	if dsType != types.RecordSinglepoint && dsType != types.RecordOptimization {
		return nil, &types.InvalidPayloadError{Msg: fmt.Sprintf("unsupported dataset type %q", dsType)}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &types.InvalidPayloadError{Msg: "dataset name is required"}
	}
	if defaultTag == "" {
		defaultTag = "*"
	}

	now := time.Now().UTC()
	ds := &types.Dataset{
		DatasetType:     dsType,
		Name:            name,
		Description:     description,
		DefaultTag:      strings.ToLower(defaultTag),
		DefaultPriority: defaultPriority,
		CreatedOn:       now,
		ModifiedOn:      now,
	}
	err := l.db.Update(func(tx *storage.Tx) error {
		if _, ok := tx.DatasetIDByName(dsType, name); ok {
			return &types.InvalidPayloadError{Msg: fmt.Sprintf("dataset %s/%s already exists", dsType, name)}
		}
		return tx.InsertDataset(ds)
	})
	if err != nil {
		return nil, err
	}
	log.WithComponent("datasets").Info().Str("name", name).Str("type", string(dsType)).Msg("dataset created")
	return ds, nil
}

// Get retrieves a dataset by type and name
func (l *Layer) Get(dsType types.RecordType, name string) (*types.Dataset, error) {
	var ds *types.Dataset
	err := l.db.View(func(tx *storage.Tx) error {
		id, ok := tx.DatasetIDByName(dsType, name)
		if !ok {
			return &types.MissingDataError{Kind: "dataset", ID: 0}
		}
		d, err := tx.GetDataset(id)
		if err != nil {
			return err
		}
		ds = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// AddEntries adds named inputs to a dataset. Inline molecules are
// deduplicated through the content store; an entry whose name already
// exists is reported as existing and left untouched.
func (l *Layer) AddEntries(datasetID int64, entries []types.DatasetEntry) (types.InsertMetadata, error) {
	var meta types.InsertMetadata
	err := l.db.Update(func(tx *storage.Tx) error {
		if _, err := tx.GetDataset(datasetID); err != nil {
			return err
		}
		for i, e := range entries {
			if strings.TrimSpace(e.Name) == "" {
				meta.MarkError(i, "entry name is required")
				continue
			}
			if _, err := tx.GetDatasetEntry(datasetID, e.Name); err == nil {
				meta.Mark(i, types.Existing)
				continue
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}

			if e.MoleculeID == 0 {
				if e.Molecule == nil {
					meta.MarkError(i, "entry requires a molecule")
					continue
				}
				if err := e.Molecule.Validate(); err != nil {
					meta.MarkError(i, err.Error())
					continue
				}
				molID, _, err := content.InsertMoleculeTx(tx, e.Molecule)
				if err != nil {
					return err
				}
				e.MoleculeID = molID
				e.Molecule = nil
			} else if _, err := tx.GetMolecule(e.MoleculeID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					meta.MarkError(i, fmt.Sprintf("molecule %d does not exist", e.MoleculeID))
					continue
				}
				return err
			}

			if err := tx.PutDatasetEntry(datasetID, &e); err != nil {
				return err
			}
			meta.Mark(i, types.Inserted)
		}
		return touchDataset(tx, datasetID)
	})
	if err != nil {
		return types.InsertMetadata{}, err
	}
	return meta, nil
}

// AddSinglepointSpecification attaches a named qc specification to a
// singlepoint dataset
func (l *Layer) AddSinglepointSpecification(datasetID int64, name string, spec *types.QCSpecification) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return l.addSpecification(datasetID, name, types.RecordSinglepoint, func(tx *storage.Tx) (int64, error) {
		id, _, err := content.InsertQCSpecificationTx(tx, spec)
		return id, err
	})
}

// AddOptimizationSpecification attaches a named optimization
// specification to an optimization dataset
func (l *Layer) AddOptimizationSpecification(datasetID int64, name string, spec *types.OptimizationSpecification) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return l.addSpecification(datasetID, name, types.RecordOptimization, func(tx *storage.Tx) (int64, error) {
		id, _, err := content.InsertOptimizationSpecificationTx(tx, spec)
		return id, err
	})
}

func (l *Layer) addSpecification(datasetID int64, name string, wantType types.RecordType, insert func(*storage.Tx) (int64, error)) error {
	if strings.TrimSpace(name) == "" {
		return &types.InvalidPayloadError{Msg: "specification name is required"}
	}
	return l.db.Update(func(tx *storage.Tx) error {
		ds, err := tx.GetDataset(datasetID)
		if err != nil {
			return err
		}
		if ds.DatasetType != wantType {
			return &types.InvalidPayloadError{Msg: fmt.Sprintf(
				"dataset %s is a %s dataset", ds.Name, ds.DatasetType)}
		}
		if _, err := tx.GetDatasetSpecification(datasetID, name); err == nil {
			return &types.InvalidPayloadError{Msg: fmt.Sprintf("specification %q already exists", name)}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		specID, err := insert(tx)
		if err != nil {
			return err
		}
		if err := tx.PutDatasetSpecification(datasetID, &types.DatasetSpecification{
			Name:            name,
			SpecificationID: specID,
		}); err != nil {
			return err
		}
		return touchDataset(tx, datasetID)
	})
}

// Submit creates records for the cross product of the selected entries
// and specifications. Nil selections mean all. Every submission runs
// with find_existing, so shared work resolves to the same record, and
// pairs already bound to a record are skipped.
func (l *Layer) Submit(datasetID int64, entryNames, specNames []string, creator string) (int, error) {
	submitted := 0
	err := l.db.Update(func(tx *storage.Tx) error {
		ds, err := tx.GetDataset(datasetID)
		if err != nil {
			return err
		}
		entries, err := selectEntries(tx, datasetID, entryNames)
		if err != nil {
			return err
		}
		specs, err := selectSpecifications(tx, datasetID, specNames)
		if err != nil {
			return err
		}

		for _, spec := range specs {
			for _, entry := range entries {
				if _, err := tx.GetDatasetRecordItem(datasetID, entry.Name, spec.Name); err == nil {
					continue
				} else if !errors.Is(err, storage.ErrNotFound) {
					return err
				}

				var recID int64
				switch ds.DatasetType {
				case types.RecordSinglepoint:
					recID, _, err = records.AddSinglepointTx(tx, spec.SpecificationID, entry.MoleculeID, ds.DefaultTag, ds.DefaultPriority, creator, true)
				case types.RecordOptimization:
					recID, _, err = records.AddOptimizationTx(tx, spec.SpecificationID, entry.MoleculeID, ds.DefaultTag, ds.DefaultPriority, creator, true)
				default:
					err = &types.InvalidPayloadError{Msg: fmt.Sprintf("unsupported dataset type %q", ds.DatasetType)}
				}
				if err != nil {
					return err
				}

				if err := tx.PutDatasetRecordItem(datasetID, &types.DatasetRecordItem{
					EntryName:         entry.Name,
					SpecificationName: spec.Name,
					RecordID:          recID,
				}); err != nil {
					return err
				}
				submitted++
			}
		}
		return touchDataset(tx, datasetID)
	})
	if err != nil {
		return 0, err
	}
	log.WithComponent("datasets").Info().Int64("dataset_id", datasetID).Int("submitted", submitted).Msg("dataset submitted")
	return submitted, nil
}

// Status aggregates the record statuses of a dataset per specification
func (l *Layer) Status(datasetID int64) (types.DatasetStatus, error) {
	status := types.DatasetStatus{}
	err := l.db.View(func(tx *storage.Tx) error {
		return tx.ForEachDatasetRecordItem(datasetID, func(item *types.DatasetRecordItem) error {
			rec, err := tx.GetRecord(item.RecordID)
			if err != nil {
				return err
			}
			if status[item.SpecificationName] == nil {
				status[item.SpecificationName] = map[types.RecordStatus]int{}
			}
			status[item.SpecificationName][rec.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// FetchedRecord is one (entry, specification, record) row of a dataset
type FetchedRecord struct {
	EntryName         string        `json:"entry_name"`
	SpecificationName string        `json:"specification_name"`
	Record            *types.Record `json:"record"`
}

// FetchRecords returns the records of the selected pairs. Nil
// selections mean all.
func (l *Layer) FetchRecords(datasetID int64, entryNames, specNames []string) ([]FetchedRecord, error) {
	entryFilter := nameSet(entryNames)
	specFilter := nameSet(specNames)

	var out []FetchedRecord
	err := l.db.View(func(tx *storage.Tx) error {
		return tx.ForEachDatasetRecordItem(datasetID, func(item *types.DatasetRecordItem) error {
			if entryFilter != nil && !entryFilter[item.EntryName] {
				return nil
			}
			if specFilter != nil && !specFilter[item.SpecificationName] {
				return nil
			}
			rec, err := tx.GetRecord(item.RecordID)
			if err != nil {
				return err
			}
			out = append(out, FetchedRecord{
				EntryName:         item.EntryName,
				SpecificationName: item.SpecificationName,
				Record:            rec,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SeedFromOptimizations fills a singlepoint dataset with the final
// structures of a completed optimization dataset. Entries keep the
// source entry names; pairs without a completed optimization are
// skipped.
func (l *Layer) SeedFromOptimizations(srcDatasetID, dstDatasetID int64) (int, error) {
	seeded := 0
	err := l.db.Update(func(tx *storage.Tx) error {
		src, err := tx.GetDataset(srcDatasetID)
		if err != nil {
			return err
		}
		dst, err := tx.GetDataset(dstDatasetID)
		if err != nil {
			return err
		}
		if src.DatasetType != types.RecordOptimization || dst.DatasetType != types.RecordSinglepoint {
			return &types.InvalidPayloadError{Msg: "seeding requires an optimization source and a singlepoint destination"}
		}

		return tx.ForEachDatasetRecordItem(srcDatasetID, func(item *types.DatasetRecordItem) error {
			rec, err := tx.GetRecord(item.RecordID)
			if err != nil {
				return err
			}
			if rec.Status != types.StatusComplete || rec.Optimization == nil || rec.Optimization.FinalMoleculeID == 0 {
				return nil
			}
			name := fmt.Sprintf("%s/%s", item.EntryName, item.SpecificationName)
			if _, err := tx.GetDatasetEntry(dstDatasetID, name); err == nil {
				return nil
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if err := tx.PutDatasetEntry(dstDatasetID, &types.DatasetEntry{
				Name:       name,
				Comment:    fmt.Sprintf("final structure of record %d", rec.ID),
				MoleculeID: rec.Optimization.FinalMoleculeID,
			}); err != nil {
				return err
			}
			seeded++
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return seeded, nil
}

func selectEntries(tx *storage.Tx, datasetID int64, names []string) ([]*types.DatasetEntry, error) {
	if names != nil {
		out := make([]*types.DatasetEntry, 0, len(names))
		for _, name := range names {
			e, err := tx.GetDatasetEntry(datasetID, name)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil, &types.InvalidPayloadError{Msg: fmt.Sprintf("unknown entry %q", name)}
				}
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}
	var out []*types.DatasetEntry
	err := tx.ForEachDatasetEntry(datasetID, func(e *types.DatasetEntry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

func selectSpecifications(tx *storage.Tx, datasetID int64, names []string) ([]*types.DatasetSpecification, error) {
	if names != nil {
		out := make([]*types.DatasetSpecification, 0, len(names))
		for _, name := range names {
			s, err := tx.GetDatasetSpecification(datasetID, name)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil, &types.InvalidPayloadError{Msg: fmt.Sprintf("unknown specification %q", name)}
				}
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	var out []*types.DatasetSpecification
	err := tx.ForEachDatasetSpecification(datasetID, func(s *types.DatasetSpecification) error {
		out = append(out, s)
		return nil
	})
	return out, err
}

func nameSet(names []string) map[string]bool {
	if names == nil {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func touchDataset(tx *storage.Tx, datasetID int64) error {
	ds, err := tx.GetDataset(datasetID)
	if err != nil {
		return err
	}
	ds.ModifiedOn = time.Now().UTC()
	return tx.PutDataset(ds)
}
