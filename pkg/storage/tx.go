package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/molforge/fractal/pkg/types"
)

// ErrNotFound is returned by Get* accessors when the row does not exist
var ErrNotFound = errors.New("not found")

// Tx wraps a bolt transaction with typed accessors for every table.
// Component packages compose their operations against a Tx so that an
// entire operation commits or rolls back atomically.
type Tx struct {
	btx *bolt.Tx
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// keyJoin builds composite index keys with a separator that cannot
// appear in names
func keyJoin(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte{0x1f})
}

func (tx *Tx) putJSON(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucket).Put(key, data)
}

func (tx *Tx) getJSON(bucket, key []byte, out interface{}) error {
	data := tx.btx.Bucket(bucket).Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (tx *Tx) nextID(bucket []byte) (int64, error) {
	seq, err := tx.btx.Bucket(bucket).NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

func (tx *Tx) idxGet(bucket []byte, key []byte) (int64, bool) {
	data := tx.btx.Bucket(bucket).Get(key)
	if data == nil {
		return 0, false
	}
	return btoi(data), true
}

// --- Molecules ---

// InsertMolecule assigns a fresh id, writes the row and the unique hash
// index. The molecule hash must already be computed.
func (tx *Tx) InsertMolecule(m *types.Molecule) error {
	id, err := tx.nextID(bucketMolecules)
	if err != nil {
		return err
	}
	m.ID = id
	if err := tx.putJSON(bucketMolecules, itob(id), m); err != nil {
		return err
	}
	return tx.btx.Bucket(idxMoleculeHash).Put([]byte(m.Hash), itob(id))
}

// PutMolecule rewrites an existing molecule row. Only the mutable
// identifiers sub-record may legally change.
func (tx *Tx) PutMolecule(m *types.Molecule) error {
	return tx.putJSON(bucketMolecules, itob(m.ID), m)
}

// GetMolecule retrieves a molecule by id
func (tx *Tx) GetMolecule(id int64) (*types.Molecule, error) {
	var m types.Molecule
	if err := tx.getJSON(bucketMolecules, itob(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MoleculeIDByHash looks up the unique molecule with the given
// structural hash
func (tx *Tx) MoleculeIDByHash(hash string) (int64, bool) {
	return tx.idxGet(idxMoleculeHash, []byte(hash))
}

// --- Keyword sets ---

// InsertKeywordSet assigns a fresh id and writes the row and hash index
func (tx *Tx) InsertKeywordSet(k *types.KeywordSet) error {
	id, err := tx.nextID(bucketKeywords)
	if err != nil {
		return err
	}
	k.ID = id
	if err := tx.putJSON(bucketKeywords, itob(id), k); err != nil {
		return err
	}
	return tx.btx.Bucket(idxKeywordHash).Put([]byte(k.Hash), itob(id))
}

// GetKeywordSet retrieves a keyword set by id
func (tx *Tx) GetKeywordSet(id int64) (*types.KeywordSet, error) {
	var k types.KeywordSet
	if err := tx.getJSON(bucketKeywords, itob(id), &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// KeywordSetIDByHash looks up the unique keyword set with the given hash
func (tx *Tx) KeywordSetIDByHash(hash string) (int64, bool) {
	return tx.idxGet(idxKeywordHash, []byte(hash))
}

// --- Specifications ---

func specHashKey(kind, hash string) []byte {
	return []byte(kind + "|" + hash)
}

// SpecificationIDByHash looks up a specification of the given kind by
// its canonical hash
func (tx *Tx) SpecificationIDByHash(kind, hash string) (int64, bool) {
	return tx.idxGet(idxSpecHash, specHashKey(kind, hash))
}

func (tx *Tx) insertSpec(bucket []byte, kind, hash string, assignID func(int64), v interface{}) error {
	id, err := tx.nextID(bucket)
	if err != nil {
		return err
	}
	assignID(id)
	if err := tx.putJSON(bucket, itob(id), v); err != nil {
		return err
	}
	return tx.btx.Bucket(idxSpecHash).Put(specHashKey(kind, hash), itob(id))
}

// InsertQCSpecification assigns a fresh id and indexes the hash
func (tx *Tx) InsertQCSpecification(s *types.QCSpecification) error {
	return tx.insertSpec(bucketQCSpecs, "qc", s.Hash, func(id int64) { s.ID = id }, s)
}

// GetQCSpecification retrieves a leaf specification by id
func (tx *Tx) GetQCSpecification(id int64) (*types.QCSpecification, error) {
	var s types.QCSpecification
	if err := tx.getJSON(bucketQCSpecs, itob(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertOptimizationSpecification assigns a fresh id and indexes the hash
func (tx *Tx) InsertOptimizationSpecification(s *types.OptimizationSpecification) error {
	return tx.insertSpec(bucketOptSpecs, "optimization", s.Hash, func(id int64) { s.ID = id }, s)
}

// GetOptimizationSpecification retrieves an optimization specification by id
func (tx *Tx) GetOptimizationSpecification(id int64) (*types.OptimizationSpecification, error) {
	var s types.OptimizationSpecification
	if err := tx.getJSON(bucketOptSpecs, itob(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertTorsiondriveSpecification assigns a fresh id and indexes the hash
func (tx *Tx) InsertTorsiondriveSpecification(s *types.TorsiondriveSpecification) error {
	return tx.insertSpec(bucketTorsiondriveSpec, "torsiondrive", s.Hash, func(id int64) { s.ID = id }, s)
}

// GetTorsiondriveSpecification retrieves a torsion drive specification by id
func (tx *Tx) GetTorsiondriveSpecification(id int64) (*types.TorsiondriveSpecification, error) {
	var s types.TorsiondriveSpecification
	if err := tx.getJSON(bucketTorsiondriveSpec, itob(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertGridoptimizationSpecification assigns a fresh id and indexes the hash
func (tx *Tx) InsertGridoptimizationSpecification(s *types.GridoptimizationSpecification) error {
	return tx.insertSpec(bucketGridoptSpec, "gridoptimization", s.Hash, func(id int64) { s.ID = id }, s)
}

// GetGridoptimizationSpecification retrieves a grid optimization specification by id
func (tx *Tx) GetGridoptimizationSpecification(id int64) (*types.GridoptimizationSpecification, error) {
	var s types.GridoptimizationSpecification
	if err := tx.getJSON(bucketGridoptSpec, itob(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertManybodySpecification assigns a fresh id and indexes the hash
func (tx *Tx) InsertManybodySpecification(s *types.ManybodySpecification) error {
	return tx.insertSpec(bucketManybodySpec, "manybody", s.Hash, func(id int64) { s.ID = id }, s)
}

// GetManybodySpecification retrieves a manybody specification by id
func (tx *Tx) GetManybodySpecification(id int64) (*types.ManybodySpecification, error) {
	var s types.ManybodySpecification
	if err := tx.getJSON(bucketManybodySpec, itob(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertReactionSpecification assigns a fresh id and indexes the hash
func (tx *Tx) InsertReactionSpecification(s *types.ReactionSpecification) error {
	return tx.insertSpec(bucketReactionSpec, "reaction", s.Hash, func(id int64) { s.ID = id }, s)
}

// GetReactionSpecification retrieves a reaction specification by id
func (tx *Tx) GetReactionSpecification(id int64) (*types.ReactionSpecification, error) {
	var s types.ReactionSpecification
	if err := tx.getJSON(bucketReactionSpec, itob(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertNEBSpecification assigns a fresh id and indexes the hash
func (tx *Tx) InsertNEBSpecification(s *types.NEBSpecification) error {
	return tx.insertSpec(bucketNEBSpec, "neb", s.Hash, func(id int64) { s.ID = id }, s)
}

// GetNEBSpecification retrieves an NEB specification by id
func (tx *Tx) GetNEBSpecification(id int64) (*types.NEBSpecification, error) {
	var s types.NEBSpecification
	if err := tx.getJSON(bucketNEBSpec, itob(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// --- Records ---

// InsertRecord assigns a fresh id and writes the row. The caller
// registers the dedup key separately via SetRecordDedup.
func (tx *Tx) InsertRecord(r *types.Record) error {
	id, err := tx.nextID(bucketRecords)
	if err != nil {
		return err
	}
	r.ID = id
	return tx.putJSON(bucketRecords, itob(id), r)
}

// PutRecord rewrites an existing record row
func (tx *Tx) PutRecord(r *types.Record) error {
	return tx.putJSON(bucketRecords, itob(r.ID), r)
}

// GetRecord retrieves a record by id
func (tx *Tx) GetRecord(id int64) (*types.Record, error) {
	var r types.Record
	if err := tx.getJSON(bucketRecords, itob(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteRecord removes a record row entirely (hard delete)
func (tx *Tx) DeleteRecord(id int64) error {
	return tx.btx.Bucket(bucketRecords).Delete(itob(id))
}

// RecordIDByDedup looks up an existing record by its dedup key
func (tx *Tx) RecordIDByDedup(key string) (int64, bool) {
	return tx.idxGet(idxRecordDedup, []byte(key))
}

// SetRecordDedup registers the dedup key of a record
func (tx *Tx) SetRecordDedup(key string, id int64) error {
	return tx.btx.Bucket(idxRecordDedup).Put([]byte(key), itob(id))
}

// DeleteRecordDedup removes a dedup key (hard delete only)
func (tx *Tx) DeleteRecordDedup(key string) error {
	return tx.btx.Bucket(idxRecordDedup).Delete([]byte(key))
}

// ForEachRecord iterates all records in ascending id order
func (tx *Tx) ForEachRecord(fn func(*types.Record) error) error {
	return tx.btx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
		var r types.Record
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		return fn(&r)
	})
}

// --- Tasks ---

// InsertTask assigns a fresh id, writes the row and the record index.
// One task per record: inserting a second task for the same record is a
// programming error and is rejected.
func (tx *Tx) InsertTask(t *types.Task) error {
	if _, ok := tx.idxGet(idxTaskRecord, itob(t.RecordID)); ok {
		return fmt.Errorf("record %d already has a task", t.RecordID)
	}
	id, err := tx.nextID(bucketTasks)
	if err != nil {
		return err
	}
	t.ID = id
	if err := tx.putJSON(bucketTasks, itob(id), t); err != nil {
		return err
	}
	return tx.btx.Bucket(idxTaskRecord).Put(itob(t.RecordID), itob(id))
}

// PutTask rewrites an existing task row
func (tx *Tx) PutTask(t *types.Task) error {
	return tx.putJSON(bucketTasks, itob(t.ID), t)
}

// GetTask retrieves a task by id
func (tx *Tx) GetTask(id int64) (*types.Task, error) {
	var t types.Task
	if err := tx.getJSON(bucketTasks, itob(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskByRecord retrieves the task attached to a record
func (tx *Tx) TaskByRecord(recordID int64) (*types.Task, error) {
	id, ok := tx.idxGet(idxTaskRecord, itob(recordID))
	if !ok {
		return nil, ErrNotFound
	}
	return tx.GetTask(id)
}

// DeleteTask removes a task row and its record index
func (tx *Tx) DeleteTask(t *types.Task) error {
	if err := tx.btx.Bucket(bucketTasks).Delete(itob(t.ID)); err != nil {
		return err
	}
	return tx.btx.Bucket(idxTaskRecord).Delete(itob(t.RecordID))
}

// ForEachTask iterates all tasks in ascending id order, which is also
// creation order
func (tx *Tx) ForEachTask(fn func(*types.Task) error) error {
	return tx.btx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
		var t types.Task
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		return fn(&t)
	})
}

// --- Services ---

// InsertService assigns a fresh id, writes the row and the record index
func (tx *Tx) InsertService(s *types.Service) error {
	if _, ok := tx.idxGet(idxServiceRec, itob(s.RecordID)); ok {
		return fmt.Errorf("record %d already has a service", s.RecordID)
	}
	id, err := tx.nextID(bucketServices)
	if err != nil {
		return err
	}
	s.ID = id
	if err := tx.putJSON(bucketServices, itob(id), s); err != nil {
		return err
	}
	return tx.btx.Bucket(idxServiceRec).Put(itob(s.RecordID), itob(id))
}

// PutService rewrites an existing service row
func (tx *Tx) PutService(s *types.Service) error {
	return tx.putJSON(bucketServices, itob(s.ID), s)
}

// GetService retrieves a service by id
func (tx *Tx) GetService(id int64) (*types.Service, error) {
	var s types.Service
	if err := tx.getJSON(bucketServices, itob(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ServiceByRecord retrieves the service row attached to a record
func (tx *Tx) ServiceByRecord(recordID int64) (*types.Service, error) {
	id, ok := tx.idxGet(idxServiceRec, itob(recordID))
	if !ok {
		return nil, ErrNotFound
	}
	return tx.GetService(id)
}

// DeleteService removes a service row and its record index
func (tx *Tx) DeleteService(s *types.Service) error {
	if err := tx.btx.Bucket(bucketServices).Delete(itob(s.ID)); err != nil {
		return err
	}
	return tx.btx.Bucket(idxServiceRec).Delete(itob(s.RecordID))
}

// ForEachService iterates all service rows in ascending id order
func (tx *Tx) ForEachService(fn func(*types.Service) error) error {
	return tx.btx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
		var s types.Service
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		return fn(&s)
	})
}

// --- Compute managers ---

// InsertManager assigns a fresh id and indexes the unique name
func (tx *Tx) InsertManager(m *types.ComputeManager) error {
	if _, ok := tx.idxGet(idxManagerName, []byte(m.Name)); ok {
		return fmt.Errorf("manager %s already exists", m.Name)
	}
	id, err := tx.nextID(bucketManagers)
	if err != nil {
		return err
	}
	m.ID = id
	if err := tx.putJSON(bucketManagers, itob(id), m); err != nil {
		return err
	}
	return tx.btx.Bucket(idxManagerName).Put([]byte(m.Name), itob(id))
}

// PutManager rewrites an existing manager row
func (tx *Tx) PutManager(m *types.ComputeManager) error {
	return tx.putJSON(bucketManagers, itob(m.ID), m)
}

// GetManagerByName retrieves a manager by its unique name
func (tx *Tx) GetManagerByName(name string) (*types.ComputeManager, error) {
	id, ok := tx.idxGet(idxManagerName, []byte(name))
	if !ok {
		return nil, ErrNotFound
	}
	var m types.ComputeManager
	if err := tx.getJSON(bucketManagers, itob(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ForEachManager iterates all managers in ascending id order
func (tx *Tx) ForEachManager(fn func(*types.ComputeManager) error) error {
	return tx.btx.Bucket(bucketManagers).ForEach(func(k, v []byte) error {
		var m types.ComputeManager
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		return fn(&m)
	})
}

// --- Datasets ---

func datasetNameKey(dsType types.RecordType, name string) []byte {
	return keyJoin([]byte(dsType), []byte(name))
}

// InsertDataset assigns a fresh id and indexes (type, name)
func (tx *Tx) InsertDataset(ds *types.Dataset) error {
	if _, ok := tx.idxGet(idxDatasetName, datasetNameKey(ds.DatasetType, ds.Name)); ok {
		return fmt.Errorf("dataset %s/%s already exists", ds.DatasetType, ds.Name)
	}
	id, err := tx.nextID(bucketDatasets)
	if err != nil {
		return err
	}
	ds.ID = id
	if err := tx.putJSON(bucketDatasets, itob(id), ds); err != nil {
		return err
	}
	return tx.btx.Bucket(idxDatasetName).Put(datasetNameKey(ds.DatasetType, ds.Name), itob(id))
}

// PutDataset rewrites an existing dataset row
func (tx *Tx) PutDataset(ds *types.Dataset) error {
	return tx.putJSON(bucketDatasets, itob(ds.ID), ds)
}

// GetDataset retrieves a dataset by id
func (tx *Tx) GetDataset(id int64) (*types.Dataset, error) {
	var ds types.Dataset
	if err := tx.getJSON(bucketDatasets, itob(id), &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// DatasetIDByName looks up a dataset by type and name
func (tx *Tx) DatasetIDByName(dsType types.RecordType, name string) (int64, bool) {
	return tx.idxGet(idxDatasetName, datasetNameKey(dsType, name))
}

// PutDatasetEntry writes one dataset entry keyed by (dataset, name)
func (tx *Tx) PutDatasetEntry(datasetID int64, e *types.DatasetEntry) error {
	return tx.putJSON(bucketDatasetEntries, keyJoin(itob(datasetID), []byte(e.Name)), e)
}

// GetDatasetEntry retrieves one entry of a dataset
func (tx *Tx) GetDatasetEntry(datasetID int64, name string) (*types.DatasetEntry, error) {
	var e types.DatasetEntry
	if err := tx.getJSON(bucketDatasetEntries, keyJoin(itob(datasetID), []byte(name)), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ForEachDatasetEntry iterates the entries of one dataset in name order
func (tx *Tx) ForEachDatasetEntry(datasetID int64, fn func(*types.DatasetEntry) error) error {
	return tx.forEachPrefixed(bucketDatasetEntries, itob(datasetID), func(v []byte) error {
		var e types.DatasetEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		return fn(&e)
	})
}

// PutDatasetSpecification writes one dataset specification keyed by
// (dataset, name)
func (tx *Tx) PutDatasetSpecification(datasetID int64, s *types.DatasetSpecification) error {
	return tx.putJSON(bucketDatasetSpecs, keyJoin(itob(datasetID), []byte(s.Name)), s)
}

// GetDatasetSpecification retrieves one specification of a dataset
func (tx *Tx) GetDatasetSpecification(datasetID int64, name string) (*types.DatasetSpecification, error) {
	var s types.DatasetSpecification
	if err := tx.getJSON(bucketDatasetSpecs, keyJoin(itob(datasetID), []byte(name)), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ForEachDatasetSpecification iterates the specifications of one dataset
func (tx *Tx) ForEachDatasetSpecification(datasetID int64, fn func(*types.DatasetSpecification) error) error {
	return tx.forEachPrefixed(bucketDatasetSpecs, itob(datasetID), func(v []byte) error {
		var s types.DatasetSpecification
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		return fn(&s)
	})
}

// PutDatasetRecordItem binds one (entry, specification) pair to a record
func (tx *Tx) PutDatasetRecordItem(datasetID int64, item *types.DatasetRecordItem) error {
	key := keyJoin(itob(datasetID), []byte(item.EntryName), []byte(item.SpecificationName))
	return tx.putJSON(bucketDatasetRecords, key, item)
}

// GetDatasetRecordItem retrieves the record binding of one pair
func (tx *Tx) GetDatasetRecordItem(datasetID int64, entry, spec string) (*types.DatasetRecordItem, error) {
	var item types.DatasetRecordItem
	key := keyJoin(itob(datasetID), []byte(entry), []byte(spec))
	if err := tx.getJSON(bucketDatasetRecords, key, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ForEachDatasetRecordItem iterates the record bindings of one dataset
func (tx *Tx) ForEachDatasetRecordItem(datasetID int64, fn func(*types.DatasetRecordItem) error) error {
	return tx.forEachPrefixed(bucketDatasetRecords, itob(datasetID), func(v []byte) error {
		var item types.DatasetRecordItem
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		return fn(&item)
	})
}

func (tx *Tx) forEachPrefixed(bucket, prefix []byte, fn func(v []byte) error) error {
	c := tx.btx.Bucket(bucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal jobs ---

// InsertInternalJob assigns a fresh id; jobs with a unique name exist at
// most once in a non-terminal state and re-inserting one is a no-op
// returning the existing id
func (tx *Tx) InsertInternalJob(j *types.InternalJob) (int64, error) {
	if j.UniqueName != "" {
		if id, ok := tx.idxGet(idxJobUnique, []byte(j.UniqueName)); ok {
			return id, nil
		}
	}
	id, err := tx.nextID(bucketInternalJobs)
	if err != nil {
		return 0, err
	}
	j.ID = id
	if err := tx.putJSON(bucketInternalJobs, itob(id), j); err != nil {
		return 0, err
	}
	if j.UniqueName != "" {
		if err := tx.btx.Bucket(idxJobUnique).Put([]byte(j.UniqueName), itob(id)); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// PutInternalJob rewrites an existing job row, releasing the unique-name
// slot when the job reaches a terminal state
func (tx *Tx) PutInternalJob(j *types.InternalJob) error {
	if err := tx.putJSON(bucketInternalJobs, itob(j.ID), j); err != nil {
		return err
	}
	if j.UniqueName != "" {
		switch j.Status {
		case types.JobComplete, types.JobError, types.JobCancelled:
			return tx.btx.Bucket(idxJobUnique).Delete([]byte(j.UniqueName))
		}
	}
	return nil
}

// GetInternalJob retrieves a job by id
func (tx *Tx) GetInternalJob(id int64) (*types.InternalJob, error) {
	var j types.InternalJob
	if err := tx.getJSON(bucketInternalJobs, itob(id), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ForEachInternalJob iterates all jobs in ascending id order
func (tx *Tx) ForEachInternalJob(fn func(*types.InternalJob) error) error {
	return tx.btx.Bucket(bucketInternalJobs).ForEach(func(k, v []byte) error {
		var j types.InternalJob
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		return fn(&j)
	})
}
