package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Entity buckets
	bucketMolecules        = []byte("molecules")
	bucketKeywords         = []byte("keyword_sets")
	bucketQCSpecs          = []byte("qc_specifications")
	bucketOptSpecs         = []byte("optimization_specifications")
	bucketTorsiondriveSpec = []byte("torsiondrive_specifications")
	bucketGridoptSpec      = []byte("gridoptimization_specifications")
	bucketManybodySpec     = []byte("manybody_specifications")
	bucketReactionSpec     = []byte("reaction_specifications")
	bucketNEBSpec          = []byte("neb_specifications")
	bucketRecords          = []byte("base_records")
	bucketTasks            = []byte("task_queue")
	bucketServices         = []byte("service_queue")
	bucketManagers         = []byte("compute_managers")
	bucketDatasets         = []byte("datasets")
	bucketDatasetEntries   = []byte("dataset_entries")
	bucketDatasetSpecs     = []byte("dataset_specifications")
	bucketDatasetRecords   = []byte("dataset_records")
	bucketInternalJobs     = []byte("internal_jobs")

	// Index buckets. Hash indexes are unique and immutable.
	idxMoleculeHash = []byte("idx_molecule_hash")
	idxKeywordHash  = []byte("idx_keyword_hash")
	idxSpecHash     = []byte("idx_specification_hash") // "<kind>|<hash>" -> id
	idxRecordDedup  = []byte("idx_record_dedup")       // "<type>|<spec>|<key>" -> id
	idxTaskRecord   = []byte("idx_task_record")
	idxServiceRec   = []byte("idx_service_record")
	idxManagerName  = []byte("idx_manager_name")
	idxDatasetName  = []byte("idx_dataset_name") // "<type>|<name>" -> id
	idxJobUnique    = []byte("idx_job_unique")
)

// BoltStore is the BoltDB-backed persistent store. A single bbolt file
// holds every table; bbolt's single-writer update transactions give
// multi-row operations their atomicity, so a claim can never hand the
// same task to two managers.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fractal.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketMolecules,
			bucketKeywords,
			bucketQCSpecs,
			bucketOptSpecs,
			bucketTorsiondriveSpec,
			bucketGridoptSpec,
			bucketManybodySpec,
			bucketReactionSpec,
			bucketNEBSpec,
			bucketRecords,
			bucketTasks,
			bucketServices,
			bucketManagers,
			bucketDatasets,
			bucketDatasetEntries,
			bucketDatasetSpecs,
			bucketDatasetRecords,
			bucketInternalJobs,
			idxMoleculeHash,
			idxKeywordHash,
			idxSpecHash,
			idxRecordDedup,
			idxTaskRecord,
			idxServiceRec,
			idxManagerName,
			idxDatasetName,
			idxJobUnique,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Update runs fn inside a single writable transaction. All multi-row
// modifications of the core run through here so they commit or roll
// back as a unit.
func (s *BoltStore) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn inside a read-only transaction
func (s *BoltStore) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
