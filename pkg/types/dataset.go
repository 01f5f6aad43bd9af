package types

import "time"

// Dataset is a named collection of entries crossed with specifications.
// Submitting a dataset routes every (entry, specification) pair through
// the record store with find_existing=true so identical work is reused.
type Dataset struct {
	ID              int64             `json:"id"`
	DatasetType     RecordType        `json:"dataset_type"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	DefaultTag      string            `json:"default_tag"`
	DefaultPriority ComputePriority   `json:"default_priority"`
	Extras          map[string]string `json:"extras,omitempty"`
	CreatedOn       time.Time         `json:"created_on"`
	ModifiedOn      time.Time         `json:"modified_on"`
}

// DatasetEntry is one named input of a dataset
type DatasetEntry struct {
	Name       string            `json:"name"`
	Comment    string            `json:"comment,omitempty"`
	MoleculeID int64             `json:"molecule_id"`
	Molecule   *Molecule         `json:"molecule,omitempty"` // inline form, resolved on insert
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DatasetSpecification is one named specification of a dataset. The
// referenced specification table depends on the dataset type.
type DatasetSpecification struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	SpecificationID int64  `json:"specification_id"`
}

// DatasetRecordItem binds one (entry, specification) pair to its record
type DatasetRecordItem struct {
	EntryName         string `json:"entry_name"`
	SpecificationName string `json:"specification_name"`
	RecordID          int64  `json:"record_id"`
}

// DatasetStatus aggregates child record statuses per specification
type DatasetStatus map[string]map[RecordStatus]int
