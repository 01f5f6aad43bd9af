package types

import "time"

// RecordQueryFilter selects records. Zero-value fields are ignored.
type RecordQueryFilter struct {
	RecordType     []RecordType   `json:"record_type,omitempty"`
	Status         []RecordStatus `json:"status,omitempty"`
	CreatedBefore  *time.Time     `json:"created_before,omitempty"`
	CreatedAfter   *time.Time     `json:"created_after,omitempty"`
	ModifiedBefore *time.Time     `json:"modified_before,omitempty"`
	ModifiedAfter  *time.Time     `json:"modified_after,omitempty"`
	CreatorUser    []string       `json:"creator_user,omitempty"`
	ManagerName    []string       `json:"manager_name,omitempty"`
	ParentID       int64          `json:"parent_id,omitempty"`
	ChildID        int64          `json:"child_id,omitempty"`

	// specification attributes, leaf records only
	Program []string `json:"program,omitempty"`
	Method  []string `json:"method,omitempty"`
	Basis   []string `json:"basis,omitempty"`

	Limit int `json:"limit,omitempty"`
	Skip  int `json:"skip,omitempty"`
}

// ManagerQueryFilter selects compute managers. Zero-value fields are
// ignored.
type ManagerQueryFilter struct {
	Name           []string        `json:"name,omitempty"`
	Cluster        []string        `json:"cluster,omitempty"`
	Hostname       []string        `json:"hostname,omitempty"`
	Status         []ManagerStatus `json:"status,omitempty"`
	ModifiedBefore *time.Time      `json:"modified_before,omitempty"`
	ModifiedAfter  *time.Time      `json:"modified_after,omitempty"`

	Limit int `json:"limit,omitempty"`
	Skip  int `json:"skip,omitempty"`
}

// GetOptions controls projection for record retrieval. Include of nil or
// ["*"] selects the default columns; relationships (compute_history,
// comments, native_files, children) are returned only when named in
// Include and absent from Exclude. The id and record_type fields are
// never omitted.
type GetOptions struct {
	Include   []string `json:"include,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
	MissingOK bool     `json:"missing_ok,omitempty"`
}
