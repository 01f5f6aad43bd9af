package types

// InsertStatus is the per-input outcome of a batch insert
type InsertStatus string

const (
	Inserted InsertStatus = "inserted"
	Existing InsertStatus = "existing"
	Errored  InsertStatus = "error"
)

// IndexedError ties an error message to its input position
type IndexedError struct {
	Index int    `json:"index"`
	Msg   string `json:"msg"`
}

// InsertMetadata reports the outcome of a batch insert, indexed by input
// position. Batch operations collect per-item errors here rather than
// failing the whole batch.
type InsertMetadata struct {
	InsertedIdx []int          `json:"inserted_idx"`
	ExistingIdx []int          `json:"existing_idx"`
	ErrorIdx    []int          `json:"error_idx"`
	Errors      []IndexedError `json:"errors,omitempty"`
}

// Mark records the outcome for the input at position idx
func (m *InsertMetadata) Mark(idx int, status InsertStatus) {
	switch status {
	case Inserted:
		m.InsertedIdx = append(m.InsertedIdx, idx)
	case Existing:
		m.ExistingIdx = append(m.ExistingIdx, idx)
	case Errored:
		m.ErrorIdx = append(m.ErrorIdx, idx)
	}
}

// MarkError records a failed input with its message
func (m *InsertMetadata) MarkError(idx int, msg string) {
	m.ErrorIdx = append(m.ErrorIdx, idx)
	m.Errors = append(m.Errors, IndexedError{Index: idx, Msg: msg})
}

// NInserted returns how many inputs created new rows
func (m *InsertMetadata) NInserted() int { return len(m.InsertedIdx) }

// NExisting returns how many inputs matched existing rows
func (m *InsertMetadata) NExisting() int { return len(m.ExistingIdx) }

// NErrors returns how many inputs failed
func (m *InsertMetadata) NErrors() int { return len(m.ErrorIdx) }

// QueryMetadata reports pagination results: NFound counts all matches
// before paging, NReturned the page actually returned
type QueryMetadata struct {
	NFound    int `json:"n_found"`
	NReturned int `json:"n_returned"`
}

// DeleteMetadata reports a batch delete/revert, indexed by input position
type DeleteMetadata struct {
	DeletedIdx []int          `json:"deleted_idx"`
	MissingIdx []int          `json:"missing_idx"`
	ErrorIdx   []int          `json:"error_idx"`
	Errors     []IndexedError `json:"errors,omitempty"`
}

// MarkError records a failed input with its message
func (m *DeleteMetadata) MarkError(idx int, msg string) {
	m.ErrorIdx = append(m.ErrorIdx, idx)
	m.Errors = append(m.Errors, IndexedError{Index: idx, Msg: msg})
}
