package types

import "fmt"

// InvalidPayloadError rejects a malformed submission. No state change
// occurs and the whole batch is refused.
type InvalidPayloadError struct {
	Msg string
}

func (e *InvalidPayloadError) Error() string {
	return "invalid payload: " + e.Msg
}

// LimitExceededError rejects a request that exceeds a configured api
// limit
type LimitExceededError struct {
	Op        string
	Limit     int
	Requested int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s: requested %d exceeds limit of %d", e.Op, e.Requested, e.Limit)
}

// MissingDataError reports a referenced id that does not exist
type MissingDataError struct {
	Kind string
	ID   int64
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("%s %d does not exist", e.Kind, e.ID)
}

// StateConflictError reports an operation the record state machine does
// not permit
type StateConflictError struct {
	RecordID int64
	Status   RecordStatus
	Op       string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("record %d: cannot %s while %s", e.RecordID, e.Op, e.Status)
}

// ManagerError reports a compute manager violating its contract. When
// Shutdown is set, the manager must terminate itself.
type ManagerError struct {
	Name     string
	Msg      string
	Shutdown bool
}

func (e *ManagerError) Error() string {
	return fmt.Sprintf("manager %s: %s", e.Name, e.Msg)
}
