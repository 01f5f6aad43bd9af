package records

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/molforge/fractal/pkg/config"
	"github.com/molforge/fractal/pkg/log"
	"github.com/molforge/fractal/pkg/metrics"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// gzip outputs above this size, store smaller ones as-is
const outputCompressThreshold = 4096

// makeOutput wraps raw output bytes into an OutputStore blob
func makeOutput(t types.OutputType, data []byte) types.OutputStore {
	if len(data) <= outputCompressThreshold {
		return types.OutputStore{Type: t, Compression: "none", Data: data}
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return types.OutputStore{Type: t, Compression: "none", Data: data}
	}
	if err := zw.Close(); err != nil {
		return types.OutputStore{Type: t, Compression: "none", Data: data}
	}
	return types.OutputStore{Type: t, Compression: "gzip", Data: buf.Bytes()}
}

// DecodeOutput returns the raw bytes of an output blob
func DecodeOutput(o types.OutputStore) ([]byte, error) {
	if o.Compression != "gzip" {
		return o.Data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(o.Data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// errorTypeOf extracts the error type from a failed history entry
func errorTypeOf(e types.ComputeHistoryEntry) string {
	out, ok := e.Outputs[types.OutputError]
	if !ok {
		return ""
	}
	raw, err := DecodeOutput(out)
	if err != nil {
		return ""
	}
	var ce types.ComputeError
	if err := json.Unmarshal(raw, &ce); err != nil {
		return ""
	}
	return ce.ErrorType
}

// errorAttempts counts failed history entries with the given error type
func errorAttempts(r *types.Record, errorType string) int {
	n := 0
	for _, e := range r.ComputeHistory {
		if e.Status == types.StatusError && errorTypeOf(e) == errorType {
			n++
		}
	}
	return n
}

func conflict(id int64, from types.RecordStatus, op string) error {
	return &types.StateConflictError{RecordID: id, Status: from, Op: op}
}

func transition(r *types.Record, to types.RecordStatus, now time.Time) {
	r.Status = to
	r.ModifiedOn = now
	metrics.RecordTransitions.WithLabelValues(string(to)).Inc()
}

// snapshotTaskTx reads and removes the task row of a leaf record,
// returning a snapshot for later recreation. Service records have no
// task row and return nil.
func snapshotTaskTx(tx *storage.Tx, r *types.Record) (*types.Task, error) {
	task, err := tx.TaskByRecord(r.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := tx.DeleteTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// recreateTaskTx reinserts a task from an InfoBackup snapshot. The
// snapshot keeps its payload and tag but gets a fresh id.
func recreateTaskTx(tx *storage.Tx, r *types.Record, snap *types.Task, available bool) error {
	if snap == nil {
		return nil
	}
	if _, err := tx.TaskByRecord(r.ID); err == nil {
		return nil
	}
	t := *snap
	t.ID = 0
	t.RecordID = r.ID
	t.Available = available
	return tx.InsertTask(&t)
}

// ResetTx moves an errored or running record back to waiting inside an
// open transaction. A running leaf loses its manager and its task
// becomes claimable again.
func ResetTx(tx *storage.Tx, r *types.Record, now time.Time) error {
	switch r.Status {
	case types.StatusError, types.StatusRunning:
	default:
		return conflict(r.ID, r.Status, "reset")
	}

	r.ManagerName = ""
	transition(r, types.StatusWaiting, now)

	if !r.RecordType.IsService() {
		task, err := tx.TaskByRecord(r.ID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		} else {
			task.Available = true
			if err := tx.PutTask(task); err != nil {
				return err
			}
		}
	}
	return tx.PutRecord(r)
}

// Reset moves errored or running records back to waiting
func (s *Store) Reset(ids []int64) (types.DeleteMetadata, error) {
	return s.applyStatusOp(ids, "reset", func(tx *storage.Tx, r *types.Record, now time.Time) error {
		return ResetTx(tx, r, now)
	})
}

// Cancel moves waiting, running, or errored records to cancelled. The
// prior status and task are pushed onto the revert stack.
func (s *Store) Cancel(ids []int64) (types.DeleteMetadata, error) {
	return s.applyStatusOp(ids, "cancel", func(tx *storage.Tx, r *types.Record, now time.Time) error {
		switch r.Status {
		case types.StatusWaiting, types.StatusRunning, types.StatusError:
		default:
			return conflict(r.ID, r.Status, "cancel")
		}
		snap, err := snapshotTaskTx(tx, r)
		if err != nil {
			return err
		}
		r.InfoBackup = append(r.InfoBackup, types.InfoBackup{
			OldStatus:  r.Status,
			NewStatus:  types.StatusCancelled,
			ModifiedOn: now,
			Task:       snap,
		})
		transition(r, types.StatusCancelled, now)
		return tx.PutRecord(r)
	})
}

// Uncancel pops the revert stack of cancelled records, restoring the
// exact prior status and recreating the task where one was removed
func (s *Store) Uncancel(ids []int64) (types.DeleteMetadata, error) {
	return s.applyStatusOp(ids, "uncancel", func(tx *storage.Tx, r *types.Record, now time.Time) error {
		return revertTx(tx, r, types.StatusCancelled, "uncancel", now)
	})
}

// Invalidate moves completed records to invalid. Outputs and history
// are kept untouched.
func (s *Store) Invalidate(ids []int64) (types.DeleteMetadata, error) {
	return s.applyStatusOp(ids, "invalidate", func(tx *storage.Tx, r *types.Record, now time.Time) error {
		if r.Status != types.StatusComplete {
			return conflict(r.ID, r.Status, "invalidate")
		}
		r.InfoBackup = append(r.InfoBackup, types.InfoBackup{
			OldStatus:  r.Status,
			NewStatus:  types.StatusInvalid,
			ModifiedOn: now,
		})
		transition(r, types.StatusInvalid, now)
		return tx.PutRecord(r)
	})
}

// Uninvalidate restores invalidated records to complete
func (s *Store) Uninvalidate(ids []int64) (types.DeleteMetadata, error) {
	return s.applyStatusOp(ids, "uninvalidate", func(tx *storage.Tx, r *types.Record, now time.Time) error {
		return revertTx(tx, r, types.StatusInvalid, "uninvalidate", now)
	})
}

// SoftDelete marks records deleted, removing their tasks but keeping all
// data for undelete. With children, the deletion cascades to child
// records that are not themselves deleted.
func (s *Store) SoftDelete(ids []int64, children bool) (types.DeleteMetadata, error) {
	return s.applyStatusOp(ids, "delete", func(tx *storage.Tx, r *types.Record, now time.Time) error {
		return softDeleteTx(tx, r, children, now)
	})
}

func softDeleteTx(tx *storage.Tx, r *types.Record, children bool, now time.Time) error {
	if r.Status == types.StatusDeleted {
		return conflict(r.ID, r.Status, "delete")
	}
	snap, err := snapshotTaskTx(tx, r)
	if err != nil {
		return err
	}
	r.InfoBackup = append(r.InfoBackup, types.InfoBackup{
		OldStatus:  r.Status,
		NewStatus:  types.StatusDeleted,
		ModifiedOn: now,
		Task:       snap,
	})
	transition(r, types.StatusDeleted, now)
	if err := tx.PutRecord(r); err != nil {
		return err
	}

	if children {
		for _, cid := range r.ChildrenIDs {
			child, err := tx.GetRecord(cid)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			if child.Status == types.StatusDeleted {
				continue
			}
			if err := softDeleteTx(tx, child, children, now); err != nil {
				var sc *types.StateConflictError
				if errors.As(err, &sc) {
					continue
				}
				return err
			}
		}
	}
	return nil
}

// Undelete restores soft-deleted records to their prior status. With
// children, child records deleted by the same cascade are restored too.
func (s *Store) Undelete(ids []int64, children bool) (types.DeleteMetadata, error) {
	return s.applyStatusOp(ids, "undelete", func(tx *storage.Tx, r *types.Record, now time.Time) error {
		return undeleteTx(tx, r, children, now)
	})
}

func undeleteTx(tx *storage.Tx, r *types.Record, children bool, now time.Time) error {
	if err := revertTx(tx, r, types.StatusDeleted, "undelete", now); err != nil {
		return err
	}
	if children {
		for _, cid := range r.ChildrenIDs {
			child, err := tx.GetRecord(cid)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			if child.Status != types.StatusDeleted {
				continue
			}
			if err := undeleteTx(tx, child, children, now); err != nil {
				var sc *types.StateConflictError
				if errors.As(err, &sc) {
					continue
				}
				return err
			}
		}
	}
	return nil
}

// revertTx pops the top InfoBackup frame and restores the prior status.
// The frame must have been pushed by the matching forward operation.
func revertTx(tx *storage.Tx, r *types.Record, from types.RecordStatus, op string, now time.Time) error {
	if r.Status != from {
		return conflict(r.ID, r.Status, op)
	}
	if len(r.InfoBackup) == 0 {
		return &types.StateConflictError{RecordID: r.ID, Status: r.Status, Op: op}
	}
	frame := r.InfoBackup[len(r.InfoBackup)-1]
	r.InfoBackup = r.InfoBackup[:len(r.InfoBackup)-1]

	transition(r, frame.OldStatus, now)

	if !r.RecordType.IsService() {
		available := frame.OldStatus == types.StatusWaiting
		if err := recreateTaskTx(tx, r, frame.Task, available); err != nil {
			return err
		}
	}
	return tx.PutRecord(r)
}

// HardDelete removes records entirely: the record row, its task or
// service row, and its dedup index entry. With children, child records
// are removed too. Hard deletion is irreversible.
func (s *Store) HardDelete(ids []int64, children bool) (types.DeleteMetadata, error) {
	var meta types.DeleteMetadata
	err := s.db.Update(func(tx *storage.Tx) error {
		for i, id := range ids {
			r, err := tx.GetRecord(id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					meta.MissingIdx = append(meta.MissingIdx, i)
					continue
				}
				return err
			}
			if err := hardDeleteTx(tx, r, children); err != nil {
				meta.MarkError(i, err.Error())
				continue
			}
			meta.DeletedIdx = append(meta.DeletedIdx, i)
		}
		return nil
	})
	if err != nil {
		return types.DeleteMetadata{}, err
	}
	return meta, nil
}

func hardDeleteTx(tx *storage.Tx, r *types.Record, children bool) error {
	if task, err := tx.TaskByRecord(r.ID); err == nil {
		if err := tx.DeleteTask(task); err != nil {
			return err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if svc, err := tx.ServiceByRecord(r.ID); err == nil {
		if err := tx.DeleteService(svc); err != nil {
			return err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if r.DedupKey != "" {
		if err := tx.DeleteRecordDedup(r.DedupKey); err != nil {
			return err
		}
	}
	if err := tx.DeleteRecord(r.ID); err != nil {
		return err
	}

	if children {
		for _, cid := range r.ChildrenIDs {
			child, err := tx.GetRecord(cid)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			if err := hardDeleteTx(tx, child, children); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddComment appends a free-form comment to a record
func (s *Store) AddComment(id int64, username, comment string) error {
	return s.db.Update(func(tx *storage.Tx) error {
		r, err := tx.GetRecord(id)
		if err != nil {
			return err
		}
		r.Comments = append(r.Comments, types.RecordComment{
			Username:  username,
			Timestamp: time.Now().UTC(),
			Comment:   comment,
		})
		return tx.PutRecord(r)
	})
}

// applyStatusOp runs one status transition over a batch of ids inside a
// single transaction. Per-id conflicts are collected, not fatal.
func (s *Store) applyStatusOp(ids []int64, op string, fn func(*storage.Tx, *types.Record, time.Time) error) (types.DeleteMetadata, error) {
	var meta types.DeleteMetadata
	now := time.Now().UTC()

	logger := log.WithComponent("records")
	logger.Debug().Str("op", op).Int("count", len(ids)).Msg("applying status operation")

	err := s.db.Update(func(tx *storage.Tx) error {
		for i, id := range ids {
			r, err := tx.GetRecord(id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					meta.MissingIdx = append(meta.MissingIdx, i)
					continue
				}
				return err
			}
			if err := fn(tx, r, now); err != nil {
				var sc *types.StateConflictError
				if errors.As(err, &sc) {
					meta.MarkError(i, err.Error())
					continue
				}
				return err
			}
			meta.DeletedIdx = append(meta.DeletedIdx, i)
		}
		return nil
	})
	if err != nil {
		return types.DeleteMetadata{}, err
	}
	return meta, nil
}

// shouldAutoReset decides whether a freshly failed record goes back to
// waiting instead of error. The failed attempt must already be in the
// compute history.
func shouldAutoReset(r *types.Record, errorType string, policy config.AutoReset) bool {
	if !policy.Enabled {
		return false
	}
	max := policy.MaxAttempts(errorType)
	if max <= 0 {
		return false
	}
	return errorAttempts(r, errorType) < max
}
