package records

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/molforge/fractal/pkg/config"
	"github.com/molforge/fractal/pkg/events"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// historyEntry builds one compute history frame from a result envelope
func historyEntry(status types.RecordStatus, managerName string, env *types.ResultEnvelope, now time.Time) types.ComputeHistoryEntry {
	e := types.ComputeHistoryEntry{
		Status:      status,
		ManagerName: managerName,
		ModifiedOn:  now,
		Provenance:  env.Provenance,
		Outputs:     map[types.OutputType]types.OutputStore{},
	}
	if env.Stdout != "" {
		e.Outputs[types.OutputStdout] = makeOutput(types.OutputStdout, []byte(env.Stdout))
	}
	if env.Stderr != "" {
		e.Outputs[types.OutputStderr] = makeOutput(types.OutputStderr, []byte(env.Stderr))
	}
	if env.Error != nil {
		raw, err := json.Marshal(env.Error)
		if err == nil {
			e.Outputs[types.OutputError] = makeOutput(types.OutputError, raw)
		}
	}
	if len(e.Outputs) == 0 {
		e.Outputs = nil
	}
	return e
}

// finalizeHistory folds the outcome of an attempt into the running
// history entry that claim opened. A record completed outside the claim
// path has no open entry, and a fresh one is appended instead.
func finalizeHistory(r *types.Record, status types.RecordStatus, managerName string, env *types.ResultEnvelope, now time.Time) {
	e := historyEntry(status, managerName, env, now)
	if n := len(r.ComputeHistory); n > 0 {
		last := &r.ComputeHistory[n-1]
		if last.Status == types.StatusRunning && last.ManagerName == managerName {
			*last = e
			return
		}
	}
	r.ComputeHistory = append(r.ComputeHistory, e)
}

// CompleteTx folds a successful result into a leaf record inside an
// open transaction: the open history entry is finalized, per-type
// outputs are stored, the task row is removed, and the record moves to
// complete.
func CompleteTx(tx *storage.Tx, r *types.Record, managerName string, env *types.ResultEnvelope, now time.Time) error {
	finalizeHistory(r, types.StatusComplete, managerName, env, now)
	r.ManagerName = managerName

	switch r.RecordType {
	case types.RecordSinglepoint:
		foldSinglepoint(r, env)
	case types.RecordOptimization:
		if err := foldOptimizationTx(tx, r, env, now); err != nil {
			return err
		}
	default:
		return fmt.Errorf("record %d: type %s does not complete through the task queue", r.ID, r.RecordType)
	}

	task, err := tx.TaskByRecord(r.ID)
	if err == nil {
		if err := tx.DeleteTask(task); err != nil {
			return err
		}
	}

	transition(r, types.StatusComplete, now)
	return tx.PutRecord(r)
}

func foldSinglepoint(r *types.Record, env *types.ResultEnvelope) {
	d := r.Singlepoint
	d.ReturnResult = env.ReturnResult
	d.Properties = env.Properties
	d.Wavefunction = env.Wavefunction
	foldNativeFiles(r, env)
}

func foldNativeFiles(r *types.Record, env *types.ResultEnvelope) {
	if len(env.NativeFiles) == 0 {
		return
	}
	names := make([]string, 0, len(env.NativeFiles))
	for name := range env.NativeFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out := makeOutput(types.OutputStdout, env.NativeFiles[name])
		r.NativeFiles = append(r.NativeFiles, types.NativeFile{
			Name:        name,
			Compression: out.Compression,
			Data:        out.Data,
		})
	}
}

// foldOptimizationTx stores the final molecule and energies and ingests
// the trajectory: each step becomes a completed child singlepoint
// record under the optimization's inner qc specification, deduplicated
// against existing records.
func foldOptimizationTx(tx *storage.Tx, r *types.Record, env *types.ResultEnvelope, now time.Time) error {
	d := r.Optimization
	d.Energies = env.Energies

	if env.FinalMolecule != nil {
		molID, err := resolveMoleculeTx(tx, env.FinalMolecule)
		if err != nil {
			return err
		}
		d.FinalMoleculeID = molID
	}

	if len(env.Trajectory) == 0 {
		return nil
	}

	spec, err := tx.GetOptimizationSpecification(d.SpecificationID)
	if err != nil {
		return err
	}

	d.TrajectoryIDs = make([]int64, 0, len(env.Trajectory))
	for _, step := range env.Trajectory {
		molID, err := resolveMoleculeTx(tx, step.Molecule)
		if err != nil {
			return err
		}
		childID, err := insertCompletedSinglepointTx(tx, spec.QCSpecificationID, molID, step.Energy, step.Properties, r.CreatorUser, now)
		if err != nil {
			return err
		}
		d.TrajectoryIDs = append(d.TrajectoryIDs, childID)
		r.ChildrenIDs = appendUnique(r.ChildrenIDs, childID)
	}
	return nil
}

// insertCompletedSinglepointTx creates a singlepoint record that is
// born complete, with its energy as the return result and no task row.
// An existing record with the same identity is reused.
func insertCompletedSinglepointTx(tx *storage.Tx, specID, moleculeID int64, energy float64, properties map[string]float64, creator string, now time.Time) (int64, error) {
	key := dedupKey(types.RecordSinglepoint, specID, fmt.Sprintf("mol=%d", moleculeID))
	if id, ok := tx.RecordIDByDedup(key); ok {
		return id, nil
	}

	ret, err := json.Marshal(energy)
	if err != nil {
		return 0, err
	}

	rec := newBaseRecord(types.RecordSinglepoint, creator, now)
	rec.Status = types.StatusComplete
	rec.Singlepoint = &types.SinglepointDetail{
		SpecificationID: specID,
		MoleculeID:      moleculeID,
		ReturnResult:    ret,
		Properties:      properties,
	}
	rec.DedupKey = key

	id, _, err := insertRecordTx(tx, rec, nil, nil, false)
	return id, err
}

// FailTx folds a failed result into a leaf record inside an open
// transaction. The attempt is recorded either way; the record moves to
// error, or back to waiting when the auto-reset policy still has budget
// for this error type.
func FailTx(tx *storage.Tx, r *types.Record, managerName string, env *types.ResultEnvelope, policy config.AutoReset, now time.Time) (reset bool, err error) {
	if env.Error == nil {
		env.Error = &types.ComputeError{ErrorType: "unknown_error", ErrorMessage: "manager returned failure with no error"}
	}
	finalizeHistory(r, types.StatusError, managerName, env, now)
	r.ManagerName = managerName

	task, terr := tx.TaskByRecord(r.ID)
	if terr != nil {
		return false, terr
	}

	if shouldAutoReset(r, env.Error.ErrorType, policy) {
		r.ManagerName = ""
		task.Available = true
		if err := tx.PutTask(task); err != nil {
			return false, err
		}
		transition(r, types.StatusWaiting, now)
		return true, tx.PutRecord(r)
	}

	task.Available = false
	if err := tx.PutTask(task); err != nil {
		return false, err
	}
	transition(r, types.StatusError, now)
	return false, tx.PutRecord(r)
}

// PublishCompleted emits a completion or error event for a record
func (s *Store) PublishCompleted(id int64, failed bool) {
	if s.broker == nil {
		return
	}
	t := events.EventRecordCompleted
	if failed {
		t = events.EventRecordErrored
	}
	s.broker.Publish(&events.Event{Type: t, RecordID: id})
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
