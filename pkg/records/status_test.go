package records

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/fractal/pkg/config"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

func addOne(t *testing.T, s *Store) int64 {
	t.Helper()
	_, ids, err := s.AddSinglepoints(energySpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "", true)
	require.NoError(t, err)
	return ids[0]
}

func recordOf(t *testing.T, s *Store, id int64) *types.Record {
	t.Helper()
	var rec *types.Record
	err := s.db.View(func(tx *storage.Tx) error {
		var err error
		rec, err = tx.GetRecord(id)
		return err
	})
	require.NoError(t, err)
	return rec
}

func hasTask(t *testing.T, s *Store, id int64) (bool, bool) {
	t.Helper()
	exists, available := false, false
	err := s.db.View(func(tx *storage.Tx) error {
		task, err := tx.TaskByRecord(id)
		if err != nil {
			return nil
		}
		exists = true
		available = task.Available
		return nil
	})
	require.NoError(t, err)
	return exists, available
}

func TestCancelUncancelRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)

	meta, err := s.Cancel([]int64{id})
	require.NoError(t, err)
	assert.Len(t, meta.DeletedIdx, 1)

	rec := recordOf(t, s, id)
	assert.Equal(t, types.StatusCancelled, rec.Status)
	require.Len(t, rec.InfoBackup, 1)
	assert.Equal(t, types.StatusWaiting, rec.InfoBackup[0].OldStatus)
	exists, _ := hasTask(t, s, id)
	assert.False(t, exists)

	_, err = s.Uncancel([]int64{id})
	require.NoError(t, err)

	rec = recordOf(t, s, id)
	assert.Equal(t, types.StatusWaiting, rec.Status)
	assert.Empty(t, rec.InfoBackup)
	exists, available := hasTask(t, s, id)
	assert.True(t, exists)
	assert.True(t, available)
}

func TestCancelRejectsTerminalStates(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)

	_, err := s.Cancel([]int64{id})
	require.NoError(t, err)

	// cancelling an already cancelled record is a per-id conflict
	meta, err := s.Cancel([]int64{id})
	require.NoError(t, err)
	assert.Empty(t, meta.DeletedIdx)
	require.Len(t, meta.Errors, 1)
}

func TestInvalidateRequiresComplete(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)

	meta, err := s.Invalidate([]int64{id})
	require.NoError(t, err)
	assert.Empty(t, meta.DeletedIdx)
	require.Len(t, meta.Errors, 1)
}

func TestInvalidateUninvalidateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)
	completeRecord(t, s, id)

	_, err := s.Invalidate([]int64{id})
	require.NoError(t, err)
	assert.Equal(t, types.StatusInvalid, recordOf(t, s, id).Status)

	_, err = s.Uninvalidate([]int64{id})
	require.NoError(t, err)

	rec := recordOf(t, s, id)
	assert.Equal(t, types.StatusComplete, rec.Status)
	// outputs survive the round trip
	assert.NotEmpty(t, rec.ComputeHistory)
}

func TestStatusOpMissingIDs(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)

	meta, err := s.Cancel([]int64{404, id})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, meta.MissingIdx)
	assert.Equal(t, []int{1}, meta.DeletedIdx)
}

func completeRecord(t *testing.T, s *Store, id int64) {
	t.Helper()
	ret, _ := json.Marshal(-76.4)
	env := &types.ResultEnvelope{
		Success:      true,
		ReturnResult: ret,
		Properties:   map[string]float64{"scf_total_energy": -76.4},
		Stdout:       "normal termination",
	}
	err := s.db.Update(func(tx *storage.Tx) error {
		r, err := tx.GetRecord(id)
		if err != nil {
			return err
		}
		return CompleteTx(tx, r, "mgr-1", env, time.Now().UTC())
	})
	require.NoError(t, err)
}

func TestCompleteTxFoldsSinglepoint(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)
	completeRecord(t, s, id)

	rec := recordOf(t, s, id)
	assert.Equal(t, types.StatusComplete, rec.Status)
	assert.Equal(t, "mgr-1", rec.ManagerName)
	require.NotNil(t, rec.Singlepoint)
	assert.InDelta(t, -76.4, rec.Singlepoint.Properties["scf_total_energy"], 1e-12)
	require.Len(t, rec.ComputeHistory, 1)
	assert.Equal(t, types.StatusComplete, rec.ComputeHistory[0].Status)

	exists, _ := hasTask(t, s, id)
	assert.False(t, exists)
}

func TestCompleteTxIngestsTrajectory(t *testing.T) {
	s := newTestStore(t)
	_, ids, err := s.AddOptimizations(optSpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "", true)
	require.NoError(t, err)
	id := ids[0]

	step1 := water()
	step2 := water()
	step2.Geometry[5] -= 0.05
	env := &types.ResultEnvelope{
		Success:       true,
		Energies:      []float64{-76.3, -76.41},
		FinalMolecule: step2,
		Trajectory: []types.TrajectoryStep{
			{Molecule: step1, Energy: -76.3},
			{Molecule: step2, Energy: -76.41},
		},
	}
	err = s.db.Update(func(tx *storage.Tx) error {
		r, err := tx.GetRecord(id)
		if err != nil {
			return err
		}
		return CompleteTx(tx, r, "mgr-1", env, time.Now().UTC())
	})
	require.NoError(t, err)

	rec := recordOf(t, s, id)
	require.NotNil(t, rec.Optimization)
	assert.Equal(t, []float64{-76.3, -76.41}, rec.Optimization.Energies)
	assert.NotZero(t, rec.Optimization.FinalMoleculeID)
	require.Len(t, rec.Optimization.TrajectoryIDs, 2)
	assert.Equal(t, rec.Optimization.TrajectoryIDs, rec.ChildrenIDs[:2])

	// trajectory children are born complete under the inner qc spec
	child := recordOf(t, s, rec.Optimization.TrajectoryIDs[0])
	assert.Equal(t, types.RecordSinglepoint, child.RecordType)
	assert.Equal(t, types.StatusComplete, child.Status)
	var e float64
	require.NoError(t, json.Unmarshal(child.Singlepoint.ReturnResult, &e))
	assert.InDelta(t, -76.3, e, 1e-12)
	exists, _ := hasTask(t, s, child.ID)
	assert.False(t, exists)
}

func TestSoftDeleteCascadeAndUndelete(t *testing.T) {
	s := newTestStore(t)
	_, ids, err := s.AddOptimizations(optSpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "", true)
	require.NoError(t, err)
	id := ids[0]

	env := &types.ResultEnvelope{
		Success:  true,
		Energies: []float64{-76.41},
		Trajectory: []types.TrajectoryStep{
			{Molecule: water(), Energy: -76.41},
		},
	}
	err = s.db.Update(func(tx *storage.Tx) error {
		r, err := tx.GetRecord(id)
		if err != nil {
			return err
		}
		return CompleteTx(tx, r, "mgr-1", env, time.Now().UTC())
	})
	require.NoError(t, err)
	childID := recordOf(t, s, id).ChildrenIDs[0]

	_, err = s.SoftDelete([]int64{id}, true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeleted, recordOf(t, s, id).Status)
	assert.Equal(t, types.StatusDeleted, recordOf(t, s, childID).Status)

	_, err = s.Undelete([]int64{id}, true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, recordOf(t, s, id).Status)
	assert.Equal(t, types.StatusComplete, recordOf(t, s, childID).Status)
}

func TestHardDeleteRemovesDedupEntry(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)

	meta, err := s.HardDelete([]int64{id}, false)
	require.NoError(t, err)
	assert.Len(t, meta.DeletedIdx, 1)

	err = s.db.View(func(tx *storage.Tx) error {
		_, err := tx.GetRecord(id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	// the identity slot is free again, so resubmission inserts fresh
	meta2, ids, err := s.AddSinglepoints(energySpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "", true)
	require.NoError(t, err)
	assert.Equal(t, 1, meta2.NInserted())
	assert.NotEqual(t, id, ids[0])
}

func failRecord(t *testing.T, s *Store, id int64, errType string, policy config.AutoReset) bool {
	t.Helper()
	var reset bool
	err := s.db.Update(func(tx *storage.Tx) error {
		r, err := tx.GetRecord(id)
		if err != nil {
			return err
		}
		env := &types.ResultEnvelope{Error: &types.ComputeError{ErrorType: errType, ErrorMessage: "boom"}}
		reset, err = FailTx(tx, r, "mgr-1", env, policy, time.Now().UTC())
		return err
	})
	require.NoError(t, err)
	return reset
}

func TestFailTxAutoResetBudget(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)
	policy := config.AutoReset{Enabled: true, RandomError: 3}

	// the first two attempts stay under the budget of 3 and go back
	// to waiting
	assert.True(t, failRecord(t, s, id, "random_error", policy))
	rec := recordOf(t, s, id)
	assert.Equal(t, types.StatusWaiting, rec.Status)
	assert.Empty(t, rec.ManagerName)
	_, available := hasTask(t, s, id)
	assert.True(t, available)

	assert.True(t, failRecord(t, s, id, "random_error", policy))

	// the third attempt reaches the budget
	assert.False(t, failRecord(t, s, id, "random_error", policy))
	rec = recordOf(t, s, id)
	assert.Equal(t, types.StatusError, rec.Status)
	assert.Len(t, rec.ComputeHistory, 3)
	_, available = hasTask(t, s, id)
	assert.False(t, available)
}

func TestFailTxBudgetIsPerErrorType(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)
	policy := config.AutoReset{Enabled: true, RandomError: 2}

	// an error type with no budget lands in error immediately
	assert.False(t, failRecord(t, s, id, "input_error", policy))
	assert.Equal(t, types.StatusError, recordOf(t, s, id).Status)
}

func TestFailTxDisabledPolicy(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)

	assert.False(t, failRecord(t, s, id, "random_error", config.AutoReset{}))
	assert.Equal(t, types.StatusError, recordOf(t, s, id).Status)
}

func TestResetClearsManager(t *testing.T) {
	s := newTestStore(t)
	id := addOne(t, s)
	failRecord(t, s, id, "random_error", config.AutoReset{})

	meta, err := s.Reset([]int64{id})
	require.NoError(t, err)
	assert.Len(t, meta.DeletedIdx, 1)

	rec := recordOf(t, s, id)
	assert.Equal(t, types.StatusWaiting, rec.Status)
	assert.Empty(t, rec.ManagerName)
	_, available := hasTask(t, s, id)
	assert.True(t, available)

	// history of the failed attempt is preserved
	assert.Len(t, rec.ComputeHistory, 1)
}

func TestOutputCompression(t *testing.T) {
	small := makeOutput(types.OutputStdout, []byte("short"))
	assert.Equal(t, "none", small.Compression)

	big := make([]byte, outputCompressThreshold+1)
	for i := range big {
		big[i] = 'a'
	}
	out := makeOutput(types.OutputStdout, big)
	assert.Equal(t, "gzip", out.Compression)
	assert.Less(t, len(out.Data), len(big))

	raw, err := DecodeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, big, raw)
}
