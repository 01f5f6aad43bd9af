package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRunner(db)
}

func (r *Runner) job(t *testing.T, id int64) *types.InternalJob {
	t.Helper()
	var job *types.InternalJob
	err := r.db.View(func(tx *storage.Tx) error {
		var err error
		job, err = tx.GetInternalJob(id)
		return err
	})
	require.NoError(t, err)
	return job
}

func TestJobRunsAndStoresResult(t *testing.T) {
	r := newTestRunner(t)
	r.Register("count_things", func(ctx context.Context, progress func(int)) (string, error) {
		progress(50)
		return "things=3", nil
	})

	id, err := r.Add("count_things", "", "", 0, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, r.RunDue(context.Background()))

	job := r.job(t, id)
	assert.Equal(t, types.JobComplete, job.Status)
	assert.Equal(t, "things=3", job.Result)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, r.identity, job.Runner)
	assert.False(t, job.EndedOn.IsZero())
}

func TestJobNotDueStaysWaiting(t *testing.T) {
	r := newTestRunner(t)
	r.Register("later", func(ctx context.Context, progress func(int)) (string, error) {
		return "", nil
	})

	id, err := r.Add("later", "", "", 0, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, r.RunDue(context.Background()))
	assert.Equal(t, types.JobWaiting, r.job(t, id).Status)
}

func TestJobMissingHandlerFails(t *testing.T) {
	r := newTestRunner(t)

	id, err := r.Add("nobody_home", "", "", 0, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, r.RunDue(context.Background()))

	job := r.job(t, id)
	assert.Equal(t, types.JobError, job.Status)
	assert.Contains(t, job.Error, "no handler registered")
}

func TestJobHandlerError(t *testing.T) {
	r := newTestRunner(t)
	r.Register("flaky", func(ctx context.Context, progress func(int)) (string, error) {
		return "", errors.New("backend unreachable")
	})

	id, err := r.Add("flaky", "", "", 0, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, r.RunDue(context.Background()))

	job := r.job(t, id)
	assert.Equal(t, types.JobError, job.Status)
	assert.Equal(t, "backend unreachable", job.Error)
}

func TestUniqueNameIdempotent(t *testing.T) {
	r := newTestRunner(t)
	r.Register("sweep", func(ctx context.Context, progress func(int)) (string, error) {
		return "", nil
	})

	future := time.Now().UTC().Add(time.Hour)
	first, err := r.Add("sweep", "sweep", "", 0, future)
	require.NoError(t, err)

	// while the job is pending, adding the same unique name is a no-op
	second, err := r.Add("sweep", "sweep", "", 0, future)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// once it finishes, the slot opens up again
	require.NoError(t, r.db.Update(func(tx *storage.Tx) error {
		job, err := tx.GetInternalJob(first)
		if err != nil {
			return err
		}
		job.ScheduledFor = time.Now().UTC().Add(-time.Second)
		return tx.PutInternalJob(job)
	}))
	require.NoError(t, r.RunDue(context.Background()))
	require.Equal(t, types.JobComplete, r.job(t, first).Status)

	third, err := r.Add("sweep", "sweep", "", 0, future)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestSerialGroupExclusion(t *testing.T) {
	r := newTestRunner(t)
	runs := 0
	r.Register("serial_work", func(ctx context.Context, progress func(int)) (string, error) {
		runs++
		return "", nil
	})

	past := time.Now().UTC().Add(-time.Minute)
	a, err := r.Add("serial_work", "", "groupA", 0, past)
	require.NoError(t, err)
	b, err := r.Add("serial_work", "", "groupA", 0, past.Add(time.Second))
	require.NoError(t, err)

	// one claim pass takes only one member of the group, oldest first
	require.NoError(t, r.RunDue(context.Background()))
	assert.Equal(t, 1, runs)
	assert.Equal(t, types.JobComplete, r.job(t, a).Status)
	assert.Equal(t, types.JobWaiting, r.job(t, b).Status)

	require.NoError(t, r.RunDue(context.Background()))
	assert.Equal(t, 2, runs)
	assert.Equal(t, types.JobComplete, r.job(t, b).Status)
}

func TestRecurringJobReschedules(t *testing.T) {
	r := newTestRunner(t)
	r.Register("heartbeat_check", func(ctx context.Context, progress func(int)) (string, error) {
		return "ok", nil
	})

	id, err := r.Add("heartbeat_check", "heartbeat_check", "", time.Hour, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, r.RunDue(context.Background()))
	require.Equal(t, types.JobComplete, r.job(t, id).Status)

	waiting, err := r.Query([]types.InternalJobStatus{types.JobWaiting}, 0)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "heartbeat_check", waiting[0].Name)
	assert.True(t, waiting[0].ScheduledFor.After(time.Now().UTC().Add(50*time.Minute)))
}

func TestCancelWaitingOnly(t *testing.T) {
	r := newTestRunner(t)

	id, err := r.Add("some_job", "", "", 0, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, r.Cancel(id))
	assert.Equal(t, types.JobCancelled, r.job(t, id).Status)

	err = r.Cancel(id)
	assert.Error(t, err)
}

func TestQueryNewestFirst(t *testing.T) {
	r := newTestRunner(t)

	for i := 0; i < 3; i++ {
		_, err := r.Add("job", "", "", 0, time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)
	}

	jobs, err := r.Query(nil, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Greater(t, jobs[0].ID, jobs[1].ID)
}
