package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/molforge/fractal/pkg/log"
	"github.com/molforge/fractal/pkg/metrics"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// Handler executes one internal job. The progress callback reports
// percent complete; the returned string is stored as the job result.
type Handler func(ctx context.Context, progress func(int)) (string, error)

// Runner claims and executes rows of the internal job table. Each
// server process has its own runner identity so crashed runs can be
// recognized.
type Runner struct {
	db       *storage.BoltStore
	identity string
	handlers map[string]Handler
}

// NewRunner creates a job runner with a fresh identity
func NewRunner(db *storage.BoltStore) *Runner {
	return &Runner{
		db:       db,
		identity: uuid.NewString(),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job name. Jobs with an unregistered
// name fail when claimed.
func (r *Runner) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Add schedules a job. With a unique name, an existing non-terminal job
// of that name is returned instead of adding a duplicate.
func (r *Runner) Add(name, uniqueName, serialGroup string, repeatDelay time.Duration, scheduledFor time.Time) (int64, error) {
	job := &types.InternalJob{
		Name:         name,
		UniqueName:   uniqueName,
		SerialGroup:  serialGroup,
		ScheduledFor: scheduledFor,
		Status:       types.JobWaiting,
		RepeatDelay:  repeatDelay,
		AddedOn:      time.Now().UTC(),
	}
	var id int64
	err := r.db.Update(func(tx *storage.Tx) error {
		jobID, err := tx.InsertInternalJob(job)
		if err != nil {
			return err
		}
		id = jobID
		return nil
	})
	return id, err
}

// Cancel moves a waiting job to cancelled. Running jobs finish their
// current execution; their context is not interrupted here.
func (r *Runner) Cancel(id int64) error {
	return r.db.Update(func(tx *storage.Tx) error {
		job, err := tx.GetInternalJob(id)
		if err != nil {
			return err
		}
		if job.Status != types.JobWaiting {
			return fmt.Errorf("job %d is %s, only waiting jobs can be cancelled", id, job.Status)
		}
		job.Status = types.JobCancelled
		job.EndedOn = time.Now().UTC()
		return tx.PutInternalJob(job)
	})
}

// RunDue claims and executes every due waiting job, oldest schedule
// first. Jobs sharing a serial group never run while another group
// member is running. Recurring jobs are rescheduled after each run.
func (r *Runner) RunDue(ctx context.Context) error {
	now := time.Now().UTC()

	// claim phase: mark due jobs running under this runner's identity
	var claimed []*types.InternalJob
	err := r.db.Update(func(tx *storage.Tx) error {
		busyGroups := map[string]bool{}
		var due []*types.InternalJob
		err := tx.ForEachInternalJob(func(j *types.InternalJob) error {
			switch j.Status {
			case types.JobRunning:
				if j.SerialGroup != "" {
					busyGroups[j.SerialGroup] = true
				}
			case types.JobWaiting:
				if !j.ScheduledFor.After(now) {
					cp := *j
					due = append(due, &cp)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		sort.SliceStable(due, func(i, j int) bool {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		})
		for _, job := range due {
			if job.SerialGroup != "" {
				if busyGroups[job.SerialGroup] {
					continue
				}
				busyGroups[job.SerialGroup] = true
			}
			job.Status = types.JobRunning
			job.Runner = r.identity
			job.StartedOn = now
			if err := tx.PutInternalJob(job); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, job := range claimed {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		r.execute(ctx, job)
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, job *types.InternalJob) {
	logger := log.WithComponent("jobs")

	handler, ok := r.handlers[job.Name]
	result := ""
	var runErr error
	if !ok {
		runErr = fmt.Errorf("no handler registered for job %q", job.Name)
	} else {
		progress := func(pct int) {
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
			job.Progress = pct
			_ = r.db.Update(func(tx *storage.Tx) error {
				return tx.PutInternalJob(job)
			})
		}
		result, runErr = handler(ctx, progress)
	}

	ended := time.Now().UTC()
	err := r.db.Update(func(tx *storage.Tx) error {
		if runErr != nil {
			job.Status = types.JobError
			job.Error = runErr.Error()
		} else {
			job.Status = types.JobComplete
			job.Result = result
			job.Progress = 100
		}
		job.EndedOn = ended
		if err := tx.PutInternalJob(job); err != nil {
			return err
		}

		if job.RepeatDelay > 0 && job.Status != types.JobCancelled {
			next := &types.InternalJob{
				Name:         job.Name,
				UniqueName:   job.UniqueName,
				SerialGroup:  job.SerialGroup,
				ScheduledFor: ended.Add(job.RepeatDelay),
				Status:       types.JobWaiting,
				RepeatDelay:  job.RepeatDelay,
				AddedOn:      ended,
			}
			if _, err := tx.InsertInternalJob(next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("job", job.Name).Msg("failed to finalize internal job")
		return
	}

	metrics.InternalJobRuns.WithLabelValues(job.Name, string(job.Status)).Inc()
	if runErr != nil {
		logger.Warn().Err(runErr).Str("job", job.Name).Msg("internal job failed")
	} else {
		logger.Debug().Str("job", job.Name).Str("result", result).Msg("internal job finished")
	}
}

// Query returns jobs filtered by status, newest first
func (r *Runner) Query(statuses []types.InternalJobStatus, limit int) ([]*types.InternalJob, error) {
	want := map[types.InternalJobStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}

	var jobs []*types.InternalJob
	err := r.db.View(func(tx *storage.Tx) error {
		return tx.ForEachInternalJob(func(j *types.InternalJob) error {
			if len(want) > 0 && !want[j.Status] {
				return nil
			}
			cp := *j
			jobs = append(jobs, &cp)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
