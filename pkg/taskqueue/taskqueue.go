// Package taskqueue hands leaf tasks to compute managers and folds
// their results back into records.
package taskqueue

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/molforge/fractal/pkg/config"
	"github.com/molforge/fractal/pkg/events"
	"github.com/molforge/fractal/pkg/log"
	"github.com/molforge/fractal/pkg/metrics"
	"github.com/molforge/fractal/pkg/records"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// Queue serves claim, return, and reset over the task rows
type Queue struct {
	db        *storage.BoltStore
	broker    *events.Broker
	autoReset config.AutoReset
}

// NewQueue creates a task queue over the given database
func NewQueue(db *storage.BoltStore, broker *events.Broker, autoReset config.AutoReset) *Queue {
	return &Queue{db: db, broker: broker, autoReset: autoReset}
}

// ClaimRequest is the wire shape of a claim call. Programs and tags
// override the manager's registered sets for this call; when omitted
// the registered sets are used.
type ClaimRequest struct {
	Name     string            `json:"name"`
	Programs map[string]string `json:"programs,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Limit    int               `json:"limit"`
}

// Claim hands up to limit available tasks to an active manager using
// its registered programs and tags
func (q *Queue) Claim(managerName string, limit int) ([]types.ClaimedTask, error) {
	return q.ClaimTasks(ClaimRequest{Name: managerName, Limit: limit})
}

// ClaimTasks hands available tasks to an active manager. Tasks are
// matched against the offered programs and served in tag preference
// order, then by descending priority, then oldest first. Each claimed
// task moves its record to running and opens a running compute history
// entry that the eventual return finalizes.
func (q *Queue) ClaimTasks(req ClaimRequest) ([]types.ClaimedTask, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClaimDuration)

	managerName := req.Name
	var claimed []types.ClaimedTask
	now := time.Now().UTC()

	err := q.db.Update(func(tx *storage.Tx) error {
		mgr, err := activeManagerTx(tx, managerName)
		if err != nil {
			return err
		}

		programs := normalizePrograms(req.Programs)
		if len(programs) == 0 {
			programs = mgr.Programs
		}
		tags := normalizeTags(req.Tags)
		if len(tags) == 0 {
			tags = mgr.Tags
		}

		candidates, err := eligibleTasksTx(tx, programs)
		if err != nil {
			return err
		}
		ordered := orderByPreference(candidates, tags)
		if len(ordered) > req.Limit {
			ordered = ordered[:req.Limit]
		}

		for _, task := range ordered {
			task.Available = false
			if err := tx.PutTask(task); err != nil {
				return err
			}
			rec, err := tx.GetRecord(task.RecordID)
			if err != nil {
				return err
			}
			rec.Status = types.StatusRunning
			rec.ManagerName = managerName
			rec.ComputeHistory = append(rec.ComputeHistory, types.ComputeHistoryEntry{
				Status:      types.StatusRunning,
				ManagerName: managerName,
				ModifiedOn:  now,
			})
			rec.ModifiedOn = now
			if err := tx.PutRecord(rec); err != nil {
				return err
			}

			claimed = append(claimed, types.ClaimedTask{
				TaskID:           task.ID,
				RecordID:         task.RecordID,
				Function:         task.Function,
				FunctionKwargs:   task.FunctionKwargs,
				RequiredPrograms: task.RequiredPrograms,
				Tag:              task.ComputeTag,
				Priority:         task.ComputePriority,
			})
		}

		mgr.ClaimedCount += len(claimed)
		mgr.ModifiedOn = now
		return tx.PutManager(mgr)
	})
	if err != nil {
		return nil, err
	}

	metrics.TasksClaimed.Add(float64(len(claimed)))
	for _, c := range claimed {
		q.broker.Publish(&events.Event{Type: events.EventTaskClaimed, RecordID: c.RecordID, Manager: managerName})
	}
	log.WithManager(managerName).Debug().Int("claimed", len(claimed)).Msg("tasks claimed")
	return claimed, nil
}

// normalizePrograms lowercases and trims offered program names,
// dropping empty entries
func normalizePrograms(programs map[string]string) map[string]string {
	out := make(map[string]string, len(programs))
	for prog, ver := range programs {
		prog = strings.ToLower(strings.TrimSpace(prog))
		if prog == "" {
			continue
		}
		out[prog] = ver
	}
	return out
}

// normalizeTags lowercases and trims offered tags, dropping empty
// entries and duplicates
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// activeManagerTx looks up a manager and requires it to be active. An
// unknown or inactive manager is told to shut down.
func activeManagerTx(tx *storage.Tx, name string) (*types.ComputeManager, error) {
	mgr, err := tx.GetManagerByName(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &types.ManagerError{Name: name, Msg: "not registered", Shutdown: true}
		}
		return nil, err
	}
	if mgr.Status != types.ManagerActive {
		return nil, &types.ManagerError{Name: name, Msg: "not active", Shutdown: true}
	}
	return mgr, nil
}

// eligibleTasksTx collects available tasks whose required programs are
// all in the offered set
func eligibleTasksTx(tx *storage.Tx, programs map[string]string) ([]*types.Task, error) {
	var out []*types.Task
	err := tx.ForEachTask(func(t *types.Task) error {
		if !t.Available {
			return nil
		}
		for prog := range t.RequiredPrograms {
			if _, ok := programs[prog]; !ok {
				return nil
			}
		}
		cp := *t
		out = append(out, &cp)
		return nil
	})
	return out, err
}

// orderByPreference sorts tasks by the manager's tag list. Tasks whose
// tag equals an earlier entry come first; a "*" entry matches any task
// not taken by an earlier explicit tag. Within one tag group, higher
// priority wins, then lower id (older submission).
func orderByPreference(tasks []*types.Task, tags []string) []*types.Task {
	explicit := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if tag != "*" {
			explicit[tag] = true
		}
	}

	var ordered []*types.Task
	taken := make(map[int64]bool, len(tasks))

	for _, tag := range tags {
		var group []*types.Task
		for _, t := range tasks {
			if taken[t.ID] {
				continue
			}
			if tag == "*" {
				if explicit[t.ComputeTag] {
					continue
				}
			} else if t.ComputeTag != tag && t.ComputeTag != "*" {
				continue
			}
			group = append(group, t)
		}
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].ComputePriority != group[j].ComputePriority {
				return group[i].ComputePriority > group[j].ComputePriority
			}
			return group[i].ID < group[j].ID
		})
		for _, t := range group {
			taken[t.ID] = true
			ordered = append(ordered, t)
		}
	}
	return ordered
}

// ReturnItem is one finished task sent back by a manager
type ReturnItem struct {
	TaskID int64                 `json:"task_id"`
	Result *types.ResultEnvelope `json:"result"`
}

// ReturnOutcome reports how the server handled one returned task
type ReturnOutcome struct {
	TaskID   int64  `json:"task_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ReturnResults folds finished tasks back into their records. Each item
// is accepted or rejected independently; a rejection never fails the
// batch. The calling manager must be active.
func (q *Queue) ReturnResults(managerName string, items []ReturnItem) ([]ReturnOutcome, error) {
	outcomes := make([]ReturnOutcome, len(items))
	now := time.Now().UTC()

	var completed, failed []int64

	err := q.db.Update(func(tx *storage.Tx) error {
		mgr, err := activeManagerTx(tx, managerName)
		if err != nil {
			return err
		}

		for i, item := range items {
			outcomes[i].TaskID = item.TaskID

			task, err := tx.GetTask(item.TaskID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					outcomes[i].Reason = "does not exist in task queue"
					mgr.RejectedCount++
					metrics.TasksReturned.WithLabelValues("rejected").Inc()
					continue
				}
				return err
			}
			rec, err := tx.GetRecord(task.RecordID)
			if err != nil {
				return err
			}
			if rec.ManagerName != managerName {
				outcomes[i].Reason = "claimed by another manager"
				mgr.RejectedCount++
				metrics.TasksReturned.WithLabelValues("rejected").Inc()
				continue
			}
			if rec.Status != types.StatusRunning {
				outcomes[i].Reason = "not in a running state"
				mgr.RejectedCount++
				metrics.TasksReturned.WithLabelValues("rejected").Inc()
				continue
			}

			if item.Result != nil && item.Result.Success {
				if err := records.CompleteTx(tx, rec, managerName, item.Result, now); err != nil {
					return err
				}
				mgr.SuccessCount++
				completed = append(completed, rec.ID)
				metrics.TasksReturned.WithLabelValues("success").Inc()
			} else {
				env := item.Result
				if env == nil {
					env = &types.ResultEnvelope{}
				}
				if _, err := records.FailTx(tx, rec, managerName, env, q.autoReset, now); err != nil {
					return err
				}
				mgr.FailureCount++
				failed = append(failed, rec.ID)
				metrics.TasksReturned.WithLabelValues("failure").Inc()
			}
			outcomes[i].Accepted = true
		}

		mgr.ModifiedOn = now
		return tx.PutManager(mgr)
	})
	if err != nil {
		return nil, err
	}

	for _, id := range completed {
		q.broker.Publish(&events.Event{Type: events.EventRecordCompleted, RecordID: id, Manager: managerName})
	}
	for _, id := range failed {
		q.broker.Publish(&events.Event{Type: events.EventRecordErrored, RecordID: id, Manager: managerName})
	}
	return outcomes, nil
}

// ResetAssigned returns every running record claimed by the named
// managers to waiting, making their tasks claimable again. Used when a
// manager dies or deactivates.
func (q *Queue) ResetAssigned(managerNames []string) (int, error) {
	if len(managerNames) == 0 {
		return 0, nil
	}
	names := make(map[string]bool, len(managerNames))
	for _, n := range managerNames {
		names[n] = true
	}

	var reset []int64
	now := time.Now().UTC()

	err := q.db.Update(func(tx *storage.Tx) error {
		var ids []int64
		err := tx.ForEachRecord(func(r *types.Record) error {
			if r.Status == types.StatusRunning && names[r.ManagerName] {
				ids = append(ids, r.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := tx.GetRecord(id)
			if err != nil {
				return err
			}
			if err := records.ResetTx(tx, rec, now); err != nil {
				return err
			}
			reset = append(reset, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range reset {
		q.broker.Publish(&events.Event{Type: events.EventTaskReset, RecordID: id})
	}
	if len(reset) > 0 {
		log.WithComponent("taskqueue").Info().Int("count", len(reset)).Msg("reset tasks from dead managers")
	}
	return len(reset), nil
}

// Depth counts tasks currently available for claim and updates the
// queue depth gauge
func (q *Queue) Depth() (int, error) {
	n := 0
	err := q.db.View(func(tx *storage.Tx) error {
		return tx.ForEachTask(func(t *types.Task) error {
			if t.Available {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	metrics.TaskQueueDepth.Set(float64(n))
	return n, nil
}
