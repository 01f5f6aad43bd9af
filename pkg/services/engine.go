// Package services iterates the long-running service records:
// torsiondrive, gridoptimization, manybody, reaction, and neb. Each
// iteration inspects the service's dependencies and either spawns the
// next round of child records or folds the finished children into the
// final result.
package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/molforge/fractal/pkg/content"
	"github.com/molforge/fractal/pkg/events"
	"github.com/molforge/fractal/pkg/log"
	"github.com/molforge/fractal/pkg/metrics"
	"github.com/molforge/fractal/pkg/records"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// Engine drives service iteration
type Engine struct {
	db     *storage.BoltStore
	broker *events.Broker
}

// NewEngine creates a service engine over the given database
func NewEngine(db *storage.BoltStore, broker *events.Broker) *Engine {
	return &Engine{db: db, broker: broker}
}

// depOutcome summarizes the dependency records of a service
type depOutcome int

const (
	depsPending depOutcome = iota
	depsComplete
	depsFailed
)

// IterateAll runs one iteration pass over up to batch services, highest
// priority first, oldest first within one priority. Returns how many
// services were touched.
func (e *Engine) IterateAll(batch int) (int, error) {
	type candidate struct {
		recordID int64
		priority types.ComputePriority
		created  time.Time
	}

	var candidates []candidate
	err := e.db.View(func(tx *storage.Tx) error {
		return tx.ForEachService(func(svc *types.Service) error {
			rec, err := tx.GetRecord(svc.RecordID)
			if err != nil {
				return err
			}
			if rec.Status != types.StatusWaiting && rec.Status != types.StatusRunning {
				return nil
			}
			candidates = append(candidates, candidate{
				recordID: svc.RecordID,
				priority: svc.ComputePriority,
				created:  svc.CreatedOn,
			})
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].created.Before(candidates[j].created)
	})
	if batch > 0 && len(candidates) > batch {
		candidates = candidates[:batch]
	}

	touched := 0
	for _, c := range candidates {
		if err := e.IterateOne(c.recordID); err != nil {
			log.WithRecordID(c.recordID).Error().Err(err).Msg("service iteration failed")
			continue
		}
		touched++
	}
	return touched, nil
}

// IterateOne runs a single service iteration inside one transaction.
// With pending dependencies the iteration is a no-op.
func (e *Engine) IterateOne(recordID int64) error {
	timer := metrics.NewTimer()
	var outcome string
	var recType types.RecordType
	var completed bool

	err := e.db.Update(func(tx *storage.Tx) error {
		rec, err := tx.GetRecord(recordID)
		if err != nil {
			return err
		}
		recType = rec.RecordType
		svc, err := tx.ServiceByRecord(recordID)
		if err != nil {
			return err
		}

		switch rec.Status {
		case types.StatusWaiting, types.StatusRunning:
		default:
			outcome = "skipped"
			return nil
		}

		deps, failedDep, err := dependencyOutcomeTx(tx, svc)
		if err != nil {
			return err
		}
		switch deps {
		case depsPending:
			outcome = "pending"
			return nil
		case depsFailed:
			outcome = "error"
			return markServiceErroredTx(tx, rec, svc, fmt.Sprintf("dependency record %d failed", failedDep))
		}

		now := time.Now().UTC()
		if rec.Status == types.StatusWaiting {
			rec.Status = types.StatusRunning
			rec.ModifiedOn = now
		}

		done, err := e.iterateTyped(tx, rec, svc, now)
		if err != nil {
			outcome = "error"
			return markServiceErroredTx(tx, rec, svc, err.Error())
		}

		if done {
			if err := tx.DeleteService(svc); err != nil {
				return err
			}
			rec.Status = types.StatusComplete
			rec.ModifiedOn = now
			completed = true
			outcome = "complete"
		} else {
			if err := tx.PutService(svc); err != nil {
				return err
			}
			outcome = "iterated"
		}
		rec.ModifiedOn = now
		return tx.PutRecord(rec)
	})

	timer.ObserveDuration(metrics.ServiceIterationDuration)
	if outcome != "" {
		metrics.ServiceIterations.WithLabelValues(string(recType), outcome).Inc()
	}
	if completed {
		e.broker.Publish(&events.Event{Type: events.EventServiceCompleted, RecordID: recordID})
	} else if outcome == "iterated" {
		e.broker.Publish(&events.Event{Type: events.EventServiceIterated, RecordID: recordID})
	}
	return err
}

func (e *Engine) iterateTyped(tx *storage.Tx, rec *types.Record, svc *types.Service, now time.Time) (bool, error) {
	switch rec.RecordType {
	case types.RecordTorsiondrive:
		return iterateTorsiondriveTx(tx, rec, svc, now)
	case types.RecordGridoptimization:
		return iterateGridoptimizationTx(tx, rec, svc, now)
	case types.RecordManybody:
		return iterateManybodyTx(tx, rec, svc, now)
	case types.RecordReaction:
		return iterateReactionTx(tx, rec, svc, now)
	case types.RecordNEB:
		return iterateNEBTx(tx, rec, svc, now)
	}
	return false, fmt.Errorf("record %d: type %s is not a service", rec.ID, rec.RecordType)
}

// dependencyOutcomeTx checks every dependency record. Complete means
// all finished successfully; a dependency in a dead-end state fails the
// service.
func dependencyOutcomeTx(tx *storage.Tx, svc *types.Service) (depOutcome, int64, error) {
	for _, dep := range svc.Dependencies {
		rec, err := tx.GetRecord(dep.RecordID)
		if err != nil {
			return depsFailed, dep.RecordID, nil
		}
		switch rec.Status {
		case types.StatusComplete:
		case types.StatusError, types.StatusCancelled, types.StatusDeleted, types.StatusInvalid:
			return depsFailed, dep.RecordID, nil
		default:
			return depsPending, 0, nil
		}
	}
	return depsComplete, 0, nil
}

// markServiceErroredTx records a service failure in the compute history
// and moves the record to error. The service row stays so the record
// can be reset and iterated again.
func markServiceErroredTx(tx *storage.Tx, rec *types.Record, svc *types.Service, msg string) error {
	now := time.Now().UTC()
	ce := types.ComputeError{ErrorType: "service_iteration_error", ErrorMessage: msg}
	raw, err := json.Marshal(&ce)
	if err != nil {
		return err
	}
	rec.ComputeHistory = append(rec.ComputeHistory, types.ComputeHistoryEntry{
		Status:     types.StatusError,
		ModifiedOn: now,
		Outputs: map[types.OutputType]types.OutputStore{
			types.OutputError: {Type: types.OutputError, Compression: "none", Data: raw},
		},
	})
	rec.Status = types.StatusError
	rec.ModifiedOn = now
	if err := tx.PutRecord(rec); err != nil {
		return err
	}
	return tx.PutService(svc)
}

// spawnOptimizationTx creates one child optimization dependency. The
// derived specification is deduplicated before the record is created.
func spawnOptimizationTx(tx *storage.Tx, rec *types.Record, svc *types.Service, spec *types.OptimizationSpecification, moleculeID int64, extras map[string]string) (int64, error) {
	specID, err := insertDerivedOptSpecTx(tx, spec)
	if err != nil {
		return 0, err
	}
	id, _, err := records.AddOptimizationTx(tx, specID, moleculeID, svc.ComputeTag, svc.ComputePriority, rec.CreatorUser, svc.FindExisting)
	if err != nil {
		return 0, err
	}
	svc.Dependencies = append(svc.Dependencies, types.ServiceDependency{RecordID: id, Extras: extras})
	rec.ChildrenIDs = appendUnique(rec.ChildrenIDs, id)
	return id, nil
}

// spawnSinglepointTx creates one child singlepoint dependency
func spawnSinglepointTx(tx *storage.Tx, rec *types.Record, svc *types.Service, specID, moleculeID int64, extras map[string]string) (int64, error) {
	id, _, err := records.AddSinglepointTx(tx, specID, moleculeID, svc.ComputeTag, svc.ComputePriority, rec.CreatorUser, svc.FindExisting)
	if err != nil {
		return 0, err
	}
	svc.Dependencies = append(svc.Dependencies, types.ServiceDependency{RecordID: id, Extras: extras})
	rec.ChildrenIDs = appendUnique(rec.ChildrenIDs, id)
	return id, nil
}

// insertDerivedOptSpecTx deduplicates an optimization specification
// derived by a service (for example with added constraints)
func insertDerivedOptSpecTx(tx *storage.Tx, spec *types.OptimizationSpecification) (int64, error) {
	cp := *spec
	cp.ID = 0
	cp.Hash = ""
	id, _, err := content.InsertOptimizationSpecificationTx(tx, &cp)
	return id, err
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func loadState(svc *types.Service, v interface{}) (bool, error) {
	if len(svc.ServiceState) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(svc.ServiceState, v); err != nil {
		return false, err
	}
	return true, nil
}

func saveState(svc *types.Service, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	svc.ServiceState = raw
	return nil
}
