// Package orchestrator runs the periodic duties of the server: service
// iteration, manager heartbeat reaping, consistency sweeps, and the
// internal job table that drives them.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/molforge/fractal/pkg/config"
	"github.com/molforge/fractal/pkg/events"
	"github.com/molforge/fractal/pkg/log"
	"github.com/molforge/fractal/pkg/managers"
	"github.com/molforge/fractal/pkg/metrics"
	"github.com/molforge/fractal/pkg/services"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/taskqueue"
	"github.com/molforge/fractal/pkg/types"
)

// Orchestrator owns the background loops of the server
type Orchestrator struct {
	db       *storage.BoltStore
	cfg      *config.Config
	broker   *events.Broker
	engine   *services.Engine
	registry *managers.Registry
	queue    *taskqueue.Queue
	runner   *Runner
}

// New creates an orchestrator. Periodic duties are seeded into the
// internal job table on Start.
func New(db *storage.BoltStore, cfg *config.Config, broker *events.Broker, engine *services.Engine, registry *managers.Registry, queue *taskqueue.Queue) *Orchestrator {
	o := &Orchestrator{
		db:       db,
		cfg:      cfg,
		broker:   broker,
		engine:   engine,
		registry: registry,
		queue:    queue,
	}
	o.runner = NewRunner(db)
	o.registerDuties()
	return o
}

// Runner exposes the internal job runner for ad-hoc job submission
func (o *Orchestrator) Runner() *Runner {
	return o.runner
}

// registerDuties wires the periodic duties as internal job handlers
func (o *Orchestrator) registerDuties() {
	o.runner.Register("manager_heartbeat_reaper", func(ctx context.Context, progress func(int)) (string, error) {
		cutoff := time.Now().UTC().Add(-o.cfg.HeartbeatTimeout)
		dead, err := o.registry.DeactivateBefore(cutoff, "heartbeat_timeout")
		if err != nil {
			return "", err
		}
		progress(100)
		return resultCount("deactivated", len(dead)), nil
	})

	o.runner.Register("stale_record_sweep", func(ctx context.Context, progress func(int)) (string, error) {
		n, err := o.sweepStaleRecords()
		if err != nil {
			return "", err
		}
		progress(100)
		return resultCount("reset", n), nil
	})

	o.runner.Register("queue_depth", func(ctx context.Context, progress func(int)) (string, error) {
		depth, err := o.queue.Depth()
		if err != nil {
			return "", err
		}
		progress(100)
		return resultCount("available", depth), nil
	})
}

// Start launches the background loops and blocks until ctx is done or a
// loop fails
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.seedRecurringJobs(); err != nil {
		return err
	}
	metrics.RegisterComponent("orchestrator", true, "")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.serviceLoop(ctx) })
	g.Go(func() error { return o.jobLoop(ctx) })
	return g.Wait()
}

// serviceLoop iterates services on a fixed interval and additionally
// wakes up when a record completes or errors, so finished dependencies
// propagate without waiting for the next tick
func (o *Orchestrator) serviceLoop(ctx context.Context) error {
	logger := log.WithComponent("orchestrator")

	sub := o.broker.Subscribe()
	defer o.broker.Unsubscribe(sub)

	ticker := time.NewTicker(o.cfg.ServiceIterationInterval)
	defer ticker.Stop()

	iterate := func() {
		n, err := o.engine.IterateAll(o.cfg.ServiceIterationBatch)
		if err != nil {
			logger.Error().Err(err).Msg("service iteration pass failed")
			return
		}
		if n > 0 {
			logger.Debug().Int("services", n).Msg("service iteration pass")
		}
	}

	for {
		select {
		case <-ticker.C:
			iterate()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if ev.Type == events.EventRecordCompleted || ev.Type == events.EventRecordErrored {
				iterate()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// jobLoop polls the internal job table
func (o *Orchestrator) jobLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.InternalJobInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := o.runner.RunDue(ctx); err != nil {
				log.WithComponent("orchestrator").Error().Err(err).Msg("internal job pass failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// seedRecurringJobs inserts the periodic duties into the job table.
// Unique names make seeding idempotent across restarts.
func (o *Orchestrator) seedRecurringJobs() error {
	reaperDelay := o.cfg.HeartbeatTimeout / 3
	if reaperDelay < time.Second {
		reaperDelay = time.Second
	}
	seeds := []struct {
		name  string
		delay time.Duration
	}{
		{"manager_heartbeat_reaper", reaperDelay},
		{"stale_record_sweep", o.cfg.HeartbeatTimeout},
		{"queue_depth", o.cfg.ServiceIterationInterval},
	}
	for _, s := range seeds {
		if _, err := o.runner.Add(s.name, s.name, "", s.delay, time.Now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

// sweepStaleRecords returns running records whose manager is gone or
// inactive back to the queue. Normally deactivation handles this; the
// sweep covers managers lost to a crash between transactions.
func (o *Orchestrator) sweepStaleRecords() (int, error) {
	// collect the distinct manager names of running records, then check
	// each against the registry
	running := map[string]bool{}
	err := o.db.View(func(tx *storage.Tx) error {
		return tx.ForEachRecord(func(r *types.Record) error {
			if r.Status == types.StatusRunning && r.ManagerName != "" {
				running[r.ManagerName] = true
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	var stale []string
	for name := range running {
		mgr, err := o.registry.Get(name)
		if err != nil || mgr.Status != types.ManagerActive {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	return o.queue.ResetAssigned(stale)
}

func resultCount(what string, n int) string {
	return fmt.Sprintf("%s: %d", what, n)
}
