// Package coordinator wires the storage, record, queue, manager,
// service, and dataset components into one server and exposes the two
// outward contracts: the submitter API and the compute fleet API.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/molforge/fractal/pkg/config"
	"github.com/molforge/fractal/pkg/content"
	"github.com/molforge/fractal/pkg/datasets"
	"github.com/molforge/fractal/pkg/events"
	"github.com/molforge/fractal/pkg/log"
	"github.com/molforge/fractal/pkg/managers"
	"github.com/molforge/fractal/pkg/metrics"
	"github.com/molforge/fractal/pkg/orchestrator"
	"github.com/molforge/fractal/pkg/records"
	"github.com/molforge/fractal/pkg/services"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/taskqueue"
	"github.com/molforge/fractal/pkg/types"
)

// Coordinator is the composition root of the server
type Coordinator struct {
	cfg    *config.Config
	db     *storage.BoltStore
	broker *events.Broker
	lock   *flock.Flock

	Content  *content.Store
	Records  *records.Store
	Queue    *taskqueue.Queue
	Managers *managers.Registry
	Services *services.Engine
	Datasets *datasets.Layer
	Orch     *orchestrator.Orchestrator
}

// New opens the database and wires every component. The data directory
// is locked against a second server process.
func New(cfg *config.Config) (*Coordinator, error) {
	lock := flock.New(filepath.Join(cfg.DataDir, "fractal.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is in use by another server", cfg.DataDir)
	}

	db, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	broker := events.NewBroker()
	recs := records.NewStore(db, broker)
	queue := taskqueue.NewQueue(db, broker, cfg.AutoReset)
	registry := managers.NewRegistry(db, broker)
	engine := services.NewEngine(db, broker)

	c := &Coordinator{
		cfg:      cfg,
		db:       db,
		broker:   broker,
		lock:     lock,
		Content:  content.NewStore(db),
		Records:  recs,
		Queue:    queue,
		Managers: registry,
		Services: engine,
		Datasets: datasets.NewLayer(db),
		Orch:     orchestrator.New(db, cfg, broker, engine, registry, queue),
	}
	return c, nil
}

// Run starts the event broker, background loops, and the metrics
// endpoint, blocking until ctx is cancelled
func (c *Coordinator) Run(ctx context.Context) error {
	c.broker.Start()
	metrics.RegisterComponent("storage", true, "")

	var srv *http.Server
	if c.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		srv = &http.Server{Addr: c.cfg.MetricsAddr, Handler: mux}
		go func() {
			log.WithComponent("coordinator").Info().Str("addr", c.cfg.MetricsAddr).Msg("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("coordinator").Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	err := c.Orch.Start(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close releases the database and the data directory lock
func (c *Coordinator) Close() error {
	c.broker.Stop()
	err := c.db.Close()
	if lerr := c.lock.Unlock(); err == nil {
		err = lerr
	}
	return err
}

func checkLimit(op string, requested, limit int) error {
	if limit > 0 && requested > limit {
		return &types.LimitExceededError{Op: op, Limit: limit, Requested: requested}
	}
	return nil
}
