// Package managers tracks the fleet of remote compute managers through
// their activate, heartbeat, and deactivate lifecycle.
package managers

import (
	"errors"
	"strings"
	"time"

	"github.com/molforge/fractal/pkg/events"
	"github.com/molforge/fractal/pkg/log"
	"github.com/molforge/fractal/pkg/metrics"
	"github.com/molforge/fractal/pkg/records"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// Registry is the manager registry
type Registry struct {
	db     *storage.BoltStore
	broker *events.Broker
}

// NewRegistry creates a manager registry over the given database
func NewRegistry(db *storage.BoltStore, broker *events.Broker) *Registry {
	return &Registry{db: db, broker: broker}
}

// ActivateRequest carries everything a manager announces on startup
type ActivateRequest struct {
	Name     types.ManagerName `json:"name"`
	Username string            `json:"username,omitempty"`
	Version  string            `json:"version,omitempty"`
	Programs map[string]string `json:"programs"`
	Tags     []string          `json:"tags"`
}

// Activate registers a new manager. The full name must be unused. Tags
// and program names are lowercased, zero-length entries are dropped,
// and tags are deduplicated preserving order; the manager must be left
// with at least one program and one tag.
func (r *Registry) Activate(req ActivateRequest) (*types.ComputeManager, error) {
	name := req.Name.FullName()
	if req.Name.Cluster == "" || req.Name.Hostname == "" || req.Name.UUID == "" {
		return nil, &types.InvalidPayloadError{Msg: "manager name requires cluster, hostname and uuid"}
	}

	programs := make(map[string]string, len(req.Programs))
	for prog, ver := range req.Programs {
		prog = strings.ToLower(strings.TrimSpace(prog))
		if prog == "" {
			continue
		}
		programs[prog] = ver
	}
	if len(programs) == 0 {
		return nil, &types.InvalidPayloadError{Msg: "manager must serve at least one program"}
	}

	seen := make(map[string]bool, len(req.Tags))
	tags := make([]string, 0, len(req.Tags))
	for _, tag := range req.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return nil, &types.InvalidPayloadError{Msg: "manager must serve at least one tag"}
	}

	now := time.Now().UTC()
	mgr := &types.ComputeManager{
		Name:       name,
		Cluster:    req.Name.Cluster,
		Hostname:   req.Name.Hostname,
		UUID:       req.Name.UUID,
		Username:   req.Username,
		Version:    req.Version,
		Programs:   programs,
		Tags:       tags,
		Status:     types.ManagerActive,
		CreatedOn:  now,
		ModifiedOn: now,
	}

	err := r.db.Update(func(tx *storage.Tx) error {
		if _, err := tx.GetManagerByName(name); err == nil {
			return &types.ManagerError{Name: name, Msg: "already registered"}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return tx.InsertManager(mgr)
	})
	if err != nil {
		return nil, err
	}

	metrics.ManagersActive.Inc()
	r.broker.Publish(&events.Event{Type: events.EventManagerActivated, Manager: name})
	log.WithManager(name).Info().Strs("tags", tags).Msg("manager activated")
	return mgr, nil
}

// Heartbeat refreshes a manager's liveness and replaces its counter
// snapshot. Heartbeats from unknown or inactive managers are rejected
// with a shutdown signal.
func (r *Registry) Heartbeat(name string, counters types.ManagerCounters) error {
	return r.db.Update(func(tx *storage.Tx) error {
		mgr, err := tx.GetManagerByName(name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return &types.ManagerError{Name: name, Msg: "not registered", Shutdown: true}
			}
			return err
		}
		if mgr.Status != types.ManagerActive {
			return &types.ManagerError{Name: name, Msg: "not active", Shutdown: true}
		}
		mgr.TotalCPUHours = counters.TotalCPUHours
		mgr.ActiveTasks = counters.ActiveTasks
		mgr.ActiveCores = counters.ActiveCores
		mgr.ActiveMemory = counters.ActiveMemory
		mgr.ModifiedOn = time.Now().UTC()
		return tx.PutManager(mgr)
	})
}

// Deactivate marks the named managers inactive and returns their
// running records to waiting. Already-inactive managers are skipped.
// Returns the names actually deactivated.
func (r *Registry) Deactivate(names []string, reason string) ([]string, error) {
	return r.deactivate(func(m *types.ComputeManager) bool {
		for _, n := range names {
			if m.Name == n {
				return true
			}
		}
		return false
	}, reason)
}

// DeactivateBefore deactivates every active manager whose last
// heartbeat is older than the cutoff
func (r *Registry) DeactivateBefore(cutoff time.Time, reason string) ([]string, error) {
	return r.deactivate(func(m *types.ComputeManager) bool {
		return m.ModifiedOn.Before(cutoff)
	}, reason)
}

func (r *Registry) deactivate(match func(*types.ComputeManager) bool, reason string) ([]string, error) {
	var deactivated []string
	now := time.Now().UTC()

	err := r.db.Update(func(tx *storage.Tx) error {
		var targets []*types.ComputeManager
		err := tx.ForEachManager(func(m *types.ComputeManager) error {
			if m.Status == types.ManagerActive && match(m) {
				cp := *m
				targets = append(targets, &cp)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, mgr := range targets {
			mgr.Status = types.ManagerInactive
			mgr.ModifiedOn = now
			if err := tx.PutManager(mgr); err != nil {
				return err
			}
			deactivated = append(deactivated, mgr.Name)
		}
		if len(deactivated) == 0 {
			return nil
		}

		// return the dead managers' running work to the queue in the
		// same transaction
		nameSet := make(map[string]bool, len(deactivated))
		for _, n := range deactivated {
			nameSet[n] = true
		}
		var ids []int64
		err = tx.ForEachRecord(func(rec *types.Record) error {
			if rec.Status == types.StatusRunning && nameSet[rec.ManagerName] {
				ids = append(ids, rec.ID)
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
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, name := range deactivated {
		metrics.ManagersActive.Dec()
		metrics.ManagersDeactivated.WithLabelValues(reason).Inc()
		r.broker.Publish(&events.Event{Type: events.EventManagerDeactivated, Manager: name, Message: reason})
		log.WithManager(name).Info().Str("reason", reason).Msg("manager deactivated")
	}
	return deactivated, nil
}

// Query returns managers matching the filter in id order, with paging
func (r *Registry) Query(filter types.ManagerQueryFilter) ([]*types.ComputeManager, types.QueryMetadata, error) {
	var matched []*types.ComputeManager

	err := r.db.View(func(tx *storage.Tx) error {
		return tx.ForEachManager(func(m *types.ComputeManager) error {
			if matchManager(m, filter) {
				cp := *m
				matched = append(matched, &cp)
			}
			return nil
		})
	})
	if err != nil {
		return nil, types.QueryMetadata{}, err
	}

	meta := types.QueryMetadata{NFound: len(matched)}
	if filter.Skip > 0 {
		if filter.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Skip:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	meta.NReturned = len(matched)
	return matched, meta, nil
}

// Get retrieves one manager by full name
func (r *Registry) Get(name string) (*types.ComputeManager, error) {
	var mgr *types.ComputeManager
	err := r.db.View(func(tx *storage.Tx) error {
		m, err := tx.GetManagerByName(name)
		if err != nil {
			return err
		}
		mgr = m
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &types.MissingDataError{Kind: "manager", ID: 0}
		}
		return nil, err
	}
	return mgr, nil
}

func matchManager(m *types.ComputeManager, f types.ManagerQueryFilter) bool {
	if len(f.Name) > 0 && !containsString(f.Name, m.Name) {
		return false
	}
	if len(f.Cluster) > 0 && !containsString(f.Cluster, m.Cluster) {
		return false
	}
	if len(f.Hostname) > 0 && !containsString(f.Hostname, m.Hostname) {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if s == m.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ModifiedBefore != nil && !m.ModifiedOn.Before(*f.ModifiedBefore) {
		return false
	}
	if f.ModifiedAfter != nil && !m.ModifiedOn.After(*f.ModifiedAfter) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
