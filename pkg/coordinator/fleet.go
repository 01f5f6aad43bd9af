package coordinator

import (
	"github.com/molforge/fractal/pkg/managers"
	"github.com/molforge/fractal/pkg/taskqueue"
	"github.com/molforge/fractal/pkg/types"
)

// The fleet API is the contract offered to remote compute managers.
// Contract violations come back as ManagerError; when Shutdown is set
// the manager must terminate instead of retrying.

// ActivateManager registers a manager for claiming work
func (c *Coordinator) ActivateManager(req managers.ActivateRequest) (*types.ComputeManager, error) {
	return c.Managers.Activate(req)
}

// ManagerHeartbeat refreshes liveness and accounting for a manager
func (c *Coordinator) ManagerHeartbeat(name string, counters types.ManagerCounters) error {
	return c.Managers.Heartbeat(name, counters)
}

// ClaimTasks hands available tasks to a manager. The request carries
// the programs and tags the manager is offering for this call.
func (c *Coordinator) ClaimTasks(req taskqueue.ClaimRequest) ([]types.ClaimedTask, error) {
	return c.Queue.ClaimTasks(req)
}

// ReturnTasks folds finished tasks back into their records
func (c *Coordinator) ReturnTasks(name string, items []taskqueue.ReturnItem) ([]taskqueue.ReturnOutcome, error) {
	return c.Queue.ReturnResults(name, items)
}

// DeactivateManager retires a manager and requeues its running work
func (c *Coordinator) DeactivateManager(name string) error {
	_, err := c.Managers.Deactivate([]string{name}, "requested")
	return err
}

// QueryManagers searches the manager registry
func (c *Coordinator) QueryManagers(filter types.ManagerQueryFilter) ([]*types.ComputeManager, types.QueryMetadata, error) {
	return c.Managers.Query(filter)
}
