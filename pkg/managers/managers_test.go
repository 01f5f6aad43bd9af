package managers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/fractal/pkg/events"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRegistry(db, events.NewBroker())
}

func validRequest(uuid string) ActivateRequest {
	return ActivateRequest{
		Name:     types.ManagerName{Cluster: "hpc", Hostname: "node42", UUID: uuid},
		Username: "alice",
		Version:  "0.5.0",
		Programs: map[string]string{"psi4": "1.9", "XTB": "6.6"},
		Tags:     []string{"Prod", "prod", "  *  "},
	}
}

func TestActivateNormalizes(t *testing.T) {
	r := newTestRegistry(t)

	mgr, err := r.Activate(validRequest("aaaa"))
	require.NoError(t, err)

	// program names lowercase, tags lowercased and deduped in order
	assert.Contains(t, mgr.Programs, "xtb")
	assert.Equal(t, []string{"prod", "*"}, mgr.Tags)
	assert.Equal(t, types.ManagerActive, mgr.Status)
	assert.Equal(t, "hpc", mgr.Cluster)
}

func TestActivateValidation(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		req  ActivateRequest
	}{
		{"missing uuid", ActivateRequest{
			Name:     types.ManagerName{Cluster: "hpc", Hostname: "node42"},
			Programs: map[string]string{"psi4": "1.9"},
			Tags:     []string{"*"},
		}},
		{"no programs", ActivateRequest{
			Name: types.ManagerName{Cluster: "hpc", Hostname: "node42", UUID: "aaaa"},
			Tags: []string{"*"},
		}},
		{"no tags", ActivateRequest{
			Name:     types.ManagerName{Cluster: "hpc", Hostname: "node42", UUID: "aaaa"},
			Programs: map[string]string{"psi4": "1.9"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Activate(tt.req)
			var ipe *types.InvalidPayloadError
			assert.ErrorAs(t, err, &ipe)
		})
	}
}

func TestActivateDropsEmptyEntries(t *testing.T) {
	r := newTestRegistry(t)

	req := validRequest("bbbb")
	req.Programs[""] = "0"
	req.Tags = []string{"", "Prod", "   "}
	mgr, err := r.Activate(req)
	require.NoError(t, err)

	// zero-length entries are removed, not fatal
	assert.NotContains(t, mgr.Programs, "")
	assert.Equal(t, []string{"prod"}, mgr.Tags)

	// nothing left after removal is still invalid
	bad := validRequest("cccc")
	bad.Tags = []string{"", "   "}
	var ipe *types.InvalidPayloadError
	_, err = r.Activate(bad)
	assert.ErrorAs(t, err, &ipe)
}

func TestActivateDuplicateName(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Activate(validRequest("aaaa"))
	require.NoError(t, err)

	_, err = r.Activate(validRequest("aaaa"))
	var me *types.ManagerError
	require.ErrorAs(t, err, &me)
	assert.False(t, me.Shutdown)
}

func TestHeartbeat(t *testing.T) {
	r := newTestRegistry(t)

	mgr, err := r.Activate(validRequest("aaaa"))
	require.NoError(t, err)

	err = r.Heartbeat(mgr.Name, types.ManagerCounters{
		TotalCPUHours: 12.5,
		ActiveTasks:   3,
		ActiveCores:   8,
		ActiveMemory:  16.0,
	})
	require.NoError(t, err)

	got, err := r.Get(mgr.Name)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, got.TotalCPUHours, 1e-12)
	assert.Equal(t, 3, got.ActiveTasks)
}

func TestHeartbeatUnknownManagerShutdown(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Heartbeat("hpc-ghost-bbbb", types.ManagerCounters{})
	var me *types.ManagerError
	require.ErrorAs(t, err, &me)
	assert.True(t, me.Shutdown)
}

func TestHeartbeatAfterDeactivateShutdown(t *testing.T) {
	r := newTestRegistry(t)

	mgr, err := r.Activate(validRequest("aaaa"))
	require.NoError(t, err)

	names, err := r.Deactivate([]string{mgr.Name}, "requested")
	require.NoError(t, err)
	assert.Equal(t, []string{mgr.Name}, names)

	err = r.Heartbeat(mgr.Name, types.ManagerCounters{})
	var me *types.ManagerError
	require.ErrorAs(t, err, &me)
	assert.True(t, me.Shutdown)
}

func TestDeactivateIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	mgr, err := r.Activate(validRequest("aaaa"))
	require.NoError(t, err)

	_, err = r.Deactivate([]string{mgr.Name}, "requested")
	require.NoError(t, err)

	// a second deactivation matches nothing
	names, err := r.Deactivate([]string{mgr.Name}, "requested")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDeactivateBefore(t *testing.T) {
	r := newTestRegistry(t)

	mgr, err := r.Activate(validRequest("aaaa"))
	require.NoError(t, err)

	// a cutoff in the past reaps nothing
	names, err := r.DeactivateBefore(time.Now().UTC().Add(-time.Hour), "heartbeat_timeout")
	require.NoError(t, err)
	assert.Empty(t, names)
	got, err := r.Get(mgr.Name)
	require.NoError(t, err)
	assert.Equal(t, types.ManagerActive, got.Status)

	// a cutoff past the last heartbeat reaps the manager
	names, err = r.DeactivateBefore(time.Now().UTC().Add(time.Hour), "heartbeat_timeout")
	require.NoError(t, err)
	assert.Equal(t, []string{mgr.Name}, names)
	got, err = r.Get(mgr.Name)
	require.NoError(t, err)
	assert.Equal(t, types.ManagerInactive, got.Status)
}

func TestQueryFiltersAndPaging(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.Activate(validRequest("aaaa"))
	require.NoError(t, err)
	_, err = r.Activate(validRequest("bbbb"))
	require.NoError(t, err)
	_, err = r.Deactivate([]string{a.Name}, "requested")
	require.NoError(t, err)

	active, meta, err := r.Query(types.ManagerQueryFilter{Status: []types.ManagerStatus{types.ManagerActive}})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NFound)
	require.Len(t, active, 1)
	assert.NotEqual(t, a.Name, active[0].Name)

	_, meta, err = r.Query(types.ManagerQueryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, meta.NFound)
	assert.Equal(t, 1, meta.NReturned)
}
