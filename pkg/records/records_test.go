package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, nil)
}

func water() *types.Molecule {
	return &types.Molecule{
		Symbols: []string{"O", "H", "H"},
		Geometry: []float64{
			0, 0, 0,
			0, 0, 1.8,
			0, 1.75, -0.45,
		},
		Charge:       0,
		Multiplicity: 1,
	}
}

func energySpec() *types.QCSpecification {
	return &types.QCSpecification{
		Program: "psi4",
		Driver:  types.DriverEnergy,
		Method:  "b3lyp",
		Basis:   "def2-svp",
	}
}

func optSpec() *types.OptimizationSpecification {
	return &types.OptimizationSpecification{
		Program:         "geometric",
		QCSpecification: &types.QCSpecification{Program: "psi4", Driver: types.DriverDeferred, Method: "b3lyp", Basis: "def2-svp"},
	}
}

func TestAddSinglepointsCreatesRecordAndTask(t *testing.T) {
	s := newTestStore(t)

	meta, ids, err := s.AddSinglepoints(energySpec(), []*types.Molecule{water()}, "tag1", types.PriorityNormal, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NInserted())
	require.Len(t, ids, 1)

	err = s.db.View(func(tx *storage.Tx) error {
		rec, err := tx.GetRecord(ids[0])
		require.NoError(t, err)
		assert.Equal(t, types.RecordSinglepoint, rec.RecordType)
		assert.Equal(t, types.StatusWaiting, rec.Status)
		assert.Equal(t, "alice", rec.CreatorUser)
		require.NotNil(t, rec.Singlepoint)

		task, err := tx.TaskByRecord(ids[0])
		require.NoError(t, err)
		assert.True(t, task.Available)
		assert.Equal(t, "tag1", task.ComputeTag)
		assert.Equal(t, "qcengine.compute", task.Function)
		assert.Contains(t, task.RequiredPrograms, "psi4")
		return nil
	})
	require.NoError(t, err)
}

func TestAddSinglepointsFindExisting(t *testing.T) {
	s := newTestStore(t)

	_, first, err := s.AddSinglepoints(energySpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "", true)
	require.NoError(t, err)

	// same spec and molecule resolves to the same record
	meta, second, err := s.AddSinglepoints(energySpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "", true)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NExisting())
	assert.Equal(t, first[0], second[0])

	// without find_existing a duplicate record is created
	_, third, err := s.AddSinglepoints(energySpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "", false)
	require.NoError(t, err)
	assert.NotEqual(t, first[0], third[0])
}

func TestAddSinglepointsEmptyTagBecomesWildcard(t *testing.T) {
	s := newTestStore(t)

	_, ids, err := s.AddSinglepoints(energySpec(), []*types.Molecule{water()}, "  ", types.PriorityLow, "", true)
	require.NoError(t, err)

	err = s.db.View(func(tx *storage.Tx) error {
		task, err := tx.TaskByRecord(ids[0])
		require.NoError(t, err)
		assert.Equal(t, "*", task.ComputeTag)
		assert.Equal(t, types.PriorityLow, task.ComputePriority)
		return nil
	})
	require.NoError(t, err)
}

func TestAddOptimizationsTaskPayload(t *testing.T) {
	s := newTestStore(t)

	_, ids, err := s.AddOptimizations(optSpec(), []*types.Molecule{water()}, "opt", types.PriorityHigh, "", true)
	require.NoError(t, err)

	err = s.db.View(func(tx *storage.Tx) error {
		task, err := tx.TaskByRecord(ids[0])
		require.NoError(t, err)
		assert.Equal(t, "qcengine.compute_procedure", task.Function)
		assert.Contains(t, task.RequiredPrograms, "geometric")
		assert.Contains(t, task.RequiredPrograms, "psi4")
		return nil
	})
	require.NoError(t, err)
}

func TestAddTorsiondrivesCreatesService(t *testing.T) {
	s := newTestStore(t)

	spec := &types.TorsiondriveSpecification{
		OptimizationSpecification: optSpec(),
		Keywords: types.TorsiondriveKeywords{
			Dihedrals:   [][4]int{{0, 1, 2, 3}},
			GridSpacing: []int{90},
		},
	}
	meta, ids, err := s.AddTorsiondrives(spec, [][]*types.Molecule{{water()}}, "svc", types.PriorityNormal, "", true)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NInserted())

	err = s.db.View(func(tx *storage.Tx) error {
		rec, err := tx.GetRecord(ids[0])
		require.NoError(t, err)
		assert.Equal(t, types.RecordTorsiondrive, rec.RecordType)
		require.NotNil(t, rec.Torsiondrive)

		// services get a service row, never a task row
		_, err = tx.TaskByRecord(ids[0])
		assert.ErrorIs(t, err, storage.ErrNotFound)
		svc, err := tx.ServiceByRecord(ids[0])
		require.NoError(t, err)
		assert.Equal(t, "svc", svc.ComputeTag)
		assert.True(t, svc.FindExisting)
		return nil
	})
	require.NoError(t, err)
}

func TestAddReactionsDedupIgnoresComponentOrder(t *testing.T) {
	s := newTestStore(t)

	spec := &types.ReactionSpecification{
		SinglepointSpecification: energySpec(),
	}
	o2 := &types.Molecule{Symbols: []string{"O", "O"}, Geometry: []float64{0, 0, 0, 0, 0, 2.3}, Multiplicity: 3}

	forward := [][]ReactionComponentInput{{
		{Molecule: water(), Coefficient: -1},
		{Molecule: o2, Coefficient: 0.5},
	}}
	reversed := [][]ReactionComponentInput{{
		{Molecule: o2, Coefficient: 0.5},
		{Molecule: water(), Coefficient: -1},
	}}

	_, first, err := s.AddReactions(spec, forward, "", types.PriorityNormal, "", true)
	require.NoError(t, err)
	meta, second, err := s.AddReactions(spec, reversed, "", types.PriorityNormal, "", true)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NExisting())
	assert.Equal(t, first[0], second[0])
}

func TestGetProjection(t *testing.T) {
	s := newTestStore(t)

	_, ids, err := s.AddSinglepoints(energySpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "", true)
	require.NoError(t, err)
	require.NoError(t, s.AddComment(ids[0], "bob", "check this"))

	// default projection hides relationships
	recs, err := s.Get(ids, types.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs[0].Comments)

	// including them brings them back
	recs, err = s.Get(ids, types.GetOptions{Include: []string{"comments"}})
	require.NoError(t, err)
	require.Len(t, recs[0].Comments, 1)
	assert.Equal(t, "bob", recs[0].Comments[0].Username)

	// "*" selects the default columns; relationships stay hidden unless
	// named explicitly
	recs, err = s.Get(ids, types.GetOptions{Include: []string{"*"}})
	require.NoError(t, err)
	assert.Empty(t, recs[0].Comments)

	recs, err = s.Get(ids, types.GetOptions{Include: []string{"*", "comments"}})
	require.NoError(t, err)
	assert.Len(t, recs[0].Comments, 1)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	recs, err := s.Get([]int64{404}, types.GetOptions{MissingOK: true})
	require.NoError(t, err)
	assert.Nil(t, recs[0])

	_, err = s.Get([]int64{404}, types.GetOptions{})
	var mde *types.MissingDataError
	assert.ErrorAs(t, err, &mde)
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)

	_, spIDs, err := s.AddSinglepoints(energySpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "alice", true)
	require.NoError(t, err)
	_, _, err = s.AddOptimizations(optSpec(), []*types.Molecule{water()}, "", types.PriorityNormal, "bob", true)
	require.NoError(t, err)

	recs, meta, err := s.Query(types.RecordQueryFilter{RecordType: []types.RecordType{types.RecordSinglepoint}})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NFound)
	assert.Equal(t, spIDs[0], recs[0].ID)

	recs, _, err = s.Query(types.RecordQueryFilter{CreatorUser: []string{"bob"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.RecordOptimization, recs[0].RecordType)

	// specification attribute filters only match leaf records
	recs, meta, err = s.Query(types.RecordQueryFilter{Method: []string{"b3lyp"}})
	require.NoError(t, err)
	assert.Equal(t, 2, meta.NFound)

	_, meta, err = s.Query(types.RecordQueryFilter{Method: []string{"pbe0"}})
	require.NoError(t, err)
	assert.Equal(t, 0, meta.NFound)
}

func TestQueryPagination(t *testing.T) {
	s := newTestStore(t)

	mols := []*types.Molecule{water()}
	for i := 0; i < 5; i++ {
		m := water()
		m.Geometry[5] += float64(i+1) * 0.1
		mols = append(mols, m)
	}
	_, _, err := s.AddSinglepoints(energySpec(), mols, "", types.PriorityNormal, "", true)
	require.NoError(t, err)

	recs, meta, err := s.Query(types.RecordQueryFilter{Limit: 2, Skip: 1})
	require.NoError(t, err)
	assert.Equal(t, 6, meta.NFound)
	assert.Equal(t, 2, meta.NReturned)
	require.Len(t, recs, 2)
}
