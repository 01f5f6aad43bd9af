package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/fractal/pkg/events"
	"github.com/molforge/fractal/pkg/records"
	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

type fixture struct {
	db      *storage.BoltStore
	engine  *Engine
	records *records.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	broker := events.NewBroker()
	return &fixture{
		db:      db,
		engine:  NewEngine(db, broker),
		records: records.NewStore(db, broker),
	}
}

func butane() *types.Molecule {
	return &types.Molecule{
		Symbols: []string{"C", "C", "C", "C"},
		Geometry: []float64{
			0, 0, 0,
			0, 0, 2.9,
			0, 2.7, 4.0,
			0, 2.7, 6.9,
		},
		Multiplicity: 1,
	}
}

func (f *fixture) record(t *testing.T, id int64) *types.Record {
	t.Helper()
	var rec *types.Record
	err := f.db.View(func(tx *storage.Tx) error {
		var err error
		rec, err = tx.GetRecord(id)
		return err
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) hasServiceRow(t *testing.T, id int64) bool {
	t.Helper()
	found := false
	err := f.db.View(func(tx *storage.Tx) error {
		if _, err := tx.ServiceByRecord(id); err == nil {
			found = true
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

func (f *fixture) completeOptimization(t *testing.T, id int64, energy float64) {
	t.Helper()
	final := butane()
	final.Geometry[2] += 0.01
	env := &types.ResultEnvelope{
		Success:       true,
		Energies:      []float64{energy + 0.1, energy},
		FinalMolecule: final,
	}
	err := f.db.Update(func(tx *storage.Tx) error {
		rec, err := tx.GetRecord(id)
		if err != nil {
			return err
		}
		return records.CompleteTx(tx, rec, "mgr-1", env, time.Now().UTC())
	})
	require.NoError(t, err)
}

func submitTorsiondrive(t *testing.T, f *fixture) int64 {
	t.Helper()
	spec := &types.TorsiondriveSpecification{
		OptimizationSpecification: &types.OptimizationSpecification{
			Program:         "geometric",
			QCSpecification: &types.QCSpecification{Program: "psi4", Driver: types.DriverDeferred, Method: "b3lyp", Basis: "def2-svp"},
		},
		Keywords: types.TorsiondriveKeywords{
			Dihedrals:   [][4]int{{0, 1, 2, 3}},
			GridSpacing: []int{90},
		},
	}
	_, ids, err := f.records.AddTorsiondrives(spec, [][]*types.Molecule{{butane()}}, "", types.PriorityNormal, "", true)
	require.NoError(t, err)
	return ids[0]
}

func TestTorsiondriveLifecycle(t *testing.T) {
	f := newFixture(t)
	id := submitTorsiondrive(t, f)

	// first iteration spawns one constrained optimization per grid point
	require.NoError(t, f.engine.IterateOne(id))
	rec := f.record(t, id)
	assert.Equal(t, types.StatusRunning, rec.Status)
	require.Len(t, rec.ChildrenIDs, 4)

	for _, child := range rec.ChildrenIDs {
		c := f.record(t, child)
		assert.Equal(t, types.RecordOptimization, c.RecordType)
		// each child carries a frozen dihedral
		err := f.db.View(func(tx *storage.Tx) error {
			spec, err := tx.GetOptimizationSpecification(c.Optimization.SpecificationID)
			if err != nil {
				return err
			}
			assert.Contains(t, spec.Keywords, "constraints")
			return nil
		})
		require.NoError(t, err)
	}

	// with children pending, iterating is a no-op
	require.NoError(t, f.engine.IterateOne(id))
	assert.Len(t, f.record(t, id).ChildrenIDs, 4)

	// finish the children with distinct energies
	for i, child := range rec.ChildrenIDs {
		f.completeOptimization(t, child, -155.0-float64(i)*0.01)
	}

	// the final iteration folds the minima and completes the service
	require.NoError(t, f.engine.IterateOne(id))
	rec = f.record(t, id)
	assert.Equal(t, types.StatusComplete, rec.Status)
	require.NotNil(t, rec.Torsiondrive)
	assert.Len(t, rec.Torsiondrive.MinimumOptimizations, 4)
	for key := range rec.Torsiondrive.MinimumOptimizations {
		assert.Contains(t, []string{"[-90]", "[0]", "[90]", "[180]"}, key)
	}

	// the service row is gone once the record completes
	assert.False(t, f.hasServiceRow(t, id))
}

func TestTorsiondriveSpawnsConformersInStableOrder(t *testing.T) {
	f := newFixture(t)

	twisted := func() *types.Molecule {
		m := butane()
		m.Geometry[9] = 1.5
		return m
	}
	tdSpec := func() *types.TorsiondriveSpecification {
		return &types.TorsiondriveSpecification{
			OptimizationSpecification: &types.OptimizationSpecification{
				Program:         "geometric",
				QCSpecification: &types.QCSpecification{Program: "psi4", Driver: types.DriverDeferred, Method: "b3lyp", Basis: "def2-svp"},
			},
			Keywords: types.TorsiondriveKeywords{
				Dihedrals:   [][4]int{{0, 1, 2, 3}},
				GridSpacing: []int{180},
			},
		}
	}

	_, ids, err := f.records.AddTorsiondrives(tdSpec(), [][]*types.Molecule{{butane(), twisted()}}, "", types.PriorityNormal, "", false)
	require.NoError(t, err)
	a := ids[0]
	_, ids, err = f.records.AddTorsiondrives(tdSpec(), [][]*types.Molecule{{twisted(), butane()}}, "", types.PriorityNormal, "", false)
	require.NoError(t, err)
	b := ids[0]
	require.NotEqual(t, a, b)

	require.NoError(t, f.engine.IterateOne(a))
	require.NoError(t, f.engine.IterateOne(b))

	// starting structures are laid out by structural hash, so the
	// dependency order is the same no matter how the conformers were
	// listed at submission
	molSeq := func(id int64) []int64 {
		var seq []int64
		for _, cid := range f.record(t, id).ChildrenIDs {
			c := f.record(t, cid)
			require.NotNil(t, c.Optimization)
			seq = append(seq, c.Optimization.InitialMoleculeID)
		}
		return seq
	}
	seqA, seqB := molSeq(a), molSeq(b)
	require.Len(t, seqA, 4)
	assert.Equal(t, seqA, seqB)
	assert.NotEqual(t, seqA[0], seqA[1])
}

func TestServiceDependencyFailure(t *testing.T) {
	f := newFixture(t)
	id := submitTorsiondrive(t, f)

	require.NoError(t, f.engine.IterateOne(id))
	children := f.record(t, id).ChildrenIDs
	require.NotEmpty(t, children)

	// a cancelled dependency is a dead end for the service
	_, err := f.records.Cancel(children[:1])
	require.NoError(t, err)

	require.NoError(t, f.engine.IterateOne(id))
	rec := f.record(t, id)
	assert.Equal(t, types.StatusError, rec.Status)
	require.NotEmpty(t, rec.ComputeHistory)

	// the service row survives an error so the record can be reset
	assert.True(t, f.hasServiceRow(t, id))
}

func TestServiceResetAfterError(t *testing.T) {
	f := newFixture(t)
	id := submitTorsiondrive(t, f)

	require.NoError(t, f.engine.IterateOne(id))
	children := f.record(t, id).ChildrenIDs
	_, err := f.records.Cancel(children[:1])
	require.NoError(t, err)
	require.NoError(t, f.engine.IterateOne(id))
	require.Equal(t, types.StatusError, f.record(t, id).Status)

	// reset the service and its dead dependency, then iterate again
	_, err = f.records.Reset([]int64{id})
	require.NoError(t, err)
	_, err = f.records.Uncancel(children[:1])
	require.NoError(t, err)

	for i, child := range children {
		f.completeOptimization(t, child, -155.0-float64(i)*0.01)
	}
	require.NoError(t, f.engine.IterateOne(id))
	assert.Equal(t, types.StatusComplete, f.record(t, id).Status)
}

func TestIterateAllOrdersByPriority(t *testing.T) {
	f := newFixture(t)

	low := submitTorsiondrive(t, f)

	spec := &types.TorsiondriveSpecification{
		OptimizationSpecification: &types.OptimizationSpecification{
			Program:         "geometric",
			QCSpecification: &types.QCSpecification{Program: "psi4", Driver: types.DriverDeferred, Method: "hf", Basis: "sto-3g"},
		},
		Keywords: types.TorsiondriveKeywords{
			Dihedrals:   [][4]int{{0, 1, 2, 3}},
			GridSpacing: []int{180},
		},
	}
	_, ids, err := f.records.AddTorsiondrives(spec, [][]*types.Molecule{{butane()}}, "", types.PriorityHigh, "", true)
	require.NoError(t, err)
	high := ids[0]

	// with a batch of one, only the high-priority service is touched
	n, err := f.engine.IterateAll(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.StatusRunning, f.record(t, high).Status)
	assert.Equal(t, types.StatusWaiting, f.record(t, low).Status)

	n, err = f.engine.IterateAll(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, types.StatusRunning, f.record(t, low).Status)
}
