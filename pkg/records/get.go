package records

import (
	"errors"

	"github.com/molforge/fractal/pkg/storage"
	"github.com/molforge/fractal/pkg/types"
)

// relationship column names recognized by Include/Exclude
const (
	colComputeHistory = "compute_history"
	colComments       = "comments"
	colNativeFiles    = "native_files"
	colChildren       = "children"
	colInfoBackup     = "info_backup"
)

// Get retrieves records by id, in input order. Relationships are only
// populated when named in opts.Include. With MissingOK, unknown ids
// yield nil entries; otherwise the first unknown id fails the call.
func (s *Store) Get(ids []int64, opts types.GetOptions) ([]*types.Record, error) {
	out := make([]*types.Record, len(ids))
	err := s.db.View(func(tx *storage.Tx) error {
		for i, id := range ids {
			r, err := tx.GetRecord(id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					if opts.MissingOK {
						continue
					}
					return &types.MissingDataError{Kind: "record", ID: id}
				}
				return err
			}
			out[i] = project(r, opts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSingle retrieves one record with all relationships populated
func (s *Store) GetSingle(id int64) (*types.Record, error) {
	recs, err := s.Get([]int64{id}, types.GetOptions{
		Include: []string{colComputeHistory, colComments, colNativeFiles, colChildren},
	})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// project applies include/exclude to a copy of the record. The id and
// record type always survive projection.
func project(r *types.Record, opts types.GetOptions) *types.Record {
	cp := *r

	// relationships are only populated when named explicitly; a "*"
	// entry selects the default columns and no relationships
	included := func(name string) bool {
		for _, ex := range opts.Exclude {
			if ex == name {
				return false
			}
		}
		for _, in := range opts.Include {
			if in == name {
				return true
			}
		}
		return false
	}

	if !included(colComputeHistory) {
		cp.ComputeHistory = nil
	}
	if !included(colComments) {
		cp.Comments = nil
	}
	if !included(colNativeFiles) {
		cp.NativeFiles = nil
	}
	if !included(colChildren) {
		cp.ChildrenIDs = nil
	}
	if !included(colInfoBackup) {
		cp.InfoBackup = nil
	}
	return &cp
}

// Query returns records matching the filter in id order, with paging.
// NFound counts every match before the page is cut.
func (s *Store) Query(filter types.RecordQueryFilter) ([]*types.Record, types.QueryMetadata, error) {
	var matched []*types.Record

	err := s.db.View(func(tx *storage.Tx) error {
		var childSet map[int64]bool
		if filter.ParentID != 0 {
			parent, err := tx.GetRecord(filter.ParentID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}
			childSet = make(map[int64]bool, len(parent.ChildrenIDs))
			for _, id := range parent.ChildrenIDs {
				childSet[id] = true
			}
		}

		return tx.ForEachRecord(func(r *types.Record) error {
			if childSet != nil && !childSet[r.ID] {
				return nil
			}
			ok, err := matchRecord(tx, r, filter)
			if err != nil {
				return err
			}
			if ok {
				matched = append(matched, r)
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

func matchRecord(tx *storage.Tx, r *types.Record, f types.RecordQueryFilter) (bool, error) {
	if len(f.RecordType) > 0 && !containsType(f.RecordType, r.RecordType) {
		return false, nil
	}
	if len(f.Status) > 0 && !containsStatus(f.Status, r.Status) {
		return false, nil
	}
	if f.CreatedBefore != nil && !r.CreatedOn.Before(*f.CreatedBefore) {
		return false, nil
	}
	if f.CreatedAfter != nil && !r.CreatedOn.After(*f.CreatedAfter) {
		return false, nil
	}
	if f.ModifiedBefore != nil && !r.ModifiedOn.Before(*f.ModifiedBefore) {
		return false, nil
	}
	if f.ModifiedAfter != nil && !r.ModifiedOn.After(*f.ModifiedAfter) {
		return false, nil
	}
	if len(f.CreatorUser) > 0 && !containsString(f.CreatorUser, r.CreatorUser) {
		return false, nil
	}
	if len(f.ManagerName) > 0 && !containsString(f.ManagerName, r.ManagerName) {
		return false, nil
	}
	if f.ChildID != 0 && !containsID(r.ChildrenIDs, f.ChildID) {
		return false, nil
	}

	if len(f.Program) > 0 || len(f.Method) > 0 || len(f.Basis) > 0 {
		ok, err := matchSpecification(tx, r, f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// matchSpecification checks leaf specification attributes. Service
// records never match specification filters.
func matchSpecification(tx *storage.Tx, r *types.Record, f types.RecordQueryFilter) (bool, error) {
	var qc *types.QCSpecification
	switch r.RecordType {
	case types.RecordSinglepoint:
		spec, err := tx.GetQCSpecification(r.Singlepoint.SpecificationID)
		if err != nil {
			return false, err
		}
		qc = spec
	case types.RecordOptimization:
		spec, err := tx.GetOptimizationSpecification(r.Optimization.SpecificationID)
		if err != nil {
			return false, err
		}
		inner, err := tx.GetQCSpecification(spec.QCSpecificationID)
		if err != nil {
			return false, err
		}
		qc = inner
	default:
		return false, nil
	}

	if len(f.Program) > 0 && !containsString(f.Program, qc.Program) {
		return false, nil
	}
	if len(f.Method) > 0 && !containsString(f.Method, qc.Method) {
		return false, nil
	}
	if len(f.Basis) > 0 && !containsString(f.Basis, qc.Basis) {
		return false, nil
	}
	return true, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsType(list []types.RecordType, v types.RecordType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func containsStatus(list []types.RecordStatus, v types.RecordStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsID(list []int64, v int64) bool {
	for _, id := range list {
		if id == v {
			return true
		}
	}
	return false
}
