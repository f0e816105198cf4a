package datastore

import (
	"context"
	"sync"

	"github.com/sushant-115/physcoord/core/model"
)

// MemStore keeps every datastore in maps. It backs tests and the
// `store.backend: memory` configuration.
type MemStore struct {
	mu   sync.RWMutex
	rows map[model.Datastore]map[string]model.Row
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	s := &MemStore{rows: make(map[model.Datastore]map[string]model.Row)}
	for _, ds := range model.AllDatastores() {
		s.rows[ds] = make(map[string]model.Row)
	}
	return s
}

func (s *MemStore) table(ds model.Datastore) map[string]model.Row {
	t, ok := s.rows[ds]
	if !ok {
		t = make(map[string]model.Row)
		s.rows[ds] = t
	}
	return t
}

func (s *MemStore) Read(_ context.Context, ds model.Datastore, key model.Key) (model.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[ds][key.String()]
	if !ok {
		return model.Row{}, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *MemStore) ReadAll(_ context.Context, ds model.Datastore, kind model.EntityKind) ([]model.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Row
	for _, row := range s.rows[ds] {
		if row.Key.Kind == kind {
			out = append(out, row.Clone())
		}
	}
	sortRows(out)
	return out, nil
}

func (s *MemStore) ReadModified(_ context.Context, ds model.Datastore, kind model.EntityKind, status model.RowStatus) ([]model.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Row
	for _, row := range s.rows[ds] {
		if row.Key.Kind == kind && row.Status == status {
			out = append(out, row.Clone())
		}
	}
	sortRows(out)
	return out, nil
}

func (s *MemStore) Exists(_ context.Context, ds model.Datastore, key model.Key) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rows[ds][key.String()]
	return ok, nil
}

func (s *MemStore) Write(_ context.Context, ds model.Datastore, row model.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(ds)[row.Key.String()] = row.Clone()
	return nil
}

func (s *MemStore) Delete(_ context.Context, ds model.Datastore, key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table(ds), key.String())
	return nil
}

func (s *MemStore) ClearController(_ context.Context, ds model.Datastore, controller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(ds)
	for k, row := range t {
		if row.Key.OwnedBy(controller) {
			delete(t, k)
		}
	}
	return nil
}

func (s *MemStore) CommitAll(_ context.Context, from, to model.Datastore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.table(from)
	dst := make(map[string]model.Row, len(src))
	for k, row := range src {
		if row.Status == model.RowDeleted {
			delete(src, k)
			continue
		}
		row.Status = model.RowApplied
		src[k] = row
		dst[k] = row.Clone()
	}
	s.rows[to] = dst
	return nil
}

func (s *MemStore) Close() error { return nil }
