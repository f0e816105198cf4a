// Package datastore defines the row-level persistence contract the
// coordinator needs and provides an in-memory and a bbolt implementation.
package datastore

import (
	"context"
	"errors"
	"sort"

	"github.com/sushant-115/physcoord/core/model"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("datastore: row not found")
	// ErrStorage marks failures of the underlying storage engine.
	ErrStorage = errors.New("datastore: storage failure")
)

// Store is the persistence layer the coordinator reads and writes. All
// methods must be safe for concurrent use.
type Store interface {
	// Read returns one row or ErrNotFound.
	Read(ctx context.Context, ds model.Datastore, key model.Key) (model.Row, error)
	// ReadAll returns every row of a kind, ordered by key.
	ReadAll(ctx context.Context, ds model.Datastore, kind model.EntityKind) ([]model.Row, error)
	// ReadModified returns rows of a kind carrying the given status.
	ReadModified(ctx context.Context, ds model.Datastore, kind model.EntityKind, status model.RowStatus) ([]model.Row, error)
	Exists(ctx context.Context, ds model.Datastore, key model.Key) (bool, error)
	// Write upserts a row.
	Write(ctx context.Context, ds model.Datastore, row model.Row) error
	// Delete removes a row; deleting a missing row is not an error.
	Delete(ctx context.Context, ds model.Datastore, key model.Key) error
	// ClearController removes every row owned by the controller.
	ClearController(ctx context.Context, ds model.Datastore, controller string) error
	// CommitAll atomically makes `to` a copy of `from`: rows marked deleted
	// vanish from both, every surviving row ends up RowApplied in both.
	CommitAll(ctx context.Context, from, to model.Datastore) error
	Close() error
}

func sortRows(rows []model.Row) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key.String() < rows[j].Key.String()
	})
}

// UpdateController applies fn to the controller row of name in each
// datastore that has one. Missing rows are skipped.
func UpdateController(ctx context.Context, s Store, name string, fn func(*model.ControllerValue), datastores ...model.Datastore) error {
	for _, ds := range datastores {
		row, err := s.Read(ctx, ds, model.ControllerKey(name))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if row.Value.Controller == nil {
			continue
		}
		fn(row.Value.Controller)
		if err := s.Write(ctx, ds, row); err != nil {
			return err
		}
	}
	return nil
}
