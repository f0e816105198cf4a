// Package ledger records, per controller, the last commit successfully
// applied to it. The record lives in the controller row itself so it is
// committed together with the rest of the configuration.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/model"
)

// Ledger reads and writes commit versions.
type Ledger struct {
	store  datastore.Store
	logger *zap.Logger
}

// New creates a ledger over store.
func New(store datastore.Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger.Named("ledger")}
}

// Get returns the commit version recorded in running. A controller without
// a running row has the blank version.
func (l *Ledger) Get(ctx context.Context, controller string) (model.CommitVersion, error) {
	row, err := l.store.Read(ctx, model.DatastoreRunning, model.ControllerKey(controller))
	if errors.Is(err, datastore.ErrNotFound) {
		return model.CommitVersion{}, nil
	}
	if err != nil {
		return model.CommitVersion{}, fmt.Errorf("read commit version of %s: %w", controller, err)
	}
	if row.Value.Controller == nil {
		return model.CommitVersion{}, nil
	}
	return row.Value.Controller.Commit, nil
}

// Set writes cv into the controller row of ds. The row must exist.
func (l *Ledger) Set(ctx context.Context, controller string, cv model.CommitVersion, ds model.Datastore) error {
	key := model.ControllerKey(controller)
	row, err := l.store.Read(ctx, ds, key)
	if err != nil {
		return fmt.Errorf("set commit version of %s in %s: %w", controller, ds, err)
	}
	if row.Value.Controller == nil {
		return fmt.Errorf("set commit version of %s in %s: %w", controller, ds, datastore.ErrNotFound)
	}
	row.Value.Controller.Commit = cv
	if err := l.store.Write(ctx, ds, row); err != nil {
		return fmt.Errorf("set commit version of %s in %s: %w", controller, ds, err)
	}
	l.logger.Debug("commit version written",
		zap.String("controller", controller),
		zap.Stringer("datastore", ds),
		zap.Uint64("number", cv.Number))
	return nil
}

// Reset blanks the commit version of one controller in ds.
func (l *Ledger) Reset(ctx context.Context, controller string, ds model.Datastore) error {
	return l.Set(ctx, controller, model.CommitVersion{}, ds)
}

// ResetAll blanks every controller's commit version in each datastore.
func (l *Ledger) ResetAll(ctx context.Context, datastores ...model.Datastore) error {
	for _, ds := range datastores {
		rows, err := l.store.ReadAll(ctx, ds, model.KindController)
		if err != nil {
			return fmt.Errorf("reset commit versions in %s: %w", ds, err)
		}
		for _, row := range rows {
			if row.Value.Controller == nil || row.Value.Controller.Commit.IsZero() {
				continue
			}
			row.Value.Controller.Commit = model.CommitVersion{}
			if err := l.store.Write(ctx, ds, row); err != nil {
				return fmt.Errorf("reset commit version of %s in %s: %w", row.Key.Controller, ds, err)
			}
		}
	}
	return nil
}
