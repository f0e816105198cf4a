package transaction

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/core/notify"
)

// commit applies the global commit results and the change set to running.
func (c *Coordinator) commit(ctx context.Context, cs *ChangeSet, res DriverResults) error {
	if err := c.recordCommitVersions(ctx, cs, res); err != nil {
		return err
	}
	if cs.Empty() {
		return nil
	}

	old, err := c.snapshotAndCommit(ctx, cs)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cs.old = old
	c.mu.Unlock()

	for _, key := range cs.Keys(model.KindController, model.RowDeleted) {
		c.releaseController(ctx, key.Controller)
	}

	for _, kind := range model.Kinds() {
		changes := c.changesOf(ctx, cs, kind, old)
		if changes.Empty() {
			continue
		}
		if failed := c.deps.Notifier.NotifyChanges(ctx, model.DatastoreRunning, kind, changes); failed > 0 {
			c.logger.Warn("some notifications were not delivered", zap.Stringer("kind", kind), zap.Int("failed", failed))
		}
	}

	for _, key := range cs.Keys(model.KindBoundary, model.RowCreated) {
		if err := c.refreshBoundaryStatus(ctx, key); err != nil {
			c.logger.Warn("failed to refresh boundary status", zap.Stringer("boundary", key), zap.Error(err))
		}
	}
	c.logger.Info("global commit applied", zap.Int("changes", cs.Len()))
	return nil
}

func (c *Coordinator) recordCommitVersions(ctx context.Context, cs *ChangeSet, res DriverResults) error {
	if res.IsReplay {
		if err := c.deps.Ledger.ResetAll(ctx, model.DatastoreCandidate, model.DatastoreRunning); err != nil {
			c.logger.Error("failed to reset commit versions for replay", zap.Error(err))
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
		c.logger.Info("commit versions reset for replay")
		return nil
	}

	replaced := make(map[string]model.CommitVersion, len(res.Controllers))
	for _, r := range res.Controllers {
		prev, err := c.deps.Ledger.Get(ctx, r.Controller)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
		replaced[r.Controller] = prev
		if err := c.deps.Ledger.Set(ctx, r.Controller, r.Commit, model.DatastoreCandidate); err != nil {
			c.logger.Error("failed to write candidate commit version", zap.String("controller", r.Controller), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
		if err := c.deps.Ledger.Set(ctx, r.Controller, r.Commit, model.DatastoreRunning); err != nil {
			if cs.IsCreated(r.Controller) {
				c.logger.Debug("running commit version deferred to commit of created controller",
					zap.String("controller", r.Controller), zap.Error(err))
				continue
			}
			c.logger.Error("failed to write running commit version", zap.String("controller", r.Controller), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}
	if cs != nil {
		c.mu.Lock()
		cs.oldCommits = replaced
		c.mu.Unlock()
	}
	return nil
}

// snapshotAndCommit captures running values of everything being replaced or
// removed, then commits candidate to running. Both happen under the event
// lock so northbound readers see either all of the old state or all of the
// new.
func (c *Coordinator) snapshotAndCommit(ctx context.Context, cs *ChangeSet) (map[model.Key]model.Value, error) {
	c.deps.EventLock.Lock()
	defer c.deps.EventLock.Unlock()

	old := make(map[model.Key]model.Value)
	capture := func(keys []model.Key) error {
		for _, key := range keys {
			row, err := c.deps.Store.Read(ctx, model.DatastoreRunning, key)
			if errors.Is(err, datastore.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			old[key] = row.Value
		}
		return nil
	}
	for _, kind := range model.Kinds() {
		if err := capture(cs.Keys(kind, model.RowUpdated)); err != nil {
			return nil, fmt.Errorf("%w: snapshot: %w", ErrFatal, err)
		}
		if err := capture(cs.Keys(kind, model.RowDeleted)); err != nil {
			return nil, fmt.Errorf("%w: snapshot: %w", ErrFatal, err)
		}
	}
	if err := capture(cs.Recreated); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %w", ErrFatal, err)
	}

	if err := c.deps.Store.CommitAll(ctx, model.DatastoreCandidate, model.DatastoreRunning); err != nil {
		c.logger.Error("commit of candidate to running failed", zap.Error(err))
		return nil, fmt.Errorf("%w: commit: %w", ErrFatal, err)
	}
	return old, nil
}

// releaseController drops operational rows and runtime resources of a
// deleted controller.
func (c *Coordinator) releaseController(ctx context.Context, name string) {
	for _, ds := range []model.Datastore{model.DatastoreState, model.DatastoreImport} {
		if err := c.deps.Store.ClearController(ctx, ds, name); err != nil {
			c.logger.Warn("failed to clear rows of deleted controller",
				zap.String("controller", name), zap.Stringer("datastore", ds), zap.Error(err))
		}
	}
	if c.deps.Runtime != nil {
		c.deps.Runtime.Release(name)
	}
}

func (c *Coordinator) changesOf(ctx context.Context, cs *ChangeSet, kind model.EntityKind, old map[model.Key]model.Value) notify.Changes {
	var changes notify.Changes
	oldOf := func(key model.Key) *model.Value {
		if v, ok := old[key]; ok {
			return &v
		}
		return nil
	}
	newOf := func(key model.Key) *model.Value {
		row, err := c.deps.Store.Read(ctx, model.DatastoreRunning, key)
		if err != nil {
			c.logger.Warn("failed to read committed value", zap.Stringer("key", key), zap.Error(err))
			return nil
		}
		return &row.Value
	}
	for _, key := range cs.Keys(kind, model.RowDeleted) {
		changes.Deleted = append(changes.Deleted, notify.Change{Key: key, Old: oldOf(key)})
	}
	for _, key := range cs.Keys(kind, model.RowCreated) {
		changes.Created = append(changes.Created, notify.Change{Key: key, Old: oldOf(key), New: newOf(key)})
	}
	for _, key := range cs.Keys(kind, model.RowUpdated) {
		changes.Updated = append(changes.Updated, notify.Change{Key: key, Old: oldOf(key), New: newOf(key)})
	}
	return changes
}

// refreshBoundaryStatus derives a new boundary's status from the
// controllers at both ends.
func (c *Coordinator) refreshBoundaryStatus(ctx context.Context, key model.Key) error {
	row, err := c.deps.Store.Read(ctx, model.DatastoreRunning, key)
	if err != nil {
		return err
	}
	b := row.Value.Boundary
	if b == nil {
		return nil
	}
	status := model.OperUp
	for _, name := range []string{b.Controller1, b.Controller2} {
		up := false
		c.deps.Runtime.View(name, func() {
			ctrl, err := c.deps.Store.Read(ctx, model.DatastoreRunning, model.ControllerKey(name))
			up = err == nil && ctrl.Value.Controller != nil && ctrl.Value.Controller.OperStatus == model.OperUp
		})
		if !up {
			status = model.OperDown
			break
		}
	}
	if b.OperStatus == status {
		return nil
	}
	b.OperStatus = status
	return c.deps.Store.Write(ctx, model.DatastoreRunning, row)
}
