// Package diff classifies the candidate rows a transaction will apply and
// runs the referential checks that must hold before they are applied.
package diff

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/logical"
	"github.com/sushant-115/physcoord/core/model"
)

// ErrReferenced refuses a delete of an entity something still depends on.
// Retrying the same transaction cannot succeed.
var ErrReferenced = errors.New("diff: entity still referenced")

// Staged exposes what earlier diff steps of the same transaction produced.
type Staged interface {
	Keys(kind model.EntityKind, status model.RowStatus) []model.Key
}

// Request selects one (kind, status) slice of the candidate datastore.
type Request struct {
	Kind   model.EntityKind
	Status model.RowStatus
	Mode   model.ConfigMode
	Staged Staged
}

// Result is the classified slice.
type Result struct {
	Keys []model.Key
	// Recreated lists created controllers that still exist in running and
	// must be deleted before being created again.
	Recreated []model.Key
}

// Engine computes diffs against a store.
type Engine struct {
	store   datastore.Store
	logical logical.Layer
	logger  *zap.Logger
}

// NewEngine creates an engine.
func NewEngine(store datastore.Store, layer logical.Layer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logical: layer, logger: logger.Named("diff")}
}

// Diff returns the keys of candidate rows with req.Status.
func (e *Engine) Diff(ctx context.Context, req Request) (Result, error) {
	rows, err := e.store.ReadModified(ctx, model.DatastoreCandidate, req.Kind, req.Status)
	if err != nil {
		return Result{}, storageErr(fmt.Sprintf("read %s %s rows", req.Status, req.Kind), err)
	}

	var res Result
	for _, row := range rows {
		switch req.Status {
		case model.RowCreated:
			if req.Kind == model.KindController {
				exists, err := e.store.Exists(ctx, model.DatastoreRunning, row.Key)
				if err != nil {
					return Result{}, storageErr("check "+row.Key.String(), err)
				}
				if exists {
					res.Recreated = append(res.Recreated, row.Key)
				}
			}
		case model.RowDeleted:
			exists, err := e.store.Exists(ctx, model.DatastoreRunning, row.Key)
			if err != nil {
				return Result{}, storageErr("check "+row.Key.String(), err)
			}
			if !exists {
				e.logger.Debug("dropping delete of entity never applied", zap.Stringer("key", row.Key))
				continue
			}
			if err := e.checkDelete(ctx, req, row.Key); err != nil {
				return Result{}, err
			}
		}
		res.Keys = append(res.Keys, row.Key)
	}
	return res, nil
}

func (e *Engine) checkDelete(ctx context.Context, req Request, key model.Key) error {
	if req.Mode != model.ModeGlobal {
		return nil
	}
	if key.Kind != model.KindController && key.Kind != model.KindBoundary {
		return nil
	}
	if e.logical != nil {
		referenced, err := e.logical.IsReferenced(ctx, key)
		if err != nil {
			return fmt.Errorf("reference check of %s: %w", key, err)
		}
		if referenced {
			return fmt.Errorf("%w: %s is used by the logical layer", ErrReferenced, key)
		}
	}
	if key.Kind != model.KindController || req.Staged == nil {
		return nil
	}
	for _, status := range []model.RowStatus{model.RowCreated, model.RowUpdated} {
		for _, bk := range req.Staged.Keys(model.KindBoundary, status) {
			row, err := e.store.Read(ctx, model.DatastoreCandidate, bk)
			if err != nil {
				return storageErr("read "+bk.String(), err)
			}
			if row.Value.Boundary != nil && row.Value.Boundary.References(key.Controller) {
				return fmt.Errorf("%w: %s is used by %s boundary %s", ErrReferenced, key, status, bk.Boundary)
			}
		}
	}
	return nil
}

func storageErr(what string, err error) error {
	if errors.Is(err, datastore.ErrStorage) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%s: %w: %w", what, datastore.ErrStorage, err)
}
