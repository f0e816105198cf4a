// Package logical is the coordinator's view of the logical layer: the
// service that owns virtual topology built on top of physical controllers.
// It is asked whether an entity is still referenced before a delete, and it
// receives every committed change.
package logical

import (
	"context"

	"github.com/sushant-115/physcoord/core/model"
)

// Push is one change delivered to the logical layer.
type Push struct {
	Datastore model.Datastore  `json:"datastore"`
	Operation model.Operation  `json:"operation"`
	Kind      model.EntityKind `json:"kind"`
	Key       model.Key        `json:"key"`
	Value     model.Value      `json:"value"`
}

// Layer is implemented by logical-layer clients.
type Layer interface {
	IsReferenced(ctx context.Context, key model.Key) (bool, error)
	Push(ctx context.Context, p Push) error
}
