// Package notify emits northbound change notifications after a commit.
// Delivery is best effort: failures are logged and counted, never returned
// as transaction failures.
package notify

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/model"
	internaltelemetry "github.com/sushant-115/physcoord/internal/telemetry"
)

// Event is one northbound notification. Old is nil for creates, New is nil
// for deletes.
type Event struct {
	Datastore model.Datastore  `json:"datastore"`
	Kind      model.EntityKind `json:"kind"`
	Operation model.Operation  `json:"operation"`
	Key       model.Key        `json:"key"`
	Old       *model.Value     `json:"old,omitempty"`
	New       *model.Value     `json:"new,omitempty"`
}

// Publisher delivers events to the northbound channel.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Change is one entity change of a commit.
type Change struct {
	Key model.Key
	Old *model.Value
	New *model.Value
}

// Changes groups the changes of one kind.
type Changes struct {
	Deleted []Change
	Created []Change
	Updated []Change
}

// Empty reports whether there is nothing to notify.
func (c Changes) Empty() bool {
	return len(c.Deleted) == 0 && len(c.Created) == 0 && len(c.Updated) == 0
}

// Dispatcher sends notifications through a Publisher.
type Dispatcher struct {
	pub     Publisher
	logger  *zap.Logger
	metrics *internaltelemetry.CoordinatorMetrics
	lock    *sync.RWMutex
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEventLock makes NotifyChanges hold the read side of l, the lock the
// coordinator write-locks around a commit.
func WithEventLock(l *sync.RWMutex) DispatcherOption {
	return func(d *Dispatcher) { d.lock = l }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(pub Publisher, logger *zap.Logger, metrics *internaltelemetry.CoordinatorMetrics, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopMetrics()
	}
	d := &Dispatcher{pub: pub, logger: logger.Named("notify"), metrics: metrics}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Notify publishes a single event. The error is informational.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) error {
	err := d.pub.Publish(ctx, ev)
	result := "ok"
	if err != nil {
		result = "error"
		d.logger.Warn("notification failed",
			zap.Stringer("datastore", ev.Datastore),
			zap.Stringer("kind", ev.Kind),
			zap.Stringer("operation", ev.Operation),
			zap.Stringer("key", ev.Key),
			zap.Error(err))
	}
	d.metrics.NotificationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", ev.Kind.String()),
		attribute.String("operation", ev.Operation.String()),
		attribute.String("result", result),
	))
	return err
}

// NotifyChanges publishes the changes of one kind, deletes first, then
// creates, then updates. It returns how many notifications failed.
func (d *Dispatcher) NotifyChanges(ctx context.Context, ds model.Datastore, kind model.EntityKind, changes Changes) int {
	if d.lock != nil {
		d.lock.RLock()
		defer d.lock.RUnlock()
	}
	failed := 0
	emit := func(op model.Operation, list []Change) {
		for _, c := range list {
			ev := Event{Datastore: ds, Kind: kind, Operation: op, Key: c.Key, Old: c.Old, New: c.New}
			if err := d.Notify(ctx, ev); err != nil {
				failed++
			}
		}
	}
	emit(model.OpDelete, changes.Deleted)
	emit(model.OpCreate, changes.Created)
	emit(model.OpUpdate, changes.Updated)
	return failed
}
