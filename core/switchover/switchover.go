// Package switchover moves the coordinator between the active and standby
// roles of an HA pair, tearing down or rebuilding driver connectivity and
// per-controller runtime resources.
package switchover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/alarm"
	"github.com/sushant-115/physcoord/core/ctrlstate"
	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/driver"
	"github.com/sushant-115/physcoord/core/logical"
	"github.com/sushant-115/physcoord/core/model"
	internaltelemetry "github.com/sushant-115/physcoord/internal/telemetry"
)

// ErrNoValue marks a running controller row that carries no controller
// value. Such rows get no driver request.
var ErrNoValue = errors.New("switchover: controller row has no value")

// Role is the HA role of this process.
type Role int32

const (
	RoleStandby Role = iota
	RoleActive
)

func (r Role) String() string {
	if r == RoleActive {
		return "active"
	}
	return "standby"
}

// Gateway opens driver sessions.
type Gateway interface {
	Open(ctx context.Context, ct model.ControllerType) (driver.Session, error)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store    datastore.Store
	Gateway  Gateway
	Runtime  *ctrlstate.Registry
	Alarms   *alarm.Recorder
	Logical  logical.Layer
	Logger   *zap.Logger
	Metrics  *internaltelemetry.CoordinatorMetrics
	Parallel bool
}

// Report holds per-controller driver outcomes of a switchover.
type Report struct {
	Controllers map[string]error
}

// Failed lists controllers whose request failed, in order.
func (r Report) Failed() []string {
	var out []string
	for name, err := range r.Controllers {
		if err != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Report) merge(errs map[string]error) {
	if r.Controllers == nil {
		r.Controllers = make(map[string]error)
	}
	for name, err := range errs {
		r.Controllers[name] = err
	}
}

// Err combines every failure.
func (r Report) Err() error {
	var err error
	for _, name := range r.Failed() {
		err = multierr.Append(err, r.Controllers[name])
	}
	return err
}

// Controller performs role transitions. Transitions are serialized.
type Controller struct {
	deps   Deps
	logger *zap.Logger
	role   atomic.Int32
	mu     sync.Mutex
}

// New creates a controller in the standby role.
func New(deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = internaltelemetry.NoopMetrics()
	}
	return &Controller{deps: deps, logger: deps.Logger.Named("switchover")}
}

// Role reports the current role.
func (s *Controller) Role() Role { return Role(s.role.Load()) }

// ToStandby sends a delete for every controller to its driver, releases all
// runtime resources and becomes standby. Driver failures do not stop the
// transition.
func (s *Controller) ToStandby(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.deps.Store.ReadAll(ctx, model.DatastoreRunning, model.KindController)
	if err != nil {
		return Report{}, fmt.Errorf("switchover to standby: %w", err)
	}

	var calls []driver.Call
	invalid := make(map[string]error)
	for _, row := range rows {
		if row.Value.Controller == nil {
			invalid[row.Key.Controller] = fmt.Errorf("%w: %s", ErrNoValue, row.Key.Controller)
			continue
		}
		calls = append(calls, driver.Call{
			Type:    row.Value.Controller.Type,
			Header:  header(model.OpDelete, row.Key.Controller),
			Payload: driver.Payload{Key: row.Key, Value: row.Value},
		})
	}
	report := s.dispatch(ctx, calls)
	report.merge(invalid)

	for _, row := range rows {
		s.deps.Runtime.Release(row.Key.Controller)
	}
	s.deps.Runtime.ReleaseAll()
	s.setRole(ctx, RoleStandby)
	s.logger.Info("switched to standby", zap.Int("controllers", len(rows)), zap.Strings("failed", report.Failed()))
	return report, nil
}

// ToActive rebuilds volatile controller state and driver connectivity and
// becomes active.
func (s *Controller) ToActive(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deps.Alarms != nil {
		s.deps.Alarms.ClearAll()
	}
	rows, err := s.deps.Store.ReadAll(ctx, model.DatastoreRunning, model.KindController)
	if err != nil {
		return Report{}, fmt.Errorf("switchover to active: %w", err)
	}

	invalid := make(map[string]error)
	var valid []model.Row
	for _, row := range rows {
		if row.Value.Controller == nil {
			invalid[row.Key.Controller] = fmt.Errorf("%w: %s", ErrNoValue, row.Key.Controller)
			continue
		}
		valid = append(valid, row)
	}

	for _, row := range valid {
		if row.Value.Controller.Type == model.ControllerUnknown {
			continue
		}
		if err := s.resetController(ctx, row.Key.Controller); err != nil {
			return Report{}, fmt.Errorf("switchover to active: reset %s: %w", row.Key.Controller, err)
		}
	}

	var calls []driver.Call
	for _, row := range valid {
		name := row.Key.Controller
		cur, err := s.deps.Store.Read(ctx, model.DatastoreRunning, row.Key)
		if err != nil {
			return Report{}, fmt.Errorf("switchover to active: %w", err)
		}
		if cur.Value.Controller == nil {
			invalid[name] = fmt.Errorf("%w: %s", ErrNoValue, name)
			continue
		}
		h := header(model.OpCreate, name)
		h.Reconnect = s.deps.Runtime.IPChanged(name)
		calls = append(calls, driver.Call{
			Type:    cur.Value.Controller.Type,
			Header:  h,
			Payload: driver.Payload{Key: row.Key, Value: cur.Value},
			Done: func(_ driver.Response, err error) {
				if err == nil {
					s.deps.Runtime.Provision(name)
				}
			},
		})
	}
	report := s.dispatch(ctx, calls)
	report.merge(invalid)

	s.replayCandidate(ctx)
	s.setRole(ctx, RoleActive)
	s.logger.Info("switched to active", zap.Int("controllers", len(rows)), zap.Strings("failed", report.Failed()))
	return report, nil
}

// resetController clears operational state of one controller and tells the
// logical layer about it. The status change runs in the controller's queue
// when it still has runtime resources.
func (s *Controller) resetController(ctx context.Context, name string) error {
	for _, ds := range []model.Datastore{model.DatastoreState, model.DatastoreImport} {
		if err := s.deps.Store.ClearController(ctx, ds, name); err != nil {
			return err
		}
	}
	err := s.deps.Runtime.Update(ctx, name, func() error {
		return datastore.UpdateController(ctx, s.deps.Store, name, func(v *model.ControllerValue) {
			v.OperStatus = model.OperDown
			v.ActualVersion = ""
			v.ActualID = ""
		}, model.DatastoreRunning, model.DatastoreCandidate)
	})
	if err != nil {
		return err
	}
	if s.deps.Logical == nil {
		return nil
	}
	row, err := s.deps.Store.Read(ctx, model.DatastoreRunning, model.ControllerKey(name))
	if err != nil {
		return err
	}
	if err := s.deps.Logical.Push(ctx, logical.Push{
		Datastore: model.DatastoreRunning,
		Operation: model.OpUpdate,
		Kind:      model.KindController,
		Key:       row.Key,
		Value:     row.Value,
	}); err != nil {
		s.logger.Warn("logical push failed", zap.String("controller", name), zap.Error(err))
	}
	return nil
}

// replayCandidate pushes every candidate controller to the logical layer.
func (s *Controller) replayCandidate(ctx context.Context) {
	if s.deps.Logical == nil {
		return
	}
	rows, err := s.deps.Store.ReadAll(ctx, model.DatastoreCandidate, model.KindController)
	if err != nil {
		s.logger.Error("failed to read candidate controllers for replay", zap.Error(err))
		return
	}
	for _, row := range rows {
		p := logical.Push{
			Datastore: model.DatastoreCandidate,
			Operation: model.OpCreate,
			Kind:      model.KindController,
			Key:       row.Key,
			Value:     row.Value,
		}
		if err := s.deps.Logical.Push(ctx, p); err != nil {
			s.logger.Warn("logical replay failed", zap.String("controller", row.Key.Controller), zap.Error(err))
		}
	}
}

// dispatch opens one session per type, tolerating types whose driver is
// unavailable, and sends calls.
func (s *Controller) dispatch(ctx context.Context, calls []driver.Call) Report {
	report := Report{Controllers: make(map[string]error)}
	sessions := make(map[model.ControllerType]driver.Session)
	openErr := make(map[model.ControllerType]error)
	for _, c := range calls {
		if _, done := sessions[c.Type]; done {
			continue
		}
		if _, failed := openErr[c.Type]; failed {
			continue
		}
		sess, err := s.deps.Gateway.Open(ctx, c.Type)
		if err != nil {
			s.logger.Warn("driver unavailable during switchover", zap.Stringer("type", c.Type), zap.Error(err))
			openErr[c.Type] = err
			continue
		}
		sessions[c.Type] = sess
	}

	var send []driver.Call
	for _, c := range calls {
		if err, failed := openErr[c.Type]; failed {
			report.Controllers[c.Header.Controller] = err
			continue
		}
		send = append(send, c)
	}
	for name, err := range driver.Dispatch(ctx, sessions, send, s.deps.Parallel).ByController() {
		report.Controllers[name] = err
	}
	driver.CloseAll(sessions)
	return report
}

func (s *Controller) setRole(ctx context.Context, r Role) {
	s.role.Store(int32(r))
	s.deps.Metrics.SwitchoversCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("role", r.String())))
}

func header(op model.Operation, name string) driver.RequestHeader {
	return driver.RequestHeader{
		Operation:  op,
		Controller: name,
		Datastore:  model.DatastoreRunning,
		Kind:       model.KindController,
	}
}
