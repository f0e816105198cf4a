// Package transaction drives candidate configuration through the
// Start, Vote, GlobalCommit and End phases, dispatching controller changes
// to drivers and keeping running, the commit ledger and northbound
// notifications consistent.
//
// Phases are invoked one at a time by the orchestrator. The coordinator
// checks every call against its state machine and rejects calls out of
// sequence without side effects. Abort is accepted in any state. Changes
// already sent to drivers are not undone by Abort.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/alarm"
	"github.com/sushant-115/physcoord/core/capability"
	"github.com/sushant-115/physcoord/core/ctrlstate"
	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/diff"
	"github.com/sushant-115/physcoord/core/driver"
	"github.com/sushant-115/physcoord/core/logical"
	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/core/notify"
	internaltelemetry "github.com/sushant-115/physcoord/internal/telemetry"
)

// Differ classifies candidate rows.
type Differ interface {
	Diff(ctx context.Context, req diff.Request) (diff.Result, error)
}

// Gateway opens driver sessions.
type Gateway interface {
	OpenAll(ctx context.Context, types []model.ControllerType) (map[model.ControllerType]driver.Session, error)
}

// Ledger reads and writes commit versions.
type Ledger interface {
	Get(ctx context.Context, controller string) (model.CommitVersion, error)
	Set(ctx context.Context, controller string, cv model.CommitVersion, ds model.Datastore) error
	Reset(ctx context.Context, controller string, ds model.Datastore) error
	ResetAll(ctx context.Context, datastores ...model.Datastore) error
}

// Notifier emits northbound notifications.
type Notifier interface {
	NotifyChanges(ctx context.Context, ds model.Datastore, kind model.EntityKind, changes notify.Changes) int
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Store      datastore.Store
	Diff       Differ
	Gateway    Gateway
	Ledger     Ledger
	Notifier   Notifier
	Logical    logical.Layer
	Capability capability.Oracle
	Runtime    *ctrlstate.Registry
	Alarms     *alarm.Recorder
	// EventLock is shared with the northbound event pipeline. Its write side
	// is held around the commit snapshot and the commit itself.
	EventLock *sync.RWMutex
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Metrics   *internaltelemetry.CoordinatorMetrics
	// Parallel dispatches distinct controller types concurrently.
	Parallel bool
}

// Coordinator is one instance of the transaction state machine.
type Coordinator struct {
	deps    Deps
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.CoordinatorMetrics

	state atomic.Int32

	mu        sync.Mutex
	cs        *ChangeSet
	sessionID uint32
	configID  uint32
}

// New creates an idle coordinator.
func New(deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if deps.Metrics == nil {
		deps.Metrics = internaltelemetry.NoopMetrics()
	}
	if deps.EventLock == nil {
		deps.EventLock = &sync.RWMutex{}
	}
	if deps.Capability == nil {
		deps.Capability = capability.AllowAll()
	}
	return &Coordinator{
		deps:    deps,
		logger:  deps.Logger.Named("coordinator"),
		tracer:  deps.Tracer,
		metrics: deps.Metrics,
	}
}

// State returns the current state without blocking.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// ChangeSet returns a copy of the in-flight change set, empty when idle.
func (c *Coordinator) ChangeSet() *ChangeSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cs.Clone()
}

func (c *Coordinator) transition(from, to State, phase string) error {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		cur := c.State()
		c.logger.Warn("phase rejected",
			zap.String("phase", phase),
			zap.Stringer("state", cur),
			zap.Stringer("expected", from))
		return fmt.Errorf("%w: %s requires %s, state is %s", ErrSequence, phase, from, cur)
	}
	if from == StateIdle {
		c.metrics.ActiveTxnsUpDownCounter.Add(context.Background(), 1)
	}
	return nil
}

// reset clears the change set and returns to Idle.
func (c *Coordinator) reset() {
	c.mu.Lock()
	c.cs = nil
	c.sessionID, c.configID = 0, 0
	c.mu.Unlock()
	if State(c.state.Swap(int32(StateIdle))) != StateIdle {
		c.metrics.ActiveTxnsUpDownCounter.Add(context.Background(), -1)
	}
}

func (c *Coordinator) changeSet() *ChangeSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cs
}

// Start classifies the candidate configuration into the change set.
// Modes that do not touch physical controllers yield an empty change set.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (err error) {
	ctx, span, startTime := c.startPhase(ctx, "Start")
	defer func() { c.endPhase(ctx, span, startTime, "Start", err) }()

	if err := c.transition(StateIdle, StateStarted, "Start"); err != nil {
		return err
	}
	cs := newChangeSet()
	c.mu.Lock()
	c.cs = cs
	c.sessionID, c.configID = req.SessionID, req.ConfigID
	c.mu.Unlock()

	if !req.Mode.RequiresDriverCoordination() {
		c.logger.Debug("transaction needs no driver coordination", zap.Stringer("mode", req.Mode))
		return nil
	}

	staged := newChangeSet()
	for _, status := range []model.RowStatus{model.RowCreated, model.RowUpdated, model.RowDeleted} {
		for _, kind := range model.Kinds() {
			res, err := c.deps.Diff.Diff(ctx, diff.Request{Kind: kind, Status: status, Mode: req.Mode, Staged: staged})
			if err != nil {
				c.reset()
				if errors.Is(err, diff.ErrReferenced) {
					c.logger.Info("start refused", zap.Error(err))
					return err
				}
				c.logger.Error("start failed", zap.Stringer("kind", kind), zap.Stringer("status", status), zap.Error(err))
				return fmt.Errorf("%w: %w", ErrStartFailed, err)
			}
			staged.add(kind, status, res.Keys)
			staged.Recreated = append(staged.Recreated, res.Recreated...)
		}
	}

	for _, key := range staged.Keys(model.KindController, model.RowCreated) {
		if err := c.deps.Ledger.Reset(ctx, key.Controller, model.DatastoreCandidate); err != nil {
			c.reset()
			c.logger.Error("failed to reset commit version of created controller",
				zap.String("controller", key.Controller), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrStartFailed, err)
		}
	}

	c.mu.Lock()
	c.cs = staged
	c.mu.Unlock()
	c.logger.Info("transaction started",
		zap.Uint32("session_id", req.SessionID),
		zap.Uint32("config_id", req.ConfigID),
		zap.Stringer("mode", req.Mode),
		zap.Int("changes", staged.Len()))
	return nil
}

// Vote marks the commitment point. Drivers are polled by the orchestrator.
func (c *Coordinator) Vote(ctx context.Context) (err error) {
	ctx, span, startTime := c.startPhase(ctx, "Vote")
	defer func() { c.endPhase(ctx, span, startTime, "Vote", err) }()
	return c.transition(StateStarted, StateVoteWait, "Vote")
}

// GlobalCommit moves to waiting for commit results.
func (c *Coordinator) GlobalCommit(ctx context.Context) (err error) {
	ctx, span, startTime := c.startPhase(ctx, "GlobalCommit")
	defer func() { c.endPhase(ctx, span, startTime, "GlobalCommit", err) }()
	return c.transition(StateVoteDone, StateGlobalCommitWait, "GlobalCommit")
}

// HandleDriverResult accepts the results of the vote or the global commit
// phase. The commit phase applies the change set to running.
func (c *Coordinator) HandleDriverResult(ctx context.Context, phase Phase, res DriverResults) (err error) {
	name := "HandleDriverResult." + phase.String()
	ctx, span, startTime := c.startPhase(ctx, name)
	defer func() { c.endPhase(ctx, span, startTime, name, err) }()

	switch phase {
	case PhaseVote:
		return c.transition(StateVoteWait, StateVoteDone, name)
	case PhaseGlobalCommit:
		if err := c.transition(StateGlobalCommitWait, StateGlobalCommitDone, name); err != nil {
			return err
		}
		if err := c.commit(ctx, c.changeSet(), res); err != nil {
			c.reset()
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: no driver results in %s phase", ErrSequence, phase)
	}
}

// Abort abandons the transaction from any state. Nothing is sent to
// drivers and nothing already sent is reverted.
func (c *Coordinator) Abort(ctx context.Context, phase Phase) {
	_, span, startTime := c.startPhase(ctx, "Abort")
	prev := c.State()
	pending := c.changeSet().Len()
	c.reset()
	c.logger.Info("transaction aborted",
		zap.Stringer("phase", phase),
		zap.Stringer("from_state", prev),
		zap.Int("discarded_changes", pending))
	c.endPhase(ctx, span, startTime, "Abort", nil)
}

// End completes the transaction. On success the change set is pushed to
// the logical layer and dispatched to drivers. The coordinator is always
// Idle afterwards.
func (c *Coordinator) End(ctx context.Context, req EndRequest) (report EndReport, err error) {
	ctx, span, startTime := c.startPhase(ctx, "End")
	defer func() { c.endPhase(ctx, span, startTime, "End", err) }()
	defer c.reset()

	cs := c.changeSet()
	c.mu.Lock()
	if req.SessionID == 0 && req.ConfigID == 0 {
		req.SessionID, req.ConfigID = c.sessionID, c.configID
	}
	c.mu.Unlock()

	if !req.Success {
		c.logger.Info("transaction ended without commit", zap.Stringer("state", c.State()))
		return EndReport{}, nil
	}
	if cs.Empty() {
		return EndReport{}, nil
	}
	return c.end(ctx, cs, req)
}

// startPhase begins the telemetry recording for a phase handler.
func (c *Coordinator) startPhase(ctx context.Context, phase string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	c.metrics.PhasesStartedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("txn.phase", phase)))
	ctx, span := c.tracer.Start(ctx, "transaction."+phase, trace.WithAttributes(
		attribute.String("txn.phase", phase),
		attribute.String("txn.state", c.State().String()),
	))
	return ctx, span, startTime
}

// endPhase completes the telemetry recording for a phase handler.
func (c *Coordinator) endPhase(ctx context.Context, span trace.Span, startTime time.Time, phase string, err error) {
	latency := time.Since(startTime).Milliseconds()
	code := otelcodes.Ok
	if err != nil {
		code = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	attrs := attribute.NewSet(
		attribute.String("txn.phase", phase),
		attribute.String("txn.code", code.String()),
	)
	c.metrics.PhaseLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(attrs))
	c.metrics.PhasesHandledCounter.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
