// Package alarm raises and clears controller alarms, keeping one record per
// (controller, kind) so repeated raises do not reach the sink twice.
package alarm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/physcoord/internal/telemetry"
)

// Kind classifies an alarm.
type Kind int

const (
	KindDisconnect Kind = iota + 1
	KindAuditFailure
)

func (k Kind) String() string {
	switch k {
	case KindDisconnect:
		return "disconnect"
	case KindAuditFailure:
		return "audit_failure"
	default:
		return fmt.Sprintf("alarm(%d)", int(k))
	}
}

// Alarm is one raised alarm.
type Alarm struct {
	Controller string    `json:"controller"`
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	RaisedAt   time.Time `json:"raised_at"`
}

// Sink is where alarms end up, typically a fault management system.
type Sink interface {
	Raise(ctx context.Context, a Alarm) error
	Clear(ctx context.Context, controller string, kind Kind) error
}

// LogSink writes alarms to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink that logs at warn (raise) and info (clear).
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alarm")}
}

func (s *LogSink) Raise(_ context.Context, a Alarm) error {
	s.logger.Warn("alarm raised",
		zap.String("controller", a.Controller),
		zap.Stringer("kind", a.Kind),
		zap.String("message", a.Message))
	return nil
}

func (s *LogSink) Clear(_ context.Context, controller string, kind Kind) error {
	s.logger.Info("alarm cleared", zap.String("controller", controller), zap.Stringer("kind", kind))
	return nil
}

type alarmKey struct {
	controller string
	kind       Kind
}

// Recorder deduplicates alarms in front of a Sink.
type Recorder struct {
	sink    Sink
	logger  *zap.Logger
	metrics *internaltelemetry.CoordinatorMetrics
	now     func() time.Time

	mu     sync.Mutex
	active map[alarmKey]Alarm
}

// NewRecorder wraps sink.
func NewRecorder(sink Sink, logger *zap.Logger, metrics *internaltelemetry.CoordinatorMetrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopMetrics()
	}
	return &Recorder{
		sink:    sink,
		logger:  logger.Named("alarm"),
		metrics: metrics,
		now:     time.Now,
		active:  make(map[alarmKey]Alarm),
	}
}

// Raise records and forwards an alarm. It reports false when the same
// alarm is already active.
func (r *Recorder) Raise(ctx context.Context, controller string, kind Kind, message string) (bool, error) {
	k := alarmKey{controller: controller, kind: kind}
	r.mu.Lock()
	if _, ok := r.active[k]; ok {
		r.mu.Unlock()
		return false, nil
	}
	a := Alarm{Controller: controller, Kind: kind, Message: message, RaisedAt: r.now()}
	r.active[k] = a
	r.mu.Unlock()

	r.metrics.AlarmsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	if err := r.sink.Raise(ctx, a); err != nil {
		r.logger.Error("failed to raise alarm", zap.String("controller", controller), zap.Error(err))
		return true, err
	}
	return true, nil
}

// Clear forgets an alarm and clears it at the sink if it was active.
func (r *Recorder) Clear(ctx context.Context, controller string, kind Kind) error {
	k := alarmKey{controller: controller, kind: kind}
	r.mu.Lock()
	_, ok := r.active[k]
	delete(r.active, k)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.sink.Clear(ctx, controller, kind)
}

// ClearAll drops every record without touching the sink. Used when the
// process takes over as active and earlier bookkeeping is stale.
func (r *Recorder) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[alarmKey]Alarm)
}

// Active lists active alarms ordered by controller then kind.
func (r *Recorder) Active() []Alarm {
	r.mu.Lock()
	out := make([]Alarm, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, a)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Controller != out[j].Controller {
			return out[i].Controller < out[j].Controller
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
