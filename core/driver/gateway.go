package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/physcoord/core/model"
	internaltelemetry "github.com/sushant-115/physcoord/internal/telemetry"
)

// Gateway is the registry of drivers keyed by controller type.
type Gateway struct {
	mu          sync.RWMutex
	drivers     map[model.ControllerType]Driver
	limiters    map[model.ControllerType]*rate.Limiter
	limit       rate.Limit
	burst       int
	sendTimeout time.Duration
	logger      *zap.Logger
	metrics     *internaltelemetry.CoordinatorMetrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRateLimit throttles sends to each controller type. A non-positive
// rate disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.limit = rate.Inf
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limit = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithSendTimeout bounds every individual send.
func WithSendTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.sendTimeout = d }
}

// NewGateway creates an empty registry.
func NewGateway(logger *zap.Logger, metrics *internaltelemetry.CoordinatorMetrics, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopMetrics()
	}
	g := &Gateway{
		drivers:  make(map[model.ControllerType]Driver),
		limiters: make(map[model.ControllerType]*rate.Limiter),
		limit:    rate.Inf,
		logger:   logger.Named("gateway"),
		metrics:  metrics,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register installs d for its controller type, replacing any previous one.
func (g *Gateway) Register(d Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[d.Type()] = d
	if g.limit != rate.Inf {
		g.limiters[d.Type()] = rate.NewLimiter(g.limit, g.burst)
	}
	g.logger.Info("driver registered", zap.Stringer("type", d.Type()))
}

// Registered reports whether a driver serves the type.
func (g *Gateway) Registered(ct model.ControllerType) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.drivers[ct]
	return ok
}

// Open starts one session with the driver for ct.
func (g *Gateway) Open(ctx context.Context, ct model.ControllerType) (Session, error) {
	g.mu.RLock()
	d, ok := g.drivers[ct]
	limiter := g.limiters[ct]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDriver, ct)
	}
	s, err := d.Open(ctx)
	if err != nil {
		g.logger.Warn("failed to open driver session", zap.Stringer("type", ct), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrSessionOpen, ct, err)
	}
	return &meteredSession{
		Session: s,
		limiter: limiter,
		timeout: g.sendTimeout,
		logger:  g.logger,
		metrics: g.metrics,
	}, nil
}

// OpenAll opens one session per distinct type. If any open fails, every
// session already opened is closed and nothing is returned.
func (g *Gateway) OpenAll(ctx context.Context, types []model.ControllerType) (map[model.ControllerType]Session, error) {
	uniq := make(map[model.ControllerType]struct{}, len(types))
	ordered := make([]model.ControllerType, 0, len(types))
	for _, ct := range types {
		if _, dup := uniq[ct]; dup {
			continue
		}
		uniq[ct] = struct{}{}
		ordered = append(ordered, ct)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	sessions := make(map[model.ControllerType]Session, len(ordered))
	for _, ct := range ordered {
		s, err := g.Open(ctx, ct)
		if err != nil {
			CloseAll(sessions)
			return nil, err
		}
		sessions[ct] = s
	}
	return sessions, nil
}

// CloseAll closes every session in the map.
func CloseAll(sessions map[model.ControllerType]Session) {
	for _, s := range sessions {
		_ = s.Close()
	}
}

// meteredSession applies throttling, timeouts and metrics around a session,
// and turns non-OK responses into *ResultError.
type meteredSession struct {
	Session
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
	metrics *internaltelemetry.CoordinatorMetrics
}

func (s *meteredSession) Send(ctx context.Context, hdr RequestHeader, payload Payload) (Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("driver throttle: %w", err)
		}
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.Session.Send(ctx, hdr, payload)
	if err == nil && resp.Code != ResultOK {
		err = &ResultError{Controller: hdr.Controller, Operation: hdr.Operation, Code: resp.Code, Message: resp.Message}
	}

	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Warn("driver request failed",
			zap.Stringer("type", s.Type()),
			zap.String("controller", hdr.Controller),
			zap.Stringer("operation", hdr.Operation),
			zap.Error(err))
	}
	attrs := attribute.NewSet(
		attribute.String("controller.type", s.Type().String()),
		attribute.String("operation", hdr.Operation.String()),
		attribute.String("result", result),
	)
	s.metrics.DriverLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributeSet(attrs))
	s.metrics.DriverRequestsCounter.Add(ctx, 1, metric.WithAttributeSet(attrs))
	return resp, err
}
