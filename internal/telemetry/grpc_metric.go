package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCClientMetrics holds the instruments for outbound gRPC calls to drivers
// and the logical layer.
type RPCClientMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewRPCClientMetrics creates and registers the outbound RPC metrics.
func NewRPCClientMetrics(meter metric.Meter) (*RPCClientMetrics, error) {
	rpcsStarted, err := meter.Int64Counter(
		"physcoord.grpc.client.started_total",
		metric.WithDescription("Total number of outbound RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandled, err := meter.Int64Counter(
		"physcoord.grpc.client.handled_total",
		metric.WithDescription("Total number of outbound RPCs completed, by status code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatency, err := meter.Int64Histogram(
		"physcoord.grpc.client.duration",
		metric.WithDescription("The latency of outbound RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcs, err := meter.Int64UpDownCounter(
		"physcoord.grpc.client.active_rpcs",
		metric.WithDescription("Number of outbound RPCs in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &RPCClientMetrics{
		RpcsStartedCounter:      rpcsStarted,
		RpcsHandledCounter:      rpcsHandled,
		RpcLatencyHistogram:     rpcLatency,
		ActiveRpcsUpDownCounter: activeRpcs,
	}, nil
}

// UnaryClientInterceptor records every unary call made on a connection.
func (m *RPCClientMetrics) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		target := attribute.String("rpc.target", cc.Target())
		methodAttr := attribute.String("rpc.method", method)
		start := time.Now()
		m.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(methodAttr, target))
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(methodAttr))
		defer m.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(methodAttr))

		err := invoker(ctx, method, req, reply, cc, opts...)

		code := attribute.String("rpc.code", status.Code(err).String())
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(methodAttr, target, code))
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(methodAttr, code))
		return err
	}
}
