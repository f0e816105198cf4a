package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// CoordinatorMetrics holds all the metric instruments for the transaction
// coordinator, the driver gateway and the notifier.
type CoordinatorMetrics struct {
	PhasesStartedCounter    metric.Int64Counter
	PhasesHandledCounter    metric.Int64Counter
	PhaseLatencyHistogram   metric.Int64Histogram
	ActiveTxnsUpDownCounter metric.Int64UpDownCounter
	DriverRequestsCounter   metric.Int64Counter
	DriverLatencyHistogram  metric.Int64Histogram
	NotificationsCounter    metric.Int64Counter
	AlarmsCounter           metric.Int64Counter
	SwitchoversCounter      metric.Int64Counter
}

// NewCoordinatorMetrics creates and registers all the coordinator metrics.
func NewCoordinatorMetrics(meter metric.Meter) (*CoordinatorMetrics, error) {
	phasesStarted, err := meter.Int64Counter(
		"physcoord.txn.phase.started_total",
		metric.WithDescription("Total number of transaction phases started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	phasesHandled, err := meter.Int64Counter(
		"physcoord.txn.phase.handled_total",
		metric.WithDescription("Total number of transaction phases completed, by result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	phaseLatency, err := meter.Int64Histogram(
		"physcoord.txn.phase.duration",
		metric.WithDescription("The latency of transaction phases."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeTxns, err := meter.Int64UpDownCounter(
		"physcoord.txn.active",
		metric.WithDescription("Number of transactions between Start and End."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	driverRequests, err := meter.Int64Counter(
		"physcoord.driver.requests_total",
		metric.WithDescription("Total number of driver requests, by controller type, operation and result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	driverLatency, err := meter.Int64Histogram(
		"physcoord.driver.request.duration",
		metric.WithDescription("The latency of driver requests."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	notifications, err := meter.Int64Counter(
		"physcoord.notify.events_total",
		metric.WithDescription("Total number of northbound notifications, by result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	alarms, err := meter.Int64Counter(
		"physcoord.alarm.raised_total",
		metric.WithDescription("Total number of alarms raised."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	switchovers, err := meter.Int64Counter(
		"physcoord.ha.switchovers_total",
		metric.WithDescription("Total number of active/standby switchovers, by target role."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		PhasesStartedCounter:    phasesStarted,
		PhasesHandledCounter:    phasesHandled,
		PhaseLatencyHistogram:   phaseLatency,
		ActiveTxnsUpDownCounter: activeTxns,
		DriverRequestsCounter:   driverRequests,
		DriverLatencyHistogram:  driverLatency,
		NotificationsCounter:    notifications,
		AlarmsCounter:           alarms,
		SwitchoversCounter:      switchovers,
	}, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *CoordinatorMetrics {
	m, _ := NewCoordinatorMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
