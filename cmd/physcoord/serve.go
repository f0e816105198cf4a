package main

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/sushant-115/physcoord/api/admin"
	"github.com/sushant-115/physcoord/core/alarm"
	"github.com/sushant-115/physcoord/core/capability"
	"github.com/sushant-115/physcoord/core/ctrlstate"
	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/diff"
	"github.com/sushant-115/physcoord/core/driver"
	"github.com/sushant-115/physcoord/core/ha"
	"github.com/sushant-115/physcoord/core/ledger"
	"github.com/sushant-115/physcoord/core/logical"
	"github.com/sushant-115/physcoord/core/notify"
	"github.com/sushant-115/physcoord/core/switchover"
	"github.com/sushant-115/physcoord/core/transaction"
	internaltelemetry "github.com/sushant-115/physcoord/internal/telemetry"
	"github.com/sushant-115/physcoord/pkg/config"
	"github.com/sushant-115/physcoord/pkg/connection"
	"github.com/sushant-115/physcoord/pkg/logger"
	"github.com/sushant-115/physcoord/pkg/telemetry"
	"github.com/sushant-115/physcoord/pkg/tlsconfig"
)

// node is one wired coordinator process.
type node struct {
	cfg      config.Config
	logger   *zap.Logger
	store    datastore.Store
	pool     *connection.ConnectionPoolManager
	bus      *notify.Bus
	events   *sync.RWMutex
	runtime  *ctrlstate.Registry
	alarms   *alarm.Recorder
	coord    *transaction.Coordinator
	switcher *switchover.Controller
	failover *ha.Failover
}

func openStore(cfg config.StoreConfig) (datastore.Store, error) {
	if cfg.Backend == config.BackendBolt {
		return datastore.OpenBoltStore(cfg.Path)
	}
	return datastore.NewMemStore(), nil
}

func buildCapability(cfg config.Config) (capability.Oracle, error) {
	entries, err := cfg.CapabilityEntries()
	if err != nil {
		return nil, err
	}
	var oracle capability.Oracle = capability.AllowAll()
	if len(entries) > 0 {
		oracle = capability.NewTable(entries)
	}
	if cfg.Capability.CacheSize == 0 {
		return oracle, nil
	}
	cached, err := capability.NewCached(oracle, cfg.Capability.CacheSize)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

func buildNode(cfg config.Config, log *zap.Logger, tel *telemetry.Telemetry) (*node, error) {
	metrics, err := internaltelemetry.NewCoordinatorMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	rpcMetrics, err := internaltelemetry.NewRPCClientMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("create rpc metrics: %w", err)
	}
	creds, err := tlsconfig.DialOption(cfg.Dispatch.TLS)
	if err != nil {
		return nil, fmt.Errorf("load dispatch TLS: %w", err)
	}
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n := &node{
		cfg:     cfg,
		logger:  log,
		store:   store,
		pool:    connection.NewConnectionPoolManager(creds, grpc.WithChainUnaryInterceptor(rpcMetrics.UnaryClientInterceptor())),
		bus:     notify.NewBus(),
		events:  &sync.RWMutex{},
		runtime: ctrlstate.NewRegistry(log, cfg.Coordinator.RuntimeQueueSize),
		alarms:  alarm.NewRecorder(alarm.NewLogSink(log), log, metrics),
	}

	gw := driver.NewGateway(log, metrics,
		driver.WithRateLimit(cfg.Dispatch.RatePerSecond, cfg.Dispatch.Burst),
		driver.WithSendTimeout(cfg.Dispatch.SendTimeout))
	addrs, err := cfg.DriverAddresses()
	if err != nil {
		return nil, err
	}
	for ct, addr := range addrs {
		gw.Register(driver.NewGRPCDriver(ct, addr, n.pool))
	}

	var layer logical.Layer = logical.NewMemory()
	if cfg.Logical.Address != "" {
		client, err := logical.Dial(n.pool, cfg.Logical.Address)
		if err != nil {
			return nil, fmt.Errorf("dial logical layer: %w", err)
		}
		layer = client
	}
	oracle, err := buildCapability(cfg)
	if err != nil {
		return nil, err
	}

	n.coord = transaction.New(transaction.Deps{
		Store:      store,
		Diff:       diff.NewEngine(store, layer, log),
		Gateway:    gw,
		Ledger:     ledger.New(store, log),
		Notifier:   notify.NewDispatcher(n.bus, log, metrics, notify.WithEventLock(n.events)),
		Logical:    layer,
		Capability: oracle,
		Runtime:    n.runtime,
		Alarms:     n.alarms,
		EventLock:  n.events,
		Logger:     log,
		Tracer:     tel.Tracer,
		Metrics:    metrics,
		Parallel:   cfg.Dispatch.Parallel,
	})
	n.switcher = switchover.New(switchover.Deps{
		Store:    store,
		Gateway:  gw,
		Runtime:  n.runtime,
		Alarms:   n.alarms,
		Logical:  layer,
		Logger:   log,
		Metrics:  metrics,
		Parallel: cfg.Dispatch.Parallel,
	})

	mode, err := cfg.AuditMode()
	if err != nil {
		return nil, err
	}
	n.failover = &ha.Failover{
		Switcher: n.switcher,
		Replay: func(ctx context.Context) error {
			report, err := n.coord.AuditReplay(ctx, mode)
			if failed := report.Failed(); len(failed) > 0 {
				log.Warn("audit replay left controllers out of sync", zap.Strings("controllers", failed))
			}
			return err
		},
		Quiesce: func(ctx context.Context) {
			if n.coord.State() != transaction.StateIdle {
				n.coord.Abort(ctx, transaction.PhaseEnd)
			}
		},
		Logger: log,
	}
	return n, nil
}

// logEvents drains northbound notifications into the log until ctx is done.
func (n *node) logEvents(ctx context.Context) {
	events, cancel := n.bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.logger.Debug("notification",
				zap.Stringer("datastore", ev.Datastore),
				zap.Stringer("kind", ev.Kind),
				zap.Stringer("operation", ev.Operation),
				zap.Stringer("key", ev.Key))
		}
	}
}

func (n *node) close() {
	n.runtime.ReleaseAll()
	n.bus.Close()
	n.pool.Close()
	if err := n.store.Close(); err != nil {
		n.logger.Warn("failed to close store", zap.Error(err))
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	var fields []zap.Field
	if cfg.HA.Enabled {
		fields = append(fields, zap.String("node", cfg.HA.NodeID))
	}
	log, level, err := logger.New(cfg.Logger, fields...)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Telemetry.InstanceID == "" {
		cfg.Telemetry.InstanceID = cfg.HA.NodeID
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	n, err := buildNode(cfg, log, tel)
	if err != nil {
		return err
	}
	defer n.close()
	go n.logEvents(ctx)

	if cfg.HA.Enabled {
		elector := ha.NewElector(cfg.HA.Config, n.failover, log)
		if err := elector.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := elector.Stop(); err != nil {
				log.Warn("elector stop failed", zap.Error(err))
			}
		}()
	} else if err := n.failover.BecomeActive(ctx); err != nil {
		log.Error("initial activation failed", zap.Error(err))
	}

	srv := admin.New(admin.Deps{
		Handler:   transaction.NewHandler(n.coord),
		Store:     n.store,
		Roles:     n.switcher,
		Runtime:   n.runtime,
		Alarms:    n.alarms,
		EventLock: n.events,
		LogLevel:  level,
		Metrics:   tel.MetricsHandler,
		Logger:    log,
	})
	return srv.ListenAndServe(ctx, cfg.Admin.ListenAddr)
}
