// Package ha elects which coordinator node of an HA pair is active. Raft
// leadership decides the role, and role changes are handed to a Listener
// that performs the switchover.
package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// Peer is another voting member.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Config configures an Elector. An empty BindAddr selects an in-memory
// transport and an empty DataDir selects in-memory stores.
type Config struct {
	NodeID           string        `yaml:"node_id"`
	BindAddr         string        `yaml:"bind_addr"`
	AdvertiseAddr    string        `yaml:"advertise_addr"`
	DataDir          string        `yaml:"data_dir"`
	Bootstrap        bool          `yaml:"bootstrap"`
	Peers            []Peer        `yaml:"peers"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout  time.Duration `yaml:"election_timeout"`
	ApplyTimeout     time.Duration `yaml:"apply_timeout"`
}

// Listener reacts to role changes.
type Listener interface {
	BecomeActive(ctx context.Context) error
	BecomeStandby(ctx context.Context) error
}

// Elector runs a raft node and reports leadership to a Listener.
type Elector struct {
	cfg      Config
	listener Listener
	logger   *zap.Logger
	fsm      *FSM

	raft    *raft.Raft
	closers []func() error

	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
}

// NewElector prepares an elector. Start brings it up.
func NewElector(cfg Config, listener Listener, logger *zap.Logger) *Elector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	return &Elector{
		cfg:      cfg,
		listener: listener,
		logger:   logger.Named("ha"),
		fsm:      NewFSM(),
		stop:     make(chan struct{}),
	}
}

func (e *Elector) raftConfig() *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(e.cfg.NodeID)
	rc.Logger = NewRaftLogger(e.logger.Named("raft"))
	if e.cfg.HeartbeatTimeout > 0 {
		rc.HeartbeatTimeout = e.cfg.HeartbeatTimeout
		rc.LeaderLeaseTimeout = e.cfg.HeartbeatTimeout
	}
	if e.cfg.ElectionTimeout > 0 {
		rc.ElectionTimeout = e.cfg.ElectionTimeout
	}
	return rc
}

func (e *Elector) openStores() (raft.LogStore, raft.StableStore, raft.SnapshotStore, error) {
	if e.cfg.DataDir == "" {
		return raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), nil
	}
	if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("ha: create data dir: %w", err)
	}
	store, err := raftboltdb.NewBoltStore(filepath.Join(e.cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ha: open raft store: %w", err)
	}
	e.closers = append(e.closers, store.Close)
	snaps, err := raft.NewFileSnapshotStoreWithLogger(e.cfg.DataDir, 2, NewRaftLogger(e.logger.Named("snapshots")))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ha: open snapshot store: %w", err)
	}
	return store, store, snaps, nil
}

func (e *Elector) openTransport() (raft.ServerAddress, raft.Transport, error) {
	if e.cfg.BindAddr == "" {
		addr, t := raft.NewInmemTransport(raft.ServerAddress(e.cfg.NodeID))
		e.closers = append(e.closers, t.Close)
		return addr, t, nil
	}
	advertise := e.cfg.AdvertiseAddr
	if advertise == "" {
		advertise = e.cfg.BindAddr
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		return "", nil, fmt.Errorf("ha: resolve advertise address: %w", err)
	}
	t, err := raft.NewTCPTransportWithLogger(e.cfg.BindAddr, tcpAddr, 3, 10*time.Second, NewRaftLogger(e.logger.Named("transport")))
	if err != nil {
		return "", nil, fmt.Errorf("ha: create transport: %w", err)
	}
	e.closers = append(e.closers, t.Close)
	return t.LocalAddr(), t, nil
}

// Start brings the raft node up and begins watching leadership.
func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.raft != nil {
		return errors.New("ha: elector already started")
	}

	logs, stable, snaps, err := e.openStores()
	if err != nil {
		e.closeAll()
		return err
	}
	addr, transport, err := e.openTransport()
	if err != nil {
		e.closeAll()
		return err
	}

	r, err := raft.NewRaft(e.raftConfig(), e.fsm, logs, stable, snaps, transport)
	if err != nil {
		e.closeAll()
		return fmt.Errorf("ha: create raft: %w", err)
	}
	e.raft = r

	if e.cfg.Bootstrap && r.LastIndex() == 0 {
		servers := []raft.Server{{ID: raft.ServerID(e.cfg.NodeID), Address: addr, Suffrage: raft.Voter}}
		for _, p := range e.cfg.Peers {
			servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Address), Suffrage: raft.Voter})
		}
		err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
		if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return fmt.Errorf("ha: bootstrap: %w", err)
		}
		e.logger.Info("raft cluster bootstrapped", zap.String("node", e.cfg.NodeID), zap.Int("servers", len(servers)))
	}

	e.wg.Add(1)
	go e.watch(ctx)
	e.logger.Info("elector started", zap.String("node", e.cfg.NodeID), zap.String("address", string(addr)))
	return nil
}

func (e *Elector) watch(ctx context.Context) {
	defer e.wg.Done()
	leaderCh := e.raft.LeaderCh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case leader := <-leaderCh:
			e.handle(ctx, leader)
		}
	}
}

func (e *Elector) handle(ctx context.Context, leader bool) {
	if !leader {
		e.logger.Info("lost leadership, switching to standby")
		if err := e.listener.BecomeStandby(ctx); err != nil {
			e.logger.Error("switchover to standby failed", zap.Error(err))
		}
		return
	}

	e.logger.Info("gained leadership, switching to active")
	if _, err := e.apply(Command{Op: OpActivate, NodeID: e.cfg.NodeID, At: time.Now().UTC()}); err != nil {
		e.logger.Error("failed to record active role", zap.Error(err))
		return
	}
	if err := e.listener.BecomeActive(ctx); err != nil {
		e.logger.Error("switchover to active failed", zap.Error(err))
	}
}

func (e *Elector) apply(cmd Command) (ActiveRecord, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return ActiveRecord{}, err
	}
	f := e.raft.Apply(data, e.cfg.ApplyTimeout)
	if err := f.Error(); err != nil {
		return ActiveRecord{}, err
	}
	switch resp := f.Response().(type) {
	case error:
		return ActiveRecord{}, resp
	case ActiveRecord:
		return resp, nil
	}
	return ActiveRecord{}, fmt.Errorf("ha: unexpected apply response %T", f.Response())
}

// IsLeader reports whether this node holds raft leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raft != nil && e.raft.State() == raft.Leader
}

// Active returns the replicated active-role record.
func (e *Elector) Active() ActiveRecord { return e.fsm.Active() }

// Stop shuts the raft node down and waits for the watcher to exit.
func (e *Elector) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.raft == nil {
		return nil
	}
	close(e.stop)
	err := e.raft.Shutdown().Error()
	e.wg.Wait()
	e.raft = nil
	if cerr := e.closeAll(); err == nil {
		err = cerr
	}
	return err
}

func (e *Elector) closeAll() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}
