package ha

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sushant-115/physcoord/core/switchover"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) BecomeActive(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "active")
	return nil
}

func (l *recordingListener) BecomeStandby(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "standby")
	return nil
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func fastConfig(id string) Config {
	return Config{
		NodeID:           id,
		Bootstrap:        true,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  50 * time.Millisecond,
		ApplyTimeout:     time.Second,
	}
}

func TestElectorSingleNodeBecomesActive(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	l := &recordingListener{}
	e := NewElector(fastConfig("node-1"), l, logger)

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	require.Error(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		ev := l.Events()
		return len(ev) > 0 && ev[0] == "active"
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, e.IsLeader())

	rec := e.Active()
	require.Equal(t, "node-1", rec.NodeID)
	require.Equal(t, uint64(1), rec.Epoch)

	require.NoError(t, e.Stop())
	require.False(t, e.IsLeader())
	require.NoError(t, e.Stop())
}

func TestElectorPersistsWithBoltStore(t *testing.T) {
	cfg := fastConfig("node-1")
	cfg.DataDir = t.TempDir()
	l := &recordingListener{}
	e := NewElector(cfg, l, zap.NewNop())

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.Active().Epoch == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Stop())

	again := NewElector(cfg, l, zap.NewNop())
	require.NoError(t, again.Start(context.Background()))
	t.Cleanup(func() { _ = again.Stop() })
	require.Eventually(t, func() bool { return again.Active().NodeID == "node-1" }, 5*time.Second, 10*time.Millisecond)
}

func applyCmd(t *testing.T, f *FSM, index uint64, cmd Command) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return f.Apply(&raft.Log{Index: index, Data: data})
}

func TestFSMEpochAdvancesOnTakeover(t *testing.T) {
	f := NewFSM()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec := applyCmd(t, f, 1, Command{Op: OpActivate, NodeID: "a", At: at})
	require.Equal(t, ActiveRecord{NodeID: "a", Epoch: 1, Since: at}, rec)

	rec = applyCmd(t, f, 2, Command{Op: OpActivate, NodeID: "a", At: at.Add(time.Minute)})
	require.Equal(t, uint64(1), rec.(ActiveRecord).Epoch, "re-activation of the same node keeps the epoch")

	rec = applyCmd(t, f, 3, Command{Op: OpActivate, NodeID: "b", At: at})
	require.Equal(t, uint64(2), rec.(ActiveRecord).Epoch)
	require.Equal(t, uint64(3), f.LastIndex())

	_, isErr := applyCmd(t, f, 4, Command{Op: "bogus"}).(error)
	require.True(t, isErr)
	_, isErr = f.Apply(&raft.Log{Index: 5, Data: []byte("{")}).(error)
	require.True(t, isErr)
}

type memSink struct {
	strings.Builder
	cancelled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, 1, Command{Op: OpActivate, NodeID: "a", At: time.Unix(100, 0).UTC()})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored := NewFSM()
	require.NoError(t, restored.Restore(io.NopCloser(strings.NewReader(sink.String()))))
	require.Equal(t, f.Active(), restored.Active())

	require.Error(t, restored.Restore(io.NopCloser(strings.NewReader("nope"))))
}

func TestRaftLoggerWritesThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewRaftLogger(zap.New(core))
	require.True(t, l.IsDebug())
	require.Equal(t, hclog.Debug, l.GetLevel())

	l.Named("raft").With("term", 3).Info("entering leader state", "leader", "node-1")
	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "entering leader state", entries[0].Message)
	ctx := entries[0].ContextMap()
	require.EqualValues(t, 3, ctx["term"])
	require.Equal(t, "node-1", ctx["leader"])

	l.SetLevel(hclog.Warn)
	l.Info("dropped")
	l.Log(hclog.Error, "kept", "odd")
	require.Len(t, logs.All(), 2)
	require.Equal(t, "(missing)", logs.All()[1].ContextMap()["odd"])

	_, err := l.StandardWriter(&hclog.StandardLoggerOptions{ForceLevel: hclog.Error}).Write([]byte("from std\n"))
	require.NoError(t, err)
	require.Equal(t, "from std", logs.All()[2].Message)
}

type fakeSwitcher struct {
	calls  []string
	report switchover.Report
	err    error
}

func (s *fakeSwitcher) ToActive(context.Context) (switchover.Report, error) {
	s.calls = append(s.calls, "active")
	return s.report, s.err
}

func (s *fakeSwitcher) ToStandby(context.Context) (switchover.Report, error) {
	s.calls = append(s.calls, "standby")
	return s.report, s.err
}

func TestFailoverReplaysAfterActivation(t *testing.T) {
	sw := &fakeSwitcher{report: switchover.Report{Controllers: map[string]error{"c1": errors.New("x")}}}
	var order []string
	f := &Failover{
		Switcher: sw,
		Replay:   func(context.Context) error { order = append(order, "replay"); return nil },
		Quiesce:  func(context.Context) { order = append(order, "quiesce") },
	}

	require.NoError(t, f.BecomeActive(context.Background()))
	require.NoError(t, f.BecomeStandby(context.Background()))
	require.Equal(t, []string{"active", "standby"}, sw.calls)
	require.Equal(t, []string{"replay", "quiesce"}, order)

	f.Replay = func(context.Context) error { return errors.New("audit failed") }
	require.ErrorContains(t, f.BecomeActive(context.Background()), "audit failed")

	sw.err = errors.New("store down")
	called := false
	f.Replay = func(context.Context) error { called = true; return nil }
	require.Error(t, f.BecomeActive(context.Background()))
	require.False(t, called)
}
