package alarm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSink struct {
	mu      sync.Mutex
	raised  []Alarm
	cleared []string
}

func (s *countingSink) Raise(_ context.Context, a Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raised = append(s.raised, a)
	return nil
}

func (s *countingSink) Clear(_ context.Context, controller string, _ Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, controller)
	return nil
}

func TestRaiseIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	sink := &countingSink{}
	r := NewRecorder(sink, zap.NewNop(), nil)

	raised, err := r.Raise(ctx, "c1", KindDisconnect, "ip changed")
	require.NoError(t, err)
	require.True(t, raised)

	raised, err = r.Raise(ctx, "c1", KindDisconnect, "ip changed again")
	require.NoError(t, err)
	require.False(t, raised)

	_, _ = r.Raise(ctx, "c0", KindDisconnect, "down")
	require.Len(t, sink.raised, 2)

	active := r.Active()
	require.Len(t, active, 2)
	require.Equal(t, "c0", active[0].Controller)
}

func TestClearAndClearAll(t *testing.T) {
	ctx := context.Background()
	sink := &countingSink{}
	r := NewRecorder(sink, zap.NewNop(), nil)

	require.NoError(t, r.Clear(ctx, "c1", KindDisconnect))
	require.Empty(t, sink.cleared, "clearing an inactive alarm must not reach the sink")

	_, _ = r.Raise(ctx, "c1", KindDisconnect, "")
	require.NoError(t, r.Clear(ctx, "c1", KindDisconnect))
	require.Equal(t, []string{"c1"}, sink.cleared)

	_, _ = r.Raise(ctx, "c1", KindDisconnect, "")
	r.ClearAll()
	require.Empty(t, r.Active())
	raised, _ := r.Raise(ctx, "c1", KindDisconnect, "")
	require.True(t, raised)
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(zap.NewNop())
	require.NoError(t, s.Raise(context.Background(), Alarm{Controller: "c1", Kind: KindAuditFailure}))
	require.NoError(t, s.Clear(context.Background(), "c1", KindAuditFailure))
	require.Equal(t, "audit_failure", KindAuditFailure.String())
}
