package ctrlstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProvisionAndRelease(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 0)
	e := r.Provision("c2")
	r.Provision("c1")
	require.Equal(t, []string{"c1", "c2"}, r.Names())

	got, ok := r.Get("c2")
	require.True(t, ok)
	require.Same(t, e, got)

	require.True(t, r.Release("c2"))
	require.False(t, r.Release("c2"))
	require.True(t, e.Released())
	require.ErrorIs(t, e.Submit(func() {}), ErrReleased)
	require.Equal(t, 1, r.Len())

	r.ReleaseAll()
	require.Zero(t, r.Len())
}

func TestReprovisionReplacesEntry(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 0)
	first := r.Provision("c1")
	first.SetIPChanged(true)

	second := r.Provision("c1")
	require.NotSame(t, first, second)
	require.True(t, first.Released())
	require.False(t, second.IPChanged())
}

func TestQueueRunsTasksInOrderAndDrainsOnRelease(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 4)
	e := r.Provision("c1")

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, e.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	r.Release("c1")

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestUpdateAndView(t *testing.T) {
	e := NewRegistry(nil, 0).Provision("c1")
	status := "down"
	e.Update(func() { status = "up" })
	var seen string
	e.View(func() { seen = status })
	require.Equal(t, "up", seen)
}

func TestDoRunsBehindQueuedTasks(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 4)
	e := r.Provision("c1")
	t.Cleanup(r.ReleaseAll)

	gate := make(chan struct{})
	var order []string
	require.NoError(t, e.Submit(func() {
		<-gate
		order = append(order, "event")
	}))
	close(gate)
	require.NoError(t, e.Do(context.Background(), func() error {
		order = append(order, "update")
		return nil
	}))
	require.Equal(t, []string{"event", "update"}, order)

	boom := errors.New("store down")
	require.ErrorIs(t, e.Do(context.Background(), func() error { return boom }), boom)
}

func TestDoHonoursContext(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 4)
	e := r.Provision("c1")
	t.Cleanup(r.ReleaseAll)

	gate := make(chan struct{})
	require.NoError(t, e.Submit(func() { <-gate }))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Do(ctx, func() error { return nil }), context.DeadlineExceeded)
	close(gate)
}

func TestRegistryUpdateFallsBackWithoutEntry(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 0)
	calls := 0
	require.NoError(t, r.Update(context.Background(), "gone", func() error { calls++; return nil }))
	require.Equal(t, 1, calls)

	var nilRegistry *Registry
	require.NoError(t, nilRegistry.Update(context.Background(), "c1", func() error { calls++; return nil }))
	require.Equal(t, 2, calls)
	require.False(t, nilRegistry.IPChanged("c1"))
	nilRegistry.View("c1", func() { calls++ })
	require.Equal(t, 3, calls)
}

func TestRegistryUpdateUsesEntryQueue(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 4)
	e := r.Provision("c1")
	t.Cleanup(r.ReleaseAll)

	gate := make(chan struct{})
	var order []string
	require.NoError(t, e.Submit(func() {
		<-gate
		order = append(order, "event")
	}))
	close(gate)
	require.NoError(t, r.Update(context.Background(), "c1", func() error {
		order = append(order, "update")
		return nil
	}))
	require.Equal(t, []string{"event", "update"}, order)

	e.SetIPChanged(true)
	require.True(t, r.IPChanged("c1"))
	require.False(t, r.IPChanged("c2"))
}
