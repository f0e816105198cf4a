package logical

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/pkg/connection"
)

func TestMemoryReferences(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := model.BoundaryKey("b1")

	ok, err := m.IsReferenced(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	m.Reference(key)
	ok, _ = m.IsReferenced(ctx, key)
	require.True(t, ok)

	m.Unreference(key)
	ok, _ = m.IsReferenced(ctx, key)
	require.False(t, ok)
}

func TestMemoryPushesAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	v := model.Value{Controller: &model.ControllerValue{IPAddress: "10.0.0.1"}}
	require.NoError(t, m.Push(ctx, Push{Operation: model.OpCreate, Kind: model.KindController, Key: model.ControllerKey("c1"), Value: v}))
	v.Controller.IPAddress = "10.0.0.2"

	got := m.Pushes()
	require.Len(t, got, 1)
	require.Equal(t, "10.0.0.1", got[0].Value.Controller.IPAddress)

	m.FailPushes(errors.New("down"))
	require.Error(t, m.Push(ctx, Push{}))
	m.Reset()
	require.Empty(t, m.Pushes())
}

func TestGRPCClient(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	backend := NewMemory()
	backend.Reference(model.ControllerKey("c1"))
	RegisterServer(srv, backend)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	pool := connection.NewConnectionPoolManager(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	defer pool.Close()

	c, err := Dial(pool, "passthrough:///bufnet")
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := c.IsReferenced(ctx, model.ControllerKey("c1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.IsReferenced(ctx, model.ControllerKey("c2"))
	require.NoError(t, err)
	require.False(t, ok)

	p := Push{
		Datastore: model.DatastoreRunning,
		Operation: model.OpUpdate,
		Kind:      model.KindDomain,
		Key:       model.DomainKey("c1", "d1"),
		Value:     model.Value{Domain: &model.DomainValue{Type: "default", OperStatus: model.OperUp}},
	}
	require.NoError(t, c.Push(ctx, p))
	require.Equal(t, []Push{p}, backend.Pushes())

	backend.FailPushes(errors.New("rejected"))
	require.Error(t, c.Push(ctx, p))
}
