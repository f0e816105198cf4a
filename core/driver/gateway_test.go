package driver_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/physcoord/core/driver"
	"github.com/sushant-115/physcoord/core/driver/drivertest"
	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/pkg/connection"
)

func newGateway(t *testing.T, fakes ...*drivertest.Fake) *driver.Gateway {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	g := driver.NewGateway(logger, nil)
	for _, f := range fakes {
		g.Register(f)
	}
	return g
}

func TestOpenUnknownType(t *testing.T) {
	g := newGateway(t)
	_, err := g.Open(context.Background(), model.ControllerPFC)
	require.ErrorIs(t, err, driver.ErrNoDriver)
	require.False(t, g.Registered(model.ControllerPFC))
}

func TestOpenAllIsFailFast(t *testing.T) {
	pfc := drivertest.New(model.ControllerPFC)
	odc := drivertest.New(model.ControllerODC)
	odc.FailOpen(errors.New("unreachable"))
	g := newGateway(t, pfc, odc)

	_, err := g.OpenAll(context.Background(), []model.ControllerType{model.ControllerPFC, model.ControllerODC, model.ControllerPFC})
	require.ErrorIs(t, err, driver.ErrSessionOpen)
	require.Equal(t, 1, pfc.Opens())
	require.Equal(t, 1, pfc.Closes(), "sessions opened before the failure must be closed")

	odc.FailOpen(nil)
	sessions, err := g.OpenAll(context.Background(), []model.ControllerType{model.ControllerPFC, model.ControllerODC, model.ControllerPFC})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	driver.CloseAll(sessions)
}

func TestSendTurnsNonOKIntoResultError(t *testing.T) {
	pfc := drivertest.New(model.ControllerPFC)
	pfc.FailController("c2", driver.ResultDisconnected)
	g := newGateway(t, pfc)

	s, err := g.Open(context.Background(), model.ControllerPFC)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Send(context.Background(), driver.RequestHeader{Operation: model.OpCreate, Controller: "c1"}, driver.Payload{})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), driver.RequestHeader{Operation: model.OpCreate, Controller: "c2"}, driver.Payload{})
	var rerr *driver.ResultError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, driver.ResultDisconnected, rerr.Code)
	require.Equal(t, "c2", rerr.Controller)
}

func TestDispatchKeepsGoingAfterFailures(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		pfc := drivertest.New(model.ControllerPFC)
		odc := drivertest.New(model.ControllerODC)
		pfc.FailController("p1", driver.ResultFailure)
		g := newGateway(t, pfc, odc)

		sessions, err := g.OpenAll(context.Background(), []model.ControllerType{model.ControllerPFC, model.ControllerODC})
		require.NoError(t, err)

		var mu sync.Mutex
		done := map[string]error{}
		call := func(ct model.ControllerType, name string) driver.Call {
			return driver.Call{
				Type:   ct,
				Header: driver.RequestHeader{Operation: model.OpCreate, Controller: name, Kind: model.KindController},
				Done: func(_ driver.Response, err error) {
					mu.Lock()
					done[name] = err
					mu.Unlock()
				},
			}
		}
		calls := []driver.Call{
			call(model.ControllerPFC, "p1"),
			call(model.ControllerODC, "o1"),
			call(model.ControllerPFC, "p2"),
		}
		out := driver.Dispatch(context.Background(), sessions, calls, parallel)
		driver.CloseAll(sessions)

		require.Len(t, out, 3)
		require.Error(t, out[0].Err)
		require.NoError(t, out[1].Err)
		require.NoError(t, out[2].Err)
		require.Error(t, out.Err())
		require.Len(t, done, 3)

		byCtrl := out.ByController()
		require.Error(t, byCtrl["p1"])
		require.NoError(t, byCtrl["p2"])
		require.Equal(t, []model.Operation{model.OpCreate}, pfc.Ops("p2"))
	}
}

func TestDispatchWithoutSession(t *testing.T) {
	out := driver.Dispatch(context.Background(), nil, []driver.Call{{Type: model.ControllerVNP}}, false)
	require.ErrorIs(t, out[0].Err, driver.ErrSessionOpen)
}

// fakeServer adapts a drivertest.Fake into a gRPC driver process.
type fakeServer struct {
	fake     *drivertest.Fake
	mu       sync.Mutex
	sessions map[string]driver.Session
	refuse   bool
}

func (s *fakeServer) Open(ctx context.Context, ct model.ControllerType, id string) error {
	if s.refuse {
		return errors.New("busy")
	}
	sess, err := s.fake.Open(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return nil
}

func (s *fakeServer) Handle(ctx context.Context, req driver.Request) driver.Response {
	s.mu.Lock()
	sess := s.sessions[req.Session]
	s.mu.Unlock()
	if sess == nil {
		return driver.Response{Code: driver.ResultInvalidRequest, Message: "unknown session"}
	}
	resp, _ := sess.Send(ctx, req.Header, req.Payload)
	return resp
}

func (s *fakeServer) Close(ctx context.Context, id string) {
	s.mu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

func TestGRPCDriverRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	fake := drivertest.New(model.ControllerODC)
	fake.FailController("bad", driver.ResultNotSupported)
	backend := &fakeServer{fake: fake, sessions: map[string]driver.Session{}}
	driver.RegisterServer(srv, backend)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	pool := connection.NewConnectionPoolManager(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	defer pool.Close()

	g := newGateway(t)
	g.Register(driver.NewGRPCDriver(model.ControllerODC, "passthrough:///bufnet", pool))

	ctx := context.Background()
	s, err := g.Open(ctx, model.ControllerODC)
	require.NoError(t, err)

	cv := model.CommitVersion{Number: 7, Application: "coordinator"}
	hdr := driver.RequestHeader{Operation: model.OpUpdate, Controller: "c1", Kind: model.KindController, Datastore: model.DatastoreCandidate}
	payload := driver.Payload{
		Key:       model.ControllerKey("c1"),
		Value:     model.Value{Controller: &model.ControllerValue{Type: model.ControllerODC, IPAddress: "10.0.0.1"}},
		NewCommit: &cv,
	}
	_, err = s.Send(ctx, hdr, payload)
	require.NoError(t, err)

	hdr.Controller = "bad"
	_, err = s.Send(ctx, hdr, driver.Payload{Key: model.ControllerKey("bad")})
	var rerr *driver.ResultError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, driver.ResultNotSupported, rerr.Code)

	require.NoError(t, s.Close())
	require.Equal(t, 1, fake.Closes())

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, model.OpUpdate, reqs[0].Header.Operation)
	require.Equal(t, "10.0.0.1", reqs[0].Payload.Value.Controller.IPAddress)
	require.Equal(t, uint64(7), reqs[0].Payload.NewCommit.Number)

	backend.refuse = true
	_, err = g.Open(ctx, model.ControllerODC)
	require.ErrorIs(t, err, driver.ErrSessionOpen)
}
