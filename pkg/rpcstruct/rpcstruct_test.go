package rpcstruct

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type echoRequest struct {
	Name  string            `json:"name"`
	Count uint64            `json:"count"`
	At    time.Time         `json:"at"`
	Tags  map[string]string `json:"tags,omitempty"`
}

type echoResponse struct {
	Greeting string `json:"greeting"`
	Count    uint64 `json:"count"`
}

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := echoRequest{Name: "ctr1", Count: 42, At: at, Tags: map[string]string{"type": "pfc"}}

	s, err := Encode(in)
	require.NoError(t, err)

	var out echoRequest
	require.NoError(t, Decode(s, &out))
	require.Equal(t, in, out)
}

func TestEncodeRejectsNonObjects(t *testing.T) {
	_, err := Encode([]int{1, 2})
	require.Error(t, err)
}

func TestRegisterAndInvoke(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, "test.Echo", map[string]Handler{
		"Greet": Typed(func(_ context.Context, req echoRequest) (echoResponse, error) {
			return echoResponse{Greeting: "hello " + req.Name, Count: req.Count + 1}, nil
		}),
	})
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp echoResponse
	require.NoError(t, Invoke(ctx, conn, MethodName("test.Echo", "Greet"), echoRequest{Name: "odc", Count: 1}, &resp))
	require.Equal(t, "hello odc", resp.Greeting)
	require.Equal(t, uint64(2), resp.Count)
}
