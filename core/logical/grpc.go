package logical

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/pkg/connection"
	"github.com/sushant-115/physcoord/pkg/rpcstruct"
)

// ServiceName is the gRPC service of the logical layer.
const ServiceName = "physcoord.logical.v1.Logical"

var (
	methodIsReferenced = rpcstruct.MethodName(ServiceName, "IsReferenced")
	methodPush         = rpcstruct.MethodName(ServiceName, "Push")
)

type referenceRequest struct {
	Key model.Key `json:"key"`
}

type referenceResponse struct {
	Referenced bool `json:"referenced"`
}

type pushResponse struct{}

// Client talks to a remote logical layer.
type Client struct {
	conn grpc.ClientConnInterface
}

// Dial returns a client for the logical layer at address.
func Dial(pool *connection.ConnectionPoolManager, address string) (*Client, error) {
	conn, err := pool.Get(address)
	if err != nil {
		return nil, fmt.Errorf("logical layer %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) IsReferenced(ctx context.Context, key model.Key) (bool, error) {
	var resp referenceResponse
	if err := rpcstruct.Invoke(ctx, c.conn, methodIsReferenced, referenceRequest{Key: key}, &resp); err != nil {
		return false, fmt.Errorf("logical IsReferenced %s: %w", key, err)
	}
	return resp.Referenced, nil
}

func (c *Client) Push(ctx context.Context, p Push) error {
	if err := rpcstruct.Invoke(ctx, c.conn, methodPush, p, nil); err != nil {
		return fmt.Errorf("logical push %s %s: %w", p.Operation, p.Key, err)
	}
	return nil
}

// RegisterServer serves layer on s.
func RegisterServer(s *grpc.Server, layer Layer) {
	rpcstruct.Register(s, ServiceName, map[string]rpcstruct.Handler{
		"IsReferenced": rpcstruct.Typed(func(ctx context.Context, req referenceRequest) (referenceResponse, error) {
			ok, err := layer.IsReferenced(ctx, req.Key)
			return referenceResponse{Referenced: ok}, err
		}),
		"Push": rpcstruct.Typed(func(ctx context.Context, p Push) (pushResponse, error) {
			return pushResponse{}, layer.Push(ctx, p)
		}),
	})
}
