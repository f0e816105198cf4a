package driver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/pkg/connection"
	"github.com/sushant-115/physcoord/pkg/rpcstruct"
)

// ServiceName is the gRPC service every driver process serves.
const ServiceName = "physcoord.driver.v1.Driver"

var (
	methodOpen   = rpcstruct.MethodName(ServiceName, "Open")
	methodHandle = rpcstruct.MethodName(ServiceName, "Handle")
	methodClose  = rpcstruct.MethodName(ServiceName, "Close")
)

type openRequest struct {
	Type    model.ControllerType `json:"type"`
	Session string               `json:"session"`
}

type openResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type closeRequest struct {
	Session string `json:"session"`
}

type empty struct{}

// GRPCDriver reaches a driver process over gRPC. Connections are shared via
// the pool; each Open performs a handshake so an unreachable driver fails
// the phase up front.
type GRPCDriver struct {
	ct      model.ControllerType
	address string
	pool    *connection.ConnectionPoolManager
}

// NewGRPCDriver creates a driver client for ct at address.
func NewGRPCDriver(ct model.ControllerType, address string, pool *connection.ConnectionPoolManager) *GRPCDriver {
	return &GRPCDriver{ct: ct, address: address, pool: pool}
}

func (d *GRPCDriver) Type() model.ControllerType { return d.ct }

func (d *GRPCDriver) Open(ctx context.Context) (Session, error) {
	conn, err := d.pool.Get(d.address)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	var resp openResponse
	if err := rpcstruct.Invoke(ctx, conn, methodOpen, openRequest{Type: d.ct, Session: id}, &resp); err != nil {
		return nil, fmt.Errorf("open %s at %s: %w", d.ct, d.address, err)
	}
	if !resp.Accepted {
		return nil, fmt.Errorf("driver %s refused session: %s", d.ct, resp.Reason)
	}
	return &grpcSession{ct: d.ct, id: id, conn: conn}, nil
}

type grpcSession struct {
	ct   model.ControllerType
	id   string
	conn grpc.ClientConnInterface
}

func (s *grpcSession) Type() model.ControllerType { return s.ct }

func (s *grpcSession) Send(ctx context.Context, hdr RequestHeader, payload Payload) (Response, error) {
	var resp Response
	err := rpcstruct.Invoke(ctx, s.conn, methodHandle, Request{Header: hdr, Payload: payload, Session: s.id}, &resp)
	return resp, err
}

func (s *grpcSession) Close() error {
	return rpcstruct.Invoke(context.Background(), s.conn, methodClose, closeRequest{Session: s.id}, nil)
}

// Server is implemented by driver processes.
type Server interface {
	// Open accepts or refuses a session for the given controller type.
	Open(ctx context.Context, ct model.ControllerType, session string) error
	Handle(ctx context.Context, req Request) Response
	Close(ctx context.Context, session string)
}

// RegisterServer exposes srv as the driver service on s.
func RegisterServer(s *grpc.Server, srv Server) {
	rpcstruct.Register(s, ServiceName, map[string]rpcstruct.Handler{
		"Open": rpcstruct.Typed(func(ctx context.Context, req openRequest) (openResponse, error) {
			if err := srv.Open(ctx, req.Type, req.Session); err != nil {
				return openResponse{Reason: err.Error()}, nil
			}
			return openResponse{Accepted: true}, nil
		}),
		"Handle": rpcstruct.Typed(func(ctx context.Context, req Request) (Response, error) {
			return srv.Handle(ctx, req), nil
		}),
		"Close": rpcstruct.Typed(func(ctx context.Context, req closeRequest) (empty, error) {
			srv.Close(ctx, req.Session)
			return empty{}, nil
		}),
	})
}
