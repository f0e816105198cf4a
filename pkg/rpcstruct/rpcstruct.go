// Package rpcstruct carries JSON-shaped Go values over gRPC as
// google.protobuf.Struct messages, so services can be declared without
// generated stubs.
package rpcstruct

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts v, which must marshal to a JSON object, into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcstruct: marshal %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("rpcstruct: %T is not a JSON object: %w", v, err)
	}
	return s, nil
}

// Decode fills v from a Struct.
func Decode(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("rpcstruct: marshal struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcstruct: decode into %T: %w", v, err)
	}
	return nil
}

// Invoke performs a unary call on a Struct-typed method.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, method string, in, out any) error {
	req, err := Encode(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := cc.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return Decode(resp, out)
}

// Handler serves one Struct-typed unary method.
type Handler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// Typed adapts a function over plain Go values into a Handler.
func Typed[Req, Resp any](fn func(context.Context, Req) (Resp, error)) Handler {
	return func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		var req Req
		if err := Decode(in, &req); err != nil {
			return nil, err
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return Encode(resp)
	}
}

// MethodName returns the full gRPC method path of service/method.
func MethodName(service, method string) string {
	return "/" + service + "/" + method
}

// Register installs a Struct-typed service on s.
func Register(s *grpc.Server, service string, methods map[string]Handler) {
	desc := grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*any)(nil),
		Metadata:    service,
	}
	for name, h := range methods {
		h := h
		full := MethodName(service, name)
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return h(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
				return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
					return h(ctx, req.(*structpb.Struct))
				})
			},
		})
	}
	s.RegisterService(&desc, struct{}{})
}
