package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls usergate.v1.Decision on a remote server.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Authenticate(ctx context.Context, token string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"token": token})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, authenticateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Authorize asks whether the token's identity may apply verb to resource.
func (c *Client) Authorize(ctx context.Context, token, resource, verb string, opts ...grpc.CallOption) (bool, error) {
	return c.authorize(ctx, map[string]any{"token": token, "resource": resource, "verb": verb}, opts...)
}

// IsAdmin asks whether the token's identity holds the admin role.
func (c *Client) IsAdmin(ctx context.Context, token string, opts ...grpc.CallOption) (bool, error) {
	return c.authorize(ctx, map[string]any{"token": token, "policy": "admin"}, opts...)
}

func (c *Client) authorize(ctx context.Context, fields map[string]any, opts ...grpc.CallOption) (bool, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return false, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, authorizeMethod, in, out, opts...); err != nil {
		return false, err
	}
	return out.GetFields()["allowed"].GetBoolValue(), nil
}
