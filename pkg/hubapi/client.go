package hubapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a typed client for the svchub.Hub service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the hub at addr (host:port). The connection is lazy:
// errors surface on the first call, not here.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing hub at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) RegisterService(ctx context.Context, req *RegisterServiceRequest) (*RegisterServiceResponse, error) {
	out := new(RegisterServiceResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/RegisterService", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UnregisterService(ctx context.Context, req *UnregisterServiceRequest) (*UnregisterServiceResponse, error) {
	out := new(UnregisterServiceResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/UnregisterService", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListServices(ctx context.Context, req *ListServicesRequest) (*ListServicesResponse, error) {
	out := new(ListServicesResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/ListServices", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetService(ctx context.Context, req *GetServiceRequest) (*GetServiceResponse, error) {
	out := new(GetServiceResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/GetService", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) HealthCheck(ctx context.Context, req *HealthCheckRequest) (*HealthCheckResponse, error) {
	out := new(HealthCheckResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/HealthCheck", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateServiceStatus(ctx context.Context, req *UpdateServiceStatusRequest) (*UpdateServiceStatusResponse, error) {
	out := new(UpdateServiceStatusResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/UpdateServiceStatus", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CallService(ctx context.Context, req *ServiceCallRequest) (*ServiceCallResponse, error) {
	out := new(ServiceCallResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/CallService", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EventStream receives ServiceEvents from a SubscribeToService call.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks until the next event or stream error.
func (s *EventStream) Recv() (*ServiceEvent, error) {
	evt := new(ServiceEvent)
	if err := s.stream.RecvMsg(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// SubscribeToService opens the event stream. A non-empty serviceName
// restricts delivery to events for that service.
func (c *Client) SubscribeToService(ctx context.Context, serviceName string) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &subscribeStreamDesc, "/"+ServiceName+"/SubscribeToService")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&SubscribeRequest{ServiceName: serviceName}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
