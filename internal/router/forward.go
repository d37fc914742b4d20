package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/svchub/svchub/pkg/hubapi"
)

// GRPCForwarder invokes downstream methods as unary JSON-over-gRPC calls.
// Fleet services register the same json codec, so arbitrary methods can be
// called without generated message types on either side.
type GRPCForwarder struct {
	log *slog.Logger
}

// NewGRPCForwarder returns a ready GRPCForwarder.
func NewGRPCForwarder(log *slog.Logger) *GRPCForwarder {
	return &GRPCForwarder{log: log}
}

// Invoke implements Forwarder.
func (f *GRPCForwarder) Invoke(ctx context.Context, host string, port uint16, service, method string, input json.RawMessage) (json.RawMessage, error) {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	fullMethod := "/" + service + "/" + method

	f.log.Debug("forwarding call", "target", target, "method", fullMethod)

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(hubapi.CodecName)),
	)
	if err != nil {
		return nil, &CallError{Direct: true, Err: fmt.Errorf("dialing %s: %w", target, err)}
	}
	defer conn.Close()

	in := input
	if len(in) == 0 {
		in = json.RawMessage(`{}`)
	}

	var out json.RawMessage
	if err := conn.Invoke(ctx, fullMethod, in, &out); err != nil {
		return nil, classify(err, target)
	}
	return out, nil
}

// classify turns a gRPC client error into the router's tagged variant by
// status code alone. Errors without a gRPC status and the codes
// Unavailable, DeadlineExceeded and Canceled are direct; every other code
// is a downstream failure. The origin of the status is not examined, so one
// of the direct codes returned by the instance itself is also direct.
func classify(err error, target string) *CallError {
	st, ok := status.FromError(err)
	if !ok {
		return &CallError{Direct: true, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return &CallError{Direct: true, Err: fmt.Errorf("calling %s: %w", target, err)}
	default:
		return &CallError{Direct: false, Err: err}
	}
}
