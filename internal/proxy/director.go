// Package proxy implements the hub's transparent call-forwarding
// listener. Any gRPC method invoked against it is routed, frame for
// frame, to the best registered instance of the addressed service; the
// hub never decodes the payload.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/siderolabs/grpc-proxy/proxy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/svchub/svchub/internal/router"
)

// Director resolves incoming full method names to fleet backends.
type Director struct {
	router   *router.Router
	log      *slog.Logger
	backends sync.Map // target addr → *Backend
}

// NewDirector returns a Director selecting instances through rt.
func NewDirector(rt *router.Router, log *slog.Logger) *Director {
	return &Director{router: rt, log: log}
}

// Director implements proxy.StreamDirector for grpc-proxy. The service
// segment of fullMethodName ("/pkg.Service/Method") is normalized and
// resolved against the registry; the stream is then proxied one-to-one
// to the selected instance.
func (d *Director) Director(_ context.Context, fullMethodName string) (proxy.Mode, []proxy.Backend, error) {
	service := serviceSegment(fullMethodName)
	if service == "" {
		return proxy.One2One, nil, status.Error(codes.InvalidArgument, "malformed method name")
	}

	rec, err := d.router.Resolve(service)
	if err != nil {
		return proxy.One2One, nil, status.Error(codes.NotFound, fmt.Sprintf("no instance for service %q", service))
	}

	target := net.JoinHostPort(rec.Address, strconv.Itoa(int(rec.Port)))
	d.log.Debug("proxying stream", "method", fullMethodName, "service", rec.Name, "target", target)

	return proxy.One2One, []proxy.Backend{d.backend(target)}, nil
}

func (d *Director) backend(target string) *Backend {
	if b, ok := d.backends.Load(target); ok {
		return b.(*Backend)
	}
	backend := &Backend{target: target}
	existing, loaded := d.backends.LoadOrStore(target, backend)
	if loaded {
		return existing.(*Backend)
	}
	return backend
}

// Close closes all cached backend connections.
func (d *Director) Close() {
	d.backends.Range(func(key, value any) bool {
		value.(*Backend).Close()
		d.backends.Delete(key)
		return true
	})
}

// serviceSegment extracts "pkg.Service" from "/pkg.Service/Method".
func serviceSegment(fullMethodName string) string {
	trimmed := strings.TrimPrefix(fullMethodName, "/")
	service, _, ok := strings.Cut(trimmed, "/")
	if !ok {
		return ""
	}
	return service
}

// Backend proxies raw frames to one fleet instance over TCP.
type Backend struct {
	target string

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

var _ proxy.Backend = (*Backend)(nil)

func (b *Backend) String() string { return b.target }

// GetConnection returns a cached gRPC connection to the instance.
func (b *Backend) GetConnection(ctx context.Context, _ string) (context.Context, *grpc.ClientConn, error) {
	b.mu.RLock()
	if b.conn != nil {
		defer b.mu.RUnlock()
		return ctx, b.conn, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return ctx, b.conn, nil
	}

	conn, err := grpc.NewClient(
		b.target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodecV2(proxy.Codec())),
	)
	if err != nil {
		return ctx, nil, err
	}
	b.conn = conn
	return ctx, b.conn, nil
}

// AppendInfo passes upstream responses through untouched.
func (b *Backend) AppendInfo(_ bool, resp []byte) ([]byte, error) {
	return resp, nil
}

// BuildError propagates upstream errors as-is; in one-to-one mode the
// proxy surfaces them directly to the caller.
func (b *Backend) BuildError(_ bool, err error) ([]byte, error) {
	return nil, err
}

// Close closes the upstream connection.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}
