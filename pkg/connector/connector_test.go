package connector

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/svchub/svchub/pkg/hubapi"
)

// fakeHub is an in-process hub implementation served over a loopback
// listener, exercising the real wire path: codec, descriptor, client.
type fakeHub struct {
	mu         sync.Mutex
	services   []hubapi.ServiceInfo
	registered []hubapi.RegisterServiceRequest
	heartbeats int
	knownIDs   map[string]bool
}

func (f *fakeHub) RegisterService(_ context.Context, req *hubapi.RegisterServiceRequest) (*hubapi.RegisterServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, *req)
	id := "id-" + req.ServiceName
	f.knownIDs[id] = true
	return &hubapi.RegisterServiceResponse{Success: true, Message: "ok", ServiceID: id}, nil
}

func (f *fakeHub) UnregisterService(_ context.Context, req *hubapi.UnregisterServiceRequest) (*hubapi.UnregisterServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.knownIDs, req.ServiceID)
	return &hubapi.UnregisterServiceResponse{Success: true}, nil
}

func (f *fakeHub) ListServices(context.Context, *hubapi.ListServicesRequest) (*hubapi.ListServicesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &hubapi.ListServicesResponse{Services: append([]hubapi.ServiceInfo(nil), f.services...)}, nil
}

func (f *fakeHub) GetService(context.Context, *hubapi.GetServiceRequest) (*hubapi.GetServiceResponse, error) {
	return &hubapi.GetServiceResponse{}, nil
}

func (f *fakeHub) HealthCheck(_ context.Context, req *hubapi.HealthCheckRequest) (*hubapi.HealthCheckResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if !f.knownIDs[req.ServiceID] {
		return &hubapi.HealthCheckResponse{Healthy: false, Message: "Service not found"}, nil
	}
	return &hubapi.HealthCheckResponse{Healthy: true, Message: "Service is healthy"}, nil
}

func (f *fakeHub) UpdateServiceStatus(_ context.Context, req *hubapi.UpdateServiceStatusRequest) (*hubapi.UpdateServiceStatusResponse, error) {
	if req.Status != "online" && req.Status != "busy" && req.Status != "offline" {
		return &hubapi.UpdateServiceStatusResponse{Success: false, Message: "bad status"}, nil
	}
	return &hubapi.UpdateServiceStatusResponse{Success: true}, nil
}

func (f *fakeHub) CallService(context.Context, *hubapi.ServiceCallRequest) (*hubapi.ServiceCallResponse, error) {
	return &hubapi.ServiceCallResponse{Success: false, Error: "not wired in tests"}, nil
}

func (f *fakeHub) SubscribeToService(*hubapi.SubscribeRequest, hubapi.SubscribeStream) error {
	return nil
}

func startFakeHub(t *testing.T, hub *fakeHub) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	hubapi.RegisterHubServer(srv, hub)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func newFakeHub() *fakeHub {
	return &fakeHub{knownIDs: make(map[string]bool)}
}

func TestDiscoverPrefersOnline(t *testing.T) {
	hub := newFakeHub()
	hub.services = []hubapi.ServiceInfo{
		{ServiceName: "user", ServiceAddress: "10.0.0.1", ServicePort: 1, Status: "busy"},
		{ServiceName: "user", ServiceAddress: "10.0.0.2", ServicePort: 2, Status: "online"},
		{ServiceName: "order", ServiceAddress: "10.0.0.3", ServicePort: 3, Status: "online"},
	}
	addr := startFakeHub(t, hub)

	c, err := New(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	host, port, err := c.Discover(context.Background(), "user")
	if err != nil {
		t.Fatal(err)
	}
	if host != "10.0.0.2" || port != 2 {
		t.Errorf("picked %s:%d, want the online instance 10.0.0.2:2", host, port)
	}

	if _, _, err := c.Discover(context.Background(), "ghost"); err == nil {
		t.Error("unknown service resolved")
	}
}

func TestDiscoverUsesCache(t *testing.T) {
	hub := newFakeHub()
	hub.services = []hubapi.ServiceInfo{
		{ServiceName: "user", ServiceAddress: "10.0.0.1", ServicePort: 1, Status: "online"},
	}
	addr := startFakeHub(t, hub)

	c, err := New(addr, WithCacheTTL(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, _, err := c.Discover(context.Background(), "user"); err != nil {
		t.Fatal(err)
	}

	// The hub moves; a cached lookup must not see it.
	hub.mu.Lock()
	hub.services[0].ServiceAddress = "10.9.9.9"
	hub.mu.Unlock()

	host, _, err := c.Discover(context.Background(), "user")
	if err != nil {
		t.Fatal(err)
	}
	if host != "10.0.0.1" {
		t.Errorf("cache miss: resolved %s", host)
	}

	// A fresh lookup bypasses the cache and repopulates it.
	host, _, err = c.DiscoverFresh(context.Background(), "user")
	if err != nil {
		t.Fatal(err)
	}
	if host != "10.9.9.9" {
		t.Errorf("fresh lookup returned stale %s", host)
	}

	c.ClearCache()
	host, _, _ = c.Discover(context.Background(), "user")
	if host != "10.9.9.9" {
		t.Errorf("post-clear lookup returned %s", host)
	}
}

func TestRegisterAndStatusRoundTrip(t *testing.T) {
	hub := newFakeHub()
	addr := startFakeHub(t, hub)

	c, err := New(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	id, err := c.Register(context.Background(), Registration{
		Name:    "echo",
		Version: "1.0.0",
		Address: "127.0.0.1",
		Port:    50061,
		Methods: []string{"Echo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "id-echo" {
		t.Errorf("id = %s", id)
	}

	hub.mu.Lock()
	got := hub.registered[0]
	hub.mu.Unlock()
	if got.ServiceName != "echo" || got.ServicePort != 50061 || got.Methods[0] != "Echo" {
		t.Errorf("registration arrived mangled: %+v", got)
	}

	if err := c.SetServiceBusy(context.Background(), id); err != nil {
		t.Errorf("busy: %v", err)
	}
	if err := c.SetServiceOnline(context.Background(), id); err != nil {
		t.Errorf("online: %v", err)
	}
	if err := c.Unregister(context.Background(), id); err != nil {
		t.Errorf("unregister: %v", err)
	}
}

func TestIsServiceOnline(t *testing.T) {
	hub := newFakeHub()
	hub.services = []hubapi.ServiceInfo{
		{ServiceName: "user", Status: "offline"},
		{ServiceName: "order", Status: "online"},
	}
	addr := startFakeHub(t, hub)

	c, err := New(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if online, _ := c.IsServiceOnline(context.Background(), "order"); !online {
		t.Error("order should be online")
	}
	if online, _ := c.IsServiceOnline(context.Background(), "user"); online {
		t.Error("user should not be online")
	}
}
