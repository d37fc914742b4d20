package hubrpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/svchub/svchub/internal/eventbus"
	"github.com/svchub/svchub/internal/registry"
	"github.com/svchub/svchub/internal/router"
	"github.com/svchub/svchub/pkg/hubapi"
)

type fakeForwarder struct {
	out json.RawMessage
	err error
}

func (f *fakeForwarder) Invoke(context.Context, string, uint16, string, string, json.RawMessage) (json.RawMessage, error) {
	return f.out, f.err
}

func fixture(fwd router.Forwarder) (*Hub, *registry.Table, *eventbus.Subscriber) {
	table := registry.New()
	bus := eventbus.New(slog.Default())
	rt := router.New(table, bus, fwd, slog.Default())
	hub := NewHub(table, bus, rt, slog.Default())
	return hub, table, bus.Subscribe("")
}

func drain(sub *eventbus.Subscriber) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case evt := <-sub.C:
			out = append(out, evt)
			continue
		default:
		}
		return out
	}
}

func register(t *testing.T, hub *Hub, name, addr string, port uint16) string {
	t.Helper()
	resp, err := hub.RegisterService(context.Background(), &hubapi.RegisterServiceRequest{
		ServiceName:    name,
		ServiceVersion: "1.0.0",
		ServiceAddress: addr,
		ServicePort:    port,
		Methods:        []string{"M"},
	})
	if err != nil || !resp.Success {
		t.Fatalf("register: %v %+v", err, resp)
	}
	return resp.ServiceID
}

func TestRegisterEmitsOnceForNewID(t *testing.T) {
	hub, _, sub := fixture(nil)

	id := register(t, hub, "A", "h", 80)
	evts := drain(sub)
	if len(evts) != 1 || evts[0].Type != eventbus.TypeServiceRegistered {
		t.Fatalf("events = %+v", evts)
	}
	if evts[0].Data["service_id"] != id {
		t.Errorf("event id = %v, want %v", evts[0].Data["service_id"], id)
	}

	// Same triple again: same id, no second event.
	if again := register(t, hub, "A", "h", 80); again != id {
		t.Errorf("re-registration changed id: %s != %s", again, id)
	}
	if evts := drain(sub); len(evts) != 0 {
		t.Errorf("re-registration emitted: %+v", evts)
	}
}

func TestUnregister(t *testing.T) {
	hub, table, _ := fixture(nil)
	id := register(t, hub, "A", "h", 80)

	resp, _ := hub.UnregisterService(context.Background(), &hubapi.UnregisterServiceRequest{ServiceID: id})
	if !resp.Success {
		t.Fatalf("unregister failed: %s", resp.Message)
	}
	if table.Len() != 0 {
		t.Error("record survived unregister")
	}

	resp, _ = hub.UnregisterService(context.Background(), &hubapi.UnregisterServiceRequest{ServiceID: id})
	if resp.Success {
		t.Error("second unregister reported success")
	}
}

func TestListServicesSortedAndFiltered(t *testing.T) {
	hub, _, _ := fixture(nil)
	register(t, hub, "zeta", "h", 1)
	register(t, hub, "alpha", "h", 2)

	resp, _ := hub.ListServices(context.Background(), &hubapi.ListServicesRequest{})
	if len(resp.Services) != 2 {
		t.Fatalf("got %d services", len(resp.Services))
	}
	if resp.Services[0].ServiceName != "alpha" || resp.Services[1].ServiceName != "zeta" {
		t.Errorf("not sorted: %s, %s", resp.Services[0].ServiceName, resp.Services[1].ServiceName)
	}
	if resp.Services[0].Status != "online" {
		t.Errorf("status = %s", resp.Services[0].Status)
	}

	filtered, _ := hub.ListServices(context.Background(), &hubapi.ListServicesRequest{Filter: "zet"})
	if len(filtered.Services) != 1 || filtered.Services[0].ServiceName != "zeta" {
		t.Errorf("filter failed: %+v", filtered.Services)
	}
}

func TestGetService(t *testing.T) {
	hub, _, _ := fixture(nil)
	id := register(t, hub, "A", "h", 80)

	resp, _ := hub.GetService(context.Background(), &hubapi.GetServiceRequest{ServiceID: id})
	if !resp.Found || resp.Service == nil || resp.Service.ServiceID != id {
		t.Fatalf("get failed: %+v", resp)
	}

	missing, _ := hub.GetService(context.Background(), &hubapi.GetServiceRequest{ServiceID: "nope"})
	if missing.Found || missing.Service != nil {
		t.Error("unknown id reported found")
	}
}

func TestHeartbeatRecovery(t *testing.T) {
	hub, table, sub := fixture(nil)
	id := register(t, hub, "A", "h", 80)
	drain(sub)

	// Healthy heartbeat: no event.
	resp, _ := hub.HealthCheck(context.Background(), &hubapi.HealthCheckRequest{ServiceID: id})
	if !resp.Healthy {
		t.Fatalf("heartbeat unhealthy: %s", resp.Message)
	}
	if evts := drain(sub); len(evts) != 0 {
		t.Errorf("healthy heartbeat emitted: %+v", evts)
	}

	// Offline record recovering: healthy again plus one online event.
	table.SetStatus(id, registry.StatusOffline)
	resp, _ = hub.HealthCheck(context.Background(), &hubapi.HealthCheckRequest{ServiceID: id})
	if !resp.Healthy {
		t.Fatal("recovered heartbeat reported unhealthy")
	}
	evts := drain(sub)
	if len(evts) != 1 || evts[0].Data["status"] != "online" {
		t.Fatalf("recovery events = %+v", evts)
	}

	// Unknown id: unhealthy, no error.
	resp, err := hub.HealthCheck(context.Background(), &hubapi.HealthCheckRequest{ServiceID: "nope"})
	if err != nil || resp.Healthy {
		t.Errorf("unknown id: %v %+v", err, resp)
	}
}

func TestUpdateServiceStatus(t *testing.T) {
	hub, _, sub := fixture(nil)
	id := register(t, hub, "A", "h", 80)
	drain(sub)

	resp, _ := hub.UpdateServiceStatus(context.Background(), &hubapi.UpdateServiceStatusRequest{ServiceID: id, Status: "busy"})
	if !resp.Success {
		t.Fatalf("update failed: %s", resp.Message)
	}
	evts := drain(sub)
	if len(evts) != 1 || evts[0].Data["reason"] != "Service reported status change" {
		t.Fatalf("events = %+v", evts)
	}

	// Idempotent repost: success, but no second event.
	hub.UpdateServiceStatus(context.Background(), &hubapi.UpdateServiceStatusRequest{ServiceID: id, Status: "busy"})
	if evts := drain(sub); len(evts) != 0 {
		t.Errorf("same-status repost emitted: %+v", evts)
	}

	bad, _ := hub.UpdateServiceStatus(context.Background(), &hubapi.UpdateServiceStatusRequest{ServiceID: id, Status: "crashed"})
	if bad.Success {
		t.Error("invalid status accepted")
	}
	missing, _ := hub.UpdateServiceStatus(context.Background(), &hubapi.UpdateServiceStatusRequest{ServiceID: "nope", Status: "busy"})
	if missing.Success {
		t.Error("unknown id accepted")
	}
}

func TestCallServiceForwards(t *testing.T) {
	hub, _, _ := fixture(&fakeForwarder{out: json.RawMessage(`{"answer":42}`)})
	register(t, hub, "svc", "h", 80)

	resp, err := hub.CallService(context.Background(), &hubapi.ServiceCallRequest{Service: "svc.Svc", Method: "M"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || string(resp.Data) != `{"answer":42}` {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestCallServiceSurfacesErrors(t *testing.T) {
	hub, _, _ := fixture(&fakeForwarder{err: &router.CallError{Direct: false, Err: errors.New("boom")}})
	register(t, hub, "svc", "h", 80)

	resp, err := hub.CallService(context.Background(), &hubapi.ServiceCallRequest{Service: "svc", Method: "M"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("resp = %+v", resp)
	}
}

// fakeStream collects sent events and carries a cancellable context.
type fakeStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent chan *hubapi.ServiceEvent
}

func (s *fakeStream) Context() context.Context { return s.ctx }
func (s *fakeStream) Send(e *hubapi.ServiceEvent) error {
	s.sent <- e
	return nil
}
func (s *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeStream) SendHeader(metadata.MD) error { return nil }
func (s *fakeStream) SetTrailer(metadata.MD)       {}
func (s *fakeStream) SendMsg(any) error            { return nil }
func (s *fakeStream) RecvMsg(any) error            { return nil }

func TestSubscribeStreamsEvents(t *testing.T) {
	hub, table, _ := fixture(nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{ctx: ctx, sent: make(chan *hubapi.ServiceEvent, 16)}

	done := make(chan error, 1)
	go func() {
		done <- hub.SubscribeToService(&hubapi.SubscribeRequest{}, stream)
	}()

	// First element is always the subscribed head event.
	head := <-stream.sent
	if head.EventType != eventbus.TypeSubscribed {
		t.Fatalf("head event = %s", head.EventType)
	}

	// A registration after attach reaches the stream.
	id, _ := table.Upsert(registry.Description{Name: "A", Address: "h", Port: 80})
	hub.bus.Publish(eventbus.ServiceRegistered(id, "A"))

	evt := <-stream.sent
	if evt.EventType != eventbus.TypeServiceRegistered || evt.ServiceName != "A" {
		t.Fatalf("event = %+v", evt)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(evt.Data), &payload); err != nil {
		t.Fatalf("data is not JSON: %v", err)
	}
	if payload["service_id"] != id {
		t.Errorf("payload id = %v", payload["service_id"])
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("subscribe returned %v", err)
	}
}
