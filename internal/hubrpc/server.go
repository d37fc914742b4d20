// Package hubrpc implements the service-facing RPC surface of the hub:
// registration, heartbeats, discovery queries, call forwarding, and the
// event subscription stream. The wire contract lives in pkg/hubapi.
package hubrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/svchub/svchub/internal/eventbus"
	"github.com/svchub/svchub/internal/registry"
	"github.com/svchub/svchub/internal/router"
	"github.com/svchub/svchub/pkg/hubapi"
)

// Hub implements hubapi.HubServer against the service table.
type Hub struct {
	table  *registry.Table
	bus    *eventbus.Bus
	router *router.Router
	log    *slog.Logger
}

var _ hubapi.HubServer = (*Hub)(nil)

// NewHub wires the RPC surface to its collaborators.
func NewHub(table *registry.Table, bus *eventbus.Bus, rt *router.Router, log *slog.Logger) *Hub {
	return &Hub{table: table, bus: bus, router: rt, log: log}
}

// Serve listens on addr and serves the hub service until ctx is
// cancelled. Returns an error only for listen failures or a broken
// listener; a ctx-driven shutdown returns nil.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	hubapi.RegisterHubServer(grpcServer, h)

	h.log.Info("rpc surface listening", "addr", addr)

	go func() {
		<-ctx.Done()
		h.log.Info("shutting down rpc surface")
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving rpc: %w", err)
	}
	return nil
}

// RegisterService records the instance, reusing the id of any previous
// registration with the same (name, address, port). Registration always
// succeeds; the service_registered event fires only for first-time ids.
func (h *Hub) RegisterService(_ context.Context, req *hubapi.RegisterServiceRequest) (*hubapi.RegisterServiceResponse, error) {
	id, created := h.table.Upsert(registry.Description{
		Name:     req.ServiceName,
		Version:  req.ServiceVersion,
		Address:  req.ServiceAddress,
		Port:     req.ServicePort,
		Methods:  req.Methods,
		Metadata: req.Metadata,
	})

	if created {
		h.log.Info("service registered", "service", req.ServiceName, "service_id", id, "addr", req.ServiceAddress, "port", req.ServicePort)
		h.bus.Publish(eventbus.ServiceRegistered(id, req.ServiceName))
	} else {
		h.log.Info("service re-registered", "service", req.ServiceName, "service_id", id)
	}

	return &hubapi.RegisterServiceResponse{
		Success:   true,
		Message:   "Service registered successfully",
		ServiceID: id,
	}, nil
}

// UnregisterService removes the record entirely.
func (h *Hub) UnregisterService(_ context.Context, req *hubapi.UnregisterServiceRequest) (*hubapi.UnregisterServiceResponse, error) {
	if !h.table.Remove(req.ServiceID) {
		return &hubapi.UnregisterServiceResponse{Success: false, Message: "Service not found"}, nil
	}
	h.log.Info("service unregistered", "service_id", req.ServiceID)
	return &hubapi.UnregisterServiceResponse{Success: true, Message: "Service unregistered successfully"}, nil
}

// ListServices snapshots the table, optionally filtered by a substring of
// name or version. The result is sorted by name.
func (h *Hub) ListServices(_ context.Context, req *hubapi.ListServicesRequest) (*hubapi.ListServicesResponse, error) {
	records := h.table.Snapshot(req.Filter)
	out := make([]hubapi.ServiceInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, toWire(rec))
	}
	return &hubapi.ListServicesResponse{Services: out}, nil
}

// GetService looks up a single record by id.
func (h *Hub) GetService(_ context.Context, req *hubapi.GetServiceRequest) (*hubapi.GetServiceResponse, error) {
	rec, ok := h.table.Get(req.ServiceID)
	if !ok {
		return &hubapi.GetServiceResponse{Found: false}, nil
	}
	info := toWire(rec)
	return &hubapi.GetServiceResponse{Service: &info, Found: true}, nil
}

// HealthCheck is the heartbeat: it refreshes the record's liveness and
// forces it online, emitting a recovery event when it was offline.
func (h *Hub) HealthCheck(_ context.Context, req *hubapi.HealthCheckRequest) (*hubapi.HealthCheckResponse, error) {
	wasOffline, err := h.table.Touch(req.ServiceID)
	if err != nil {
		return &hubapi.HealthCheckResponse{Healthy: false, Message: "Service not found"}, nil
	}
	if wasOffline {
		if rec, ok := h.table.Get(req.ServiceID); ok {
			h.log.Info("service recovered via heartbeat", "service", rec.Name, "service_id", rec.ID)
			h.bus.Publish(eventbus.StatusChange(rec.ID, rec.Name, string(registry.StatusOnline), ""))
		}
	}
	return &hubapi.HealthCheckResponse{Healthy: true, Message: "Service is healthy"}, nil
}

// UpdateServiceStatus applies an instance-reported status, mirroring the
// HTTP status endpoint.
func (h *Hub) UpdateServiceStatus(_ context.Context, req *hubapi.UpdateServiceStatusRequest) (*hubapi.UpdateServiceStatusResponse, error) {
	status := registry.Status(req.Status)
	if !status.Valid() {
		return &hubapi.UpdateServiceStatusResponse{Success: false, Message: fmt.Sprintf("Invalid status %q", req.Status)}, nil
	}
	rec, changed, found := h.table.SetStatus(req.ServiceID, status)
	if !found {
		return &hubapi.UpdateServiceStatusResponse{Success: false, Message: "Service not found"}, nil
	}
	if changed {
		h.bus.Publish(eventbus.StatusChange(rec.ID, rec.Name, string(status), "Service reported status change"))
	}
	return &hubapi.UpdateServiceStatusResponse{
		Success: true,
		Message: fmt.Sprintf("Service %s status updated to %s", req.ServiceID, status),
	}, nil
}

// CallService forwards a call through the router.
func (h *Hub) CallService(ctx context.Context, req *hubapi.ServiceCallRequest) (*hubapi.ServiceCallResponse, error) {
	data, err := h.router.Call(ctx, router.Request{
		Service: req.Service,
		Method:  req.Method,
		Host:    req.Host,
		Port:    req.Port,
		Input:   req.Input,
	})
	if err != nil {
		return &hubapi.ServiceCallResponse{Success: false, Error: err.Error()}, nil
	}
	return &hubapi.ServiceCallResponse{Success: true, Data: data}, nil
}

// SubscribeToService streams registry events to the caller until it
// disconnects. The first element is always a subscribed event.
func (h *Hub) SubscribeToService(req *hubapi.SubscribeRequest, stream hubapi.SubscribeStream) error {
	sub := h.bus.Subscribe(req.ServiceName)
	defer h.bus.Unsubscribe(sub)

	h.log.Info("rpc subscriber attached", "filter", req.ServiceName, "subscribers", h.bus.Count())

	head := &hubapi.ServiceEvent{
		EventType:   eventbus.TypeSubscribed,
		ServiceName: req.ServiceName,
		Data:        "{}",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := stream.Send(head); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("rpc subscriber detached", "filter", req.ServiceName)
			return nil
		case evt := <-sub.C:
			payload, err := json.Marshal(evt.Data)
			if err != nil {
				continue
			}
			name, _ := evt.Data["service_name"].(string)
			out := &hubapi.ServiceEvent{
				EventType:   evt.Type,
				ServiceName: name,
				Data:        string(payload),
				Timestamp:   time.Now().UTC().Format(time.RFC3339),
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}

func toWire(rec registry.Record) hubapi.ServiceInfo {
	methods := rec.Methods
	if methods == nil {
		methods = []string{}
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return hubapi.ServiceInfo{
		ServiceID:      rec.ID,
		ServiceName:    rec.Name,
		ServiceVersion: rec.Version,
		ServiceAddress: rec.Address,
		ServicePort:    rec.Port,
		Methods:        methods,
		Metadata:       metadata,
		RegisteredAt:   rec.RegisteredAt.UTC().Format(time.RFC3339),
		LastHeartbeat:  rec.LastHeartbeat.UTC().Format(time.RFC3339),
		Status:         string(rec.Status),
	}
}
