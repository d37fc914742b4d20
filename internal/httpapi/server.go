// Package httpapi serves the operator-facing control plane: JSON
// endpoints over the service table and a server-sent-events stream of
// registry changes for the browser UI.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/svchub/svchub/internal/eventbus"
	"github.com/svchub/svchub/internal/registry"
	"github.com/svchub/svchub/internal/router"
)

// Server is the HTTP surface.
type Server struct {
	table  *registry.Table
	bus    *eventbus.Bus
	router *router.Router
	log    *slog.Logger
}

// New wires the HTTP surface to its collaborators.
func New(table *registry.Table, bus *eventbus.Bus, rt *router.Router, log *slog.Logger) *Server {
	return &Server{table: table, bus: bus, router: rt, log: log}
}

// Handler returns the route table. Split out from Serve so tests can
// drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/services", s.handleListServices)
	mux.HandleFunc("DELETE /api/services/{id}", s.handleDropService)
	mux.HandleFunc("GET /api/service-schema", s.handleServiceSchema)
	mux.HandleFunc("POST /api/service-status", s.handleServiceStatus)
	mux.HandleFunc("POST /api/grpc-call", s.handleCall)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	return mux
}

// Serve runs the HTTP listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http surface listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down http surface")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return fmt.Errorf("serving http on %s: %w", addr, err)
	}
}

// serviceView is the JSON rendering of one record.
type serviceView struct {
	ServiceID      string            `json:"service_id"`
	ServiceName    string            `json:"service_name"`
	ServiceVersion string            `json:"service_version"`
	ServiceAddress string            `json:"service_address"`
	ServicePort    uint16            `json:"service_port"`
	Methods        []string          `json:"methods"`
	Metadata       map[string]string `json:"metadata"`
	RegisteredAt   string            `json:"registered_at"`
	LastHeartbeat  string            `json:"last_heartbeat"`
	Status         string            `json:"status"`
}

func toView(rec registry.Record) serviceView {
	methods := rec.Methods
	if methods == nil {
		methods = []string{}
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return serviceView{
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

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	records := s.table.Snapshot(r.URL.Query().Get("filter"))
	views := make([]serviceView, 0, len(records))
	for _, rec := range records {
		views = append(views, toView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": views})
}

func (s *Server) handleDropService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.table.Remove(id) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Service not found"})
		return
	}
	s.log.Info("service dropped via api", "service_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Service unregistered successfully"})
}

func (s *Server) handleServiceSchema(w http.ResponseWriter, _ *http.Request) {
	records := s.table.Snapshot("")
	schemas := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		methods := make([]map[string]any, 0, len(rec.Methods))
		for _, m := range rec.Methods {
			methods = append(methods, map[string]any{
				"name":        m,
				"description": fmt.Sprintf("%s method", m),
				"request_schema": map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			})
		}
		metadata := rec.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		schemas = append(schemas, map[string]any{
			"service_name":    rec.Name,
			"service_version": rec.Version,
			"service_address": rec.Address,
			"service_port":    rec.Port,
			"methods":         methods,
			"metadata":        metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": schemas})
}

type statusRequest struct {
	ServiceID string `json:"service_id"`
	Status    string `json:"status"`
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid JSON request"})
		return
	}
	if req.ServiceID == "" || req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Missing required fields: service_id, status"})
		return
	}
	status := registry.Status(req.Status)
	if !status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": fmt.Sprintf("Invalid status %q", req.Status)})
		return
	}

	rec, changed, found := s.table.SetStatus(req.ServiceID, status)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": fmt.Sprintf("Service %s not found", req.ServiceID)})
		return
	}

	s.log.Info("service status posted", "service", rec.Name, "service_id", rec.ID, "status", status)
	if changed {
		s.bus.Publish(eventbus.StatusChange(rec.ID, rec.Name, string(status), "Service reported status change"))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Service %s status updated to %s", req.ServiceID, status),
	})
}

type callRequest struct {
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Host    string          `json:"host,omitempty"`
	Port    uint16          `json:"port,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid JSON request"})
		return
	}
	if req.Service == "" || req.Method == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "Missing required fields: service, method, and either (host, port) or service name for intelligent selection",
		})
		return
	}

	data, err := s.router.Call(r.Context(), router.Request{
		Service: req.Service,
		Method:  req.Method,
		Host:    req.Host,
		Port:    req.Port,
		Input:   req.Input,
	})
	if err != nil {
		if errors.Is(err, router.ErrNoInstance) {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
