package hubapi

import "encoding/json"

// Wire messages for the svchub.Hub service. Field names are part of the
// contract: payloads are JSON with snake_case keys, carried by the json
// gRPC codec.

// ServiceInfo is the wire view of one registered instance.
type ServiceInfo struct {
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

type RegisterServiceRequest struct {
	ServiceName    string            `json:"service_name"`
	ServiceVersion string            `json:"service_version"`
	ServiceAddress string            `json:"service_address"`
	ServicePort    uint16            `json:"service_port"`
	Methods        []string          `json:"methods"`
	Metadata       map[string]string `json:"metadata"`
}

type RegisterServiceResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ServiceID string `json:"service_id"`
}

type UnregisterServiceRequest struct {
	ServiceID string `json:"service_id"`
}

type UnregisterServiceResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ListServicesRequest struct {
	Filter string `json:"filter,omitempty"`
}

type ListServicesResponse struct {
	Services []ServiceInfo `json:"services"`
}

type GetServiceRequest struct {
	ServiceID string `json:"service_id"`
}

type GetServiceResponse struct {
	Service *ServiceInfo `json:"service,omitempty"`
	Found   bool         `json:"found"`
}

// HealthCheckRequest is the heartbeat message. The name follows the
// method: instances call HealthCheck on an interval to stay online.
type HealthCheckRequest struct {
	ServiceID string `json:"service_id"`
}

type HealthCheckResponse struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

type UpdateServiceStatusRequest struct {
	ServiceID string `json:"service_id"`
	Status    string `json:"status"`
}

type UpdateServiceStatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ServiceCallRequest asks the hub to invoke a method on a fleet service.
// Host and Port are optional; when absent the hub selects the best
// instance for the service name.
type ServiceCallRequest struct {
	Service string            `json:"service"`
	Method  string            `json:"method"`
	Host    string            `json:"host,omitempty"`
	Port    uint16            `json:"port,omitempty"`
	Input   json.RawMessage   `json:"input,omitempty"`
	Caller  string            `json:"caller,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type ServiceCallResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type SubscribeRequest struct {
	ServiceName string `json:"service_name,omitempty"`
}

// ServiceEvent is one element of the SubscribeToService stream. Data is
// the event payload as a JSON document.
type ServiceEvent struct {
	EventType   string `json:"event_type"`
	ServiceName string `json:"service_name"`
	Data        string `json:"data"`
	Timestamp   string `json:"timestamp"`
}
