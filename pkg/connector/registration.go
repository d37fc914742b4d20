package connector

import (
	"context"
	"time"

	"github.com/svchub/svchub/pkg/hubapi"
)

// Registration describes the instance a service advertises to the hub.
type Registration struct {
	Name     string
	Version  string
	Address  string
	Port     uint16
	Methods  []string
	Metadata map[string]string
}

func (r Registration) request() *hubapi.RegisterServiceRequest {
	return &hubapi.RegisterServiceRequest{
		ServiceName:    r.Name,
		ServiceVersion: r.Version,
		ServiceAddress: r.Address,
		ServicePort:    r.Port,
		Methods:        r.Methods,
		Metadata:       r.Metadata,
	}
}

// Register announces the instance to the hub and returns its assigned id.
// Re-registering the same (name, address, port) yields the same id.
func (c *Connector) Register(ctx context.Context, reg Registration) (string, error) {
	resp, err := c.client.RegisterService(ctx, reg.request())
	if err != nil {
		return "", err
	}
	c.log.Info("registered with hub", "service", reg.Name, "service_id", resp.ServiceID)
	return resp.ServiceID, nil
}

// Unregister removes the instance from the hub.
func (c *Connector) Unregister(ctx context.Context, serviceID string) error {
	_, err := c.client.UnregisterService(ctx, &hubapi.UnregisterServiceRequest{ServiceID: serviceID})
	return err
}

// RunHeartbeat sends a heartbeat every 7 seconds until ctx is cancelled.
//
// When a heartbeat fails — the hub restarted and lost the registration,
// or the connection dropped — the instance re-registers and carries on
// with the fresh id. Returns the last known id.
func (c *Connector) RunHeartbeat(ctx context.Context, serviceID string, reg Registration) string {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return serviceID
		case <-ticker.C:
		}

		resp, err := c.client.HealthCheck(ctx, &hubapi.HealthCheckRequest{ServiceID: serviceID})
		if err == nil && resp.Healthy {
			c.log.Debug("heartbeat sent", "service_id", serviceID)
			continue
		}
		if err != nil {
			c.log.Warn("heartbeat failed, re-registering", "service_id", serviceID, "error", err)
		} else {
			c.log.Warn("hub no longer knows this instance, re-registering", "service_id", serviceID, "message", resp.Message)
		}

		newID, regErr := c.Register(ctx, reg)
		if regErr != nil {
			c.log.Warn("re-registration failed, will retry", "error", regErr)
			continue
		}
		serviceID = newID
	}
}
