// Package connector is the reusable client helper for fleet services:
// cached discovery against the hub, registration with a background
// heartbeat loop, and busy/online status reporting.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/svchub/svchub/pkg/hubapi"
)

const (
	// DefaultHubAddr is where a locally run hub listens.
	DefaultHubAddr = "127.0.0.1:50099"

	// heartbeatInterval is the cadence services report liveness at. The
	// hub's staleness cutoff is 10 s, so 7 s leaves room for delays.
	heartbeatInterval = 7 * time.Second

	defaultCacheTTL = 30 * time.Second
)

// Option configures a Connector.
type Option func(*Connector)

// WithCacheTTL overrides how long discovered addresses are reused before
// the hub is asked again.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Connector) { c.cacheTTL = ttl }
}

// WithLogger overrides the connector's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Connector) { c.log = log }
}

type cachedAddr struct {
	address string
	port    uint16
	at      time.Time
}

// Connector discovers and talks to fleet services through the hub.
type Connector struct {
	hubAddr  string
	cacheTTL time.Duration
	log      *slog.Logger
	client   *hubapi.Client

	mu    sync.Mutex
	cache map[string]cachedAddr
}

// New returns a Connector for the hub at hubAddr (host:port). The
// connection is lazy; errors surface on first use.
func New(hubAddr string, opts ...Option) (*Connector, error) {
	if hubAddr == "" {
		hubAddr = DefaultHubAddr
	}
	c := &Connector{
		hubAddr:  hubAddr,
		cacheTTL: defaultCacheTTL,
		log:      slog.Default(),
		cache:    make(map[string]cachedAddr),
	}
	for _, opt := range opts {
		opt(c)
	}

	client, err := hubapi.Dial(hubAddr)
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

// Close releases the hub connection.
func (c *Connector) Close() error { return c.client.Close() }

// HubAddr returns the hub address the connector talks to.
func (c *Connector) HubAddr() string { return c.hubAddr }

// Discover resolves a service name to (address, port), reusing a cached
// answer when it is still fresh.
func (c *Connector) Discover(ctx context.Context, serviceName string) (string, uint16, error) {
	c.mu.Lock()
	if entry, ok := c.cache[serviceName]; ok && time.Since(entry.at) < c.cacheTTL {
		c.mu.Unlock()
		return entry.address, entry.port, nil
	}
	c.mu.Unlock()

	return c.DiscoverFresh(ctx, serviceName)
}

// DiscoverFresh asks the hub directly, bypassing the cache. Online
// instances are preferred over busy ones, busy over the rest; within a
// bucket the hub's listing order decides.
func (c *Connector) DiscoverFresh(ctx context.Context, serviceName string) (string, uint16, error) {
	resp, err := c.client.ListServices(ctx, &hubapi.ListServicesRequest{})
	if err != nil {
		return "", 0, fmt.Errorf("listing services: %w", err)
	}

	var best *hubapi.ServiceInfo
	for i := range resp.Services {
		svc := &resp.Services[i]
		if svc.ServiceName != serviceName {
			continue
		}
		if best == nil || rank(svc.Status) < rank(best.Status) {
			best = svc
		}
	}
	if best == nil {
		return "", 0, fmt.Errorf("service %q not found in hub", serviceName)
	}

	c.mu.Lock()
	c.cache[serviceName] = cachedAddr{address: best.ServiceAddress, port: best.ServicePort, at: time.Now()}
	c.mu.Unlock()

	c.log.Debug("discovered service", "service", serviceName, "addr", best.ServiceAddress, "port", best.ServicePort, "status", best.Status)
	return best.ServiceAddress, best.ServicePort, nil
}

func rank(status string) int {
	switch status {
	case "online":
		return 0
	case "busy":
		return 1
	default:
		return 2
	}
}

// ListAllServices returns the hub's full service table.
func (c *Connector) ListAllServices(ctx context.Context) ([]hubapi.ServiceInfo, error) {
	resp, err := c.client.ListServices(ctx, &hubapi.ListServicesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// IsServiceOnline reports whether any instance of the name is online.
func (c *Connector) IsServiceOnline(ctx context.Context, serviceName string) (bool, error) {
	services, err := c.ListAllServices(ctx)
	if err != nil {
		return false, err
	}
	for _, svc := range services {
		if svc.ServiceName == serviceName && svc.Status == "online" {
			return true, nil
		}
	}
	return false, nil
}

// ClearCache drops all cached discovery results.
func (c *Connector) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]cachedAddr)
	c.mu.Unlock()
}

// SetServiceBusy reports the instance as busy to the hub.
func (c *Connector) SetServiceBusy(ctx context.Context, serviceID string) error {
	return c.updateStatus(ctx, serviceID, "busy")
}

// SetServiceOnline reports the instance as online to the hub.
func (c *Connector) SetServiceOnline(ctx context.Context, serviceID string) error {
	return c.updateStatus(ctx, serviceID, "online")
}

func (c *Connector) updateStatus(ctx context.Context, serviceID, status string) error {
	resp, err := c.client.UpdateServiceStatus(ctx, &hubapi.UpdateServiceStatusRequest{
		ServiceID: serviceID,
		Status:    status,
	})
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("updating status: %s", resp.Message)
	}
	return nil
}
