// Package dockerwatch implements automatic instance registration via the
// Docker socket.
//
// The Watcher subscribes to the Docker event stream and translates
// container lifecycle events into registry mutations. When a container
// with the right labels starts, it is registered as a fleet instance.
// When it stops, the instance is marked offline.
//
// Label reference (add to any docker-compose.yml service):
//
//	svchub.enable:  "true"       # required — opt this container in
//	svchub.port:    "50051"      # required — port the service listens on
//	svchub.name:    "myservice"  # optional — override instance name
//	svchub.version: "1.0.0"      # optional — advertised version
//
// If svchub.name is not set, the name is derived from the Docker Compose
// service label (com.docker.compose.service) or the container name.
package dockerwatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/svchub/svchub/internal/eventbus"
	"github.com/svchub/svchub/internal/registry"
)

// Label keys the watcher looks for on containers.
const (
	labelEnable  = "svchub.enable"
	labelPort    = "svchub.port"
	labelName    = "svchub.name"
	labelVersion = "svchub.version"

	// Docker Compose sets this automatically on every container it manages.
	// We use it as a fallback instance name when svchub.name is not set.
	labelComposeSvc = "com.docker.compose.service"
)

// Watcher watches the Docker socket and keeps the service table in sync
// with running containers that have the appropriate labels.
type Watcher struct {
	client *dockerclient.Client
	table  *registry.Table
	bus    *eventbus.Bus
	log    *slog.Logger

	mu         sync.Mutex
	registered map[string]string // container id → service id
}

// NewWatcher creates a Watcher connected to the local Docker daemon.
// Reads DOCKER_HOST / DOCKER_CERT_PATH / DOCKER_TLS_VERIFY from the
// environment, with automatic API version negotiation so it works across
// daemon versions.
func NewWatcher(table *registry.Table, bus *eventbus.Bus, log *slog.Logger) (*Watcher, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to Docker daemon: %w", err)
	}
	return &Watcher{
		client:     cli,
		table:      table,
		bus:        bus,
		log:        log,
		registered: make(map[string]string),
	}, nil
}

// Run starts the watcher. It first syncs already-running containers, then
// listens for new events until ctx is canceled.
//
// Call this in a goroutine alongside the RPC and HTTP servers.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("docker watcher starting")

	// Sync containers that were already running when we started. Handles
	// hub restarts: existing containers are re-registered without waiting
	// for a container start event.
	if err := w.syncExisting(ctx); err != nil {
		w.log.Warn("initial container sync failed", "error", err)
	}

	// Subscribe to container events only.
	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))

	eventCh, errCh := w.client.Events(ctx, events.ListOptions{Filters: f})

	for {
		select {
		case <-ctx.Done():
			w.log.Info("docker watcher stopped")
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("docker event stream: %w", err)
		case event := <-eventCh:
			w.handleEvent(ctx, event)
		}
	}
}

// syncExisting registers all currently running containers with hub labels.
func (w *Watcher) syncExisting(ctx context.Context) error {
	containers, err := w.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	registered := 0
	for _, c := range containers {
		if c.Labels[labelEnable] != "true" {
			continue
		}
		if err := w.registerByID(ctx, c.ID); err != nil {
			w.log.Warn("skipping container during sync",
				"id", shortID(c.ID),
				"error", err,
			)
			continue
		}
		registered++
	}

	w.log.Info("initial sync complete",
		"scanned", len(containers),
		"registered", registered,
	)
	return nil
}

// handleEvent processes a single Docker container event.
func (w *Watcher) handleEvent(ctx context.Context, event events.Message) {
	switch event.Action {
	case events.ActionStart:
		if err := w.registerByID(ctx, event.Actor.ID); err != nil {
			w.log.Warn("failed to register container on start",
				"id", shortID(event.Actor.ID),
				"error", err,
			)
		}

	case events.ActionStop, events.ActionDie, events.ActionKill:
		w.mu.Lock()
		serviceID, ok := w.registered[event.Actor.ID]
		delete(w.registered, event.Actor.ID)
		w.mu.Unlock()
		if !ok {
			// Expected if the container was never registered (e.g. missing labels).
			return
		}

		rec, changed, found := w.table.SetStatus(serviceID, registry.StatusOffline)
		if !found {
			return
		}
		w.log.Info("docker: instance offline", "service", rec.Name, "service_id", serviceID, "action", string(event.Action))
		if changed {
			w.bus.Publish(eventbus.StatusChange(serviceID, rec.Name, string(registry.StatusOffline), "Container stopped"))
		}
	}
}

// registerByID inspects a container by ID, validates its labels, resolves
// its IP address, and upserts it into the service table.
func (w *Watcher) registerByID(ctx context.Context, id string) error {
	info, err := w.client.ContainerInspect(ctx, id)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", shortID(id), err)
	}

	labels := info.Config.Labels

	if labels[labelEnable] != "true" {
		return nil // not opted in
	}

	portStr := labels[labelPort]
	if portStr == "" {
		return fmt.Errorf("missing required label %q", labelPort)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid label %q=%q: %w", labelPort, portStr, err)
	}

	// The actual container IP rather than the Docker DNS name: the hub may
	// not share a Docker network with the container, and IPs stay
	// unambiguous across compose projects with identical service names.
	ip, err := containerIP(info)
	if err != nil {
		return fmt.Errorf("resolving IP for %s: %w", shortID(id), err)
	}

	name := instanceName(labels)
	if name == "" {
		name = strings.TrimPrefix(info.Name, "/")
	}

	serviceID, created := w.table.Upsert(registry.Description{
		Name:    name,
		Version: labels[labelVersion],
		Address: ip,
		Port:    uint16(port),
		Metadata: map[string]string{
			"source":       "docker",
			"container_id": shortID(id),
		},
	})

	w.mu.Lock()
	w.registered[id] = serviceID
	w.mu.Unlock()

	if created {
		w.log.Info("docker: instance registered",
			"service", name, "service_id", serviceID, "addr", ip, "port", port)
		w.bus.Publish(eventbus.ServiceRegistered(serviceID, name))
	} else {
		w.log.Info("docker: instance updated",
			"service", name, "service_id", serviceID, "addr", ip, "port", port)
	}
	return nil
}

// containerIP returns the IP address of a container, choosing the best
// network.
//
// Selection order:
//  1. Any network whose name contains "svchub" (a dedicated hub network).
//  2. The first network with a non-empty IP address (compose project network).
func containerIP(info types.ContainerJSON) (string, error) {
	networks := info.NetworkSettings.Networks
	if len(networks) == 0 {
		return "", fmt.Errorf("container has no attached networks")
	}

	for name, net := range networks {
		if strings.Contains(strings.ToLower(name), "svchub") && net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}

	for _, net := range networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}

	return "", fmt.Errorf("no IP address found in any attached network")
}

// instanceName derives a stable name from a label map.
//
//  1. svchub.name (explicit user override — highest priority)
//  2. com.docker.compose.service (auto-set by Compose on every container)
//  3. Empty string — caller falls back to container name
func instanceName(labels map[string]string) string {
	if v := labels[labelName]; v != "" {
		return v
	}
	if v := labels[labelComposeSvc]; v != "" {
		return v
	}
	return ""
}

// shortID returns the first 12 characters of a Docker container ID,
// matching the format used by docker ps and docker logs.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
