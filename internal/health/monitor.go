// Package health runs the hub's two liveness loops.
//
// The staleness sweep catches crashed clients that stopped heartbeating.
// The active TCP probe catches hung clients whose heartbeat path still
// works but whose service port is dead. The loops enforce different
// invariants and run on independent timers.
package health

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/svchub/svchub/internal/eventbus"
	"github.com/svchub/svchub/internal/registry"
)

const (
	// StaleAfter is how long a record may go without a heartbeat before
	// the sweep marks it offline. Clients heartbeat every 7 s, so 10 s
	// leaves headroom for network delays.
	StaleAfter = 10 * time.Second

	sweepInterval = 1 * time.Second
	probeInterval = 5 * time.Second
	probeTimeout  = 2 * time.Second
)

// Monitor ages and probes registry records, emitting status_change events
// for every transition it causes.
type Monitor struct {
	table *registry.Table
	bus   *eventbus.Bus
	log   *slog.Logger

	// dial is swapped in tests to avoid real sockets.
	dial func(ctx context.Context, addr string) error
}

// NewMonitor returns a Monitor over table publishing to bus.
func NewMonitor(table *registry.Table, bus *eventbus.Bus, log *slog.Logger) *Monitor {
	return &Monitor{
		table: table,
		bus:   bus,
		log:   log,
		dial:  tcpDial,
	}
}

// Run drives both loops until ctx is cancelled. Always returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	go m.sweepLoop(ctx)
	m.probeLoop(ctx)
	return nil
}

// sweepLoop marks records offline when their heartbeat goes stale.
func (m *Monitor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}

// Sweep runs one staleness pass as of now, emitting events for every
// record it transitioned.
func (m *Monitor) Sweep(now time.Time) {
	stale := m.table.MarkStaleOffline(now.Add(-StaleAfter))
	for _, rec := range stale {
		m.log.Warn("marking service offline, heartbeat stale",
			"service", rec.Name,
			"service_id", rec.ID,
			"last_heartbeat", rec.LastHeartbeat,
		)
		m.bus.Publish(eventbus.StatusChange(rec.ID, rec.Name, string(registry.StatusOffline), ""))
	}
}

// probeLoop connects to every online or busy instance and downs the ones
// that no longer accept connections.
func (m *Monitor) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one active-probe pass. The record snapshot is taken before
// any connection attempt so no lock is held across I/O.
func (m *Monitor) Probe(ctx context.Context) {
	for _, rec := range m.table.ProbeTargets() {
		addr := net.JoinHostPort(rec.Address, strconv.Itoa(int(rec.Port)))
		if err := m.dial(ctx, addr); err == nil {
			continue
		}
		m.log.Warn("health probe failed", "service", rec.Name, "service_id", rec.ID, "addr", addr)

		_, changed, found := m.table.SetStatus(rec.ID, registry.StatusOffline)
		if found && changed {
			m.bus.Publish(eventbus.StatusChange(rec.ID, rec.Name, string(registry.StatusOffline), "Health check failed"))
		}
	}
}

// tcpDial attempts a TCP connection to addr within probeTimeout. A timed
// out attempt counts as failure.
func tcpDial(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
