// Package router is the front door to call forwarding. It resolves a
// logical service name (or an explicit host:port) to a concrete instance,
// walks the instance through the busy/online cycle around the forwarded
// call, and downs it instantly when the hub itself cannot reach it.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/svchub/svchub/internal/eventbus"
	"github.com/svchub/svchub/internal/registry"
)

// ErrNoInstance is returned when no registered instance matches the
// requested service name.
var ErrNoInstance = errors.New("no available instance")

// callTimeout bounds a forwarded call end to end.
const callTimeout = 10 * time.Second

// CallError is the forwarding boundary's tagged error. Direct marks
// transport-level failures reaching the instance's own port, as distinct
// from an error the instance (or something behind it) reported.
type CallError struct {
	Direct bool
	Err    error
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

// Forwarder performs the actual downstream invocation.
type Forwarder interface {
	// Invoke calls service/method on host:port with the JSON input and
	// returns the JSON response. Failures are reported as *CallError so
	// the router can classify them.
	Invoke(ctx context.Context, host string, port uint16, service, method string, input json.RawMessage) (json.RawMessage, error)
}

// Request describes one call to forward. Host and Port take precedence
// when both they and a resolvable Service name are present.
type Request struct {
	Service string
	Method  string
	Host    string
	Port    uint16
	Input   json.RawMessage
}

// Router resolves and forwards calls against the service table.
type Router struct {
	table *registry.Table
	bus   *eventbus.Bus
	fwd   Forwarder
	log   *slog.Logger
}

// New returns a Router forwarding through fwd.
func New(table *registry.Table, bus *eventbus.Bus, fwd Forwarder, log *slog.Logger) *Router {
	return &Router{table: table, bus: bus, fwd: fwd, log: log}
}

// Normalize maps a wire-level gRPC service name to the logical name
// instances register under: the leftmost dot segment, lowercased, with
// underscores replaced by hyphens. For example
// "web_content_extract.WebContentExtract" becomes "web-content-extract".
func Normalize(service string) string {
	name, _, _ := strings.Cut(service, ".")
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}

// Resolve returns the instance a name-only call would be forwarded to.
func (r *Router) Resolve(service string) (registry.Record, error) {
	name := Normalize(service)
	rec, ok := r.table.SelectBest(name)
	if !ok {
		return registry.Record{}, fmt.Errorf("%w for %q", ErrNoInstance, name)
	}
	return rec, nil
}

// Call forwards req to the chosen instance and reports the outcome.
//
// Lifecycle effects: the instance is marked busy for the duration of the
// call and returned to online afterwards, except when the hub itself could
// not reach the instance's port — then it goes straight to offline.
func (r *Router) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	host, port := req.Host, req.Port
	var id string

	if host != "" && port != 0 {
		// Explicit addressing. The target may legitimately be a host the
		// hub has never seen; lifecycle updates then have nothing to track.
		if found, ok := r.table.FindByAddr(host, port); ok {
			id = found
		}
	} else {
		rec, err := r.Resolve(req.Service)
		if err != nil {
			return nil, err
		}
		id, host, port = rec.ID, rec.Address, rec.Port
		r.log.Debug("selected instance", "service", rec.Name, "service_id", id, "addr", host, "port", port, "status", rec.Status)
	}

	r.markBusy(id)

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	out, err := r.fwd.Invoke(callCtx, host, port, req.Service, req.Method, req.Input)
	if err == nil {
		r.markOnline(id)
		return out, nil
	}

	var cerr *CallError
	if errors.As(err, &cerr) && cerr.Direct {
		// The hub could not reach the port at all: skip the busy→online
		// return and down the instance immediately.
		r.MarkOffline(id, "Direct connection failed")
	} else {
		r.markOnline(id)
	}
	return nil, err
}

// markBusy moves an online instance to busy. Offline instances stay put:
// the status machine has no offline→busy edge.
func (r *Router) markBusy(id string) {
	if id == "" {
		return
	}
	if rec, changed, ok := r.table.Transition(id, registry.StatusOnline, registry.StatusBusy); ok && changed {
		r.bus.Publish(eventbus.StatusChange(id, rec.Name, string(registry.StatusBusy), ""))
	}
}

// markOnline returns a busy instance to online after a call completes.
func (r *Router) markOnline(id string) {
	if id == "" {
		return
	}
	if rec, changed, ok := r.table.Transition(id, registry.StatusBusy, registry.StatusOnline); ok && changed {
		r.bus.Publish(eventbus.StatusChange(id, rec.Name, string(registry.StatusOnline), ""))
	}
}

// MarkOffline forces the instance offline with the given reason,
// emitting the status change if the stored value moved.
func (r *Router) MarkOffline(id, reason string) {
	if id == "" {
		return
	}
	rec, changed, ok := r.table.SetStatus(id, registry.StatusOffline)
	if !ok {
		return
	}
	r.log.Warn("instance marked offline", "service", rec.Name, "service_id", id, "reason", reason)
	if changed {
		r.bus.Publish(eventbus.StatusChange(id, rec.Name, string(registry.StatusOffline), reason))
	}
}
