// Package registry implements the hub's authoritative in-memory service
// table. Every piece of mutable registry state lives here, guarded by a
// single reader-writer lock.
//
// The table itself never performs I/O and never emits events: mutating
// operations return enough information (previous status, whether a record
// was created) for the caller to publish the corresponding event after the
// lock is released. Calling into the event bus or the network from inside
// a critical section would invert the lock ordering the rest of the hub
// relies on.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("service not found")

// Status is the tri-valued lifecycle label of an instance.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the three lifecycle values.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusBusy || s == StatusOffline
}

// Record describes one registered instance of a service.
//
// External views of a Record are always copies — the table exclusively owns
// the stored value and no reference escapes a critical section.
type Record struct {
	ID            string
	Name          string
	Version       string
	Address       string
	Port          uint16
	Methods       []string
	Metadata      map[string]string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Status        Status
}

// Description is the registrant-supplied part of a Record.
type Description struct {
	Name     string
	Version  string
	Address  string
	Port     uint16
	Methods  []string
	Metadata map[string]string
}

// Table is the thread-safe, in-memory store for service records.
type Table struct {
	mu      sync.RWMutex
	records map[string]*Record

	// order holds record ids in insertion order. SelectBest's tiebreak is
	// "first by insertion", which a map iteration cannot provide.
	order []string

	now func() time.Time // swapped in tests
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Upsert inserts a record for desc or, when one already exists with the
// same (name, address, port), overwrites its mutable fields in place while
// keeping the established id. Either way the record ends up online with a
// fresh heartbeat. Reports the final id and whether a new record was
// created (the caller gates the service_registered event on it).
func (t *Table) Upsert(desc Description) (id string, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	for _, rid := range t.order {
		r := t.records[rid]
		if r.Name == desc.Name && r.Address == desc.Address && r.Port == desc.Port {
			r.Version = desc.Version
			r.Methods = append([]string(nil), desc.Methods...)
			r.Metadata = copyMeta(desc.Metadata)
			r.LastHeartbeat = now
			r.Status = StatusOnline
			return r.ID, false
		}
	}

	id = uuid.NewString()
	t.records[id] = &Record{
		ID:            id,
		Name:          desc.Name,
		Version:       desc.Version,
		Address:       desc.Address,
		Port:          desc.Port,
		Methods:       append([]string(nil), desc.Methods...),
		Metadata:      copyMeta(desc.Metadata),
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        StatusOnline,
	}
	t.order = append(t.order, id)
	return id, true
}

// Remove deletes the record with the given id. Reports whether it existed.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[id]; !ok {
		return false
	}
	delete(t.records, id)
	for i, rid := range t.order {
		if rid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Touch records a heartbeat: the record's LastHeartbeat is set to now and
// its status forced to online. Reports whether the record was offline
// before the touch, so the caller can emit the recovery event.
func (t *Table) Touch(id string) (wasOffline bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return false, ErrNotFound
	}
	wasOffline = r.Status == StatusOffline
	r.LastHeartbeat = t.now()
	r.Status = StatusOnline
	return wasOffline, nil
}

// Snapshot returns copies of all records whose name or version contains
// filter (all records when filter is empty), sorted by name ascending.
// The sort order is part of the contract — clients rely on it.
func (t *Table) Snapshot(filter string) []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, id := range t.order {
		r := t.records[id]
		if filter != "" && !strings.Contains(r.Name, filter) && !strings.Contains(r.Version, filter) {
			continue
		}
		out = append(out, copyRecord(r))
	}
	t.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a copy of the record with the given id.
func (t *Table) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(r), true
}

// Len reports the number of records in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// SetStatus atomically compares and stores the record's status. The
// returned snapshot reflects the record after the store; changed reports
// whether the stored value actually differed.
func (t *Table) SetStatus(id string, status Status) (rec Record, changed, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return Record{}, false, false
	}
	changed = r.Status != status
	r.Status = status
	return copyRecord(r), changed, true
}

// Transition stores to only when the record's current status equals from.
// The returned snapshot reflects the record after the call. The status
// machine has no offline→busy edge; callers use Transition to enforce it.
func (t *Table) Transition(id string, from, to Status) (rec Record, changed, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return Record{}, false, false
	}
	if r.Status == from && from != to {
		r.Status = to
		return copyRecord(r), true, true
	}
	return copyRecord(r), false, true
}

// FindByAddr returns the id of the record listening on address:port.
func (t *Table) FindByAddr(address string, port uint16) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range t.order {
		r := t.records[id]
		if r.Address == address && r.Port == port {
			return id, true
		}
	}
	return "", false
}

// SelectBest picks the preferred instance for a logical service name:
// the first online record in insertion order, else the first busy one,
// else the first match regardless of status.
func (t *Table) SelectBest(name string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var firstBusy, firstAny *Record
	for _, id := range t.order {
		r := t.records[id]
		if r.Name != name {
			continue
		}
		switch r.Status {
		case StatusOnline:
			return copyRecord(r), true
		case StatusBusy:
			if firstBusy == nil {
				firstBusy = r
			}
		}
		if firstAny == nil {
			firstAny = r
		}
	}
	if firstBusy != nil {
		return copyRecord(firstBusy), true
	}
	if firstAny != nil {
		return copyRecord(firstAny), true
	}
	return Record{}, false
}

// MarkStaleOffline transitions every online record whose last heartbeat is
// older than cutoff to offline and returns copies of the affected records.
// The caller emits one status_change per returned record after this call,
// outside the lock.
func (t *Table) MarkStaleOffline(cutoff time.Time) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []Record
	for _, id := range t.order {
		r := t.records[id]
		if r.Status == StatusOnline && r.LastHeartbeat.Before(cutoff) {
			r.Status = StatusOffline
			stale = append(stale, copyRecord(r))
		}
	}
	return stale
}

// ProbeTargets returns copies of all records currently online or busy —
// the set the active TCP probe checks.
func (t *Table) ProbeTargets() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Record
	for _, id := range t.order {
		r := t.records[id]
		if r.Status == StatusOnline || r.Status == StatusBusy {
			out = append(out, copyRecord(r))
		}
	}
	return out
}

func copyRecord(r *Record) Record {
	cp := *r
	cp.Methods = append([]string(nil), r.Methods...)
	cp.Metadata = copyMeta(r.Metadata)
	return cp
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
