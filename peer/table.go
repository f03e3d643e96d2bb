// Package peer implements the mesh's peer bookkeeping: liveness, RSSI, RTT
// and round-robin ping rotation over the set of known remote nodes.
package peer

import (
	"sync"
	"time"

	"github.com/relaymesh/nodelink/wire"
)

// OfflineTimeout is how long without a valid frame before a peer is marked
// offline (spec §3.4).
const OfflineTimeout = 120 * time.Second

// CleanupHorizon is how long a peer may remain offline before its record is
// removed entirely (spec §3.4).
const CleanupHorizon = 30 * time.Minute

// DefaultCapacity bounds the number of peer records kept (spec §3.4).
const DefaultCapacity = 10

// Record is one peer's bookkeeping entry (spec §3.4).
type Record struct {
	Address      wire.Address
	Name         string
	DeviceType   string
	Online       bool
	LastSeen     time.Time
	RSSIDbm      int32
	RelayCount   uint8
	LastPingSent time.Time
	LastLatency  time.Duration
}

// Event is emitted on edge-triggered liveness transitions (spec §9:
// "a single observer enum ... emitted onto a bounded channel").
type Event struct {
	Kind    EventKind
	Address wire.Address
}

// EventKind enumerates the liveness events a Table can emit.
type EventKind int

// EventKind values.
const (
	EventPeerLost EventKind = iota
	EventPeerDiscovered
)

// Table is the mutex-guarded set of known peers, keyed by address, plus a
// round-robin cursor for ping rotation (spec §4.2).
type Table struct {
	mu       sync.Mutex
	order    []wire.Address // insertion order
	records  map[wire.Address]*Record
	cursor   int
	capacity int
	events   chan Event
}

// NewTable constructs an empty Table with the default capacity and a
// bounded event channel subscribers can poll (spec §9: subscribers poll,
// they are not pushed to synchronously).
func NewTable() *Table {
	return &Table{
		records:  make(map[wire.Address]*Record),
		capacity: DefaultCapacity,
		events:   make(chan Event, 32),
	}
}

// Events returns the channel on which liveness events are posted. Sends are
// non-blocking: a full channel drops the event rather than stalling the
// caller holding the table's mutex.
func (t *Table) Events() <-chan Event {
	return t.events
}

func (t *Table) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}

// ErrTableFull is returned by Upsert when capacity is exhausted and the
// address is not already known.
var ErrTableFull = errTableFull{}

type errTableFull struct{}

func (errTableFull) Error() string { return "peer: table full" }

// Upsert creates or touches the record for addr: it always sets
// LastSeen:=now and Online:=true, refreshing any provided fields.
// name/deviceType/rssi are optional (pass "" / nil to leave unchanged).
func (t *Table) Upsert(addr wire.Address, name string, deviceType string, rssi *int32, now time.Time) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[addr]
	if !ok {
		if len(t.order) >= t.capacity {
			return nil, ErrTableFull
		}
		r = &Record{Address: addr}
		t.records[addr] = r
		t.order = append(t.order, addr)
		t.emit(Event{Kind: EventPeerDiscovered, Address: addr})
	}
	r.LastSeen = now
	r.Online = true
	if name != "" {
		r.Name = name
	}
	if deviceType != "" {
		r.DeviceType = deviceType
	}
	if rssi != nil {
		r.RSSIDbm = *rssi
	}
	return r, nil
}

// Get returns a copy of the record for addr, if known.
func (t *Table) Get(addr wire.Address) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[addr]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// All returns a snapshot of every known record, in insertion order.
func (t *Table) All() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.order))
	for _, a := range t.order {
		out = append(out, *t.records[a])
	}
	return out
}

// MarkOfflineIfStale transitions every record whose LastSeen predates
// now-OfflineTimeout to Online=false, emitting one edge-triggered
// EventPeerLost per transition.
func (t *Table) MarkOfflineIfStale(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.order {
		r := t.records[a]
		if r.Online && now.Sub(r.LastSeen) > OfflineTimeout {
			r.Online = false
			t.emit(Event{Kind: EventPeerLost, Address: a})
		}
	}
}

// Cleanup removes records that have been offline for longer than
// CleanupHorizon.
func (t *Table) Cleanup(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.order[:0:0]
	for _, a := range t.order {
		r := t.records[a]
		if !r.Online && now.Sub(r.LastSeen) > CleanupHorizon {
			delete(t.records, a)
			if t.cursor > len(kept) {
				t.cursor--
			}
			continue
		}
		kept = append(kept, a)
	}
	t.order = kept
	if t.cursor >= len(t.order) {
		t.cursor = 0
	}
}

// NextForPingRotation returns the next peer due for a ping in round-robin
// order, advancing the cursor, skipping peers offline for longer than
// OfflineTimeout. It visits each current peer at most once per call to
// avoid repeating an already-visited peer within the same round when
// insertions occur mid-rotation.
func (t *Table) NextForPingRotation(now time.Time) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.order)
	for i := 0; i < n; i++ {
		if t.cursor >= len(t.order) {
			t.cursor = 0
		}
		if len(t.order) == 0 {
			return nil, false
		}
		addr := t.order[t.cursor]
		r := t.records[addr]
		t.cursor++
		if r.Online || now.Sub(r.LastSeen) <= OfflineTimeout {
			cp := *r
			return &cp, true
		}
	}
	return nil, false
}

// RecordPingSent stamps the moment a ping was sent to addr, for RTT
// computation on the matching Pong.
func (t *Table) RecordPingSent(addr wire.Address, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[addr]; ok {
		r.LastPingSent = now
	}
}

// RecordRTT computes and stores round-trip latency from a matching Pong,
// clearing LastPingSent so a stray Pong can't be double-counted.
func (t *Table) RecordRTT(addr wire.Address, pongAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[addr]
	if !ok || r.LastPingSent.IsZero() {
		return
	}
	r.LastLatency = pongAt.Sub(r.LastPingSent)
	r.LastPingSent = time.Time{}
}

// Count returns the number of known records (online and offline).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// OnlineCount returns the number of currently online records.
func (t *Table) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.order {
		if t.records[a].Online {
			n++
		}
	}
	return n
}

// PersistedPeer is the subset of Record round-tripped across reboots via
// creds.Store (spec SPEC_FULL §7.2 peer persistence supplement).
type PersistedPeer struct {
	Address    wire.Address
	Name       string
	DeviceType string
	Online     bool
	LastSeen   time.Time
	RSSIDbm    int32
}

// Snapshot returns the persisted projection of every known record.
func (t *Table) Snapshot() []PersistedPeer {
	all := t.All()
	out := make([]PersistedPeer, 0, len(all))
	for _, r := range all {
		out = append(out, PersistedPeer{
			Address:    r.Address,
			Name:       r.Name,
			DeviceType: r.DeviceType,
			Online:     false, // a restored peer always starts unconfirmed
			LastSeen:   r.LastSeen,
			RSSIDbm:    r.RSSIDbm,
		})
	}
	return out
}

// Restore seeds the table from a prior Snapshot without marking restored
// peers online; they still require a fresh liveness frame (spec SPEC_FULL
// §7.2).
func (t *Table) Restore(peers []PersistedPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		if _, ok := t.records[p.Address]; ok {
			continue
		}
		if len(t.order) >= t.capacity {
			break
		}
		t.records[p.Address] = &Record{
			Address:    p.Address,
			Name:       p.Name,
			DeviceType: p.DeviceType,
			Online:     false,
			LastSeen:   p.LastSeen,
			RSSIDbm:    p.RSSIDbm,
		}
		t.order = append(t.order, p.Address)
	}
}
