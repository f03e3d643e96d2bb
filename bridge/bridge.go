// Package bridge implements the cloud command bridge: it pulls pending rows
// from a cloudqueue.CloudQueue, translates them into wire.RelayCommand
// datagrams, dispatches them through a FrameSender, and drives the row
// status transitions described in spec §4.6. Grounded on the teacher's
// sptp/client retry-and-counters texture (client.go's send loop and
// stats.go's counter map).
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/relaymesh/nodelink/cloudqueue"
	"github.com/relaymesh/nodelink/wire"
)

const (
	// PollInterval is how often pending rows are fetched (spec §4.6).
	PollInterval = 5 * time.Second
	// MaxRows bounds how many pending rows are fetched per poll (spec §4.6
	// N_MAX).
	MaxRows = 10
	// MaxRetries bounds send attempts for On/Off/Toggle commands (spec §4.6).
	MaxRetries = 3
	// RetryDelay is the pause between send retries (spec §4.6).
	RetryDelay = 150 * time.Millisecond
	// standbyThreshold is the number of consecutive cloud failures after
	// which the bridge stops counting further failures until one call
	// succeeds (SPEC_FULL §7.5).
	standbyThreshold = 5
)

// FrameSender is the narrow seam the bridge dispatches commands through.
// datagram.Task implements it; defining it here (rather than bridge
// importing datagram) keeps bridge and datagram decoupled in both
// directions, since datagram in turn depends on a StatusObserver it defines
// that Bridge implements.
type FrameSender interface {
	SendUnicast(target wire.Address, kind wire.Kind, payload []byte) error
	SendBroadcast(kind wire.Kind, payload []byte) error
}

// Counters are the bridge's exposed operation counts (spec §4.6 "Counters
// exposed").
type Counters struct {
	Processed     uint64
	Sent          uint64
	Completed     uint64
	Failed        uint64
	CloudFailures uint64
	Standby       bool
}

// pendingCommand tracks one dispatched row awaiting a matching RelayStatus.
type pendingCommand struct {
	rowID  int64
	relay  uint8
	wantOn bool
}

// Bridge is the Master-only command bridge (spec §4.6).
type Bridge struct {
	mu       sync.Mutex
	queue    cloudqueue.CloudQueue
	sender   FrameSender
	deviceID string
	relayMap map[uint8]wire.Address
	warned   map[uint8]bool

	nextMsgID uint32
	pending   map[int64]pendingCommand
	counters  Counters
	disabled  bool
}

// New returns a Bridge pulling rows for deviceID from queue and dispatching
// through sender. relayMap resolves a relay index to a specific peer
// address; an unmapped index falls back to broadcast (SPEC_FULL §7.3).
func New(queue cloudqueue.CloudQueue, sender FrameSender, deviceID string, relayMap map[uint8]wire.Address) *Bridge {
	return &Bridge{
		queue:    queue,
		sender:   sender,
		deviceID: deviceID,
		relayMap: relayMap,
		warned:   map[uint8]bool{},
		pending:  map[int64]pendingCommand{},
	}
}

// Counters returns a snapshot of the bridge's operation counts.
func (b *Bridge) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// SetEnabled turns row processing on or off (the bridge_enable /
// bridge_disable operator commands, spec §6.3). A disabled bridge skips its
// polls entirely; pending rows stay Pending.
func (b *Bridge) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = !enabled
}

// Enabled reports whether the bridge is currently processing rows.
func (b *Bridge) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disabled
}

// Run polls the cloud queue every PollInterval until ctx is cancelled
// (spec §4.6 "Every POLL_INTERVAL ... fetch up to N_MAX rows"). Poll
// errors are logged and absorbed; the cloud-failure counter and standby
// state already account for them.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.PollOnce(); err != nil {
				log.Debugf("bridge: poll: %v", err)
			}
		}
	}
}

// PollOnce fetches up to MaxRows pending rows and processes each, per spec
// §4.6. It is meant to be called every PollInterval by the owning loop.
func (b *Bridge) PollOnce() error {
	if !b.Enabled() {
		return nil
	}
	rows, err := b.queue.ListPending(b.deviceID, MaxRows)
	if err != nil {
		b.recordCloudFailure()
		return fmt.Errorf("bridge: list_pending: %w", err)
	}
	b.recordCloudSuccess()

	for _, row := range rows {
		b.processRow(row)
	}
	return nil
}

func (b *Bridge) recordCloudFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counters.Standby {
		return
	}
	b.counters.CloudFailures++
	if b.counters.CloudFailures >= standbyThreshold {
		b.counters.Standby = true
		log.Warn("bridge: entering standby after repeated cloud failures")
	}
}

func (b *Bridge) recordCloudSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counters.Standby {
		log.Info("bridge: leaving standby, cloud queue reachable again")
	}
	b.counters.Standby = false
	b.counters.CloudFailures = 0
}

func (b *Bridge) processRow(row cloudqueue.Row) {
	b.mu.Lock()
	b.counters.Processed++
	b.mu.Unlock()

	// correlation id for tying a row's log lines together across
	// dispatch/retry/completion; never goes on the wire.
	corr := uuid.New().String()[:8]
	log.Debugf("bridge: [%s] row %d: relay=%d action=%q duration=%ds", corr, row.ID, row.Relay, row.Action, row.DurationS)

	action, ok := validateAction(row)
	if !ok {
		b.fail(row.ID, fmt.Sprintf("invalid action %q", row.Action))
		return
	}
	if row.Relay >= 8 {
		b.fail(row.ID, fmt.Sprintf("relay index %d out of range", row.Relay))
		return
	}

	cmd := wire.RelayCommand{Relay: row.Relay, Action: action, DurationS: row.DurationS}
	payload := make([]byte, 6)
	if _, err := cmd.MarshalBinaryTo(payload); err != nil {
		b.fail(row.ID, fmt.Sprintf("encode: %v", err))
		return
	}

	if err := b.dispatchWithRetry(row.Relay, payload); err != nil {
		log.Warnf("bridge: [%s] row %d dispatch failed: %v", corr, row.ID, err)
		b.fail(row.ID, err.Error())
		return
	}

	b.mu.Lock()
	b.counters.Sent++
	b.mu.Unlock()
	if err := b.queue.MarkSent(row.ID); err != nil {
		log.Warnf("bridge: [%s] mark_sent row %d: %v", corr, row.ID, err)
	}

	if isIdempotentTerminal(action, row.DurationS) {
		b.complete(row.ID)
		return
	}

	b.mu.Lock()
	b.pending[row.ID] = pendingCommand{rowID: row.ID, relay: row.Relay, wantOn: true}
	b.mu.Unlock()
}

func (b *Bridge) dispatchWithRetry(relay uint8, payload []byte) error {
	target, hasMapping := b.relayMap[relay]

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		var err error
		if hasMapping {
			err = b.sender.SendUnicast(target, wire.KindRelayCommand, payload)
		} else {
			b.warnUnmapped(relay)
			err = b.sender.SendBroadcast(wire.KindRelayCommand, payload)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < MaxRetries-1 {
			time.Sleep(RetryDelay)
		}
	}
	return lastErr
}

func (b *Bridge) warnUnmapped(relay uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.warned[relay] {
		return
	}
	b.warned[relay] = true
	log.Warnf("bridge: no peer mapped for relay %d, falling back to broadcast", relay)
}

func (b *Bridge) fail(rowID int64, reason string) {
	b.mu.Lock()
	b.counters.Failed++
	b.mu.Unlock()
	if err := b.queue.MarkFailed(rowID, reason); err != nil {
		log.Warnf("bridge: mark_failed row %d: %v", rowID, err)
	}
}

func (b *Bridge) complete(rowID int64) {
	b.mu.Lock()
	b.counters.Completed++
	b.mu.Unlock()
	if err := b.queue.MarkCompleted(rowID); err != nil {
		log.Warnf("bridge: mark_completed row %d: %v", rowID, err)
	}
}

// OnRelayStatus closes any pending row matching (relay, state) against a
// RelayStatus reported by a peer (spec §4.6 step 4, §4.8 dispatch table).
// datagram.Task's StatusObserver interface is satisfied structurally by
// this method. The counter is updated before it returns; the cloud-queue
// MarkCompleted call runs on its own goroutine, so the datagram loop that
// delivers the status never waits on the cloud queue.
func (b *Bridge) OnRelayStatus(from wire.Address, status wire.RelayStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for rowID, pc := range b.pending {
		if pc.relay == status.Relay && pc.wantOn == status.On {
			delete(b.pending, rowID)
			b.counters.Completed++
			go func(id int64) {
				if err := b.queue.MarkCompleted(id); err != nil {
					log.Warnf("bridge: mark_completed row %d: %v", id, err)
				}
			}(rowID)
		}
	}
}

func validateAction(row cloudqueue.Row) (wire.RelayAction, bool) {
	switch row.Action {
	case "on":
		return wire.ActionOn, true
	case "off":
		return wire.ActionOff, true
	case "toggle":
		return wire.ActionToggle, true
	case "on_forever":
		return wire.ActionOnForever, true
	default:
		return 0, false
	}
}

// isIdempotentTerminal reports whether a row completes synchronously on
// successful send rather than awaiting a matching RelayStatus (spec §4.6:
// "non-on without duration"). Only On with a positive duration awaits
// confirmation.
func isIdempotentTerminal(action wire.RelayAction, durationS uint32) bool {
	return !(action == wire.ActionOn && durationS > 0)
}
