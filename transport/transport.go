// Package transport defines the external radio-transport interface the
// core protocol runs over, plus a UDP-multicast reference implementation
// used by tests and local simulation. Grounded on the teacher's
// responder/server.go worker/listener shape: one receive goroutine per
// bound socket feeding a bounded channel.
package transport

import (
	"errors"

	"github.com/relaymesh/nodelink/wire"
)

// Errors returned by Transport implementations (spec §7 TransportError).
var (
	ErrNotInitialized = errors.New("transport: radio not initialized")
	ErrSendRefused    = errors.New("transport: send refused")
)

// ReceiveFunc is invoked for every received frame. It runs in a
// restricted, interrupt-like context: implementations MUST NOT block here
// (spec §5) — the provided bytes are only valid for the duration of the
// call.
type ReceiveFunc func(from wire.Address, b []byte)

// SendStatusFunc is invoked after a send attempt completes.
type SendStatusFunc func(to wire.Address, ok bool)

// Transport is the external collaborator the core protocol sends and
// receives datagrams through (spec §4.10).
type Transport interface {
	// SetChannel switches the radio to the given channel (1..13).
	SetChannel(channel uint8) error
	// AddPeer registers addr as reachable on the given channel. The
	// broadcast address is added automatically at startup by the
	// implementation.
	AddPeer(addr wire.Address, channel uint8) error
	// Send hands a pre-encoded frame off to the radio. It may succeed
	// even if no peer receives it (spec §4.10).
	Send(addr wire.Address, b []byte) error
	// OnReceive registers the callback invoked for every received frame.
	OnReceive(cb ReceiveFunc)
	// OnSendStatus registers the callback invoked after each send.
	OnSendStatus(cb SendStatusFunc)
}
