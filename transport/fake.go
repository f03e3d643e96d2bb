package transport

import (
	"sync"

	"github.com/relaymesh/nodelink/wire"
)

// Fake is an in-memory Transport double for tests, exercised instead of a
// go.uber.org/mock-generated mock: the Transport interface is small enough
// that a hand-written fake reads more clearly than a generated one, and it
// lets tests assert on SentFrames directly. go.uber.org/mock is used only
// for the CloudQueue seam (cloudqueue's generated MockCloudQueue); relay
// tests use a hand-written IoExpander fake as well.
type Fake struct {
	mu       sync.Mutex
	channel  uint8
	peers    map[wire.Address]uint8
	sent     []FakeSend
	failSend map[wire.Address]bool
	onRecv   ReceiveFunc
	onStatus SendStatusFunc
}

// FakeSend records one Send call for test assertions.
type FakeSend struct {
	To      wire.Address
	Payload []byte
}

// NewFake constructs an empty Fake transport.
func NewFake() *Fake {
	return &Fake{peers: map[wire.Address]uint8{wire.Broadcast: 0}, failSend: map[wire.Address]bool{}}
}

// SetChannel implements Transport.
func (f *Fake) SetChannel(channel uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	return nil
}

// Channel returns the last channel set, for test assertions.
func (f *Fake) Channel() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel
}

// AddPeer implements Transport.
func (f *Fake) AddPeer(addr wire.Address, channel uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[addr] = channel
	return nil
}

// FailSend makes subsequent sends to addr return ErrSendRefused, for
// exercising recovery paths.
func (f *Fake) FailSend(addr wire.Address, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend[addr] = fail
}

// Send implements Transport.
func (f *Fake) Send(addr wire.Address, b []byte) error {
	f.mu.Lock()
	fail := f.failSend[addr]
	status := f.onStatus
	if !fail {
		f.sent = append(f.sent, FakeSend{To: addr, Payload: append([]byte(nil), b...)})
	}
	f.mu.Unlock()
	if status != nil {
		status(addr, !fail)
	}
	if fail {
		return ErrSendRefused
	}
	return nil
}

// OnReceive implements Transport.
func (f *Fake) OnReceive(cb ReceiveFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRecv = cb
}

// OnSendStatus implements Transport.
func (f *Fake) OnSendStatus(cb SendStatusFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = cb
}

// Deliver simulates the radio handing a received frame to whoever
// registered a receive callback, exactly as the interrupt-like context
// would (spec §5): it must not block.
func (f *Fake) Deliver(from wire.Address, b []byte) {
	f.mu.Lock()
	cb := f.onRecv
	f.mu.Unlock()
	if cb != nil {
		cb(from, b)
	}
}

// Sent returns every frame sent so far, for test assertions.
func (f *Fake) Sent() []FakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeSend(nil), f.sent...)
}
