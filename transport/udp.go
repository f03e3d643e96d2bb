package transport

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/relaymesh/nodelink/wire"
)

// UDPMulticast is a reference Transport for local simulation and
// integration tests: each radio channel maps to a distinct multicast
// group (239.1.1.<channel>:7000), so "switching channel" is rebinding the
// listener, matching the spec's "channel is implicit in the radio
// configuration, not in the frame" (spec §6.1). Grounded on
// responder/server.go's one-goroutine-per-socket listener pattern.
type UDPMulticast struct {
	mu       sync.Mutex
	self     wire.Address
	port     int
	conn     *net.UDPConn
	channel  uint8
	peers    map[wire.Address]uint8
	onRecv   ReceiveFunc
	onStatus SendStatusFunc
	stop     chan struct{}
}

// NewUDPMulticast constructs a transport for self, listening on port.
func NewUDPMulticast(self wire.Address, port int) *UDPMulticast {
	return &UDPMulticast{
		self:  self,
		port:  port,
		peers: map[wire.Address]uint8{wire.Broadcast: 0},
	}
}

func groupFor(channel uint8) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(239, 1, 1, channel), Port: 0}
}

// SetChannel rebinds the listener to the multicast group for channel.
func (t *UDPMulticast) SetChannel(channel uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		close(t.stop)
		_ = t.conn.Close()
	}
	addr := &net.UDPAddr{IP: net.IPv4(239, 1, 1, channel), Port: t.port}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("transport: listen channel %d: %w", channel, err)
	}
	t.conn = conn
	t.channel = channel
	t.stop = make(chan struct{})
	go t.receiveLoop(conn, t.stop)
	return nil
}

func (t *UDPMulticast) receiveLoop(conn *net.UDPConn, stop chan struct{}) {
	buf := make([]byte, 512)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
				log.Debugf("transport: read error: %v", err)
				continue
			}
		}
		t.mu.Lock()
		cb := t.onRecv
		t.mu.Unlock()
		if cb == nil {
			continue
		}
		f, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		if f.Sender == t.self {
			continue // ignore our own multicast echo
		}
		cb(f.Sender, append([]byte(nil), buf[:n]...))
	}
}

// AddPeer records addr as reachable on channel. The reference transport
// doesn't need per-peer unicast sockets (multicast delivers to everyone on
// the group), so this only records membership; Send does not consult it.
func (t *UDPMulticast) AddPeer(addr wire.Address, channel uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[addr] = channel
	return nil
}

// Send transmits b on the current multicast group regardless of addr,
// since group membership already scopes delivery to one channel; ok is
// reported via the SendStatusFunc callback.
func (t *UDPMulticast) Send(addr wire.Address, b []byte) error {
	t.mu.Lock()
	conn := t.conn
	channel := t.channel
	status := t.onStatus
	t.mu.Unlock()
	if conn == nil {
		return ErrNotInitialized
	}
	dst := &net.UDPAddr{IP: net.IPv4(239, 1, 1, channel), Port: t.port}
	_, err := conn.WriteToUDP(b, dst)
	if status != nil {
		status(addr, err == nil)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendRefused, err)
	}
	return nil
}

// OnReceive registers the receive callback.
func (t *UDPMulticast) OnReceive(cb ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecv = cb
}

// OnSendStatus registers the send-status callback.
func (t *UDPMulticast) OnSendStatus(cb SendStatusFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatus = cb
}

// Close releases the underlying socket.
func (t *UDPMulticast) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	close(t.stop)
	return t.conn.Close()
}
