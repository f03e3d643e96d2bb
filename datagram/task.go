// Package datagram implements the single-threaded cooperative event loop
// that owns the wire codec, the peer table and relay dispatch for one node
// (spec §4.8). It is the one place the radio's interrupt-like receive
// context hands off to ordinary goroutine-land: the receive callback only
// ever pushes raw bytes onto a bounded queue and returns. Grounded on the
// teacher's responder/server/server.go worker-queue dispatch shape,
// collapsed to a single worker since spec §5 requires in-order dispatch
// per (sender, kind).
package datagram

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaymesh/nodelink/creds"
	"github.com/relaymesh/nodelink/peer"
	"github.com/relaymesh/nodelink/relay"
	"github.com/relaymesh/nodelink/transport"
	"github.com/relaymesh/nodelink/wire"
)

// Periodic-duty intervals and the receive queue bound (spec §4.8, §3.4).
const (
	RecvQueueCapacity    = 10
	TickInterval         = 100 * time.Millisecond // >=10Hz per spec §5
	HeartbeatInterval    = 30 * time.Second
	PingRotationInterval = 6 * time.Second
	CleanupInterval      = 60 * time.Second

	// ProtoVersion is this implementation's Handshake.ProtoVersion value.
	ProtoVersion = 1
)

// StatusObserver receives RelayStatus frames so the command bridge can
// close out pending cloud rows (spec §4.8 dispatch table: "notify
// CommandBridge"). bridge.Bridge satisfies this interface structurally,
// which keeps bridge and datagram decoupled in both directions: bridge
// depends on datagram.Task only through its own FrameSender interface.
type StatusObserver interface {
	OnRelayStatus(from wire.Address, status wire.RelayStatus)
}

// CredentialsSink is the Wi-Fi collaborator notified when a fresh
// WifiCredentials frame arrives, so a Slave can reconnect (spec §4.8
// dispatch table: "this may trigger a reconnect").
type CredentialsSink interface {
	ApplyCredentials(creds.WifiCredentials) error
}

// DeviceStatus is the snapshot the out-of-scope sensor/Wi-Fi collaborators
// feed Task on demand: DeviceInfo heartbeats, Handshake responses and
// ConnectivityReport replies all draw from it (spec §2 "provide a
// snapshot on demand").
type DeviceStatus struct {
	DeviceType  string
	Operational bool
	WifiUp      bool
	UptimeMs    uint32
	FreeMem     uint32
	RSSIDbm     int32
}

// StatusProvider supplies a fresh DeviceStatus on demand.
type StatusProvider interface {
	Status() DeviceStatus
}

// TrafficObserver receives per-peer traffic signals from the dispatch and
// ping-rotation paths: received-frame counts, reported RSSI samples,
// measured round-trips, and sent/lost pings. autocomm.Manager implements
// it to feed the health-score accumulators (spec §4.7).
type TrafficObserver interface {
	OnFrameReceived(from wire.Address)
	OnRSSISample(from wire.Address, dbm int32)
	OnPongRTT(from wire.Address, rtt time.Duration)
	OnPingSent(to wire.Address, lostPrevious bool)
}

// EventKind enumerates the events Task emits for upper-layer observers —
// the "single observer enum ... emitted onto a bounded channel" of spec §9,
// replacing the legacy callback-soup.
type EventKind int

// EventKind values.
const (
	EventHandshakeResponse EventKind = iota
	EventConnectivityReport
	EventAck
	EventError
	EventRxInvalid
)

// Event is one observer notification; only the fields relevant to Kind are
// populated.
type Event struct {
	Kind         EventKind
	From         wire.Address
	Handshake    *wire.Handshake
	Connectivity *wire.ConnectivityReport
	Text         string
}

type rawFrame struct {
	from wire.Address
	data []byte
}

// Counters are Task's exposed statistics (spec §7 DecodeError/TransportError
// handling, §8 testable properties).
type Counters struct {
	RxInvalid uint64
	RxDropped uint64
	TxFailed  uint64
}

// Task is the pinned, single-threaded event loop described in spec §4.8
// and §5. All dispatch and periodic-duty state is only ever touched from
// the goroutine running Run; the mutex below guards only the handful of
// fields the radio's receive callback and FrameSender callers from other
// loops also read (current channel, master address, next message id).
type Task struct {
	role       wire.Role
	self       wire.Address
	deviceName string

	transport transport.Transport
	peers     *peer.Table
	relays    *relay.Controller
	store     *creds.Store
	status    StatusProvider
	statusObs StatusObserver
	creds     CredentialsSink
	traffic   TrafficObserver

	events chan Event
	recvQ  chan rawFrame

	bootTime  time.Time
	sessionID uint32

	mu         sync.Mutex
	channel    uint8
	nextMsgID  uint32
	masterAddr wire.Address
	hasMaster  bool

	rxInvalid uint64
	rxDropped uint64
	txFailed  uint64

	nextHeartbeat time.Time
	nextPing      time.Time
	nextCleanup   time.Time
}

// Option configures optional Task collaborators at construction.
type Option func(*Task)

// WithStatusProvider wires the DeviceStatus source.
func WithStatusProvider(p StatusProvider) Option { return func(t *Task) { t.status = p } }

// WithStatusObserver wires the RelayStatus sink (typically *bridge.Bridge
// on the Master).
func WithStatusObserver(o StatusObserver) Option { return func(t *Task) { t.statusObs = o } }

// WithCredentialsSink wires the Wi-Fi reconnect collaborator (Slave only).
func WithCredentialsSink(s CredentialsSink) Option { return func(t *Task) { t.creds = s } }

// WithTrafficObserver wires the health-accounting sink.
func WithTrafficObserver(o TrafficObserver) Option { return func(t *Task) { t.traffic = o } }

// NewTask constructs a Task for self, registering its receive callback with
// tr. peers and relays may be shared with other components (autocomm reads
// peers directly for health scoring); relays is nil on a Master node, which
// drives no physical outputs of its own.
func NewTask(role wire.Role, self wire.Address, deviceName string, tr transport.Transport, peers *peer.Table, relays *relay.Controller, store *creds.Store, opts ...Option) *Task {
	t := &Task{
		role:       role,
		self:       self,
		deviceName: deviceName,
		transport:  tr,
		peers:      peers,
		relays:     relays,
		store:      store,
		events:     make(chan Event, 32),
		recvQ:      make(chan rawFrame, RecvQueueCapacity),
		bootTime:   time.Now(),
		sessionID:  uint32(time.Now().UnixNano()), //nolint:gosec
	}
	for _, opt := range opts {
		opt(t)
	}
	tr.OnReceive(t.handleReceive)
	return t
}

// Events returns the channel upper layers poll for handshake/connectivity/
// ack/error notifications (spec §9).
func (t *Task) Events() <-chan Event { return t.events }

// SetStatusObserver wires the RelayStatus sink after construction, for the
// case where the observer (the command bridge) itself needs the Task as its
// FrameSender. Must be called before Run starts.
func (t *Task) SetStatusObserver(o StatusObserver) { t.statusObs = o }

// SetTrafficObserver wires the health-accounting sink after construction,
// for the case where the observer (autocomm.Manager) is built around this
// Task. Must be called before Run starts.
func (t *Task) SetTrafficObserver(o TrafficObserver) { t.traffic = o }

func (t *Task) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}

// Counters returns a snapshot of Task's statistics.
func (t *Task) Counters() Counters {
	return Counters{
		RxInvalid: atomic.LoadUint64(&t.rxInvalid),
		RxDropped: atomic.LoadUint64(&t.rxDropped),
		TxFailed:  atomic.LoadUint64(&t.txFailed),
	}
}

// MasterAddr returns the address Task has learned to be the Master (Slave
// role only), if any (spec §4.8 "on Slave side, also auto-add the Master
// as peer").
func (t *Task) MasterAddr() (wire.Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.masterAddr, t.hasMaster
}

// SetChannel switches the underlying transport's radio channel and records
// it for auto-peer-add and ConnectivityReport replies.
func (t *Task) SetChannel(channel uint8) error {
	if err := t.transport.SetChannel(channel); err != nil {
		return err
	}
	t.mu.Lock()
	t.channel = channel
	t.mu.Unlock()
	return nil
}

func (t *Task) currentChannel() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel
}

func (t *Task) nowMs(now time.Time) uint32 {
	return uint32(now.Sub(t.bootTime).Milliseconds()) //nolint:gosec
}

func (t *Task) nextID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextMsgID++
	return t.nextMsgID
}

// handleReceive is the radio receive callback (spec §4.10, §5: "restricted,
// interrupt-like context ... MUST NOT block"). It only enqueues; overflow
// drops the oldest queued frame (spec §4.8 "overflow drops oldest").
func (t *Task) handleReceive(from wire.Address, b []byte) {
	rf := rawFrame{from: from, data: append([]byte(nil), b...)}
	select {
	case t.recvQ <- rf:
		return
	default:
	}
	select {
	case <-t.recvQ:
		atomic.AddUint64(&t.rxDropped, 1)
	default:
	}
	select {
	case t.recvQ <- rf:
	default:
	}
}

// Run drives the event loop until ctx is cancelled: draining the receive
// queue and performing the periodic duties of spec §4.8 at >=10Hz.
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	now := time.Now()
	t.nextHeartbeat = now.Add(HeartbeatInterval)
	t.nextPing = now.Add(PingRotationInterval)
	t.nextCleanup = now.Add(CleanupInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Task) tick() {
	now := time.Now()
	t.drainQueue()
	if t.relays != nil {
		t.relays.Tick(now)
	}
	if !now.Before(t.nextHeartbeat) {
		t.sendHeartbeat()
		t.nextHeartbeat = now.Add(HeartbeatInterval)
	}
	if !now.Before(t.nextPing) {
		t.pingRotate(now)
		t.nextPing = now.Add(PingRotationInterval)
	}
	if !now.Before(t.nextCleanup) {
		t.peers.MarkOfflineIfStale(now)
		t.peers.Cleanup(now)
		t.nextCleanup = now.Add(CleanupInterval)
	}
}

func (t *Task) drainQueue() {
	for {
		select {
		case rf := <-t.recvQ:
			t.dispatch(rf.from, rf.data)
		default:
			return
		}
	}
}

// dispatch decodes one raw frame and routes it by kind, per spec §4.8's
// dispatch table.
func (t *Task) dispatch(from wire.Address, raw []byte) {
	now := time.Now()
	f, payload, err := wire.DecodePacket(raw, t.nowMs(now))
	if err != nil {
		atomic.AddUint64(&t.rxInvalid, 1)
		log.Debugf("datagram: dropping frame from %s: %v", from, err)
		t.emit(Event{Kind: EventRxInvalid, From: from, Text: err.Error()})
		return
	}

	if t.traffic != nil {
		t.traffic.OnFrameReceived(f.Sender)
	}

	switch f.Kind {
	case wire.KindPing:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		t.replyPong(f)
	case wire.KindPong:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		if t.traffic != nil {
			if r, ok := t.peers.Get(f.Sender); ok && !r.LastPingSent.IsZero() {
				t.traffic.OnPongRTT(f.Sender, now.Sub(r.LastPingSent))
			}
		}
		t.peers.RecordRTT(f.Sender, now)
	case wire.KindBroadcast:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		t.noteMasterIfSlave(f.Sender)
	case wire.KindDeviceInfo:
		info := payload.(wire.DeviceInfo)
		t.peers.Upsert(f.Sender, trimZero(info.DeviceName[:]), trimZero(info.DeviceType[:]), nil, now)
		t.noteMasterIfSlave(f.Sender)
	case wire.KindRelayCommand:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		t.handleRelayCommand(f, payload.(wire.RelayCommand), now)
	case wire.KindRelayStatus:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		if t.statusObs != nil {
			t.statusObs.OnRelayStatus(f.Sender, payload.(wire.RelayStatus))
		}
	case wire.KindWifiCredentials:
		t.handleWifiCredentials(payload.(wire.WifiCredentials))
	case wire.KindHandshakeRequest:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		t.handleHandshakeRequest(f, payload.(wire.Handshake))
	case wire.KindHandshakeResponse:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		hs := payload.(wire.Handshake)
		t.emit(Event{Kind: EventHandshakeResponse, From: f.Sender, Handshake: &hs})
	case wire.KindConnectivityCheck:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		t.replyConnectivityReport(f)
	case wire.KindConnectivityReport:
		cr := payload.(wire.ConnectivityReport)
		t.peers.Upsert(f.Sender, "", "", &cr.RSSIDbm, now)
		if t.traffic != nil {
			t.traffic.OnRSSISample(f.Sender, cr.RSSIDbm)
		}
		t.emit(Event{Kind: EventConnectivityReport, From: f.Sender, Connectivity: &cr})
	case wire.KindAck:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		t.emit(Event{Kind: EventAck, From: f.Sender})
	case wire.KindError:
		t.peers.Upsert(f.Sender, "", "", nil, now)
		txt := payload.(wire.Text)
		t.emit(Event{Kind: EventError, From: f.Sender, Text: txt.Message})
	}
}

func (t *Task) noteMasterIfSlave(addr wire.Address) {
	if t.role != wire.RoleSlave {
		return
	}
	t.mu.Lock()
	if !t.hasMaster {
		t.hasMaster = true
		t.masterAddr = addr
	}
	t.mu.Unlock()
}

func (t *Task) handleRelayCommand(f wire.Frame, cmd wire.RelayCommand, now time.Time) {
	if t.relays == nil {
		return
	}
	if err := t.relays.Apply(int(cmd.Relay), cmd.Action, cmd.DurationS, now); err != nil {
		log.Warnf("datagram: relay command from %s: %v", f.Sender, err)
	}
	out, err := t.relays.Get(int(cmd.Relay))
	if err != nil {
		return
	}
	status := wire.RelayStatus{
		Relay:      cmd.Relay,
		On:         out.On,
		HasTimer:   out.TimerS > 0,
		RemainingS: t.relays.Remaining(int(cmd.Relay), now),
	}
	copy(status.Name[:], out.Name)
	payload := make([]byte, 39)
	if _, err := status.MarshalBinaryTo(payload); err != nil {
		log.Warnf("datagram: encode relay status: %v", err)
		return
	}
	if err := t.SendUnicast(f.Sender, wire.KindRelayStatus, payload); err != nil {
		log.Warnf("datagram: reply relay status to %s: %v", f.Sender, err)
	}
}

func (t *Task) handleWifiCredentials(wc wire.WifiCredentials) {
	c := creds.WifiCredentials{
		SSID:     trimZero(wc.SSID[:]),
		Password: trimZero(wc.Passphrase[:]),
		Channel:  wc.Channel,
	}
	if t.store != nil {
		if err := t.store.Save(c); err != nil {
			log.Warnf("datagram: persist wifi credentials: %v", err)
		}
	}
	if t.creds != nil {
		if err := t.creds.ApplyCredentials(c); err != nil {
			log.Warnf("datagram: apply wifi credentials: %v", err)
		}
	}
}

func (t *Task) handleHandshakeRequest(f wire.Frame, req wire.Handshake) {
	resp := wire.Handshake{
		SessionID:    req.SessionID,
		Timestamp:    t.nowMs(time.Now()),
		Role:         t.role,
		ProtoVersion: ProtoVersion,
		WifiUp:       t.statusSnapshot().WifiUp,
	}
	copy(resp.DeviceName[:], t.deviceName)
	payload := make([]byte, 44)
	if _, err := resp.MarshalBinaryTo(payload); err != nil {
		log.Warnf("datagram: encode handshake response: %v", err)
		return
	}
	if err := t.SendUnicast(f.Sender, wire.KindHandshakeResponse, payload); err != nil {
		log.Warnf("datagram: handshake response to %s: %v", f.Sender, err)
	}
}

func (t *Task) replyConnectivityReport(f wire.Frame) {
	st := t.statusSnapshot()
	report := wire.ConnectivityReport{
		SessionID:   t.sessionID,
		Timestamp:   t.nowMs(time.Now()),
		WifiUp:      st.WifiUp,
		RSSIDbm:     st.RSSIDbm,
		Channel:     t.currentChannel(),
		UptimeMs:    st.UptimeMs,
		FreeMem:     st.FreeMem,
		Operational: st.Operational,
	}
	payload := make([]byte, 24)
	if _, err := report.MarshalBinaryTo(payload); err != nil {
		log.Warnf("datagram: encode connectivity report: %v", err)
		return
	}
	if err := t.SendUnicast(f.Sender, wire.KindConnectivityReport, payload); err != nil {
		log.Warnf("datagram: connectivity report to %s: %v", f.Sender, err)
	}
}

func (t *Task) statusSnapshot() DeviceStatus {
	if t.status == nil {
		return DeviceStatus{}
	}
	return t.status.Status()
}

func (t *Task) sendHeartbeat() {
	st := t.statusSnapshot()
	info := wire.DeviceInfo{
		RelayCount:  relayCount(t.relays),
		Operational: st.Operational,
		UptimeMs:    st.UptimeMs,
		FreeMem:     st.FreeMem,
	}
	copy(info.DeviceName[:], t.deviceName)
	copy(info.DeviceType[:], st.DeviceType)
	payload := make([]byte, 59)
	if _, err := info.MarshalBinaryTo(payload); err != nil {
		log.Warnf("datagram: encode heartbeat: %v", err)
		return
	}
	if err := t.SendBroadcast(wire.KindDeviceInfo, payload); err != nil {
		log.Debugf("datagram: heartbeat broadcast: %v", err)
	}
}

func relayCount(c *relay.Controller) uint8 {
	if c == nil {
		return 0
	}
	return relay.NumRelays
}

func (t *Task) pingRotate(now time.Time) {
	r, ok := t.peers.NextForPingRotation(now)
	if !ok {
		return
	}
	// a ping still outstanding from the previous round never got its pong
	lostPrevious := !r.LastPingSent.IsZero()
	if err := t.sendEcho(r.Address, wire.KindPing, t.nextID()); err != nil {
		log.Debugf("datagram: ping %s: %v", r.Address, err)
		return
	}
	t.peers.RecordPingSent(r.Address, now)
	if t.traffic != nil {
		t.traffic.OnPingSent(r.Address, lostPrevious)
	}
}

func (t *Task) replyPong(f wire.Frame) {
	if err := t.sendEcho(f.Sender, wire.KindPong, f.MsgID); err != nil {
		log.Warnf("datagram: pong reply to %s: %v", f.Sender, err)
	}
}

// sendEcho sends an empty-payload kind to target under msgID: a Ping takes
// a freshly allocated id and its Pong reuses the Ping's id, pairing each
// response with its request.
func (t *Task) sendEcho(target wire.Address, kind wire.Kind, msgID uint32) error {
	return t.buildAndSend(target, kind, nil, msgID)
}

// SendHandshake starts a handshake with target (spec §6.3 "handshake",
// §3.3 Handshake): a request carrying our session id, role and device name,
// validated by the fold checksum the responder echoes back against.
func (t *Task) SendHandshake(target wire.Address) error {
	req := wire.Handshake{
		SessionID:    t.sessionID,
		Timestamp:    t.nowMs(time.Now()),
		Role:         t.role,
		ProtoVersion: ProtoVersion,
		WifiUp:       t.statusSnapshot().WifiUp,
	}
	copy(req.DeviceName[:], t.deviceName)
	payload := make([]byte, 44)
	if _, err := req.MarshalBinaryTo(payload); err != nil {
		return fmt.Errorf("datagram: encode handshake request: %w", err)
	}
	return t.SendUnicast(target, wire.KindHandshakeRequest, payload)
}

// SendConnectivityCheck asks target for a fresh ConnectivityReport.
func (t *Task) SendConnectivityCheck(target wire.Address) error {
	return t.SendUnicast(target, wire.KindConnectivityCheck, nil)
}

// SendPing pings target and stamps LastPingSent for RTT bookkeeping, the
// same path ping rotation takes, exposed for the operator's explicit
// "ping" / "ping <name>" commands.
func (t *Task) SendPing(target wire.Address) error {
	now := time.Now()
	lostPrevious := false
	if r, ok := t.peers.Get(target); ok {
		lostPrevious = !r.LastPingSent.IsZero()
	}
	if err := t.sendEcho(target, wire.KindPing, t.nextID()); err != nil {
		return err
	}
	t.peers.RecordPingSent(target, now)
	if t.traffic != nil {
		t.traffic.OnPingSent(target, lostPrevious)
	}
	return nil
}

// QueueDepth returns how many received frames are waiting in the bounded
// receive queue, for the task_status operator command.
func (t *Task) QueueDepth() int { return len(t.recvQ) }

// SendUnicast implements bridge.FrameSender: sends a unicast frame to
// target, auto-adding it as a peer first if unknown (spec §4.8
// "auto-peer-add on unicast send").
func (t *Task) SendUnicast(target wire.Address, kind wire.Kind, payload []byte) error {
	return t.buildAndSend(target, kind, payload, t.nextID())
}

// SendBroadcast implements bridge.FrameSender.
func (t *Task) SendBroadcast(kind wire.Kind, payload []byte) error {
	return t.buildAndSend(wire.Broadcast, kind, payload, t.nextID())
}

func (t *Task) buildAndSend(target wire.Address, kind wire.Kind, payload []byte, msgID uint32) error {
	f := wire.Frame{
		Kind:      kind,
		Sender:    t.self,
		Target:    target,
		MsgID:     msgID,
		Timestamp: t.nowMs(time.Now()),
		Payload:   payload,
	}
	b, err := wire.Encode(f)
	if err != nil {
		return fmt.Errorf("datagram: encode frame: %w", err)
	}

	if !target.IsBroadcast() {
		if _, known := t.peers.Get(target); !known {
			if err := t.transport.AddPeer(target, t.currentChannel()); err != nil {
				return fmt.Errorf("datagram: auto-add peer %s: %w", target, err)
			}
		}
	}

	if err := t.transport.Send(target, b); err != nil {
		atomic.AddUint64(&t.txFailed, 1)
		return err
	}
	return nil
}

func trimZero(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
