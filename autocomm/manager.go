package autocomm

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaymesh/nodelink/creds"
	"github.com/relaymesh/nodelink/datagram"
	"github.com/relaymesh/nodelink/discovery"
	"github.com/relaymesh/nodelink/peer"
	"github.com/relaymesh/nodelink/wire"
)

// Timings (spec §4.7 "Timings (defaults)").
const (
	DiscoveryInterval        = 30 * time.Second
	CredentialBroadcastEvery = 60 * time.Second
	CredentialBroadcastMax   = 3
	HealthCheckInterval      = 10 * time.Second

	// MasterHeartbeatTimeout is how long a connected peer may go silent
	// before Monitoring forces SoftRecovery regardless of the graded health
	// score (spec §8.2 S4).
	MasterHeartbeatTimeout = 45 * time.Second

	SoftRecoveryTimeout   = 5 * time.Second
	MediumRecoveryTimeout = 15 * time.Second
	HardRecoveryTimeout   = 30 * time.Second
	FullRecoveryTimeout   = 60 * time.Second

	tickInterval = 100 * time.Millisecond
)

// WifiConnector is the external collaborator driving the Wi-Fi join
// sequence (spec §4.7 WifiConnecting / part of Full recovery). Out of
// scope beyond this narrow seam: the hardware Wi-Fi stack is not
// something this module can exercise directly.
type WifiConnector interface {
	Connect(ctx context.Context, c creds.WifiCredentials) error
}

// RadioInitializer brings the radio transport up on construction and again
// during Hard/Full recovery.
type RadioInitializer interface {
	Init(ctx context.Context) error
}

// Observer receives manager-level edge-triggered events (spec §4.7
// "Edge-triggered callbacks fire on state changes and on successful
// recovery").
type Observer interface {
	OnStateChanged(from, to State)
	OnRecoverySucceeded(level State)
}

// Counters are the manager's exposed operation counts (spec §4.7 "Each
// successful recovery increments successful_recoveries; each attempt
// increments recovery_attempts").
type Counters struct {
	RecoveryAttempts     uint64
	SuccessfulRecoveries uint64
	HealthScore          float64
}

// Manager drives the top-level connection state machine described in spec
// §4.7, wiring discovery and the datagram event loop; the command bridge
// runs beside it and is not driven by the Manager. Grounded on the teacher's ptp/c4u/c4u.go top-level
// systemd-notified daemon loop: a single Run goroutine ticking at a fixed
// rate, dispatching to per-state handlers, rather than a callback-driven
// design.
type Manager struct {
	role   Role
	self   wire.Address
	peers  *peer.Table
	task   *datagram.Task
	disc   *discovery.Discovery
	store  *creds.Store
	radio  RadioInitializer
	wifi   WifiConnector
	scorer *HealthScorer

	// statsMu guards the per-peer accumulators: the datagram loop feeds
	// them through the TrafficObserver methods while this loop reads them
	// for health scoring.
	statsMu sync.Mutex
	stats   map[wire.Address]*PeerStats

	observer Observer

	state             State
	recoveryDeadline  time.Time
	recoveryBaseline  int
	nextDiscovery     time.Time
	nextCredBroadcast time.Time
	credBroadcasts    int
	nextHealthCheck   time.Time

	discRunning bool
	discResult  chan discovery.Result

	counters Counters
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithObserver wires the edge-triggered event sink.
func WithObserver(o Observer) Option { return func(m *Manager) { m.observer = o } }

// WithWifiConnector wires the Wi-Fi join collaborator (Slave only).
func WithWifiConnector(w WifiConnector) Option { return func(m *Manager) { m.wifi = w } }

// NewManager constructs a Manager for role, driving task's peer table and
// disc's channel-sweep algorithm, with radio as the collaborator brought up
// on entry to RadioInit and again during Hard/Full recovery.
func NewManager(role Role, self wire.Address, peers *peer.Table, task *datagram.Task, disc *discovery.Discovery, store *creds.Store, radio RadioInitializer, opts ...Option) (*Manager, error) {
	scorer, err := NewHealthScorer()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		role:       role,
		self:       self,
		peers:      peers,
		task:       task,
		disc:       disc,
		store:      store,
		radio:      radio,
		scorer:     scorer,
		stats:      map[wire.Address]*PeerStats{},
		state:      StateInit,
		discResult: make(chan discovery.Result, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the manager's current state.
func (m *Manager) State() State { return m.state }

// Counters returns a snapshot of the manager's operation counts.
func (m *Manager) Counters() Counters { return m.counters }

func (m *Manager) transition(to State) {
	if to == m.state {
		return
	}
	from := m.state
	m.state = to
	log.Infof("autocomm: %s -> %s", from, to)
	if m.observer != nil {
		m.observer.OnStateChanged(from, to)
	}
}

// Run drives the state machine until ctx is cancelled, ticking at
// tickInterval (spec §5 "second loop at ~10 Hz").
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	now := time.Now()
	switch m.state {
	case StateInit:
		m.transition(StateWifiConnecting)
	case StateWifiConnecting:
		m.stepWifiConnecting(ctx)
	case StateRadioInit:
		m.stepRadioInit(ctx)
	case StateWaitingSlaves:
		m.stepWaitingSlaves(now)
	case StateWaitingCreds:
		m.stepWaitingCreds()
	case StateChannelSync:
		m.stepChannelSync(ctx)
	case StateDiscoveryActive:
		m.stepDiscoveryActive()
	case StateConnected:
		m.stepConnected(now)
	case StateMonitoring:
		m.stepMonitoring(ctx, now)
	case StateSoftRecovery:
		m.stepRecovery(now, StateSoftRecovery, m.evalSoftRecovery)
	case StateMediumRecovery:
		m.stepRecovery(now, StateMediumRecovery, m.evalMediumRecovery)
	case StateHardRecovery:
		m.stepRecovery(now, StateHardRecovery, func() bool { return m.evalHardRecovery(ctx) })
	case StateFullRecovery:
		m.stepRecovery(now, StateFullRecovery, func() bool { return m.evalFullRecovery(ctx) })
	}
}

func (m *Manager) stepWifiConnecting(ctx context.Context) {
	if m.role == RoleSlave && m.wifi != nil {
		c, ok := m.store.Load()
		if !ok {
			m.transition(StateRadioInit) // nothing to connect with yet; radio comes up, creds wait on the wire
			return
		}
		if err := m.wifi.Connect(ctx, c); err != nil {
			log.Warnf("autocomm: wifi connect: %v", err)
			return
		}
	}
	m.transition(StateRadioInit)
}

func (m *Manager) stepRadioInit(ctx context.Context) {
	if m.radio != nil {
		if err := m.radio.Init(ctx); err != nil {
			log.Warnf("autocomm: radio init: %v", err)
			return
		}
	}
	if m.role == RoleMaster {
		m.transition(StateWaitingSlaves)
		return
	}
	if _, ok := m.store.Load(); ok {
		m.transition(StateChannelSync)
		return
	}
	m.transition(StateWaitingCreds)
}

// stepWaitingSlaves is the Master's pre-sync state: while no slave has
// shown up, the stored Wi-Fi credentials are broadcast every
// CredentialBroadcastEvery, up to CredentialBroadcastMax times, so
// unprovisioned slaves in radio range can join (spec §4.7 CredsBroadcast).
func (m *Manager) stepWaitingSlaves(now time.Time) {
	if m.peers.Count() > 0 {
		m.nextCredBroadcast = time.Time{}
		m.credBroadcasts = 0
		m.transition(StateChannelSync)
		return
	}
	if now.Before(m.nextCredBroadcast) || m.credBroadcasts >= CredentialBroadcastMax {
		return
	}
	m.credBroadcasts++
	m.nextCredBroadcast = now.Add(CredentialBroadcastEvery)
	m.broadcastCredentials()
}

func (m *Manager) broadcastCredentials() {
	if m.task == nil {
		return
	}
	c, ok := m.store.Load()
	if !ok {
		return
	}
	var wc wire.WifiCredentials
	copy(wc.SSID[:], c.SSID)
	copy(wc.Passphrase[:], c.Password)
	wc.Channel = c.Channel
	payload := make([]byte, 99)
	if _, err := wc.MarshalBinaryTo(payload); err != nil {
		log.Warnf("autocomm: encode credentials: %v", err)
		return
	}
	if err := m.task.SendBroadcast(wire.KindWifiCredentials, payload); err != nil {
		log.Warnf("autocomm: credentials broadcast: %v", err)
	}
}

// stepWaitingCreds is the Slave's counterpart: it simply waits for a
// WifiCredentials frame to land in the store via the datagram loop.
func (m *Manager) stepWaitingCreds() {
	if _, ok := m.store.Load(); ok {
		m.transition(StateChannelSync)
	}
}

// stepChannelSync runs the channel-sweep algorithm in the background (it
// blocks on radio probes far longer than one 10 Hz tick may take) and
// advances once a result is in hand.
func (m *Manager) stepChannelSync(ctx context.Context) {
	if m.disc == nil {
		m.transition(StateDiscoveryActive)
		return
	}
	if !m.discRunning {
		m.discRunning = true
		go func() { m.discResult <- m.disc.Run(ctx) }()
		return
	}
	select {
	case res := <-m.discResult:
		m.discRunning = false
		if res.Outcome == discovery.Success {
			if m.task != nil {
				if err := m.task.SetChannel(res.Channel); err != nil {
					log.Warnf("autocomm: set channel after discovery: %v", err)
				}
			}
			m.transition(StateDiscoveryActive)
		}
		// any other outcome leaves discRunning false, so the next tick
		// simply launches another sweep (spec §4.5 has its own internal
		// retry/backoff; a failed Run is retried wholesale here).
	default:
	}
}

func (m *Manager) stepDiscoveryActive() {
	m.nextDiscovery = time.Now().Add(DiscoveryInterval)
	m.transition(StateConnected)
}

func (m *Manager) stepConnected(now time.Time) {
	m.nextHealthCheck = now.Add(HealthCheckInterval)
	m.transition(StateMonitoring)
}

// stepMonitoring re-runs channel discovery every DiscoveryInterval in the
// background (spec §4.7 "discovery interval 30s"), watches for connected
// peers going silent past MasterHeartbeatTimeout, and evaluates fleet
// health every HealthCheckInterval — either trigger escalates into
// SoftRecovery (the §4.7 diagram's [timeout/health] edge).
func (m *Manager) stepMonitoring(ctx context.Context, now time.Time) {
	if m.disc != nil {
		if !m.discRunning && !now.Before(m.nextDiscovery) {
			m.discRunning = true
			m.nextDiscovery = now.Add(DiscoveryInterval)
			go func() { m.discResult <- m.disc.Run(ctx) }()
		}
		select {
		case res := <-m.discResult:
			m.discRunning = false
			if res.Outcome == discovery.Success && m.task != nil {
				if err := m.task.SetChannel(res.Channel); err != nil {
					log.Warnf("autocomm: set channel after rediscovery: %v", err)
				}
			}
		default:
		}
	}

	if m.heartbeatStale(now) {
		log.Warnf("autocomm: no traffic from a connected peer for over %s", MasterHeartbeatTimeout)
		m.enterRecovery(StateSoftRecovery, now)
		return
	}

	if now.Before(m.nextHealthCheck) {
		return
	}
	m.nextHealthCheck = now.Add(HealthCheckInterval)

	score := m.computeFleetHealth()
	m.counters.HealthScore = score
	if NeedsSoftRecovery(score) {
		m.enterRecovery(StateSoftRecovery, now)
	}
}

// heartbeatStale reports whether any peer still considered online has been
// silent for longer than MasterHeartbeatTimeout.
func (m *Manager) heartbeatStale(now time.Time) bool {
	for _, r := range m.peers.All() {
		if r.Online && now.Sub(r.LastSeen) > MasterHeartbeatTimeout {
			return true
		}
	}
	return false
}

// computeFleetHealth evaluates the health formula against the worst-off
// known peer, since a single unhealthy peer is enough to warrant recovery
// (spec §4.7 computes the score "every HEALTH_CHECK_INTERVAL" without
// specifying per-peer vs. fleet-wide; a Master with no peers is reported
// healthy, since there is nothing yet to be unhealthy about).
func (m *Manager) computeFleetHealth() float64 {
	records := m.peers.All()
	if len(records) == 0 {
		return 100
	}
	worst := 100.0
	now := time.Now()
	for _, r := range records {
		in := m.healthInputs(r, now)
		score, err := m.scorer.Score(in)
		if err != nil {
			log.Warnf("autocomm: health score for %s: %v", r.Address, err)
			continue
		}
		if score < worst {
			worst = score
		}
	}
	return worst
}

// healthInputs derives one peer's inputs to the §4.7 formula, preferring
// the running welford means over the last raw sample once traffic has been
// observed; the record's own fields stand in until then.
func (m *Manager) healthInputs(r peer.Record, now time.Time) HealthInputs {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	stats := m.statsFor(r.Address)
	in := HealthInputs{
		RSSIDbm:       float64(r.RSSIDbm),
		PacketLossPct: stats.PacketLossPct(),
		LatencyMs:     float64(r.LastLatency.Milliseconds()),
		SinceLastPong: now.Sub(r.LastSeen).Seconds(),
	}
	if stats.RSSISamples() > 0 {
		in.RSSIDbm = stats.MeanRSSI()
	}
	if stats.RTTSamples() > 0 {
		in.LatencyMs = stats.MeanRTT()
	}
	return in
}

// statsFor returns addr's accumulator, creating it on first use. Callers
// must hold statsMu.
func (m *Manager) statsFor(addr wire.Address) *PeerStats {
	s, ok := m.stats[addr]
	if !ok {
		s = NewPeerStats()
		m.stats[addr] = s
	}
	return s
}

// OnFrameReceived implements datagram.TrafficObserver: every valid frame
// from a peer counts toward its received-message tally.
func (m *Manager) OnFrameReceived(from wire.Address) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.statsFor(from).RecordReceived()
}

// OnRSSISample implements datagram.TrafficObserver, folding a reported
// signal strength into the peer's running mean.
func (m *Manager) OnRSSISample(from wire.Address, dbm int32) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.statsFor(from).ObserveRSSI(float64(dbm))
}

// OnPongRTT implements datagram.TrafficObserver, folding a measured
// round-trip into the peer's running mean.
func (m *Manager) OnPongRTT(from wire.Address, rtt time.Duration) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.statsFor(from).ObserveRTT(float64(rtt.Milliseconds()))
}

// OnPingSent implements datagram.TrafficObserver. A rotation ping finding
// the previous one still outstanding means that ping was lost.
func (m *Manager) OnPingSent(to wire.Address, lostPrevious bool) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s := m.statsFor(to)
	s.RecordSent()
	if lostPrevious {
		s.RecordLost()
	}
}

func (m *Manager) enterRecovery(level State, now time.Time) {
	m.recoveryBaseline = m.peers.OnlineCount()
	m.recoveryDeadline = now.Add(recoveryTimeoutFor(level))
	m.counters.RecoveryAttempts++
	m.transition(level)
}

func recoveryTimeoutFor(level State) time.Duration {
	switch level {
	case StateSoftRecovery:
		return SoftRecoveryTimeout
	case StateMediumRecovery:
		return MediumRecoveryTimeout
	case StateHardRecovery:
		return HardRecoveryTimeout
	case StateFullRecovery:
		return FullRecoveryTimeout
	default:
		return SoftRecoveryTimeout
	}
}

// stepRecovery is the shared driver for every recovery level (spec §4.7
// "Recovery actions (cumulative per level)"): it runs eval once the
// level's timeout elapses, escalating to next on failure or returning to
// Monitoring on success.
func (m *Manager) stepRecovery(now time.Time, level State, eval func() bool) {
	if now.Before(m.recoveryDeadline) {
		return
	}
	if eval() {
		m.counters.SuccessfulRecoveries++
		if m.observer != nil {
			m.observer.OnRecoverySucceeded(level)
		}
		m.transition(StateMonitoring)
		return
	}
	m.enterRecovery(nextRecoveryLevel(level), now)
}

func nextRecoveryLevel(level State) State {
	switch level {
	case StateSoftRecovery:
		return StateMediumRecovery
	case StateMediumRecovery:
		return StateHardRecovery
	case StateHardRecovery:
		return StateFullRecovery
	default:
		return StateInit
	}
}

// evalSoftRecovery resends nothing new of its own: DatagramTask's own
// heartbeat/ping-rotation duties continue unattended during the soft
// timeout, and success is judged the same way Monitoring judges entry —
// both the graded score and the heartbeat timeout must have cleared (spec
// §4.7 "Soft: resend last pending frame; wait soft timeout"), so a peer
// that stays silent escalates instead of bouncing back to Monitoring.
func (m *Manager) evalSoftRecovery() bool {
	if m.task != nil {
		if err := m.task.SetChannel(m.currentChannelHint()); err != nil {
			log.Debugf("autocomm: soft recovery resend: %v", err)
		}
	}
	return !NeedsSoftRecovery(m.computeFleetHealth()) && !m.heartbeatStale(time.Now())
}

func (m *Manager) currentChannelHint() uint8 {
	if cc, ok := m.store.LoadChannelCache(); ok {
		return cc.LastChannel
	}
	return 1
}

// evalMediumRecovery broadcasts a fresh discovery and succeeds iff the
// online peer count increased since entering this level (spec §4.7
// "Medium: broadcast a fresh discovery ... success iff any peer count
// increased").
func (m *Manager) evalMediumRecovery() bool {
	if m.task != nil {
		_ = m.task.SendBroadcast(wire.KindBroadcast, nil)
	}
	return m.peers.OnlineCount() > m.recoveryBaseline
}

// evalHardRecovery re-initializes the radio transport, succeeding iff it
// comes back up (spec §4.7 "Hard: re-initialize the radio transport ...
// success iff transport back up").
func (m *Manager) evalHardRecovery(ctx context.Context) bool {
	if m.radio == nil {
		return true
	}
	if err := m.radio.Init(ctx); err != nil {
		log.Warnf("autocomm: hard recovery radio init: %v", err)
		return false
	}
	return true
}

// evalFullRecovery re-establishes the Wi-Fi credentials path and the
// radio, failing back to Init on any error (spec §4.7 "Full: re-establish
// Wi-Fi credentials path and radio; wait full timeout. Failure returns to
// Init").
func (m *Manager) evalFullRecovery(ctx context.Context) bool {
	if m.role == RoleSlave && m.wifi != nil {
		c, ok := m.store.Load()
		if !ok {
			return false
		}
		if err := m.wifi.Connect(ctx, c); err != nil {
			log.Warnf("autocomm: full recovery wifi connect: %v", err)
			return false
		}
	}
	return m.evalHardRecovery(ctx)
}
