package autocomm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/nodelink/creds"
	"github.com/relaymesh/nodelink/datagram"
	"github.com/relaymesh/nodelink/peer"
	"github.com/relaymesh/nodelink/relay"
	"github.com/relaymesh/nodelink/transport"
	"github.com/relaymesh/nodelink/wire"
)

type fakeIO struct{}

func (fakeIO) Write(int, bool) error { return nil }

type failingRadio struct{}

func (failingRadio) Init(context.Context) error { return errors.New("radio stuck") }

type recordingObserver struct {
	transitions []State
	recoveries  []State
}

func (o *recordingObserver) OnStateChanged(from, to State) { o.transitions = append(o.transitions, to) }
func (o *recordingObserver) OnRecoverySucceeded(level State) {
	o.recoveries = append(o.recoveries, level)
}

func newTestManager(t *testing.T, radio RadioInitializer, obs Observer) *Manager {
	t.Helper()
	tr := transport.NewFake()
	store := creds.NewStore(t.TempDir() + "/creds.ini")
	peers := peer.NewTable()
	task := datagram.NewTask(wire.RoleMaster, wire.Address{1, 1, 1, 1, 1, 1}, "master", tr, peers, relay.NewController(fakeIO{}), store)
	var opts []Option
	if obs != nil {
		opts = append(opts, WithObserver(obs))
	}
	m, err := NewManager(RoleMaster, wire.Address{1, 1, 1, 1, 1, 1}, peers, task, nil, store, radio, opts...)
	require.NoError(t, err)
	return m
}

// forceDeadlinePast makes the next stepRecovery call evaluate immediately,
// standing in for the real wall-clock wait each recovery level's timeout
// would otherwise require.
func forceDeadlinePast(m *Manager) {
	m.recoveryDeadline = time.Now().Add(-time.Second)
}

func TestRecoveryLadderEscalatesThroughEveryLevelInOrder(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestManager(t, failingRadio{}, obs)
	ctx := context.Background()

	// a peer with bad RSSI, a stale last-seen and total packet loss keeps
	// the score well below the soft recovery threshold throughout, so
	// Soft and Medium both fail; failingRadio fails Hard and Full.
	bad := wire.Address{9, 9, 9, 9, 9, 9}
	_, err := m.peers.Upsert(bad, "", "", int32Ptr(-95), time.Now().Add(-60*time.Second))
	require.NoError(t, err)
	stats := m.statsFor(bad)
	for i := 0; i < 10; i++ {
		stats.RecordSent()
		stats.RecordLost()
	}
	require.Less(t, m.computeFleetHealth(), 30.0)

	m.enterRecovery(StateSoftRecovery, time.Now())
	require.Equal(t, StateSoftRecovery, m.State())

	forceDeadlinePast(m)
	m.tick(ctx)
	require.Equal(t, StateMediumRecovery, m.State())

	forceDeadlinePast(m)
	m.tick(ctx)
	require.Equal(t, StateHardRecovery, m.State())

	forceDeadlinePast(m)
	m.tick(ctx)
	require.Equal(t, StateFullRecovery, m.State())

	forceDeadlinePast(m)
	m.tick(ctx)
	require.Equal(t, StateInit, m.State())

	require.Equal(t, []State{StateSoftRecovery, StateMediumRecovery, StateHardRecovery, StateFullRecovery, StateInit}, obs.transitions)
	require.EqualValues(t, 5, m.Counters().RecoveryAttempts)
	require.Zero(t, m.Counters().SuccessfulRecoveries)
}

func TestRecoverySucceedsWhenHealthRecovers(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestManager(t, nil, obs)
	ctx := context.Background()

	m.enterRecovery(StateSoftRecovery, time.Now())
	forceDeadlinePast(m)
	m.tick(ctx)

	require.Equal(t, StateMonitoring, m.State())
	require.Equal(t, []State{StateSoftRecovery, StateMonitoring}, obs.transitions)
	require.Equal(t, []State{StateSoftRecovery}, obs.recoveries)
	require.EqualValues(t, 1, m.Counters().SuccessfulRecoveries)
}

func TestHealthScoreAlwaysWithinBounds(t *testing.T) {
	m := newTestManager(t, nil, nil)
	addr := wire.Address{5, 5, 5, 5, 5, 5}

	cases := []struct {
		rssi  int32
		since time.Duration
	}{
		{-40, 0},
		{-65, 10 * time.Second},
		{-75, 25 * time.Second},
		{-95, 90 * time.Second},
	}
	for _, c := range cases {
		_, err := m.peers.Upsert(addr, "", "", &c.rssi, time.Now().Add(-c.since))
		require.NoError(t, err)
		score := m.computeFleetHealth()
		require.GreaterOrEqual(t, score, 0.0)
		require.LessOrEqual(t, score, 100.0)
	}
}

func TestComputeFleetHealthHealthyWithNoPeers(t *testing.T) {
	m := newTestManager(t, nil, nil)
	require.Equal(t, 100.0, m.computeFleetHealth())
}

func TestMonitoringEntersSoftRecoveryOnHeartbeatTimeout(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	// a healthy-looking peer (good RSSI, no loss) that has simply gone
	// silent past MasterHeartbeatTimeout must still trigger recovery
	quiet := wire.Address{3, 3, 3, 3, 3, 3}
	_, err := m.peers.Upsert(quiet, "", "", int32Ptr(-50), time.Now().Add(-MasterHeartbeatTimeout-time.Second))
	require.NoError(t, err)

	m.state = StateMonitoring
	m.nextHealthCheck = time.Now().Add(HealthCheckInterval)
	m.tick(ctx)
	require.Equal(t, StateSoftRecovery, m.State())

	// and soft recovery must not report success while the silence persists
	forceDeadlinePast(m)
	m.tick(ctx)
	require.Equal(t, StateMediumRecovery, m.State())
}

func TestTrafficObserverFeedsHealthInputs(t *testing.T) {
	m := newTestManager(t, nil, nil)
	addr := wire.Address{7, 7, 7, 7, 7, 7}
	_, err := m.peers.Upsert(addr, "", "", int32Ptr(-40), time.Now())
	require.NoError(t, err)

	// welford means take over from the raw record fields once samples land
	m.OnRSSISample(addr, -90)
	m.OnRSSISample(addr, -80)
	m.OnPongRTT(addr, 200*time.Millisecond)
	m.OnFrameReceived(addr)
	m.OnPingSent(addr, false)
	m.OnPingSent(addr, true) // previous ping lost

	r, ok := m.peers.Get(addr)
	require.True(t, ok)
	in := m.healthInputs(r, time.Now())
	require.Equal(t, -85.0, in.RSSIDbm)
	require.Equal(t, 200.0, in.LatencyMs)
	require.InDelta(t, 100.0/3.0, in.PacketLossPct, 0.01) // 1 lost / (2 sent + 1 received)

	// mean RSSI -85 (-30), latency 200ms (-20), loss ~33% (-10): unhealthy
	score := m.computeFleetHealth()
	require.Less(t, score, float64(healthyThreshold))
}

func TestWaitingSlavesBroadcastsCredentials(t *testing.T) {
	tr := transport.NewFake()
	store := creds.NewStore(t.TempDir() + "/creds.ini")
	require.NoError(t, store.Save(creds.WifiCredentials{SSID: "mesh", Password: "hunter2", Channel: 6}))
	peers := peer.NewTable()
	task := datagram.NewTask(wire.RoleMaster, wire.Address{1, 1, 1, 1, 1, 1}, "master", tr, peers, nil, store)
	m, err := NewManager(RoleMaster, wire.Address{1, 1, 1, 1, 1, 1}, peers, task, nil, store, nil)
	require.NoError(t, err)

	m.state = StateWaitingSlaves
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.stepWaitingSlaves(now)
		now = now.Add(CredentialBroadcastEvery + time.Second)
	}

	// bounded at CredentialBroadcastMax broadcasts, each a WifiCredentials frame
	sent := tr.Sent()
	require.Len(t, sent, CredentialBroadcastMax)
	for _, s := range sent {
		require.True(t, s.To.IsBroadcast())
		f, err := wire.Decode(s.Payload)
		require.NoError(t, err)
		require.Equal(t, wire.KindWifiCredentials, f.Kind)
		var wc wire.WifiCredentials
		require.NoError(t, wc.UnmarshalBinary(f.Payload))
		require.Equal(t, uint8(6), wc.Channel)
	}

	// a slave showing up ends the broadcasts and advances to ChannelSync
	_, err = peers.Upsert(wire.Address{2, 2, 2, 2, 2, 2}, "s", "", nil, time.Now())
	require.NoError(t, err)
	m.stepWaitingSlaves(now)
	require.Equal(t, StateChannelSync, m.State())
}

func int32Ptr(v int32) *int32 { return &v }
