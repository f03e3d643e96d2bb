package datagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/nodelink/creds"
	"github.com/relaymesh/nodelink/peer"
	"github.com/relaymesh/nodelink/relay"
	"github.com/relaymesh/nodelink/transport"
	"github.com/relaymesh/nodelink/wire"
)

type fakeIO struct{ writes int }

func (f *fakeIO) Write(i int, on bool) error { f.writes++; return nil }

var (
	masterAddr = wire.Address{1, 1, 1, 1, 1, 1}
	slaveAddr  = wire.Address{2, 2, 2, 2, 2, 2}
)

func newSlaveTask(t *testing.T, tr *transport.Fake) *Task {
	t.Helper()
	store := creds.NewStore(t.TempDir() + "/creds.ini")
	return NewTask(wire.RoleSlave, slaveAddr, "slave-1", tr, peer.NewTable(), relay.NewController(&fakeIO{}), store)
}

func newMasterTask(t *testing.T, tr *transport.Fake) *Task {
	t.Helper()
	store := creds.NewStore(t.TempDir() + "/creds.ini")
	return NewTask(wire.RoleMaster, masterAddr, "master-1", tr, peer.NewTable(), nil, store)
}

func sendFrame(t *testing.T, tr *transport.Fake, f wire.Frame) {
	t.Helper()
	b, err := wire.Encode(f)
	require.NoError(t, err)
	tr.Deliver(f.Sender, b)
}

func TestDispatchPingRepliesWithPong(t *testing.T) {
	tr := transport.NewFake()
	task := newSlaveTask(t, tr)

	sendFrame(t, tr, wire.Frame{Kind: wire.KindPing, Sender: masterAddr, Target: slaveAddr, Timestamp: task.nowMs(time.Now())})
	task.drainQueue()

	sent := tr.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, masterAddr, sent[0].To)
	f, err := wire.Decode(sent[0].Payload)
	require.NoError(t, err)
	require.Equal(t, wire.KindPong, f.Kind)
}

func TestDispatchRelayCommandAppliesAndReplies(t *testing.T) {
	tr := transport.NewFake()
	task := newSlaveTask(t, tr)

	cmd := wire.RelayCommand{Relay: 2, Action: wire.ActionOn, DurationS: 30}
	payload := make([]byte, 6)
	_, err := cmd.MarshalBinaryTo(payload)
	require.NoError(t, err)

	sendFrame(t, tr, wire.Frame{Kind: wire.KindRelayCommand, Sender: masterAddr, Target: slaveAddr, Payload: payload, Timestamp: task.nowMs(time.Now())})
	task.drainQueue()

	out, err := task.relays.Get(2)
	require.NoError(t, err)
	require.True(t, out.On)
	require.EqualValues(t, 30, out.TimerS)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	f, err := wire.Decode(sent[0].Payload)
	require.NoError(t, err)
	require.Equal(t, wire.KindRelayStatus, f.Kind)

	var status wire.RelayStatus
	require.NoError(t, status.UnmarshalBinary(f.Payload))
	require.EqualValues(t, 2, status.Relay)
	require.True(t, status.On)
}

func TestDispatchRelayStatusNotifiesObserver(t *testing.T) {
	tr := transport.NewFake()
	var got *wire.RelayStatus
	store := creds.NewStore(t.TempDir() + "/creds.ini")
	observer := observerFunc(func(from wire.Address, status wire.RelayStatus) {
		got = &status
	})
	task := NewTask(wire.RoleMaster, masterAddr, "master-1", tr, peer.NewTable(), nil, store, WithStatusObserver(observer))

	status := wire.RelayStatus{Relay: 4, On: true}
	payload := make([]byte, 39)
	_, err := status.MarshalBinaryTo(payload)
	require.NoError(t, err)

	sendFrame(t, tr, wire.Frame{Kind: wire.KindRelayStatus, Sender: slaveAddr, Target: masterAddr, Payload: payload, Timestamp: task.nowMs(time.Now())})
	task.drainQueue()

	require.NotNil(t, got)
	require.EqualValues(t, 4, got.Relay)
	require.True(t, got.On)
}

type observerFunc func(from wire.Address, status wire.RelayStatus)

func (f observerFunc) OnRelayStatus(from wire.Address, status wire.RelayStatus) { f(from, status) }

func TestDispatchWifiCredentialsPersistsAndNotifiesSink(t *testing.T) {
	tr := transport.NewFake()
	store := creds.NewStore(t.TempDir() + "/creds.ini")
	var applied creds.WifiCredentials
	sink := credSinkFunc(func(c creds.WifiCredentials) error { applied = c; return nil })
	task := NewTask(wire.RoleSlave, slaveAddr, "slave-1", tr, peer.NewTable(), relay.NewController(&fakeIO{}), store, WithCredentialsSink(sink))

	wc := wire.WifiCredentials{Channel: 6}
	copy(wc.SSID[:], "mesh-net")
	copy(wc.Passphrase[:], "hunter2hunter2")
	payload := make([]byte, 99)
	_, err := wc.MarshalBinaryTo(payload)
	require.NoError(t, err)

	sendFrame(t, tr, wire.Frame{Kind: wire.KindWifiCredentials, Sender: masterAddr, Target: slaveAddr, Payload: payload, Timestamp: task.nowMs(time.Now())})
	task.drainQueue()

	require.Equal(t, "mesh-net", applied.SSID)
	stored, ok := task.store.Load()
	require.True(t, ok)
	require.Equal(t, "mesh-net", stored.SSID)
}

type credSinkFunc func(creds.WifiCredentials) error

func (f credSinkFunc) ApplyCredentials(c creds.WifiCredentials) error { return f(c) }

func TestDispatchBroadcastLearnsMasterOnSlave(t *testing.T) {
	tr := transport.NewFake()
	task := newSlaveTask(t, tr)

	sendFrame(t, tr, wire.Frame{Kind: wire.KindBroadcast, Sender: masterAddr, Target: wire.Broadcast, Timestamp: task.nowMs(time.Now())})
	task.drainQueue()

	addr, ok := task.MasterAddr()
	require.True(t, ok)
	require.Equal(t, masterAddr, addr)
}

func TestDispatchHandshakeRequestReplies(t *testing.T) {
	tr := transport.NewFake()
	task := newSlaveTask(t, tr)

	req := wire.Handshake{SessionID: 42, Role: wire.RoleMaster, ProtoVersion: ProtoVersion}
	payload := make([]byte, 44)
	_, err := req.MarshalBinaryTo(payload)
	require.NoError(t, err)

	sendFrame(t, tr, wire.Frame{Kind: wire.KindHandshakeRequest, Sender: masterAddr, Target: slaveAddr, Payload: payload, Timestamp: task.nowMs(time.Now())})
	task.drainQueue()

	sent := tr.Sent()
	require.Len(t, sent, 1)
	f, err := wire.Decode(sent[0].Payload)
	require.NoError(t, err)
	require.Equal(t, wire.KindHandshakeResponse, f.Kind)

	var resp wire.Handshake
	require.NoError(t, resp.UnmarshalBinary(f.Payload))
	require.EqualValues(t, 42, resp.SessionID)
	require.Equal(t, wire.RoleSlave, resp.Role)
}

func TestDispatchConnectivityCheckReplies(t *testing.T) {
	tr := transport.NewFake()
	task := newSlaveTask(t, tr)

	sendFrame(t, tr, wire.Frame{Kind: wire.KindConnectivityCheck, Sender: masterAddr, Target: slaveAddr, Timestamp: task.nowMs(time.Now())})
	task.drainQueue()

	sent := tr.Sent()
	require.Len(t, sent, 1)
	f, err := wire.Decode(sent[0].Payload)
	require.NoError(t, err)
	require.Equal(t, wire.KindConnectivityReport, f.Kind)
}

func TestInvalidFrameIncrementsRxInvalid(t *testing.T) {
	tr := transport.NewFake()
	task := newSlaveTask(t, tr)

	tr.Deliver(masterAddr, []byte{0x01, 0x02, 0x03})
	task.drainQueue()

	require.EqualValues(t, 1, task.Counters().RxInvalid)
}

func TestReceiveQueueOverflowDropsOldest(t *testing.T) {
	tr := transport.NewFake()
	task := newSlaveTask(t, tr)

	for i := 0; i < RecvQueueCapacity+5; i++ {
		b, err := wire.Encode(wire.Frame{Kind: wire.KindBroadcast, Sender: masterAddr, Target: wire.Broadcast, MsgID: uint32(i)})
		require.NoError(t, err)
		task.handleReceive(masterAddr, b)
	}
	require.LessOrEqual(t, len(task.recvQ), RecvQueueCapacity)
	require.EqualValues(t, 5, task.Counters().RxDropped)

	// the five oldest frames (msg ids 0-4) were the ones dropped
	oldest, err := wire.Decode((<-task.recvQ).data)
	require.NoError(t, err)
	require.EqualValues(t, 5, oldest.MsgID)
}

func TestPingRotationVisitsEachOnlinePeer(t *testing.T) {
	tr := transport.NewFake()
	task := newMasterTask(t, tr)

	a := wire.Address{3, 3, 3, 3, 3, 3}
	b := wire.Address{4, 4, 4, 4, 4, 4}
	now := time.Now()
	_, err := task.peers.Upsert(a, "", "", nil, now)
	require.NoError(t, err)
	_, err = task.peers.Upsert(b, "", "", nil, now)
	require.NoError(t, err)

	task.pingRotate(now)
	task.pingRotate(now)

	sent := tr.Sent()
	require.Len(t, sent, 2)
	targets := map[wire.Address]bool{sent[0].To: true, sent[1].To: true}
	require.True(t, targets[a])
	require.True(t, targets[b])
}

func TestSendHeartbeatBroadcastsDeviceInfo(t *testing.T) {
	tr := transport.NewFake()
	task := newSlaveTask(t, tr)

	task.sendHeartbeat()

	sent := tr.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, wire.Broadcast, sent[0].To)
	f, err := wire.Decode(sent[0].Payload)
	require.NoError(t, err)
	require.Equal(t, wire.KindDeviceInfo, f.Kind)

	var info wire.DeviceInfo
	require.NoError(t, info.UnmarshalBinary(f.Payload))
	require.EqualValues(t, relay.NumRelays, info.RelayCount)
}

func TestSendUnicastAutoAddsUnknownPeer(t *testing.T) {
	tr := transport.NewFake()
	task := newMasterTask(t, tr)

	target := wire.Address{9, 9, 9, 9, 9, 9}
	require.NoError(t, task.SendUnicast(target, wire.KindPing, nil))

	sent := tr.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, target, sent[0].To)
}
