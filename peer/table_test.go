package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/nodelink/wire"
)

func addr(n byte) wire.Address {
	return wire.Address{0, 0, 0, 0, 0, n}
}

func TestUpsertCreatesAndTouches(t *testing.T) {
	tb := NewTable()
	now := time.Now()
	r, err := tb.Upsert(addr(1), "slave1", "relay8", nil, now)
	require.NoError(t, err)
	require.True(t, r.Online)
	require.Equal(t, "slave1", r.Name)

	later := now.Add(time.Second)
	rssi := int32(-42)
	r2, err := tb.Upsert(addr(1), "", "", &rssi, later)
	require.NoError(t, err)
	require.Equal(t, "slave1", r2.Name) // unchanged
	require.Equal(t, int32(-42), r2.RSSIDbm)
	require.Equal(t, later, r2.LastSeen)
}

func TestTableCapacity(t *testing.T) {
	tb := NewTable()
	now := time.Now()
	for i := byte(1); i <= DefaultCapacity; i++ {
		_, err := tb.Upsert(addr(i), "", "", nil, now)
		require.NoError(t, err)
	}
	_, err := tb.Upsert(addr(99), "", "", nil, now)
	require.ErrorIs(t, err, ErrTableFull)
}

func TestMarkOfflineIfStaleEdgeTriggered(t *testing.T) {
	tb := NewTable()
	now := time.Now()
	_, err := tb.Upsert(addr(1), "", "", nil, now)
	require.NoError(t, err)

	tb.MarkOfflineIfStale(now.Add(OfflineTimeout / 2))
	r, _ := tb.Get(addr(1))
	require.True(t, r.Online)

	later := now.Add(OfflineTimeout + time.Second)
	tb.MarkOfflineIfStale(later)
	r, _ = tb.Get(addr(1))
	require.False(t, r.Online)

	ev := <-tb.Events()
	require.Equal(t, EventPeerDiscovered, ev.Kind)
	ev = <-tb.Events()
	require.Equal(t, EventPeerLost, ev.Kind)

	// calling again at the same instant must not re-emit (edge-triggered)
	tb.MarkOfflineIfStale(later)
	select {
	case <-tb.Events():
		t.Fatal("unexpected duplicate offline event")
	default:
	}
}

func TestCleanupRemovesLongOffline(t *testing.T) {
	tb := NewTable()
	now := time.Now()
	_, _ = tb.Upsert(addr(1), "", "", nil, now)
	tb.MarkOfflineIfStale(now.Add(OfflineTimeout + time.Second))
	require.Equal(t, 1, tb.Count())

	tb.Cleanup(now.Add(CleanupHorizon + OfflineTimeout + 2*time.Second))
	require.Equal(t, 0, tb.Count())
}

func TestPingRotationFairness(t *testing.T) {
	tb := NewTable()
	now := time.Now()
	for i := byte(1); i <= 3; i++ {
		_, _ = tb.Upsert(addr(i), "", "", nil, now)
	}

	seen := map[wire.Address]int{}
	steps := 3 * 3
	for i := 0; i < steps; i++ {
		r, ok := tb.NextForPingRotation(now)
		require.True(t, ok)
		seen[r.Address]++
	}
	for i := byte(1); i <= 3; i++ {
		require.GreaterOrEqual(t, seen[addr(i)], 2)
	}
}

func TestRecordRTT(t *testing.T) {
	tb := NewTable()
	now := time.Now()
	_, _ = tb.Upsert(addr(1), "", "", nil, now)

	tb.RecordPingSent(addr(1), now)
	pong := now.Add(37 * time.Millisecond)
	tb.RecordRTT(addr(1), pong)

	r, _ := tb.Get(addr(1))
	require.Equal(t, 37*time.Millisecond, r.LastLatency)
	require.True(t, r.LastPingSent.IsZero())
}

func TestSnapshotRestoreDoesNotMarkOnline(t *testing.T) {
	tb := NewTable()
	now := time.Now()
	_, _ = tb.Upsert(addr(1), "slave1", "", nil, now)

	snap := tb.Snapshot()
	require.Len(t, snap, 1)

	tb2 := NewTable()
	tb2.Restore(snap)
	r, ok := tb2.Get(addr(1))
	require.True(t, ok)
	require.False(t, r.Online)
	require.Equal(t, "slave1", r.Name)
}
