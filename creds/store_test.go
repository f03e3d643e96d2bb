package creds

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	return NewStore(filepath.Join(t.TempDir(), "nodelink.ini"))
}

func TestWifiCredentialsRoundTrip(t *testing.T) {
	s := tempStore(t)
	require.False(t, s.Has())

	err := s.Save(WifiCredentials{SSID: "garden-net", Password: "hunter2", Channel: 6})
	require.NoError(t, err)

	got, ok := s.Load()
	require.True(t, ok)
	require.Equal(t, "garden-net", got.SSID)
	require.Equal(t, uint8(6), got.Channel)

	require.NoError(t, s.Clear())
	require.False(t, s.Has())
}

func TestWifiCredentialsInvalidChannelTreatedAsAbsent(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(WifiCredentials{SSID: "x", Channel: 0}))
	_, ok := s.Load()
	require.False(t, ok)
}

func TestChannelCacheRoundTrip(t *testing.T) {
	s := tempStore(t)
	_, ok := s.LoadChannelCache()
	require.False(t, ok)

	cc := ChannelCache{LastChannel: 6, LastSuccessEpoch: 1000, UsageCount: 3, SuccessRate: 80}
	require.NoError(t, s.SaveChannelCache(cc))

	got, ok := s.LoadChannelCache()
	require.True(t, ok)
	require.Equal(t, cc, got)

	require.NoError(t, s.ClearChannelCache())
	_, ok = s.LoadChannelCache()
	require.False(t, ok)
}

func TestRelayNamesRoundTrip(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.SaveRelayName(3, "garden pump"))
	names := s.LoadRelayNames()
	require.Equal(t, "garden pump", names[3])
}

func TestPeersRoundTrip(t *testing.T) {
	s := tempStore(t)
	peers := []PeerRecord{
		{Address: [6]byte{1, 2, 3, 4, 5, 6}, Name: "slave1", DeviceType: "relay8", LastSeen: time.Unix(12345, 0), RSSIDbm: -55},
	}
	require.NoError(t, s.SavePeers(peers))

	got := s.LoadPeers()
	require.Len(t, got, 1)
	require.Equal(t, peers[0].Address, got[0].Address)
	require.Equal(t, peers[0].Name, got[0].Name)
	require.Equal(t, peers[0].RSSIDbm, got[0].RSSIDbm)
}
