// Package creds persists Wi-Fi provisioning data, the channel-discovery
// cache, relay display names and the peer table snapshot in a single
// ini-backed file, standing in for the microcontroller's NVS namespaces
// (spec §6.2). Grounded on the teacher's go-ini usage in
// calnex/api/ini.go and calnex/config/config.go: one *ini.File, sections
// keyed by namespace, a scoped load/save bracketing each operation.
package creds

import (
	"encoding/hex"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-ini/ini"
	log "github.com/sirupsen/logrus"
)

const (
	sectionWifi    = "wifi_creds"
	sectionChannel = "mcd_cache"
	sectionRelays  = "relay_names"
	sectionPeers   = "peers"
)

// WifiCredentials is the persisted provisioning record (spec §6.2).
type WifiCredentials struct {
	SSID     string
	Password string
	Channel  uint8
}

// Valid reports whether c would be treated as present on read: an empty
// SSID or an out-of-range channel means "no credentials" (spec §4.4).
func (c WifiCredentials) Valid() bool {
	return c.SSID != "" && c.Channel >= 1 && c.Channel <= 13
}

// Store wraps a single on-disk ini file. Every public operation opens (or
// creates) the backing file for the duration of one operation and always
// releases it, including on failure (spec §4.4 "scoped acquisition").
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a Store backed by path; the file need not exist yet.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) open() (*ini.File, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return ini.Empty(), nil
	}
	return ini.Load(s.path)
}

func (s *Store) save(f *ini.File) error {
	ini.PrettyFormat = false
	return f.SaveTo(s.path)
}

// Save persists Wi-Fi credentials.
func (s *Store) Save(c WifiCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil {
		return err
	}
	sec := f.Section(sectionWifi)
	sec.Key("ssid").SetValue(c.SSID)
	sec.Key("password").SetValue(c.Password)
	sec.Key("channel").SetValue(strconv.Itoa(int(c.Channel)))
	return s.save(f)
}

// Load returns the persisted credentials, or ok=false if none are present
// or the persisted record fails validation (spec §4.4).
func (s *Store) Load() (WifiCredentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil {
		log.Debugf("creds: load failed, treating as absent: %v", err)
		return WifiCredentials{}, false
	}
	sec := f.Section(sectionWifi)
	c := WifiCredentials{
		SSID:     sec.Key("ssid").String(),
		Password: sec.Key("password").String(),
		Channel:  uint8(sec.Key("channel").MustInt(0)),
	}
	if !c.Valid() {
		return WifiCredentials{}, false
	}
	return c, true
}

// Clear removes the Wi-Fi credentials section.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil {
		return err
	}
	f.DeleteSection(sectionWifi)
	return s.save(f)
}

// Has reports whether valid credentials are currently persisted.
func (s *Store) Has() bool {
	_, ok := s.Load()
	return ok
}

// ChannelCache is the persisted discovery-cache record (spec §3.6).
type ChannelCache struct {
	LastChannel      uint8
	LastSuccessEpoch int64
	UsageCount       uint32
	SuccessRate      uint8
}

// LoadChannelCache returns the persisted cache, or the zero value with
// ok=false if none is present.
func (s *Store) LoadChannelCache() (ChannelCache, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil {
		return ChannelCache{}, false
	}
	if !f.HasSection(sectionChannel) {
		return ChannelCache{}, false
	}
	sec := f.Section(sectionChannel)
	if !sec.HasKey("channel") {
		return ChannelCache{}, false
	}
	return ChannelCache{
		LastChannel:      uint8(sec.Key("channel").MustInt(0)),
		LastSuccessEpoch: sec.Key("last_success").MustInt64(0),
		UsageCount:       uint32(sec.Key("usage_count").MustInt(0)),
		SuccessRate:      uint8(sec.Key("success_rate").MustInt(0)),
	}, true
}

// SaveChannelCache persists cc.
func (s *Store) SaveChannelCache(cc ChannelCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil {
		return err
	}
	sec := f.Section(sectionChannel)
	sec.Key("channel").SetValue(strconv.Itoa(int(cc.LastChannel)))
	sec.Key("last_success").SetValue(strconv.FormatInt(cc.LastSuccessEpoch, 10))
	sec.Key("usage_count").SetValue(strconv.Itoa(int(cc.UsageCount)))
	sec.Key("success_rate").SetValue(strconv.Itoa(int(cc.SuccessRate)))
	return s.save(f)
}

// ClearChannelCache removes the persisted discovery cache (explicit
// operator command, spec §3.6).
func (s *Store) ClearChannelCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil {
		return err
	}
	f.DeleteSection(sectionChannel)
	return s.save(f)
}

// SaveRelayName persists a relay's display name (spec SPEC_FULL §7.1).
func (s *Store) SaveRelayName(index int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil {
		return err
	}
	sec := f.Section(sectionRelays)
	sec.Key(relayKey(index)).SetValue(name)
	sec.Key("relays_configured").SetValue("true")
	return s.save(f)
}

// LoadRelayNames returns every persisted relay name, keyed by index.
func (s *Store) LoadRelayNames() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil {
		return nil
	}
	if !f.HasSection(sectionRelays) {
		return nil
	}
	sec := f.Section(sectionRelays)
	out := map[int]string{}
	for i := 0; i < 8; i++ {
		k := sec.Key(relayKey(i))
		if k.String() != "" {
			out[i] = k.String()
		}
	}
	return out
}

func relayKey(i int) string {
	return "relay_" + strconv.Itoa(i) + "_name"
}

// PeerRecord is the persisted projection of one peer, round-tripped across
// reboots (spec §6.2 peer-persistence namespace; SPEC_FULL §7.2). It
// mirrors peer.PersistedPeer's fields except Online (a restored peer always
// starts unconfirmed) without importing the peer package, so creds stays a
// plain storage layer.
type PeerRecord struct {
	Address    [6]byte
	Name       string
	DeviceType string
	LastSeen   time.Time
	RSSIDbm    int32
}

// SavePeers persists the full peer set, keyed by index as §6.2 describes
// (peers_count, then peer_<n>_mac/name/type/lastSeen/rssi).
func (s *Store) SavePeers(peers []PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil {
		return err
	}
	sec := f.Section(sectionPeers)
	sec.Key("peers_count").SetValue(strconv.Itoa(len(peers)))
	for i, p := range peers {
		pfx := "peer_" + strconv.Itoa(i) + "_"
		sec.Key(pfx + "mac").SetValue(hex.EncodeToString(p.Address[:]))
		sec.Key(pfx + "name").SetValue(p.Name)
		sec.Key(pfx + "type").SetValue(p.DeviceType)
		sec.Key(pfx + "lastSeen").SetValue(strconv.FormatInt(p.LastSeen.Unix(), 10))
		sec.Key(pfx + "rssi").SetValue(strconv.Itoa(int(p.RSSIDbm)))
	}
	return s.save(f)
}

// LoadPeers returns the persisted peer set.
func (s *Store) LoadPeers() []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.open()
	if err != nil || !f.HasSection(sectionPeers) {
		return nil
	}
	sec := f.Section(sectionPeers)
	n := sec.Key("peers_count").MustInt(0)
	out := make([]PeerRecord, 0, n)
	for i := 0; i < n; i++ {
		pfx := "peer_" + strconv.Itoa(i) + "_"
		raw, err := hex.DecodeString(sec.Key(pfx + "mac").String())
		if err != nil || len(raw) != 6 {
			continue
		}
		var addr [6]byte
		copy(addr[:], raw)
		out = append(out, PeerRecord{
			Address:    addr,
			Name:       sec.Key(pfx + "name").String(),
			DeviceType: sec.Key(pfx + "type").String(),
			LastSeen:   time.Unix(sec.Key(pfx+"lastSeen").MustInt64(0), 0),
			RSSIDbm:    int32(sec.Key(pfx + "rssi").MustInt(0)),
		})
	}
	return out
}
