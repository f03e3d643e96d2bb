package wire

import (
	"encoding/binary"
	"errors"
)

// RelayAction enumerates the actions a RelayCommand may request.
type RelayAction uint8

// RelayAction values.
const (
	ActionOn RelayAction = iota
	ActionOff
	ActionToggle
	ActionOnForever
	ActionStatus
)

func (a RelayAction) String() string {
	switch a {
	case ActionOn:
		return "on"
	case ActionOff:
		return "off"
	case ActionToggle:
		return "toggle"
	case ActionOnForever:
		return "on_forever"
	case ActionStatus:
		return "status"
	default:
		return "unknown"
	}
}

// ErrInvalidPayload is returned when a payload is structurally too short or
// fails a secondary validation constraint (spec §4.1).
var ErrInvalidPayload = errors.New("wire: invalid payload")

// RelayCommand requests a state change (or status read) on one relay.
type RelayCommand struct {
	Relay     uint8
	Action    RelayAction
	DurationS uint32
}

// MarshalBinaryTo writes the payload body into b and returns the length
// written.
func (p RelayCommand) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < 6 {
		return 0, ErrInvalidPayload
	}
	b[0] = p.Relay
	b[1] = byte(p.Action)
	binary.LittleEndian.PutUint32(b[2:], p.DurationS)
	return 6, nil
}

// UnmarshalBinary reads a RelayCommand payload.
func (p *RelayCommand) UnmarshalBinary(b []byte) error {
	if len(b) < 6 {
		return ErrInvalidPayload
	}
	p.Relay = b[0]
	p.Action = RelayAction(b[1])
	p.DurationS = binary.LittleEndian.Uint32(b[2:])
	return nil
}

// RelayStatus reports the current observed state of one relay.
type RelayStatus struct {
	Relay      uint8
	On         bool
	HasTimer   bool
	RemainingS uint32
	Name       [32]byte
}

// MarshalBinaryTo writes the payload body into b.
func (p RelayStatus) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < 39 {
		return 0, ErrInvalidPayload
	}
	b[0] = p.Relay
	b[1] = boolByte(p.On)
	b[2] = boolByte(p.HasTimer)
	binary.LittleEndian.PutUint32(b[3:], p.RemainingS)
	copy(b[7:39], p.Name[:])
	return 39, nil
}

// UnmarshalBinary reads a RelayStatus payload.
func (p *RelayStatus) UnmarshalBinary(b []byte) error {
	if len(b) < 39 {
		return ErrInvalidPayload
	}
	p.Relay = b[0]
	p.On = b[1] != 0
	p.HasTimer = b[2] != 0
	p.RemainingS = binary.LittleEndian.Uint32(b[3:])
	copy(p.Name[:], b[7:39])
	return nil
}

// DeviceInfo is a self-description frame, sent in response to discovery or
// as part of a heartbeat/broadcast.
type DeviceInfo struct {
	DeviceName  [32]byte
	DeviceType  [16]byte
	RelayCount  uint8
	Operational bool
	UptimeMs    uint32
	FreeMem     uint32
}

// MarshalBinaryTo writes the payload body into b.
func (p DeviceInfo) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < 59 {
		return 0, ErrInvalidPayload
	}
	copy(b[0:32], p.DeviceName[:])
	copy(b[32:48], p.DeviceType[:])
	b[48] = p.RelayCount
	b[49] = boolByte(p.Operational)
	binary.LittleEndian.PutUint32(b[50:], p.UptimeMs)
	binary.LittleEndian.PutUint32(b[54:], p.FreeMem)
	return 58, nil
}

// UnmarshalBinary reads a DeviceInfo payload.
func (p *DeviceInfo) UnmarshalBinary(b []byte) error {
	if len(b) < 58 {
		return ErrInvalidPayload
	}
	copy(p.DeviceName[:], b[0:32])
	copy(p.DeviceType[:], b[32:48])
	p.RelayCount = b[48]
	p.Operational = b[49] != 0
	p.UptimeMs = binary.LittleEndian.Uint32(b[50:])
	p.FreeMem = binary.LittleEndian.Uint32(b[54:])
	return nil
}

// WifiCredentials carries provisioning data in the clear, protected only by
// a secondary XOR checksum. Not a security feature (spec §9); transmitted
// only on trusted RF deployments.
type WifiCredentials struct {
	SSID       [33]byte
	Passphrase [64]byte
	Channel    uint8
	Checksum   byte
}

const wifiCredentialsChecksumOffset = 33 + 64 + 1 // bytes preceding the checksum field

// MarshalBinaryTo writes the payload body into b, computing the secondary
// checksum over everything preceding it.
func (p *WifiCredentials) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < wifiCredentialsChecksumOffset+1 {
		return 0, ErrInvalidPayload
	}
	copy(b[0:33], p.SSID[:])
	copy(b[33:97], p.Passphrase[:])
	b[97] = p.Channel
	p.Checksum = Checksum(b[:wifiCredentialsChecksumOffset])
	b[98] = p.Checksum
	return 99, nil
}

// UnmarshalBinary reads a WifiCredentials payload and validates the channel
// range and the secondary checksum.
func (p *WifiCredentials) UnmarshalBinary(b []byte) error {
	if len(b) < wifiCredentialsChecksumOffset+1 {
		return ErrInvalidPayload
	}
	copy(p.SSID[:], b[0:33])
	copy(p.Passphrase[:], b[33:97])
	p.Channel = b[97]
	p.Checksum = b[98]
	if p.Channel < 1 || p.Channel > 13 {
		return ErrInvalidPayload
	}
	if p.Checksum != Checksum(b[:wifiCredentialsChecksumOffset]) {
		return ErrInvalidPayload
	}
	return nil
}

// Role identifies a Handshake participant.
type Role uint8

// Role values.
const (
	RoleMaster Role = 0
	RoleSlave  Role = 1
)

// Handshake confirms session identity and exchanges liveness metadata
// (request and response share this shape; only Validation differs in
// meaning by direction).
type Handshake struct {
	SessionID    uint32
	Timestamp    uint32
	Role         Role
	DeviceName   [32]byte
	ProtoVersion uint8
	WifiUp       bool
	Validation   byte
}

// ComputeValidation folds DeviceName, the decimal digits of SessionID and
// the bytes of Timestamp together, then XORs with 0xAA (spec §3.3).
func (p *Handshake) ComputeValidation() byte {
	var buf []byte
	buf = append(buf, p.DeviceName[:]...)
	buf = append(buf, []byte(uitoa(p.SessionID))...)
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], p.Timestamp)
	buf = append(buf, ts[:]...)
	return Checksum(buf) ^ 0xAA
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var digits [10]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

// MarshalBinaryTo writes the payload body into b, filling Validation.
func (p *Handshake) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < 43 {
		return 0, ErrInvalidPayload
	}
	binary.LittleEndian.PutUint32(b[0:], p.SessionID)
	binary.LittleEndian.PutUint32(b[4:], p.Timestamp)
	b[8] = byte(p.Role)
	copy(b[9:41], p.DeviceName[:])
	b[41] = p.ProtoVersion
	b[42] = boolByte(p.WifiUp)
	p.Validation = p.ComputeValidation()
	if len(b) < 44 {
		return 0, ErrInvalidPayload
	}
	b[43] = p.Validation
	return 44, nil
}

// UnmarshalBinary reads a Handshake payload and validates the fold checksum.
func (p *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 44 {
		return ErrInvalidPayload
	}
	p.SessionID = binary.LittleEndian.Uint32(b[0:])
	p.Timestamp = binary.LittleEndian.Uint32(b[4:])
	p.Role = Role(b[8])
	copy(p.DeviceName[:], b[9:41])
	p.ProtoVersion = b[41]
	p.WifiUp = b[42] != 0
	p.Validation = b[43]
	if p.ComputeValidation() != p.Validation {
		return ErrInvalidPayload
	}
	return nil
}

// ConnectivityReport carries liveness/health metadata in response to a
// ConnectivityCheck.
type ConnectivityReport struct {
	SessionID   uint32
	Timestamp   uint32
	WifiUp      bool
	RSSIDbm     int32
	Channel     uint8
	UptimeMs    uint32
	FreeMem     uint32
	MsgCount    uint8
	Operational bool
}

// MarshalBinaryTo writes the payload body into b.
func (p ConnectivityReport) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < 23 {
		return 0, ErrInvalidPayload
	}
	binary.LittleEndian.PutUint32(b[0:], p.SessionID)
	binary.LittleEndian.PutUint32(b[4:], p.Timestamp)
	b[8] = boolByte(p.WifiUp)
	binary.LittleEndian.PutUint32(b[9:], uint32(p.RSSIDbm))
	b[13] = p.Channel
	binary.LittleEndian.PutUint32(b[14:], p.UptimeMs)
	binary.LittleEndian.PutUint32(b[18:], p.FreeMem)
	b[22] = p.MsgCount
	if len(b) < 24 {
		return 0, ErrInvalidPayload
	}
	b[23] = boolByte(p.Operational)
	return 24, nil
}

// UnmarshalBinary reads a ConnectivityReport payload.
func (p *ConnectivityReport) UnmarshalBinary(b []byte) error {
	if len(b) < 24 {
		return ErrInvalidPayload
	}
	p.SessionID = binary.LittleEndian.Uint32(b[0:])
	p.Timestamp = binary.LittleEndian.Uint32(b[4:])
	p.WifiUp = b[8] != 0
	p.RSSIDbm = int32(binary.LittleEndian.Uint32(b[9:]))
	p.Channel = b[13]
	p.UptimeMs = binary.LittleEndian.Uint32(b[14:])
	p.FreeMem = binary.LittleEndian.Uint32(b[18:])
	p.MsgCount = b[22]
	p.Operational = b[23] != 0
	return nil
}

// Text is the shared shape for the short/empty textual payloads (Ping,
// Pong, Broadcast, Ack, Error).
type Text struct {
	Message string
}

// MarshalBinaryTo writes the payload body into b.
func (p Text) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < len(p.Message) {
		return 0, ErrInvalidPayload
	}
	n := copy(b, p.Message)
	return n, nil
}

// UnmarshalBinary reads a Text payload (the entire remaining buffer).
func (p *Text) UnmarshalBinary(b []byte) error {
	p.Message = string(b)
	return nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
