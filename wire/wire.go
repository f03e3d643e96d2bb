// Package wire implements the on-wire datagram frame used by the mesh's
// short-range radio transport: fixed-size, checksummed, little-allocation
// framing with a closed set of message kinds.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// AddressLen is the width of a peer address in bytes.
const AddressLen = 6

// Address is a 6-byte opaque radio-layer identifier.
type Address [AddressLen]byte

// Broadcast is the reserved all-ones address meaning "any receiver".
var Broadcast = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsBroadcast reports whether a is the broadcast address.
func (a Address) IsBroadcast() bool {
	return a == Broadcast
}

// String renders the address as colon-separated hex, matching common
// radio-MAC notation.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Kind discriminates the payload carried by a Frame. The set is closed; see
// the Kind* constants for the stable wire values.
type Kind uint8

// Wire kind values, stable across implementations (spec §6.1).
const (
	KindRelayCommand       Kind = 0x01
	KindRelayStatus        Kind = 0x02
	KindDeviceInfo         Kind = 0x03
	KindPing               Kind = 0x04
	KindPong               Kind = 0x05
	KindBroadcast          Kind = 0x06
	KindAck                Kind = 0x07
	KindError              Kind = 0x08
	KindWifiCredentials    Kind = 0x09
	KindHandshakeRequest   Kind = 0x0A
	KindHandshakeResponse  Kind = 0x0B
	KindConnectivityCheck  Kind = 0x0C
	KindConnectivityReport Kind = 0x0D
)

func (k Kind) String() string {
	switch k {
	case KindRelayCommand:
		return "RelayCommand"
	case KindRelayStatus:
		return "RelayStatus"
	case KindDeviceInfo:
		return "DeviceInfo"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindBroadcast:
		return "Broadcast"
	case KindAck:
		return "Ack"
	case KindError:
		return "Error"
	case KindWifiCredentials:
		return "WifiCredentials"
	case KindHandshakeRequest:
		return "HandshakeRequest"
	case KindHandshakeResponse:
		return "HandshakeResponse"
	case KindConnectivityCheck:
		return "ConnectivityCheck"
	case KindConnectivityReport:
		return "ConnectivityReport"
	default:
		return fmt.Sprintf("Kind(0x%02X)", uint8(k))
	}
}

func knownKind(k Kind) bool {
	switch k {
	case KindRelayCommand, KindRelayStatus, KindDeviceInfo, KindPing, KindPong,
		KindBroadcast, KindAck, KindError, KindWifiCredentials,
		KindHandshakeRequest, KindHandshakeResponse, KindConnectivityCheck,
		KindConnectivityReport:
		return true
	default:
		return false
	}
}

// MaxPayloadLen is the maximum payload body length (spec §3.2).
const MaxPayloadLen = 200

// StaleWindow is how far in the past a frame's timestamp may be before it's
// dropped as stale. Liveness-only, not a security boundary (spec §9).
const StaleWindow = 30 * time.Second

// frameSize is the canonical encoded size of a Frame: kind(1) + sender(6) +
// target(6) + msg_id(4) + timestamp(4) + payload_len(1) + payload(200) + checksum(1).
const frameSize = 1 + AddressLen + AddressLen + 4 + 4 + 1 + MaxPayloadLen + 1

// sizeTolerance accepts implementation-dependent alignment padding around
// the canonical frame size (spec §4.1).
const sizeTolerance = 4

// Frame is the decoded form of a datagram (spec §3.2).
type Frame struct {
	Kind      Kind
	Sender    Address
	Target    Address
	MsgID     uint32
	Timestamp uint32 // ms since sender boot
	Payload   []byte // up to MaxPayloadLen, exact length (no tail padding)
}

// Errors returned by Decode, matching the closed DecodeError set of spec §7.
var (
	ErrSize        = errors.New("wire: frame size out of bounds")
	ErrChecksum    = errors.New("wire: checksum mismatch")
	ErrUnknownKind = errors.New("wire: unknown message kind")
	ErrPayloadLen  = errors.New("wire: payload length exceeds bound")
	ErrStale       = errors.New("wire: stale timestamp")
)

// Checksum computes the XOR fold of b, the integrity primitive shared by
// the frame trailer, the WifiCredentials secondary checksum and the
// Handshake validation fold.
func Checksum(b []byte) byte {
	var c byte
	for _, v := range b {
		c ^= v
	}
	return c
}

// Encode serializes f into a frame, zero-filling the unused payload tail and
// writing the trailing XOR checksum over every preceding byte.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, ErrPayloadLen
	}
	b := make([]byte, frameSize)
	pos := 0
	b[pos] = byte(f.Kind)
	pos++
	copy(b[pos:], f.Sender[:])
	pos += AddressLen
	copy(b[pos:], f.Target[:])
	pos += AddressLen
	binary.LittleEndian.PutUint32(b[pos:], f.MsgID)
	pos += 4
	binary.LittleEndian.PutUint32(b[pos:], f.Timestamp)
	pos += 4
	b[pos] = byte(len(f.Payload))
	pos++
	copy(b[pos:], f.Payload) // rest stays zero-filled
	pos += MaxPayloadLen
	b[pos] = Checksum(b[:pos])
	return b, nil
}

// Decode parses b into a Frame. It validates length, checksum, payload
// bound and that Kind is in the known set. It does not apply the staleness
// check: callers with a trustworthy clock should call IsStale separately,
// as specified in §3.2.
func Decode(b []byte) (Frame, error) {
	if len(b) < frameSize-sizeTolerance || len(b) > frameSize+sizeTolerance {
		return Frame{}, ErrSize
	}
	// Trailing bytes beyond the canonical size (alignment padding) are
	// ignored and the checksum covers exactly frameSize-1 bytes. A buffer
	// shorter than frameSize cannot hold the checksum at its fixed offset,
	// so it is rejected with ErrSize even inside the tolerance window.
	n := len(b)
	if n > frameSize {
		n = frameSize
	}
	if n < frameSize {
		return Frame{}, ErrSize
	}
	got := b[n-1]
	want := Checksum(b[:n-1])
	if got != want {
		return Frame{}, ErrChecksum
	}

	var f Frame
	pos := 0
	f.Kind = Kind(b[pos])
	pos++
	copy(f.Sender[:], b[pos:pos+AddressLen])
	pos += AddressLen
	copy(f.Target[:], b[pos:pos+AddressLen])
	pos += AddressLen
	f.MsgID = binary.LittleEndian.Uint32(b[pos:])
	pos += 4
	f.Timestamp = binary.LittleEndian.Uint32(b[pos:])
	pos += 4
	payloadLen := int(b[pos])
	pos++
	if payloadLen > MaxPayloadLen {
		return Frame{}, ErrPayloadLen
	}
	f.Payload = append([]byte(nil), b[pos:pos+payloadLen]...)

	if !knownKind(f.Kind) {
		return Frame{}, ErrUnknownKind
	}
	return f, nil
}

// IsStale reports whether a frame's timestamp predates now by more than
// StaleWindow, after normalizing both to the same epoch base. Advisory
// liveness check only (spec §9): callers must not rely on it for security.
func IsStale(ts uint32, nowMs uint32) bool {
	// both are ms-since-sender/receiver-boot counters; treat the
	// difference as a duration and guard wraparound by only flagging
	// stale when now is unambiguously ahead.
	if nowMs < ts {
		return false
	}
	return time.Duration(nowMs-ts)*time.Millisecond > StaleWindow
}
