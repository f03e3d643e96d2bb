package wire

// DecodePacket is the single entry point datagram.Task drives the wire
// layer through: it decodes the frame, applies the staleness check against
// nowMs (the caller's own boot-relative millisecond clock, comparable to
// the sender's per §3.2's "after clock normalization"), then parses the
// payload into its typed form. Grounded on protocol.DecodePacket's
// switch-on-header-then-dispatch shape in the teacher's ptp/protocol
// package (SPEC_FULL §6.1).
func DecodePacket(b []byte, nowMs uint32) (Frame, any, error) {
	f, err := Decode(b)
	if err != nil {
		return Frame{}, nil, err
	}
	if IsStale(f.Timestamp, nowMs) {
		return Frame{}, nil, ErrStale
	}
	payload, err := ParsePayload(f.Kind, f.Payload)
	if err != nil {
		return Frame{}, nil, err
	}
	return f, payload, nil
}

// ParsePayload reinterprets a frame's payload bytes as the typed variant
// matching kind (spec §3.3). The returned value is always one of the
// concrete payload structs in this package (RelayCommand, RelayStatus,
// DeviceInfo, WifiCredentials, Handshake, ConnectivityReport, Text).
func ParsePayload(k Kind, b []byte) (any, error) {
	switch k {
	case KindRelayCommand:
		var p RelayCommand
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return p, nil
	case KindRelayStatus:
		var p RelayStatus
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return p, nil
	case KindDeviceInfo:
		var p DeviceInfo
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return p, nil
	case KindWifiCredentials:
		var p WifiCredentials
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return p, nil
	case KindHandshakeRequest, KindHandshakeResponse:
		var p Handshake
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return p, nil
	case KindConnectivityReport:
		var p ConnectivityReport
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return p, nil
	case KindPing, KindPong, KindBroadcast, KindAck, KindError, KindConnectivityCheck:
		var p Text
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, ErrUnknownKind
	}
}
