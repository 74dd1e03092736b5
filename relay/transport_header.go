package relay

import "fmt"

// TransportHeaderData is a detached, owned copy of a transport-layer header
// (TCP, UDP or ICMP), usable to reconstruct headers against new payloads.
// Adding a protocol means adding an implementation, not changing the Router
// or the Selector.
type TransportHeaderData interface {
	Protocol() Protocol
	HeaderLength() int
	SourcePort() uint16
	DestinationPort() uint16

	// BindMut produces a mutable view over raw. Only one mutable binding
	// of a given TransportHeaderData may be live at a time; views are
	// scoped to the call that needs them and never stored.
	BindMut(raw []byte) TransportHeaderMut
}

// TransportHeaderMut is a mutable transport-header view. Setters keep the
// detached data copy and the wire bytes in sync.
type TransportHeaderMut interface {
	Data() TransportHeaderData
	SetSourcePort(port uint16)
	SetDestinationPort(port uint16)
	SwapSourceAndDestination()

	// SetPayloadLength propagates the payload size into any header field
	// derived from it (UDP length). Protocols without such a field ignore it.
	SetPayloadLength(payloadLength int)

	// UpdateChecksum recomputes the transport checksum over its scope:
	// header+payload for ICMP, pseudo-header+header+payload for TCP and UDP.
	UpdateChecksum(ipv4 *Ipv4HeaderData, payload []byte)

	// ReloadFromRaw refreshes the detached copy from the bound bytes, after
	// the underlying buffer was rewritten by a socket read.
	ReloadFromRaw()
}

// ParseTransportHeader parses the transport header for the given protocol
// at the start of raw.
func ParseTransportHeader(protocol Protocol, raw []byte) (TransportHeaderData, error) {
	switch protocol {
	case ProtocolIcmp:
		return ParseIcmpHeader(raw)
	case ProtocolUdp:
		return ParseUdpHeader(raw)
	case ProtocolTcp:
		return ParseTcpHeader(raw)
	default:
		return nil, fmt.Errorf("unsupported transport protocol %s", protocol)
	}
}
