package relay

import (
	"fmt"
	"net/netip"
)

// ConnectionId is the immutable identity of one logical flow: two packets
// with the same id belong to the same flow. The destination is the rewritten
// one, i.e. the address actually dialed on the real socket.
type ConnectionId struct {
	protocol    Protocol
	source      netip.AddrPort
	destination netip.AddrPort
}

// NewConnectionId builds a flow identity from its parts.
func NewConnectionId(protocol Protocol, source, rewrittenDestination netip.AddrPort) ConnectionId {
	return ConnectionId{
		protocol:    protocol,
		source:      source,
		destination: rewrittenDestination,
	}
}

// ConnectionIdFromPacket derives the flow identity of an inbound tunnel
// packet, given the rewritten destination the flow will actually dial.
func ConnectionIdFromPacket(packet *Ipv4Packet, rewrittenDestination netip.AddrPort) ConnectionId {
	ipv4 := packet.Ipv4HeaderData()
	transport := packet.TransportHeaderData()
	return ConnectionId{
		protocol:    ipv4.Protocol(),
		source:      netip.AddrPortFrom(ipv4.SourceAddr(), transport.SourcePort()),
		destination: rewrittenDestination,
	}
}

func (id ConnectionId) Protocol() Protocol          { return id.protocol }
func (id ConnectionId) Source() netip.AddrPort      { return id.source }
func (id ConnectionId) Destination() netip.AddrPort { return id.destination }

func (id ConnectionId) String() string {
	return fmt.Sprintf("%s %s -> %s", id.protocol, id.source, id.destination)
}
