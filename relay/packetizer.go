package relay

import "fmt"

// Packetizer rebuilds complete, checksummed IPv4 packets from raw
// transport-layer socket reads. It is created from the first packet of a
// flow: the reference headers are copied, the endpoints swapped into reply
// direction, and every subsequent read is framed against that template.
//
// Replies are framed with the tunnel-observed destination as their source,
// not the rewritten one, so the tunnel peer sees answers from the address it
// asked for.
type Packetizer struct {
	buf       []byte
	ipv4      Ipv4HeaderData
	transport TransportHeaderData

	// ICMP socket reads carry the transport header in-band (the reply's
	// type/code/checksum arrive from the wire); TCP and UDP reads are bare
	// payload appended after the template header.
	inBandHeader bool
}

// NewPacketizer builds a reply-direction packetizer from the flow's first
// inbound packet.
func NewPacketizer(reference *Ipv4Packet) (*Packetizer, error) {
	buf := make([]byte, MaxPacketLength)
	ipv4 := *reference.Ipv4HeaderData()
	headerLength := int(ipv4.HeaderLength())
	transportHeaderLength := reference.TransportHeaderData().HeaderLength()
	copy(buf, reference.Raw()[:headerLength+transportHeaderLength])

	// Re-parse from the copied bytes so the template owns its header data.
	transport, err := ParseTransportHeader(ipv4.Protocol(), buf[headerLength:])
	if err != nil {
		return nil, err
	}

	p := &Packetizer{
		buf:          buf,
		ipv4:         ipv4,
		transport:    transport,
		inBandHeader: ipv4.Protocol() == ProtocolIcmp,
	}
	p.ipv4.BindMut(p.buf).SwapSourceAndDestination()
	tmut := p.transport.BindMut(p.buf[headerLength:])
	tmut.SwapSourceAndDestination()
	if tcp, ok := tmut.(TcpHeaderMut); ok {
		tcp.ShrinkOptions()
	}
	return p, nil
}

func (p *Packetizer) headerLength() int { return int(p.ipv4.HeaderLength()) }

// payloadIndex is where bare payload lands; readIndex is where socket reads
// land (for ICMP the read includes the transport header itself).
func (p *Packetizer) payloadIndex() int {
	return p.headerLength() + p.transport.HeaderLength()
}

func (p *Packetizer) readIndex() int {
	if p.inBandHeader {
		return p.headerLength()
	}
	return p.payloadIndex()
}

// MaxPayloadLength is the largest payload a single packetized read may carry.
func (p *Packetizer) MaxPayloadLength() int {
	return MaxPacketLength - p.payloadIndex()
}

// Ipv4HeaderMut binds a mutable IPv4 header view over the template.
func (p *Packetizer) Ipv4HeaderMut() Ipv4HeaderMut {
	return p.ipv4.BindMut(p.buf)
}

// TransportHeaderMut binds a mutable transport header view over the template.
func (p *Packetizer) TransportHeaderMut() TransportHeaderMut {
	return p.transport.BindMut(p.buf[p.headerLength():])
}

// PacketizeRead reads one transport-layer message from r and wraps it as a
// complete IPv4 packet. The returned packet aliases the packetizer's buffer
// and must be consumed before the next packetize call.
func (p *Packetizer) PacketizeRead(r DatagramReceiver) (*Ipv4Packet, error) {
	idx := p.readIndex()
	n, err := r.Recv(p.buf[idx:])
	if err != nil {
		return nil, err
	}
	if p.inBandHeader {
		if n < p.transport.HeaderLength() {
			return nil, fmt.Errorf("short %s message: %d bytes", p.ipv4.Protocol(), n)
		}
		return p.inflate(n), nil
	}
	return p.inflate(p.transport.HeaderLength() + n), nil
}

// Packetize wraps an explicit payload against the template headers.
func (p *Packetizer) Packetize(payload []byte) *Ipv4Packet {
	copy(p.buf[p.payloadIndex():], payload)
	return p.inflate(p.transport.HeaderLength() + len(payload))
}

// PacketizeEmpty produces a packet with template headers and no payload.
func (p *Packetizer) PacketizeEmpty() *Ipv4Packet {
	return p.inflate(p.transport.HeaderLength())
}

// inflate finalizes the packet occupying the buffer: lengths first, then the
// transport checksum over its declared range, then the IPv4 header checksum.
func (p *Packetizer) inflate(transportLength int) *Ipv4Packet {
	totalLength := p.headerLength() + transportLength
	ipv4Mut := p.ipv4.BindMut(p.buf)
	ipv4Mut.SetTotalLength(uint16(totalLength))

	transportRaw := p.buf[p.headerLength():totalLength]
	tmut := p.transport.BindMut(transportRaw)
	if p.inBandHeader {
		// type, code and identifier came from the wire
		tmut.ReloadFromRaw()
	}
	payload := transportRaw[p.transport.HeaderLength():]
	tmut.SetPayloadLength(len(payload))
	tmut.UpdateChecksum(&p.ipv4, payload)
	ipv4Mut.UpdateChecksum()

	return &Ipv4Packet{
		raw:       p.buf[:totalLength],
		ipv4:      p.ipv4,
		transport: p.transport,
	}
}
