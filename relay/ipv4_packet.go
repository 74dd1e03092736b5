package relay

import "fmt"

// Ipv4Packet is a whole IPv4 packet: an exclusively owned byte buffer plus
// the detached header copies parsed from it. Header views over the buffer
// are produced on demand and never outlive the call that needs them.
type Ipv4Packet struct {
	raw       []byte
	ipv4      Ipv4HeaderData
	transport TransportHeaderData
}

// ParseIpv4Packet parses a whole IPv4 packet at the start of raw. The
// packet keeps a reference to raw; the caller hands over ownership.
func ParseIpv4Packet(raw []byte) (*Ipv4Packet, error) {
	ipv4, err := ParseIpv4Header(raw)
	if err != nil {
		return nil, err
	}
	if int(ipv4.TotalLength()) > len(raw) {
		return nil, fmt.Errorf("truncated IPv4 packet: total length %d, got %d bytes", ipv4.TotalLength(), len(raw))
	}
	raw = raw[:ipv4.TotalLength()]
	transport, err := ParseTransportHeader(ipv4.Protocol(), raw[ipv4.HeaderLength():])
	if err != nil {
		return nil, err
	}
	return &Ipv4Packet{raw: raw, ipv4: ipv4, transport: transport}, nil
}

func (p *Ipv4Packet) Raw() []byte    { return p.raw }
func (p *Ipv4Packet) Length() uint16 { return p.ipv4.TotalLength() }

func (p *Ipv4Packet) Ipv4HeaderData() *Ipv4HeaderData          { return &p.ipv4 }
func (p *Ipv4Packet) TransportHeaderData() TransportHeaderData { return p.transport }

// Ipv4Header binds a read-only IPv4 header view over the packet buffer.
func (p *Ipv4Packet) Ipv4Header() Ipv4Header {
	return p.ipv4.Bind(p.raw)
}

// TransportRaw returns the transport header and payload.
func (p *Ipv4Packet) TransportRaw() []byte {
	return p.raw[p.ipv4.HeaderLength():]
}

// Payload returns the bytes after the transport header.
func (p *Ipv4Packet) Payload() []byte {
	return p.raw[int(p.ipv4.HeaderLength())+p.transport.HeaderLength():]
}

// PayloadLength returns the number of payload bytes after the transport header.
func (p *Ipv4Packet) PayloadLength() int {
	return len(p.Payload())
}

// SwapSourceAndDestination exchanges the endpoints on both layers, turning
// a request packet into a reply template.
func (p *Ipv4Packet) SwapSourceAndDestination() {
	p.ipv4.BindMut(p.raw).SwapSourceAndDestination()
	p.transport.BindMut(p.raw[p.ipv4.HeaderLength():]).SwapSourceAndDestination()
}

// RecomputeChecksums rewrites the transport checksum, then the IPv4 header
// checksum. Wire checksums are never trusted on the way out; they are always
// recomputed before a packet leaves toward the tunnel.
func (p *Ipv4Packet) RecomputeChecksums() {
	transportRaw := p.raw[p.ipv4.HeaderLength():]
	p.transport.BindMut(transportRaw).UpdateChecksum(&p.ipv4, transportRaw[p.transport.HeaderLength():])
	p.ipv4.BindMut(p.raw).UpdateChecksum()
}
