package relay

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// Ipv4HeaderMinLength is the length of an IPv4 header without options.
	Ipv4HeaderMinLength = 20

	// MaxPacketLength bounds every packet this relay produces or accepts.
	MaxPacketLength = 1 << 14
)

// Protocol identifies the transport protocol of a flow.
type Protocol uint8

const (
	ProtocolIcmp Protocol = 1
	ProtocolTcp  Protocol = 6
	ProtocolUdp  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolIcmp:
		return "icmp"
	case ProtocolTcp:
		return "tcp"
	case ProtocolUdp:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Ipv4HeaderData is a detached, owned copy of the fields of an IPv4 header.
// It can be bound to a raw byte buffer to read or rewrite the header in place.
type Ipv4HeaderData struct {
	version      uint8
	headerLength uint8
	totalLength  uint16
	protocol     Protocol
	source       uint32
	destination  uint32
}

// ParseIpv4Header parses the IPv4 header at the start of raw.
func ParseIpv4Header(raw []byte) (Ipv4HeaderData, error) {
	var d Ipv4HeaderData
	if len(raw) < Ipv4HeaderMinLength {
		return d, fmt.Errorf("packet too short for IPv4 header: %d bytes", len(raw))
	}
	versionAndIHL := raw[0]
	d.version = versionAndIHL >> 4
	if d.version != 4 {
		return d, fmt.Errorf("expected IPv4, got version %d", d.version)
	}
	d.headerLength = (versionAndIHL & 0x0f) << 2
	if int(d.headerLength) < Ipv4HeaderMinLength || int(d.headerLength) > len(raw) {
		return d, fmt.Errorf("invalid IPv4 header length %d", d.headerLength)
	}
	d.totalLength = binary.BigEndian.Uint16(raw[2:4])
	if int(d.totalLength) < int(d.headerLength) {
		return d, fmt.Errorf("IPv4 total length %d shorter than header length %d", d.totalLength, d.headerLength)
	}
	d.protocol = Protocol(raw[9])
	d.source = binary.BigEndian.Uint32(raw[12:16])
	d.destination = binary.BigEndian.Uint32(raw[16:20])
	return d, nil
}

// Ipv4PacketLength peeks at raw and reports the total length of the IPv4
// packet starting there, if the length field is available yet. It is used
// to delimit back-to-back packets on the tunnel byte stream.
func Ipv4PacketLength(raw []byte) (int, bool) {
	if len(raw) < 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(raw[2:4])), true
}

func (d *Ipv4HeaderData) HeaderLength() uint8 { return d.headerLength }
func (d *Ipv4HeaderData) TotalLength() uint16 { return d.totalLength }
func (d *Ipv4HeaderData) Protocol() Protocol  { return d.protocol }
func (d *Ipv4HeaderData) Source() uint32      { return d.source }
func (d *Ipv4HeaderData) Destination() uint32 { return d.destination }

// SourceAddr returns the source as a netip.Addr.
func (d *Ipv4HeaderData) SourceAddr() netip.Addr {
	return addrFromU32(d.source)
}

// DestinationAddr returns the destination as a netip.Addr.
func (d *Ipv4HeaderData) DestinationAddr() netip.Addr {
	return addrFromU32(d.destination)
}

// Bind produces a read-only view of the header over raw.
func (d *Ipv4HeaderData) Bind(raw []byte) Ipv4Header {
	return Ipv4Header{raw: raw, data: d}
}

// BindMut produces a mutable view of the header over raw. At most one
// mutable binding of a given Ipv4HeaderData may be live at a time.
func (d *Ipv4HeaderData) BindMut(raw []byte) Ipv4HeaderMut {
	return Ipv4HeaderMut{raw: raw, data: d}
}

// Ipv4Header is a read-only view binding an Ipv4HeaderData to its raw bytes.
type Ipv4Header struct {
	raw  []byte
	data *Ipv4HeaderData
}

func (h Ipv4Header) Raw() []byte           { return h.raw[:h.data.headerLength] }
func (h Ipv4Header) Data() *Ipv4HeaderData { return h.data }

// Ipv4HeaderMut is a mutable view binding an Ipv4HeaderData to its raw bytes.
// Every setter keeps the detached copy and the wire bytes in sync.
type Ipv4HeaderMut struct {
	raw  []byte
	data *Ipv4HeaderData
}

func (h Ipv4HeaderMut) Data() *Ipv4HeaderData { return h.data }

func (h Ipv4HeaderMut) SetTotalLength(totalLength uint16) {
	h.data.totalLength = totalLength
	binary.BigEndian.PutUint16(h.raw[2:4], totalLength)
}

func (h Ipv4HeaderMut) SetSource(source uint32) {
	h.data.source = source
	binary.BigEndian.PutUint32(h.raw[12:16], source)
}

func (h Ipv4HeaderMut) SetDestination(destination uint32) {
	h.data.destination = destination
	binary.BigEndian.PutUint32(h.raw[16:20], destination)
}

// SwapSourceAndDestination exchanges the source and destination addresses,
// turning a request header into a reply header.
func (h Ipv4HeaderMut) SwapSourceAndDestination() {
	source := h.data.source
	h.SetSource(h.data.destination)
	h.SetDestination(source)
}

func (h Ipv4HeaderMut) setChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(h.raw[10:12], checksum)
}

// UpdateChecksum recomputes the IPv4 header checksum over the header bytes
// only, per RFC 791.
func (h Ipv4HeaderMut) UpdateChecksum() {
	h.setChecksum(0)
	h.setChecksum(Checksum(h.raw[:h.data.headerLength]))
}

func addrFromU32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func u32FromAddr(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}
