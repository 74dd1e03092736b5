package relay

import (
	"encoding/binary"
	"fmt"
)

// UdpHeaderLength is the fixed size of a UDP header.
const UdpHeaderLength = 8

// UdpHeaderData is the detached copy of a UDP header.
type UdpHeaderData struct {
	sourcePort      uint16
	destinationPort uint16
}

// ParseUdpHeader parses the UDP header at the start of raw.
func ParseUdpHeader(raw []byte) (*UdpHeaderData, error) {
	if len(raw) < UdpHeaderLength {
		return nil, fmt.Errorf("packet too short for UDP header: %d bytes", len(raw))
	}
	return &UdpHeaderData{
		sourcePort:      binary.BigEndian.Uint16(raw[0:2]),
		destinationPort: binary.BigEndian.Uint16(raw[2:4]),
	}, nil
}

func (d *UdpHeaderData) Protocol() Protocol      { return ProtocolUdp }
func (d *UdpHeaderData) HeaderLength() int       { return UdpHeaderLength }
func (d *UdpHeaderData) SourcePort() uint16      { return d.sourcePort }
func (d *UdpHeaderData) DestinationPort() uint16 { return d.destinationPort }

func (d *UdpHeaderData) BindMut(raw []byte) TransportHeaderMut {
	return UdpHeaderMut{raw: raw, data: d}
}

// UdpHeaderMut is a mutable UDP header view.
type UdpHeaderMut struct {
	raw  []byte
	data *UdpHeaderData
}

func (h UdpHeaderMut) Data() TransportHeaderData { return h.data }

func (h UdpHeaderMut) SetSourcePort(port uint16) {
	h.data.sourcePort = port
	binary.BigEndian.PutUint16(h.raw[0:2], port)
}

func (h UdpHeaderMut) SetDestinationPort(port uint16) {
	h.data.destinationPort = port
	binary.BigEndian.PutUint16(h.raw[2:4], port)
}

func (h UdpHeaderMut) SwapSourceAndDestination() {
	source := h.data.sourcePort
	h.SetSourcePort(h.data.destinationPort)
	h.SetDestinationPort(source)
}

// SetPayloadLength writes the UDP length field (header plus payload).
func (h UdpHeaderMut) SetPayloadLength(payloadLength int) {
	binary.BigEndian.PutUint16(h.raw[4:6], uint16(UdpHeaderLength+payloadLength))
}

func (h UdpHeaderMut) setChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(h.raw[6:8], checksum)
}

// UpdateChecksum recomputes the UDP checksum over the IPv4 pseudo-header,
// the UDP header and the payload. A computed value of zero is transmitted
// as 0xffff per RFC 768.
func (h UdpHeaderMut) UpdateChecksum(ipv4 *Ipv4HeaderData, payload []byte) {
	h.setChecksum(0)
	transportLength := uint16(UdpHeaderLength + len(payload))
	sum := pseudoHeaderSum(ProtocolUdp, ipv4.Source(), ipv4.Destination(), transportLength)
	sum = checksumAdd(sum, h.raw[:UdpHeaderLength])
	sum = checksumAdd(sum, payload)
	checksum := ^checksumFold(sum)
	if checksum == 0 {
		checksum = 0xffff
	}
	h.setChecksum(checksum)
}

func (h UdpHeaderMut) ReloadFromRaw() {
	h.data.sourcePort = binary.BigEndian.Uint16(h.raw[0:2])
	h.data.destinationPort = binary.BigEndian.Uint16(h.raw[2:4])
}
