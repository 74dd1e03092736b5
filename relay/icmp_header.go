package relay

import (
	"encoding/binary"
	"fmt"
)

// IcmpHeaderLength covers type, code and checksum. The rest of the ICMP
// message (identifier, sequence number, data) is carried as payload; the
// checksum scope includes it either way.
const IcmpHeaderLength = 4

const (
	IcmpTypeEchoReply   = 0
	IcmpTypeEchoRequest = 8
)

// IcmpHeaderData is the detached copy of an ICMP header.
type IcmpHeaderData struct {
	icmpType uint8
	icmpCode uint8
	checksum uint16
}

// ParseIcmpHeader parses the ICMP header at the start of raw.
func ParseIcmpHeader(raw []byte) (*IcmpHeaderData, error) {
	if len(raw) < IcmpHeaderLength {
		return nil, fmt.Errorf("packet too short for ICMP header: %d bytes", len(raw))
	}
	return &IcmpHeaderData{
		icmpType: raw[0],
		icmpCode: raw[1],
		checksum: binary.BigEndian.Uint16(raw[2:4]),
	}, nil
}

func (d *IcmpHeaderData) Protocol() Protocol      { return ProtocolIcmp }
func (d *IcmpHeaderData) HeaderLength() int       { return IcmpHeaderLength }
func (d *IcmpHeaderData) SourcePort() uint16      { return 0 }
func (d *IcmpHeaderData) DestinationPort() uint16 { return 0 }
func (d *IcmpHeaderData) IcmpType() uint8         { return d.icmpType }
func (d *IcmpHeaderData) IcmpCode() uint8         { return d.icmpCode }
func (d *IcmpHeaderData) Checksum() uint16        { return d.checksum }

func (d *IcmpHeaderData) BindMut(raw []byte) TransportHeaderMut {
	return IcmpHeaderMut{raw: raw, data: d}
}

// IcmpHeaderMut is a mutable ICMP header view.
type IcmpHeaderMut struct {
	raw  []byte
	data *IcmpHeaderData
}

func (h IcmpHeaderMut) Data() TransportHeaderData { return h.data }

func (h IcmpHeaderMut) SetIcmpType(icmpType uint8) {
	h.data.icmpType = icmpType
	h.raw[0] = icmpType
}

func (h IcmpHeaderMut) SetIcmpCode(icmpCode uint8) {
	h.data.icmpCode = icmpCode
	h.raw[1] = icmpCode
}

// ICMP has no ports.
func (h IcmpHeaderMut) SetSourcePort(uint16)      {}
func (h IcmpHeaderMut) SetDestinationPort(uint16) {}
func (h IcmpHeaderMut) SwapSourceAndDestination() {}
func (h IcmpHeaderMut) SetPayloadLength(int)      {}

func (h IcmpHeaderMut) setChecksum(checksum uint16) {
	h.data.checksum = checksum
	binary.BigEndian.PutUint16(h.raw[2:4], checksum)
}

// UpdateChecksum recomputes the ICMP checksum over header and payload.
func (h IcmpHeaderMut) UpdateChecksum(_ *Ipv4HeaderData, payload []byte) {
	h.setChecksum(0)
	sum := checksumAdd(0, h.raw[:IcmpHeaderLength])
	sum = checksumAdd(sum, payload)
	h.setChecksum(^checksumFold(sum))
}

// ReloadFromRaw refreshes type, code and checksum after the bound bytes were
// rewritten in place by a socket read.
func (h IcmpHeaderMut) ReloadFromRaw() {
	h.data.icmpType = h.raw[0]
	h.data.icmpCode = h.raw[1]
	h.data.checksum = binary.BigEndian.Uint16(h.raw[2:4])
}
