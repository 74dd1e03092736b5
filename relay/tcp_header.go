package relay

import (
	"encoding/binary"
	"fmt"
)

// TcpHeaderMinLength is the size of a TCP header without options.
const TcpHeaderMinLength = 20

const (
	TcpFlagFin uint8 = 1 << 0
	TcpFlagSyn uint8 = 1 << 1
	TcpFlagRst uint8 = 1 << 2
	TcpFlagPsh uint8 = 1 << 3
	TcpFlagAck uint8 = 1 << 4
)

// TcpHeaderData is the detached copy of a TCP header.
type TcpHeaderData struct {
	sourcePort            uint16
	destinationPort       uint16
	sequenceNumber        uint32
	acknowledgementNumber uint32
	headerLength          uint8
	flags                 uint8
	window                uint16
}

// ParseTcpHeader parses the TCP header at the start of raw.
func ParseTcpHeader(raw []byte) (*TcpHeaderData, error) {
	if len(raw) < TcpHeaderMinLength {
		return nil, fmt.Errorf("packet too short for TCP header: %d bytes", len(raw))
	}
	headerLength := (raw[12] >> 4) << 2
	if int(headerLength) < TcpHeaderMinLength || int(headerLength) > len(raw) {
		return nil, fmt.Errorf("invalid TCP header length %d", headerLength)
	}
	return &TcpHeaderData{
		sourcePort:            binary.BigEndian.Uint16(raw[0:2]),
		destinationPort:       binary.BigEndian.Uint16(raw[2:4]),
		sequenceNumber:        binary.BigEndian.Uint32(raw[4:8]),
		acknowledgementNumber: binary.BigEndian.Uint32(raw[8:12]),
		headerLength:          headerLength,
		flags:                 raw[13],
		window:                binary.BigEndian.Uint16(raw[14:16]),
	}, nil
}

func (d *TcpHeaderData) Protocol() Protocol            { return ProtocolTcp }
func (d *TcpHeaderData) HeaderLength() int             { return int(d.headerLength) }
func (d *TcpHeaderData) SourcePort() uint16            { return d.sourcePort }
func (d *TcpHeaderData) DestinationPort() uint16       { return d.destinationPort }
func (d *TcpHeaderData) SequenceNumber() uint32        { return d.sequenceNumber }
func (d *TcpHeaderData) AcknowledgementNumber() uint32 { return d.acknowledgementNumber }
func (d *TcpHeaderData) Flags() uint8                  { return d.flags }
func (d *TcpHeaderData) Window() uint16                { return d.window }

func (d *TcpHeaderData) IsSyn() bool { return d.flags&TcpFlagSyn != 0 }
func (d *TcpHeaderData) IsAck() bool { return d.flags&TcpFlagAck != 0 }
func (d *TcpHeaderData) IsFin() bool { return d.flags&TcpFlagFin != 0 }
func (d *TcpHeaderData) IsRst() bool { return d.flags&TcpFlagRst != 0 }

func (d *TcpHeaderData) BindMut(raw []byte) TransportHeaderMut {
	return TcpHeaderMut{raw: raw, data: d}
}

// TcpHeaderMut is a mutable TCP header view.
type TcpHeaderMut struct {
	raw  []byte
	data *TcpHeaderData
}

func (h TcpHeaderMut) Data() TransportHeaderData { return h.data }

func (h TcpHeaderMut) SetSourcePort(port uint16) {
	h.data.sourcePort = port
	binary.BigEndian.PutUint16(h.raw[0:2], port)
}

func (h TcpHeaderMut) SetDestinationPort(port uint16) {
	h.data.destinationPort = port
	binary.BigEndian.PutUint16(h.raw[2:4], port)
}

func (h TcpHeaderMut) SwapSourceAndDestination() {
	source := h.data.sourcePort
	h.SetSourcePort(h.data.destinationPort)
	h.SetDestinationPort(source)
}

func (h TcpHeaderMut) SetSequenceNumber(seq uint32) {
	h.data.sequenceNumber = seq
	binary.BigEndian.PutUint32(h.raw[4:8], seq)
}

func (h TcpHeaderMut) SetAcknowledgementNumber(ack uint32) {
	h.data.acknowledgementNumber = ack
	binary.BigEndian.PutUint32(h.raw[8:12], ack)
}

func (h TcpHeaderMut) SetFlags(flags uint8) {
	h.data.flags = flags
	h.raw[13] = flags
}

func (h TcpHeaderMut) SetWindow(window uint16) {
	h.data.window = window
	binary.BigEndian.PutUint16(h.raw[14:16], window)
}

// ShrinkOptions drops TCP options from the bound header, reducing it to the
// 20-byte minimum. The reply direction never echoes the request's options.
func (h TcpHeaderMut) ShrinkOptions() {
	h.data.headerLength = TcpHeaderMinLength
	h.raw[12] = (TcpHeaderMinLength / 4) << 4
}

func (h TcpHeaderMut) SetPayloadLength(int) {}

func (h TcpHeaderMut) setChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(h.raw[16:18], checksum)
}

// UpdateChecksum recomputes the TCP checksum over the IPv4 pseudo-header,
// the TCP header and the payload.
func (h TcpHeaderMut) UpdateChecksum(ipv4 *Ipv4HeaderData, payload []byte) {
	h.setChecksum(0)
	transportLength := uint16(int(h.data.headerLength) + len(payload))
	sum := pseudoHeaderSum(ProtocolTcp, ipv4.Source(), ipv4.Destination(), transportLength)
	sum = checksumAdd(sum, h.raw[:h.data.headerLength])
	sum = checksumAdd(sum, payload)
	h.setChecksum(^checksumFold(sum))
}

func (h TcpHeaderMut) ReloadFromRaw() {
	h.data.sourcePort = binary.BigEndian.Uint16(h.raw[0:2])
	h.data.destinationPort = binary.BigEndian.Uint16(h.raw[2:4])
	h.data.sequenceNumber = binary.BigEndian.Uint32(h.raw[4:8])
	h.data.acknowledgementNumber = binary.BigEndian.Uint32(h.raw[8:12])
	h.data.headerLength = (h.raw[12] >> 4) << 2
	h.data.flags = h.raw[13]
	h.data.window = binary.BigEndian.Uint16(h.raw[14:16])
}
