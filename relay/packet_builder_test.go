package relay

import (
	"net/netip"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Packet building helpers for tests. Packets are assembled with the gvisor
// header package so that the relay's own codecs are checked against an
// independent implementation.

func gvisorAddr(addr netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(addr.As4())
}

func encodeIpv4(t *testing.T, protocol uint8, src, dst netip.Addr, transport []byte) []byte {
	t.Helper()
	buf := make([]byte, header.IPv4MinimumSize+len(transport))
	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(buf)),
		TTL:         64,
		Protocol:    protocol,
		SrcAddr:     gvisorAddr(src),
		DstAddr:     gvisorAddr(dst),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(buf[header.IPv4MinimumSize:], transport)
	return buf
}

func buildUdpPacket(t *testing.T, src, dst netip.AddrPort, payload []byte) []byte {
	t.Helper()
	transport := make([]byte, header.UDPMinimumSize+len(payload))
	udp := header.UDP(transport)
	udp.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(len(transport)),
	})
	copy(transport[header.UDPMinimumSize:], payload)
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		gvisorAddr(src.Addr()), gvisorAddr(dst.Addr()), uint16(len(transport)))
	xsum = checksum.Checksum(payload, xsum)
	udp.SetChecksum(^udp.CalculateChecksum(xsum))
	return encodeIpv4(t, uint8(ProtocolUdp), src.Addr(), dst.Addr(), transport)
}

func buildTcpPacket(t *testing.T, src, dst netip.AddrPort, flags header.TCPFlags, seq, ack uint32, payload []byte) []byte {
	t.Helper()
	transport := make([]byte, header.TCPMinimumSize+len(payload))
	tcp := header.TCP(transport)
	tcp.Encode(&header.TCPFields{
		SrcPort:    src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 65535,
	})
	copy(transport[header.TCPMinimumSize:], payload)
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		gvisorAddr(src.Addr()), gvisorAddr(dst.Addr()), uint16(len(transport)))
	xsum = checksum.Checksum(payload, xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	return encodeIpv4(t, uint8(ProtocolTcp), src.Addr(), dst.Addr(), transport)
}

func buildIcmpEchoPacket(t *testing.T, src, dst netip.Addr, icmpType uint8, ident, seq uint16, data []byte) []byte {
	t.Helper()
	transport := make([]byte, header.ICMPv4MinimumSize+len(data))
	msg := header.ICMPv4(transport)
	msg.SetType(header.ICMPv4Type(icmpType))
	msg.SetCode(0)
	msg.SetIdent(ident)
	msg.SetSequence(seq)
	copy(transport[header.ICMPv4MinimumSize:], data)
	msg.SetChecksum(0)
	msg.SetChecksum(^checksum.Checksum(transport, 0))
	return encodeIpv4(t, uint8(ProtocolIcmp), src, dst, transport)
}

// verifyPacketChecksums validates the IPv4 header checksum and, for UDP and
// TCP, the transport checksum of a relay-produced packet using gvisor.
func verifyPacketChecksums(t *testing.T, raw []byte) {
	t.Helper()
	ip := header.IPv4(raw)
	if !ip.IsChecksumValid() {
		t.Fatalf("invalid IPv4 header checksum in % x", raw[:ip.HeaderLength()])
	}
	transport := raw[ip.HeaderLength():]
	switch ip.TransportProtocol() {
	case header.UDPProtocolNumber:
		udp := header.UDP(transport)
		payloadChecksum := checksum.Checksum(udp.Payload(), 0)
		if !udp.IsChecksumValid(ip.SourceAddress(), ip.DestinationAddress(), payloadChecksum) {
			t.Fatalf("invalid UDP checksum in % x", transport)
		}
	case header.TCPProtocolNumber:
		tcp := header.TCP(transport)
		payload := transport[tcp.DataOffset():]
		payloadChecksum := checksum.Checksum(payload, 0)
		if !tcp.IsChecksumValid(ip.SourceAddress(), ip.DestinationAddress(), payloadChecksum, uint16(len(payload))) {
			t.Fatalf("invalid TCP checksum in % x", transport)
		}
	case header.ICMPv4ProtocolNumber:
		if checksum.Checksum(transport, 0) != 0xffff {
			t.Fatalf("invalid ICMP checksum in % x", transport)
		}
	}
}

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ap
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}
