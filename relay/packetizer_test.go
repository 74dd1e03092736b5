package relay

import (
	"bytes"
	"net/netip"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// fakeReceiver hands out one canned message per Recv call.
type fakeReceiver struct {
	messages [][]byte
}

func (r *fakeReceiver) Recv(buf []byte) (int, error) {
	if len(r.messages) == 0 {
		return 0, nil
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return copy(buf, msg), nil
}

func newUdpPacketizer(t *testing.T) *Packetizer {
	t.Helper()
	raw := buildUdpPacket(t, mustAddrPort(t, "10.0.0.2:40000"), mustAddrPort(t, "192.168.1.1:53"), []byte("query"))
	packet, err := ParseIpv4Packet(raw)
	if err != nil {
		t.Fatalf("ParseIpv4Packet: %v", err)
	}
	p, err := NewPacketizer(packet)
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}
	return p
}

func TestPacketizerUdpReplyDirection(t *testing.T) {
	p := newUdpPacketizer(t)
	reply := p.Packetize([]byte("answer"))
	verifyPacketChecksums(t, reply.Raw())

	ip := reply.Ipv4HeaderData()
	if got := ip.SourceAddr(); got != mustAddr(t, "192.168.1.1") {
		t.Errorf("reply source = %v, want 192.168.1.1", got)
	}
	if got := ip.DestinationAddr(); got != mustAddr(t, "10.0.0.2") {
		t.Errorf("reply destination = %v, want 10.0.0.2", got)
	}
	tr := reply.TransportHeaderData()
	if tr.SourcePort() != 53 || tr.DestinationPort() != 40000 {
		t.Errorf("reply ports = %d->%d, want 53->40000", tr.SourcePort(), tr.DestinationPort())
	}
	if !bytes.Equal(reply.Payload(), []byte("answer")) {
		t.Errorf("reply payload = %q", reply.Payload())
	}
}

func TestPacketizerReusesBufferAcrossCalls(t *testing.T) {
	p := newUdpPacketizer(t)
	first := p.Packetize(bytes.Repeat([]byte{1}, 100))
	if first.PayloadLength() != 100 {
		t.Fatalf("first payload length = %d", first.PayloadLength())
	}
	second := p.Packetize([]byte("tiny"))
	verifyPacketChecksums(t, second.Raw())
	if second.PayloadLength() != 4 {
		t.Errorf("second payload length = %d, want 4", second.PayloadLength())
	}
	if &first.Raw()[0] != &second.Raw()[0] {
		t.Error("packets should alias the same template buffer")
	}
}

func TestPacketizerReadFromReceiver(t *testing.T) {
	p := newUdpPacketizer(t)
	r := &fakeReceiver{messages: [][]byte{[]byte("from socket")}}
	packet, err := p.PacketizeRead(r)
	if err != nil {
		t.Fatalf("PacketizeRead: %v", err)
	}
	verifyPacketChecksums(t, packet.Raw())
	if !bytes.Equal(packet.Payload(), []byte("from socket")) {
		t.Errorf("payload = %q", packet.Payload())
	}
}

func TestPacketizerIcmpInBandHeader(t *testing.T) {
	raw := buildIcmpEchoPacket(t, mustAddr(t, "10.0.0.2"), mustAddr(t, "8.8.8.8"), IcmpTypeEchoRequest, 0x1234, 1, []byte("ping"))
	packet, err := ParseIpv4Packet(raw)
	if err != nil {
		t.Fatalf("ParseIpv4Packet: %v", err)
	}
	p, err := NewPacketizer(packet)
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}

	// A raw ICMP read delivers the transport header in-band; build an echo
	// reply message as the kernel would hand it to us.
	replyWire := buildIcmpEchoPacket(t, mustAddr(t, "8.8.8.8"), mustAddr(t, "10.0.0.2"), IcmpTypeEchoReply, 0x1234, 1, []byte("ping"))
	replyIp, err := ParseIpv4Packet(replyWire)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	reply, err := p.PacketizeRead(&fakeReceiver{messages: [][]byte{replyIp.TransportRaw()}})
	if err != nil {
		t.Fatalf("PacketizeRead: %v", err)
	}
	verifyPacketChecksums(t, reply.Raw())

	icmp, ok := reply.TransportHeaderData().(*IcmpHeaderData)
	if !ok {
		t.Fatalf("transport header is %T", reply.TransportHeaderData())
	}
	if icmp.IcmpType() != IcmpTypeEchoReply || icmp.IcmpCode() != 0 {
		t.Errorf("type/code = %d/%d, want %d/0", icmp.IcmpType(), icmp.IcmpCode(), IcmpTypeEchoReply)
	}
	if reply.Ipv4HeaderData().SourceAddr() != mustAddr(t, "8.8.8.8") {
		t.Errorf("reply source = %v", reply.Ipv4HeaderData().SourceAddr())
	}
}

func TestPacketizerIcmpShortMessage(t *testing.T) {
	raw := buildIcmpEchoPacket(t, mustAddr(t, "10.0.0.2"), mustAddr(t, "8.8.8.8"), IcmpTypeEchoRequest, 7, 1, nil)
	packet, err := ParseIpv4Packet(raw)
	if err != nil {
		t.Fatalf("ParseIpv4Packet: %v", err)
	}
	p, err := NewPacketizer(packet)
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}
	if _, err := p.PacketizeRead(&fakeReceiver{messages: [][]byte{{0, 0}}}); err == nil {
		t.Error("expected error for a message shorter than the transport header")
	}
}

func TestPacketizerTcpControlSegment(t *testing.T) {
	raw := buildTcpPacket(t, mustAddrPort(t, "10.0.0.2:48000"), mustAddrPort(t, "192.168.1.1:80"), header.TCPFlagSyn, 1000, 0, nil)
	packet, err := ParseIpv4Packet(raw)
	if err != nil {
		t.Fatalf("ParseIpv4Packet: %v", err)
	}
	p, err := NewPacketizer(packet)
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}

	tcp := p.TransportHeaderMut().(TcpHeaderMut)
	tcp.SetSequenceNumber(5555)
	tcp.SetAcknowledgementNumber(1001)
	tcp.SetFlags(TcpFlagSyn | TcpFlagAck)
	tcp.SetWindow(65535)

	segment := p.PacketizeEmpty()
	verifyPacketChecksums(t, segment.Raw())
	if segment.PayloadLength() != 0 {
		t.Errorf("payload length = %d, want 0", segment.PayloadLength())
	}
	data := segment.TransportHeaderData().(*TcpHeaderData)
	if data.SequenceNumber() != 5555 || data.AcknowledgementNumber() != 1001 {
		t.Errorf("seq/ack = %d/%d", data.SequenceNumber(), data.AcknowledgementNumber())
	}
	if !data.IsSyn() || !data.IsAck() {
		t.Errorf("flags = %#02x, want SYN|ACK", data.Flags())
	}
	if data.SourcePort() != 80 || data.DestinationPort() != 48000 {
		t.Errorf("ports = %d->%d, want 80->48000", data.SourcePort(), data.DestinationPort())
	}
}

func TestPacketizerShrinksTcpOptions(t *testing.T) {
	// A SYN with an MSS option: the template must drop the options so reply
	// segments carry a minimal header.
	raw := buildTcpSynWithMss(t, mustAddrPort(t, "10.0.0.2:48000"), mustAddrPort(t, "192.168.1.1:80"), 1000)
	packet, err := ParseIpv4Packet(raw)
	if err != nil {
		t.Fatalf("ParseIpv4Packet: %v", err)
	}
	if packet.TransportHeaderData().HeaderLength() != TcpHeaderMinLength+4 {
		t.Fatalf("option injection failed: header length %d", packet.TransportHeaderData().HeaderLength())
	}
	p, err := NewPacketizer(packet)
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}
	segment := p.PacketizeEmpty()
	verifyPacketChecksums(t, segment.Raw())
	if got := segment.TransportHeaderData().HeaderLength(); got != TcpHeaderMinLength {
		t.Errorf("reply header length = %d, want %d", got, TcpHeaderMinLength)
	}
}

// buildTcpSynWithMss builds a SYN whose header carries an MSS option, so the
// header is 24 bytes rather than the minimal 20.
func buildTcpSynWithMss(t *testing.T, src, dst netip.AddrPort, seq uint32) []byte {
	t.Helper()
	transport := make([]byte, header.TCPMinimumSize+4)
	tcp := header.TCP(transport)
	tcp.Encode(&header.TCPFields{
		SrcPort:    src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     seq,
		DataOffset: header.TCPMinimumSize + 4,
		Flags:      header.TCPFlagSyn,
		WindowSize: 65535,
	})
	copy(transport[header.TCPMinimumSize:], []byte{2, 4, 0x05, 0xb4})
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		gvisorAddr(src.Addr()), gvisorAddr(dst.Addr()), uint16(len(transport)))
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	return encodeIpv4(t, uint8(ProtocolTcp), src.Addr(), dst.Addr(), transport)
}
