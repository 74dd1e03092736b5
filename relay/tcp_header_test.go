package relay

import (
	"encoding/binary"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestParseTcpHeader(t *testing.T) {
	raw := buildTcpPacket(t, mustAddrPort(t, "10.0.0.2:40000"), mustAddrPort(t, "192.168.1.1:80"),
		header.TCPFlagSyn, 1000, 0, nil)
	d, err := ParseTcpHeader(raw[Ipv4HeaderMinLength:])
	if err != nil {
		t.Fatalf("ParseTcpHeader: %v", err)
	}
	if d.SourcePort() != 40000 || d.DestinationPort() != 80 {
		t.Errorf("ports = %d -> %d, want 40000 -> 80", d.SourcePort(), d.DestinationPort())
	}
	if d.SequenceNumber() != 1000 || d.AcknowledgementNumber() != 0 {
		t.Errorf("seq/ack = %d/%d, want 1000/0", d.SequenceNumber(), d.AcknowledgementNumber())
	}
	if !d.IsSyn() || d.IsAck() || d.IsFin() || d.IsRst() {
		t.Errorf("flags = %#02x, want SYN only", d.Flags())
	}
	if d.HeaderLength() != TcpHeaderMinLength {
		t.Errorf("header length = %d, want %d", d.HeaderLength(), TcpHeaderMinLength)
	}
	if d.Window() != 65535 {
		t.Errorf("window = %d, want 65535", d.Window())
	}
}

func TestParseTcpHeaderRejects(t *testing.T) {
	raw := make([]byte, TcpHeaderMinLength)
	raw[12] = 4 << 4 // data offset 16 bytes, below minimum
	if _, err := ParseTcpHeader(raw); err == nil {
		t.Error("expected error for data offset below minimum")
	}
	raw[12] = 8 << 4 // data offset 32 bytes, beyond buffer
	if _, err := ParseTcpHeader(raw); err == nil {
		t.Error("expected error for data offset beyond buffer")
	}
	if _, err := ParseTcpHeader(raw[:10]); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestTcpChecksumMatchesReference(t *testing.T) {
	raw := buildTcpPacket(t, mustAddrPort(t, "10.0.0.2:40000"), mustAddrPort(t, "192.168.1.1:80"),
		header.TCPFlagAck|header.TCPFlagPsh, 5555, 7777, []byte("segment data"))
	ipv4, err := ParseIpv4Header(raw)
	if err != nil {
		t.Fatalf("ParseIpv4Header: %v", err)
	}
	transport := raw[ipv4.HeaderLength():]
	want := binary.BigEndian.Uint16(transport[16:18])

	d, err := ParseTcpHeader(transport)
	if err != nil {
		t.Fatalf("ParseTcpHeader: %v", err)
	}
	mut := d.BindMut(transport).(TcpHeaderMut)
	mut.UpdateChecksum(&ipv4, transport[d.HeaderLength():])
	if got := binary.BigEndian.Uint16(transport[16:18]); got != want {
		t.Errorf("UpdateChecksum = %#04x, gvisor reference = %#04x", got, want)
	}
}

func TestTcpShrinkOptions(t *testing.T) {
	// 24-byte header: 20 fixed bytes plus an MSS option.
	raw := make([]byte, 24)
	binary.BigEndian.PutUint16(raw[0:2], 40000)
	binary.BigEndian.PutUint16(raw[2:4], 80)
	raw[12] = 6 << 4
	raw[13] = TcpFlagSyn
	copy(raw[20:], []byte{2, 4, 0x05, 0xb4})

	d, err := ParseTcpHeader(raw)
	if err != nil {
		t.Fatalf("ParseTcpHeader: %v", err)
	}
	if d.HeaderLength() != 24 {
		t.Fatalf("header length = %d, want 24", d.HeaderLength())
	}
	mut := d.BindMut(raw).(TcpHeaderMut)
	mut.ShrinkOptions()
	if d.HeaderLength() != TcpHeaderMinLength {
		t.Errorf("shrunk header length = %d, want %d", d.HeaderLength(), TcpHeaderMinLength)
	}
	if raw[12]>>4 != TcpHeaderMinLength/4 {
		t.Errorf("wire data offset = %d words, want %d", raw[12]>>4, TcpHeaderMinLength/4)
	}
}

func TestTcpHeaderMutSetters(t *testing.T) {
	raw := make([]byte, TcpHeaderMinLength)
	raw[12] = 5 << 4
	d, err := ParseTcpHeader(raw)
	if err != nil {
		t.Fatalf("ParseTcpHeader: %v", err)
	}
	mut := d.BindMut(raw).(TcpHeaderMut)
	mut.SetSequenceNumber(0xdeadbeef)
	mut.SetAcknowledgementNumber(0xcafebabe)
	mut.SetFlags(TcpFlagSyn | TcpFlagAck)
	mut.SetWindow(4096)

	if binary.BigEndian.Uint32(raw[4:8]) != 0xdeadbeef || binary.BigEndian.Uint32(raw[8:12]) != 0xcafebabe {
		t.Error("sequence numbers did not reach the wire")
	}
	if raw[13] != TcpFlagSyn|TcpFlagAck || binary.BigEndian.Uint16(raw[14:16]) != 4096 {
		t.Error("flags or window did not reach the wire")
	}
	if !d.IsSyn() || !d.IsAck() || d.Window() != 4096 {
		t.Error("setters did not reach the detached copy")
	}
}

func TestSeqBefore(t *testing.T) {
	cases := []struct {
		a, b uint32
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{5, 5, false},
		{0xffffff00, 0x00000010, true}, // wraps forward
		{0x00000010, 0xffffff00, false},
	}
	for _, c := range cases {
		if got := seqBefore(c.a, c.b); got != c.want {
			t.Errorf("seqBefore(%#x, %#x) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
