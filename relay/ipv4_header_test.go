package relay

import (
	"bytes"
	"testing"

	xipv4 "golang.org/x/net/ipv4"
)

func TestParseIpv4Header(t *testing.T) {
	raw := buildUdpPacket(t, mustAddrPort(t, "10.0.0.2:5000"), mustAddrPort(t, "192.168.1.1:53"), []byte("abc"))
	d, err := ParseIpv4Header(raw)
	if err != nil {
		t.Fatalf("ParseIpv4Header: %v", err)
	}
	if d.HeaderLength() != Ipv4HeaderMinLength {
		t.Errorf("header length = %d, want %d", d.HeaderLength(), Ipv4HeaderMinLength)
	}
	if int(d.TotalLength()) != len(raw) {
		t.Errorf("total length = %d, want %d", d.TotalLength(), len(raw))
	}
	if d.Protocol() != ProtocolUdp {
		t.Errorf("protocol = %s, want udp", d.Protocol())
	}
	if got := d.SourceAddr().String(); got != "10.0.0.2" {
		t.Errorf("source = %s, want 10.0.0.2", got)
	}
	if got := d.DestinationAddr().String(); got != "192.168.1.1" {
		t.Errorf("destination = %s, want 192.168.1.1", got)
	}

	// Cross-check against the x/net parser.
	ref, err := xipv4.ParseHeader(raw)
	if err != nil {
		t.Fatalf("x/net ParseHeader: %v", err)
	}
	if ref.Len != int(d.HeaderLength()) || ref.TotalLen != int(d.TotalLength()) || ref.Protocol != int(d.Protocol()) {
		t.Errorf("x/net header %+v disagrees with parsed data %+v", ref, d)
	}
	if ref.Src.String() != d.SourceAddr().String() || ref.Dst.String() != d.DestinationAddr().String() {
		t.Errorf("x/net addresses %s->%s disagree with %s->%s", ref.Src, ref.Dst, d.SourceAddr(), d.DestinationAddr())
	}
}

func TestParseIpv4HeaderRejects(t *testing.T) {
	valid := buildUdpPacket(t, mustAddrPort(t, "10.0.0.2:5000"), mustAddrPort(t, "192.168.1.1:53"), nil)

	short := valid[:Ipv4HeaderMinLength-1]
	if _, err := ParseIpv4Header(short); err == nil {
		t.Error("short header: expected error")
	}

	ipv6 := append([]byte(nil), valid...)
	ipv6[0] = 0x60 | (ipv6[0] & 0x0f)
	if _, err := ParseIpv4Header(ipv6); err == nil {
		t.Error("version 6: expected error")
	}

	badIHL := append([]byte(nil), valid...)
	badIHL[0] = 0x42 // IHL 2, below minimum
	if _, err := ParseIpv4Header(badIHL); err == nil {
		t.Error("invalid IHL: expected error")
	}

	shortTotal := append([]byte(nil), valid...)
	shortTotal[2], shortTotal[3] = 0, 10 // total length below header length
	if _, err := ParseIpv4Header(shortTotal); err == nil {
		t.Error("total length below header length: expected error")
	}
}

func TestIpv4HeaderMutKeepsRawAndDataInSync(t *testing.T) {
	raw := buildUdpPacket(t, mustAddrPort(t, "10.0.0.2:5000"), mustAddrPort(t, "192.168.1.1:53"), []byte("xy"))
	d, err := ParseIpv4Header(raw)
	if err != nil {
		t.Fatalf("ParseIpv4Header: %v", err)
	}
	mut := d.BindMut(raw)
	mut.SwapSourceAndDestination()
	mut.UpdateChecksum()

	reparsed, err := ParseIpv4Header(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if reparsed.SourceAddr().String() != "192.168.1.1" || reparsed.DestinationAddr().String() != "10.0.0.2" {
		t.Errorf("swap not visible on wire: %s -> %s", reparsed.SourceAddr(), reparsed.DestinationAddr())
	}
	if d.Source() != reparsed.Source() || d.Destination() != reparsed.Destination() {
		t.Error("detached copy out of sync with wire bytes")
	}
	if got := Checksum(raw[:d.HeaderLength()]); got != 0 {
		t.Errorf("header does not self-verify after UpdateChecksum: %#04x", got)
	}
}

func TestIpv4PacketLength(t *testing.T) {
	raw := buildUdpPacket(t, mustAddrPort(t, "10.0.0.2:5000"), mustAddrPort(t, "192.168.1.1:53"), bytes.Repeat([]byte{7}, 100))
	if n, ok := Ipv4PacketLength(raw); !ok || n != len(raw) {
		t.Errorf("Ipv4PacketLength = %d,%v, want %d,true", n, ok, len(raw))
	}
	if _, ok := Ipv4PacketLength(raw[:3]); ok {
		t.Error("expected no length from a 3-byte prefix")
	}
}
