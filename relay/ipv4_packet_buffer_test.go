package relay

import (
	"bytes"
	"testing"
)

// feed copies p into the buffer in chunks of at most n bytes, collecting any
// packets that complete along the way.
func feed(t *testing.T, b *Ipv4PacketBuffer, p []byte, n int) [][]byte {
	t.Helper()
	var packets [][]byte
	for len(p) > 0 {
		slice := b.WritableSlice()
		if len(slice) == 0 {
			t.Fatal("writable slice empty while feeding")
		}
		chunk := n
		if chunk > len(p) {
			chunk = len(p)
		}
		if chunk > len(slice) {
			chunk = len(slice)
		}
		copy(slice, p[:chunk])
		b.Advance(chunk)
		p = p[chunk:]

		for {
			packet, err := b.NextPacket()
			if err != nil {
				t.Fatalf("NextPacket: %v", err)
			}
			if packet == nil {
				break
			}
			packets = append(packets, append([]byte(nil), packet.Raw()...))
			b.Consume(packet)
		}
	}
	return packets
}

func TestIpv4PacketBufferReassemblesStream(t *testing.T) {
	first := buildUdpPacket(t, mustAddrPort(t, "10.0.0.2:5000"), mustAddrPort(t, "192.168.1.1:53"), []byte("one"))
	second := buildUdpPacket(t, mustAddrPort(t, "10.0.0.2:5001"), mustAddrPort(t, "192.168.1.1:123"), bytes.Repeat([]byte{9}, 200))
	stream := append(append([]byte(nil), first...), second...)

	// Dribble the stream in 7-byte chunks so every boundary case inside a
	// header gets exercised.
	packets := feed(t, NewIpv4PacketBuffer(), stream, 7)
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	if !bytes.Equal(packets[0], first) || !bytes.Equal(packets[1], second) {
		t.Error("reassembled packets differ from originals")
	}
}

func TestIpv4PacketBufferSingleWrite(t *testing.T) {
	raw := buildUdpPacket(t, mustAddrPort(t, "10.0.0.2:5000"), mustAddrPort(t, "192.168.1.1:53"), []byte("whole"))
	b := NewIpv4PacketBuffer()
	packets := feed(t, b, raw, len(raw))
	if len(packets) != 1 || !bytes.Equal(packets[0], raw) {
		t.Fatalf("single-write reassembly failed: %d packets", len(packets))
	}
	if pkt, err := b.NextPacket(); pkt != nil || err != nil {
		t.Errorf("NextPacket on empty buffer = %v, %v", pkt, err)
	}
}

func TestIpv4PacketBufferIncompleteHeadIsNotAPacket(t *testing.T) {
	raw := buildUdpPacket(t, mustAddrPort(t, "10.0.0.2:5000"), mustAddrPort(t, "192.168.1.1:53"), []byte("pending"))
	b := NewIpv4PacketBuffer()
	copy(b.WritableSlice(), raw[:len(raw)-1])
	b.Advance(len(raw) - 1)
	if pkt, err := b.NextPacket(); pkt != nil || err != nil {
		t.Fatalf("incomplete packet yielded %v, %v", pkt, err)
	}
	copy(b.WritableSlice(), raw[len(raw)-1:])
	b.Advance(1)
	pkt, err := b.NextPacket()
	if err != nil || pkt == nil {
		t.Fatalf("completed packet yielded %v, %v", pkt, err)
	}
}

func TestIpv4PacketBufferMalformedStream(t *testing.T) {
	b := NewIpv4PacketBuffer()
	junk := bytes.Repeat([]byte{0x60}, 40) // version 6
	copy(b.WritableSlice(), junk)
	b.Advance(len(junk))
	if _, err := b.NextPacket(); err == nil {
		t.Error("expected error for non-IPv4 stream bytes")
	}
}

func TestIpv4PacketBufferOversizedLength(t *testing.T) {
	b := NewIpv4PacketBuffer()
	head := []byte{0x45, 0x00, 0xff, 0xff} // total length 65535, above MaxPacketLength
	copy(b.WritableSlice(), head)
	b.Advance(len(head))
	if _, err := b.NextPacket(); err == nil {
		t.Error("expected error for total length exceeding the buffer")
	}
}
