package relay

import "fmt"

// Ipv4PacketBuffer reassembles the tunnel byte stream into whole IPv4
// packets. The tunnel carries back-to-back packets with no extra framing;
// the IPv4 total length field delimits them.
type Ipv4PacketBuffer struct {
	buf  [MaxPacketLength]byte
	size int
}

func NewIpv4PacketBuffer() *Ipv4PacketBuffer {
	return &Ipv4PacketBuffer{}
}

// WritableSlice is the free tail of the buffer; fill it and call Advance.
// It is empty only while a parsed packet awaits Consume, since a complete
// packet always fits in the buffer.
func (b *Ipv4PacketBuffer) WritableSlice() []byte {
	return b.buf[b.size:]
}

// Advance records that n bytes of WritableSlice were filled.
func (b *Ipv4PacketBuffer) Advance(n int) {
	if n < 0 || b.size+n > len(b.buf) {
		panic("Ipv4PacketBuffer: advance out of range")
	}
	b.size += n
}

// NextPacket parses the packet at the head of the buffer. It returns
// (nil, nil) while the head packet is still incomplete, and an error when
// the stream does not hold a well-formed IPv4 packet, which is fatal for
// the stream since resynchronization is impossible.
func (b *Ipv4PacketBuffer) NextPacket() (*Ipv4Packet, error) {
	length, ok := Ipv4PacketLength(b.buf[:b.size])
	if !ok {
		return nil, nil
	}
	if length > len(b.buf) {
		return nil, fmt.Errorf("packet length %d exceeds buffer", length)
	}
	if length > b.size {
		return nil, nil
	}
	return ParseIpv4Packet(b.buf[:length])
}

// Consume discards the head packet returned by NextPacket and compacts the
// remainder to the front so the writable tail stays contiguous.
func (b *Ipv4PacketBuffer) Consume(packet *Ipv4Packet) {
	n := int(packet.Length())
	if n > b.size {
		panic("Ipv4PacketBuffer: consume beyond buffered data")
	}
	copy(b.buf[:], b.buf[n:b.size])
	b.size -= n
}
