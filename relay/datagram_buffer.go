package relay

import "errors"

// ErrBufferFull is returned when a bounded buffer cannot accept more data.
// The caller drops the offending datagram; the tunnel is packet-oriented and
// has no flow-control signal to propagate back.
var ErrBufferFull = errors.New("buffer full")

// DatagramSender sends one whole datagram per call.
type DatagramSender interface {
	Send(datagram []byte) (int, error)
}

// DatagramReceiver receives one whole datagram per call.
type DatagramReceiver interface {
	Recv(buf []byte) (int, error)
}

// DatagramBuffer is a bounded FIFO queue of datagrams waiting for their
// destination socket to become writable. The bound is a byte budget over all
// queued datagrams; when exceeded, the newest datagram is rejected.
type DatagramBuffer struct {
	queue    [][]byte
	bytes    int
	capacity int
}

// NewDatagramBuffer creates a buffer holding at most capacity bytes.
func NewDatagramBuffer(capacity int) *DatagramBuffer {
	return &DatagramBuffer{capacity: capacity}
}

func (b *DatagramBuffer) IsEmpty() bool {
	return len(b.queue) == 0
}

// Len returns the number of queued datagrams.
func (b *DatagramBuffer) Len() int {
	return len(b.queue)
}

// Bytes returns the total queued byte count.
func (b *DatagramBuffer) Bytes() int {
	return b.bytes
}

// Offer copies datagram into the queue. It reports false when accepting it
// would exceed the byte budget; the caller drops the datagram.
func (b *DatagramBuffer) Offer(datagram []byte) bool {
	if b.bytes+len(datagram) > b.capacity {
		return false
	}
	owned := make([]byte, len(datagram))
	copy(owned, datagram)
	b.queue = append(b.queue, owned)
	b.bytes += len(owned)
	return true
}

// WriteTo sends the oldest datagram through s. The datagram is consumed only
// on a successful send, so a would-block error leaves it queued for the next
// writable event. It reports whether a datagram was consumed.
func (b *DatagramBuffer) WriteTo(s DatagramSender) (bool, error) {
	if len(b.queue) == 0 {
		return false, nil
	}
	head := b.queue[0]
	if _, err := s.Send(head); err != nil {
		return false, err
	}
	b.queue[0] = nil
	b.queue = b.queue[1:]
	b.bytes -= len(head)
	return true, nil
}
