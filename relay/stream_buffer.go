package relay

// StreamBuffer is a bounded circular byte buffer feeding a stream socket.
// Packets are appended all-or-nothing so that a partially accepted IPv4
// packet can never corrupt the tunnel framing.
type StreamBuffer struct {
	data []byte
	head int // index of the first pending byte
	size int // number of pending bytes
}

// NewStreamBuffer creates a buffer holding at most capacity bytes.
func NewStreamBuffer(capacity int) *StreamBuffer {
	return &StreamBuffer{data: make([]byte, capacity)}
}

func (b *StreamBuffer) IsEmpty() bool {
	return b.size == 0
}

// Size returns the number of pending bytes.
func (b *StreamBuffer) Size() int {
	return b.size
}

// Free returns the remaining space in bytes.
func (b *StreamBuffer) Free() int {
	return len(b.data) - b.size
}

// Offer appends p to the buffer. It reports false, without consuming any
// byte, when p does not fit in the remaining space.
func (b *StreamBuffer) Offer(p []byte) bool {
	if b.size+len(p) > len(b.data) {
		return false
	}
	tail := (b.head + b.size) % len(b.data)
	n := copy(b.data[tail:], p)
	if n < len(p) {
		copy(b.data, p[n:])
	}
	b.size += len(p)
	return true
}

// WriteTo writes the longest contiguous pending chunk through w and consumes
// what was accepted. Call it again while !IsEmpty() and the sink keeps
// accepting; a wrapped buffer needs two calls to drain fully.
func (b *StreamBuffer) WriteTo(w func([]byte) (int, error)) (int, error) {
	if b.size == 0 {
		return 0, nil
	}
	chunk := b.size
	if contiguous := len(b.data) - b.head; chunk > contiguous {
		chunk = contiguous
	}
	n, err := w(b.data[b.head : b.head+chunk])
	if n > 0 {
		b.head = (b.head + n) % len(b.data)
		b.size -= n
	}
	return n, err
}
