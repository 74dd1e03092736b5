package relay

import (
	"math/rand/v2"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

func TestChecksumMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, size := range []int{0, 1, 2, 3, 20, 57, 1500} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(rng.Uint32())
		}
		got := Checksum(data)
		want := ^checksum.Checksum(data, 0)
		if got != want {
			t.Errorf("size %d: Checksum = %#04x, reference = %#04x", size, got, want)
		}
	}
}

func TestChecksumKnownVector(t *testing.T) {
	// Example header from RFC 1071 discussions: checksum of all-zero data
	// is 0xffff, of 0xffff words is 0.
	if got := Checksum(make([]byte, 8)); got != 0xffff {
		t.Errorf("zero data: got %#04x, want 0xffff", got)
	}
	if got := Checksum([]byte{0xff, 0xff, 0xff, 0xff}); got != 0 {
		t.Errorf("ones data: got %#04x, want 0", got)
	}
}

// A buffer whose checksum field holds the checksum of the rest verifies to
// zero: folding the sum of all words gives 0xffff, the complement 0.
func TestChecksumSelfVerifies(t *testing.T) {
	data := []byte{0x45, 0x00, 0x00, 0x54, 0xbe, 0xef, 0x40, 0x00, 0x40, 0x01, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x02, 0x0a, 0x00, 0x00, 0x01}
	c := Checksum(data)
	data[10] = byte(c >> 8)
	data[11] = byte(c)
	if got := Checksum(data); got != 0 {
		t.Errorf("self-verification: got %#04x, want 0", got)
	}
}

func TestChecksumOddLength(t *testing.T) {
	// The trailing odd byte acts as the high byte of a zero-padded word.
	odd := []byte{0x01, 0x02, 0x03}
	padded := []byte{0x01, 0x02, 0x03, 0x00}
	if Checksum(odd) != Checksum(padded) {
		t.Errorf("odd-length checksum %#04x differs from zero-padded %#04x", Checksum(odd), Checksum(padded))
	}
}
