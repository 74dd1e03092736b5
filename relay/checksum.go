package relay

import "encoding/binary"

// checksumAdd accumulates the 16-bit big-endian words of data into sum.
// An odd trailing byte is treated as the high byte of a final word whose
// low byte is zero.
func checksumAdd(sum uint32, data []byte) uint32 {
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

// checksumFold folds the carries of a 32-bit accumulator back into the low
// 16 bits until none remain.
func checksumFold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// Checksum computes the Internet checksum (RFC 1071) of data: the one's
// complement of the one's-complement sum of its 16-bit words. The checksum
// field inside data must be zeroed by the caller before computing.
func Checksum(data []byte) uint16 {
	return ^checksumFold(checksumAdd(0, data))
}

// pseudoHeaderSum returns the partial checksum accumulator of the IPv4
// pseudo-header used by the TCP and UDP transport checksums.
func pseudoHeaderSum(protocol Protocol, source, destination uint32, transportLength uint16) uint32 {
	sum := uint32(source>>16) + uint32(source&0xffff)
	sum += uint32(destination>>16) + uint32(destination&0xffff)
	sum += uint32(protocol)
	sum += uint32(transportLength)
	return sum
}
