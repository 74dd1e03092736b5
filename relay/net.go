package relay

import (
	"fmt"
	"net/netip"

	"github.com/fosrl/relay/logger"
	"golang.org/x/sys/unix"
)

// wouldBlock reports the transient-retry error class: nothing to read or no
// room to write right now, deferred to the next readiness event.
func wouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func sockaddrInet4(ap netip.AddrPort) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(ap.Port())}
	sa.Addr = ap.Addr().As4()
	return sa
}

// IcmpSocket is a non-blocking ICMP socket bound to the wildcard address and
// connected to a single peer, so Send and Recv address it implicitly. It is
// opened as a raw SOCK_RAW/IPPROTO_ICMP socket when permitted, falling back
// to an unprivileged SOCK_DGRAM ping socket otherwise.
type IcmpSocket struct {
	fd  int
	raw bool
}

// NewIcmpSocket opens, binds and connects the real socket of an ICMP flow.
func NewIcmpSocket(destination netip.Addr) (*IcmpSocket, error) {
	raw := true
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		// No CAP_NET_RAW; a ping socket still works when
		// net.ipv4.ping_group_range allows it.
		logger.Debug("IcmpSocket: raw socket unavailable (%v), trying ping socket", err)
		raw = false
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
		if err != nil {
			return nil, fmt.Errorf("open ICMP socket: %w", err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind ICMP socket: %w", err)
	}
	if err := unix.Connect(fd, sockaddrInet4(netip.AddrPortFrom(destination, 0))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect ICMP socket to %s: %w", destination, err)
	}
	return &IcmpSocket{fd: fd, raw: raw}, nil
}

func (s *IcmpSocket) Fd() int { return s.fd }

// Recv reads one ICMP message. Raw socket reads include the kernel's IPv4
// header; it is stripped here so callers always see a bare transport-layer
// message.
func (s *IcmpSocket) Recv(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return 0, err
	}
	if !s.raw {
		return n, nil
	}
	if n < Ipv4HeaderMinLength {
		return 0, fmt.Errorf("short raw ICMP read: %d bytes", n)
	}
	headerLength := int(buf[0]&0x0f) << 2
	if headerLength < Ipv4HeaderMinLength || headerLength > n {
		return 0, fmt.Errorf("invalid IPv4 header length %d in raw ICMP read", headerLength)
	}
	copy(buf, buf[headerLength:n])
	return n - headerLength, nil
}

func (s *IcmpSocket) Send(datagram []byte) (int, error) {
	return unix.Write(s.fd, datagram)
}

func (s *IcmpSocket) Close() error {
	return unix.Close(s.fd)
}

// UdpSocket is a non-blocking UDP socket connected to a single peer.
type UdpSocket struct {
	fd int
}

// NewUdpSocket opens, binds and connects the real socket of a UDP flow.
func NewUdpSocket(destination netip.AddrPort) (*UdpSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open UDP socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind UDP socket: %w", err)
	}
	if err := unix.Connect(fd, sockaddrInet4(destination)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect UDP socket to %s: %w", destination, err)
	}
	return &UdpSocket{fd: fd}, nil
}

func (s *UdpSocket) Fd() int { return s.fd }

func (s *UdpSocket) Recv(buf []byte) (int, error) {
	return unix.Read(s.fd, buf)
}

func (s *UdpSocket) Send(datagram []byte) (int, error) {
	return unix.Write(s.fd, datagram)
}

func (s *UdpSocket) Close() error {
	return unix.Close(s.fd)
}

// TcpStreamSocket is a non-blocking TCP socket. The connect is asynchronous:
// completion is signalled by the first writable readiness event, and
// ConnectError reports how it went.
type TcpStreamSocket struct {
	fd int
}

// NewTcpStreamSocket opens the real socket of a TCP flow and starts the
// connect toward the rewritten destination.
func NewTcpStreamSocket(destination netip.AddrPort) (*TcpStreamSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open TCP socket: %w", err)
	}
	if err := unix.Connect(fd, sockaddrInet4(destination)); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect TCP socket to %s: %w", destination, err)
	}
	return &TcpStreamSocket{fd: fd}, nil
}

func (s *TcpStreamSocket) Fd() int { return s.fd }

// ConnectError returns the outcome of the asynchronous connect: nil on
// success, the pending socket error otherwise.
func (s *TcpStreamSocket) ConnectError() error {
	soErr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Recv performs one read; zero bytes with a nil error is the peer's EOF.
func (s *TcpStreamSocket) Recv(buf []byte) (int, error) {
	return unix.Read(s.fd, buf)
}

func (s *TcpStreamSocket) Write(buf []byte) (int, error) {
	return unix.Write(s.fd, buf)
}

// ShutdownWrite half-closes the socket after forwarding the tunnel side's FIN.
func (s *TcpStreamSocket) ShutdownWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *TcpStreamSocket) Close() error {
	return unix.Close(s.fd)
}

// listenTcp opens a non-blocking listening socket for the tunnel server.
func listenTcp(addr netip.AddrPort) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open listening socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sockaddrInet4(addr)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return fd, nil
}
