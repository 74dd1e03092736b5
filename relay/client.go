package relay

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fosrl/relay/internal/telemetry"
	"github.com/fosrl/relay/logger"
)

var errClientClosed = errors.New("client closed")

// Client is one accepted tunnel connection. It reassembles the inbound byte
// stream into IPv4 packets for its router and streams reply packets back,
// buffering them while the tunnel socket is not writable.
type Client struct {
	id           uint64
	fd           int
	token        Token
	router       *Router
	packetBuffer *Ipv4PacketBuffer
	writeBuffer  *StreamBuffer
	interests    Readiness
	closed       bool
	onClose      func(*Client)
}

// NewClient registers an accepted tunnel socket on the selector. onClose is
// invoked exactly once, after the client's flows are torn down.
func NewClient(sel *Selector, id uint64, fd int, settings *Settings, onClose func(*Client)) (*Client, error) {
	c := &Client{
		id:           id,
		fd:           fd,
		packetBuffer: NewIpv4PacketBuffer(),
		writeBuffer:  NewStreamBuffer(settings.ClientBufferCapacity),
		interests:    Readable,
		onClose:      onClose,
	}
	c.router = NewRouter(c, settings)
	token, err := sel.Register(fd, Readable, c.onReady)
	if err != nil {
		return nil, err
	}
	c.token = token
	logger.Info("Client %d: connected", id)
	return c, nil
}

func (c *Client) Id() uint64 { return c.id }

func (c *Client) Router() *Router { return c.router }

func (c *Client) IsClosed() bool { return c.closed }

func (c *Client) onReady(sel *Selector, ev Event) {
	if c.closed {
		return
	}
	if ev.Readiness.IsWritable() {
		c.processSend(sel)
	}
	if !c.closed && ev.Readiness.IsReadable() {
		c.processReceive(sel)
	}
	if !c.closed && ev.Readiness.IsEmpty() {
		logger.Debug("Client %d: error condition on tunnel socket", c.id)
		c.Close(sel)
	}
	if !c.closed {
		c.updateInterests(sel)
	}
}

func (c *Client) processSend(sel *Selector) {
	for !c.writeBuffer.IsEmpty() {
		n, err := c.writeBuffer.WriteTo(func(p []byte) (int, error) {
			return unix.Write(c.fd, p)
		})
		if err != nil {
			if wouldBlock(err) {
				return
			}
			logger.Error("Client %d: tunnel write failed: %v", c.id, err)
			c.Close(sel)
			return
		}
		if n == 0 {
			return
		}
	}
}

func (c *Client) processReceive(sel *Selector) {
	slice := c.packetBuffer.WritableSlice()
	if len(slice) == 0 {
		return
	}
	n, err := unix.Read(c.fd, slice)
	if err != nil {
		if wouldBlock(err) {
			return
		}
		logger.Error("Client %d: tunnel read failed: %v", c.id, err)
		c.Close(sel)
		return
	}
	if n == 0 {
		logger.Info("Client %d: tunnel EOF", c.id)
		c.Close(sel)
		return
	}
	c.packetBuffer.Advance(n)
	telemetry.AddTunnelBytes("from_client", int64(n))
	c.drainPackets(sel)
}

// drainPackets routes every complete packet sitting in the reassembly
// buffer. A malformed stream is unrecoverable because packets carry no
// framing beyond their length field, so the client is dropped.
func (c *Client) drainPackets(sel *Selector) {
	for !c.closed {
		packet, err := c.packetBuffer.NextPacket()
		if err != nil {
			logger.Error("Client %d: malformed tunnel stream: %v", c.id, err)
			c.Close(sel)
			return
		}
		if packet == nil {
			return
		}
		c.router.SendToNetwork(sel, packet)
		c.packetBuffer.Consume(packet)
	}
}

// SendToClient queues one reply packet for the tunnel. The packet bytes are
// copied; the caller may reuse them. ErrBufferFull means the packet was not
// queued and the caller decides whether the loss matters.
func (c *Client) SendToClient(sel *Selector, packet *Ipv4Packet) error {
	if c.closed {
		return errClientClosed
	}
	if !c.writeBuffer.Offer(packet.Raw()) {
		return ErrBufferFull
	}
	telemetry.AddTunnelBytes("to_client", int64(packet.Length()))
	telemetry.IncPacketForwarded("to_client")
	c.updateInterests(sel)
	return nil
}

// WritableSpace reports how many bytes SendToClient can still accept.
func (c *Client) WritableSpace() int {
	if c.closed {
		return 0
	}
	return c.writeBuffer.Free()
}

func (c *Client) updateInterests(sel *Selector) {
	interests := Readable
	if !c.writeBuffer.IsEmpty() {
		interests |= Writable
	}
	if interests == c.interests {
		return
	}
	if err := sel.Reregister(c.fd, c.token, interests); err != nil {
		logger.Error("Client %d: reregister failed: %v", c.id, err)
		c.Close(sel)
		return
	}
	c.interests = interests
}

// Sweep expires this client's idle flows.
func (c *Client) Sweep(sel *Selector, now time.Time) {
	c.router.Sweep(sel, now)
}

// Close tears down the tunnel socket and every flow behind it. Idempotent.
func (c *Client) Close(sel *Selector) {
	if c.closed {
		return
	}
	c.closed = true
	if err := sel.Deregister(c.fd, c.token); err != nil {
		logger.Warn("Client %d: deregister failed: %v", c.id, err)
	}
	if err := unix.Close(c.fd); err != nil {
		logger.Warn("Client %d: close failed: %v", c.id, err)
	}
	c.router.Clear(sel)
	logger.Info("Client %d: disconnected", c.id)
	if c.onClose != nil {
		c.onClose(c)
	}
}
