package relay

import (
	"time"

	"github.com/fosrl/relay/internal/telemetry"
	"github.com/fosrl/relay/logger"
)

// UdpConnection relays one UDP flow over a connected UDP socket.
type UdpConnection struct {
	id            ConnectionId
	client        *Client
	socket        *UdpSocket
	token         Token
	packetizer    *Packetizer
	networkBuffer *DatagramBuffer
	interests     Readiness
	idle          idleWatch
	closed        bool
}

// NewUdpConnection opens the flow's UDP socket and registers it for read
// interest.
func NewUdpConnection(sel *Selector, id ConnectionId, client *Client, reference *Ipv4Packet, settings *Settings) (*UdpConnection, error) {
	packetizer, err := NewPacketizer(reference)
	if err != nil {
		return nil, err
	}
	socket, err := NewUdpSocket(id.Destination())
	if err != nil {
		return nil, err
	}
	c := &UdpConnection{
		id:            id,
		client:        client,
		socket:        socket,
		packetizer:    packetizer,
		networkBuffer: NewDatagramBuffer(settings.DatagramBufferCapacity),
		interests:     Readable,
		idle:          newIdleWatch(settings.UdpIdleTimeout),
	}
	token, err := sel.Register(socket.Fd(), Readable, c.onReady)
	if err != nil {
		socket.Close()
		return nil, err
	}
	c.token = token
	logger.Info("UdpConnection %s: open", id)
	return c, nil
}

func (c *UdpConnection) Id() ConnectionId { return c.id }

func (c *UdpConnection) IsClosed() bool { return c.closed }

func (c *UdpConnection) IsExpired(now time.Time) bool { return c.idle.Expired(now) }

func (c *UdpConnection) onReady(sel *Selector, ev Event) {
	if c.closed {
		return
	}
	c.idle.Touch()
	if ev.Readiness.IsWritable() {
		c.processSend(sel)
	}
	if !c.closed && ev.Readiness.IsReadable() {
		c.processReceive(sel)
	}
	if !c.closed && ev.Readiness.IsEmpty() {
		logger.Debug("UdpConnection %s: error condition on socket", c.id)
		c.Close(sel)
	}
	if c.closed {
		c.client.Router().Remove(c)
		return
	}
	c.updateInterests(sel)
}

func (c *UdpConnection) processSend(sel *Selector) {
	for !c.networkBuffer.IsEmpty() {
		sent, err := c.networkBuffer.WriteTo(c.socket)
		if err != nil {
			if wouldBlock(err) {
				return
			}
			logger.Error("UdpConnection %s: write failed: %v", c.id, err)
			c.Close(sel)
			return
		}
		if !sent {
			return
		}
	}
}

func (c *UdpConnection) processReceive(sel *Selector) {
	packet, err := c.packetizer.PacketizeRead(c.socket)
	if err != nil {
		if wouldBlock(err) {
			return
		}
		logger.Error("UdpConnection %s: read failed: %v", c.id, err)
		c.Close(sel)
		return
	}
	if err := c.client.SendToClient(sel, packet); err != nil {
		logger.Warn("UdpConnection %s: dropping reply packet: %v", c.id, err)
		telemetry.IncPacketDrop("client_delivery")
	}
}

// SendToNetwork queues the packet's UDP payload for the real socket.
func (c *UdpConnection) SendToNetwork(sel *Selector, packet *Ipv4Packet) {
	c.idle.Touch()
	if !c.networkBuffer.Offer(packet.Payload()) {
		logger.Warn("UdpConnection %s: network buffer full, dropping datagram", c.id)
		telemetry.IncPacketDrop("buffer_full")
		return
	}
	c.updateInterests(sel)
}

func (c *UdpConnection) updateInterests(sel *Selector) {
	interests := Readable
	if !c.networkBuffer.IsEmpty() {
		interests |= Writable
	}
	if interests == c.interests {
		return
	}
	if err := sel.Reregister(c.socket.Fd(), c.token, interests); err != nil {
		logger.Error("UdpConnection %s: reregister failed: %v", c.id, err)
		c.Close(sel)
		c.client.Router().Remove(c)
		return
	}
	c.interests = interests
}

// Close deregisters the socket and releases it. Idempotent.
func (c *UdpConnection) Close(sel *Selector) {
	if c.closed {
		return
	}
	c.closed = true
	if err := sel.Deregister(c.socket.Fd(), c.token); err != nil {
		logger.Warn("UdpConnection %s: deregister failed: %v", c.id, err)
	}
	if err := c.socket.Close(); err != nil {
		logger.Warn("UdpConnection %s: close failed: %v", c.id, err)
	}
	logger.Info("UdpConnection %s: closed", c.id)
}
