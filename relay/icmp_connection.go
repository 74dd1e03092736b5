package relay

import (
	"time"

	"github.com/fosrl/relay/internal/telemetry"
	"github.com/fosrl/relay/logger"
)

// IcmpConnection relays one ICMP flow over a connected ICMP socket. Echo
// exchanges are brief request/response pairs, so the idle threshold is short.
type IcmpConnection struct {
	id            ConnectionId
	client        *Client
	socket        *IcmpSocket
	token         Token
	packetizer    *Packetizer
	networkBuffer *DatagramBuffer
	interests     Readiness
	idle          idleWatch
	closed        bool
}

// NewIcmpConnection opens the flow's ICMP socket and registers it for read
// interest. On any failure the flow is not created and the caller drops the
// packet.
func NewIcmpConnection(sel *Selector, id ConnectionId, client *Client, reference *Ipv4Packet, settings *Settings) (*IcmpConnection, error) {
	packetizer, err := NewPacketizer(reference)
	if err != nil {
		return nil, err
	}
	socket, err := NewIcmpSocket(id.Destination().Addr())
	if err != nil {
		return nil, err
	}
	c := &IcmpConnection{
		id:            id,
		client:        client,
		socket:        socket,
		packetizer:    packetizer,
		networkBuffer: NewDatagramBuffer(settings.DatagramBufferCapacity),
		interests:     Readable,
		idle:          newIdleWatch(settings.IcmpIdleTimeout),
	}
	token, err := sel.Register(socket.Fd(), Readable, c.onReady)
	if err != nil {
		socket.Close()
		return nil, err
	}
	c.token = token
	logger.Info("IcmpConnection %s: open", id)
	return c, nil
}

func (c *IcmpConnection) Id() ConnectionId { return c.id }

func (c *IcmpConnection) IsClosed() bool { return c.closed }

func (c *IcmpConnection) IsExpired(now time.Time) bool { return c.idle.Expired(now) }

func (c *IcmpConnection) onReady(sel *Selector, ev Event) {
	if c.closed {
		// stale event racing close
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
		logger.Debug("IcmpConnection %s: error condition on socket", c.id)
		c.Close(sel)
	}
	if c.closed {
		c.client.Router().Remove(c)
		return
	}
	c.updateInterests(sel)
}

// processSend flushes buffered datagrams to the socket until it would block
// or the buffer drains.
func (c *IcmpConnection) processSend(sel *Selector) {
	for !c.networkBuffer.IsEmpty() {
		sent, err := c.networkBuffer.WriteTo(c.socket)
		if err != nil {
			if wouldBlock(err) {
				return
			}
			logger.Error("IcmpConnection %s: write failed: %v", c.id, err)
			c.Close(sel)
			return
		}
		if !sent {
			return
		}
	}
}

// processReceive reads one ICMP message and forwards it, repackaged as an
// IPv4 packet, toward the tunnel. Delivery failures drop the packet but keep
// the flow open.
func (c *IcmpConnection) processReceive(sel *Selector) {
	packet, err := c.packetizer.PacketizeRead(c.socket)
	if err != nil {
		if wouldBlock(err) {
			return
		}
		logger.Error("IcmpConnection %s: read failed: %v", c.id, err)
		c.Close(sel)
		return
	}
	if err := c.client.SendToClient(sel, packet); err != nil {
		logger.Warn("IcmpConnection %s: dropping reply packet: %v", c.id, err)
		telemetry.IncPacketDrop("client_delivery")
	}
}

// SendToNetwork queues the packet's ICMP message for the real socket. When
// the buffer is full the newest datagram is dropped and the flow stays open.
func (c *IcmpConnection) SendToNetwork(sel *Selector, packet *Ipv4Packet) {
	c.idle.Touch()
	if !c.networkBuffer.Offer(packet.TransportRaw()) {
		logger.Warn("IcmpConnection %s: network buffer full, dropping datagram", c.id)
		telemetry.IncPacketDrop("buffer_full")
		return
	}
	c.updateInterests(sel)
}

// updateInterests toggles write interest on empty/non-empty buffer
// transitions.
func (c *IcmpConnection) updateInterests(sel *Selector) {
	interests := Readable
	if !c.networkBuffer.IsEmpty() {
		interests |= Writable
	}
	if interests == c.interests {
		return
	}
	if err := sel.Reregister(c.socket.Fd(), c.token, interests); err != nil {
		logger.Error("IcmpConnection %s: reregister failed: %v", c.id, err)
		c.Close(sel)
		c.client.Router().Remove(c)
		return
	}
	c.interests = interests
}

// Close deregisters the socket and releases it. Idempotent.
func (c *IcmpConnection) Close(sel *Selector) {
	if c.closed {
		return
	}
	c.closed = true
	if err := sel.Deregister(c.socket.Fd(), c.token); err != nil {
		logger.Warn("IcmpConnection %s: deregister failed: %v", c.id, err)
	}
	if err := c.socket.Close(); err != nil {
		logger.Warn("IcmpConnection %s: close failed: %v", c.id, err)
	}
	logger.Info("IcmpConnection %s: closed", c.id)
}
