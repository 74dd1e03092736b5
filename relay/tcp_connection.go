package relay

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/fosrl/relay/internal/telemetry"
	"github.com/fosrl/relay/logger"
)

// tcpState is the tunnel-side handshake/teardown state of a TCP flow. The
// real socket's own TCP machinery lives in the kernel; this state machine
// only terminates the tunnel side.
type tcpState int

const (
	tcpConnecting  tcpState = iota // real connect in flight, SYN unanswered
	tcpSynReceived                 // SYN-ACK sent, waiting for the client's ACK
	tcpEstablished
	tcpCloseWait // client FIN acked, still relaying socket reads
	tcpLastAck   // our FIN sent after CloseWait, waiting for its ACK
	tcpFinWait   // socket EOF, our FIN sent, client may still send
)

func (s tcpState) String() string {
	switch s {
	case tcpConnecting:
		return "Connecting"
	case tcpSynReceived:
		return "SynReceived"
	case tcpEstablished:
		return "Established"
	case tcpCloseWait:
		return "CloseWait"
	case tcpLastAck:
		return "LastAck"
	case tcpFinWait:
		return "FinWait"
	default:
		return "Unknown"
	}
}

const tcpWindow = 65535

// TcpConnection relays one TCP flow onto a real stream socket. It terminates
// the tunnel-side handshake and sequencing but never retransmits: the tunnel
// transport is reliable, and unaccepted segments are simply not acknowledged,
// leaving retransmission to the device's own TCP stack.
type TcpConnection struct {
	id            ConnectionId
	client        *Client
	socket        *TcpStreamSocket
	token         Token
	packetizer    *Packetizer
	networkBuffer *StreamBuffer
	interests     Readiness
	idle          idleWatch
	closed        bool

	state             tcpState
	seq               uint32 // next sequence number we send
	ack               uint32 // next byte expected from the client
	clientFinReceived bool
	socketEofReceived bool
	socketShutdown    bool
}

// NewTcpConnection starts the asynchronous connect toward the rewritten
// destination and registers for write readiness, which signals completion.
// The flow's first packet must be a SYN.
func NewTcpConnection(sel *Selector, id ConnectionId, client *Client, reference *Ipv4Packet, settings *Settings) (*TcpConnection, error) {
	tcpHeader, ok := reference.TransportHeaderData().(*TcpHeaderData)
	if !ok || !tcpHeader.IsSyn() || tcpHeader.IsAck() {
		return nil, fmt.Errorf("first packet of TCP flow %s is not a SYN", id)
	}
	packetizer, err := NewPacketizer(reference)
	if err != nil {
		return nil, err
	}
	socket, err := NewTcpStreamSocket(id.Destination())
	if err != nil {
		return nil, err
	}
	c := &TcpConnection{
		id:            id,
		client:        client,
		socket:        socket,
		packetizer:    packetizer,
		networkBuffer: NewStreamBuffer(settings.StreamBufferCapacity),
		interests:     Writable,
		idle:          newIdleWatch(settings.TcpIdleTimeout),
		state:         tcpConnecting,
		seq:           rand.Uint32(),
		ack:           tcpHeader.SequenceNumber() + 1, // the SYN consumes one
	}
	if tmut, ok := c.packetizer.TransportHeaderMut().(TcpHeaderMut); ok {
		tmut.SetWindow(tcpWindow)
	}
	token, err := sel.Register(socket.Fd(), Writable, c.onReady)
	if err != nil {
		socket.Close()
		return nil, err
	}
	c.token = token
	logger.Info("TcpConnection %s: open", id)
	return c, nil
}

func (c *TcpConnection) Id() ConnectionId { return c.id }

func (c *TcpConnection) IsClosed() bool { return c.closed }

func (c *TcpConnection) IsExpired(now time.Time) bool { return c.idle.Expired(now) }

func (c *TcpConnection) onReady(sel *Selector, ev Event) {
	if c.closed {
		return
	}
	// A half-closed socket stays level-triggered readable forever; those
	// wakeups make no progress and must not keep the flow from idling out.
	if !c.socketEofReceived {
		c.idle.Touch()
	}
	if c.state == tcpConnecting {
		if ev.Readiness.IsWritable() {
			c.processConnect(sel)
		} else {
			c.abort(sel)
		}
	} else {
		if ev.Readiness.IsWritable() {
			c.processSend(sel)
		}
		if !c.closed && !c.socketEofReceived && ev.Readiness.IsReadable() {
			c.processReceive(sel)
		}
		if !c.closed && ev.Readiness.IsEmpty() {
			logger.Debug("TcpConnection %s: error condition on socket", c.id)
			c.abort(sel)
		}
	}
	if c.closed {
		c.client.Router().Remove(c)
		return
	}
	c.updateInterests(sel)
}

// processConnect resolves the asynchronous connect: on success the tunnel
// side gets its SYN-ACK, on failure an RST.
func (c *TcpConnection) processConnect(sel *Selector) {
	if err := c.socket.ConnectError(); err != nil {
		logger.Info("TcpConnection %s: connect failed: %v", c.id, err)
		c.abort(sel)
		return
	}
	c.state = tcpSynReceived
	logger.Debug("TcpConnection %s: connected, sending SYN-ACK", c.id)
	c.sendEmpty(sel, TcpFlagSyn|TcpFlagAck)
}

// processSend flushes buffered stream bytes to the socket. Once the buffer
// drains after a client FIN, the write side of the real socket is shut down.
func (c *TcpConnection) processSend(sel *Selector) {
	for !c.networkBuffer.IsEmpty() {
		n, err := c.networkBuffer.WriteTo(c.socket.Write)
		if err != nil {
			if wouldBlock(err) {
				return
			}
			logger.Error("TcpConnection %s: write failed: %v", c.id, err)
			c.abort(sel)
			return
		}
		if n == 0 {
			return
		}
	}
	c.maybeShutdownWrite()
}

func (c *TcpConnection) maybeShutdownWrite() {
	if c.clientFinReceived && !c.socketShutdown && c.networkBuffer.IsEmpty() {
		if err := c.socket.ShutdownWrite(); err != nil {
			logger.Warn("TcpConnection %s: shutdown failed: %v", c.id, err)
		}
		c.socketShutdown = true
	}
}

// processReceive reads from the real socket and forwards data segments to
// the tunnel. A zero-length read is the peer's EOF and becomes our FIN.
func (c *TcpConnection) processReceive(sel *Selector) {
	// Level-triggered: when the client buffer has no room for a full
	// packet, skip the read and let the next tick retry.
	if c.client.WritableSpace() < MaxPacketLength {
		return
	}
	if tmut, ok := c.packetizer.TransportHeaderMut().(TcpHeaderMut); ok {
		tmut.SetSequenceNumber(c.seq)
		tmut.SetAcknowledgementNumber(c.ack)
		tmut.SetFlags(TcpFlagAck | TcpFlagPsh)
	}
	packet, err := c.packetizer.PacketizeRead(c.socket)
	if err != nil {
		if wouldBlock(err) {
			return
		}
		logger.Error("TcpConnection %s: read failed: %v", c.id, err)
		c.abort(sel)
		return
	}
	n := packet.PayloadLength()
	if n == 0 {
		c.handleSocketEOF(sel)
		return
	}
	if err := c.client.SendToClient(sel, packet); err != nil {
		// Not acknowledged by anyone; the segment is simply never sent
		// and the stream position stays put.
		logger.Warn("TcpConnection %s: dropping data segment: %v", c.id, err)
		telemetry.IncPacketDrop("client_delivery")
		return
	}
	c.seq += uint32(n)
}

func (c *TcpConnection) handleSocketEOF(sel *Selector) {
	c.socketEofReceived = true
	switch c.state {
	case tcpCloseWait:
		c.sendEmpty(sel, TcpFlagFin|TcpFlagAck)
		c.state = tcpLastAck
	case tcpEstablished, tcpSynReceived:
		c.sendEmpty(sel, TcpFlagFin|TcpFlagAck)
		c.state = tcpFinWait
	}
	logger.Debug("TcpConnection %s: socket EOF, state %s", c.id, c.state)
}

// SendToNetwork handles one tunnel-side TCP segment for this flow.
func (c *TcpConnection) SendToNetwork(sel *Selector, packet *Ipv4Packet) {
	c.idle.Touch()
	tcpHeader, ok := packet.TransportHeaderData().(*TcpHeaderData)
	if !ok {
		return
	}
	if tcpHeader.IsRst() {
		logger.Debug("TcpConnection %s: RST from client", c.id)
		c.Close(sel)
		c.client.Router().Remove(c)
		return
	}
	switch c.state {
	case tcpConnecting:
		// Nothing to relay yet; the device retransmits whatever matters.
		return
	case tcpSynReceived:
		if tcpHeader.IsSyn() {
			return // duplicate SYN
		}
		if tcpHeader.IsAck() {
			c.state = tcpEstablished
			logger.Debug("TcpConnection %s: established", c.id)
		}
	}
	c.handlePayload(sel, tcpHeader, packet.Payload())
	if c.closed {
		return
	}
	if tcpHeader.IsFin() {
		c.handleClientFin(sel)
		if c.closed {
			return
		}
	}
	if tcpHeader.IsAck() && c.state == tcpLastAck && tcpHeader.AcknowledgementNumber() == c.seq {
		logger.Debug("TcpConnection %s: FIN acknowledged", c.id)
		c.Close(sel)
		c.client.Router().Remove(c)
		return
	}
	c.updateInterests(sel)
}

func (c *TcpConnection) handlePayload(sel *Selector, tcpHeader *TcpHeaderData, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if tcpHeader.SequenceNumber() != c.ack {
		if seqBefore(tcpHeader.SequenceNumber(), c.ack) {
			// Retransmission of data already accepted: re-acknowledge.
			c.sendEmpty(sel, TcpFlagAck)
		}
		return
	}
	if !c.networkBuffer.Offer(payload) {
		// No room: do not acknowledge, the device will retransmit.
		logger.Debug("TcpConnection %s: network buffer full, deferring %d bytes", c.id, len(payload))
		return
	}
	c.ack += uint32(len(payload))
	c.sendEmpty(sel, TcpFlagAck)
}

func (c *TcpConnection) handleClientFin(sel *Selector) {
	c.ack++ // the FIN consumes one
	c.clientFinReceived = true
	switch c.state {
	case tcpEstablished, tcpSynReceived:
		c.state = tcpCloseWait
		c.sendEmpty(sel, TcpFlagAck)
		c.maybeShutdownWrite()
	case tcpFinWait:
		// Both directions are done.
		c.sendEmpty(sel, TcpFlagAck)
		c.Close(sel)
		c.client.Router().Remove(c)
	default:
		c.sendEmpty(sel, TcpFlagAck)
	}
}

// sendEmpty emits a control segment (no payload) with the given flags.
func (c *TcpConnection) sendEmpty(sel *Selector, flags uint8) {
	tmut, ok := c.packetizer.TransportHeaderMut().(TcpHeaderMut)
	if !ok {
		return
	}
	tmut.SetSequenceNumber(c.seq)
	tmut.SetAcknowledgementNumber(c.ack)
	tmut.SetFlags(flags)
	packet := c.packetizer.PacketizeEmpty()
	if err := c.client.SendToClient(sel, packet); err != nil {
		logger.Warn("TcpConnection %s: dropping control segment: %v", c.id, err)
		telemetry.IncPacketDrop("client_delivery")
	}
	if flags&(TcpFlagSyn|TcpFlagFin) != 0 {
		c.seq++
	}
}

// abort resets the tunnel side and closes the flow.
func (c *TcpConnection) abort(sel *Selector) {
	c.sendEmpty(sel, TcpFlagRst|TcpFlagAck)
	c.Close(sel)
}

func (c *TcpConnection) updateInterests(sel *Selector) {
	var interests Readiness
	if c.state == tcpConnecting {
		interests = Writable
	} else {
		if !c.socketEofReceived {
			interests = Readable
		}
		if !c.networkBuffer.IsEmpty() {
			interests |= Writable
		}
	}
	if interests == c.interests {
		return
	}
	if err := sel.Reregister(c.socket.Fd(), c.token, interests); err != nil {
		logger.Error("TcpConnection %s: reregister failed: %v", c.id, err)
		c.Close(sel)
		c.client.Router().Remove(c)
		return
	}
	c.interests = interests
}

// Close deregisters the socket and releases it. Idempotent.
func (c *TcpConnection) Close(sel *Selector) {
	if c.closed {
		return
	}
	c.closed = true
	if err := sel.Deregister(c.socket.Fd(), c.token); err != nil {
		logger.Warn("TcpConnection %s: deregister failed: %v", c.id, err)
	}
	if err := c.socket.Close(); err != nil {
		logger.Warn("TcpConnection %s: close failed: %v", c.id, err)
	}
	logger.Info("TcpConnection %s: closed", c.id)
}

// seqBefore reports whether a precedes b in sequence space, accounting for
// wraparound.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
