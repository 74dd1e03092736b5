package relay

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/fosrl/relay/internal/telemetry"
	"github.com/fosrl/relay/logger"
)

// Settings carries the per-client tuning knobs: buffer budgets and idle
// thresholds per protocol.
type Settings struct {
	DatagramBufferCapacity int
	StreamBufferCapacity   int
	ClientBufferCapacity   int

	IcmpIdleTimeout time.Duration
	UdpIdleTimeout  time.Duration
	TcpIdleTimeout  time.Duration

	RewriteRules []RewriteRule
}

// DefaultSettings returns the stock tuning. ICMP flows are one-shot
// request/reply pairs and expire fast; TCP flows are long-lived.
func DefaultSettings() *Settings {
	return &Settings{
		DatagramBufferCapacity: 32 * 1024,
		StreamBufferCapacity:   64 * 1024,
		ClientBufferCapacity:   256 * 1024,
		IcmpIdleTimeout:        2 * time.Second,
		UdpIdleTimeout:         60 * time.Second,
		TcpIdleTimeout:         120 * time.Second,
	}
}

// Router demultiplexes one client's tunnel packets onto per-flow connections,
// creating them on first sight and retiring them on close or expiry.
type Router struct {
	client      *Client
	settings    *Settings
	rewriter    *Rewriter
	connections map[ConnectionId]Connection
}

func NewRouter(client *Client, settings *Settings) *Router {
	return &Router{
		client:      client,
		settings:    settings,
		rewriter:    NewRewriter(settings.RewriteRules),
		connections: make(map[ConnectionId]Connection),
	}
}

// SendToNetwork routes one inbound tunnel packet to its flow. A packet whose
// flow cannot be set up is dropped; the tunnel stays up.
func (r *Router) SendToNetwork(sel *Selector, packet *Ipv4Packet) {
	conn, err := r.connection(sel, packet)
	if err != nil {
		logger.Warn("Router: dropping packet: %v", err)
		telemetry.IncPacketDrop("flow_setup")
		return
	}
	conn.SendToNetwork(sel, packet)
	telemetry.IncPacketForwarded("from_client")
}

func (r *Router) connection(sel *Selector, packet *Ipv4Packet) (Connection, error) {
	ipv4 := packet.Ipv4HeaderData()
	destination := netip.AddrPortFrom(ipv4.DestinationAddr(), packet.TransportHeaderData().DestinationPort())
	id := ConnectionIdFromPacket(packet, r.rewriter.Rewrite(destination))
	if conn, ok := r.connections[id]; ok {
		return conn, nil
	}
	conn, err := r.createConnection(sel, id, packet)
	if err != nil {
		return nil, err
	}
	r.connections[id] = conn
	telemetry.IncFlowCreated(id.Protocol().String())
	telemetry.AddActiveFlows(1)
	return conn, nil
}

func (r *Router) createConnection(sel *Selector, id ConnectionId, packet *Ipv4Packet) (Connection, error) {
	switch id.Protocol() {
	case ProtocolIcmp:
		return NewIcmpConnection(sel, id, r.client, packet, r.settings)
	case ProtocolUdp:
		return NewUdpConnection(sel, id, r.client, packet, r.settings)
	case ProtocolTcp:
		return NewTcpConnection(sel, id, r.client, packet, r.settings)
	default:
		return nil, fmt.Errorf("unsupported protocol %s", id.Protocol())
	}
}

// FlowCount reports the number of live flows.
func (r *Router) FlowCount() int { return len(r.connections) }

// Remove forgets a connection that has already closed itself. The id may be
// gone already when a tunnel failure cleared the whole client mid-event;
// removing an unknown flow is a no-op so the count never double-decrements.
func (r *Router) Remove(conn Connection) {
	if _, ok := r.connections[conn.Id()]; !ok {
		return
	}
	delete(r.connections, conn.Id())
	telemetry.AddActiveFlows(-1)
	logger.Debug("Router: removed %s, %d flows active", conn.Id(), len(r.connections))
}

// Sweep closes and removes flows idle past their threshold. Expired ids are
// collected first so the map is never mutated mid-iteration.
func (r *Router) Sweep(sel *Selector, now time.Time) {
	var expired []Connection
	for _, conn := range r.connections {
		if conn.IsExpired(now) {
			expired = append(expired, conn)
		}
	}
	for _, conn := range expired {
		logger.Debug("Router: expiring idle %s", conn.Id())
		conn.Close(sel)
		delete(r.connections, conn.Id())
		telemetry.IncFlowExpired(conn.Id().Protocol().String())
		telemetry.AddActiveFlows(-1)
	}
}

// Clear tears down every flow. Used when the owning client disconnects.
func (r *Router) Clear(sel *Selector) {
	for id, conn := range r.connections {
		conn.Close(sel)
		delete(r.connections, id)
		telemetry.AddActiveFlows(-1)
	}
}
