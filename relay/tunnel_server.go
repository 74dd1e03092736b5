package relay

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fosrl/relay/internal/telemetry"
	"github.com/fosrl/relay/logger"
)

// TunnelServer accepts tunnel connections and owns the resulting clients.
// Each accepted socket becomes an independent Client with its own router.
type TunnelServer struct {
	fd           int
	token        Token
	settings     *Settings
	clients      map[uint64]*Client
	nextClientId uint64
}

// NewTunnelServer binds the listening socket and registers it. Accepting
// happens on the event loop like everything else.
func NewTunnelServer(sel *Selector, addr netip.AddrPort, settings *Settings) (*TunnelServer, error) {
	fd, err := listenTcp(addr)
	if err != nil {
		return nil, err
	}
	s := &TunnelServer{
		fd:       fd,
		settings: settings,
		clients:  make(map[uint64]*Client),
	}
	token, err := sel.Register(fd, Readable, s.onReady)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.token = token
	logger.Info("TunnelServer: listening on %s", addr)
	return s, nil
}

// onReady drains the accept backlog. A failed accept is logged and the
// server keeps listening; only the faulty connection is lost.
func (s *TunnelServer) onReady(sel *Selector, ev Event) {
	for {
		connFd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if !wouldBlock(err) {
				logger.Error("TunnelServer: accept failed: %v", err)
			}
			return
		}
		s.acceptClient(sel, connFd)
	}
}

func (s *TunnelServer) acceptClient(sel *Selector, connFd int) {
	id := s.nextClientId
	s.nextClientId++
	client, err := NewClient(sel, id, connFd, s.settings, s.removeClient)
	if err != nil {
		logger.Error("TunnelServer: rejecting client %d: %v", id, err)
		unix.Close(connFd)
		return
	}
	s.clients[id] = client
	telemetry.AddActiveClients(1)
}

// removeClient runs from Client.Close.
func (s *TunnelServer) removeClient(c *Client) {
	if _, ok := s.clients[c.Id()]; !ok {
		return
	}
	delete(s.clients, c.Id())
	telemetry.AddActiveClients(-1)
}

// Sweep expires idle flows across every client.
func (s *TunnelServer) Sweep(sel *Selector, now time.Time) {
	for _, client := range s.clients {
		client.Sweep(sel, now)
	}
}

// ClientCount reports the number of connected clients.
func (s *TunnelServer) ClientCount() int {
	return len(s.clients)
}

// Close stops listening and disconnects every client.
func (s *TunnelServer) Close(sel *Selector) {
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	for _, client := range clients {
		client.Close(sel)
	}
	if err := sel.Deregister(s.fd, s.token); err != nil {
		logger.Warn("TunnelServer: deregister failed: %v", err)
	}
	if err := unix.Close(s.fd); err != nil {
		logger.Warn("TunnelServer: close failed: %v", err)
	}
	logger.Info("TunnelServer: closed")
}
