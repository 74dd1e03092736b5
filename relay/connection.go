package relay

import "time"

// Connection is one live flow mapped onto a real OS socket. A connection is
// either servicing events or permanently closed; closure is binary from the
// Router's point of view. The Router exclusively owns every Connection it
// holds, and all methods run on the event-loop thread.
type Connection interface {
	Id() ConnectionId

	// SendToNetwork forwards the payload of an inbound tunnel packet toward
	// the real socket, buffering it while the socket is not writable. A full
	// buffer drops the packet and leaves the flow open.
	SendToNetwork(sel *Selector, packet *Ipv4Packet)

	// Close deregisters the socket and releases it. Idempotent: a second
	// call (error path plus reaper sweep) is a no-op.
	Close(sel *Selector)

	IsClosed() bool

	// IsExpired reports whether the flow has been idle beyond its threshold.
	IsExpired(now time.Time) bool
}

// idleWatch tracks the last-activity timestamp of a flow against a fixed
// idle threshold.
type idleWatch struct {
	lastActivity time.Time
	threshold    time.Duration
}

func newIdleWatch(threshold time.Duration) idleWatch {
	return idleWatch{lastActivity: time.Now(), threshold: threshold}
}

func (w *idleWatch) Touch() {
	w.lastActivity = time.Now()
}

func (w *idleWatch) Expired(now time.Time) bool {
	return now.Sub(w.lastActivity) > w.threshold
}
