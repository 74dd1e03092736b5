package relay

import (
	"context"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fosrl/relay/logger"
)

const defaultSweepInterval = time.Second

// Relay is the single-threaded event loop tying the tunnel server, its
// clients and their flows to one Selector. Everything network-facing runs on
// the goroutine that calls Run; context cancellation is bridged into the
// loop through a self-pipe so shutdown wakes a blocked epoll_wait.
type Relay struct {
	listenAddr    netip.AddrPort
	settings      *Settings
	sweepInterval time.Duration
}

func NewRelay(listenAddr netip.AddrPort, settings *Settings, sweepInterval time.Duration) *Relay {
	if settings == nil {
		settings = DefaultSettings()
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &Relay{
		listenAddr:    listenAddr,
		settings:      settings,
		sweepInterval: sweepInterval,
	}
}

// Run serves until ctx is cancelled. It owns every socket it creates and
// tears all of them down before returning.
func (r *Relay) Run(ctx context.Context) error {
	sel, err := NewSelector()
	if err != nil {
		return err
	}
	defer sel.Close()

	server, err := NewTunnelServer(sel, r.listenAddr, r.settings)
	if err != nil {
		return err
	}
	defer server.Close(sel)

	stopFds, stop, err := r.armShutdown(ctx, sel)
	if err != nil {
		return err
	}
	defer func() {
		unix.Close(stopFds[0])
		unix.Close(stopFds[1])
	}()

	logger.Info("Relay: running")
	nextSweep := time.Now().Add(r.sweepInterval)
	for !*stop {
		timeout := time.Until(nextSweep)
		if timeout < 0 {
			timeout = 0
		}
		if err := sel.RunOnce(timeout); err != nil {
			return err
		}
		if now := time.Now(); !now.Before(nextSweep) {
			server.Sweep(sel, now)
			nextSweep = now.Add(r.sweepInterval)
		}
	}
	logger.Info("Relay: shutting down")
	return nil
}

// armShutdown registers a self-pipe whose read end trips the stop flag when
// ctx is cancelled. The write happens off-loop; everything else stays
// single-threaded.
func (r *Relay) armShutdown(ctx context.Context, sel *Selector) ([2]int, *bool, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fds, nil, err
	}
	stop := new(bool)
	_, err := sel.Register(fds[0], Readable, func(sel *Selector, ev Event) {
		*stop = true
	})
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return fds, nil, err
	}
	go func() {
		<-ctx.Done()
		unix.Write(fds[1], []byte{0})
	}()
	return fds, stop, nil
}
