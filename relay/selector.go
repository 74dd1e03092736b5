package relay

import (
	"fmt"
	"time"

	"github.com/fosrl/relay/logger"
	"golang.org/x/sys/unix"
)

// Token identifies one socket registration with the Selector.
type Token uint64

// Readiness is the set of I/O directions a socket is ready for.
type Readiness uint8

const (
	Readable Readiness = 1 << 0
	Writable Readiness = 1 << 1
)

func (r Readiness) IsReadable() bool { return r&Readable != 0 }
func (r Readiness) IsWritable() bool { return r&Writable != 0 }

// IsEmpty reports an event carrying neither read nor write readiness, which
// epoll uses to signal error or hangup conditions.
func (r Readiness) IsEmpty() bool { return r == 0 }

// Event is one readiness notification delivered to a handler.
type Event struct {
	Token     Token
	Readiness Readiness
}

// Handler reacts to a readiness event. Handlers run synchronously on the
// event-loop thread, one at a time, to completion.
type Handler func(sel *Selector, ev Event)

// Selector wraps the epoll readiness facility. It is the single authority
// over readiness notification and owns the token-to-handler mapping; only
// the event-loop thread may touch it. Registrations are level-triggered:
// buffered-but-unwritable data keeps re-signalling writability.
type Selector struct {
	epollFd   int
	handlers  map[Token]Handler
	nextToken Token
	events    []unix.EpollEvent
}

// NewSelector opens the underlying epoll instance.
func NewSelector() (*Selector, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Selector{
		epollFd:  epollFd,
		handlers: make(map[Token]Handler),
		events:   make([]unix.EpollEvent, 64),
	}, nil
}

func epollEvents(interest Readiness) uint32 {
	var events uint32
	if interest.IsReadable() {
		events |= unix.EPOLLIN
	}
	if interest.IsWritable() {
		events |= unix.EPOLLOUT
	}
	return events
}

func readinessFromEpoll(events uint32) Readiness {
	var r Readiness
	if events&unix.EPOLLIN != 0 {
		r |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		r |= Writable
	}
	return r
}

func tokenToEpoll(token Token) (int32, int32) {
	return int32(uint32(token)), int32(uint32(token >> 32))
}

func tokenFromEpoll(ev *unix.EpollEvent) Token {
	return Token(uint32(ev.Fd)) | Token(uint32(ev.Pad))<<32
}

// Register adds fd with the given interest set and binds handler to the
// returned token.
func (s *Selector) Register(fd int, interest Readiness, handler Handler) (Token, error) {
	token := s.nextToken
	s.nextToken++
	low, high := tokenToEpoll(token)
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: low, Pad: high}
	if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	s.handlers[token] = handler
	return token, nil
}

// Reregister changes the interest set of an already-registered fd. Callers
// toggle write interest only on empty/non-empty buffer transitions to avoid
// needless wakeups.
func (s *Selector) Reregister(fd int, token Token, interest Readiness) error {
	low, high := tokenToEpoll(token)
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: low, Pad: high}
	if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Deregister removes fd from polling and forgets its handler. It must be
// called before the fd is closed, or the OS may recycle the descriptor while
// a stale token still references it.
func (s *Selector) Deregister(fd int, token Token) error {
	delete(s.handlers, token)
	if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// RunOnce blocks until at least one registered socket is ready or the
// timeout elapses, then invokes the handler of every ready token exactly
// once with the readiness bits observed. A negative timeout blocks
// indefinitely. Events whose token was deregistered earlier in the same
// batch are silently skipped.
func (s *Selector) RunOnce(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(s.epollFd, s.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		token := tokenFromEpoll(&s.events[i])
		handler, ok := s.handlers[token]
		if !ok {
			logger.Debug("Selector: dropping event for stale token %d", token)
			continue
		}
		handler(s, Event{Token: token, Readiness: readinessFromEpoll(s.events[i].Events)})
	}
	return nil
}

// Close releases the epoll instance.
func (s *Selector) Close() error {
	return unix.Close(s.epollFd)
}
