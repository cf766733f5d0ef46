package bus

import (
	"sync"
	"sync/atomic"
)

// State is the one-directional session lifecycle. Transitions only move
// forward; advance ignores attempts to go back.
type State int32

const (
	StateConnecting State = iota
	StateReplaying
	StateLive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the server-side state for one connected client.
//
// Its queue is a bounded single-producer/single-consumer channel: the bus
// (producer context) is the only sender, the session's writer goroutine the
// only receiver. The queue channel is closed by the bus on end-of-input;
// Done() is closed when the session is detached or evicted by policy.
type Session struct {
	id uint64
	q  chan Record

	state atomic.Int32

	// pending counts drops since the last Overrun announcement; overruns is
	// the lifetime total. Both are written only from the producer context.
	pending  atomic.Uint64
	overruns atomic.Uint64

	kicked   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

func newSession(id uint64, queueSize int) *Session {
	return &Session{
		id:   id,
		q:    make(chan Record, queueSize),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() uint64 { return s.id }

// Records is the delivery queue drained by the session's writer.
// It is closed by the bus when the input stream ends.
func (s *Session) Records() <-chan Record { return s.q }

// Done is closed when the session is detached or disconnected by policy.
// Delivery stops immediately; anything still queued may be abandoned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State { return State(s.state.Load()) }

// Overruns reports the lifetime number of records dropped for this session.
func (s *Session) Overruns() uint64 { return s.overruns.Load() }

// Kicked reports whether the disconnect-on-overrun policy evicted the session.
func (s *Session) Kicked() bool { return s.kicked.Load() }

// MarkLive records that history replay (if any) finished and the writer is
// now draining real-time submissions.
func (s *Session) MarkLive() { s.advance(StateLive) }

// advance moves the state forward, never backward.
func (s *Session) advance(to State) {
	for {
		cur := s.state.Load()
		if cur >= int32(to) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

func (s *Session) close() {
	s.advance(StateClosing)
	s.doneOnce.Do(func() { close(s.done) })
	s.advance(StateClosed)
}
