package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"linetap/pkg/logx"
)

// ErrClosed is returned by Attach and Submit after the input stream ended.
var ErrClosed = errors.New("bus closed")

type Config struct {
	// QueueSize is the per-session queue capacity Q.
	QueueSize int
	Policy    Policy
	// Announce enables synthetic records: Overrun counts under drop policy,
	// the backpressure marker, and the EOF marker.
	Announce bool
	// History is the replay buffer capacity N. 0 disables replay.
	History int
	// RequireObserver stalls the producer while no session is attached.
	RequireObserver bool
}

func (c Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.Policy == PolicyBackpressure && c.QueueSize < 2 {
		return errors.New("backpressure policy requires queue size at least 2")
	}
	if c.History < 0 {
		return fmt.Errorf("history size must not be negative, got %d", c.History)
	}
	return nil
}

// Bus is the process-wide broadcast coordinator. One explicit instance is
// shared by the producer and the transport accept loop; there is no global.
//
// Locking: the mutex serializes Submit against Attach/Detach and guards the
// session set, the sequencer and the history ring. Under the backpressure
// policy Submit waits for queue room with the mutex released.
type Bus struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	seq      sequencer
	sessions map[uint64]*Session
	nextID   uint64
	history  *historyRing
	attachCh chan struct{}
	closed   bool
	cleanEOF bool
	// bpActive is true while a backpressure episode is in progress, i.e.
	// since a Submit first blocked and until one passes without blocking.
	bpActive bool

	// warn throttles per-drop logging so a stuck client can't flood stderr.
	warn *rate.Limiter

	submitted     atomic.Uint64
	dropped       atomic.Uint64
	disconnected  atomic.Uint64
	bpEpisodes    atomic.Uint64
	totalSessions atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bus{
		cfg:      cfg,
		log:      log,
		seq:      sequencer{start: time.Now()},
		sessions: make(map[uint64]*Session),
		attachCh: make(chan struct{}),
		warn:     rate.NewLimiter(rate.Every(time.Second), 5),
	}
	if cfg.History > 0 {
		b.history = newHistoryRing(cfg.History)
	}
	return b, nil
}

// Elapsed is the monotonic time since bus construction, the timebase for
// every record timestamp.
func (b *Bus) Elapsed() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq.elapsed()
}

// Announcement builds a synthetic record stamped with the current elapsed
// time. Used by session writers for hello and EOF rows, which never travel
// through the queue.
func (b *Bus) Announcement(kind Kind) Record {
	return Record{Kind: kind, Elapsed: b.Elapsed()}
}

// Attach registers a new session and, when history is enabled, returns an
// atomic snapshot of the replay buffer. Snapshot and registration happen
// under one critical section, so the queue receives exactly the records
// submitted after the snapshot: no gap, no duplicate.
func (b *Bus) Attach() (*Session, []Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}

	b.nextID++
	s := newSession(b.nextID, b.cfg.QueueSize)

	var snap []Record
	if b.history != nil {
		snap = b.history.snapshot()
		s.advance(StateReplaying)
	}
	b.sessions[s.id] = s
	b.totalSessions.Add(1)

	// Wake a producer parked on the require-observer gate.
	close(b.attachCh)
	b.attachCh = make(chan struct{})

	b.log.Debug("session attached",
		logx.Uint64("session", s.id),
		logx.Int("history", len(snap)),
		logx.Int("sessions", len(b.sessions)))
	return s, snap, nil
}

// Detach removes the session and halts further delivery to it. Safe to call
// at any time and more than once.
func (b *Bus) Detach(s *Session) {
	if s == nil {
		return
	}
	b.mu.Lock()
	_, attached := b.sessions[s.id]
	delete(b.sessions, s.id)
	n := len(b.sessions)
	b.mu.Unlock()

	s.close()
	if attached {
		b.log.Debug("session detached",
			logx.Uint64("session", s.id),
			logx.Uint64("overruns", s.Overruns()),
			logx.Int("sessions", n))
	}
}

// ShouldRead reports whether the producer may read more input. It is false
// only when require-observer is set and nobody is attached.
func (b *Bus) ShouldRead() bool {
	if !b.cfg.RequireObserver {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed || len(b.sessions) > 0
}

// WaitObserver blocks until ShouldRead is true or ctx is canceled. The
// producer calls it before every read, so with require-observer set and no
// sessions attached nothing is ever read and nothing needs loss accounting.
func (b *Bus) WaitObserver(ctx context.Context) error {
	for {
		b.mu.Lock()
		ready := !b.cfg.RequireObserver || b.closed || len(b.sessions) > 0
		ch := b.attachCh
		b.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Submit stamps the payload with the next sequence number, appends it to the
// history ring and offers it to every attached session under the active
// overflow policy. The payload must not be modified afterwards.
//
// Only the backpressure policy can block; ctx bounds that wait.
func (b *Bus) Submit(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	rec := b.seq.stamp(payload)
	if b.history != nil {
		b.history.append(rec)
	}
	b.submitted.Add(1)

	if b.cfg.Policy == PolicyBackpressure {
		return b.deliverBlocking(ctx, rec) // unlocks b.mu itself
	}

	for _, s := range b.sessions {
		if !b.deliver(s, rec) {
			// disconnect-on-overrun: evict immediately, no announcement.
			delete(b.sessions, s.id)
			b.disconnected.Add(1)
			s.kicked.Store(true)
			s.close()
			b.log.Warn("session disconnected: queue overrun",
				logx.Uint64("session", s.id),
				logx.Uint64("seq", rec.Seq))
		}
	}
	b.mu.Unlock()
	return nil
}

// deliver enqueues rec for one session under the drop or disconnect policy.
// It reports false when the session must be evicted (disconnect policy only).
func (b *Bus) deliver(s *Session, rec Record) bool {
	// A pending overrun announcement goes in front of fresh data. If its slot
	// is full the announcement is deferred to the next successful enqueue;
	// nothing is ever spliced mid-queue.
	if b.cfg.Announce && b.cfg.Policy == PolicyDrop {
		if n := s.pending.Load(); n > 0 {
			ann := Record{Kind: KindOverrun, Elapsed: b.seq.elapsed(), Overruns: n}
			select {
			case s.q <- ann:
				s.pending.Store(0)
			default:
			}
		}
	}

	select {
	case s.q <- rec:
		return true
	default:
	}

	if b.cfg.Policy == PolicyDisconnect {
		return false
	}

	// Drop policy: evict the oldest queued record to bound latency, then
	// retry. The producer is the only sender, so room is guaranteed after a
	// successful eviction.
	evicted := false
	var old Record
	select {
	case old = <-s.q:
		evicted = true
	default:
		// The writer drained the queue in the meantime; nothing was lost.
	}
	select {
	case s.q <- rec:
	default:
	}
	if evicted {
		if old.Kind == KindOverrun {
			// The displaced row was itself an overrun announcement: no data
			// was lost here, but its count must survive until the next
			// announcement or the client would under-report its gap.
			s.pending.Add(old.Overruns)
			return true
		}
		s.pending.Add(1)
		s.overruns.Add(1)
		b.dropped.Add(1)
		if b.warn.Allow() {
			b.log.Warn("record dropped: queue full",
				logx.Uint64("session", s.id),
				logx.Uint64("seq", rec.Seq),
				logx.Uint64("overruns", s.overruns.Load()))
		}
	}
	return true
}

// deliverBlocking implements the backpressure policy: Submit returns only
// once every attached session accepted the record. Called with b.mu held;
// releases it before waiting so attach/detach stay possible.
func (b *Bus) deliverBlocking(ctx context.Context, rec Record) error {
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}

	blocked := false
	for _, s := range sessions {
		if len(s.q) == cap(s.q) {
			blocked = true
			break
		}
	}
	if blocked && !b.bpActive {
		// A new blocking episode begins. Announce it once, to every session
		// that still has room; per-record markers would flood slow clients.
		b.bpActive = true
		b.bpEpisodes.Add(1)
		if b.cfg.Announce {
			marker := Record{Kind: KindBackpressure, Elapsed: b.seq.elapsed()}
			for _, s := range sessions {
				select {
				case s.q <- marker:
				default:
				}
			}
		}
		b.log.Debug("backpressure applied", logx.Uint64("seq", rec.Seq))
	} else if !blocked {
		b.bpActive = false
	}
	b.mu.Unlock()

	for _, s := range sessions {
		select {
		case s.q <- rec:
		case <-s.Done():
			// Detached while we waited; skip it.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close marks a clean end of input. Attached sessions keep draining whatever
// is queued; their writers emit the EOF announcement after the queue closes.
// Further Submit and Attach calls fail with ErrClosed.
func (b *Bus) Close() { b.seal(true) }

// Abort seals the bus without marking a clean end of input: the process is
// shutting down, not out of data, so writers skip the EOF row.
func (b *Bus) Abort() { b.seal(false) }

// CleanEOF reports whether the input stream actually ended, as opposed to
// the bus being sealed by a shutdown.
func (b *Bus) CleanEOF() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && b.cleanEOF
}

func (b *Bus) seal(clean bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cleanEOF = clean
	for _, s := range b.sessions {
		// Safe: the bus is the only sender and Submit is rejected from now on.
		close(s.q)
	}
	// Release any producer parked on the require-observer gate.
	close(b.attachCh)
	b.attachCh = make(chan struct{})
	b.log.Info("bus closed",
		logx.Bool("eof", clean),
		logx.Uint64("records", b.submitted.Load()),
		logx.Int("sessions", len(b.sessions)))
}

// Stats is a point-in-time counter snapshot, used by the periodic reporter.
type Stats struct {
	Sessions             int    `json:"sessions"`
	TotalSessions        uint64 `json:"total_sessions"`
	Submitted            uint64 `json:"submitted"`
	LastSeq              uint64 `json:"last_seq"`
	Dropped              uint64 `json:"dropped"`
	Disconnected         uint64 `json:"disconnected"`
	BackpressureEpisodes uint64 `json:"backpressure_episodes"`
	HistoryLen           int    `json:"history_len"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	sessions := len(b.sessions)
	lastSeq := b.seq.seq
	historyLen := 0
	if b.history != nil {
		historyLen = b.history.len()
	}
	b.mu.Unlock()

	return Stats{
		Sessions:             sessions,
		TotalSessions:        b.totalSessions.Load(),
		Submitted:            b.submitted.Load(),
		LastSeq:              lastSeq,
		Dropped:              b.dropped.Load(),
		Disconnected:         b.disconnected.Load(),
		BackpressureEpisodes: b.bpEpisodes.Load(),
		HistoryLen:           historyLen,
	}
}
