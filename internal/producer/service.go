// Package producer runs the single input context: read a chunk, optionally
// tee it, split it into records and submit each one to the bus. It is the
// only goroutine that calls Bus.Submit.
package producer

import (
	"context"
	"errors"
	"io"
	"syscall"
	"time"

	"linetap/internal/bus"
	"linetap/pkg/logx"
)

type Config struct {
	// Separator is the record boundary byte (newline or NUL).
	Separator byte
	// MaxLineSize bounds the buffered partial record (forced split).
	MaxLineSize int
}

type Service struct {
	cfg   Config
	in    io.Reader
	bus   *bus.Bus
	split *Splitter
	log   logx.Logger

	// tee duplicates raw input, best-effort. A failed tee is disabled, it
	// never blocks or aborts bus delivery.
	tee       io.Writer
	teeFailed bool

	warnedNonblocking bool
}

func New(cfg Config, in io.Reader, tee io.Writer, b *bus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		in:    in,
		bus:   b,
		split: NewSplitter(cfg.Separator, cfg.MaxLineSize),
		log:   log,
		tee:   tee,
	}
}

// Run is the producer loop. It returns nil on clean end-of-input and the
// read error otherwise; either way the bus is closed and attached sessions
// keep draining what is already queued.
func (s *Service) Run(ctx context.Context) error {
	submit := func(payload []byte) error {
		return s.bus.Submit(ctx, payload)
	}

	buf := make([]byte, 32*1024)
	for {
		// The require-observer gate: with nobody attached, nothing is read,
		// so there is nothing to account as lost.
		if err := s.bus.WaitObserver(ctx); err != nil {
			s.finish(submit, false)
			return err
		}

		n, err := s.in.Read(buf)
		if n > 0 {
			s.teeWrite(buf[:n])
			if serr := s.split.Feed(buf[:n], submit); serr != nil {
				s.finish(submit, false)
				return serr
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if errors.Is(err, syscall.EAGAIN) {
			if !s.warnedNonblocking {
				s.log.Warn("input is in nonblocking mode; polling with a timer")
				s.warnedNonblocking = true
			}
			select {
			case <-ctx.Done():
				s.finish(submit, false)
				return ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}

		// A read failure still exhausts the input, so it counts as EOF for
		// the clients; only an external shutdown does not.
		s.finish(submit, true)
		if errors.Is(err, io.EOF) {
			s.log.Info("end of input")
			return nil
		}
		s.log.Error("input read failed", logx.Err(err))
		return err
	}
}

// finish flushes a buffered partial record and seals the bus. eof says
// whether the input genuinely ended; writers only announce EOF when it did.
func (s *Service) finish(submit func([]byte) error, eof bool) {
	if err := s.split.Flush(submit); err != nil {
		s.log.Warn("final partial record not delivered", logx.Err(err))
	}
	if eof {
		s.bus.Close()
	} else {
		s.bus.Abort()
	}
}

func (s *Service) teeWrite(p []byte) {
	if s.tee == nil || s.teeFailed {
		return
	}
	if _, err := s.tee.Write(p); err != nil {
		s.teeFailed = true
		s.log.Warn("tee write failed; tee disabled", logx.Err(err))
	}
}
