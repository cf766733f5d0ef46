// Package server accepts client connections and runs one writer goroutine
// per session. A slow or broken client only ever affects its own session;
// cross-session coupling happens solely inside the bus under the
// backpressure policy.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"linetap/internal/bus"
	"linetap/internal/wire"
	"linetap/pkg/logx"
)

type Config struct {
	// Wire controls per-record rendering for every client.
	Wire wire.Config
	// Hello sends one hello announcement per connection, after history replay.
	Hello bool
	// Announce mirrors the bus flag; writers render the EOF row when set.
	Announce bool
	// DrainGrace bounds how long writers may keep draining after the accept
	// loop stops.
	DrainGrace time.Duration
}

type Service struct {
	cfg Config
	ln  net.Listener
	bus *bus.Bus
	log logx.Logger

	wg sync.WaitGroup
}

func New(cfg Config, ln net.Listener, b *bus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, ln: ln, bus: b, log: log}
}

// Run accepts connections until ctx is canceled or the bus closes, then
// waits up to DrainGrace for the session writers to finish draining.
func (s *Service) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	s.log.Info("listening", logx.String("addr", s.ln.Addr().String()))

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", logx.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		sess, snapshot, err := s.bus.Attach()
		if err != nil {
			// Input is done; nothing will ever be delivered to this client.
			_ = conn.Close()
			if errors.Is(err, bus.ErrClosed) {
				break
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, conn, sess, snapshot)
		}()
	}

	_ = s.ln.Close()
	return s.drain()
}

// drain waits for the remaining writers, bounded by DrainGrace once the
// input has ended so a wedged client can't hold up shutdown forever.
func (s *Service) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.cfg.DrainGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		s.log.Warn("drain grace expired; abandoning remaining writers",
			logx.Duration("grace", grace))
		return nil
	}
}
