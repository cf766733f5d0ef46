package server

import (
	"bufio"
	"context"
	"net"

	"linetap/internal/bus"
	"linetap/internal/wire"
	"linetap/pkg/logx"
)

// serve is the session writer: replay the history snapshot, say hello, then
// drain the live queue in FIFO order. Rows are buffered and flushed whenever
// the queue runs empty, so bursts coalesce into few syscalls without adding
// latency when the stream idles.
func (s *Service) serve(ctx context.Context, conn net.Conn, sess *bus.Session, snapshot []bus.Record) {
	defer func() {
		s.bus.Detach(sess)
		_ = conn.Close()
	}()

	log := s.log.With(
		logx.Uint64("session", sess.ID()),
		logx.String("remote", conn.RemoteAddr().String()))
	log.Info("client connected")

	w := bufio.NewWriter(conn)
	enc := wire.NewEncoder(s.cfg.Wire)
	var row []byte
	write := func(r bus.Record) error {
		row = enc.Append(row[:0], r)
		_, err := w.Write(row)
		return err
	}

	for _, r := range snapshot {
		if err := write(r); err != nil {
			log.Warn("client write failed during replay", logx.Err(err))
			return
		}
	}
	if len(snapshot) > 0 {
		if err := w.Flush(); err != nil {
			log.Warn("client write failed during replay", logx.Err(err))
			return
		}
	}

	if s.cfg.Hello {
		if err := write(s.bus.Announcement(bus.KindHello)); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}

	sess.MarkLive()

	for {
		// Fast exit so detach wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			s.logEviction(log, sess)
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			s.logEviction(log, sess)
			return
		case r, ok := <-sess.Records():
			if !ok {
				// Everything queued has been written. The EOF row is only
				// honest when the input actually ended, not on shutdown.
				if s.cfg.Announce && s.bus.CleanEOF() {
					_ = write(s.bus.Announcement(bus.KindEOF))
				}
				_ = w.Flush()
				log.Info("stream complete")
				return
			}
			if err := write(r); err != nil {
				log.Warn("client write failed", logx.Err(err))
				return
			}
			if len(sess.Records()) == 0 {
				if err := w.Flush(); err != nil {
					log.Warn("client flush failed", logx.Err(err))
					return
				}
			}
		}
	}
}

func (s *Service) logEviction(log logx.Logger, sess *bus.Session) {
	if sess.Kicked() {
		log.Warn("client evicted: too slow for the stream",
			logx.Uint64("overruns", sess.Overruns()))
		return
	}
	log.Debug("session closed")
}
