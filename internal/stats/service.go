// Package stats periodically logs bus counters so an operator can see
// fan-out health (overruns, disconnects, backpressure episodes) without
// attaching a client.
package stats

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"linetap/internal/bus"
	"linetap/pkg/logx"
)

type Service struct {
	schedule string
	bus      *bus.Bus
	log      logx.Logger

	c *cron.Cron
}

// New builds the reporter. schedule is a cron spec, including descriptors
// like "@every 30s"; empty disables reporting entirely.
func New(schedule string, b *bus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{schedule: schedule, bus: b, log: log}
}

func (s *Service) Start() error {
	if s.schedule == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.report); err != nil {
		return fmt.Errorf("stats schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Debug("stats reporter started", logx.String("schedule", s.schedule))
	return nil
}

func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

func (s *Service) report() {
	st := s.bus.Stats()
	s.log.Info("bus stats",
		logx.Int("sessions", st.Sessions),
		logx.Uint64("total_sessions", st.TotalSessions),
		logx.Uint64("submitted", st.Submitted),
		logx.Uint64("last_seq", st.LastSeq),
		logx.Uint64("dropped", st.Dropped),
		logx.Uint64("disconnected", st.Disconnected),
		logx.Uint64("backpressure_episodes", st.BackpressureEpisodes),
		logx.Int("history_len", st.HistoryLen))
}
