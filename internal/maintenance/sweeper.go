// Package maintenance runs the relay's one periodic housekeeping job: a
// cron-scheduled sweep of event buffers left behind when a tab detaches
// (or the extension reconnects) before any client ever binds its
// per-session socket to drain them.
package maintenance

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// BufferSweeper is the thing a sweep interval calls into. internal/hub.Hub
// satisfies this with its SweepStaleBuffers method.
type BufferSweeper interface {
	SweepStaleBuffers() int
}

// Sweeper schedules the stale-buffer sweep on a fixed interval.
type Sweeper struct {
	cron    *cron.Cron
	hub     BufferSweeper
	log     zerolog.Logger
	running bool
}

// defaultInterval matches the bounded-buffer depth's own order of
// magnitude: frequent enough that a leaked buffer never grows large,
// infrequent enough to not contend the hub's lock under normal load.
const defaultInterval = "@every 60s"

// New constructs a Sweeper. Call Start to begin running it.
func New(h BufferSweeper, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		cron: cron.New(),
		hub:  h,
		log:  log.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers the sweep job and starts the underlying cron engine.
// Safe to call more than once; subsequent calls are no-ops.
func (s *Sweeper) Start() error {
	if s.running {
		return nil
	}
	if _, err := s.cron.AddFunc(defaultInterval, s.sweep); err != nil {
		return fmt.Errorf("schedule buffer sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the cron engine, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}

func (s *Sweeper) sweep() {
	cleared := s.hub.SweepStaleBuffers()
	if cleared > 0 {
		s.log.Info().Int("sessions", cleared).Msg("cleared stale event buffers")
	}
}
