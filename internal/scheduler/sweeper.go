package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/service"
)

type Sweepable interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
}

// Sweeper runs the consistency sweep once at start and then every interval.
type Sweeper struct {
	target   Sweepable
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

func NewSweeper(target Sweepable, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		target:   target,
		interval: interval,
		timeout:  30 * time.Second,
		log:      logger.With().Str("component", "sweeper").Logger(),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rep, err := s.target.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("sweep failed")
		}
		return
	}
	if rep.Total() > 0 {
		s.log.Info().Int("repairs", rep.Total()).Msg("sweep finished")
	}
}
