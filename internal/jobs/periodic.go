package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/logging"
)

// Periodic runs a task immediately and then on every tick. Task errors are
// logged and the loop keeps going.
type Periodic struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
	log      zerolog.Logger
}

func NewPeriodic(name string, interval time.Duration, task func(ctx context.Context) error) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		log:      logging.With("jobs").With().Str("job", name).Logger(),
	}
}

func (p *Periodic) Serve(ctx context.Context) error {
	p.log.Info().Dur("interval", p.interval).Msg("starting periodic job")
	p.runOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			p.log.Info().Msg("stopping periodic job")
			return ctx.Err()
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	start := time.Now()
	if err := p.task(ctx); err != nil && ctx.Err() == nil {
		p.log.Error().Err(err).Msg("periodic job failed")
		return
	}
	p.log.Debug().Dur("took", time.Since(start)).Msg("periodic job finished")
}

func (p *Periodic) String() string {
	return p.name
}
