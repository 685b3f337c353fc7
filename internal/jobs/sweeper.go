package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/logging"
)

const sweepBatchSize = 500

// UnanalyzedLister finds pageviews the deferred pass never reached
type UnanalyzedLister interface {
	ListUnanalyzed(ctx context.Context, since, until time.Time, limit int) ([]*database.Pageview, error)
}

// Sweeper catches up on pageviews whose queued job was lost, e.g. across a
// restart. Only pageviews older than the queue delay are considered, so it
// never races the queue on fresh events.
type Sweeper struct {
	store    UnanalyzedLister
	engine   Engine
	delay    time.Duration
	lookback time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewSweeper(store UnanalyzedLister, engine Engine, delay, lookback time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		engine:   engine,
		delay:    delay,
		lookback: lookback,
		now:      time.Now,
		log:      logging.With("jobs"),
	}
}

// Run analyzes overdue pageviews in batches until none are left
func (s *Sweeper) Run(ctx context.Context) (BatchReport, error) {
	var total BatchReport
	now := s.now()
	// grace for a job that is due but still running
	until := now.Add(-s.delay - time.Minute)
	since := now.Add(-s.lookback)
	var prevFirst, prevLast int64

	for {
		pageviews, err := s.store.ListUnanalyzed(ctx, since, until, sweepBatchSize)
		if err != nil {
			return total, err
		}
		if len(pageviews) == 0 {
			break
		}
		first, last := pageviews[0].ID, pageviews[len(pageviews)-1].ID
		// the same batch again means nothing in it was marked analyzed
		if first == prevFirst && last == prevLast {
			break
		}
		prevFirst, prevLast = first, last

		report, err := analyzeBatch(ctx, s.engine, pageviews, logSkipped(s.log))
		total.Analyzed += report.Analyzed
		total.Detections += report.Detections
		total.Blocks += report.Blocks
		total.Failed += report.Failed
		if err != nil {
			return total, err
		}
		if len(pageviews) < sweepBatchSize || report.Analyzed == 0 {
			break
		}
	}

	if total.Analyzed > 0 || total.Failed > 0 {
		s.log.Info().
			Int("analyzed", total.Analyzed).
			Int("detections", total.Detections).
			Int("blocks", total.Blocks).
			Int("failed", total.Failed).
			Msg("catch-up sweep finished")
	}
	return total, nil
}
