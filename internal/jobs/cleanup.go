package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/metrics"
)

// CleanupStore is the retention side of the database
type CleanupStore interface {
	PruneSignals(ctx context.Context, cutoff time.Time) (int64, error)
	DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int64, error)
	PruneTracking(ctx context.Context, cutoff time.Time) (int64, error)
}

type CleanupReport struct {
	Signals       int64 `json:"signals"`
	ExpiredBlocks int64 `json:"expired_blocks"`
	TrackingRows  int64 `json:"tracking_rows"`
}

// Cleanup enforces retention: signals older than the log retention go,
// expired blocks are deactivated and, when data retention is set, old
// tracking rows are deleted
type Cleanup struct {
	store             CleanupStore
	logRetentionDays  int
	dataRetentionDays int
	now               func() time.Time
	log               zerolog.Logger
}

func NewCleanup(store CleanupStore, logRetentionDays, dataRetentionDays int) *Cleanup {
	return &Cleanup{
		store:             store,
		logRetentionDays:  logRetentionDays,
		dataRetentionDays: dataRetentionDays,
		now:               time.Now,
		log:               logging.With("jobs"),
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func (c *Cleanup) Run(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	now := c.now()

	n, err := c.store.PruneSignals(ctx, now.Add(-days(c.logRetentionDays)))
	if err != nil {
		return report, fmt.Errorf("prune signals: %w", err)
	}
	report.Signals = n

	if n, err = c.store.DeactivateExpiredBlocks(ctx, now); err != nil {
		return report, fmt.Errorf("expire blocks: %w", err)
	}
	report.ExpiredBlocks = n

	if c.dataRetentionDays > 0 {
		if n, err = c.store.PruneTracking(ctx, now.Add(-days(c.dataRetentionDays))); err != nil {
			return report, fmt.Errorf("prune tracking data: %w", err)
		}
		report.TrackingRows = n
	}

	metrics.MaintenanceRows.WithLabelValues("signals").Add(float64(report.Signals))
	metrics.MaintenanceRows.WithLabelValues("expired_blocks").Add(float64(report.ExpiredBlocks))
	metrics.MaintenanceRows.WithLabelValues("tracking").Add(float64(report.TrackingRows))

	c.log.Info().
		Int64("signals", report.Signals).
		Int64("expired_blocks", report.ExpiredBlocks).
		Int64("tracking_rows", report.TrackingRows).
		Msg("cleanup finished")
	return report, nil
}
