// Package jobs runs the background work around fraud scoring: the deferred
// analysis queue, the catch-up sweep, retention cleanup and periodic tasks.
package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/metrics"
)

// Engine is the part of the fraud engine background jobs drive
type Engine interface {
	AnalyzePageview(ctx context.Context, ev fraud.Event) (int, error)
	CheckAndBlock(ctx context.Context, tenantID int64, ip string) (*fraud.Block, error)
}

// BatchReport summarizes a bulk deferred analysis
type BatchReport struct {
	Analyzed int `json:"analyzed"`
	// Detections counts events that produced new signals
	Detections int `json:"detections"`
	// Blocks counts distinct (tenant, ip) pairs blocked after the pass
	Blocks int `json:"blocks"`
	// Failed counts pageviews and block checks skipped after an error
	Failed int `json:"failed,omitempty"`
}

type ipKey struct {
	tenantID int64
	ip       string
}

// AnalyzeBatch runs the deferred pass over pageviews, then checks each
// distinct (tenant, ip) once for blocking. It stops at the first error.
func AnalyzeBatch(ctx context.Context, engine Engine, pageviews []*database.Pageview) (BatchReport, error) {
	return analyzeBatch(ctx, engine, pageviews, nil)
}

// analyzeBatch stops at the first error when skip is nil. Otherwise each
// failure is handed to skip and the rest of the batch still runs.
func analyzeBatch(ctx context.Context, engine Engine, pageviews []*database.Pageview, skip func(error)) (BatchReport, error) {
	var report BatchReport
	seen := map[ipKey]bool{}
	order := []ipKey{}

	for _, pv := range pageviews {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		added, err := engine.AnalyzePageview(ctx, pv.Event())
		if err != nil {
			err = fmt.Errorf("analyze pageview %d: %w", pv.ID, err)
			if skip == nil {
				return report, err
			}
			skip(err)
			report.Failed++
			continue
		}
		report.Analyzed++
		if added > 0 {
			report.Detections++
		}

		k := ipKey{pv.TenantID, pv.IP}
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}

	for _, k := range order {
		block, err := engine.CheckAndBlock(ctx, k.tenantID, k.ip)
		if err != nil {
			err = fmt.Errorf("check block for %s: %w", k.ip, err)
			if skip == nil {
				return report, err
			}
			skip(err)
			report.Failed++
			continue
		}
		if block != nil {
			report.Blocks++
		}
	}
	return report, nil
}

// logSkipped returns a skip func that logs and counts each failure
func logSkipped(log zerolog.Logger) func(error) {
	return func(err error) {
		metrics.FraudCheckErrors.WithLabelValues("sweep").Inc()
		log.Warn().Err(err).Msg("skipping pageview in catch-up sweep")
	}
}
