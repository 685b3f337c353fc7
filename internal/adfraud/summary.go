// Package adfraud reports on the fraud state of a tenant: what the
// detectors found, what is blocked and how each traffic source scores.
package adfraud

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yaat/clickshield/internal/fraud"
)

// KindCount is the signal tally of one detector
type KindCount struct {
	Kind     fraud.SignalKind `json:"signal_type"`
	Count    int64            `json:"count"`
	Points   int64            `json:"points"`
	Severity string           `json:"severity"` // low, medium, high
}

// IPScore is one row of the per-IP leaderboard
type IPScore struct {
	IP          string    `json:"ip_address"`
	Score       int       `json:"score"`
	SignalCount int       `json:"signal_count"`
	LastSeen    time.Time `json:"last_seen"`
	Blocked     bool      `json:"blocked"`
}

// Summary is the fraud overview of a tenant over a trailing window
type Summary struct {
	Hours               int         `json:"hours"`
	TotalPageviews      int64       `json:"total_pageviews"`
	AdClicks            int64       `json:"ad_clicks"`
	SuspiciousPageviews int64       `json:"suspicious_pageviews"`
	SuspiciousRate      float64     `json:"suspicious_rate"`
	Signals             []KindCount `json:"signals"`
	ActiveBlocks        int64       `json:"active_blocks"`
	UnsyncedBlocks      int64       `json:"unsynced_blocks"`
	TopIPs              []IPScore   `json:"top_ips"`
}

// Detector runs the reporting queries
type Detector struct {
	db  *sql.DB
	now func() time.Time
}

func NewDetector(db *sql.DB) *Detector {
	return &Detector{db: db, now: time.Now}
}

// Summary reports the last hours of activity for the tenant
func (d *Detector) Summary(ctx context.Context, tenantID int64, hours int) (*Summary, error) {
	now := d.now()
	cutoff := now.Add(-time.Duration(hours) * time.Hour).UnixMilli()
	s := &Summary{Hours: hours, Signals: []KindCount{}, TopIPs: []IPScore{}}

	err := d.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN gclid IS NOT NULL AND gclid != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(is_suspicious), 0)
		FROM pageviews
		WHERE tenant_id = ? AND created_at >= ?
	`, tenantID, cutoff).Scan(&s.TotalPageviews, &s.AdClicks, &s.SuspiciousPageviews)
	if err != nil {
		return nil, fmt.Errorf("count pageviews: %w", err)
	}
	if s.TotalPageviews > 0 {
		s.SuspiciousRate = float64(s.SuspiciousPageviews) / float64(s.TotalPageviews) * 100
	}

	if s.Signals, err = d.signalsByKind(ctx, tenantID, cutoff); err != nil {
		return nil, err
	}

	err = d.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN expires_at IS NULL OR expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced_to_google_ads = 0 AND (expires_at IS NULL OR expires_at > ?) THEN 1 ELSE 0 END), 0)
		FROM ip_blocks
		WHERE tenant_id = ? AND is_active = 1
	`, now.UnixMilli(), now.UnixMilli(), tenantID).Scan(&s.ActiveBlocks, &s.UnsyncedBlocks)
	if err != nil {
		return nil, fmt.Errorf("count blocks: %w", err)
	}

	if s.TopIPs, err = d.topIPs(ctx, tenantID, cutoff, 10); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Detector) signalsByKind(ctx context.Context, tenantID, cutoff int64) ([]KindCount, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT signal_type, COUNT(*), SUM(score_points)
		FROM fraud_signals
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY signal_type
	`, tenantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("count signals: %w", err)
	}
	defer rows.Close()

	found := map[fraud.SignalKind]KindCount{}
	for rows.Next() {
		var kind string
		var c KindCount
		if err := rows.Scan(&kind, &c.Count, &c.Points); err != nil {
			return nil, err
		}
		c.Kind = fraud.SignalKind(kind)
		found[c.Kind] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// every kind is reported, in display order, even with no signals
	out := make([]KindCount, 0, len(fraud.Kinds))
	for _, kind := range fraud.Kinds {
		c := found[kind]
		c.Kind = kind
		c.Severity = severity(c.Count)
		out = append(out, c)
	}
	return out, nil
}

func severity(count int64) string {
	switch {
	case count >= 100:
		return "high"
	case count >= 10:
		return "medium"
	default:
		return "low"
	}
}

func (d *Detector) topIPs(ctx context.Context, tenantID, cutoff int64, limit int) ([]IPScore, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT s.ip_address, SUM(s.score_points), COUNT(*), MAX(s.created_at),
			EXISTS (
				SELECT 1 FROM ip_blocks b
				WHERE b.tenant_id = s.tenant_id AND b.ip_address = s.ip_address AND b.is_active = 1
			)
		FROM fraud_signals s
		WHERE s.tenant_id = ? AND s.created_at >= ?
		GROUP BY s.ip_address
		ORDER BY SUM(s.score_points) DESC, s.ip_address
		LIMIT ?
	`, tenantID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("rank ips: %w", err)
	}
	defer rows.Close()

	out := []IPScore{}
	for rows.Next() {
		var r IPScore
		var last int64
		if err := rows.Scan(&r.IP, &r.Score, &r.SignalCount, &last, &r.Blocked); err != nil {
			return nil, err
		}
		r.LastSeen = time.UnixMilli(last)
		out = append(out, r)
	}
	return out, rows.Err()
}
