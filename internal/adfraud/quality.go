package adfraud

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SourceQuality is the traffic quality of one UTM source/medium/campaign
type SourceQuality struct {
	UTMSource      string  `json:"utm_source"`
	UTMMedium      string  `json:"utm_medium"`
	UTMCampaign    string  `json:"utm_campaign"`
	Pageviews      int64   `json:"pageviews"`
	Visitors       int64   `json:"visitors"`
	Suspicious     int64   `json:"suspicious"`
	SuspiciousRate float64 `json:"suspicious_rate"`
	AvgFraudScore  float64 `json:"avg_fraud_score"`
	AvgTimeOnPage  float64 `json:"avg_time_on_page_seconds"`
	QualityScore   int     `json:"quality_score"` // 0-100, higher is better
}

// minSourcePageviews keeps tiny sources out of the ranking
const minSourcePageviews = 10

// SourceQuality ranks the tenant's traffic sources over the last days
func (d *Detector) SourceQuality(ctx context.Context, tenantID int64, days int) ([]SourceQuality, error) {
	cutoff := d.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	rows, err := d.db.QueryContext(ctx, `
		SELECT
			CASE WHEN p.utm_source = '' THEN '(direct)' ELSE p.utm_source END,
			CASE WHEN p.utm_medium = '' THEN '(none)' ELSE p.utm_medium END,
			CASE WHEN p.utm_campaign = '' THEN '(none)' ELSE p.utm_campaign END,
			COUNT(*) AS pageviews,
			COUNT(DISTINCT p.visitor_id),
			SUM(p.is_suspicious),
			AVG(p.fraud_score),
			AVG(e.time_on_page)
		FROM pageviews p
		LEFT JOIN (
			SELECT pageview_id, MAX(time_on_page) AS time_on_page
			FROM engagements
			WHERE pageview_id IS NOT NULL
			GROUP BY pageview_id
		) e ON e.pageview_id = p.id
		WHERE p.tenant_id = ? AND p.created_at >= ?
		GROUP BY 1, 2, 3
		HAVING pageviews >= ?
		ORDER BY pageviews DESC
		LIMIT 50
	`, tenantID, cutoff, minSourcePageviews)
	if err != nil {
		return nil, fmt.Errorf("source quality: %w", err)
	}
	defer rows.Close()

	results := []SourceQuality{}
	for rows.Next() {
		var sq SourceQuality
		var avgTime sql.NullFloat64
		err := rows.Scan(&sq.UTMSource, &sq.UTMMedium, &sq.UTMCampaign,
			&sq.Pageviews, &sq.Visitors, &sq.Suspicious, &sq.AvgFraudScore, &avgTime)
		if err != nil {
			return nil, err
		}
		if avgTime.Valid {
			sq.AvgTimeOnPage = avgTime.Float64
		}
		if sq.Pageviews > 0 {
			sq.SuspiciousRate = float64(sq.Suspicious) / float64(sq.Pageviews) * 100
		}
		sq.QualityScore = qualityScore(sq)
		results = append(results, sq)
	}
	return results, rows.Err()
}

// qualityScore starts at 100 and loses points for suspicious traffic, high
// fraud scores and short visits
func qualityScore(sq SourceQuality) int {
	score := 100.0

	score -= sq.SuspiciousRate * 0.5

	if sq.AvgFraudScore > 20 {
		score -= (sq.AvgFraudScore - 20) * 0.3
	}

	if sq.AvgTimeOnPage > 30 {
		score += 5
	} else if sq.AvgTimeOnPage < 5 {
		score -= 10
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}
