package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yaat/clickshield/internal/fraud"
)

// FraudSettings resolves per-tenant scoring policy. Defaults are written
// the first time a tenant's policy is read.
type FraudSettings struct {
	db       *DB
	defaults fraud.Config
	now      func() time.Time
}

func NewFraudSettings(db *DB, defaults fraud.Config) *FraudSettings {
	return &FraudSettings{db: db, defaults: defaults, now: time.Now}
}

const fraudSettingsColumns = `block_threshold, score_window_hours, auto_block_enabled,
	rapid_clicks_enabled, rapid_clicks_points, rapid_clicks_count, rapid_clicks_window_seconds,
	bot_detection_enabled, bot_detection_points,
	low_engagement_enabled, low_engagement_points, low_engagement_min_time_seconds, low_engagement_min_scroll_depth,
	datacenter_ip_enabled, datacenter_ip_points`

func configArgs(c fraud.Config) []any {
	return []any{
		c.BlockThreshold, c.ScoreWindowHours, boolInt(c.AutoBlockEnabled),
		boolInt(c.RapidClicksEnabled), c.RapidClicksPoints, c.RapidClicksCount, c.RapidClicksWindowSeconds,
		boolInt(c.BotDetectionEnabled), c.BotDetectionPoints,
		boolInt(c.LowEngagementEnabled), c.LowEngagementPoints, c.LowEngagementMinTimeSeconds, c.LowEngagementMinScrollDepth,
		boolInt(c.DatacenterIPEnabled), c.DatacenterIPPoints,
	}
}

func scanConfig(row *sql.Row) (fraud.Config, error) {
	var c fraud.Config
	err := row.Scan(
		&c.BlockThreshold, &c.ScoreWindowHours, &c.AutoBlockEnabled,
		&c.RapidClicksEnabled, &c.RapidClicksPoints, &c.RapidClicksCount, &c.RapidClicksWindowSeconds,
		&c.BotDetectionEnabled, &c.BotDetectionPoints,
		&c.LowEngagementEnabled, &c.LowEngagementPoints, &c.LowEngagementMinTimeSeconds, &c.LowEngagementMinScrollDepth,
		&c.DatacenterIPEnabled, &c.DatacenterIPPoints,
	)
	return c, err
}

// GetOrDefault returns the stored policy, inserting the defaults first when
// the tenant has none. Concurrent first reads resolve to one row.
func (s *FraudSettings) GetOrDefault(ctx context.Context, tenantID int64) (fraud.Config, error) {
	now := ms(s.now())
	args := append([]any{tenantID}, configArgs(s.defaults)...)
	args = append(args, now, now)

	_, err := s.db.exec(ctx, `
		INSERT OR IGNORE INTO fraud_settings (tenant_id, `+fraudSettingsColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return fraud.Config{}, fmt.Errorf("materialise fraud settings: %w", err)
	}

	c, err := scanConfig(s.db.conn.QueryRowContext(ctx,
		"SELECT "+fraudSettingsColumns+" FROM fraud_settings WHERE tenant_id = ?", tenantID))
	if err != nil {
		return fraud.Config{}, fmt.Errorf("load fraud settings: %w", err)
	}
	return c, nil
}

// Update validates and stores a tenant's policy
func (s *FraudSettings) Update(ctx context.Context, tenantID int64, c fraud.Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := ms(s.now())
	args := append([]any{tenantID}, configArgs(c)...)
	args = append(args, now, now)

	_, err := s.db.exec(ctx, `
		INSERT INTO fraud_settings (tenant_id, `+fraudSettingsColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			block_threshold = excluded.block_threshold,
			score_window_hours = excluded.score_window_hours,
			auto_block_enabled = excluded.auto_block_enabled,
			rapid_clicks_enabled = excluded.rapid_clicks_enabled,
			rapid_clicks_points = excluded.rapid_clicks_points,
			rapid_clicks_count = excluded.rapid_clicks_count,
			rapid_clicks_window_seconds = excluded.rapid_clicks_window_seconds,
			bot_detection_enabled = excluded.bot_detection_enabled,
			bot_detection_points = excluded.bot_detection_points,
			low_engagement_enabled = excluded.low_engagement_enabled,
			low_engagement_points = excluded.low_engagement_points,
			low_engagement_min_time_seconds = excluded.low_engagement_min_time_seconds,
			low_engagement_min_scroll_depth = excluded.low_engagement_min_scroll_depth,
			datacenter_ip_enabled = excluded.datacenter_ip_enabled,
			datacenter_ip_points = excluded.datacenter_ip_points,
			updated_at = excluded.updated_at
	`, args...)
	if err != nil {
		return fmt.Errorf("update fraud settings: %w", err)
	}
	return nil
}
