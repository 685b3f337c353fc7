package fraud

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the per-tenant scoring policy. A tenant without a stored row
// gets the process defaults materialised on first access.
type Config struct {
	BlockThreshold   int  `json:"block_threshold" koanf:"block_threshold" validate:"min=1,max=1000"`
	ScoreWindowHours int  `json:"score_window_hours" koanf:"score_window_hours" validate:"min=1,max=720"`
	AutoBlockEnabled bool `json:"auto_block_enabled" koanf:"auto_block_enabled"`

	RapidClicksEnabled       bool `json:"rapid_clicks_enabled" koanf:"rapid_clicks_enabled"`
	RapidClicksPoints        int  `json:"rapid_clicks_points" koanf:"rapid_clicks_points" validate:"min=0,max=1000"`
	RapidClicksCount         int  `json:"rapid_clicks_count" koanf:"rapid_clicks_count" validate:"min=1,max=1000"`
	RapidClicksWindowSeconds int  `json:"rapid_clicks_window_seconds" koanf:"rapid_clicks_window_seconds" validate:"min=1,max=86400"`

	BotDetectionEnabled bool `json:"bot_detection_enabled" koanf:"bot_detection_enabled"`
	BotDetectionPoints  int  `json:"bot_detection_points" koanf:"bot_detection_points" validate:"min=0,max=1000"`

	LowEngagementEnabled        bool `json:"low_engagement_enabled" koanf:"low_engagement_enabled"`
	LowEngagementPoints         int  `json:"low_engagement_points" koanf:"low_engagement_points" validate:"min=0,max=1000"`
	LowEngagementMinTimeSeconds int  `json:"low_engagement_min_time_seconds" koanf:"low_engagement_min_time_seconds" validate:"min=0,max=3600"`
	LowEngagementMinScrollDepth int  `json:"low_engagement_min_scroll_depth" koanf:"low_engagement_min_scroll_depth" validate:"min=0,max=100"`

	DatacenterIPEnabled bool `json:"datacenter_ip_enabled" koanf:"datacenter_ip_enabled"`
	DatacenterIPPoints  int  `json:"datacenter_ip_points" koanf:"datacenter_ip_points" validate:"min=0,max=1000"`
}

// DefaultConfig returns the stock policy: block at 100 points within 24h
func DefaultConfig() Config {
	return Config{
		BlockThreshold:   100,
		ScoreWindowHours: 24,
		AutoBlockEnabled: true,

		RapidClicksEnabled:       true,
		RapidClicksPoints:        30,
		RapidClicksCount:         3,
		RapidClicksWindowSeconds: 60,

		BotDetectionEnabled: true,
		BotDetectionPoints:  50,

		LowEngagementEnabled:        true,
		LowEngagementPoints:         20,
		LowEngagementMinTimeSeconds: 2,
		LowEngagementMinScrollDepth: 1,

		DatacenterIPEnabled: true,
		DatacenterIPPoints:  40,
	}
}

// ScoreWindow is the trailing duration summed by Score
func (c Config) ScoreWindow() time.Duration {
	return time.Duration(c.ScoreWindowHours) * time.Hour
}

// RapidClicksWindow is the trailing duration counted by the rapid-click detector
func (c Config) RapidClicksWindow() time.Duration {
	return time.Duration(c.RapidClicksWindowSeconds) * time.Second
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the administrator-editable bounds
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid fraud config: %w", err)
	}
	return nil
}
