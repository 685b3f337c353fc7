package fraud

import (
	"context"
	"fmt"
)

// LowEngagement flags ad clicks that bounced without reading, scrolling or
// clicking. Every metric must indicate disengagement for it to fire.
type LowEngagement struct {
	activity Activity
}

func NewLowEngagement(activity Activity) *LowEngagement {
	return &LowEngagement{activity: activity}
}

func (d *LowEngagement) Kind() SignalKind { return KindLowEngagement }
func (d *LowEngagement) Phase() Phase     { return PhaseDeferred }

func (d *LowEngagement) Applies(in Input) bool {
	return in.Config.LowEngagementEnabled && in.Event.HasAdClick()
}

func (d *LowEngagement) Detect(ctx context.Context, in Input) (*Finding, error) {
	cfg := in.Config

	eng, err := d.activity.EngagementFor(ctx, in.Event.ID)
	if err != nil {
		return nil, fmt.Errorf("load engagement: %w", err)
	}

	if eng.TimeOnPage >= cfg.LowEngagementMinTimeSeconds ||
		eng.ScrollDepth >= cfg.LowEngagementMinScrollDepth ||
		eng.Clicks > 0 {
		return nil, nil
	}

	logged, err := d.activity.HasEventSignal(ctx, in.Event.ID, KindLowEngagement)
	if err != nil {
		return nil, fmt.Errorf("check low_engagement signal: %w", err)
	}
	if logged {
		return nil, nil
	}

	return &Finding{
		Kind:   KindLowEngagement,
		Points: cfg.LowEngagementPoints,
		Reason: fmt.Sprintf("Ad click with no engagement: %ds on page, %d%% scroll, %d clicks",
			eng.TimeOnPage, eng.ScrollDepth, eng.Clicks),
		Evidence: LowEngagementEvidence{
			TimeOnPage:         eng.TimeOnPage,
			ScrollDepth:        eng.ScrollDepth,
			ClicksCount:        eng.Clicks,
			GCLID:              in.Event.GCLID,
			MinTimeThreshold:   cfg.LowEngagementMinTimeSeconds,
			MinScrollThreshold: cfg.LowEngagementMinScrollDepth,
		},
		Guard: Guard{Scope: GuardEvent},
	}, nil
}
