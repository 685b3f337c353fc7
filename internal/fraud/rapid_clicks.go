package fraud

import (
	"context"
	"fmt"
)

// RapidClicks flags an IP that produces many ad clicks in a short window
type RapidClicks struct {
	activity Activity
}

func NewRapidClicks(activity Activity) *RapidClicks {
	return &RapidClicks{activity: activity}
}

func (d *RapidClicks) Kind() SignalKind { return KindRapidClicks }
func (d *RapidClicks) Phase() Phase     { return PhaseRealtime }

func (d *RapidClicks) Applies(in Input) bool {
	return in.Config.RapidClicksEnabled && in.Event.HasAdClick()
}

func (d *RapidClicks) Detect(ctx context.Context, in Input) (*Finding, error) {
	cfg := in.Config
	since := in.Now.Add(-cfg.RapidClicksWindow())

	total, unique, err := d.activity.CountAdClicks(ctx, in.Event.TenantID, in.Event.IP, since)
	if err != nil {
		return nil, fmt.Errorf("count ad clicks: %w", err)
	}
	if total < cfg.RapidClicksCount {
		return nil, nil
	}

	logged, err := d.activity.HasSignalSince(ctx, in.Event.TenantID, in.Event.IP, KindRapidClicks, since)
	if err != nil {
		return nil, fmt.Errorf("check rapid_clicks signal: %w", err)
	}
	if logged {
		return nil, nil
	}

	return &Finding{
		Kind:   KindRapidClicks,
		Points: cfg.RapidClicksPoints,
		Reason: fmt.Sprintf("%d ad clicks from same IP within %ds", total, cfg.RapidClicksWindowSeconds),
		Evidence: RapidClicksEvidence{
			GCLIDCount:    total,
			UniqueGCLIDs:  unique,
			WindowSeconds: cfg.RapidClicksWindowSeconds,
			Threshold:     cfg.RapidClicksCount,
		},
		Guard: Guard{Scope: GuardWindow, Since: since},
	}, nil
}
