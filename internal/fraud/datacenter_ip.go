package fraud

import (
	"context"
	"fmt"
)

// DatacenterIP flags traffic from hosting, VPN, proxy and Tor networks. It
// fires at most once per (tenant, ip) within the score window because the
// classification does not change between events.
type DatacenterIP struct {
	activity   Activity
	reputation ReputationLookup
}

func NewDatacenterIP(activity Activity, reputation ReputationLookup) *DatacenterIP {
	return &DatacenterIP{activity: activity, reputation: reputation}
}

func (d *DatacenterIP) Kind() SignalKind { return KindDatacenterIP }
func (d *DatacenterIP) Phase() Phase     { return PhaseDeferred }

func (d *DatacenterIP) Applies(in Input) bool {
	return in.Config.DatacenterIPEnabled && in.Event.IP != "" && d.reputation != nil
}

func (d *DatacenterIP) Detect(ctx context.Context, in Input) (*Finding, error) {
	since := in.Now.Add(-in.Config.ScoreWindow())

	// Checked before the lookup to spare the provider quota
	logged, err := d.activity.HasSignalSince(ctx, in.Event.TenantID, in.Event.IP, KindDatacenterIP, since)
	if err != nil {
		return nil, fmt.Errorf("check datacenter_ip signal: %w", err)
	}
	if logged {
		return nil, nil
	}

	c := d.reputation.Lookup(ctx, in.Event.IP)
	if !c.NonResidential() {
		return nil, nil
	}

	reason := "Non-residential IP detected: " + c.IPType
	if c.Provider != "" {
		reason += " (" + c.Provider + ")"
	}

	return &Finding{
		Kind:   KindDatacenterIP,
		Points: in.Config.DatacenterIPPoints,
		Reason: reason,
		Evidence: DatacenterEvidence{
			IPType:       c.IPType,
			Provider:     c.Provider,
			IsVPN:        c.IsVPN,
			IsProxy:      c.IsProxy,
			IsTor:        c.IsTor,
			IsDatacenter: c.IsDatacenter,
			Source:       c.Source,
		},
		Guard: Guard{Scope: GuardWindow, Since: since},
	}, nil
}
