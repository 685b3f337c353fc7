// Package fraud scores tracking events for ad fraud and blocks abusive IPs.
//
// The score of a (tenant, ip) pair is always recomputed as the sum of
// signal points inside the tenant's score window, so it ages out on its
// own and never drifts from the signal log.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/bot"
	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/metrics"
)

// Options configure an Engine
type Options struct {
	// Enabled is the process-wide master switch for detection. Block
	// decisions and score queries work regardless.
	Enabled    bool
	Matcher    *bot.Matcher
	Reputation ReputationLookup
	Notifier   Notifier
	Now        func() time.Time
}

// Engine runs detectors, persists their signals and makes block decisions
type Engine struct {
	store    Store
	configs  ConfigRepository
	notifier Notifier
	enabled  bool
	now      func() time.Time
	log      zerolog.Logger

	realtime []Detector
	deferred []Detector
}

// NewEngine creates an engine with the four standard detectors registered
func NewEngine(store Store, configs ConfigRepository, opts Options) *Engine {
	e := &Engine{
		store:    store,
		configs:  configs,
		notifier: opts.Notifier,
		enabled:  opts.Enabled,
		now:      opts.Now,
		log:      logging.With("fraud"),
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.now == nil {
		e.now = time.Now
	}

	e.Register(NewBotHeuristics(opts.Matcher))
	e.Register(NewRapidClicks(store))
	e.Register(NewLowEngagement(store))
	e.Register(NewDatacenterIP(store, opts.Reputation))
	return e
}

// Register adds a detector to its phase. Detectors run in registration order.
func (e *Engine) Register(d Detector) {
	if d.Phase() == PhaseRealtime {
		e.realtime = append(e.realtime, d)
	} else {
		e.deferred = append(e.deferred, d)
	}
}

// Enabled reports the master switch
func (e *Engine) Enabled() bool {
	return e.enabled
}

// PerformRealtimeCheck runs the inline detectors for a freshly stored event.
// bundle is the client signal bundle sent with the request, if any.
func (e *Engine) PerformRealtimeCheck(ctx context.Context, ev Event, bundle *ClientSignals) (RealtimeResult, error) {
	result := RealtimeResult{Signals: []Signal{}}
	if !e.enabled {
		return result, nil
	}

	cfg, err := e.configs.GetOrDefault(ctx, ev.TenantID)
	if err != nil {
		return result, fmt.Errorf("load fraud config: %w", err)
	}

	signals, err := e.run(ctx, e.realtime, Input{Config: cfg, Event: ev, Bundle: bundle, Now: e.now()})
	for _, s := range signals {
		result.FraudScore += s.Points
	}
	result.Signals = signals
	result.IsSuspicious = result.FraudScore > 0
	return result, err
}

// AnalyzePageview runs the deferred detectors and writes the current IP
// score back onto the event. It returns the points newly recorded.
func (e *Engine) AnalyzePageview(ctx context.Context, ev Event) (int, error) {
	if !e.enabled {
		return 0, nil
	}

	cfg, err := e.configs.GetOrDefault(ctx, ev.TenantID)
	if err != nil {
		return 0, fmt.Errorf("load fraud config: %w", err)
	}

	now := e.now()
	signals, err := e.run(ctx, e.deferred, Input{Config: cfg, Event: ev, Bundle: ev.BotSignals, Now: now})
	if err != nil {
		return 0, err
	}

	added := 0
	for _, s := range signals {
		added += s.Points
	}

	score, err := e.store.SumPoints(ctx, ev.TenantID, ev.IP, now.Add(-cfg.ScoreWindow()))
	if err != nil {
		return added, fmt.Errorf("compute score: %w", err)
	}
	if err := e.store.SaveEventScore(ctx, ev.ID, score, score > 0, now); err != nil {
		return added, fmt.Errorf("save event score: %w", err)
	}

	return added, nil
}

func (e *Engine) run(ctx context.Context, detectors []Detector, in Input) ([]Signal, error) {
	signals := []Signal{}
	for _, d := range detectors {
		if !d.Applies(in) {
			continue
		}

		f, err := d.Detect(ctx, in)
		if err != nil {
			return signals, fmt.Errorf("%s detector: %w", d.Kind(), err)
		}
		if f == nil {
			continue
		}

		s := Signal{
			TenantID:  in.Event.TenantID,
			VisitorID: in.Event.VisitorID,
			EventID:   in.Event.ID,
			IP:        in.Event.IP,
			Kind:      f.Kind,
			Points:    f.Points,
			Reason:    f.Reason,
			Evidence:  f.Evidence,
			GCLID:     in.Event.GCLID,
			CreatedAt: in.Now,
		}
		inserted, err := e.store.AppendSignal(ctx, &s, f.Guard)
		if err != nil {
			return signals, fmt.Errorf("record %s signal: %w", f.Kind, err)
		}
		if !inserted {
			continue
		}

		metrics.FraudSignals.WithLabelValues(string(f.Kind)).Inc()
		e.log.Debug().
			Int64("tenant", s.TenantID).
			Str("ip", s.IP).
			Str("kind", string(s.Kind)).
			Int("points", s.Points).
			Msg(s.Reason)
		signals = append(signals, s)
	}
	return signals, nil
}

// Score sums signal points for (tenant, ip) inside the tenant's score window
func (e *Engine) Score(ctx context.Context, tenantID int64, ip string) (int, error) {
	cfg, err := e.configs.GetOrDefault(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("load fraud config: %w", err)
	}
	return e.store.SumPoints(ctx, tenantID, ip, e.now().Add(-cfg.ScoreWindow()))
}

// CheckAndBlock blocks ip when auto-block is on and its score reaches the
// tenant threshold. An existing row is updated and reactivated in place.
// It returns nil when no block applies.
func (e *Engine) CheckAndBlock(ctx context.Context, tenantID int64, ip string) (*Block, error) {
	cfg, err := e.configs.GetOrDefault(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load fraud config: %w", err)
	}
	if !cfg.AutoBlockEnabled {
		return nil, nil
	}

	now := e.now()
	score, err := e.store.SumPoints(ctx, tenantID, ip, now.Add(-cfg.ScoreWindow()))
	if err != nil {
		return nil, fmt.Errorf("compute score: %w", err)
	}
	if score < cfg.BlockThreshold {
		return nil, nil
	}

	change, err := e.store.UpsertBlock(ctx, tenantID, ip, score, ReasonAuto, nil, now)
	if err != nil {
		return nil, fmt.Errorf("upsert block: %w", err)
	}

	switch {
	case change.Created:
		metrics.IPBlocks.WithLabelValues(string(ReasonAuto)).Inc()
		e.log.Info().Int64("tenant", tenantID).Str("ip", ip).Int("score", score).Msg("auto-blocked IP")
	case change.Reactivated:
		metrics.IPBlocks.WithLabelValues("reactivated").Inc()
		e.log.Info().Int64("tenant", tenantID).Str("ip", ip).Int("score", score).Msg("reactivated IP block")
	}
	if change.Created || change.Reactivated {
		e.publish(ctx, change)
	}

	b := change.Block
	return &b, nil
}

// ManualBlock blocks ip on behalf of an operator. The score snapshot is the
// current score.
func (e *Engine) ManualBlock(ctx context.Context, tenantID int64, ip string, expiresAt *time.Time) (Block, error) {
	score, err := e.Score(ctx, tenantID, ip)
	if err != nil {
		return Block{}, err
	}

	change, err := e.store.UpsertBlock(ctx, tenantID, ip, score, ReasonManual, expiresAt, e.now())
	if err != nil {
		return Block{}, fmt.Errorf("upsert block: %w", err)
	}
	metrics.IPBlocks.WithLabelValues(string(ReasonManual)).Inc()
	e.publish(ctx, change)
	return change.Block, nil
}

// SetBlockActive deactivates or reactivates an existing block
func (e *Engine) SetBlockActive(ctx context.Context, tenantID int64, ip string, active bool) (Block, error) {
	return e.store.SetBlockActive(ctx, tenantID, ip, active, e.now())
}

// IsBlocked reports whether an active, unexpired block exists
func (e *Engine) IsBlocked(ctx context.Context, tenantID int64, ip string) (bool, error) {
	return e.store.IsBlocked(ctx, tenantID, ip, e.now())
}

func (e *Engine) publish(ctx context.Context, change BlockChange) {
	ev := BlockEvent{
		TenantID:   change.Block.TenantID,
		IP:         change.Block.IP,
		FraudScore: change.Block.FraudScore,
		Reason:     change.Block.Reason,
		Created:    change.Created,
		At:         change.Block.UpdatedAt,
	}
	if err := e.notifier.PublishBlock(ctx, ev); err != nil {
		e.log.Warn().Err(err).Int64("tenant", ev.TenantID).Str("ip", ev.IP).Msg("failed to publish block event")
	}
}
