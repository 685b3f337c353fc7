package fraud

import (
	"context"
	"time"

	"github.com/yaat/clickshield/internal/reputation"
)

// Activity is the read side detectors query
type Activity interface {
	// CountAdClicks counts events carrying an ad-click identifier for
	// (tenant, ip) created at or after since, and the distinct identifiers among them
	CountAdClicks(ctx context.Context, tenantID int64, ip string, since time.Time) (total, unique int, err error)
	HasSignalSince(ctx context.Context, tenantID int64, ip string, kind SignalKind, since time.Time) (bool, error)
	HasEventSignal(ctx context.Context, eventID int64, kind SignalKind) (bool, error)
	// EngagementFor returns zeros for events without telemetry
	EngagementFor(ctx context.Context, eventID int64) (Engagement, error)
}

// BlockChange reports what an upsert did to the block row
type BlockChange struct {
	Block       Block
	Created     bool
	Reactivated bool
}

// Store is everything the engine reads and writes
type Store interface {
	Activity

	// AppendSignal inserts s unless the guard finds an existing signal. The
	// check and the insert are a single statement. It sets s.ID on insert.
	AppendSignal(ctx context.Context, s *Signal, g Guard) (bool, error)
	SumPoints(ctx context.Context, tenantID int64, ip string, since time.Time) (int, error)
	SaveEventScore(ctx context.Context, eventID int64, score int, suspicious bool, analyzedAt time.Time) error

	// UpsertBlock creates the (tenant, ip) row or updates its score and forces
	// it active. Manual upserts also reset the reason and expiry.
	UpsertBlock(ctx context.Context, tenantID int64, ip string, score int, reason BlockReason, expiresAt *time.Time, now time.Time) (BlockChange, error)
	SetBlockActive(ctx context.Context, tenantID int64, ip string, active bool, now time.Time) (Block, error)
	IsBlocked(ctx context.Context, tenantID int64, ip string, now time.Time) (bool, error)
}

// ConfigRepository resolves per-tenant policy, materialising defaults
type ConfigRepository interface {
	GetOrDefault(ctx context.Context, tenantID int64) (Config, error)
}

// ReputationLookup classifies an IP and never fails
type ReputationLookup interface {
	Lookup(ctx context.Context, ip string) reputation.Classification
}

// Notifier receives block changes
type Notifier interface {
	PublishBlock(ctx context.Context, ev BlockEvent) error
}

type nopNotifier struct{}

func (nopNotifier) PublishBlock(context.Context, BlockEvent) error { return nil }
