package adsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/metrics"
)

// Report summarizes one sync run
type Report struct {
	Accounts int `json:"accounts"`
	Synced   int `json:"synced"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	IPs      int `json:"ips"`
}

// Syncer pushes unsynced blocks of every auto-sync account to its platform
type Syncer struct {
	store    Store
	platform Platform
	now      func() time.Time
	log      zerolog.Logger
}

// NewSyncer creates a syncer. A nil platform makes Run return
// ErrNotConfigured.
func NewSyncer(store Store, platform Platform) *Syncer {
	return &Syncer{
		store:    store,
		platform: platform,
		now:      time.Now,
		log:      logging.With("adsync"),
	}
}

// Run syncs every active auto-sync account, or only those of tenantID.
// An account failure is recorded on the account and does not stop the run.
func (s *Syncer) Run(ctx context.Context, tenantID *int64) (Report, error) {
	var report Report
	if s.platform == nil {
		return report, ErrNotConfigured
	}

	accounts, err := s.store.ListSyncAccounts(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}
	report.Accounts = len(accounts)

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		ips, err := s.store.UnsyncedBlockIPs(ctx, acct.TenantID, s.now())
		if err != nil {
			return report, fmt.Errorf("list unsynced blocks: %w", err)
		}
		if len(ips) == 0 {
			report.Skipped++
			continue
		}

		if err := s.syncAccount(ctx, acct, ips); err != nil {
			report.Failed++
			metrics.AdSyncRuns.WithLabelValues(StatusError).Inc()
			s.log.Error().Err(err).
				Int64("tenant", acct.TenantID).
				Str("customer", acct.CustomerID).
				Msg("exclusion sync failed")
			if rerr := s.store.RecordSyncResult(ctx, acct.ID, StatusError, err.Error(), s.now()); rerr != nil {
				s.log.Error().Err(rerr).Int64("account", acct.ID).Msg("failed to record sync error")
			}
			continue
		}

		report.Synced++
		report.IPs += len(ips)
		metrics.AdSyncRuns.WithLabelValues(StatusSuccess).Inc()
		s.log.Info().
			Int64("tenant", acct.TenantID).
			Str("customer", acct.CustomerID).
			Int("ips", len(ips)).
			Msg("synced IP exclusions")
	}

	return report, nil
}

func (s *Syncer) syncAccount(ctx context.Context, acct Account, ips []string) error {
	if err := s.platform.ExcludeIPs(ctx, acct, ips); err != nil {
		return err
	}
	now := s.now()
	if err := s.store.MarkBlocksSynced(ctx, acct.TenantID, ips, now); err != nil {
		return fmt.Errorf("mark blocks synced: %w", err)
	}
	return s.store.RecordSyncResult(ctx, acct.ID, StatusSuccess, "", now)
}
