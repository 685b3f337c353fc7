package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yaat/clickshield/internal/adsync"
	"github.com/yaat/clickshield/internal/bot"
	"github.com/yaat/clickshield/internal/config"
	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/reputation"
	"github.com/yaat/clickshield/internal/settings"
)

// openDatabase opens and migrates the configured database
func openDatabase(c *config.Config) (*database.DB, error) {
	if err := os.MkdirAll(filepath.Dir(c.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := database.New(c.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// openSettings returns the settings service with the instance secret loaded
func openSettings(ctx context.Context, db *database.DB) (*settings.Service, error) {
	s, err := settings.Open(ctx, db.Conn())
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	return s, nil
}

// newReputation picks the provider named in the config. Credentials stored
// through the admin API win over the config file.
func newReputation(ctx context.Context, c *config.Config, s *settings.Service) (*reputation.Service, error) {
	rc := c.Reputation
	var provider reputation.Provider

	switch rc.Provider {
	case "ipinfo":
		token := s.Lookup(ctx, settings.KeyIPInfoToken, rc.IPInfoToken)
		if token == "" {
			logging.Warn().Msg("ipinfo provider selected without a token; lookups are rate limited")
		}
		provider = reputation.NewIPInfo(token, rc.Timeout, reputation.WithBaseURL(rc.IPInfoURL))
	case "maxmind":
		mm, err := reputation.OpenMaxMind(rc.MaxMindDBPath)
		if err != nil {
			logging.Warn().Err(err).Str("path", rc.MaxMindDBPath).
				Msg("maxmind database unavailable, IP reputation disabled; run 'clickshield reputation download'")
			break
		}
		provider = mm
	case "none":
	default:
		return nil, fmt.Errorf("unknown reputation provider %q", rc.Provider)
	}

	return reputation.New(provider, reputation.Options{
		CacheTTL:        rc.CacheTTL,
		CacheMaxEntries: rc.CacheMaxEntries,
	})
}

// newEngine builds the fraud engine over db
func newEngine(c *config.Config, db *database.DB, rep *reputation.Service, notifier fraud.Notifier) (*fraud.Engine, *database.FraudSettings) {
	configs := database.NewFraudSettings(db, c.Fraud.Defaults)
	engine := fraud.NewEngine(db, configs, fraud.Options{
		Enabled:    c.Fraud.Enabled,
		Matcher:    bot.NewMatcher(c.Fraud.BotPatterns, c.Fraud.LegitimateBots),
		Reputation: rep,
		Notifier:   notifier,
	})
	return engine, configs
}

// newGoogleAds returns nil when the API credentials are incomplete
func newGoogleAds(ctx context.Context, c *config.Config, s *settings.Service, db *database.DB) (*adsync.GoogleAds, error) {
	gc := c.GoogleAds
	redirect := gc.RedirectURL
	if redirect == "" && c.Server.BaseURL != "" {
		redirect = c.Server.BaseURL + "/api/googleads/callback"
	}
	ga, err := adsync.NewGoogleAds(adsync.GoogleAdsConfig{
		ClientID:          gc.ClientID,
		ClientSecret:      s.Lookup(ctx, settings.KeyGoogleAdsClientSecret, gc.ClientSecret),
		DeveloperToken:    s.Lookup(ctx, settings.KeyGoogleAdsDevToken, gc.DeveloperToken),
		RedirectURL:       redirect,
		APIVersion:        gc.APIVersion,
		BaseURL:           gc.BaseURL,
		RequestsPerSecond: gc.RequestsPerSecond,
	}, db)
	if errors.Is(err, adsync.ErrNotConfigured) {
		return nil, nil
	}
	return ga, err
}

// newSyncer keeps a nil client out of the Platform interface
func newSyncer(db *database.DB, ga *adsync.GoogleAds) *adsync.Syncer {
	if ga == nil {
		return adsync.NewSyncer(db, nil)
	}
	return adsync.NewSyncer(db, ga)
}
