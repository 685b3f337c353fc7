package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yaat/clickshield/internal/api"
	"github.com/yaat/clickshield/internal/auth"
	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/identification"
	"github.com/yaat/clickshield/internal/jobs"
	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/notify"
	"github.com/yaat/clickshield/internal/settings"
	"github.com/yaat/clickshield/internal/supervisor"
	"github.com/yaat/clickshield/internal/tracking"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ClickShield server",
	Long: `Starts the tracking and admin API together with the background jobs:
deferred pageview analysis, the catch-up sweep, Google Ads sync and cleanup.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	settingsSvc, err := openSettings(ctx, db)
	if err != nil {
		return err
	}

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		if jwtSecret, _, err = settingsSvc.Ensure(ctx, settings.KeyJWTSecret); err != nil {
			return fmt.Errorf("load jwt secret: %w", err)
		}
	}
	authSvc := auth.New(auth.Options{
		Secret:       jwtSecret,
		SessionTTL:   cfg.Auth.TokenDuration,
		SecureCookie: cfg.Server.SecureCookies,
	})

	rep, err := newReputation(ctx, cfg, settingsSvc)
	if err != nil {
		return err
	}
	defer rep.Close()

	var notifier interface {
		fraud.Notifier
		Close() error
	} = notify.Nop{}
	if cfg.Kafka.Enabled() {
		notifier = notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		logging.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing block changes to kafka")
	}
	defer notifier.Close()

	engine, configs := newEngine(cfg, db, rep, notifier)

	queue := jobs.NewQueue(db, engine, jobs.QueueOptions{
		Delay:      cfg.Fraud.DeferredDelay,
		MaxRetries: cfg.Jobs.MaxRetries,
	})
	trackingSvc := tracking.New(db, engine, queue, identification.New(settingsSvc.Secret()))

	googleAds, err := newGoogleAds(ctx, cfg, settingsSvc, db)
	if err != nil {
		return fmt.Errorf("google ads client: %w", err)
	}
	syncer := newSyncer(db, googleAds)

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		DB:           db,
		Settings:     settingsSvc,
		Auth:         authSvc,
		Engine:       engine,
		FraudConfigs: configs,
		Tracking:     trackingSvc,
		Reputation:   rep,
		GoogleAds:    googleAds,
		Syncer:       syncer,
	})

	treeCfg := supervisor.DefaultTreeConfig()
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)

	tree.AddJob(queue)
	if cfg.Fraud.Enabled && cfg.Fraud.SweepInterval > 0 {
		sweeper := jobs.NewSweeper(db, engine, cfg.Fraud.DeferredDelay, cfg.Fraud.SweepLookback)
		tree.AddJob(jobs.NewPeriodic("fraud-sweeper", cfg.Fraud.SweepInterval, func(ctx context.Context) error {
			_, err := sweeper.Run(ctx)
			return err
		}))
	}
	if googleAds != nil && cfg.GoogleAds.SyncInterval > 0 {
		tree.AddJob(jobs.NewPeriodic("adsync", cfg.GoogleAds.SyncInterval, func(ctx context.Context) error {
			_, err := syncer.Run(ctx, nil)
			return err
		}))
	}
	if cfg.Jobs.CleanupInterval > 0 {
		cleanup := jobs.NewCleanup(db, cfg.Fraud.LogRetentionDays, cfg.Fraud.DataRetentionDays)
		tree.AddJob(jobs.NewPeriodic("cleanup", cfg.Jobs.CleanupInterval, func(ctx context.Context) error {
			_, err := cleanup.Run(ctx)
			return err
		}))
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPI(supervisor.NewHTTPService(server, treeCfg.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("version", Version).
		Str("addr", cfg.Server.ListenAddr).
		Str("database", cfg.Database.Path).
		Bool("fraud_enabled", cfg.Fraud.Enabled).
		Str("reputation", rep.ProviderName()).
		Bool("google_ads", googleAds != nil).
		Msg("clickshield starting")

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logging.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("shutdown complete")
	return nil
}
