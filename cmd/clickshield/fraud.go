package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/jobs"
	"github.com/yaat/clickshield/internal/notify"
)

var fraudCmd = &cobra.Command{
	Use:   "fraud",
	Short: "Run fraud analysis and maintenance by hand",
}

var fraudAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Re-run deferred analysis over recent pageviews",
	Long: `Runs the deferred detectors over every pageview of the last --hours,
then re-evaluates blocking once per IP. Signals already recorded are not
duplicated.`,
	RunE: runFraudAnalyze,
}

var fraudSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push unsynced blocks to Google Ads now",
	RunE:  runFraudSync,
}

var fraudCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply retention and expire blocks now",
	RunE:  runFraudCleanup,
}

var fraudBlocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "List a tenant's blocked IPs",
	RunE:  runFraudBlocks,
}

var (
	fraudTenant int64
	fraudHours  int
	fraudAll    bool
)

func init() {
	fraudAnalyzeCmd.Flags().Int64VarP(&fraudTenant, "tenant", "t", 0, "Tenant id (default all tenants)")
	fraudAnalyzeCmd.Flags().IntVar(&fraudHours, "hours", 24, "How far back to analyze")
	fraudSyncCmd.Flags().Int64VarP(&fraudTenant, "tenant", "t", 0, "Tenant id (default all tenants)")
	fraudBlocksCmd.Flags().Int64VarP(&fraudTenant, "tenant", "t", 0, "Tenant id")
	fraudBlocksCmd.Flags().BoolVar(&fraudAll, "all", false, "Include inactive blocks")
	fraudBlocksCmd.MarkFlagRequired("tenant")

	fraudCmd.AddCommand(fraudAnalyzeCmd)
	fraudCmd.AddCommand(fraudSyncCmd)
	fraudCmd.AddCommand(fraudCleanupCmd)
	fraudCmd.AddCommand(fraudBlocksCmd)
}

// openEngine wires the engine the way serve does, minus the background jobs
func openEngine(ctx context.Context) (*database.DB, *fraud.Engine, func(), error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	settingsSvc, err := openSettings(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	rep, err := newReputation(ctx, cfg, settingsSvc)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	var notifier fraud.Notifier = notify.Nop{}
	var kafka *notify.Kafka
	if cfg.Kafka.Enabled() {
		kafka = notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		notifier = kafka
	}
	engine, _ := newEngine(cfg, db, rep, notifier)

	closeAll := func() {
		if kafka != nil {
			kafka.Close()
		}
		rep.Close()
		db.Close()
	}
	return db, engine, closeAll, nil
}

func runFraudAnalyze(cmd *cobra.Command, args []string) error {
	if fraudHours <= 0 {
		return fmt.Errorf("--hours must be positive")
	}
	db, engine, closeAll, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer closeAll()

	now := time.Now()
	pageviews, err := db.ListPageviewsBetween(cmd.Context(), fraudTenant, now.Add(-time.Duration(fraudHours)*time.Hour), now, 0)
	if err != nil {
		return err
	}
	report, err := jobs.AnalyzeBatch(cmd.Context(), engine, pageviews)
	fmt.Printf("Analyzed %d pageview(s): %d with new signals, %d IP(s) blocked\n",
		report.Analyzed, report.Detections, report.Blocks)
	return err
}

func runFraudSync(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	settingsSvc, err := openSettings(cmd.Context(), db)
	if err != nil {
		return err
	}

	googleAds, err := newGoogleAds(cmd.Context(), cfg, settingsSvc, db)
	if err != nil {
		return err
	}
	var tenantID *int64
	if fraudTenant > 0 {
		tenantID = &fraudTenant
	}
	report, err := newSyncer(db, googleAds).Run(cmd.Context(), tenantID)
	if err != nil {
		return err
	}
	fmt.Printf("Accounts: %d  synced: %d  skipped: %d  failed: %d  IPs: %d\n",
		report.Accounts, report.Synced, report.Skipped, report.Failed, report.IPs)
	return nil
}

func runFraudCleanup(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := jobs.NewCleanup(db, cfg.Fraud.LogRetentionDays, cfg.Fraud.DataRetentionDays).Run(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d signal(s), expired %d block(s), removed %d tracking row(s)\n",
		report.Signals, report.ExpiredBlocks, report.TrackingRows)
	return nil
}

func runFraudBlocks(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	blocks, err := db.ListBlocks(cmd.Context(), fraudTenant, !fraudAll)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tSCORE\tREASON\tACTIVE\tSYNCED\tEXPIRES\tCREATED")
	for _, b := range blocks {
		expires := "-"
		if b.ExpiresAt != nil {
			expires = b.ExpiresAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%t\t%s\t%s\n",
			b.IP, b.FraudScore, b.Reason, b.Active, b.Synced, expires, b.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d block(s)\n", len(blocks))
	return nil
}
