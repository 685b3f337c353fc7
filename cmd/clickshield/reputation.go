package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/yaat/clickshield/internal/reputation"
	"github.com/yaat/clickshield/internal/settings"
)

var reputationCmd = &cobra.Command{
	Use:   "reputation",
	Short: "Inspect IP reputation and manage the MaxMind database",
}

var reputationLookupCmd = &cobra.Command{
	Use:   "lookup [ip]",
	Short: "Classify an IP with the configured provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runReputationLookup,
}

var reputationDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the MaxMind database",
	Long: `Downloads the configured MaxMind edition (GeoLite2-ASN by default) into
the directory of reputation.maxmind_db_path.

Requires MaxMind account credentials, either in the config file or stored
through the admin API. Free credentials are available at:
https://www.maxmind.com/en/geolite2/signup`,
	RunE: runReputationDownload,
}

var reputationStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the MaxMind database status",
	RunE:  runReputationStatus,
}

func init() {
	reputationCmd.AddCommand(reputationLookupCmd)
	reputationCmd.AddCommand(reputationDownloadCmd)
	reputationCmd.AddCommand(reputationStatusCmd)
}

func runReputationLookup(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	settingsSvc, err := openSettings(cmd.Context(), db)
	if err != nil {
		return err
	}

	rep, err := newReputation(cmd.Context(), cfg, settingsSvc)
	if err != nil {
		return err
	}
	defer rep.Close()

	out, err := json.MarshalIndent(map[string]any{
		"ip":             args[0],
		"provider":       rep.ProviderName(),
		"classification": rep.Lookup(cmd.Context(), args[0]),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func downloader(ctx context.Context, s *settings.Service) *reputation.Downloader {
	rc := cfg.Reputation
	return reputation.NewDownloader(
		s.Lookup(ctx, settings.KeyMaxMindAccountID, rc.MaxMindAccountID),
		s.Lookup(ctx, settings.KeyMaxMindLicenseKey, rc.MaxMindLicenseKey),
		rc.MaxMindEdition,
		filepath.Dir(rc.MaxMindDBPath),
	)
}

func runReputationDownload(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	settingsSvc, err := openSettings(cmd.Context(), db)
	if err != nil {
		return err
	}

	d := downloader(cmd.Context(), settingsSvc)
	if d.AccountID == "" || d.LicenseKey == "" {
		return fmt.Errorf("MaxMind credentials not configured")
	}

	fmt.Printf("Downloading %s...\n", d.Edition)
	start := time.Now()
	if err := d.Download(cmd.Context()); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	if err := settingsSvc.Set(cmd.Context(), settings.KeyReputationUpdated, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	st := d.Status()
	fmt.Printf("Saved %s (%.1f MB) in %s\n", st.Path, float64(st.FileSize)/1024/1024, time.Since(start).Round(time.Second))
	return nil
}

func runReputationStatus(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	settingsSvc, err := openSettings(cmd.Context(), db)
	if err != nil {
		return err
	}

	st := downloader(cmd.Context(), settingsSvc).Status()
	fmt.Printf("Provider:  %s\n", cfg.Reputation.Provider)
	fmt.Printf("Edition:   %s\n", st.Edition)
	fmt.Printf("Path:      %s\n", st.Path)
	if !st.Exists {
		fmt.Println("Status:    not downloaded")
		return nil
	}
	fmt.Printf("Size:      %.1f MB\n", float64(st.FileSize)/1024/1024)
	fmt.Printf("Modified:  %s\n", st.LastModified.Local().Format("2006-01-02 15:04"))
	if updated, _ := settingsSvc.Get(cmd.Context(), settings.KeyReputationUpdated); updated != "" {
		fmt.Printf("Updated:   %s\n", updated)
	}
	return nil
}
