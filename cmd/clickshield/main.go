package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yaat/clickshield/internal/api"
	"github.com/yaat/clickshield/internal/config"
	"github.com/yaat/clickshield/internal/logging"
)

var (
	// Version information (set via ldflags)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	// Global flags
	configPath string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "clickshield",
	Short: "ClickShield - ad click fraud detection",
	Long: `ClickShield tracks visits to your sites, scores every IP for click fraud
and keeps offending IPs out of your Google Ads campaigns.

Get started:
  clickshield serve                 # Start the server
  clickshield user create -r admin  # Create the first admin
  clickshield tenant create         # Register a site

Configuration is read from clickshield.yaml and CLICKSHIELD_ environment
variables. A .env file in the working directory is loaded first.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional
		_ = godotenv.Load()

		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logging.Init(c.Logging)
		cfg = c
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run serve command
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("clickshield %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func init() {
	// Set version in API package for /api/version endpoint
	api.Version = Version

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(fraudCmd)
	rootCmd.AddCommand(reputationCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
