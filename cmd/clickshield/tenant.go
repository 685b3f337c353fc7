package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tracked sites",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create [name] [domain]",
	Short: "Register a site and print its pixel code",
	Args:  cobra.ExactArgs(2),
	RunE:  runTenantCreate,
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sites",
	RunE:  runTenantList,
}

var tenantDisableCmd = &cobra.Command{
	Use:   "disable [id]",
	Short: "Stop accepting tracking calls for a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTenantActive(cmd, args[0], false)
	},
}

var tenantEnableCmd = &cobra.Command{
	Use:   "enable [id]",
	Short: "Resume tracking for a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTenantActive(cmd, args[0], true)
	},
}

func init() {
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantDisableCmd)
	tenantCmd.AddCommand(tenantEnableCmd)
}

func runTenantCreate(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := db.CreateTenant(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Created tenant %d (%s)\n", t.ID, t.Domain)
	fmt.Printf("Pixel code: %s\n", t.PixelCode)
	if cfg.Server.BaseURL != "" {
		fmt.Printf("Snippet:    <script async src=\"%s/pixel/%s.js\"></script>\n", cfg.Server.BaseURL, t.PixelCode)
	}
	return nil
}

func runTenantList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tenants, err := db.ListTenants(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDOMAIN\tPIXEL\tACTIVE\tCREATED")
	for _, t := range tenants {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n",
			t.ID, t.Name, t.Domain, t.PixelCode, t.IsActive, t.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d tenant(s)\n", len(tenants))
	return nil
}

func setTenantActive(cmd *cobra.Command, arg string, active bool) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid tenant id %q", arg)
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.TenantByID(cmd.Context(), id); err != nil {
		return fmt.Errorf("tenant %d: %w", id, err)
	}
	if err := db.SetTenantActive(cmd.Context(), id, active); err != nil {
		return err
	}
	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Printf("Tenant %d %s\n", id, state)
	return nil
}
