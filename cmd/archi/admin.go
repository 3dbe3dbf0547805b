package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/archilabs/archi/internal/auth"
	"github.com/archilabs/archi/internal/config"
)

var (
	adminEmailFlag    string
	adminPasswordFlag string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative account operations",
}

var ensureAdminCmd = &cobra.Command{
	Use:   "ensure-admin",
	Short: "Create or promote the admin account",
	Long: `Idempotently creates the admin account, or promotes an existing account
with the same email. The password comes from --password, ARCHI_ADMIN_PASSWORD
(or its _FILE variant), or an interactive prompt. Leaving it empty keeps any
existing password unchanged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminEmailFlag == "" {
			return fmt.Errorf("--email is required")
		}

		password := adminPasswordFlag
		if password == "" {
			password = config.Getenv("ARCHI_ADMIN_PASSWORD")
		}
		if password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprint(os.Stderr, "Admin password (empty keeps existing): ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = string(raw)
		}

		d, err := loadDeployment()
		if err != nil {
			return err
		}
		store, err := openStore(rootCtx, d)
		if err != nil {
			return err
		}
		defer store.Close()

		svc := auth.New(store.Auth(), store.Users(), store.Sessions(),
			d.Auth.SessionLifetimeDays, slog.Default())
		u, err := svc.EnsureAdmin(rootCtx, adminEmailFlag, password)
		if err != nil {
			return err
		}
		color.Green("✓ Admin account ready: %s (%s)", adminEmailFlag, u.ID)
		return nil
	},
}

func init() {
	ensureAdminCmd.Flags().StringVar(&adminEmailFlag, "email", "", "Admin email (required)")
	ensureAdminCmd.Flags().StringVar(&adminPasswordFlag, "password", "", "Admin password (default: $ARCHI_ADMIN_PASSWORD or prompt)")
	adminCmd.AddCommand(ensureAdminCmd)
	rootCmd.AddCommand(adminCmd)
}
