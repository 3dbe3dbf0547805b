package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database schema and seed configuration",
	Long: `Creates extensions, tables and indexes (idempotent), then applies the
deployment description: static config is overwritten, dynamic config is seeded
only while no admin has changed it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDeployment()
		if err != nil {
			return err
		}

		store, err := openStore(rootCtx, d)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.InitSchema(rootCtx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}

		dc, err := d.Dynamic()
		if err != nil {
			return err
		}
		if err := store.SeedFromDeployment(rootCtx, d.Static(), dc); err != nil {
			return fmt.Errorf("seed configuration: %w", err)
		}

		color.Green("✓ Schema initialized and configuration seeded (%s)", d.Name)
		if !store.HasBM25() {
			color.Yellow("  bm25 operator class not installed; hybrid search will fall back to semantic-only")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
