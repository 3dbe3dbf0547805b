package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/archilabs/archi/internal/storage/postgres"
)

var (
	legacyCatalogFlag string
	legacyVectorsFlag string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate legacy SQLite and vector-file data into Postgres",
}

var migrateAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Count migratable rows and report progress without writing",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeAll, err := openMigrator()
		if err != nil {
			return err
		}
		defer closeAll()

		report, err := m.Analyze(rootCtx)
		if err != nil {
			return err
		}

		phases := make([]string, 0, len(report.Counts))
		for name := range report.Counts {
			phases = append(phases, name)
		}
		sort.Strings(phases)
		for _, name := range phases {
			fmt.Printf("  %-15s %d\n", name, report.Counts[name])
		}
		fmt.Printf("  %-15s %d (remaining %d)\n", "total", report.Total, report.Remaining)

		if report.State != nil {
			fmt.Printf("  previous run: %s", report.State.Status)
			if report.State.ErrorMessage != nil {
				fmt.Printf(" (%s)", *report.State.ErrorMessage)
			}
			fmt.Println()
		}
		return nil
	},
}

var migrateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the migration, resuming from the last checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeAll, err := openMigrator()
		if err != nil {
			return err
		}
		defer closeAll()

		if err := m.Run(rootCtx); err != nil {
			color.Red("✗ Migration failed: %v", err)
			color.Yellow("  Rerun `archi migrate run` to resume from the last checkpoint.")
			return err
		}
		color.Green("✓ Migration completed")
		return nil
	},
}

func openMigrator() (*postgres.Migrator, func(), error) {
	d, err := loadDeployment()
	if err != nil {
		return nil, nil, err
	}

	catalogPath := legacyCatalogFlag
	if catalogPath == "" {
		catalogPath = d.Legacy.CatalogPath
	}
	vectorRoot := legacyVectorsFlag
	if vectorRoot == "" {
		vectorRoot = d.Legacy.VectorRoot
	}
	if catalogPath == "" && vectorRoot == "" {
		return nil, nil, fmt.Errorf("no legacy sources configured; set legacy.catalog_path / legacy.vector_root or pass --catalog / --vectors")
	}

	store, err := openStore(rootCtx, d)
	if err != nil {
		return nil, nil, err
	}
	m, err := postgres.NewMigrator(store, catalogPath, vectorRoot)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return m, func() {
		_ = m.Close()
		store.Close()
	}, nil
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&legacyCatalogFlag, "catalog", "", "Legacy SQLite catalog path (overrides deployment)")
	migrateCmd.PersistentFlags().StringVar(&legacyVectorsFlag, "vectors", "", "Legacy vector-file directory (overrides deployment)")
	migrateCmd.AddCommand(migrateAnalyzeCmd, migrateRunCmd)
	rootCmd.AddCommand(migrateCmd)
}
