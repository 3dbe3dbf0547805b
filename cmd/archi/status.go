package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/archilabs/archi/internal/scheduler"
)

var statusPathFlag string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingestion source status from the daemon's status file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := statusPathFlag
		if path == "" {
			d, err := loadDeployment()
			if err != nil {
				return err
			}
			path = filepath.Join(d.DataPath, "ingestion_status.json")
		}

		snapshot, err := scheduler.ReadStatus(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Println("No status file found; is the daemon running?")
				return nil
			}
			return err
		}
		if len(snapshot) == 0 {
			fmt.Println("No sources scheduled.")
			return nil
		}

		sources := make([]string, 0, len(snapshot))
		for s := range snapshot {
			sources = append(sources, s)
		}
		sort.Strings(sources)

		for _, source := range sources {
			js := snapshot[source]
			state := js.State
			if state == "running" {
				state = color.CyanString(state)
			} else {
				state = color.GreenString(state)
			}
			lastRun := "never"
			if js.LastRun != nil {
				lastRun = js.LastRun.Local().Format(time.RFC3339)
			}
			fmt.Printf("%-20s %-10s schedule=%-15q last_run=%s next_run=%s\n",
				source, state, js.Schedule, lastRun,
				js.NextRun.Local().Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusPathFlag, "file", "", "Status file path (default: <data_path>/ingestion_status.json)")
	rootCmd.AddCommand(statusCmd)
}
