package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/archilabs/archi/internal/auth"
	"github.com/archilabs/archi/internal/byok"
	"github.com/archilabs/archi/internal/scheduler"
	"github.com/archilabs/archi/internal/storage/postgres"
	"github.com/archilabs/archi/internal/telemetry"
)

// sessionSweepSource is the synthetic scheduler job that deletes expired
// sessions. It runs hourly alongside the configured ingestion sources.
const (
	sessionSweepSource   = "session_sweep"
	sessionSweepSchedule = "0 * * * *"
)

var statusFileFlag string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the ingestion scheduler",
	Long: `Runs the cron scheduler for the configured ingestion sources, reloading
schedules when dynamic config changes (checked every minute, and immediately
when the deployment file is rewritten). Job states are persisted to a status
file readable with 'archi status'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDeployment()
		if err != nil {
			return err
		}

		if err := telemetry.Init(rootCtx, "archi", Version); err != nil {
			slog.Warn("telemetry init failed; continuing without", "error", err)
		}
		defer telemetry.Shutdown(context.Background())

		store, err := openStore(rootCtx, d)
		if err != nil {
			return err
		}
		defer store.Close()

		authSvc := auth.New(store.Auth(), store.Users(), store.Sessions(),
			d.Auth.SessionLifetimeDays, slog.Default())

		statusPath := statusFileFlag
		if statusPath == "" {
			statusPath = filepath.Join(d.DataPath, "ingestion_status.json")
		}

		runner := newDaemonRunner(authSvc)
		loader := newScheduleLoader(store)

		sched := scheduler.New(runner, loader, slog.Default(),
			scheduler.WithStatusFile(statusPath),
			scheduler.WithWatchPath(deployPath),
		)

		slog.Info("daemon starting", "deployment", d.Name, "status_file", statusPath)
		err = sched.Run(rootCtx)
		if errors.Is(err, context.Canceled) {
			slog.Info("daemon stopped")
			return nil
		}
		return err
	},
}

// newDaemonRunner builds the scheduler callback. Collectors live outside this
// repository and are invoked through the ingestion API; the daemon itself
// only owns the session sweep.
func newDaemonRunner(authSvc *auth.Service) scheduler.Runner {
	return func(ctx context.Context, source string) error {
		// Background jobs always use deployment keys.
		ctx = byok.Clear(ctx)

		if source == sessionSweepSource {
			n, err := authSvc.CleanupExpired(ctx)
			if err != nil {
				telemetry.GetMetrics().RecordIngestionRun(ctx, source, "error")
				return err
			}
			if n > 0 {
				slog.Info("expired sessions deleted", "count", n)
			}
			telemetry.GetMetrics().RecordIngestionRun(ctx, source, "ok")
			return nil
		}

		telemetry.GetMetrics().RecordIngestionRun(ctx, source, "error")
		return fmt.Errorf("no collector registered for source %q", source)
	}
}

// newScheduleLoader reads the ingestion schedule from dynamic config, so
// admin edits take effect within one reload interval, and appends the
// session-sweep job.
func newScheduleLoader(store *postgres.Store) scheduler.Loader {
	return func(ctx context.Context) (map[string]string, error) {
		dyn, err := store.Config().Dynamic(ctx)
		if err != nil {
			return nil, err
		}
		specs := map[string]string{}
		if dyn.IngestionSchedule != "" {
			if err := json.Unmarshal([]byte(dyn.IngestionSchedule), &specs); err != nil {
				return nil, fmt.Errorf("parse ingestion schedule: %w", err)
			}
		}
		specs[sessionSweepSource] = sessionSweepSchedule
		return specs, nil
	}
}

func init() {
	daemonCmd.Flags().StringVar(&statusFileFlag, "status-file", "", "Status file path (default: <data_path>/ingestion_status.json)")
	rootCmd.AddCommand(daemonCmd)
}
