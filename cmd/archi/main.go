// archi is the deploy-time CLI for the storage core: schema init, legacy
// migration, the ingestion daemon, and admin/config plumbing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/archilabs/archi/internal/config"
	"github.com/archilabs/archi/internal/storage/postgres"
)

// Set via -ldflags at release time.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	deployPath  string
	verboseFlag bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "archi",
	Short: "archi - RAG storage core operations",
	Long:  `Deploy-time operations for the archi storage core: schema initialization, legacy migration, the ingestion scheduler daemon, and runtime configuration.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		level := slog.LevelInfo
		if verboseFlag {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	deployDefault := os.Getenv("ARCHI_DEPLOY")
	if deployDefault == "" {
		deployDefault = "deploy.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&deployPath, "deploy", deployDefault, "Deployment description file (default: $ARCHI_DEPLOY or deploy.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug output")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("archi version %s (%s)\n", Version, Build)
	},
}

// loadDeployment reads the deployment file named by --deploy.
func loadDeployment() (*config.Deployment, error) {
	return config.Load(deployPath)
}

// openStore connects to the database described by the deployment.
func openStore(ctx context.Context, d *config.Deployment) (*postgres.Store, error) {
	return postgres.New(ctx, postgres.Config{
		DSN:                 d.DSN(),
		EncryptionKey:       config.EncryptionKey(),
		Collection:          d.Collection,
		EmbeddingDimensions: d.Embedding.Dimensions,
		DistanceMetric:      d.Static().DistanceMetric,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
