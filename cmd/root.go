package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/newscrawler/internal/app"
	"github.com/JakeFAU/newscrawler/internal/archive"
	"github.com/JakeFAU/newscrawler/internal/config"
	"github.com/JakeFAU/newscrawler/internal/dispatcher"
	"github.com/JakeFAU/newscrawler/internal/indexer"
	"github.com/JakeFAU/newscrawler/internal/logging"
	"github.com/JakeFAU/newscrawler/internal/queue"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the services that commands use.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Store() queue.Store
	NewDispatcher(batchSize int) (*dispatcher.Dispatcher, error)
	NewIndexer() *indexer.Indexer
	Archiver(ctx context.Context) (*archive.Archiver, error)
	ServeStatus(ctx context.Context) error
	Close() error
}

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "newscrawler",
		Short: "Crawls a news category into segmented JSON Lines files.",
		Long: `newscrawler discovers article URLs from a news site's category index,
keeps them in a durable work queue and scrapes them with a bounded pool of
workers. Records are appended to size-capped JSONL segments that are
validated and stamped with a SHA-256 checksum when a run ends.`,
		SilenceUsage: true,

		// Loads configuration and builds the application before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Dir:         cfg.Logging.Dir,
				Name:        cmd.Name(),
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newCrawlCmd(),
		newIndexCmd(),
		newEnqueueCmd(),
		newStatsCmd(),
		newVerifyCmd(),
		newRecoverCmd(),
		newScheduleCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
