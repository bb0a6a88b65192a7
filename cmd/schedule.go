package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// DefaultSchedule runs an index and crawl pass every 30 minutes.
const DefaultSchedule = "*/30 * * * *"

// newScheduleCmd creates the 'schedule' subcommand, which repeats index and
// crawl passes on a cron schedule until interrupted.
func newScheduleCmd() *cobra.Command {
	var (
		expr   string
		runNow bool
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run index and crawl passes on a cron schedule",
		Long: `Runs "index" followed by "crawl" whenever the five-field cron expression
fires. A pass that is still running when the next one is due causes that
tick to be skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			schedule, err := cron.ParseStandard(expr)
			if err != nil {
				return fmt.Errorf("parse schedule %q: %w", expr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSchedule(ctx, appInstance, schedule, runNow)
		},
	}
	cmd.Flags().StringVar(&expr, "cron", DefaultSchedule, "cron expression (minute hour dom month dow)")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "run one pass immediately before waiting for the schedule")
	return cmd
}

func runSchedule(ctx context.Context, appInstance App, schedule cron.Schedule, runNow bool) error {
	logger := appInstance.Logger().Named("schedule")
	cl := cronLogger{logger.Sugar()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	job := c.Schedule(schedule, cron.FuncJob(func() { runPass(ctx, appInstance, logger) }))
	if runNow {
		c.Entry(job).WrappedJob.Run()
	}
	c.Start()
	logger.Info("schedule started", zap.Time("next", c.Entry(job).Next))

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("schedule stopped")
	return nil
}

// runPass indexes the configured category and drains the queue once.
func runPass(ctx context.Context, appInstance App, logger *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	cfg := appInstance.Config()
	res, err := appInstance.NewIndexer().Run(ctx, cfg.Crawler.Category, cfg.Crawler.IndexMaxPages)
	if err != nil {
		logger.Error("index pass failed", zap.Error(err))
		return
	}
	logger.Info("index pass complete", zap.Int("enqueued", res.Enqueued), zap.Int("failed_pages", res.Failed))

	d, err := appInstance.NewDispatcher(0)
	if err != nil {
		logger.Error("build dispatcher", zap.Error(err))
		return
	}
	summary, err := d.Run(ctx)
	if err != nil {
		logger.Error("crawl pass failed", zap.String("run_id", summary.RunID), zap.Error(err))
		return
	}
	logger.Info("crawl pass complete",
		zap.String("run_id", summary.RunID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)

	archiver, err := appInstance.Archiver(ctx)
	if err != nil || archiver == nil {
		if err != nil {
			logger.Error("build archiver", zap.Error(err))
		}
		return
	}
	archived, err := archiver.Upload(context.WithoutCancel(ctx), summary.Integrity)
	if err != nil {
		logger.Error("archive pass failed", zap.Error(err))
		return
	}
	logger.Info("archive pass complete",
		zap.Int("uploaded", archived.Uploaded),
		zap.Int("notified", archived.Notified),
		zap.Int("failed", len(archived.Failed)),
	)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
