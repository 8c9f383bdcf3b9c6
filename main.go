package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	clts "dashpoll/clients"
	"dashpoll/config"
	"dashpoll/internal/app"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "dashpoll",
		Short:        "Polls the pipeline services and serves the live dashboard",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Poll every source and serve the dashboard until interrupted",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		newPollCommand(),
		newCheckCommand(),
		newSourcesCommand(),
	)
	return root
}

// loadConfig reads the environment plus the optional YAML overlay and
// rejects invalid values.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile()
	if err != nil {
		return nil, err
	}
	if result := cfg.Validate(); !result.Valid {
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "config: %s: %s\n", e.Field, e.Message)
		}
		return nil, fmt.Errorf("invalid config (%d errors)", len(result.Errors))
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

// setup builds the logger, clients and runner shared by every command.
func setup() (*zap.Logger, *app.Runner, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	liveConfig := config.NewLiveConfig(cfg)
	clients := clts.NewClients(logger, cfg)

	var envConfig *config.Config
	if cfg.File != "" {
		envConfig = config.Load()
	}
	runner, err := app.NewRunner(clients, liveConfig, envConfig)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return logger, runner, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, runner, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting dashpoll",
		zap.String("commit", app.BuildCommit),
		zap.String("buildTime", app.BuildTime))

	ctx, stop := signal.NotifyContext(
		commandContext(cmd),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("runner failed", zap.Error(err))
		return err
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
