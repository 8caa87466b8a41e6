package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"go-chat-relay/internal/config"
	"go-chat-relay/internal/logging"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

// Flags carries the global options and what Before derives from them.
type Flags struct {
	ConfigPath string
	LogLevel   string

	Config config.Config
	Logger *zap.Logger
}

func main() {
	flags := &Flags{}

	app := &cli.Command{
		Name:      "chat-relay",
		Usage:     "Real-time message fan-out and presence",
		UsageText: "chat-relay [global options] command [command options]",
		Version:   fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (optional)",
				Sources:     cli.EnvVars("CHAT_CONFIG"),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides the config file",
				Destination: &flags.LogLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if flags.LogLevel != "" {
				cfg.LogLevel = flags.LogLevel
			}

			logger, err := logging.New(logging.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Name:   "chat-relay",
				Fields: []zap.Field{zap.String("node_id", cfg.NodeID)},
			})
			if err != nil {
				return ctx, err
			}
			flags.Config = cfg
			flags.Logger = logger
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if flags.Logger != nil {
				_ = flags.Logger.Sync()
			}
			return nil
		},
	}

	app = NewServeCmd(flags).Register(app)
	app = NewMigrateCmd(flags).Register(app)
	app = NewGrantCmd(flags).Register(app)
	app = NewTokenCmd(flags).Register(app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chat-relay: %v\n", err)
		stop()
		os.Exit(1)
	}
}
