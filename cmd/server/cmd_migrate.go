package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"go-chat-relay/internal/db"
)

type MigrateCmd struct {
	flags *Flags
}

func NewMigrateCmd(flags *Flags) *MigrateCmd {
	return &MigrateCmd{flags: flags}
}

func (cmd *MigrateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "migrate",
		Usage:     "Create the database schema",
		UsageText: "chat-relay migrate",
		Action:    cmd.run,
	})
	return app
}

func (cmd *MigrateCmd) run(ctx context.Context, c *cli.Command) error {
	database, err := openDatabase(ctx, cmd.flags)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	cmd.flags.Logger.Info("database schema initialized")
	return nil
}

func openDatabase(ctx context.Context, flags *Flags) (*db.Database, error) {
	cfg := flags.Config
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn (or DB_DSN) is not set")
	}
	database, err := db.NewDatabase(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return database, nil
}
