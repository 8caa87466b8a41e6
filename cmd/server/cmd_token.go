package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"go-chat-relay/internal/identity"
)

type TokenCmd struct {
	flags    *Flags
	userID   string
	username string
	ttl      time.Duration
}

func NewTokenCmd(flags *Flags) *TokenCmd {
	return &TokenCmd{flags: flags}
}

func (cmd *TokenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "token",
		Usage:       "Issue a bearer token for a user",
		UsageText:   "chat-relay token --user <id> [--name <username>] [--ttl 24h]",
		Description: "Signs a token with jwt.secret. Intended for development and load testing.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "user",
				Usage:       "user id placed in the subject claim",
				Required:    true,
				Destination: &cmd.userID,
			},
			&cli.StringFlag{
				Name:        "name",
				Usage:       "display name",
				Destination: &cmd.username,
			},
			&cli.DurationFlag{
				Name:        "ttl",
				Usage:       "token lifetime",
				Value:       24 * time.Hour,
				Destination: &cmd.ttl,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *TokenCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return errors.New("jwt.secret (or JWT_SECRET) is not set")
	}

	token, err := identity.NewJWT(cfg.JWT.Secret, cfg.JWT.Issuer).Issue(cmd.userID, cmd.username, cmd.ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.Root().Writer, token)
	return err
}
