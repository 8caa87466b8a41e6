package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/membership"
)

type GrantCmd struct {
	flags *Flags
	owner bool
}

func NewGrantCmd(flags *Flags) *GrantCmd {
	return &GrantCmd{flags: flags}
}

func (cmd *GrantCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "grant",
		Usage:     "Add a user to a topic roster",
		UsageText: "chat-relay grant [--owner] <topic> <user-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "owner",
				Usage:       "grant the owner role (may delete any message)",
				Destination: &cmd.owner,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *GrantCmd) run(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() != 2 {
		return errors.New("usage: chat-relay grant [--owner] <topic> <user-id>")
	}
	topic, err := chat.ParseTopic(c.Args().Get(0))
	if err != nil {
		return err
	}
	userID := c.Args().Get(1)

	database, err := openDatabase(ctx, cmd.flags)
	if err != nil {
		return err
	}
	defer database.Close()

	role := membership.RoleMember
	if cmd.owner {
		role = membership.RoleOwner
	}
	if err := membership.NewPostgres(database.Conn).Grant(ctx, topic, userID, role); err != nil {
		return err
	}
	cmd.flags.Logger.Info("membership granted",
		zap.String("topic", topic.String()),
		zap.String("user_id", userID),
		zap.String("role", string(role)))
	return nil
}
