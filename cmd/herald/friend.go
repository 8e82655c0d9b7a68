package main

import (
	"context"
	"errors"

	"github.com/robalyx/herald/internal/friend"
	"github.com/robalyx/herald/internal/setup"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func friendCommand() *cli.Command {
	pairFlags := []cli.Flag{
		&cli.StringFlag{Name: "a", Usage: "First user ID", Required: true},
		&cli.StringFlag{Name: "b", Usage: "Second user ID", Required: true},
	}

	return &cli.Command{
		Name:  "friend",
		Usage: "Manage friend relationships",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Establish an accepted friendship between two users",
				Flags: pairFlags,
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, "friend", false, func(ctx context.Context, app *setup.App) error {
						a, b := c.String("a"), c.String("b")

						err := app.Friends.Establish(ctx, a, b)
						if errors.Is(err, friend.ErrPartialFailure) {
							app.Logger.Warn("Friendship partially established; the next sweep will finish it",
								zap.String("a", a), zap.String("b", b), zap.Error(err))
						}
						if err != nil {
							return err
						}

						app.Logger.Info("Friendship established", zap.String("a", a), zap.String("b", b))
						return nil
					})
				},
			},
			{
				Name:  "remove",
				Usage: "Remove a friendship between two users",
				Flags: pairFlags,
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, "friend", false, func(ctx context.Context, app *setup.App) error {
						a, b := c.String("a"), c.String("b")

						if err := app.Friends.Remove(ctx, a, b); err != nil {
							return err
						}

						app.Logger.Info("Friendship removed", zap.String("a", a), zap.String("b", b))
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "Show a user's friends and subscription groups",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "User ID", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, "friend", false, func(ctx context.Context, app *setup.App) error {
						userID := c.String("user")

						friends, err := app.Friends.Friends(ctx, userID)
						if err != nil {
							return err
						}

						groups, err := app.Friends.Groups(ctx, userID)
						if err != nil {
							return err
						}

						return printJSON(map[string]any{
							"userId":   userID,
							"friends":  friends,
							"groups":   groups,
							"capacity": app.Friends.Capacity(),
						})
					})
				},
			},
		},
	}
}
