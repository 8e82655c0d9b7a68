package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robalyx/herald/internal/broadcast"
	"github.com/robalyx/herald/internal/setup"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Subscribe like a client and print every message received",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "channel", Usage: "Watch a single channel"},
			&cli.StringFlag{Name: "user", Usage: "Watch a user's status channel and friend groups"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, "watch", false, func(ctx context.Context, app *setup.App) error {
				subjects, err := watchSubjects(ctx, app, c.String("channel"), c.String("user"))
				if err != nil {
					return err
				}

				return watch(ctx, app, subjects)
			})
		},
	}
}

// watchSubjects resolves the subjects a client would consume.
func watchSubjects(ctx context.Context, app *setup.App, channel, userID string) ([]string, error) {
	switch {
	case channel != "":
		return []string{channel}, nil
	case userID != "":
		groups, err := app.Friends.Groups(ctx, userID)
		if err != nil {
			return nil, err
		}

		subjects := []string{broadcast.StatusChannel(userID)}
		for _, group := range groups {
			subjects = append(subjects, broadcast.GroupName(group.OwnerID, group.GroupIndex))
		}
		return subjects, nil
	default:
		return nil, errors.New("one of --channel or --user is required")
	}
}

func watch(ctx context.Context, app *setup.App, subjects []string) error {
	msgs := make(chan *nats.Msg, 256)

	for _, subject := range subjects {
		sub, err := app.NATS.ChanSubscribe(subject, msgs)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	subscriberID := uuid.New().String()
	heartbeat := func() {
		for _, subject := range subjects {
			if err := app.Bus.Heartbeat(ctx, subject, subscriberID); err != nil {
				app.Logger.Warn("Failed to record occupancy", zap.String("subject", subject), zap.Error(err))
			}
		}
	}
	heartbeat()

	interval := max(time.Duration(app.Config.NATS.OccupancyTTLSeconds)*time.Second/3, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	app.Logger.Info("Watching", zap.Strings("subjects", subjects), zap.String("subscriberID", subscriberID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			heartbeat()
		case msg := <-msgs:
			fmt.Fprintf(os.Stdout, "%s %s\n", msg.Subject, msg.Data)
		}
	}
}
