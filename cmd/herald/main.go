package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/robalyx/herald/internal/setup"
	"github.com/urfave/cli/v3"
)

// LogDir specifies where log sessions are stored.
const LogDir = "logs"

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "herald",
		Usage: "Presence fan-out service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-dir",
				Value: LogDir,
				Usage: "Directory for log sessions",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			friendCommand(),
			registerCommand(),
			reconcileCommand(),
			reshardCommand(),
			workersCommand(),
			watchCommand(),
		},
	}

	return app.Run(ctx, os.Args)
}

// withApp initializes the application for one command and cleans it up afterwards.
func withApp(
	ctx context.Context, c *cli.Command, component string, autoMigrate bool,
	fn func(ctx context.Context, app *setup.App) error,
) error {
	app, err := setup.InitializeApp(ctx, setup.Options{
		Component:   component,
		LogDir:      c.String("log-dir"),
		AutoMigrate: autoMigrate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup(context.WithoutCancel(ctx))

	return fn(ctx, app)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
