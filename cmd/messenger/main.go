package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"messenger/cmd/internal/app"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	cliApp := &cli.App{
		Name:    "messenger",
		Usage:   "Multi-device session and real-time sync server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "env file loaded before reading MSGR_* variables (default: ./.env if present)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides MSGR_LOG_LEVEL (debug, info, warn, error)",
			},
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "messenger:", err)
		os.Exit(1)
	}
}

func load(c *cli.Context) (app.Config, app.Logger, error) {
	cfg, err := app.LoadConfig(c.String("config"))
	if err != nil {
		return app.Config{}, nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout), nil
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP and WebSocket server",
		Action: func(c *cli.Context) error {
			cfg, log, err := load(c)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return app.Serve(ctx, cfg, log)
		},
	}
}

func migrateCmd() *cli.Command {
	direction := func(dir string) *cli.Command {
		return &cli.Command{
			Name:  dir,
			Usage: "Apply migrations " + dir,
			Action: func(c *cli.Context) error {
				cfg, log, err := load(c)
				if err != nil {
					return err
				}
				return app.Migrate(cfg, dir, log)
			},
		}
	}
	return &cli.Command{
		Name:        "migrate",
		Usage:       "Manage the database schema",
		Subcommands: []*cli.Command{direction("up"), direction("down")},
	}
}
