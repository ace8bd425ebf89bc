// Command toolserver exposes the customer/ticket store as discoverable
// tools over Content-Length framed JSON-RPC on stdin/stdout. It is meant to
// be launched as a subprocess by the servicedesk orchestrator, never as a
// network service.
package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/agentlink/servicedesk/internal/stdiorpc"
	"github.com/agentlink/servicedesk/internal/toolstore"
)

func main() {
	app := &cli.App{
		Name:  "toolserver",
		Usage: "Customer support tool server speaking JSON-RPC over stdio",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the SQLite database",
				Value:   "support.db",
				EnvVars: []string{"TOOLSERVER_DB"},
			},
			&cli.BoolFlag{
				Name:    "seed",
				Usage:   "Insert sample data when the database is empty",
				Value:   true,
				EnvVars: []string{"TOOLSERVER_SEED"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		// stdout carries the protocol; all diagnostics go to stderr.
		slog.Error("toolserver failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := toolstore.Open(c.String("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	if c.Bool("seed") {
		if err := store.Seed(c.Context); err != nil {
			return err
		}
	}

	logger.Info("tool server ready", "db", c.String("db"))
	return serve(stdiorpc.NewConn(os.Stdin, os.Stdout), store, logger)
}
