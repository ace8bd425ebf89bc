// Package cli assembles the servicedesk system and exposes it through the
// command line: one-shot queries, the canned demo scenarios, and the HTTP
// API server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/agentlink/servicedesk/pkg/agents"
	"github.com/agentlink/servicedesk/pkg/api"
	"github.com/agentlink/servicedesk/pkg/intent"
	"github.com/agentlink/servicedesk/pkg/llm"
	"github.com/agentlink/servicedesk/pkg/router"
	"github.com/agentlink/servicedesk/pkg/tooling"
	"github.com/agentlink/servicedesk/pkg/trace"
)

// Version information - will be set during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// NewApp creates and configures the CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "servicedesk",
		Usage:   "Multi-agent customer service orchestration",
		Version: Version,
		Commands: []*cli.Command{
			runCommand(),
			scenariosCommand(),
			serveCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "toolserver",
				Usage:   "Command that launches the tool server subprocess",
				Value:   "toolserver",
				EnvVars: []string{"SERVICEDESK_TOOLSERVER"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "SQLite database path passed to the tool server",
				Value:   "support.db",
				EnvVars: []string{"SERVICEDESK_DB"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn, or error",
				Value:   "info",
				EnvVars: []string{"SERVICEDESK_LOG_LEVEL"},
			},
			&cli.DurationFlag{
				Name:    "query-timeout",
				Usage:   "Overall per-query deadline",
				Value:   60 * time.Second,
				EnvVars: []string{"SERVICEDESK_QUERY_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "branch-timeout",
				Usage:   "Per-branch dispatch deadline",
				Value:   20 * time.Second,
				EnvVars: []string{"SERVICEDESK_BRANCH_TIMEOUT"},
			},
		},
	}
}

// system bundles everything a command needs, plus its shutdown hook.
type system struct {
	router   *router.Router
	registry *agents.Registry
	tracer   *trace.Recorder
	tools    *tooling.Client
	logger   *slog.Logger
}

func (s *system) shutdown(ctx context.Context) {
	if err := s.tools.Shutdown(ctx); err != nil {
		s.logger.Warn("tool client shutdown failed", "error", err)
	}
}

// buildSystem starts the tool server subprocess and wires the agents,
// classifier, tracer, and router together.
func buildSystem(c *cli.Context) (*system, error) {
	logger := newLogger(c.String("log-level"))
	slog.SetDefault(logger)

	toolCfg := tooling.DefaultConfig()
	toolCfg.Command = append(strings.Fields(c.String("toolserver")), "--db", c.String("db"))
	tools := tooling.NewClient(toolCfg, logger)
	if err := tools.Start(c.Context); err != nil {
		return nil, fmt.Errorf("start tool server: %w", err)
	}

	gen := llm.NewRESTConnectionFromEnv()
	registry := agents.NewRegistry()
	if err := registry.Register(agents.NewDataAgent(tools, gen, logger)); err != nil {
		return nil, err
	}
	if err := registry.Register(agents.NewSupportAgent(tools, gen, logger)); err != nil {
		return nil, err
	}

	routerCfg := &router.Config{
		QueryTimeout:  c.Duration("query-timeout"),
		BranchTimeout: c.Duration("branch-timeout"),
	}
	tracer := trace.NewRecorder()
	classifier := intent.NewClassifier(gen, logger)

	return &system{
		router:   router.New(routerCfg, classifier, registry, tracer, gen, logger),
		registry: registry,
		tracer:   tracer,
		tools:    tools,
		logger:   logger,
	}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Route a single query through the agents",
		ArgsUsage: "QUERY",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "customer-id",
				Usage: "Customer id the query is about, if known",
			},
		},
		Action: func(c *cli.Context) error {
			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				return fmt.Errorf("a query is required")
			}

			sys, err := buildSystem(c)
			if err != nil {
				return err
			}
			defer sys.shutdown(context.Background())

			var customerID *int64
			if c.IsSet("customer-id") {
				id := c.Int64("customer-id")
				customerID = &id
			}

			outcome, err := sys.router.HandleQuery(c.Context, query, customerID)
			if err != nil {
				return err
			}
			return printJSON(outcome)
		},
	}
}

// scenario is one canned demonstration query.
type scenario struct {
	Name       string
	Query      string
	CustomerID *int64
}

func demoScenarios() []scenario {
	five := int64(5)
	return []scenario{
		{Name: "simple retrieval", Query: "Get customer information for ID 5", CustomerID: &five},
		{Name: "coordinated support", Query: "I'm customer 1 and need help upgrading my account"},
		{Name: "aggregated lookup", Query: "Show me all active customers who have open tickets"},
		{Name: "escalation", Query: "I've been charged twice, please refund immediately!"},
		{Name: "multi intent", Query: "Update my email to charlie.new@example.com and show my ticket history", CustomerID: &five},
	}
}

func scenariosCommand() *cli.Command {
	return &cli.Command{
		Name:  "scenarios",
		Usage: "Run the canned demo scenarios and print a trace summary",
		Action: func(c *cli.Context) error {
			sys, err := buildSystem(c)
			if err != nil {
				return err
			}
			defer sys.shutdown(context.Background())

			for i, sc := range demoScenarios() {
				fmt.Printf("=== Scenario %d: %s ===\n", i+1, sc.Name)
				outcome, err := sys.router.HandleQuery(c.Context, sc.Query, sc.CustomerID)
				if err != nil {
					return fmt.Errorf("scenario %q: %w", sc.Name, err)
				}
				if err := printJSON(outcome); err != nil {
					return err
				}
				fmt.Println()
			}

			fmt.Println("=== Trace Summary ===")
			return printJSON(sys.tracer.Summary())
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "127.0.0.1",
				EnvVars: []string{"SERVICEDESK_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				EnvVars: []string{"SERVICEDESK_PORT"},
			},
			&cli.StringSliceFlag{
				Name:    "allow-origin",
				Usage:   "Allowed CORS origins",
				Value:   cli.NewStringSlice("*"),
				EnvVars: []string{"SERVICEDESK_ALLOW_ORIGINS"},
			},
		},
		Action: func(c *cli.Context) error {
			sys, err := buildSystem(c)
			if err != nil {
				return err
			}

			server := api.NewServer(&api.ServerConfig{
				Host:         c.String("host"),
				Port:         c.Int("port"),
				AllowOrigins: c.StringSlice("allow-origin"),
			}, sys.router, sys.registry, sys.tracer, sys.logger)

			// Drain the listener and stop the tool server on SIGINT/SIGTERM.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				sys.logger.Info("shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				server.Stop(ctx)
				sys.shutdown(ctx)
			}()

			return server.Start()
		},
	}
}

func printJSON(v any) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(blob))
	return nil
}
