// Command evaluator runs the uniform evaluator process every tool
// integration embeds: one HTTP route and one pub/sub subscription per
// registered function, dependency resolution, and a bounded worker pool
// (package evaluator).
//
// Orbital mechanics, cost, and science-benefit models are external
// collaborators the core never computes itself, so this binary
// registers only a placeholder handler used to smoke-test the
// framework end to end; a real tool integration embeds package
// evaluator and registers its own Handler per function instead of
// calling this main.
package main

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

	"github.com/spf13/cobra"

	"github.com/c360studio/tse/bus"
	"github.com/c360studio/tse/config"
	"github.com/c360studio/tse/evaluator"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		addr       string
		natsURL    string
		toolName   string
		functions  string
	)

	rootCmd := &cobra.Command{
		Use:     "evaluator",
		Short:   "Evaluator runtime process",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluator(cmd.Context(), configPath, addr, natsURL, toolName, functions)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default: embedded)")
	rootCmd.Flags().StringVar(&toolName, "tool", "", "tool name this process implements (overrides config)")
	rootCmd.Flags().StringVar(&functions, "functions", "", "comma-separated functions to register the placeholder handler for")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func runEvaluator(ctx context.Context, configPath, addr, natsURL, toolName, functions string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.DefaultConfig()
	if configPath != "" {
		fromFile, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg.Merge(fromFile)
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}
	if toolName != "" {
		cfg.Evaluator.ToolName = toolName
	}
	if cfg.Evaluator.ToolName == "" {
		return fmt.Errorf("evaluator.tool_name is required (set via config or --tool)")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	b, err := bus.Connect(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer b.Close(context.Background())

	r := evaluator.NewRuntime(cfg.Evaluator, b, logger)
	for _, fn := range splitNonEmpty(functions) {
		r.RegisterHandler(fn, placeholderHandler(fn))
	}

	boundAddr, err := r.Start(ctx, cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("start evaluator: %w", err)
	}
	logger.Info("evaluator listening", "tool", cfg.Evaluator.ToolName, "addr", boundAddr)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Stop(shutdownCtx)
}

// placeholderHandler returns the function name and the number of
// resolved dependencies as its result, enough to exercise dependency resolution and wave dispatch end to end
// without any domain model behind it.
func placeholderHandler(function string) evaluator.Handler {
	return func(ctx context.Context, deps evaluator.Dependencies, architecture json.RawMessage) (any, error) {
		return map[string]any{"function": function, "dependency_count": len(deps)}, nil
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
