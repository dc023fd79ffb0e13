// Command tse-dispatcher runs the Tradespace Search Executive HTTP
// service: it accepts TSERequests, synthesizes a workflow per request
// against the knowledge graph, enumerates the design space, and drives
// every candidate architecture through the evaluator fleet.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/tse/bus"
	"github.com/c360studio/tse/config"
	"github.com/c360studio/tse/dispatch"
	"github.com/c360studio/tse/graph"
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
	)

	rootCmd := &cobra.Command{
		Use:     "tse-dispatcher",
		Short:   "Tradespace Search Executive dispatcher",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatcher(cmd.Context(), configPath, addr, natsURL)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default: embedded)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func runDispatcher(ctx context.Context, configPath, addr, natsURL string) error {
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
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	b, err := bus.Connect(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer b.Close(context.Background())

	g := graph.NewClient(cfg.Graph.Endpoint, cfg.Graph.PoolSize, graph.WithTimeout(cfg.Graph.Timeout))

	d := dispatch.NewDispatcher(cfg.Dispatcher, g, b, logger)
	boundAddr, err := d.Start(cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	logger.Info("dispatcher listening", "addr", boundAddr)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Stop(shutdownCtx)
}
