package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pufferblow/live-relay/internal/config"
	"github.com/pufferblow/live-relay/internal/history"
	"github.com/pufferblow/live-relay/internal/logging"
	"github.com/pufferblow/live-relay/internal/server"
	"github.com/pufferblow/live-relay/internal/stats"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error loading .env: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "live-relay",
		Short: "Push-channel broadcast and WebRTC signaling relay",
		Long: `live-relay keeps a registry of Server-Sent Events clients, fans administrative
broadcasts out to them, and relays WebRTC offers, answers and ICE candidates
between members of signaling rooms.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	config.BindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := stats.New(cfg.MetricsPrefix)

	sink, err := openSink(cfg)
	if err != nil {
		return err
	}
	queue := history.NewQueue(sink, history.QueueOptions{
		Workers: cfg.HistoryWorkers,
		Size:    cfg.HistoryQueueSize,
		Timeout: cfg.HistoryTimeout,
		Logger:  logger.With("component", "history"),
		Metrics: metrics,
	})
	queue.Start()
	defer func() {
		if err := queue.Stop(); err != nil {
			logger.Error("closing history sink", "error", err)
		}
	}()

	opts := server.Options{
		Config:   cfg,
		Logger:   logger,
		Recorder: queue,
		Metrics:  metrics,
	}
	if lister, ok := sink.(server.MessageLister); ok {
		opts.Messages = lister
	}

	return server.New(opts).Run(ctx)
}

func openSink(cfg *config.Config) (history.Sink, error) {
	switch cfg.HistoryDriver {
	case config.HistorySQLite:
		sink, err := history.OpenSQLite(cfg.HistorySQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open history database: %w", err)
		}
		return sink, nil
	case config.HistoryWebhook:
		client := &http.Client{Timeout: cfg.HistoryTimeout}
		return history.NewWebhookSink(cfg.HistoryWebhookURL, cfg.HistoryWebhookSecret, client), nil
	default:
		return history.Nop{}, nil
	}
}
