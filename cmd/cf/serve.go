package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vespl/caseflow/internal/analytics"
	"github.com/vespl/caseflow/internal/events"
	"github.com/vespl/caseflow/internal/notify"
	"github.com/vespl/caseflow/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the caseflow API server",
		Long: `Starts the HTTP API with the analytics refresher and, when configured,
Redis event fan-out and the scheduled chat digest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default: server.port from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	// With Redis, every instance publishes there and feeds its SSE hub from
	// the channel, so streams see transitions made on any instance.
	hub := events.NewHub()
	var pub events.Publisher = hub
	if cfg.Redis.Addr != "" {
		rp, err := newRedisPublisher(ctx, cfg)
		if err != nil {
			return err
		}
		defer rp.Close()
		pub = rp
		go func() {
			err := rp.Subscribe(ctx, func(evt events.Event) {
				_ = hub.Publish(ctx, evt)
			})
			if err != nil {
				log.Error("redis subscription ended", "error", err)
			}
		}()
		log.Info("publishing transitions to redis", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	eng, err := newEngine(cfg, gormDB, pub, log)
	if err != nil {
		return err
	}

	agg := newAggregator(cfg, gormDB)
	refresher, err := analytics.NewRefresher(agg, cfg.Analytics.Schedule, log)
	if err != nil {
		return err
	}
	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		return err
	}
	if len(notifiers) > 0 && cfg.Analytics.DigestSchedule != "" {
		if err := refresher.OnDigest(cfg.Analytics.DigestSchedule, notify.DigestFunc(log, 3, notifiers...)); err != nil {
			return err
		}
		log.Info("digest scheduled", "schedule", cfg.Analytics.DigestSchedule, "channels", len(notifiers))
	}
	if err := refresher.Start(ctx); err != nil {
		return err
	}

	if port == 0 {
		port = cfg.Server.Port
	}
	return server.Start(ctx, server.StartOpts{
		Engine:     eng,
		Aggregator: agg,
		Analytics:  refresher,
		Hub:        hub,
		Logger:     log,
		Port:       port,
		Out:        cmd.OutOrStdout(),
	})
}
