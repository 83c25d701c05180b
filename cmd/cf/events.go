package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vespl/caseflow/internal/config"
	"github.com/vespl/caseflow/internal/events"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Transition event commands",
	}

	cmd.AddCommand(newEventsWatchCmd())
	return cmd
}

func newEventsWatchCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print transition events from Redis as they are committed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("redis.addr is not configured")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pub, err := newRedisPublisher(ctx, cfg)
			if err != nil {
				return err
			}
			defer pub.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Watching %s on %s (Ctrl-C to stop)\n", cfg.Redis.Channel, cfg.Redis.Addr)
			return pub.Subscribe(ctx, func(evt events.Event) {
				fmt.Fprintf(out, "%s  %-8s %-16s %s -> %s  by %s (v%d)\n",
					formatTime(evt.At), evt.Kind, evt.CaseNumber, dash(evt.From), evt.To, evt.Actor, evt.Version)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newRedisPublisher(ctx context.Context, cfg *config.Config) (*events.RedisPublisher, error) {
	return events.NewRedisPublisher(ctx, events.RedisOpts{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Channel:  cfg.Redis.Channel,
	})
}
