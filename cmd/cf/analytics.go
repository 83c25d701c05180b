package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vespl/caseflow/internal/analytics"
	"github.com/vespl/caseflow/internal/config"
	"github.com/vespl/caseflow/internal/logger"
	"github.com/vespl/caseflow/internal/notify"
)

func newAnalyticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Pipeline analytics commands",
	}

	cmd.AddCommand(newAnalyticsReportCmd())
	cmd.AddCommand(newAnalyticsDigestCmd())
	return cmd
}

func newAnalyticsReportCmd() *cobra.Command {
	var (
		configPath string
		since      string
		until      string
		xlsxPath   string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Compute stage timings, bottlenecks and top performers",
		Long:  "Computes the analytics report over the whole history, or over --since/--until (YYYY-MM-DD). Use --xlsx to write a workbook.",
		RunE: func(cmd *cobra.Command, args []string) error {
			win, err := parseWindow(since, until)
			if err != nil {
				return err
			}
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rep, err := newAggregator(cfg, gormDB).Run(context.Background(), win)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if xlsxPath != "" {
				f, err := os.Create(xlsxPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", xlsxPath, err)
				}
				defer f.Close()
				if err := analytics.WriteXLSX(f, rep); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote %s\n", xlsxPath)
				return nil
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return printReport(cmd, rep)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&since, "since", "", "only count transitions on or after this date")
	cmd.Flags().StringVar(&until, "until", "", "only count transitions before this date")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "write the report to this .xlsx file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func parseWindow(since, until string) (analytics.Window, error) {
	var w analytics.Window
	var err error
	if since != "" {
		if w.Since, err = time.ParseInLocation("2006-01-02", since, time.Local); err != nil {
			return w, fmt.Errorf("--since: %w", err)
		}
	}
	if until != "" {
		if w.Until, err = time.ParseInLocation("2006-01-02", until, time.Local); err != nil {
			return w, fmt.Errorf("--until: %w", err)
		}
	}
	if !w.Since.IsZero() && !w.Until.IsZero() && !w.Until.After(w.Since) {
		return w, fmt.Errorf("--until must be after --since")
	}
	return w, nil
}

func printReport(cmd *cobra.Command, rep *analytics.Report) error {
	out := cmd.OutOrStdout()
	s := rep.Summary
	fmt.Fprintf(out, "Cases: %d total, %d open, %d closed, %d rejected (conversion %.1f%%)\n",
		s.TotalCases, s.Open, s.Closed, s.Rejected, s.ConversionRate)
	fmt.Fprintf(out, "Transitions: %d\n\n", s.Transitions)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSAMPLES\tAVG\tMAX\tSLA\tOVER SLA\tEFFICIENCY")
	for _, st := range rep.Stages {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%.0f%%\t%.2f\n",
			st.Stage, st.Samples, analytics.FormatHours(st.AvgHours), analytics.FormatHours(st.MaxHours),
			analytics.FormatHours(st.SLAHours), st.DelayFrequency*100, st.Efficiency)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(rep.Bottlenecks) > 0 {
		fmt.Fprintln(out, "\nBottlenecks:")
		for _, b := range rep.Bottlenecks {
			fmt.Fprintf(out, "  %d. %s (score %.2f)\n", b.Rank, b.Stage, b.Score)
		}
	}
	if len(rep.TopPerformers) > 0 {
		fmt.Fprintln(out, "\nTop performers:")
		for i, p := range rep.TopPerformers {
			fmt.Fprintf(out, "  %d. %s: %d cases, %d transitions\n", i+1, p.Actor, p.CasesHandled, p.Transitions)
		}
	}
	return nil
}

func newAnalyticsDigestCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Send the analytics digest to the configured chat channels now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			notifiers, err := buildNotifiers(cfg)
			if err != nil {
				return err
			}
			if len(notifiers) == 0 {
				return fmt.Errorf("no digest channel configured under notify")
			}
			ctx := context.Background()
			rep, err := newAggregator(cfg, gormDB).Run(ctx, analytics.Window{})
			if err != nil {
				return err
			}
			if err := notify.DigestFunc(nil, 3, notifiers...)(ctx, rep); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Digest sent to %d channel(s)\n", len(notifiers))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// buildNotifiers returns a notifier for every chat target enabled in cfg.
func buildNotifiers(cfg *config.Config) ([]notify.Notifier, error) {
	var out []notify.Notifier
	if c := cfg.Notify.Slack; c.Enabled() {
		s, err := notify.NewSlack(notify.SlackOpts{BotToken: c.BotToken, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if c := cfg.Notify.Discord; c.Enabled() {
		d, err := notify.NewDiscord(notify.DiscordOpts{BotToken: c.BotToken, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}
