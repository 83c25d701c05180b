// Package notify delivers the analytics digest to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vespl/caseflow/internal/analytics"
	"github.com/vespl/caseflow/internal/logger"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// Colors for digest attachments.
const (
	ColorOK      = "#36a64f"
	ColorWarning = "#daa038"
	ColorDanger  = "#cc0000"
)

// Field is a short name/value pair shown beside the digest body.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Digest is a chat-neutral rendering of an analytics report.
type Digest struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Notifier posts a digest somewhere.
type Notifier interface {
	Name() string
	Send(ctx context.Context, d Digest) error
}

// FormatDigest renders the bottleneck and performer summary of r.
func FormatDigest(r *analytics.Report, top int) Digest {
	if top <= 0 {
		top = 3
	}
	d := Digest{
		Title: fmt.Sprintf("Case pipeline digest for %s", r.GeneratedAt.Format("2006-01-02")),
		Color: ColorOK,
	}

	var lines []string
	if len(r.Bottlenecks) > 0 && r.Bottlenecks[0].Score > 0 {
		lines = append(lines, "*Bottlenecks*")
		for i, b := range r.Bottlenecks {
			if i == top || b.Score == 0 {
				break
			}
			lines = append(lines, fmt.Sprintf("%d. %s: avg %s, %.0f%% over SLA",
				b.Rank, b.Stage, analytics.FormatHours(b.AvgHours), b.DelayFrequency*100))
		}
		d.Color = ColorWarning
		if r.Bottlenecks[0].DelayFrequency >= 0.5 {
			d.Color = ColorDanger
		}
	} else {
		lines = append(lines, "No stage is running over its SLA.")
	}

	if len(r.TopPerformers) > 0 {
		lines = append(lines, "", "*Top performers*")
		for i, p := range r.TopPerformers {
			if i == top {
				break
			}
			line := fmt.Sprintf("%d. %s: %d cases", i+1, p.Actor, p.CasesHandled)
			if p.CompletedCases > 0 {
				line += fmt.Sprintf(", avg completion %s", analytics.FormatHours(p.AvgCompletionHours))
			}
			lines = append(lines, line)
		}
	}
	d.Body = strings.Join(lines, "\n")

	s := r.Summary
	d.Fields = []Field{
		{Name: "Open", Value: fmt.Sprintf("%d", s.Open), Short: true},
		{Name: "Closed", Value: fmt.Sprintf("%d", s.Closed), Short: true},
		{Name: "Rejected", Value: fmt.Sprintf("%d", s.Rejected), Short: true},
		{Name: "Conversion", Value: fmt.Sprintf("%.1f%%", s.ConversionRate), Short: true},
	}
	return d
}

// DigestFunc adapts notifiers to analytics.Refresher.OnDigest. Every
// notifier is tried; failures are logged and joined.
func DigestFunc(log *logger.Logger, top int, notifiers ...Notifier) analytics.DigestFunc {
	if log == nil {
		log = logger.Nop()
	}
	return func(ctx context.Context, r *analytics.Report) error {
		d := FormatDigest(r, top)
		var errs []error
		for _, n := range notifiers {
			if err := n.Send(ctx, d); err != nil {
				log.Error("digest delivery failed", "notifier", n.Name(), "error", err)
				errs = append(errs, err)
				continue
			}
			log.Info("digest delivered", "notifier", n.Name())
		}
		return errors.Join(errs...)
	}
}
