package analytics

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/vespl/caseflow/internal/logger"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether expr is a usable 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("analytics: invalid schedule %q: %w", expr, err)
	}
	return nil
}

// DigestFunc receives the report computed for a digest run.
type DigestFunc func(ctx context.Context, r *Report) error

// Refresher recomputes the all-time report on a schedule and caches the
// latest one for readers.
type Refresher struct {
	agg      *Aggregator
	schedule string
	log      *logger.Logger
	cron     *cron.Cron

	mu     sync.RWMutex
	latest *Report

	digestSchedule string
	digest         DigestFunc
}

// NewRefresher validates schedule and returns a stopped Refresher.
func NewRefresher(agg *Aggregator, schedule string, log *logger.Logger) (*Refresher, error) {
	if agg == nil {
		return nil, fmt.Errorf("analytics: aggregator is required")
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Refresher{
		agg:      agg,
		schedule: schedule,
		log:      log.With("service", "analytics"),
		cron:     cron.New(cron.WithParser(cronParser)),
	}, nil
}

// OnDigest registers fn to run on schedule with a freshly computed report.
// It must be called before Start.
func (r *Refresher) OnDigest(schedule string, fn DigestFunc) error {
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}
	r.digestSchedule = schedule
	r.digest = fn
	return nil
}

// Start computes an initial report, then refreshes on schedule until ctx is
// done.
func (r *Refresher) Start(ctx context.Context) error {
	if _, err := r.Refresh(ctx); err != nil {
		r.log.Warn("initial analytics refresh failed", "error", err)
	}

	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.Refresh(ctx); err != nil {
			r.log.Error("analytics refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("analytics: schedule refresh: %w", err)
	}
	if r.digest != nil {
		if _, err := r.cron.AddFunc(r.digestSchedule, func() {
			if err := r.RunDigest(ctx); err != nil {
				r.log.Error("analytics digest failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("analytics: schedule digest: %w", err)
		}
	}

	r.cron.Start()
	r.log.Info("analytics refresher started", "schedule", r.schedule, "digest_schedule", r.digestSchedule)
	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
	}()
	return nil
}

// Refresh recomputes and caches the report now.
func (r *Refresher) Refresh(ctx context.Context) (*Report, error) {
	rep, err := r.agg.Run(ctx, Window{})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.latest = rep
	r.mu.Unlock()
	r.log.Debug("analytics refreshed", "transitions", rep.Summary.Transitions, "cases", rep.Summary.TotalCases)
	return rep, nil
}

// Latest returns the cached report, if one has been computed.
func (r *Refresher) Latest() (*Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest, r.latest != nil
}

// RunDigest refreshes and hands the report to the digest func.
func (r *Refresher) RunDigest(ctx context.Context) error {
	if r.digest == nil {
		return nil
	}
	rep, err := r.Refresh(ctx)
	if err != nil {
		return err
	}
	return r.digest(ctx, rep)
}
