package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/vespl/caseflow/internal/analytics"
	"github.com/vespl/caseflow/internal/config"
	"github.com/vespl/caseflow/internal/db"
	"github.com/vespl/caseflow/internal/docid"
	"github.com/vespl/caseflow/internal/events"
	"github.com/vespl/caseflow/internal/logger"
	"github.com/vespl/caseflow/internal/workflow"
)

// connectFromConfig loads config and returns a GORM DB connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.Database.Name, err)
	}

	return cfg, gormDB, nil
}

// newEngine builds a workflow engine for cfg. A nil publisher discards events.
func newEngine(cfg *config.Config, gormDB *gorm.DB, pub events.Publisher, log *logger.Logger) (*workflow.Engine, error) {
	return workflow.New(gormDB, workflow.Options{
		DocIDs:    docid.New(cfg.CompanyPrefix),
		Publisher: pub,
		Logger:    log,
	})
}

// engineFromConfig is connectFromConfig plus an engine with no event fan-out,
// for one-shot commands.
func engineFromConfig(configPath string) (*workflow.Engine, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newEngine(cfg, gormDB, nil, nil)
}

func newAggregator(cfg *config.Config, gormDB *gorm.DB) *analytics.Aggregator {
	return analytics.NewAggregator(gormDB, analytics.AggregatorOpts{SLA: cfg.SLAHoursFor})
}

func addConfigFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVarP(dst, "config", "c", defaultConfig, "path to caseflow config file")
}

// addVersionFlag registers the required --expected-version flag. Mutations
// fail with a concurrent-modification error unless the case is still at the
// version the caller read.
func addVersionFlag(cmd *cobra.Command, dst *int) {
	cmd.Flags().IntVar(dst, "expected-version", 0, "case version read before this change, as shown by \"cf case show\" (required)")
	cmd.MarkFlagRequired("expected-version")
}
