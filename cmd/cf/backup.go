package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vespl/caseflow/internal/stage"
	"github.com/vespl/caseflow/internal/workflow"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Deleted stage backups",
	}

	cmd.AddCommand(newBackupListCmd())
	cmd.AddCommand(newBackupShowCmd())
	cmd.AddCommand(newBackupRecreateCmd())
	return cmd
}

func newBackupListCmd() *cobra.Command {
	var (
		configPath string
		stageName  string
		caseNumber string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deleted stages that can be recreated",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			backups, err := eng.GetDeletedStages(context.Background(), workflow.DeletedStageFilter{
				Stage:            stage.Stage(strings.ToLower(stageName)),
				CaseNumber:       caseNumber,
				IncludeRecreated: all,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(backups) == 0 {
				fmt.Fprintln(out, "No backups found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCASE\tSTAGE\tDELETED\tBY\tRECREATED\tREASON")
			for _, b := range backups {
				number := "-"
				if b.Case != nil {
					number = b.Case.CaseNumber
				}
				recreated := "no"
				if b.Recreated {
					recreated = "by " + b.RecreatedBy
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					b.ID, number, b.Stage, formatTime(b.DeletedAt), b.DeletedBy, recreated, b.DeletionReason)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&stageName, "stage", "", "filter by deleted stage")
	cmd.Flags().StringVar(&caseNumber, "case", "", "filter by case number")
	cmd.Flags().BoolVar(&all, "all", false, "include backups that were already recreated")
	return cmd
}

func newBackupShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <backup-id>",
		Short: "Print the snapshot held by a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			b, err := eng.GetBackup(context.Background(), args[0])
			if err != nil {
				return err
			}
			snap, err := workflow.DecodeSnapshot(b.SnapshotData, stage.Stage(b.Stage))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBackupRecreateCmd() *cobra.Command {
	var (
		configPath string
		actor      string
		version    int
	)

	cmd := &cobra.Command{
		Use:   "recreate <backup-id>",
		Short: "Restore a deleted stage from its backup",
		Long:  "Restores the backed-up records and moves the case back into the deleted stage. Each backup can be recreated once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			res, err := eng.RecreateStage(context.Background(), args[0], actor, &version)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Recreated stage %s of case %s (version %d)\n", res.Backup.Stage, res.Case.CaseNumber, res.Case.Version)
			for _, r := range res.Records {
				fmt.Fprintf(out, "Record: %s (%s)\n", r.DocumentNumber, r.ID)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&actor, "actor", "", "user recreating the stage (required)")
	addVersionFlag(cmd, &version)
	cmd.MarkFlagRequired("actor")
	return cmd
}
