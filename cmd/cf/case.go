package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
	"github.com/vespl/caseflow/internal/workflow"
)

func newCaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Case lifecycle commands",
	}

	cmd.AddCommand(newCaseCreateCmd())
	cmd.AddCommand(newCaseTransitionCmd())
	cmd.AddCommand(newCaseCloseCmd())
	cmd.AddCommand(newCaseRejectCmd())
	cmd.AddCommand(newCaseAssignCmd())
	cmd.AddCommand(newCaseRecordCmd())
	cmd.AddCommand(newCaseDeleteStageCmd())
	cmd.AddCommand(newCaseListCmd())
	cmd.AddCommand(newCaseShowCmd())
	cmd.AddCommand(newCaseHistoryCmd())
	cmd.AddCommand(newCaseProgressCmd())
	cmd.AddCommand(newCaseVerifyCmd())
	return cmd
}

func newCaseCreateCmd() *cobra.Command {
	var (
		configPath string
		payload    string
		opts       workflow.CreateCaseOpts
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new case in enquiry",
		Long:  "Creates a case, its enquiry record and the opening transition. The case number is assigned from the enquiry document sequence.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" {
				opts.Payload = json.RawMessage(payload)
			}
			return runCaseCreate(cmd, configPath, opts)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.Client, "client", "", "client reference (required)")
	cmd.Flags().StringVar(&opts.Project, "project", "", "project name")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "user opening the case (required)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes on the opening transition")
	cmd.Flags().StringVar(&payload, "payload", "", "enquiry content as JSON")
	cmd.MarkFlagRequired("client")
	cmd.MarkFlagRequired("actor")
	return cmd
}

func runCaseCreate(cmd *cobra.Command, configPath string, opts workflow.CreateCaseOpts) error {
	eng, err := engineFromConfig(configPath)
	if err != nil {
		return err
	}
	res, err := eng.CreateCase(context.Background(), opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created case %s (#%d)\n", res.Case.CaseNumber, res.Case.ID)
	fmt.Fprintf(out, "Client: %s\n", res.Case.ClientRef)
	fmt.Fprintf(out, "State: %s\n", res.Case.CurrentState)
	return nil
}

func newCaseTransitionCmd() *cobra.Command {
	var (
		configPath string
		to         string
		actor      string
		notes      string
		ref        string
		payload    string
		docNumber  string
		version    int
	)

	cmd := &cobra.Command{
		Use:   "transition <case-number>",
		Short: "Move a case to its next stage",
		Long: `Moves a case along the pipeline. The target must be the next stage or rejected.

Pass --payload to persist the target stage's record in the same transaction,
or --ref to link a record saved earlier with "cf case record".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := workflow.TransitionOpts{
				To:              stage.Stage(strings.ToLower(to)),
				Actor:           actor,
				Notes:           notes,
				ReferenceID:     ref,
				ExpectedVersion: &version,
			}
			if payload != "" || docNumber != "" {
				opts.Record = &workflow.RecordInput{DocumentNumber: docNumber, Payload: json.RawMessage(payload)}
			}
			return runCaseMutation(cmd, configPath, func(eng *workflow.Engine) (*workflow.Result, error) {
				return eng.Transition(context.Background(), args[0], opts)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&to, "to", "", "target stage (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "user performing the transition (required)")
	cmd.Flags().StringVar(&notes, "notes", "", "transition notes")
	cmd.Flags().StringVar(&ref, "ref", "", "ID of an already saved stage record")
	cmd.Flags().StringVar(&payload, "payload", "", "stage record content as JSON")
	cmd.Flags().StringVar(&docNumber, "doc", "", "document number for the new record (default: next in sequence)")
	addVersionFlag(cmd, &version)
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("actor")
	return cmd
}

func newCaseCloseCmd() *cobra.Command {
	var (
		configPath string
		actor      string
		version    int
	)

	cmd := &cobra.Command{
		Use:   "close <case-number>",
		Short: "Close a delivered case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCaseMutation(cmd, configPath, func(eng *workflow.Engine) (*workflow.Result, error) {
				return eng.Close(context.Background(), args[0], actor, &version)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&actor, "actor", "", "user closing the case (required)")
	addVersionFlag(cmd, &version)
	cmd.MarkFlagRequired("actor")
	return cmd
}

func newCaseRejectCmd() *cobra.Command {
	var (
		configPath string
		actor      string
		reason     string
		version    int
	)

	cmd := &cobra.Command{
		Use:   "reject <case-number>",
		Short: "Reject an open case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCaseMutation(cmd, configPath, func(eng *workflow.Engine) (*workflow.Result, error) {
				return eng.Reject(context.Background(), args[0], actor, reason, &version)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&actor, "actor", "", "user rejecting the case (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	addVersionFlag(cmd, &version)
	cmd.MarkFlagRequired("actor")
	return cmd
}

func runCaseMutation(cmd *cobra.Command, configPath string, fn func(*workflow.Engine) (*workflow.Result, error)) error {
	eng, err := engineFromConfig(configPath)
	if err != nil {
		return err
	}
	res, err := fn(eng)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tr := res.Transition
	fmt.Fprintf(out, "Case %s: %s -> %s (version %d)\n", res.Case.CaseNumber, dash(tr.From()), tr.ToState, res.Case.Version)
	if res.Record != nil {
		fmt.Fprintf(out, "Record: %s (%s)\n", res.Record.DocumentNumber, res.Record.ID)
	}
	return nil
}

func newCaseAssignCmd() *cobra.Command {
	var (
		configPath string
		actor      string
		version    int
	)

	cmd := &cobra.Command{
		Use:   "assign <case-number>",
		Short: "Assign a case to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			c, err := eng.Assign(context.Background(), args[0], actor, &version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Case %s assigned to %s\n", c.CaseNumber, c.Assignee)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&actor, "actor", "", "assignee (required)")
	addVersionFlag(cmd, &version)
	cmd.MarkFlagRequired("actor")
	return cmd
}

func newCaseRecordCmd() *cobra.Command {
	var (
		configPath string
		stageName  string
		actor      string
		payload    string
		docNumber  string
	)

	cmd := &cobra.Command{
		Use:   "record <case-number>",
		Short: "Save a stage record ahead of its transition",
		Long:  "Persists the record for the stage the case moves to next. Pass the printed ID to \"cf case transition --ref\".",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			rec, err := eng.SaveStageRecord(context.Background(), args[0], stage.Stage(strings.ToLower(stageName)), actor,
				workflow.RecordInput{DocumentNumber: docNumber, Payload: json.RawMessage(payload)})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Saved %s record %s\n", rec.Stage, rec.DocumentNumber)
			fmt.Fprintf(out, "ID: %s\n", rec.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&stageName, "stage", "", "stage the record belongs to (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "user saving the record (required)")
	cmd.Flags().StringVar(&payload, "payload", "", "record content as JSON")
	cmd.Flags().StringVar(&docNumber, "doc", "", "document number (default: next in sequence)")
	cmd.MarkFlagRequired("stage")
	cmd.MarkFlagRequired("actor")
	return cmd
}

func newCaseDeleteStageCmd() *cobra.Command {
	var (
		configPath string
		stageName  string
		actor      string
		reason     string
		version    int
	)

	cmd := &cobra.Command{
		Use:   "delete-stage <case-number>",
		Short: "Revert a case out of its current stage",
		Long: `Deletes the case's current stage. Its records are backed up and soft-deleted,
and the case reverts to the previous stage. Restore with "cf backup recreate".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			res, err := eng.DeleteStage(context.Background(), args[0], workflow.DeleteStageOpts{
				Stage:           stage.Stage(strings.ToLower(stageName)),
				Actor:           actor,
				Reason:          reason,
				ExpectedVersion: &version,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Deleted stage %s of case %s; now in %s\n", res.Backup.Stage, res.Case.CaseNumber, res.Case.CurrentState)
			fmt.Fprintf(out, "Backup: %s\n", res.Backup.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&stageName, "stage", "", "stage to delete; must be the current stage (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "user deleting the stage (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "deletion reason (required)")
	addVersionFlag(cmd, &version)
	cmd.MarkFlagRequired("stage")
	cmd.MarkFlagRequired("actor")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func newCaseListCmd() *cobra.Command {
	var (
		configPath string
		filter     workflow.CaseFilter
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		Long:  "Lists cases with optional filters. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			cases, err := eng.ListCases(context.Background(), filter)
			if err != nil {
				return err
			}
			return printCases(cmd, cases)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filter.State, "state", "", "filter by current state")
	cmd.Flags().StringVar(&filter.Assignee, "assignee", "", "filter by assignee")
	cmd.Flags().StringVar(&filter.Client, "client", "", "filter by client reference")
	return cmd
}

func printCases(cmd *cobra.Command, cases []models.CaseRecord) error {
	out := cmd.OutOrStdout()
	if len(cases) == 0 {
		fmt.Fprintln(out, "No cases found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCASE\tCLIENT\tSTATE\tASSIGNEE\tVERSION\tUPDATED")
	for _, c := range cases {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, c.CaseNumber, c.ClientRef, c.CurrentState, dash(c.Assignee), c.Version, formatTime(c.UpdatedAt))
	}
	return w.Flush()
}

func newCaseShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <case-number>",
		Short: "Show case details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			c, err := eng.GetCase(context.Background(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Case:     %s (#%d)\n", c.CaseNumber, c.ID)
			fmt.Fprintf(out, "Client:   %s\n", c.ClientRef)
			fmt.Fprintf(out, "Project:  %s\n", dash(c.ProjectName))
			fmt.Fprintf(out, "State:    %s\n", c.CurrentState)
			fmt.Fprintf(out, "Assignee: %s\n", dash(c.Assignee))
			fmt.Fprintf(out, "Version:  %d\n", c.Version)
			fmt.Fprintf(out, "Created:  %s\n", formatTime(c.CreatedAt))
			if c.ClosedAt != nil {
				fmt.Fprintf(out, "Closed:   %s\n", formatTime(*c.ClosedAt))
			}
			if targets := eng.Definition().ValidTargets(stage.Stage(c.CurrentState)); len(targets) > 0 {
				names := make([]string, len(targets))
				for i, t := range targets {
					names[i] = string(t)
				}
				fmt.Fprintf(out, "Next:     %s\n", strings.Join(names, ", "))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newCaseHistoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "history <case-number>",
		Short: "Show the transition log of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			history, err := eng.GetHistory(context.Background(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tWHEN\tKIND\tFROM\tTO\tBY\tTIME IN PREV\tNOTES")
			for _, t := range history {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.Seq, formatTime(t.TransitionDate), t.Kind, dash(t.From()), t.ToState,
					t.TransitionedBy, formatDuration(t.DurationInState), t.Notes)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newCaseProgressCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "progress <case-number>",
		Short: "Show how far a case has progressed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			rep, err := eng.GetWorkflowProgress(context.Background(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Fprintf(out, "%s %s %.2f%% (%d/%d)\n", rep.CaseNumber, progressBar(rep.Percentage, 20),
				rep.Percentage, rep.CompletedCount, rep.TotalStages)
			for _, s := range rep.Stages {
				mark := " "
				switch {
				case s.Current:
					mark = ">"
				case s.Completed:
					mark = "x"
				}
				fmt.Fprintf(out, "  [%s] %s\n", mark, s.Stage)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newCaseVerifyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "verify <case-number>",
		Short: "Replay a case's transition log and check it matches its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engineFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := eng.VerifyChain(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Case %s: transition log is consistent\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
