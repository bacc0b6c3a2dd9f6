package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/doctor"
	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/step"
	"github.com/mattjoyce/devle/internal/storage"
	"github.com/mattjoyce/devle/internal/store"
	"github.com/mattjoyce/devle/internal/tui/watch"
	"github.com/mattjoyce/devle/internal/workflow"
)

// withState opens the state database for a one-shot command.
func withState(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, cfg *config.Config, db *sql.DB) error) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()
	return fn(ctx, cfg, db)
}

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	var plan string
	cmd := &cobra.Command{
		Use:   "trigger <project-id> <prompt>",
		Short: "Add a prompt to a project and start a CodeAgent run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd, opts, func(ctx context.Context, cfg *config.Config, db *sql.DB) error {
				st := store.New(db)
				p, err := st.GetProject(ctx, args[0])
				if err != nil {
					return fmt.Errorf("project %s: %w", args[0], err)
				}
				prompt := strings.TrimSpace(args[1])
				if prompt == "" {
					return errors.New("prompt is empty")
				}
				if _, err := st.AddMessage(ctx, store.NewMessage{
					ProjectID: p.ID, Role: store.RoleUser, Type: store.TypeResult, Content: prompt,
				}); err != nil {
					return err
				}
				id, err := workflow.Trigger(ctx, queue.New(db), cfg, queue.CodeAgentRunPayload{
					ProjectID: p.ID, Prompt: prompt, UserPlan: plan,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&plan, "plan", "", "Plan of the requesting user (pro/paid shortens sandbox lifetime for private projects)")
	return cmd
}

func newPublishCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <project-id>",
		Short: "Request a Publish run for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd, opts, func(ctx context.Context, cfg *config.Config, db *sql.DB) error {
				id, err := workflow.RequestPublish(ctx, queue.New(db), cfg, args[0], "")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func newBackfillCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Request Publish runs for public projects without a slug",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withState(cmd, opts, func(ctx context.Context, cfg *config.Config, db *sql.DB) error {
				pub := workflow.NewPublish(cfg, workflow.Deps{Store: store.New(db), Bus: queue.New(db)})
				ids, err := pub.Backfill(ctx)
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			})
		},
	}
}

func newRunsCmd(opts *rootOptions) *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs",
	}
	var jsonOut bool
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its completed steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd, opts, func(ctx context.Context, _ *config.Config, db *sql.DB) error {
				rs := step.NewStore(db)
				run, err := rs.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := rs.ListSteps(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOut {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]any{"run": run, "steps": steps})
				}
				return printRun(cmd, run, steps)
			})
		},
	}
	show.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	runs.AddCommand(show)
	return runs
}

func printRun(cmd *cobra.Command, run *step.RunRecord, steps []step.Record) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:      %s\n", run.ID)
	fmt.Fprintf(out, "workflow: %s\n", run.Workflow)
	fmt.Fprintf(out, "status:   %s\n", run.Status)
	fmt.Fprintf(out, "started:  %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.Error != nil {
		fmt.Fprintf(out, "error:    %s\n", *run.Error)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tATTEMPTS\tCOMPLETED\tOUTPUT")
	for _, s := range steps {
		output := string(s.Output)
		if len(output) > 60 {
			output = output[:60] + "..."
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.Name, s.Attempts, s.CompletedAt.Format(time.RFC3339), output)
	}
	return tw.Flush()
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live TUI of queue health, runs and events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("DEVLE_API_KEY")
			}
			if apiURL == "" || apiKey == "" {
				if cfg, err := opts.loadConfig(cmd); err == nil {
					if apiURL == "" {
						apiURL = "http://" + cfg.API.Listen
					}
					if apiKey == "" {
						apiKey = cfg.API.Auth.APIKey
					}
				}
			}
			if apiURL == "" {
				apiURL = "http://localhost:8080"
			}
			if apiKey == "" {
				return errors.New("API key required: use --api-key or DEVLE_API_KEY")
			}
			if _, err := tea.NewProgram(watch.New(apiURL, apiKey)).Run(); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "API URL (default from config api.listen)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API bearer token (or DEVLE_API_KEY)")
	return cmd
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration for problems that still parse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			res := doctor.New(cfg).Validate()
			res.Fingerprint = opts.fingerprint()

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := doctor.FormatJSON(res)
				if err != nil {
					return fmt.Errorf("render doctor JSON: %w", err)
				}
				fmt.Fprintln(out, data)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(res))
			}
			if !res.Valid {
				return fmt.Errorf("configuration has %d error(s)", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the report as JSON")
	return cmd
}
