package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/history"
	"github.com/chr1sbest/ralphd/internal/preflight"
	"github.com/chr1sbest/ralphd/internal/status"
)

func newPreflightCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "preflight <phase>",
		Short: "Run the start checks for a phase without starting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				res := a.preflight.ValidateAll(cmd.Context(), args[0])
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(res); err != nil {
						return err
					}
				} else {
					printChecks(statusWriter(out, true), res.Checks)
				}
				return res.Err()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printChecks(w *status.Writer, checks []preflight.Check) {
	lines := make([]string, 0, len(checks))
	for _, c := range checks {
		if c.Passed {
			lines = append(lines, fmt.Sprintf("✓ %s (%dms)", c.Name, c.DurationMs))
			continue
		}
		lines = append(lines, fmt.Sprintf("✗ %s: %s [%s]", c.Name, c.Message, c.ErrorCode))
	}
	w.Update(lines...)
}

func newHistoryCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				if a.history == nil {
					return execerr.New(execerr.CodeInternal, "run history is disabled")
				}
				runs, err := a.history.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func printRuns(out io.Writer, runs []history.Run) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tPHASE\tSTATUS\tPROGRESS\tSPECS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d/%d\t%s\t%s\t%s\n",
			r.ExecutionID, r.PhaseID, r.Status, r.OverallProgress,
			r.CompletedSpecs, r.TotalSpecs,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			time.Duration(r.ElapsedSeconds)*time.Second,
			r.ErrorCode)
	}
	_ = tw.Flush()
}
