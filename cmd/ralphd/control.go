package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/ralph"
	"github.com/chr1sbest/ralphd/internal/status"
)

const renderInterval = 500 * time.Millisecond

// withApp builds the app, runs fn and releases it.
func (c *cli) withApp(ctx context.Context, fn func(*app) error) error {
	a, err := c.newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(a)
}

func statusWriter(w io.Writer, plain bool) *status.Writer {
	sw := status.NewWithWriter(w)
	if plain {
		sw.Plain()
	}
	return sw
}

func newStartCmd(c *cli) *cobra.Command {
	var opts ralph.StartOptions
	var plain bool
	cmd := &cobra.Command{
		Use:   "start [phase]",
		Short: "Run a phase in the foreground until it finishes",
		Long: `Start spawns the worker for a phase and supervises it until it exits.
Interrupting stops the worker gracefully. With --resume the phase may be
omitted and defaults to the interrupted execution's phase.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.PhaseID = args[0]
			}
			if opts.PhaseID == "" && !opts.Resume {
				return fmt.Errorf("a phase is required unless --resume is set")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.withApp(ctx, func(a *app) error {
				return runForeground(ctx, a, opts, statusWriter(cmd.OutOrStdout(), plain))
			})
		},
	}
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "kill a running execution first")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "worker session id")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "resume the last crashed or stopped execution")
	cmd.Flags().BoolVar(&plain, "plain", false, "no colors or in-place updates")
	return cmd
}

func runForeground(ctx context.Context, a *app, opts ralph.StartOptions, w *status.Writer) error {
	st, err := a.proc.Start(ctx, opts)
	if err != nil {
		var pre *ralph.PreflightError
		if errors.As(err, &pre) {
			printChecks(w, pre.Result.Checks)
		}
		return err
	}
	w.Show(st)

	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info("interrupted, stopping worker")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := a.proc.Shutdown(shutdownCtx)
			cancel()
			w.Show(a.states.State())
			return err
		case <-ticker.C:
			st := a.states.State()
			w.Show(st)
			if st != nil && st.Status.Terminal() && !a.proc.Running() {
				return terminalErr(st)
			}
		}
	}
}

func terminalErr(st *execstate.ExecutionState) error {
	if st.Status != execstate.StatusFailed {
		return nil
	}
	return execerr.New(st.ErrorCode, st.Error)
}

func newStopCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running worker gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				if !a.proc.Stop() {
					return execerr.New(execerr.CodeNotRunning, "no running execution")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
				// Escalation runs in this process; stay until it settles.
				ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.Worker.StopGracePeriod+5*time.Second)
				defer cancel()
				if err := a.proc.Wait(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "stopped")
				return nil
			})
		},
	}
}

func newKillCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Kill the worker immediately and clear its runtime files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				if !a.proc.ForceKill() {
					return execerr.New(execerr.CodeNotRunning, "no running execution")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "killed")
				return nil
			})
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON, watch, plain bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current execution state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(a.states.State())
				}
				w := statusWriter(out, plain)
				w.Show(a.states.State())
				if !watch {
					return nil
				}
				return watchState(cmd.Context(), a, w)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw state document")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep rendering until the execution finishes")
	cmd.Flags().BoolVar(&plain, "plain", false, "no colors or in-place updates")
	return cmd
}

// watchState re-reads the state file written by another process.
func watchState(ctx context.Context, a *app, w *status.Writer) error {
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := a.states.Load()
			if err != nil {
				return err
			}
			w.Show(st)
			if st == nil || st.Status.Terminal() {
				return nil
			}
		}
	}
}

func newRecoverCmd(c *cli) *cobra.Command {
	var clearCrash, asJSON bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Sweep orphaned workers and show crash recovery state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				res, err := a.proc.CleanupOrphanedProcesses()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.WasOrphaned && !asJSON {
					fmt.Fprintf(out, "recovered orphaned execution (was %s)\n", res.PreviousState)
				}
				rs := a.crash.GetRecoveryState()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(rs); err != nil {
						return err
					}
				} else {
					statusWriter(out, true).Recovery(rs)
				}
				if clearCrash {
					return a.crash.ClearCrashState()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearCrash, "clear", false, "delete the crash record after showing it")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the recovery state as JSON")
	return cmd
}
