package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chr1sbest/ralphd/internal/banner"
	"github.com/chr1sbest/ralphd/internal/config"
	"github.com/chr1sbest/ralphd/internal/gateway/websocket"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/server"
)

func newServeCmd(c *cli) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "skip the startup banner")
	return cmd
}

func (c *cli) serve(parent context.Context, quiet bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := c.newApp(ctx, appOptions{withHub: true})
	if err != nil {
		return err
	}

	if res, err := a.proc.CleanupOrphanedProcesses(); err != nil {
		a.log.WithError(err).Warn("orphan cleanup failed")
	} else if res.WasOrphaned {
		a.log.Info("recovered orphaned execution", logger.F("previous_state", res.PreviousState))
	}

	srv := server.New(server.Deps{
		Executor:  a.proc,
		States:    a.states,
		Recovery:  a.crash,
		Preflight: a.preflight,
		History:   historyLister(a),
		WebSocket: websocket.NewHandler(a.hub, a.log).HandleConnection,
	}, a.log, c.cfg.Logging.Level == "debug")

	if !quiet {
		banner.New().Print(banner.Info{
			Version:     version,
			Addr:        c.cfg.Server.Addr(),
			ProjectRoot: c.cfg.Project.Root,
			Worker:      strings.Join(append([]string{c.cfg.Worker.Binary}, c.cfg.Worker.Args...), " "),
			ConfigFile:  config.ConfigFileUsed(c.configPath),
			HistoryPath: historyPath(a, c.cfg),
			Tracing:     a.tracing.Enabled(),
		})
	}

	hb := c.cfg.Heartbeat
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, c.cfg.Server.Addr(), c.cfg.Server.ReadTimeout, c.cfg.Server.WriteTimeout)
	})
	g.Go(func() error {
		a.hub.Run(gctx, hb.BroadcastInterval, hb.ConnectionTimeout)
		return nil
	})
	g.Go(func() error {
		a.proc.Watch(gctx)
		return nil
	})
	runErr := g.Wait()

	a.log.Info("Shutting down ralphd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Worker.StopGracePeriod+5*time.Second)
	defer cancel()
	if err := a.proc.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Error("worker shutdown error")
	}
	if err := a.Close(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("cleanup error")
	}
	return runErr
}

// historyLister avoids handing the server a typed nil.
func historyLister(a *app) server.HistoryLister {
	if a.history == nil {
		return nil
	}
	return a.history
}

func historyPath(a *app, cfg *config.Config) string {
	if a.history == nil {
		return ""
	}
	return cfg.HistoryPath()
}
