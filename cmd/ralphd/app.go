package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/chr1sbest/ralphd/internal/crash"
	"github.com/chr1sbest/ralphd/internal/events"
	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/gateway/websocket"
	"github.com/chr1sbest/ralphd/internal/history"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/preflight"
	"github.com/chr1sbest/ralphd/internal/ralph"
	"github.com/chr1sbest/ralphd/internal/tracing"
	"github.com/chr1sbest/ralphd/internal/tracker"
)

// app is the composition root shared by every command.
type app struct {
	log       *logger.Logger
	fs        afero.Fs
	files     *tracker.Writer
	states    *execstate.Manager
	crash     *crash.Service
	preflight *preflight.Validator
	proc      *ralph.Process
	hub       *websocket.Hub
	history   *history.Store
	tracing   *tracing.Provider
}

type appOptions struct {
	// withHub publishes events to a websocket hub instead of dropping them.
	withHub bool
}

func (c *cli) newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg := c.cfg
	a := &app{log: c.log, fs: afero.NewOsFs()}

	tp, err := tracing.Setup(ctx, tracing.Config{Endpoint: cfg.Tracing.Endpoint, ServiceName: cfg.Tracing.ServiceName})
	if err != nil {
		return nil, err
	}
	a.tracing = tp

	var stateOpts []execstate.Option
	stateOpts = append(stateOpts, execstate.WithLogger(a.log))
	if path := cfg.HistoryPath(); path != "" {
		store, err := history.Open(path, a.log)
		if err != nil {
			a.log.WithError(err).Warn("run history disabled")
		} else {
			a.history = store
			stateOpts = append(stateOpts, execstate.WithTerminalHook(store.Hook()))
		}
	}

	a.files = tracker.NewWriter(a.fs, cfg.Project.RuntimeDir, cfg.Project.Root)
	a.states = execstate.NewManager(a.fs, cfg.StatePath(), stateOpts...)

	var pub events.Publisher = events.Nop{}
	var beats ralph.HeartbeatBroadcaster
	if opts.withHub {
		a.hub = websocket.NewHub(a.log,
			websocket.WithSnapshot(func() any { return a.states.State() }),
			websocket.WithHeartbeatFields(a.heartbeatFields),
		)
		pub = a.hub
		beats = a.hub
	}

	a.crash = crash.NewService(a.files, a.states, pub, crash.WithLogger(a.log))
	a.preflight = preflight.NewValidator(preflight.Config{
		ProjectRoot:      cfg.Project.Root,
		Binary:           cfg.Worker.Binary,
		VersionArgs:      cfg.Worker.VersionArgs,
		RequiredPaths:    cfg.Preflight.RequiredPaths,
		GeneratorCommand: cfg.Preflight.GeneratorCommand,
		PromptArtifact:   cfg.Preflight.PromptArtifact,
		GeneratorTimeout: cfg.Preflight.GeneratorTimeout,
	}, a.fs, a.log)

	a.proc = ralph.NewProcess(ralph.Config{
		ProjectRoot:       cfg.Project.Root,
		MetadataDir:       cfg.Project.MetadataDir,
		Binary:            cfg.Worker.Binary,
		Args:              cfg.Worker.Args,
		SessionFlag:       cfg.Worker.SessionFlag,
		MaxRuntime:        cfg.Worker.MaxRuntime,
		StopGracePeriod:   cfg.Worker.StopGracePeriod,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		StaleThreshold:    cfg.Heartbeat.StaleThreshold,
		BroadcastInterval: cfg.Heartbeat.BroadcastInterval,
		WatchdogInterval:  cfg.Heartbeat.WatchdogInterval,
	}, ralph.Deps{
		Fs:        a.fs,
		Files:     a.files,
		States:    a.states,
		Preflight: a.preflight,
		Crash:     a.crash,
		Phases:    ralph.NewRoadmapSource(a.fs, cfg.RoadmapPath()),
		Publisher: pub,
		Heartbeat: beats,
		Logger:    a.log,
	})
	return a, nil
}

func (a *app) heartbeatFields() map[string]any {
	fields := map[string]any{
		"running": a.proc.Running(),
		"pid":     a.proc.PID(),
	}
	if st := a.states.State(); st != nil {
		fields["executionId"] = st.ExecutionID
		fields["status"] = st.Status
		fields["overallProgress"] = st.OverallProgress
	}
	return fields
}

// Close releases the history database and flushes spans.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.tracing != nil {
		errs = append(errs, a.tracing.Shutdown(ctx))
	}
	errs = append(errs, syncLogger(a.log))
	return errors.Join(errs...)
}

// syncLogger ignores the EINVAL zap reports when syncing a terminal.
func syncLogger(log *logger.Logger) error {
	if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") &&
		!strings.Contains(err.Error(), "inappropriate ioctl") {
		return fmt.Errorf("failed to sync logger: %w", err)
	}
	return nil
}
