package ralph

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/chr1sbest/ralphd/internal/events"
	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/tracker"
)

// ProgressWatcher relays the worker's progress file into execution state
// updates and progress broadcasts.
type ProgressWatcher struct {
	fs       afero.Fs
	path     string
	states   *execstate.Manager
	pub      events.Publisher
	log      *logger.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	stop   sync.Once

	mu   sync.Mutex
	last *tracker.Progress
}

func NewProgressWatcher(fs afero.Fs, path string, states *execstate.Manager, pub events.Publisher, log *logger.Logger) (*ProgressWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &ProgressWatcher{
		fs:       fs,
		path:     path,
		states:   states,
		pub:      pub,
		log:      log.WithComponent("progress"),
		watcher:  fsWatcher,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the progress file's directory. The worker replaces the file
// with a rename, so the directory rather than the file is watched.
func (w *ProgressWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return nil
}

// Stop ends the watch and applies the file one last time so a final write
// racing the worker's exit is not lost.
func (w *ProgressWatcher) Stop() {
	w.stop.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
		w.watcher.Close()
		if err := w.Apply(); err != nil {
			w.log.WithError(err).Debug("final progress apply failed")
		}
	})
}

func (w *ProgressWatcher) run(ctx context.Context) {
	defer close(w.done)

	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("progress watcher error")

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				if err := w.Apply(); err != nil {
					w.log.WithError(err).Warn("failed to apply progress")
				}
			}
		}
	}
}

// Apply reads the progress file and folds any change into the state.
func (w *ProgressWatcher) Apply() error {
	p, ok, err := tracker.ReadProgress(w.fs, w.path)
	if err != nil || !ok || p.SpecID == "" {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last != nil && *w.last == *p {
		return nil
	}

	status := specStatus(p.SpecStatus)
	if _, err := w.states.UpdateSpec(p.SpecID, status, p.SpecProgress); err != nil {
		return err
	}
	st, err := w.states.SetCurrentTask(p.SpecID, p.TaskIndex, p.CurrentTask)
	if err != nil {
		return err
	}
	w.last = p

	w.pub.PublishExecution(events.Progress, st.ExecutionID, st.PhaseID, map[string]any{
		"currentSpec":     st.CurrentSpec,
		"currentTask":     st.CurrentTask,
		"overallProgress": st.OverallProgress,
		"specs":           st.Specs,
		"metrics":         st.Metrics,
	})
	return nil
}

func specStatus(s string) execstate.SpecStatus {
	switch v := execstate.SpecStatus(s); v {
	case execstate.SpecPending, execstate.SpecRunning, execstate.SpecCompleted,
		execstate.SpecFailed, execstate.SpecSkipped:
		return v
	}
	return execstate.SpecRunning
}

func (p *Process) startWatcher(r *run, log *logger.Logger) {
	w, err := NewProgressWatcher(p.fs, p.cfg.ProgressPath(), p.states, p.pub, p.log)
	if err != nil {
		log.WithError(err).Warn("progress relay disabled")
		return
	}
	if err := w.Start(context.Background()); err != nil {
		w.watcher.Close()
		log.WithError(err).Warn("progress relay disabled")
		return
	}
	r.watcher = w
}
