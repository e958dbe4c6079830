// Package history keeps a durable log of finished executions in SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/resilience"
)

const defaultBusyTimeout = 5 * time.Second

// Run is one finished execution.
type Run struct {
	ExecutionID     string     `db:"execution_id" json:"executionId"`
	PhaseID         string     `db:"phase_id" json:"phaseId"`
	PhaseTitle      string     `db:"phase_title" json:"phaseTitle"`
	Status          string     `db:"status" json:"status"`
	OverallProgress int        `db:"overall_progress" json:"overallProgress"`
	Error           string     `db:"error" json:"error,omitempty"`
	ErrorCode       string     `db:"error_code" json:"errorCode,omitempty"`
	CompletedSpecs  int        `db:"completed_specs" json:"completedSpecs"`
	TotalSpecs      int        `db:"total_specs" json:"totalSpecs"`
	ElapsedSeconds  int64      `db:"elapsed_seconds" json:"elapsedSeconds"`
	StartedAt       time.Time  `db:"started_at" json:"startedAt"`
	FinishedAt      *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
}

type Store struct {
	db      *sqlx.DB
	log     *logger.Logger
	retry   resilience.Policy
	breaker *resilience.CircuitBreaker
}

// Open opens (creating if needed) the history database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
		// Single writer with WAL so readers never block the recorder.
		dsn = fmt.Sprintf("file:%s?_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			path, int(defaultBusyTimeout/time.Millisecond))
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log.WithComponent("history"), retry: resilience.StoreWrite}
	s.retry.ShouldRetry = isBusy
	s.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	s.breaker.OnStateChange(func(from, to resilience.CircuitState) {
		s.log.Warn("history sink "+to.String(), logger.F("from", from.String()))
	})
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		execution_id TEXT PRIMARY KEY,
		phase_id TEXT NOT NULL,
		phase_title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		overall_progress INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		completed_specs INTEGER NOT NULL DEFAULT 0,
		total_specs INTEGER NOT NULL DEFAULT 0,
		elapsed_seconds INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record upserts the run for a terminal execution state.
func (s *Store) Record(ctx context.Context, st execstate.ExecutionState) error {
	run := Run{
		ExecutionID:     st.ExecutionID,
		PhaseID:         st.PhaseID,
		PhaseTitle:      st.PhaseTitle,
		Status:          string(st.Status),
		OverallProgress: st.OverallProgress,
		Error:           st.Error,
		ErrorCode:       string(st.ErrorCode),
		CompletedSpecs:  st.Metrics.CompletedSpecs,
		TotalSpecs:      st.Metrics.TotalSpecs,
		ElapsedSeconds:  st.Metrics.ElapsedSeconds,
		StartedAt:       st.Metrics.StartedAt.UTC(),
		FinishedAt:      st.FinishedAt,
	}
	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runs (execution_id, phase_id, phase_title, status, overall_progress, error,
			error_code, completed_specs, total_specs, elapsed_seconds, started_at, finished_at)
		VALUES (:execution_id, :phase_id, :phase_title, :status, :overall_progress, :error,
			:error_code, :completed_specs, :total_specs, :elapsed_seconds, :started_at, :finished_at)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			overall_progress = excluded.overall_progress,
			error = excluded.error,
			error_code = excluded.error_code,
			completed_specs = excluded.completed_specs,
			total_specs = excluded.total_specs,
			elapsed_seconds = excluded.elapsed_seconds,
			finished_at = excluded.finished_at`, run)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", st.ExecutionID, err)
	}
	return nil
}

// List returns the most recent runs first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	runs := []Run{}
	err := s.db.SelectContext(ctx, &runs, `
		SELECT execution_id, phase_id, phase_title, status, overall_progress, error, error_code,
			completed_specs, total_specs, elapsed_seconds, started_at, finished_at
		FROM runs ORDER BY started_at DESC, execution_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Hook adapts the store to an execution-state terminal hook. Failures are
// logged, and after repeated failures records are dropped until the breaker
// lets a probe through.
func (s *Store) Hook() execstate.TerminalHook {
	return func(st execstate.ExecutionState) {
		ctx, cancel := context.WithTimeout(context.Background(), defaultBusyTimeout)
		defer cancel()
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.Record(ctx, st)
		})
		if err != nil {
			s.log.WithExecutionID(st.ExecutionID).WithError(err).Warn("failed to record run history")
		}
	}
}

// isBusy reports lock contention with another connection, which clears on
// its own.
func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
