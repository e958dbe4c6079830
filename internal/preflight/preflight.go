// Package preflight runs the ordered checks that must pass before a worker
// is spawned.
package preflight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/logger"
	"github.com/chr1sbest/ralphd/internal/procgroup"
)

const (
	CheckTool    = "tool_installed"
	CheckProject = "project_initialized"
	CheckPrompt  = "prompt_generated"

	DefaultGeneratorTimeout = 60 * time.Second

	phasePlaceholder = "{phase}"
)

var tracer = otel.Tracer("github.com/chr1sbest/ralphd/internal/preflight")

type Config struct {
	ProjectRoot      string
	Binary           string
	VersionArgs      []string
	RequiredPaths    []string
	GeneratorCommand []string
	PromptArtifact   string
	GeneratorTimeout time.Duration
}

// Check is the outcome of a single attempted check.
type Check struct {
	Name       string       `json:"name"`
	Passed     bool         `json:"passed"`
	ErrorCode  execerr.Code `json:"errorCode,omitempty"`
	Message    string       `json:"message,omitempty"`
	DurationMs int64        `json:"durationMs"`
}

// Result holds only the checks that were attempted, in order.
type Result struct {
	Success   bool         `json:"success"`
	ErrorCode execerr.Code `json:"errorCode,omitempty"`
	Checks    []Check      `json:"checks"`
}

// Err returns the first failed check as a coded error, or nil.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	for _, c := range r.Checks {
		if !c.Passed {
			return execerr.New(c.ErrorCode, c.Message)
		}
	}
	return execerr.New(r.ErrorCode, "preflight failed")
}

type Validator struct {
	cfg Config
	fs  afero.Fs
	log *logger.Logger
}

func NewValidator(cfg Config, fs afero.Fs, log *logger.Logger) *Validator {
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = DefaultGeneratorTimeout
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Validator{cfg: cfg, fs: fs, log: log.WithComponent("preflight")}
}

// CheckToolInstalled locates the worker binary on PATH and, when version
// args are configured, confirms it actually runs.
func (v *Validator) CheckToolInstalled() error {
	path, err := exec.LookPath(v.cfg.Binary)
	if err != nil {
		return execerr.Newf(execerr.CodeToolNotFound,
			"%s is required but was not found in PATH", v.cfg.Binary)
	}
	if len(v.cfg.VersionArgs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, path, v.cfg.VersionArgs...)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return execerr.Newf(execerr.CodeToolNotFound,
				"%s appears to be installed, but is not working: %s", v.cfg.Binary, msg)
		}
		return execerr.Wrap(execerr.CodeToolNotFound, err,
			fmt.Sprintf("%s appears to be installed, but is not working", v.cfg.Binary))
	}
	return nil
}

// CheckProjectInitialized verifies every required path exists under the
// project root.
func (v *Validator) CheckProjectInitialized() error {
	var missing []string
	for _, p := range v.cfg.RequiredPaths {
		ok, err := afero.Exists(v.fs, v.resolve(p))
		if err != nil {
			return execerr.Wrap(execerr.CodeProjectNotInitialized, err, "failed to inspect "+p)
		}
		if !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return execerr.Newf(execerr.CodeProjectNotInitialized,
			"project is not initialized: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// GeneratePrompt runs the generator with phaseID as its last argument. The
// generator's exit status alone is not trusted: the prompt artifact must
// exist afterwards.
func (v *Validator) GeneratePrompt(ctx context.Context, phaseID string) error {
	if len(v.cfg.GeneratorCommand) == 0 {
		return v.checkArtifact(phaseID)
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.GeneratorTimeout)
	defer cancel()

	args := append(append([]string{}, v.cfg.GeneratorCommand[1:]...), phaseID)
	cmd := exec.CommandContext(ctx, v.cfg.GeneratorCommand[0], args...)
	cmd.Dir = v.cfg.ProjectRoot
	procgroup.Set(cmd)
	procgroup.KillOnCancel(cmd)
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return execerr.Newf(execerr.CodePromptGenerationFailed,
			"prompt generation timed out after %s", v.cfg.GeneratorTimeout)
	}
	if err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			msg = err.Error()
		}
		return execerr.Wrap(execerr.CodePromptGenerationFailed, err, "prompt generation failed: "+lastLine(msg))
	}
	return v.checkArtifact(phaseID)
}

func (v *Validator) checkArtifact(phaseID string) error {
	if v.cfg.PromptArtifact == "" {
		return nil
	}
	rel := strings.ReplaceAll(v.cfg.PromptArtifact, phasePlaceholder, phaseID)
	ok, err := afero.Exists(v.fs, v.resolve(rel))
	if err != nil {
		return execerr.Wrap(execerr.CodePromptGenerationFailed, err, "failed to inspect "+rel)
	}
	if !ok {
		return execerr.Newf(execerr.CodePromptGenerationFailed,
			"prompt generator did not produce %s", rel)
	}
	return nil
}

// ValidateAll runs the checks in order and stops at the first failure.
func (v *Validator) ValidateAll(ctx context.Context, phaseID string) Result {
	ctx, span := tracer.Start(ctx, "preflight.ValidateAll")
	span.SetAttributes(attribute.String("phase.id", phaseID))
	defer span.End()

	steps := []struct {
		name string
		run  func() error
	}{
		{CheckTool, v.CheckToolInstalled},
		{CheckProject, v.CheckProjectInitialized},
		{CheckPrompt, func() error { return v.GeneratePrompt(ctx, phaseID) }},
	}

	res := Result{Success: true, Checks: make([]Check, 0, len(steps))}
	for _, s := range steps {
		start := time.Now()
		err := s.run()
		c := Check{Name: s.name, Passed: err == nil, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			c.ErrorCode = execerr.CodeOf(err)
			c.Message = execerr.MessageOf(err)
			res.Success = false
			res.ErrorCode = c.ErrorCode
			res.Checks = append(res.Checks, c)

			span.SetStatus(codes.Error, c.Message)
			v.log.WithPhaseID(phaseID).Warn("preflight check failed",
				logger.F("check", s.name),
				logger.F("error_code", string(c.ErrorCode)),
				logger.F("message", c.Message))
			return res
		}
		res.Checks = append(res.Checks, c)
	}
	v.log.WithPhaseID(phaseID).Debug("preflight passed")
	return res
}

func (v *Validator) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(v.cfg.ProjectRoot, p)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
