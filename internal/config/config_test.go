package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{Path: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:3847", cfg.Server.Addr())
	assert.Equal(t, "ralph", cfg.Worker.Binary)
	assert.Equal(t, []string{"run"}, cfg.Worker.Args)
	assert.Equal(t, "--session-id", cfg.Worker.SessionFlag)
	assert.Equal(t, time.Duration(0), cfg.Worker.MaxRuntime)
	assert.Equal(t, 10*time.Second, cfg.Worker.StopGracePeriod)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.StaleThreshold)
	assert.Equal(t, 60*time.Second, cfg.Heartbeat.ConnectionTimeout)
	assert.Equal(t, ".ralph/prompts/{phase}.md", cfg.Preflight.PromptArtifact)
	assert.True(t, filepath.IsAbs(cfg.Project.Root))
	assert.NotContains(t, cfg.Project.RuntimeDir, "~")
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileEnvAndOverrides(t *testing.T) {
	dir := t.TempDir()
	root := t.TempDir()
	yaml := `
server:
  port: 4100
worker:
  binary: ${RALPHD_TEST_WORKER:-ralph}
  args: [run, --verbose]
  maxRuntime: 2h
heartbeat:
  staleThreshold: 45s
history:
  path: runs.db
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ralphd.yaml"), []byte(yaml), 0o644))
	t.Setenv("RALPHD_TEST_WORKER", "/usr/local/bin/ralph")
	t.Setenv("RALPHD_LOGGING_LEVEL", "debug")

	cfg, err := Load(Options{
		Path:      dir,
		Overrides: map[string]any{"project.root": root, "server.port": 4200},
	})
	require.NoError(t, err)

	assert.Equal(t, 4200, cfg.Server.Port, "overrides beat the file")
	assert.Equal(t, "/usr/local/bin/ralph", cfg.Worker.Binary)
	assert.Equal(t, []string{"run", "--verbose"}, cfg.Worker.Args)
	assert.Equal(t, 2*time.Hour, cfg.Worker.MaxRuntime)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.StaleThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, root, cfg.Project.Root)
	assert.Equal(t, filepath.Join(root, "runs.db"), cfg.HistoryPath())
	assert.Equal(t, filepath.Join(root, ".ralph", "execution-state.json"), cfg.StatePath())
	assert.Equal(t, filepath.Join(root, ".ralph", "phases.yaml"), cfg.RoadmapPath())
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 5000\n"), 0o644))

	cfg, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, path, ConfigFileUsed(path))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(Options{Path: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(Options{
		Path: t.TempDir(),
		Overrides: map[string]any{
			"server.port":              0,
			"heartbeat.staleThreshold": "1s",
			"logging.format":           "xml",
		},
	})
	require.Error(t, err)

	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"server.port", "heartbeat.staleThreshold", "logging.format"}, fields)
}

func TestHistoryPathDisabledAndAbsolute(t *testing.T) {
	cfg := &Config{Project: ProjectConfig{Root: "/srv/app"}}
	assert.Equal(t, "", cfg.HistoryPath())
	cfg.History.Path = "/var/lib/ralphd/history.db"
	assert.Equal(t, "/var/lib/ralphd/history.db", cfg.HistoryPath())
}
