// Package config loads ralphd settings from defaults, ralphd.yaml and
// RALPHD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chr1sbest/ralphd/internal/logger"
)

const (
	fileName  = "ralphd"
	envPrefix = "RALPHD"
)

type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Project   ProjectConfig        `mapstructure:"project"`
	Worker    WorkerConfig         `mapstructure:"worker"`
	Preflight PreflightConfig      `mapstructure:"preflight"`
	Heartbeat HeartbeatConfig      `mapstructure:"heartbeat"`
	History   HistoryConfig        `mapstructure:"history"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	Tracing   TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ProjectConfig struct {
	Root        string `mapstructure:"root"`
	MetadataDir string `mapstructure:"metadataDir"`
	// RuntimeDir holds lock, pid, heartbeat and crash files, keyed by project.
	RuntimeDir string `mapstructure:"runtimeDir"`
}

type WorkerConfig struct {
	Binary          string        `mapstructure:"binary"`
	Args            []string      `mapstructure:"args"`
	VersionArgs     []string      `mapstructure:"versionArgs"`
	SessionFlag     string        `mapstructure:"sessionFlag"`
	MaxRuntime      time.Duration `mapstructure:"maxRuntime"` // 0 disables the limit
	StopGracePeriod time.Duration `mapstructure:"stopGracePeriod"`
}

type PreflightConfig struct {
	RequiredPaths    []string      `mapstructure:"requiredPaths"`
	GeneratorCommand []string      `mapstructure:"generatorCommand"`
	PromptArtifact   string        `mapstructure:"promptArtifact"` // {phase} is replaced by the phase id
	GeneratorTimeout time.Duration `mapstructure:"generatorTimeout"`
}

type HeartbeatConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	StaleThreshold    time.Duration `mapstructure:"staleThreshold"`
	BroadcastInterval time.Duration `mapstructure:"broadcastInterval"`
	ConnectionTimeout time.Duration `mapstructure:"connectionTimeout"`
	WatchdogInterval  time.Duration `mapstructure:"watchdogInterval"`
}

type HistoryConfig struct {
	// Path is relative to the project root unless absolute. Empty disables history.
	Path string `mapstructure:"path"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// MetadataPath is the absolute metadata directory of the project.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.Project.Root, c.Project.MetadataDir)
}

// StatePath is where the execution state document lives.
func (c *Config) StatePath() string {
	return filepath.Join(c.MetadataPath(), "execution-state.json")
}

// RoadmapPath is the phase roadmap file.
func (c *Config) RoadmapPath() string {
	return filepath.Join(c.MetadataPath(), "phases.yaml")
}

// HistoryPath resolves history.path against the project root.
func (c *Config) HistoryPath() string {
	if c.History.Path == "" || filepath.IsAbs(c.History.Path) {
		return c.History.Path
	}
	return filepath.Join(c.Project.Root, c.History.Path)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3847)
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)

	v.SetDefault("project.root", ".")
	v.SetDefault("project.metadataDir", ".ralph")
	v.SetDefault("project.runtimeDir", "~/.ralphd")

	v.SetDefault("worker.binary", "ralph")
	v.SetDefault("worker.args", []string{"run"})
	v.SetDefault("worker.versionArgs", []string{"--version"})
	v.SetDefault("worker.sessionFlag", "--session-id")
	v.SetDefault("worker.maxRuntime", time.Duration(0))
	v.SetDefault("worker.stopGracePeriod", 10*time.Second)

	v.SetDefault("preflight.requiredPaths", []string{".ralph", ".ralph/phases.yaml"})
	v.SetDefault("preflight.generatorCommand", []string{".ralph/scripts/generate-prompt.sh"})
	v.SetDefault("preflight.promptArtifact", ".ralph/prompts/{phase}.md")
	v.SetDefault("preflight.generatorTimeout", 60*time.Second)

	v.SetDefault("heartbeat.interval", 5*time.Second)
	v.SetDefault("heartbeat.staleThreshold", 30*time.Second)
	v.SetDefault("heartbeat.broadcastInterval", 5*time.Second)
	v.SetDefault("heartbeat.connectionTimeout", 60*time.Second)
	v.SetDefault("heartbeat.watchdogInterval", 15*time.Second)

	v.SetDefault("history.path", ".ralph/history.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "ralphd")
}

// Options controls where configuration is read from.
type Options struct {
	// Path is a config file or a directory containing ralphd.yaml.
	Path string
	// Overrides take precedence over file and environment values,
	// keyed by dotted config key (for example "project.root").
	Overrides map[string]any
}

// Load reads configuration with precedence overrides > env > file > defaults.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if ext := filepath.Ext(opts.Path); ext == ".yaml" || ext == ".yml" {
		v.SetConfigFile(opts.Path)
	} else {
		v.SetConfigName(fileName)
		if opts.Path != "" {
			v.AddConfigPath(opts.Path)
		}
		v.AddConfigPath(".ralph")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expand(); err != nil {
		return nil, err
	}

	if errs := Validate(&cfg); errs.HasErrors() {
		return nil, fmt.Errorf("config validation failed: %w", errs)
	}

	return &cfg, nil
}

// ConfigFileUsed reports which ralphd.yaml Load would read, or "".
func ConfigFileUsed(path string) string {
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		return path
	}
	for _, dir := range []string{path, ".ralph", "."} {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, fileName+".yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// expand applies ${VAR} substitution and resolves paths.
func (c *Config) expand() error {
	c.Worker.Binary = ExpandEnvVars(c.Worker.Binary)
	c.Worker.Args = ExpandEnvVarsAll(c.Worker.Args)
	c.Preflight.GeneratorCommand = ExpandEnvVarsAll(c.Preflight.GeneratorCommand)
	c.History.Path = ExpandEnvVars(c.History.Path)

	root, err := ExpandHome(ExpandEnvVars(c.Project.Root))
	if err != nil {
		return err
	}
	if root, err = filepath.Abs(root); err != nil {
		return fmt.Errorf("failed to resolve project root: %w", err)
	}
	c.Project.Root = root

	runtimeDir, err := ExpandHome(ExpandEnvVars(c.Project.RuntimeDir))
	if err != nil {
		return err
	}
	c.Project.RuntimeDir = runtimeDir
	return nil
}
