package main

import (
	"github.com/spf13/cobra"

	"github.com/chr1sbest/ralphd/internal/config"
	"github.com/chr1sbest/ralphd/internal/logger"
)

// cli carries what PersistentPreRunE resolved to the subcommands.
type cli struct {
	configPath  string
	projectRoot string
	logLevel    string

	cfg *config.Config
	log *logger.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "ralphd",
		Short: "Supervise a ralph worker and stream its progress",
		Long: `ralphd runs one ralph worker per project, keeps a durable record of
its execution state, recovers from crashes, and streams progress to
dashboards over a websocket.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file or directory containing ralphd.yaml")
	root.PersistentFlags().StringVarP(&c.projectRoot, "project", "p", "", "project root (overrides project.root)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (overrides logging.level)")

	root.AddCommand(
		newServeCmd(c),
		newStartCmd(c),
		newStopCmd(c),
		newKillCmd(c),
		newStatusCmd(c),
		newRecoverCmd(c),
		newPreflightCmd(c),
		newHistoryCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if c.projectRoot != "" {
		overrides["project.root"] = c.projectRoot
	}
	if c.logLevel != "" {
		overrides["logging.level"] = c.logLevel
	}
	cfg, err := config.Load(config.Options{Path: c.configPath, Overrides: overrides})
	if err != nil {
		return err
	}

	logCfg := cfg.Logging
	// Only serve owns stdout for logs; other commands print results there.
	if cmd.Name() != "serve" && (logCfg.OutputPath == "" || logCfg.OutputPath == "stdout") {
		logCfg.OutputPath = "stderr"
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.log = log
	return nil
}
