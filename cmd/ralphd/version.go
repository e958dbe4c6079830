package main

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

var commit = "none"

var date = "unknown"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ralphd version",
		Args:  cobra.NoArgs,
		// No config is needed to print a version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionLine())
		},
	}
}

func unset(s string) bool {
	return s == "" || s == "none" || s == "unknown"
}

func versionLine() string {
	if version != "dev" {
		return fmt.Sprintf("ralphd version %s", version)
	}

	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if unset(c) || unset(d) {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				v := strings.TrimSpace(s.Value)
				switch s.Key {
				case "vcs.revision":
					if unset(c) && v != "" {
						c = v
					}
				case "vcs.time":
					if unset(d) && v != "" {
						d = v
					}
				}
			}
		}
	}

	if !unset(c) && len(c) > 7 {
		c = c[:7]
	}

	switch {
	case unset(c) && unset(d):
		return "ralphd version dev"
	case unset(c):
		return fmt.Sprintf("ralphd version dev (built %s)", d)
	case unset(d):
		return fmt.Sprintf("ralphd version dev (commit %s)", c)
	}
	return fmt.Sprintf("ralphd version dev (commit %s, built %s)", c, d)
}
