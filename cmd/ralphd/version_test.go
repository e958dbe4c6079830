package main

import (
	"strings"
	"testing"
)

func TestVersionLine(t *testing.T) {
	oldVersion, oldCommit, oldDate := version, commit, date
	defer func() {
		version, commit, date = oldVersion, oldCommit, oldDate
	}()

	t.Run("release version", func(t *testing.T) {
		version, commit, date = "v1.2.3", "none", "unknown"
		if got := versionLine(); got != "ralphd version v1.2.3" {
			t.Fatalf("versionLine() = %q", got)
		}
	})

	t.Run("dev commit only", func(t *testing.T) {
		version, commit, date = "dev", "abcdef012345", "unknown"
		got := versionLine()
		if !strings.HasPrefix(got, "ralphd version dev (commit abcdef0") {
			t.Fatalf("versionLine() = %q", got)
		}
	})

	t.Run("dev commit and date", func(t *testing.T) {
		version, commit, date = "dev", "abcdef012345", "2026-01-18T16:00:00Z"
		got := versionLine()
		if got != "ralphd version dev (commit abcdef0, built 2026-01-18T16:00:00Z)" {
			t.Fatalf("versionLine() = %q", got)
		}
	})
}

func TestVersionCommandSkipsConfig(t *testing.T) {
	out, err := execute(t, "--config", "/nonexistent/ralphd.yaml", "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "ralphd version ") {
		t.Fatalf("output = %q", out)
	}
}
