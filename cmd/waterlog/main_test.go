package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runCLI executes the root command with the given arguments and returns what
// it wrote to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeTestConfig points the data directory into a temp tree so commands
// operate on a throwaway library.
func writeTestConfig(t *testing.T, base string) string {
	t.Helper()

	path := filepath.Join(base, "config.toml")
	body := fmt.Sprintf("[paths]\ndata_dir = %q\nlibrary = \"library\"\n", filepath.Join(base, "data"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("output %q does not contain %q", haystack, needle)
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	tmp := t.TempDir()
	target := filepath.Join(tmp, "config.toml")

	out, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected second init without --overwrite to fail")
	}
	if _, err := runCLI(t, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestListOnEmptyLibrary(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir())

	out, err := runCLI(t, "--config", cfgPath, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, "Library is empty")
}

func TestShowRejectsUnknownMedia(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir())

	if _, err := runCLI(t, "--config", cfgPath, "show", "missing"); err == nil {
		t.Fatal("expected show on an unknown id to fail")
	}
}

func TestDeleteRequiresArguments(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir())

	if _, err := runCLI(t, "--config", cfgPath, "delete"); err == nil {
		t.Fatal("expected delete without arguments to fail")
	}
}

func TestPurgeLibraryRemovesDirectory(t *testing.T) {
	base := t.TempDir()
	cfgPath := writeTestConfig(t, base)
	libDir := filepath.Join(base, "data", "library")

	// Opening the library once creates the directory tree.
	if _, err := runCLI(t, "--config", cfgPath, "list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := os.Stat(libDir); err != nil {
		t.Fatalf("library dir missing before purge: %v", err)
	}

	out, err := runCLI(t, "--config", cfgPath, "delete", "--purge-library")
	if err != nil {
		t.Fatalf("delete --purge-library: %v", err)
	}
	requireContains(t, out, "Removed library")
	if _, err := os.Stat(libDir); !os.IsNotExist(err) {
		t.Fatalf("library dir survived purge: %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, "0:00"},
		{65.2, "1:05"},
		{3599.6, "1:00:00"},
		{7322, "2:02:02"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.seconds); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

func TestCollapse(t *testing.T) {
	if got := collapse("  a\n b\tc  ", 20); got != "a b c" {
		t.Errorf("collapse = %q", got)
	}
	if got := collapse("abcdefghij", 8); got != "abcde..." {
		t.Errorf("collapse truncation = %q", got)
	}
}

func TestRenderTableFillsShortRows(t *testing.T) {
	out := resultTable{
		headers: []string{"A", "B"},
		rows:    [][]string{{"only"}},
	}.render()
	requireContains(t, out, "only")
	requireContains(t, out, "A")
}
