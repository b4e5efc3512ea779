package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/kojitagsync/internal/config"
	"github.com/schaermu/kojitagsync/internal/hub"
	"github.com/schaermu/kojitagsync/internal/reconcile"
	"github.com/schaermu/kojitagsync/internal/tagsync"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// resetFlags restores the package level flag variables after a test
func resetFlags(t *testing.T) {
	t.Helper()
	orig := struct {
		cfgFile, logLevel, logFormat, outputFmt string
		dryRun                                  bool
		selectTags                              []string
	}{cfgFile, logLevel, logFormat, outputFmt, dryRun, selectTags}
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat, outputFmt = orig.cfgFile, orig.logLevel, orig.logFormat, orig.outputFmt
		dryRun, selectTags = orig.dryRun, orig.selectTags
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
}

// writeLocalSetup writes a file hub config with one declared tag and
// returns the config path and hub state file
func writeLocalSetup(t *testing.T) (string, string) {
	t.Helper()
	tmp := t.TempDir()
	declDir := filepath.Join(tmp, "tags")
	if err := os.MkdirAll(declDir, 0755); err != nil {
		t.Fatal(err)
	}
	decl := "tag: f40\npackages:\n  someuser:\n    - foo\n    - bar: {blocked: true}\n"
	if err := os.WriteFile(filepath.Join(declDir, "f40.yaml"), []byte(decl), 0644); err != nil {
		t.Fatal(err)
	}

	hubFile := filepath.Join(tmp, "hub.json")
	cfg := "hub:\n  type: file\n  state_file: " + hubFile +
		"\ndeclarations:\n  path: " + declDir +
		"\npaths:\n  state_dir: " + filepath.Join(tmp, "state") + "\n"
	cfgPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, hubFile
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSetupLogger(t *testing.T) {
	resetFlags(t)

	for _, tc := range []struct {
		logLevel  string
		logFormat string
		debug     bool
	}{
		{"debug", "text", true},
		{"info", "json", false},
		{"warn", "text", false},
		{"error", "json", false},
		{"unknown", "text", false},
	} {
		t.Run(tc.logLevel+"/"+tc.logFormat, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
			if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tc.debug {
				t.Errorf("debug enabled = %v, want %v", got, tc.debug)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	resetFlags(t)

	cfgFile, _ = writeLocalSetup(t)
	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Hub.Type != config.HubFile {
		t.Errorf("hub type = %s, want file", cfg.Hub.Type)
	}

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := loadConfig(quietLogger()); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	resetFlags(t)
	t.Setenv("HOME", t.TempDir())
	cfgFile = ""

	_, err := loadConfig(quietLogger())
	if err == nil || !strings.Contains(err.Error(), filepath.Join(".config", "kojitagsync", "config.yaml")) {
		t.Errorf("expected error naming the default path, got %v", err)
	}
}

func TestNewSession(t *testing.T) {
	fileCfg := &config.Config{Hub: config.HubConfig{Type: config.HubFile, StateFile: "/srv/hub.json"}}
	if _, ok := newSession(fileCfg).(*hub.FileSession); !ok {
		t.Error("expected a FileSession for the file hub")
	}

	cliCfg := &config.Config{Hub: config.HubConfig{Type: config.HubCLI, Command: "koji"}}
	if _, ok := newSession(cliCfg).(*hub.CLISession); !ok {
		t.Error("expected a CLISession for the cli hub")
	}
}

func TestWriteReport(t *testing.T) {
	report := &tagsync.Report{
		Results: []*reconcile.Result{
			{Tag: "f40", Changed: true, StdoutLines: []string{"package foo was added", "package foo was blocked"}},
			{Tag: "f41", StdoutLines: []string{}},
			{Tag: "f42", Changed: true, StdoutLines: []string{"package bar was removed"}},
		},
	}

	var text bytes.Buffer
	if err := writeReport(&text, report, "text"); err != nil {
		t.Fatal(err)
	}
	want := "package foo was added\npackage foo was blocked\npackage bar was removed\n"
	if text.String() != want {
		t.Errorf("text output = %q, want %q", text.String(), want)
	}

	var raw bytes.Buffer
	if err := writeReport(&raw, report, "json"); err != nil {
		t.Fatal(err)
	}
	var decoded tagsync.Report
	if err := json.Unmarshal(raw.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	if len(decoded.Results) != 3 || decoded.Results[2].StdoutLines[0] != "package bar was removed" {
		t.Errorf("unexpected decoded report %+v", decoded)
	}
}

func TestSyncCommand(t *testing.T) {
	resetFlags(t)
	cfgPath, _ := writeLocalSetup(t)

	if _, err := execute(t, "--config", cfgPath, "create-tag", "f40"); err != nil {
		t.Fatalf("create-tag: %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "--log-level", "error", "sync", "--dry-run")
	if err != nil {
		t.Fatalf("dry-run sync: %v", err)
	}
	want := "package foo was added\npackage bar was added\npackage bar was blocked\n"
	if out != want {
		t.Errorf("dry-run output = %q, want %q", out, want)
	}

	dryRun = false
	if out, err = execute(t, "--config", cfgPath, "--log-level", "error", "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out != want {
		t.Errorf("sync output = %q, want %q", out, want)
	}

	out, err = execute(t, "--config", cfgPath, "--log-level", "error", "sync", "--output", "json")
	if err != nil {
		t.Fatalf("json sync: %v", err)
	}
	var report tagsync.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid json output %q: %v", out, err)
	}
	if len(report.Results) != 1 || report.Results[0].Changed {
		t.Errorf("expected an unchanged f40 after convergence, got %+v", report.Results)
	}
}

func TestSyncCommand_Errors(t *testing.T) {
	resetFlags(t)
	cfgPath, _ := writeLocalSetup(t)

	// f40 was never created on the hub
	if _, err := execute(t, "--config", cfgPath, "--log-level", "error", "sync", "--output", "text"); err == nil {
		t.Error("expected sync to fail for an unknown hub tag")
	}

	outputFmt = "text"
	if _, err := execute(t, "--config", cfgPath, "sync", "--output", "yaml"); err == nil {
		t.Error("expected invalid output format to fail")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	cancel()

	<-ctx.Done()
	if ctx.Err() == nil {
		t.Fatal("expected context error after cancel")
	}
}

func TestVersionCmd(t *testing.T) {
	resetFlags(t)
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "kojitagsync dev\n") {
		t.Errorf("unexpected version output %q", out)
	}
}
