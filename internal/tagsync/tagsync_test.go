package tagsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/schaermu/kojitagsync/internal/config"
	"github.com/schaermu/kojitagsync/internal/hub"
	"github.com/schaermu/kojitagsync/internal/reconcile"
)

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	commitHash string
	err        error
	called     bool
	repoSetup  func(destDir string)
}

func (m *mockGitClient) EnsureCheckout(_ context.Context, _, _, destDir string) (string, error) {
	m.called = true
	if m.repoSetup != nil {
		m.repoSetup(destDir)
	}
	return m.commitHash, m.err
}

// failingSession wraps a session and fails listing of selected tags
type failingSession struct {
	hub.Session
	mu       sync.Mutex
	failTags map[string]bool
	listed   []string
}

func (s *failingSession) ListPackages(ctx context.Context, tag string) ([]hub.Package, error) {
	s.mu.Lock()
	s.listed = append(s.listed, tag)
	fail := s.failTags[tag]
	s.mu.Unlock()
	if fail {
		return nil, errors.New("hub unavailable")
	}
	return s.Session.ListPackages(ctx, tag)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const (
	f40Decl = `tag: f40
packages:
  alice:
    - foo
    - bar: {blocked: true}
`
	f41Decl = `tag = "f41"

[packages]
bob = ["baz"]
`
)

// setup returns a local configuration with two declared tags and a file
// hub that knows both tags
func setup(t *testing.T) (*config.Config, *hub.FileSession) {
	t.Helper()
	tmp := t.TempDir()
	declDir := filepath.Join(tmp, "tags")
	writeFile(t, filepath.Join(declDir, "f40.yaml"), f40Decl)
	writeFile(t, filepath.Join(declDir, "f41.toml"), f41Decl)

	cfg := &config.Config{
		Hub:          config.HubConfig{Type: config.HubFile, StateFile: filepath.Join(tmp, "hub.json")},
		Declarations: config.DeclarationsConfig{Path: declDir},
		Paths:        config.PathsConfig{StateDir: filepath.Join(tmp, "state")},
		Sync:         config.SyncConfig{Concurrency: 2},
	}

	session := hub.NewFileSession(cfg.Hub.StateFile)
	for _, tag := range []string{"f40", "f41"} {
		if err := session.CreateTag(context.Background(), tag); err != nil {
			t.Fatal(err)
		}
	}
	return cfg, session
}

func resultTags(report *Report) []string {
	var tags []string
	for _, r := range report.Results {
		tags = append(tags, r.Tag)
	}
	return tags
}

func TestRun_ReconcilesAllTags(t *testing.T) {
	cfg, session := setup(t)
	engine := NewEngine(cfg, nil, session, testLogger(), false)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	engine.now = func() time.Time { return fixed }

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([]string{"f40", "f41"}, resultTags(report)); diff != "" {
		t.Errorf("result order mismatch (-want +got):\n%s", diff)
	}
	wantLines := []string{"package foo was added", "package bar was added", "package bar was blocked"}
	if diff := cmp.Diff(wantLines, report.Results[0].StdoutLines); diff != "" {
		t.Errorf("f40 lines mismatch (-want +got):\n%s", diff)
	}
	if !report.Changed() {
		t.Error("expected report to be changed")
	}

	pkgs, err := session.ListPackages(context.Background(), "f40")
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 2 || !pkgs[1].Blocked || pkgs[0].OwnerName != "alice" {
		t.Errorf("unexpected f40 listing %+v", pkgs)
	}

	state, err := loadState(cfg.StateFilePath())
	if err != nil {
		t.Fatal(err)
	}
	f41 := state.Tags["f41"]
	if f41.RunID != report.Results[1].RunID || !f41.Changed || !f41.SyncedAt.Equal(fixed) {
		t.Errorf("unexpected f41 state %+v", f41)
	}

	// A second run converges to no changes
	report, err = engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Changed() {
		t.Errorf("expected no changes on second run, got %+v", report.Results)
	}
}

func TestRun_DryRun(t *testing.T) {
	cfg, session := setup(t)
	engine := NewEngine(cfg, nil, session, testLogger(), true)

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.DryRun || !report.Changed() {
		t.Errorf("expected changed dry-run report, got %+v", report)
	}

	pkgs, err := session.ListPackages(context.Background(), "f40")
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 0 {
		t.Errorf("dry-run must not change the hub, got %+v", pkgs)
	}
	if _, err := os.Stat(cfg.StateFilePath()); !os.IsNotExist(err) {
		t.Errorf("dry-run must not write state, stat err = %v", err)
	}
}

func TestRun_SelectTags(t *testing.T) {
	cfg, session := setup(t)
	engine := NewEngine(cfg, nil, session, testLogger(), false)
	engine.SelectTags("f41")

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"f41"}, resultTags(report)); diff != "" {
		t.Errorf("selected tags mismatch (-want +got):\n%s", diff)
	}

	engine.SelectTags("rawhide")
	if _, err := engine.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "rawhide is not declared") {
		t.Errorf("expected undeclared tag error, got %v", err)
	}
}

func TestRun_FailingTagDoesNotStopOthers(t *testing.T) {
	cfg, fileSession := setup(t)
	session := &failingSession{Session: fileSession, failTags: map[string]bool{"f40": true}}

	// Record an earlier f40 run that must survive the failure
	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		t.Fatal(err)
	}
	prev := newState()
	prev.Tags["f40"] = TagState{RunID: "earlier"}
	if err := saveState(cfg.StateFilePath(), prev); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(cfg, nil, session, testLogger(), false)
	report, err := engine.Run(context.Background())

	var obsErr *reconcile.ObservationError
	if !errors.As(err, &obsErr) || obsErr.Tag != "f40" {
		t.Fatalf("expected ObservationError for f40, got %v", err)
	}
	if diff := cmp.Diff([]string{"f41"}, resultTags(report)); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if len(session.listed) != 2 {
		t.Errorf("expected both tags to be listed, got %v", session.listed)
	}

	state, err := loadState(cfg.StateFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if state.Tags["f40"].RunID != "earlier" {
		t.Errorf("failed tag state was overwritten: %+v", state.Tags["f40"])
	}
	if _, ok := state.Tags["f41"]; !ok {
		t.Error("expected f41 state to be recorded")
	}
}

func TestRun_UnknownHubTag(t *testing.T) {
	cfg, session := setup(t)
	// f42 does not exist on the hub
	cfg.Declarations.Path = filepath.Join(filepath.Dir(cfg.Declarations.Path), "only-f42")
	writeFile(t, filepath.Join(cfg.Declarations.Path, "f42.yaml"), "tag: f42\npackages:\n  bob: [baz]\n")

	engine := NewEngine(cfg, nil, session, testLogger(), false)
	_, err := engine.Run(context.Background())

	var obsErr *reconcile.ObservationError
	if !errors.As(err, &obsErr) {
		t.Fatalf("expected ObservationError, got %v", err)
	}
	var faultErr *hub.FaultError
	if !errors.As(err, &faultErr) {
		t.Errorf("expected hub fault, got %v", err)
	}
}

func TestRun_WithRepository(t *testing.T) {
	cfg, session := setup(t)
	cfg.Repo = config.RepoConfig{URL: "https://example.com/tags.git", Ref: "main"}
	cfg.Declarations.Path = "tags"

	gitClient := &mockGitClient{
		commitHash: "abc123",
		repoSetup: func(destDir string) {
			writeFile(t, filepath.Join(destDir, "tags", "f41.toml"), f41Decl)
		},
	}

	engine := NewEngine(cfg, gitClient, session, testLogger(), false)
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !gitClient.called {
		t.Error("expected checkout")
	}
	if report.Commit != "abc123" {
		t.Errorf("commit = %q, want abc123", report.Commit)
	}

	state, err := loadState(cfg.StateFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if state.Commit != "abc123" {
		t.Errorf("state commit = %q, want abc123", state.Commit)
	}
}

func TestRun_GitError(t *testing.T) {
	cfg, session := setup(t)
	cfg.Repo = config.RepoConfig{URL: "https://example.com/tags.git", Ref: "main"}
	gitClient := &mockGitClient{err: errors.New("network down")}

	engine := NewEngine(cfg, gitClient, session, testLogger(), false)
	if _, err := engine.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "failed to checkout repository") {
		t.Errorf("expected checkout error, got %v", err)
	}
}

func TestRun_DeclarationError(t *testing.T) {
	cfg, session := setup(t)
	writeFile(t, filepath.Join(cfg.Declarations.Path, "dup.yaml"), "tag: f40\npackages: {}\n")

	engine := NewEngine(cfg, nil, session, testLogger(), false)
	if _, err := engine.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "failed to load declarations") {
		t.Errorf("expected declaration error, got %v", err)
	}
}

func TestRun_RecoversFromCorruptedState(t *testing.T) {
	cfg, session := setup(t)
	writeFile(t, cfg.StateFilePath(), "{not json")

	engine := NewEngine(cfg, nil, session, testLogger(), false)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	state, err := loadState(cfg.StateFilePath())
	if err != nil {
		t.Fatalf("state not rewritten: %v", err)
	}
	if len(state.Tags) != 2 {
		t.Errorf("expected two tag entries, got %+v", state.Tags)
	}
}

func TestLoadState_NonExistent(t *testing.T) {
	state, err := loadState(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if state.Tags == nil || len(state.Tags) != 0 {
		t.Errorf("expected empty state, got %+v", state)
	}
}

func TestSaveAndLoadState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	want := &State{
		Commit: "deadbeef",
		Tags: map[string]TagState{
			"f40": {
				RunID:      "run-1",
				Changed:    true,
				Operations: []reconcile.Operation{{Kind: reconcile.Add, Package: "foo", Owner: "alice"}},
				SyncedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			},
		},
	}

	if err := saveState(path, want); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"kind": "add"`) {
		t.Errorf("expected operation kinds by name, got %s", data)
	}

	got, err := loadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_LogsAuthMethod(t *testing.T) {
	cfg, session := setup(t)
	cfg.Repo = config.RepoConfig{URL: "git@github.com:test/tags.git", Ref: "main"}
	cfg.Auth.SSHKeyFile = "/home/user/.ssh/key"
	cfg.Declarations.Path = "tags"

	gitClient := &mockGitClient{
		commitHash: "abc123",
		repoSetup: func(destDir string) {
			writeFile(t, filepath.Join(destDir, "tags", "f41.toml"), f41Decl)
		},
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if _, err := NewEngine(cfg, gitClient, session, logger, true).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(buf.String(), "auth=ssh") {
		t.Errorf("expected auth=ssh in start log, got:\n%s", buf.String())
	}
}

func TestRun_AllTagsFailedReportsEmptyResults(t *testing.T) {
	cfg, fileSession := setup(t)
	session := &failingSession{Session: fileSession, failTags: map[string]bool{"f40": true, "f41": true}}

	report, err := NewEngine(cfg, nil, session, testLogger(), false).Run(context.Background())
	if err == nil {
		t.Fatal("expected an error when every tag fails")
	}
	if report == nil || report.Results == nil {
		t.Fatalf("expected a report with an empty result list, got %+v", report)
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"results":[]`) {
		t.Errorf("expected empty results in %s", data)
	}
}
