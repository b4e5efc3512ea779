package tagsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schaermu/kojitagsync/internal/config"
	"github.com/schaermu/kojitagsync/internal/declare"
	"github.com/schaermu/kojitagsync/internal/git"
	"github.com/schaermu/kojitagsync/internal/hub"
	"github.com/schaermu/kojitagsync/internal/reconcile"
	"golang.org/x/sync/errgroup"
)

// Engine reconciles every declared tag against the hub
type Engine struct {
	cfg     *config.Config
	git     git.Client
	session hub.Session
	logger  *slog.Logger
	dryRun  bool
	tags    []string
	now     func() time.Time
}

// NewEngine creates a new sync engine. gitClient may be nil when no
// repository is configured.
func NewEngine(cfg *config.Config, gitClient git.Client, session hub.Session, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		git:     gitClient,
		session: session,
		logger:  logger,
		dryRun:  dryRun,
		now:     time.Now,
	}
}

// SelectTags restricts runs to the named tags. Every name must be declared.
func (e *Engine) SelectTags(tags ...string) {
	e.tags = tags
}

// Run executes one sync: checkout, load declarations, reconcile each tag.
// A failing tag does not stop the others; all failures are joined into
// the returned error alongside a report of the tags that succeeded.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.logger.Info("starting sync",
		"declarations", e.cfg.DeclarationsPath(),
		"repo", e.cfg.Repo.URL,
		"auth", e.cfg.AuthMethod(),
		"dry_run", e.dryRun)

	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	report := &Report{DryRun: e.dryRun, Results: []*reconcile.Result{}}

	if e.cfg.HasRepo() {
		e.logger.Info("fetching repository", "dest", e.cfg.RepoDir())
		commit, err := e.git.EnsureCheckout(ctx, e.cfg.Repo.URL, e.cfg.Repo.Ref, e.cfg.RepoDir())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout repository: %w", err)
		}
		e.logger.Info("repository checked out", "commit", commit)
		report.Commit = commit
	}

	decls, err := declare.LoadAll(e.cfg.DeclarationsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load declarations: %w", err)
	}
	decls, err = e.selected(decls)
	if err != nil {
		return nil, err
	}
	e.logger.Info("loaded declarations", "tags", len(decls))

	results, runErr := e.reconcileAll(ctx, decls)
	for _, res := range results {
		if res != nil {
			report.Results = append(report.Results, res)
		}
	}

	if !e.dryRun {
		if err := e.recordState(report); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("failed to save state: %w", err))
		}
	}

	if runErr != nil {
		e.logger.Error("sync finished with errors", "succeeded", len(report.Results), "tags", len(decls))
		return report, runErr
	}

	e.logger.Info("sync completed successfully", "tags", len(decls), "changed", report.Changed())
	return report, nil
}

// selected filters decls down to the requested tags, keeping declaration order
func (e *Engine) selected(decls []*declare.Declaration) ([]*declare.Declaration, error) {
	if len(e.tags) == 0 {
		return decls, nil
	}

	byTag := make(map[string]bool, len(decls))
	for _, d := range decls {
		byTag[d.Tag] = true
	}
	want := make(map[string]bool, len(e.tags))
	for _, tag := range e.tags {
		if !byTag[tag] {
			return nil, fmt.Errorf("tag %s is not declared", tag)
		}
		want[tag] = true
	}

	var out []*declare.Declaration
	for _, d := range decls {
		if want[d.Tag] {
			out = append(out, d)
		}
	}
	return out, nil
}

// reconcileAll reconciles decls with at most sync.concurrency tags in
// flight. results[i] belongs to decls[i] and is nil when that tag failed.
func (e *Engine) reconcileAll(ctx context.Context, decls []*declare.Declaration) ([]*reconcile.Result, error) {
	results := make([]*reconcile.Result, len(decls))
	errs := make([]error, len(decls))
	r := reconcile.New(e.session, e.logger, e.dryRun)

	var g errgroup.Group
	g.SetLimit(max(e.cfg.Sync.Concurrency, 1))
	for i, d := range decls {
		g.Go(func() error {
			desired, err := d.Flatten()
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", d.Source, err)
				return nil
			}
			res, err := r.Reconcile(ctx, d.Tag, desired)
			if err != nil {
				e.logger.Error("reconciliation failed", "tag", d.Tag, "error", err)
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// recordState merges the successful results into the state file. Tags
// that failed keep their previous entry.
func (e *Engine) recordState(report *Report) error {
	path := e.cfg.StateFilePath()
	state, err := loadState(path)
	if err != nil {
		e.logger.Warn("failed to load previous state (starting fresh)", "error", err)
		state = newState()
	}

	if report.Commit != "" {
		state.Commit = report.Commit
	}
	now := e.now().UTC()
	for _, res := range report.Results {
		state.Tags[res.Tag] = TagState{
			RunID:      res.RunID,
			Changed:    res.Changed,
			Operations: res.Operations,
			SyncedAt:   now,
		}
	}

	return saveState(path, state)
}
