package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/schaermu/kojitagsync/internal/declare"
	"github.com/schaermu/kojitagsync/internal/hub"
)

// Result is the outcome of reconciling one tag. StdoutLines holds exactly
// one line per operation, in operation order.
type Result struct {
	Tag         string      `json:"tag"`
	RunID       string      `json:"run_id"`
	Changed     bool        `json:"changed"`
	DryRun      bool        `json:"dry_run"`
	Operations  []Operation `json:"operations"`
	StdoutLines []string    `json:"stdout_lines"`
}

// ObservationError reports a failed package listing read. No operations
// were planned or submitted.
type ObservationError struct {
	Tag string
	Err error
}

func (e *ObservationError) Error() string {
	return fmt.Sprintf("failed to list packages of tag %s: %v", e.Tag, e.Err)
}

func (e *ObservationError) Unwrap() error {
	return e.Err
}

// BatchError reports a rejected multicall. The hub applies batches all or
// nothing, so none of the operations took effect.
type BatchError struct {
	Tag   string
	Calls int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("multicall of %d operations on tag %s failed: %v", e.Calls, e.Tag, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Reconciler brings tag package lists in line with their declarations
type Reconciler struct {
	session hub.Session
	logger  *slog.Logger
	dryRun  bool
}

// New creates a reconciler. In dry-run mode no mutating calls are made.
func New(session hub.Session, logger *slog.Logger, dryRun bool) *Reconciler {
	return &Reconciler{
		session: session,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Reconcile reads the listing of tag once, plans the operations needed to
// match desired and submits them as one strict multicall. On error no
// result is returned and the tag must be treated as unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, tag string, desired []declare.Package) (*Result, error) {
	runID := uuid.NewString()
	logger := r.logger.With("tag", tag, "run_id", runID)

	observed, err := r.session.ListPackages(ctx, tag)
	if err != nil {
		return nil, &ObservationError{Tag: tag, Err: err}
	}

	ops := Plan(observed, desired)
	result := &Result{
		Tag:         tag,
		RunID:       runID,
		Changed:     len(ops) > 0,
		DryRun:      r.dryRun,
		Operations:  ops,
		StdoutLines: Messages(ops),
	}

	logger.Info("reconciliation plan",
		"observed", len(observed),
		"desired", len(desired),
		"operations", len(ops),
		"dry_run", r.dryRun)
	for _, op := range ops {
		logger.Debug("planned operation", "kind", op.Kind.String(), "package", op.Package, "owner", op.Owner)
	}

	if r.dryRun {
		if result.Changed {
			logger.Info("dry-run complete, no changes submitted")
		}
		return result, nil
	}
	if !result.Changed {
		return result, nil
	}

	if err := r.session.MultiCall(ctx, Calls(tag, ops), true); err != nil {
		return nil, &BatchError{Tag: tag, Calls: len(ops), Err: err}
	}

	logger.Info("package list updated", "operations", len(ops))
	return result, nil
}
