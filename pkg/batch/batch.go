// Package batch runs the complete print pipeline for a set of sheets.
//
// A batch moves through four stages:
//
//  1. Rules: one temporary override rule per sheet and per non-template view,
//     created in a single host transaction
//  2. Render: one renderer job per sheet, strictly in order, each followed by
//     a bounded wait for its output file
//  3. Merge: the completed files, in print order, into one combined PDF
//  4. Cleanup: every rule from stage 1 deleted in a second transaction
//
// Cleanup runs whenever stage 1 succeeded, including after a failed render, a
// failed merge, or a cancelled context. The renderer is locked for the whole
// batch because it holds global selection state.
//
// # Usage
//
//	runner := batch.NewRunner(doc, renderer, logger)
//	res, err := runner.Execute(ctx, batch.Options{
//	    Pages:     []string{"A101", "A102"},
//	    OutputDir: "prints",
//	})
//	if err != nil {
//	    log.Fatal(errors.UserMessage(err))
//	}
//	fmt.Println(res.CombinedPath)
package batch

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/host"
	"github.com/matzehuels/sheetpress/pkg/lock"
	"github.com/matzehuels/sheetpress/pkg/merge"
	"github.com/matzehuels/sheetpress/pkg/naming"
	"github.com/matzehuels/sheetpress/pkg/observability"
	"github.com/matzehuels/sheetpress/pkg/override"
	"github.com/matzehuels/sheetpress/pkg/render"
	"github.com/matzehuels/sheetpress/pkg/rules"
)

// Merger writes the combined document.
type Merger interface {
	Merge(ctx context.Context, inputs []string, output string) (*merge.Result, error)
}

// Result contains the outcome of a batch. Execute returns a non-nil Result
// even on failure so callers can report what ran and what was cleaned up.
type Result struct {
	BatchID string

	// Pages are the sheets targeted, in print order.
	Pages []host.Page

	// Rules are the temporary rules created, in creation order.
	Rules []host.ID

	// Jobs holds one entry per sheet submitted to the renderer.
	Jobs []*render.Job

	// Outputs are the per-sheet files that completed, in print order.
	Outputs []string

	// CombinedPath is the merged document, empty unless the merge succeeded.
	CombinedPath string
	Merge        *merge.Result

	Cleanup rules.CleanupReport
	Stats   Stats
}

// Stats contains batch execution statistics.
type Stats struct {
	RuleCount   int
	Rendered    int
	TimedOut    int
	RuleTime    time.Duration
	RenderTime  time.Duration
	MergeTime   time.Duration
	CleanupTime time.Duration
	Total       time.Duration
}

// Runner executes batches against one host document and one renderer.
type Runner struct {
	Doc      host.Document
	Renderer render.Renderer
	Rules    *rules.Manager
	Merger   Merger
	Locker   lock.Locker
	Clock    render.Clock
	Waiter   render.Waiter
	Logger   *log.Logger
}

// NewRunner creates a runner with default collaborators: no journal, no
// locking, the pdfcpu merge engine, and the system clock.
// If logger is nil, log.Default() is used.
func NewRunner(doc host.Document, renderer render.Renderer, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		Doc:      doc,
		Renderer: renderer,
		Rules:    rules.NewManager(doc, nil, logger),
		Merger:   &merge.Engine{Logger: logger},
		Locker:   lock.NullLocker{},
		Logger:   logger,
	}
}

func (r *Runner) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}

// Execute runs rules → render → merge → cleanup for the sheets in opts.
//
// Errors carry one of the batch codes (RULE_CREATION_FAILED,
// RENDER_SUBMISSION_FAILED, RENDER_TIMED_OUT, MERGE_FAILED) and, where one
// sheet is responsible, its label (see errors.PageOf). Cleanup has already run
// when Execute returns.
func (r *Runner) Execute(ctx context.Context, opts Options) (res *Result, err error) {
	res = &Result{BatchID: uuid.NewString()}
	start := time.Now()
	logger := r.logger().With("batch", shortID(res.BatchID))

	if err := opts.ValidateAndSetDefaults(); err != nil {
		return res, err
	}

	defer func() {
		res.Stats.Total = time.Since(start)
		observability.Batch().OnBatchComplete(ctx, res.BatchID, string(errors.GetCode(err)), res.Stats.Total)
	}()

	// Lock
	unlock, err := r.lockRenderer(ctx, opts)
	if err != nil {
		return res, err
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			logger.Warn("release renderer lock", "error", uerr)
		}
	}()

	// Targets and categories
	pages, set, err := r.prepare(ctx, opts, logger)
	if err != nil {
		return res, err
	}
	res.Pages = pages
	observability.Batch().OnBatchStart(ctx, res.BatchID, len(pages))
	logger.Info("starting batch", "sheets", len(pages), "categories", set.Len())

	// Stage 1: Rules
	ruleStart := time.Now()
	plans := rules.PlanPages(pages, set, override.BuildOverridePayload())
	mgr := r.ruleManager(logger)
	ids, err := mgr.Apply(ctx, res.BatchID, plans)
	res.Stats.RuleTime = time.Since(ruleStart)
	observability.Batch().OnRulesApplied(ctx, res.BatchID, len(ids), res.Stats.RuleTime, err)
	if err != nil {
		return res, err
	}
	res.Rules = ids
	res.Stats.RuleCount = len(ids)

	// Stage 4 is deferred so it runs on every path out of stages 2 and 3.
	defer func() {
		cleanupStart := time.Now()
		res.Cleanup = mgr.Cleanup(ctx, res.BatchID, ids)
		res.Stats.CleanupTime = time.Since(cleanupStart)
		observability.Batch().OnCleanup(ctx, res.BatchID, len(res.Cleanup.Deleted), len(res.Cleanup.Failed))
		if !res.Cleanup.OK() {
			logger.Warn("some temporary rules were not removed",
				"failed", len(res.Cleanup.Failed), "hint", "run sheetpress cleanup")
		}
	}()

	// Stage 2: Render
	renderStart := time.Now()
	orch := r.orchestrator(opts, logger)
	br, err := orch.RunBatch(ctx, pages, opts.OutputDir)
	res.Stats.RenderTime = time.Since(renderStart)
	res.Jobs = br.Jobs
	res.Outputs = br.Outputs
	res.Stats.Rendered = br.Count(render.Completed)
	res.Stats.TimedOut = br.Count(render.TimedOut)
	if err != nil {
		return res, err
	}
	logger.Info("rendered sheets", "completed", res.Stats.Rendered, "timed_out", res.Stats.TimedOut,
		"duration", res.Stats.RenderTime)

	// Stage 3: Merge
	mergeStart := time.Now()
	combined := filepath.Join(opts.OutputDir, opts.CombinedName)
	mres, err := r.merger(logger).Merge(ctx, br.Outputs, combined)
	res.Stats.MergeTime = time.Since(mergeStart)
	res.Merge = mres
	observability.Batch().OnMergeComplete(ctx, len(br.Outputs), pageCount(mres), res.Stats.MergeTime, err)
	if err != nil {
		return res, err
	}
	res.CombinedPath = combined
	logger.Info("merged sheets", "pages", mres.PageCount, "path", combined, "duration", res.Stats.MergeTime)
	return res, nil
}

// lockRenderer waits up to opts.LockWait for the renderer lock.
func (r *Runner) lockRenderer(ctx context.Context, opts Options) (lock.UnlockFunc, error) {
	locker := r.Locker
	if locker == nil {
		locker = lock.NullLocker{}
	}
	lockCtx, cancel := context.WithTimeout(ctx, opts.LockWait)
	defer cancel()

	unlock, err := locker.Lock(lockCtx, lock.RendererKey, opts.LockTTL)
	if err == nil {
		return unlock, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if stderrors.Is(err, lock.ErrHeld) {
		return nil, errors.Wrap(errors.ErrCodeLocked, err, "renderer is busy with another batch")
	}
	return nil, errors.Wrap(errors.ErrCodeInternal, err, "lock renderer")
}

// prepare resolves the target sheets and the category set.
func (r *Runner) prepare(ctx context.Context, opts Options, logger *log.Logger) ([]host.Page, *override.CategorySet, error) {
	all, err := r.Doc.Pages(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeInternal, err, "read sheets")
	}
	pages, missing := host.TargetPages(all, opts.Pages)
	if len(missing) > 0 {
		return nil, nil, errors.New(errors.ErrCodeNotFound, "unknown or placeholder sheet numbers: %s", strings.Join(missing, ", "))
	}
	if len(pages) == 0 {
		return nil, nil, errors.New(errors.ErrCodeInvalidInput, "no printable sheets")
	}

	cats, err := r.Doc.Categories(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeInternal, err, "read categories")
	}

	var excluded host.ID
	if !strings.EqualFold(opts.ExcludedCategory, NoExclusion) {
		ids, unknown := override.ResolveCategoryNames(cats, []string{opts.ExcludedCategory})
		if len(unknown) > 0 {
			logger.Warn("excluded category not found, overriding everything", "category", opts.ExcludedCategory)
		}
		if len(ids) > 0 {
			excluded = ids[0]
		}
	}
	must, unknown := override.ResolveCategoryNames(cats, opts.MustInclude)
	if len(unknown) > 0 {
		logger.Debug("must-include categories not in document", "categories", unknown)
	}

	return pages, override.BuildCategorySet(cats, excluded, must), nil
}

func (r *Runner) orchestrator(opts Options, logger *log.Logger) *render.Orchestrator {
	o := &render.Orchestrator{
		Renderer:        r.Renderer,
		Settings:        opts.Settings,
		Clock:           r.Clock,
		Waiter:          r.Waiter,
		MaxPollAttempts: opts.MaxPollAttempts,
		PollInterval:    opts.PollInterval,
		TimeoutPolicy:   opts.TimeoutPolicy,
		Reserved:        []string{opts.CombinedName},
		Logger:          logger,
	}
	if opts.PortableNames {
		o.Forbidden = naming.PortableForbiddenChars
	}
	return o
}

func (r *Runner) ruleManager(logger *log.Logger) *rules.Manager {
	if r.Rules == nil {
		return rules.NewManager(r.Doc, nil, logger)
	}
	return r.Rules
}

func (r *Runner) merger(logger *log.Logger) Merger {
	if r.Merger == nil {
		return &merge.Engine{Logger: logger}
	}
	return r.Merger
}

func pageCount(res *merge.Result) int {
	if res == nil {
		return 0
	}
	return res.PageCount
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
