package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sperrors "github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/host"
	"github.com/matzehuels/sheetpress/pkg/hostfile"
	"github.com/matzehuels/sheetpress/pkg/journal"
	"github.com/matzehuels/sheetpress/pkg/lock"
	"github.com/matzehuels/sheetpress/pkg/merge"
	"github.com/matzehuels/sheetpress/pkg/observability"
	"github.com/matzehuels/sheetpress/pkg/proof"
	"github.com/matzehuels/sheetpress/pkg/render"
	"github.com/matzehuels/sheetpress/pkg/rules"
)

// =============================================================================
// Fixtures
// =============================================================================

func newDoc() *hostfile.Document {
	return hostfile.New(&hostfile.File{
		Sheets: []hostfile.Sheet{
			{ID: "312", Number: "A101", Name: "Level 1", Views: []string{"401", "402"}},
			{ID: "313", Number: "A102", Name: "Level 2", Views: []string{"403"}},
			{ID: "314", Number: "A000", Name: "Future", Placeholder: true},
			{ID: "315", Number: "A201", Name: "Sections", Views: []string{"499"}},
		},
		Views: []hostfile.View{
			{ID: "401", Name: "Level 1 - Floor Plan"},
			{ID: "402", Name: "Level 1 - Legend"},
			{ID: "403", Name: "Level 2 - Floor Plan"},
			{ID: "499", Name: "Section Template", Template: true},
		},
		Categories: []hostfile.Category{
			{ID: "-2000011", Name: "Walls", Kind: "model"},
			{ID: "-2000023", Name: "Doors", Kind: "model"},
			{ID: "-2006010", Name: "Revision Clouds", Kind: "annotation"},
			{ID: "-2000280", Name: "Door Tags", Kind: "annotation"},
			{ID: "-2000700", Name: "Materials", Kind: "internal"},
			{ID: "-2009000", Name: "Structural Loads", Kind: "analytical"},
		},
	})
}

// rulesPerBatch is one rule per sheet plus one per non-template view.
const rulesPerBatch = 3 + 3

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	onSleep func(n int)
	sleeps  int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps++
	n := c.sleeps
	c.mu.Unlock()
	if c.onSleep != nil {
		c.onSleep(n)
	}
	return nil
}

// stubRenderer writes a proof PDF on submit unless the sheet is listed in
// never (no file ever appears) or fail (submission error).
type stubRenderer struct {
	fail  map[string]error
	never map[string]bool

	current   *host.Page
	submitted []string
}

func (r *stubRenderer) SelectTarget(_ context.Context, p host.Page) error {
	r.current = &p
	return nil
}

func (r *stubRenderer) Configure(context.Context, render.Settings) error { return nil }

func (r *stubRenderer) Submit(_ context.Context, path string) error {
	p := r.current
	r.current = nil
	if err := r.fail[p.Number]; err != nil {
		return err
	}
	r.submitted = append(r.submitted, p.Number)
	if r.never[p.Number] {
		return nil
	}
	return proof.WriteFile(path, []string{p.Label()})
}

func newRunner(doc host.Document, r render.Renderer) (*Runner, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	runner := NewRunner(doc, r, nil)
	runner.Clock = clock
	return runner, clock
}

func assertNoRules(t *testing.T, doc *hostfile.Document) {
	t.Helper()
	if rs := doc.Rules(); len(rs) != 0 {
		t.Errorf("%d temporary rules left on the document: %+v", len(rs), rs)
	}
	snap, err := doc.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range snap.Sheets {
		if len(s.Filters) != 0 {
			t.Errorf("sheet %s still has filters", s.Number)
		}
	}
	for _, v := range snap.Views {
		if len(v.Filters) != 0 {
			t.Errorf("view %s still has filters", v.ID)
		}
	}
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestExecuteAllSheetsRender(t *testing.T) {
	doc := newDoc()
	runner, _ := newRunner(doc, &stubRenderer{})
	dir := t.TempDir()

	res, err := runner.Execute(context.Background(), Options{OutputDir: dir})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if want := filepath.Join(dir, DefaultCombinedName); res.CombinedPath != want {
		t.Errorf("CombinedPath = %q, want %q", res.CombinedPath, want)
	}
	n, err := merge.PageCount(res.CombinedPath)
	if err != nil || n != 3 {
		t.Errorf("combined pages = %d, %v; want 3", n, err)
	}
	if len(res.Rules) != rulesPerBatch {
		t.Errorf("rules created = %d, want %d", len(res.Rules), rulesPerBatch)
	}
	if len(res.Cleanup.Deleted) != rulesPerBatch || !res.Cleanup.OK() {
		t.Errorf("cleanup = %+v", res.Cleanup)
	}
	assertNoRules(t, doc)

	wantOutputs := []string{"A101_Level 1.pdf", "A102_Level 2.pdf", "A201_Sections.pdf"}
	for i, w := range wantOutputs {
		if filepath.Base(res.Outputs[i]) != w {
			t.Errorf("outputs[%d] = %q, want %q", i, res.Outputs[i], w)
		}
	}
	if res.Stats.Rendered != 3 || res.Stats.TimedOut != 0 || res.Stats.RuleCount != rulesPerBatch {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestExecuteSubmissionFailureAbortsAndCleansUp(t *testing.T) {
	doc := newDoc()
	r := &stubRenderer{fail: map[string]error{"A102": errors.New("driver crashed")}}
	runner, _ := newRunner(doc, r)
	dir := t.TempDir()

	res, err := runner.Execute(context.Background(), Options{OutputDir: dir})
	if !sperrors.Is(err, sperrors.ErrCodeRenderSubmission) {
		t.Fatalf("err = %v, want RENDER_SUBMISSION_FAILED", err)
	}
	if page := sperrors.PageOf(err); page != "A102 - Level 2" {
		t.Errorf("PageOf = %q", page)
	}
	if len(r.submitted) != 1 {
		t.Errorf("A201 must not be attempted, submitted = %v", r.submitted)
	}
	if res.CombinedPath != "" || res.Merge != nil {
		t.Error("nothing should be merged")
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultCombinedName)); !os.IsNotExist(err) {
		t.Error("combined file must not exist")
	}
	if len(res.Cleanup.Deleted) != rulesPerBatch {
		t.Errorf("cleanup deleted %d, want %d", len(res.Cleanup.Deleted), rulesPerBatch)
	}
	assertNoRules(t, doc)
}

func TestExecuteTimedOutSheetIsSkipped(t *testing.T) {
	doc := newDoc()
	r := &stubRenderer{never: map[string]bool{"A102": true}}
	runner, clock := newRunner(doc, r)

	res, err := runner.Execute(context.Background(), Options{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(r.submitted) != 3 {
		t.Errorf("batch should continue to A201, submitted = %v", r.submitted)
	}
	// A101 and A201 settle after one confirming check each.
	if want := render.DefaultMaxPollAttempts + 2; clock.sleeps != want {
		t.Errorf("sleeps = %d, want %d", clock.sleeps, want)
	}
	if res.Stats.TimedOut != 1 || res.Stats.Rendered != 2 {
		t.Errorf("stats = %+v", res.Stats)
	}
	for _, in := range res.Merge.Inputs {
		if filepath.Base(in) == "A102_Level 2.pdf" {
			t.Error("timed out sheet was merged")
		}
	}
	if res.Merge.PageCount != 2 {
		t.Errorf("combined pages = %d, want 2", res.Merge.PageCount)
	}
	assertNoRules(t, doc)
}

func TestExecuteKeepsSheetNamedLikeCombined(t *testing.T) {
	doc := newDoc()
	runner, _ := newRunner(doc, &stubRenderer{})
	dir := t.TempDir()

	res, err := runner.Execute(context.Background(), Options{OutputDir: dir, CombinedName: "A101_Level 1.pdf"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := filepath.Base(res.Outputs[0]); got != "A101_Level 1_1.pdf" {
		t.Errorf("outputs[0] = %q, want A101_Level 1_1.pdf", got)
	}
	if n, err := merge.PageCount(res.Outputs[0]); err != nil || n != 1 {
		t.Errorf("sheet output has %d pages, %v; want 1", n, err)
	}
	if n, err := merge.PageCount(res.CombinedPath); err != nil || n != 3 {
		t.Errorf("combined has %d pages, %v; want 3", n, err)
	}
}

// =============================================================================
// Failure paths
// =============================================================================

func TestExecuteStrictTimeoutPolicy(t *testing.T) {
	doc := newDoc()
	r := &stubRenderer{never: map[string]bool{"A102": true}}
	runner, _ := newRunner(doc, r)

	res, err := runner.Execute(context.Background(), Options{OutputDir: t.TempDir(), TimeoutPolicy: render.TimeoutFail})
	if !sperrors.Is(err, sperrors.ErrCodeRenderTimedOut) {
		t.Fatalf("err = %v, want RENDER_TIMED_OUT", err)
	}
	if len(r.submitted) != 2 || res.CombinedPath != "" {
		t.Errorf("submitted = %v, combined = %q", r.submitted, res.CombinedPath)
	}
	assertNoRules(t, doc)
}

func TestExecuteMergeFailureStillCleansUp(t *testing.T) {
	doc := newDoc()
	r := &stubRenderer{never: map[string]bool{"A101": true, "A102": true, "A201": true}}
	runner, _ := newRunner(doc, r)

	res, err := runner.Execute(context.Background(), Options{OutputDir: t.TempDir(), MaxPollAttempts: 2})
	if !sperrors.Is(err, sperrors.ErrCodeMerge) {
		t.Fatalf("err = %v, want MERGE_FAILED", err)
	}
	if len(res.Cleanup.Deleted) != rulesPerBatch {
		t.Errorf("cleanup deleted %d", len(res.Cleanup.Deleted))
	}
	assertNoRules(t, doc)
}

func TestExecuteRuleCreationFailureRendersNothing(t *testing.T) {
	doc := hostfile.New(&hostfile.File{
		Sheets:     []hostfile.Sheet{{ID: "1", Number: "A1", Name: "Plan"}},
		Categories: []hostfile.Category{{ID: "c", Name: "Loads", Kind: "analytical"}},
	})
	r := &stubRenderer{}
	runner, _ := newRunner(doc, r)

	res, err := runner.Execute(context.Background(), Options{OutputDir: t.TempDir(), MustInclude: []string{}})
	if !sperrors.Is(err, sperrors.ErrCodeRuleCreation) {
		t.Fatalf("err = %v, want RULE_CREATION_FAILED", err)
	}
	if len(r.submitted) != 0 || len(res.Jobs) != 0 {
		t.Error("no sheet may be rendered after rule creation fails")
	}
	if res.Cleanup.Attempted() != 0 {
		t.Errorf("cleanup attempted %d deletions, want 0", res.Cleanup.Attempted())
	}
	assertNoRules(t, doc)
}

func TestExecuteCancelledMidRenderCleansUp(t *testing.T) {
	doc := newDoc()
	r := &stubRenderer{never: map[string]bool{"A102": true}}
	runner, clock := newRunner(doc, r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.onSleep = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	res, err := runner.Execute(ctx, Options{OutputDir: t.TempDir()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(res.Cleanup.Deleted) != rulesPerBatch {
		t.Errorf("cleanup deleted %d", len(res.Cleanup.Deleted))
	}
	assertNoRules(t, doc)
}

func TestExecuteSelectedSheets(t *testing.T) {
	doc := newDoc()
	r := &stubRenderer{}
	runner, _ := newRunner(doc, r)

	res, err := runner.Execute(context.Background(), Options{OutputDir: t.TempDir(), Pages: []string{"A201", " A101 "}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(r.submitted) != 2 || r.submitted[0] != "A201" || r.submitted[1] != "A101" {
		t.Errorf("submitted = %v, want [A201 A101]", r.submitted)
	}
	// A201 has only a template view; A101 has two views.
	if len(res.Rules) != 1+3 {
		t.Errorf("rules = %d, want 4", len(res.Rules))
	}

	_, err = runner.Execute(context.Background(), Options{OutputDir: t.TempDir(), Pages: []string{"A000", "Z9"}})
	if !sperrors.Is(err, sperrors.ErrCodeNotFound) {
		t.Errorf("placeholder/unknown sheets err = %v, want NOT_FOUND", err)
	}
}

func TestExecuteRendererLocked(t *testing.T) {
	locker, err := lock.NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	locker.RetryInterval = 5 * time.Millisecond
	unlock, err := locker.Lock(context.Background(), lock.RendererKey, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock(context.Background())

	doc := newDoc()
	r := &stubRenderer{}
	runner, _ := newRunner(doc, r)
	runner.Locker = locker

	_, err = runner.Execute(context.Background(), Options{OutputDir: t.TempDir(), LockWait: 30 * time.Millisecond})
	if !sperrors.Is(err, sperrors.ErrCodeLocked) {
		t.Fatalf("err = %v, want LOCKED", err)
	}
	if len(r.submitted) != 0 || len(doc.Rules()) != 0 {
		t.Error("a locked batch must not touch the document or renderer")
	}
}

func TestExecuteJournalsRules(t *testing.T) {
	j, err := journal.NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	doc := newDoc()
	runner, _ := newRunner(doc, &stubRenderer{})
	runner.Rules = rules.NewManager(doc, j, nil)

	if _, err := runner.Execute(context.Background(), Options{OutputDir: t.TempDir()}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	pending, err := j.Pending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("journal still lists %d rules after cleanup", len(pending))
	}
}

// =============================================================================
// Hooks
// =============================================================================

type recordingHooks struct {
	observability.NoopBatchHooks
	pages    []string
	outcome  string
	cleaned  int
	finished bool
}

func (h *recordingHooks) OnPageRendered(_ context.Context, page, state string, _ int, _ time.Duration) {
	h.pages = append(h.pages, page+":"+state)
}

func (h *recordingHooks) OnCleanup(_ context.Context, _ string, deleted, _ int) {
	h.cleaned = deleted
}

func (h *recordingHooks) OnBatchComplete(_ context.Context, _, code string, _ time.Duration) {
	h.finished = true
	h.outcome = code
}

func TestExecuteEmitsHooks(t *testing.T) {
	hooks := &recordingHooks{}
	observability.SetBatchHooks(hooks)
	t.Cleanup(observability.Reset)

	runner, _ := newRunner(newDoc(), &stubRenderer{never: map[string]bool{"A201": true}})
	if _, err := runner.Execute(context.Background(), Options{OutputDir: t.TempDir(), TimeoutPolicy: render.TimeoutFail}); err == nil {
		t.Fatal("expected timeout error")
	}

	want := []string{"A101 - Level 1:completed", "A102 - Level 2:completed", "A201 - Sections:timed_out"}
	if len(hooks.pages) != len(want) {
		t.Fatalf("pages = %v", hooks.pages)
	}
	for i := range want {
		if hooks.pages[i] != want[i] {
			t.Errorf("pages[%d] = %q, want %q", i, hooks.pages[i], want[i])
		}
	}
	if !hooks.finished || hooks.outcome != string(sperrors.ErrCodeRenderTimedOut) {
		t.Errorf("outcome = %q, finished = %v", hooks.outcome, hooks.finished)
	}
	if hooks.cleaned != rulesPerBatch {
		t.Errorf("cleaned = %d", hooks.cleaned)
	}
}
