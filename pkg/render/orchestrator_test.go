package render

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
	"github.com/matzehuels/sheetpress/pkg/naming"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  int
	onSleep func()
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
	cb := c.onSleep
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

type pendingFile struct {
	path      string
	remaining int
}

// fakeRenderer writes the output of sheet N after delays[N] clock ticks.
// A negative delay never writes.
type fakeRenderer struct {
	delays       map[string]int
	failOn       map[string]error
	configureErr error

	configured *Settings
	current    *host.Page
	submitted  []string
	pending    []*pendingFile
}

func (r *fakeRenderer) SelectTarget(_ context.Context, p host.Page) error {
	r.current = &p
	return nil
}

func (r *fakeRenderer) Configure(_ context.Context, s Settings) error {
	if r.configureErr != nil {
		return r.configureErr
	}
	r.configured = &s
	return nil
}

func (r *fakeRenderer) Submit(_ context.Context, path string) error {
	if r.current == nil {
		return errNoTarget
	}
	num := r.current.Number
	r.current = nil
	if err := r.failOn[num]; err != nil {
		return err
	}
	r.submitted = append(r.submitted, num)
	switch d := r.delays[num]; {
	case d == 0:
		return os.WriteFile(path, []byte("%PDF"), 0o644)
	case d > 0:
		r.pending = append(r.pending, &pendingFile{path: path, remaining: d})
	}
	return nil
}

func (r *fakeRenderer) tick() {
	for _, p := range r.pending {
		if p.remaining == 0 {
			continue
		}
		p.remaining--
		if p.remaining == 0 {
			_ = os.WriteFile(p.path, []byte("%PDF"), 0o644)
		}
	}
}

func newTestOrchestrator(r *fakeRenderer) (*Orchestrator, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), onSleep: r.tick}
	return &Orchestrator{
		Renderer:        r,
		Clock:           clock,
		MaxPollAttempts: 10,
		PollInterval:    500 * time.Millisecond,
		Forbidden:       naming.PortableForbiddenChars,
	}, clock
}

var testPages = []host.Page{
	{ID: "312", Number: "A101", Name: "Level 1"},
	{ID: "313", Number: "A102", Name: "Level 2"},
	{ID: "315", Number: "A201", Name: "Sections: North/South"},
}

// =============================================================================
// RenderPage
// =============================================================================

func TestRenderPage(t *testing.T) {
	tests := []struct {
		name         string
		delay        int
		failErr      error
		wantState    JobState
		wantAttempts int
		wantCode     sperrors.Code
	}{
		{name: "immediate", delay: 0, wantState: Completed, wantAttempts: 1},
		{name: "after polling", delay: 3, wantState: Completed, wantAttempts: 4},
		{name: "settles on last attempt", delay: 9, wantState: Completed, wantAttempts: 10},
		{name: "appears on last attempt", delay: 10, wantState: Completed, wantAttempts: 11},
		{name: "never", delay: -1, wantState: TimedOut, wantAttempts: 10, wantCode: sperrors.ErrCodeRenderTimedOut},
		{name: "submit fails", failErr: errors.New("printer offline"), wantState: Failed, wantCode: sperrors.ErrCodeRenderSubmission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRenderer{delays: map[string]int{"A101": tt.delay}, failOn: map[string]error{"A101": tt.failErr}}
			o, clock := newTestOrchestrator(r)
			path := filepath.Join(t.TempDir(), "out.pdf")

			job := o.RenderPage(context.Background(), testPages[0], path)

			if job.State != tt.wantState {
				t.Fatalf("state = %v, want %v (err %v)", job.State, tt.wantState, job.Err)
			}
			if job.Attempts != tt.wantAttempts || clock.sleeps != tt.wantAttempts {
				t.Errorf("attempts = %d, sleeps = %d, want %d", job.Attempts, clock.sleeps, tt.wantAttempts)
			}
			if got := job.Duration; got != time.Duration(tt.wantAttempts)*o.PollInterval {
				t.Errorf("duration = %v", got)
			}
			if tt.wantCode == "" {
				if job.Err != nil {
					t.Errorf("unexpected error %v", job.Err)
				}
				return
			}
			if !sperrors.Is(job.Err, tt.wantCode) {
				t.Errorf("error = %v, want code %s", job.Err, tt.wantCode)
			}
			if got := sperrors.PageOf(job.Err); got != "A101 - Level 1" {
				t.Errorf("PageOf = %q", got)
			}
		})
	}
}

// stagedRenderer creates the output empty on submit and rewrites it with
// stages[n-1] on the nth clock tick, like a driver streaming its output.
type stagedRenderer struct {
	fakeRenderer
	stages []string
	path   string
	ticks  int
}

func (r *stagedRenderer) Submit(_ context.Context, path string) error {
	r.path = path
	return os.WriteFile(path, nil, 0o644)
}

func (r *stagedRenderer) tick() {
	r.ticks++
	if r.ticks <= len(r.stages) {
		_ = os.WriteFile(r.path, []byte(r.stages[r.ticks-1]), 0o644)
	}
}

func TestRenderPageWaitsForOutputToSettle(t *testing.T) {
	tests := []struct {
		name         string
		stages       []string
		wantState    JobState
		wantAttempts int
	}{
		{name: "empty then written", stages: []string{"", "", "%PDF-1.4 body %%EOF"}, wantState: Completed, wantAttempts: 4},
		{name: "growing", stages: []string{"%PDF", "%PDF-1.4 body", "%PDF-1.4 body %%EOF"}, wantState: Completed, wantAttempts: 4},
		{name: "stays empty", stages: nil, wantState: TimedOut, wantAttempts: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &stagedRenderer{stages: tt.stages}
			clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), onSleep: r.tick}
			o := &Orchestrator{Renderer: r, Clock: clock, MaxPollAttempts: 10, PollInterval: 500 * time.Millisecond}
			path := filepath.Join(t.TempDir(), "out.pdf")

			job := o.RenderPage(context.Background(), testPages[0], path)
			if job.State != tt.wantState || job.Attempts != tt.wantAttempts {
				t.Fatalf("state = %v after %d attempts, want %v after %d (err %v)",
					job.State, job.Attempts, tt.wantState, tt.wantAttempts, job.Err)
			}
			if tt.wantState != Completed {
				return
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if want := tt.stages[len(tt.stages)-1]; string(data) != want {
				t.Errorf("completed on %q, want %q", data, want)
			}
		})
	}
}

func TestRenderPageUsesSizeHook(t *testing.T) {
	sizes := []int64{-1, 0, 512, 2048, 2048}
	calls := 0
	o, _ := newTestOrchestrator(&fakeRenderer{delays: map[string]int{"A101": -1}})
	o.Size = func(string) int64 {
		n := sizes[min(calls, len(sizes)-1)]
		calls++
		return n
	}

	job := o.RenderPage(context.Background(), testPages[0], filepath.Join(t.TempDir(), "out.pdf"))
	if job.State != Completed || job.Attempts != 4 {
		t.Errorf("state = %v after %d attempts, want completed after 4", job.State, job.Attempts)
	}
}

func TestRenderPageRemovesStaleOutput(t *testing.T) {
	r := &fakeRenderer{delays: map[string]int{"A101": -1}}
	o, _ := newTestOrchestrator(r)
	path := filepath.Join(t.TempDir(), "out.pdf")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	job := o.RenderPage(context.Background(), testPages[0], path)
	if job.State != TimedOut {
		t.Errorf("stale file satisfied the poll: state = %v", job.State)
	}
}

func TestRenderPageCancelled(t *testing.T) {
	r := &fakeRenderer{delays: map[string]int{"A101": -1}}
	o, clock := newTestOrchestrator(r)
	ctx, cancel := context.WithCancel(context.Background())
	clock.onSleep = func() {
		if clock.sleeps == 2 {
			cancel()
		}
	}

	job := o.RenderPage(ctx, testPages[0], filepath.Join(t.TempDir(), "out.pdf"))
	if job.State != Failed || !errors.Is(job.Err, context.Canceled) {
		t.Errorf("state = %v, err = %v", job.State, job.Err)
	}
	if job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", job.Attempts)
	}
}

// =============================================================================
// RunBatch
// =============================================================================

func TestRunBatchAllComplete(t *testing.T) {
	r := &fakeRenderer{delays: map[string]int{"A101": 1, "A102": 4, "A201": 0}}
	o, _ := newTestOrchestrator(r)
	dir := filepath.Join(t.TempDir(), "nested", "out")

	res, err := o.RunBatch(context.Background(), testPages, dir)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	want := []string{
		filepath.Join(dir, "A101_Level 1.pdf"),
		filepath.Join(dir, "A102_Level 2.pdf"),
		filepath.Join(dir, "A201_Sections_ North_South.pdf"),
	}
	if len(res.Outputs) != len(want) {
		t.Fatalf("outputs = %v", res.Outputs)
	}
	for i := range want {
		if res.Outputs[i] != want[i] {
			t.Errorf("outputs[%d] = %q, want %q", i, res.Outputs[i], want[i])
		}
	}
	if res.Count(Completed) != 3 {
		t.Errorf("completed = %d", res.Count(Completed))
	}
	if r.configured == nil || *r.configured != DefaultSettings() {
		t.Errorf("configured = %+v, want defaults", r.configured)
	}
}

func TestRunBatchAbortsOnSubmissionFailure(t *testing.T) {
	r := &fakeRenderer{failOn: map[string]error{"A102": errors.New("driver crashed")}}
	o, _ := newTestOrchestrator(r)

	res, err := o.RunBatch(context.Background(), testPages, t.TempDir())
	if !sperrors.Is(err, sperrors.ErrCodeRenderSubmission) {
		t.Fatalf("err = %v, want RENDER_SUBMISSION_FAILED", err)
	}
	if sperrors.PageOf(err) != "A102 - Level 2" {
		t.Errorf("PageOf = %q", sperrors.PageOf(err))
	}
	if len(res.Jobs) != 2 || res.Jobs[1].State != Failed {
		t.Errorf("jobs = %+v", res.Jobs)
	}
	if len(res.Outputs) != 1 {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if len(r.submitted) != 1 || r.submitted[0] != "A101" {
		t.Errorf("A201 must not be attempted, submitted = %v", r.submitted)
	}
}

func TestRunBatchTimeoutPolicy(t *testing.T) {
	tests := []struct {
		policy      TimeoutPolicy
		wantErr     bool
		wantJobs    int
		wantOutputs int
	}{
		{policy: TimeoutSkip, wantJobs: 3, wantOutputs: 2},
		{policy: "", wantJobs: 3, wantOutputs: 2},
		{policy: TimeoutFail, wantErr: true, wantJobs: 2, wantOutputs: 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			r := &fakeRenderer{delays: map[string]int{"A102": -1}}
			o, _ := newTestOrchestrator(r)
			o.TimeoutPolicy = tt.policy

			res, err := o.RunBatch(context.Background(), testPages, t.TempDir())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !sperrors.Is(err, sperrors.ErrCodeRenderTimedOut) {
				t.Errorf("err = %v, want RENDER_TIMED_OUT", err)
			}
			if len(res.Jobs) != tt.wantJobs || len(res.Outputs) != tt.wantOutputs {
				t.Errorf("jobs = %d, outputs = %d", len(res.Jobs), len(res.Outputs))
			}
			if skipped := res.Skipped(); len(skipped) != 1 || skipped[0].Page.Number != "A102" {
				t.Errorf("skipped = %+v", skipped)
			}
		})
	}
}

func TestRunBatchDisambiguatesFileNames(t *testing.T) {
	pages := []host.Page{
		{ID: "1", Number: "A1", Name: "Plan"},
		{ID: "2", Number: "A1", Name: "Plan"},
		{ID: "3", Number: "a1", Name: "PLAN"},
	}
	o, _ := newTestOrchestrator(&fakeRenderer{})
	dir := t.TempDir()

	res, err := o.RunBatch(context.Background(), pages, dir)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	want := []string{"A1_Plan.pdf", "A1_Plan_1.pdf", "a1_PLAN_2.pdf"}
	for i, w := range want {
		if got := filepath.Base(res.Outputs[i]); got != w {
			t.Errorf("outputs[%d] = %q, want %q", i, got, w)
		}
	}
}

func TestRunBatchAvoidsReservedNames(t *testing.T) {
	pages := []host.Page{{ID: "1", Number: "COMBINED", Name: "SHEETS"}}
	o, _ := newTestOrchestrator(&fakeRenderer{})
	o.Reserved = []string{"combined_sheets.pdf"}

	res, err := o.RunBatch(context.Background(), pages, t.TempDir())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if got := filepath.Base(res.Outputs[0]); got != "COMBINED_SHEETS_1.pdf" {
		t.Errorf("output = %q, want COMBINED_SHEETS_1.pdf", got)
	}
}

func TestRunBatchRejectsBadInput(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeRenderer{})
	if _, err := o.RunBatch(context.Background(), testPages, ""); !sperrors.Is(err, sperrors.ErrCodeInvalidPath) {
		t.Errorf("empty dir err = %v", err)
	}

	o.Settings = Settings{Color: "sepia"}
	if _, err := o.RunBatch(context.Background(), testPages, t.TempDir()); !sperrors.Is(err, sperrors.ErrCodeInvalidConfig) {
		t.Errorf("bad settings err = %v", err)
	}

	o, _ = newTestOrchestrator(&fakeRenderer{configureErr: errors.New("no printer")})
	if _, err := o.RunBatch(context.Background(), testPages, t.TempDir()); !sperrors.Is(err, sperrors.ErrCodeRenderSubmission) {
		t.Errorf("configure err = %v", err)
	}
}

func TestRunBatchCancelledBeforeStart(t *testing.T) {
	r := &fakeRenderer{}
	o, _ := newTestOrchestrator(r)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.RunBatch(ctx, testPages, t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if len(res.Jobs) != 0 || len(r.submitted) != 0 {
		t.Errorf("nothing should be submitted, jobs = %d", len(res.Jobs))
	}
}

// =============================================================================
// Policies and settings
// =============================================================================

func TestParseTimeoutPolicy(t *testing.T) {
	tests := map[string]struct {
		want    TimeoutPolicy
		wantErr bool
	}{
		"":      {want: TimeoutSkip},
		"skip":  {want: TimeoutSkip},
		"fail":  {want: TimeoutFail},
		"abort": {wantErr: true},
	}
	for in, tt := range tests {
		got, err := ParseTimeoutPolicy(in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseTimeoutPolicy(%q) = %q, %v", in, got, err)
		}
	}
}

func TestSettingsValidateAndSetDefaults(t *testing.T) {
	s := Settings{Zoom: ZoomActual}
	if err := s.ValidateAndSetDefaults(); err != nil {
		t.Fatalf("ValidateAndSetDefaults: %v", err)
	}
	if s.Color != ColorFull || s.Placement != PlaceCenter || s.Zoom != ZoomActual {
		t.Errorf("settings = %+v", s)
	}

	for _, bad := range []Settings{{Color: "sepia"}, {Placement: "left"}, {Zoom: "200"}} {
		if err := bad.ValidateAndSetDefaults(); err == nil {
			t.Errorf("%+v should be rejected", bad)
		}
	}
}

func TestSettingsEnv(t *testing.T) {
	env := DefaultSettings().Env()
	want := []string{
		"SHEETPRESS_COLOR=color",
		"SHEETPRESS_PLACEMENT=center",
		"SHEETPRESS_ZOOM=fit",
		"SHEETPRESS_HIDE_CROP=true",
	}
	if len(env) != len(want) {
		t.Fatalf("env = %v", env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}
