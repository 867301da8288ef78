package render

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/matzehuels/sheetpress/pkg/host"
)

func TestProofRendererWithOrchestrator(t *testing.T) {
	r := &ProofRenderer{Delay: 20 * time.Millisecond}
	o := &Orchestrator{Renderer: r, MaxPollAttempts: 50, PollInterval: 10 * time.Millisecond}
	page := host.Page{ID: "312", Number: "A101", Name: "Level 1",
		Subviews: []host.Subview{{ID: "401", Name: "Level 1 Plan"}}}

	job := o.RenderPage(context.Background(), page, filepath.Join(t.TempDir(), "A101.pdf"))
	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if job.State != Completed {
		t.Fatalf("state = %v, err = %v", job.State, job.Err)
	}
	data, err := os.ReadFile(job.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) || !bytes.Contains(data, []byte("(A101 - Level 1)")) {
		t.Error("proof does not look like a labelled PDF")
	}
}

func TestRenderersRequireSelection(t *testing.T) {
	ctx := context.Background()
	renderers := map[string]Renderer{
		"proof":   &ProofRenderer{},
		"command": &CommandRenderer{Command: []string{"true"}},
	}
	for name, r := range renderers {
		t.Run(name, func(t *testing.T) {
			if err := r.Submit(ctx, filepath.Join(t.TempDir(), "x.pdf")); !errors.Is(err, errNoTarget) {
				t.Errorf("Submit without selection = %v, want errNoTarget", err)
			}
		})
	}
}

func TestCommandRenderer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ctx := context.Background()
	r := &CommandRenderer{Command: []string{"sh", "-c", `printf '%s|%s|%s' "$SHEETPRESS_COLOR" "$1" "$SHEETPRESS_SHEET_NAME" > "$2"`, "sh", "{number}", "{output}"}}
	out := filepath.Join(t.TempDir(), "A101.pdf")

	if err := r.Configure(ctx, DefaultSettings()); err != nil {
		t.Fatal(err)
	}
	if err := r.SelectTarget(ctx, host.Page{ID: "312", Number: "A101", Name: "Level 1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(ctx, out); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	if got := string(data); got != "color|A101|Level 1" {
		t.Errorf("output = %q", got)
	}
}

func TestCommandRendererWaitKillsStragglers(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	r := &CommandRenderer{Command: []string{"sleep", "30"}}
	o := &Orchestrator{Renderer: r, MaxPollAttempts: 2, PollInterval: 10 * time.Millisecond}

	job := o.RenderPage(context.Background(), host.Page{ID: "1", Number: "A1", Name: "One"},
		filepath.Join(t.TempDir(), "A1.pdf"))
	if job.State != TimedOut {
		t.Fatalf("state = %v, want timed_out", job.State)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Wait took %v after its deadline", elapsed)
	}
}

func TestCommandRendererStopsWithSubmitContext(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	r := &CommandRenderer{Command: []string{"sleep", "30"}}
	ctx, cancel := context.WithCancel(context.Background())
	_ = r.SelectTarget(ctx, host.Page{ID: "1", Number: "A1"})
	if err := r.Submit(ctx, filepath.Join(t.TempDir(), "A1.pdf")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()

	waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := r.Wait(waitCtx); err != nil {
		t.Errorf("Wait after cancel = %v, want nil", err)
	}
}

func TestProofRendererWaitDropsPendingProofs(t *testing.T) {
	r := &ProofRenderer{Delay: time.Minute}
	out := filepath.Join(t.TempDir(), "A1.pdf")
	_ = r.SelectTarget(context.Background(), host.Page{ID: "1", Number: "A1"})
	if err := r.Submit(context.Background(), out); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want context.DeadlineExceeded", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("dropped proof was written: %v", err)
	}
}

func TestCommandRendererMissingBinary(t *testing.T) {
	ctx := context.Background()
	r := &CommandRenderer{Command: []string{"sheetpress-no-such-renderer"}}
	_ = r.SelectTarget(ctx, host.Page{ID: "1", Number: "A1"})
	if err := r.Submit(ctx, "out.pdf"); err == nil {
		t.Error("expected error for missing binary")
	}

	empty := &CommandRenderer{}
	_ = empty.SelectTarget(ctx, host.Page{ID: "1", Number: "A1"})
	if err := empty.Submit(ctx, "out.pdf"); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestNotifyWaiterWakesOnCreate(t *testing.T) {
	w, err := NewNotifyWaiter(nil)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "A101.pdf")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("%PDF"), 0o644)
	}()

	start := time.Now()
	if err := w.Wait(context.Background(), path, 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Wait took %v, expected an early wake", elapsed)
	}
}

func TestNotifyWaiterHonorsDeadlineAndContext(t *testing.T) {
	w, err := NewNotifyWaiter(nil)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()
	path := filepath.Join(t.TempDir(), "never.pdf")

	if err := w.Wait(context.Background(), path, 20*time.Millisecond); err != nil {
		t.Errorf("Wait after deadline = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Wait(ctx, path, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait with cancelled ctx = %v", err)
	}
}

func TestJobStateString(t *testing.T) {
	for s, want := range map[JobState]string{
		Pending: "pending", Submitted: "submitted", Completed: "completed",
		TimedOut: "timed_out", Failed: "failed", JobState(42): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
		if s.Terminal() != (s == Completed || s == TimedOut || s == Failed) {
			t.Errorf("%v.Terminal() wrong", s)
		}
	}
}
