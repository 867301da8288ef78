package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	sperrors "github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/host"
	"github.com/matzehuels/sheetpress/pkg/naming"
	"github.com/matzehuels/sheetpress/pkg/observability"
)

// Poll defaults: ten half-second waits, a five second ceiling per sheet.
const (
	DefaultMaxPollAttempts = 10
	DefaultPollInterval    = 500 * time.Millisecond
)

// TimeoutPolicy decides what a sheet whose output never appears does to the batch.
type TimeoutPolicy string

const (
	// TimeoutSkip leaves the sheet out of the merge and continues.
	TimeoutSkip TimeoutPolicy = "skip"
	// TimeoutFail aborts the batch.
	TimeoutFail TimeoutPolicy = "fail"
)

// ParseTimeoutPolicy accepts "skip" or "fail". Empty means skip.
func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch TimeoutPolicy(s) {
	case "", TimeoutSkip:
		return TimeoutSkip, nil
	case TimeoutFail:
		return TimeoutFail, nil
	}
	return "", fmt.Errorf("unknown timeout policy %q (want skip or fail)", s)
}

// Orchestrator renders sheets one at a time through a Renderer.
// Zero-valued fields fall back to the defaults noted on each field.
type Orchestrator struct {
	Renderer Renderer
	Settings Settings // applied once by RunBatch; zero value uses DefaultSettings

	Clock  Clock  // SystemClock
	Waiter Waiter // SleepWaiter on Clock

	MaxPollAttempts int           // DefaultMaxPollAttempts
	PollInterval    time.Duration // DefaultPollInterval
	TimeoutPolicy   TimeoutPolicy // TimeoutSkip

	// Forbidden is the character set replaced in output file names.
	// Nil uses naming.ForbiddenFileChars().
	Forbidden []rune

	// Reserved lists file names in the output directory that sheets may not
	// use, such as the combined document.
	Reserved []string

	// Size reports the byte size of a regular file, or -1 if there is none.
	// Nil stats the filesystem.
	Size   func(path string) int64
	Remove func(path string) error

	Logger *log.Logger
}

func (o *Orchestrator) clock() Clock {
	if o.Clock == nil {
		return SystemClock{}
	}
	return o.Clock
}

func (o *Orchestrator) waiter() Waiter {
	if o.Waiter == nil {
		return SleepWaiter{Clock: o.clock()}
	}
	return o.Waiter
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

func (o *Orchestrator) maxAttempts() int {
	if o.MaxPollAttempts <= 0 {
		return DefaultMaxPollAttempts
	}
	return o.MaxPollAttempts
}

func (o *Orchestrator) interval() time.Duration {
	if o.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return o.PollInterval
}

func (o *Orchestrator) size(path string) int64 {
	if o.Size != nil {
		return o.Size(path)
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return -1
	}
	return info.Size()
}

// outputWatch tracks an output file across poll checks. Drivers create the
// file before they finish writing it, so it is ready only once it is
// non-empty and its size matches the previous check.
type outputWatch struct {
	last int64
}

func newOutputWatch() *outputWatch { return &outputWatch{last: -1} }

// observe records size and reports whether the file is ready.
func (w *outputWatch) observe(size int64) bool {
	ready := size > 0 && size == w.last
	w.last = size
	return ready
}

// partial reports whether the last check saw a non-empty file.
func (w *outputWatch) partial() bool { return w.last > 0 }

func (o *Orchestrator) remove(path string) error {
	rm := o.Remove
	if rm == nil {
		rm = os.Remove
	}
	if err := rm(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RenderPage drives one sheet to a terminal state. A stale file at outputPath
// is removed first so that only the new job can satisfy the poll.
//
// The output counts as written once it is non-empty and its size held across
// two consecutive checks.
//
// Submission errors yield Failed with a RENDER_SUBMISSION_FAILED error and are
// not retried. Cancellation during the poll yields Failed with ctx.Err().
func (o *Orchestrator) RenderPage(ctx context.Context, page host.Page, outputPath string) *Job {
	start := o.clock().Now()
	job := &Job{Page: page, OutputPath: outputPath, State: Pending}
	logger := o.logger().With("page", page.Label())

	finish := func(state JobState, err error) *Job {
		job.State = state
		job.Err = err
		job.Duration = o.clock().Now().Sub(start)
		observability.Batch().OnPageRendered(ctx, page.Label(), state.String(), job.Attempts, job.Duration)
		return job
	}
	submitErr := func(cause error, msg string) error {
		return sperrors.Wrap(sperrors.ErrCodeRenderSubmission, cause, "%s", msg).WithPage(page.Label())
	}

	if err := o.remove(outputPath); err != nil {
		return finish(Failed, submitErr(err, "remove stale output"))
	}
	if err := o.Renderer.SelectTarget(ctx, page); err != nil {
		return finish(Failed, submitErr(err, "select sheet"))
	}
	if err := o.Renderer.Submit(ctx, outputPath); err != nil {
		return finish(Failed, submitErr(err, "submit print job"))
	}
	job.State = Submitted
	logger.Debug("submitted", "path", outputPath)

	limit, interval := o.maxAttempts(), o.interval()
	watch := newOutputWatch()
	for {
		if watch.observe(o.size(outputPath)) {
			return finish(Completed, nil)
		}
		// A file first seen on the last check gets one more wait to settle.
		if job.Attempts > limit || (job.Attempts == limit && !watch.partial()) {
			break
		}
		if err := o.waiter().Wait(ctx, outputPath, interval); err != nil {
			return finish(Failed, err)
		}
		job.Attempts++
		logger.Debug("polling", "attempt", job.Attempts, "path", outputPath)
	}
	return finish(TimedOut, sperrors.New(sperrors.ErrCodeRenderTimedOut,
		"output did not settle after %d attempts", job.Attempts).WithPage(page.Label()))
}

// RunBatch configures the renderer and renders pages in order into outputDir,
// which is created if absent. File names come from each sheet's number and
// name, sanitized and made unique within the batch.
//
// The first Failed job aborts the batch. A TimedOut job is skipped under
// TimeoutSkip and aborts under TimeoutFail. The returned result is never nil
// and lists every job started, even when err is non-nil.
func (o *Orchestrator) RunBatch(ctx context.Context, pages []host.Page, outputDir string) (*BatchResult, error) {
	res := &BatchResult{}
	logger := o.logger()

	if err := sperrors.ValidateOutputDir(outputDir); err != nil {
		return res, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return res, sperrors.Wrap(sperrors.ErrCodeInvalidPath, err, "create output directory %s", outputDir)
	}

	settings := o.Settings
	if err := settings.ValidateAndSetDefaults(); err != nil {
		return res, sperrors.Wrap(sperrors.ErrCodeInvalidConfig, err, "render settings")
	}
	if err := o.Renderer.Configure(ctx, settings); err != nil {
		return res, sperrors.Wrap(sperrors.ErrCodeRenderSubmission, err, "configure renderer")
	}

	forbidden := o.Forbidden
	if forbidden == nil {
		forbidden = naming.ForbiddenFileChars()
	}
	used := make(map[string]bool, len(pages)+len(o.Reserved))
	for _, name := range o.Reserved {
		used[strings.ToLower(name)] = true
	}

	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := naming.UniqueFileName(naming.ResolveOutputFileName(page.Number, page.Name, forbidden), used)
		used[strings.ToLower(name)] = true
		path := filepath.Join(outputDir, name)

		logger.Info("rendering", "page", page.Label(), "progress", fmt.Sprintf("%d/%d", i+1, len(pages)))
		job := o.RenderPage(ctx, page, path)
		res.Jobs = append(res.Jobs, job)

		switch job.State {
		case Completed:
			res.Outputs = append(res.Outputs, path)
			logger.Debug("rendered", "page", page.Label(), "path", path, "duration", job.Duration)
		case TimedOut:
			if o.TimeoutPolicy == TimeoutFail {
				return res, job.Err
			}
			logger.Warn("output never appeared, skipping", "page", page.Label(), "attempts", job.Attempts)
		default:
			return res, job.Err
		}
	}
	return res, nil
}
