package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/sheetpress/pkg/host"
)

var errNoTarget = errors.New("no sheet selected")

// killWaitDelay bounds how long a killed renderer may keep its stderr open.
const killWaitDelay = time.Second

// CommandRenderer starts an external command for every sheet and returns as
// soon as the process has started. The command template may use the
// placeholders {output}, {number}, {name} and {id}; settings are exported to
// the process as SHEETPRESS_* variables.
//
//	r := &render.CommandRenderer{Command: []string{"print-sheet", "--out", "{output}", "{id}"}}
type CommandRenderer struct {
	Command []string
	Env     []string // extra KEY=VALUE assignments
	Logger  *log.Logger

	mu       sync.Mutex
	target   *host.Page
	settings Settings
	running  background
}

func (r *CommandRenderer) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}

func (r *CommandRenderer) SelectTarget(_ context.Context, page host.Page) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = &page
	return nil
}

func (r *CommandRenderer) Configure(_ context.Context, s Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
	return nil
}

// Submit starts the command for the selected sheet and clears the selection.
// The process keeps running after Submit returns and is killed when ctx is
// done. Call Wait to reap every started process.
func (r *CommandRenderer) Submit(ctx context.Context, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(r.Command) == 0 {
		return errors.New("renderer command is empty")
	}

	r.mu.Lock()
	page := r.target
	r.target = nil
	settings := r.settings
	r.mu.Unlock()
	if page == nil {
		return errNoTarget
	}

	bin, err := exec.LookPath(r.Command[0])
	if err != nil {
		return fmt.Errorf("renderer command %q not found: %w", r.Command[0], err)
	}

	expand := strings.NewReplacer(
		"{output}", outputPath,
		"{number}", page.Number,
		"{name}", page.Name,
		"{id}", string(page.ID),
	)
	args := make([]string, len(r.Command)-1)
	for i, a := range r.Command[1:] {
		args[i] = expand.Replace(a)
	}

	procCtx, done := r.running.start(ctx)
	cmd := exec.CommandContext(procCtx, bin, args...)
	cmd.WaitDelay = killWaitDelay
	cmd.Env = append(os.Environ(), settings.Env()...)
	cmd.Env = append(cmd.Env,
		"SHEETPRESS_OUTPUT="+outputPath,
		"SHEETPRESS_SHEET_ID="+string(page.ID),
		"SHEETPRESS_SHEET_NUMBER="+page.Number,
		"SHEETPRESS_SHEET_NAME="+page.Name,
	)
	cmd.Env = append(cmd.Env, r.Env...)

	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		done()
		return fmt.Errorf("%s: %w", r.Command[0], err)
	}

	go func() {
		defer done()
		if err := cmd.Wait(); err != nil {
			r.logger().Warn("renderer exited with error",
				"page", page.Label(), "error", err, "stderr", strings.TrimSpace(errBuf.String()))
		}
	}()
	return nil
}

// Wait blocks until every process started by Submit has exited. If ctx ends
// first, the processes still running are killed and reaped, and Wait returns
// ctx.Err().
func (r *CommandRenderer) Wait(ctx context.Context) error {
	killed, err := r.running.wait(ctx)
	if killed > 0 {
		r.logger().Warn("killed renderer processes still running", "count", killed)
	}
	return err
}
