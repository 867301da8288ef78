package render

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/sheetpress/pkg/host"
	"github.com/matzehuels/sheetpress/pkg/proof"
)

// ProofRenderer writes a one-page proof PDF for each submitted sheet after
// Delay, mimicking an asynchronous print driver without one installed.
type ProofRenderer struct {
	Delay  time.Duration
	Logger *log.Logger

	mu       sync.Mutex
	target   *host.Page
	settings Settings
	running  background
}

func (r *ProofRenderer) SelectTarget(_ context.Context, page host.Page) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = &page
	return nil
}

func (r *ProofRenderer) Configure(_ context.Context, s Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
	return nil
}

func (r *ProofRenderer) Submit(ctx context.Context, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	page := r.target
	r.target = nil
	settings := r.settings
	r.mu.Unlock()
	if page == nil {
		return errNoTarget
	}

	lines := []string{page.Label(), "Sheet ID " + string(page.ID), settings.String()}
	for _, v := range page.Subviews {
		lines = append(lines, "  "+v.Name)
	}

	writeCtx, done := r.running.start(ctx)
	go func() {
		defer done()
		if r.Delay > 0 {
			if err := (SystemClock{}).Sleep(writeCtx, r.Delay); err != nil {
				return
			}
		}
		if err := proof.WriteFile(outputPath, lines); err != nil {
			logger := r.Logger
			if logger == nil {
				logger = log.Default()
			}
			logger.Warn("proof write failed", "page", page.Label(), "error", err)
		}
	}()
	return nil
}

// Wait blocks until every pending proof has been written. Proofs still
// waiting out their delay when ctx ends are dropped.
func (r *ProofRenderer) Wait(ctx context.Context) error {
	_, err := r.running.wait(ctx)
	return err
}
