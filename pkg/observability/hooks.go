// Package observability provides hooks for metrics, tracing, and logging.
//
// This package enables optional instrumentation without adding hard dependencies
// on specific observability backends. Consumers can register hooks at startup
// to receive events about print batches, rendered sheets, merges, and cleanup.
//
// # Architecture
//
// The package uses a simple hooks pattern:
//   - Define hook interfaces for different event categories
//   - Provide no-op default implementations
//   - Allow registration of custom implementations at startup
//
// Hooks are registered by main, not by libraries, which keeps the batch
// packages free of any metrics backend.
//
// # Usage
//
// Register hooks at application startup:
//
//	func main() {
//	    observability.SetBatchHooks(metrics.NewRecorder())
//	    // ... run application
//	}
//
// Libraries call hooks to emit events:
//
//	observability.Batch().OnPageRendered(ctx, "A101 - Level 1", "completed", attempts, elapsed)
package observability

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Batch Hooks
// =============================================================================

// BatchHooks receives events from a print batch.
type BatchHooks interface {
	// OnBatchStart records the start of a batch over the given number of sheets.
	OnBatchStart(ctx context.Context, batchID string, pages int)

	// OnRulesApplied records the temporary rules created for a batch.
	OnRulesApplied(ctx context.Context, batchID string, rules int, duration time.Duration, err error)

	// OnPageRendered records one sheet reaching a terminal render state.
	OnPageRendered(ctx context.Context, page, state string, attempts int, duration time.Duration)

	// OnMergeComplete records the combined document write.
	OnMergeComplete(ctx context.Context, inputs, pages int, duration time.Duration, err error)

	// OnCleanup records the removal of temporary rules.
	OnCleanup(ctx context.Context, batchID string, deleted, failed int)

	// OnBatchComplete records the end of a batch. code is empty on success.
	OnBatchComplete(ctx context.Context, batchID, code string, duration time.Duration)
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NoopBatchHooks is a no-op implementation of BatchHooks.
type NoopBatchHooks struct{}

func (NoopBatchHooks) OnBatchStart(context.Context, string, int)                          {}
func (NoopBatchHooks) OnRulesApplied(context.Context, string, int, time.Duration, error)  {}
func (NoopBatchHooks) OnPageRendered(context.Context, string, string, int, time.Duration) {}
func (NoopBatchHooks) OnMergeComplete(context.Context, int, int, time.Duration, error)    {}
func (NoopBatchHooks) OnCleanup(context.Context, string, int, int)                        {}
func (NoopBatchHooks) OnBatchComplete(context.Context, string, string, time.Duration)     {}

// =============================================================================
// Global Hook Registry
// =============================================================================

var (
	batchHooks BatchHooks = NoopBatchHooks{}
	hooksMu    sync.RWMutex
)

// SetBatchHooks registers custom batch hooks.
// This should be called once at application startup before any batch runs.
func SetBatchHooks(h BatchHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		batchHooks = h
	}
}

// Batch returns the registered batch hooks.
func Batch() BatchHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return batchHooks
}

// Reset restores all hooks to their no-op defaults.
// This is primarily useful for testing.
func Reset() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	batchHooks = NoopBatchHooks{}
}
