package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/matzehuels/sheetpress/pkg/observability"
)

const namespace = "sheetpress"

// Recorder implements observability.BatchHooks using Prometheus metrics.
type Recorder struct {
	reg *prom.Registry

	batches       *prom.CounterVec
	batchDuration prom.Histogram
	pages         *prom.CounterVec
	pageDuration  *prom.HistogramVec
	pollAttempts  prom.Histogram
	rules         *prom.CounterVec
	mergedPages   prom.Counter
	mergeDuration prom.Histogram
	mergeFailures prom.Counter
	cleanup       *prom.CounterVec
	lastSuccess   prom.Gauge
}

// NewRecorder constructs and registers the batch metrics. A nil registry
// creates a private one.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		reg: reg,
		batches: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Print batches by outcome code (ok on success)",
		}, []string{"outcome"}),
		batchDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Total batch duration",
			Buckets:   prom.ExponentialBuckets(1, 2, 10),
		}),
		pages: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Rendered sheets by terminal state",
		}, []string{"state"}),
		pageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "page_render_duration_seconds",
			Help:      "Time from submission to terminal state per sheet",
			Buckets:   prom.DefBuckets,
		}, []string{"state"}),
		pollAttempts: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "page_poll_attempts",
			Help:      "Poll waits spent per sheet",
			Buckets:   prom.LinearBuckets(0, 1, 11),
		}),
		rules: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "rules_total",
			Help:      "Temporary override rules by lifecycle event",
		}, []string{"event"}),
		mergedPages: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "merged_pages_total",
			Help:      "Pages written to combined documents",
		}),
		mergeDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Combined document write duration",
			Buckets:   prom.DefBuckets,
		}),
		mergeFailures: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "merge_failures_total",
			Help:      "Failed combined document writes",
		}),
		cleanup: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_rules_total",
			Help:      "Temporary rule deletions by result",
		}, []string{"result"}),
		lastSuccess: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful batch",
		}),
	}
	reg.MustRegister(r.batches, r.batchDuration, r.pages, r.pageDuration, r.pollAttempts,
		r.rules, r.mergedPages, r.mergeDuration, r.mergeFailures, r.cleanup, r.lastSuccess)
	return r
}

// Registry returns the registry the metrics are registered with.
func (r *Recorder) Registry() *prom.Registry {
	return r.reg
}

func (r *Recorder) OnBatchStart(context.Context, string, int) {
	r.batches.WithLabelValues("started").Inc()
}

func (r *Recorder) OnRulesApplied(_ context.Context, _ string, n int, _ time.Duration, err error) {
	if err != nil {
		r.rules.WithLabelValues("create_failed").Inc()
		return
	}
	r.rules.WithLabelValues("created").Add(float64(n))
}

func (r *Recorder) OnPageRendered(_ context.Context, _ string, state string, attempts int, d time.Duration) {
	r.pages.WithLabelValues(state).Inc()
	r.pageDuration.WithLabelValues(state).Observe(d.Seconds())
	r.pollAttempts.Observe(float64(attempts))
}

func (r *Recorder) OnMergeComplete(_ context.Context, _ int, pages int, d time.Duration, err error) {
	r.mergeDuration.Observe(d.Seconds())
	if err != nil {
		r.mergeFailures.Inc()
		return
	}
	r.mergedPages.Add(float64(pages))
}

func (r *Recorder) OnCleanup(_ context.Context, _ string, deleted, failed int) {
	r.cleanup.WithLabelValues("deleted").Add(float64(deleted))
	r.cleanup.WithLabelValues("failed").Add(float64(failed))
}

func (r *Recorder) OnBatchComplete(_ context.Context, _ string, code string, d time.Duration) {
	outcome := code
	if outcome == "" {
		outcome = "ok"
		r.lastSuccess.SetToCurrentTime()
	}
	r.batches.WithLabelValues(outcome).Inc()
	r.batchDuration.Observe(d.Seconds())
}

// WriteTextfile writes every registered metric to path in the text exposition
// format, creating the parent directory if needed.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("metrics dir: %w", err)
	}
	if err := prom.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

// Ensure Recorder implements BatchHooks.
var _ observability.BatchHooks = (*Recorder)(nil)
