package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matzehuels/sheetpress/pkg/batch"
	"github.com/matzehuels/sheetpress/pkg/config"
	"github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/render"
	"github.com/matzehuels/sheetpress/pkg/report"
	"github.com/matzehuels/sheetpress/pkg/rules"
)

const defaultProofDelay = 100 * time.Millisecond

// printOpts holds the flags of the print command. Flags only override the
// configuration when they are set on the command line.
type printOpts struct {
	doc           string
	sheets        []string
	out           string
	name          string
	proof         bool
	proofDelay    time.Duration
	renderer      string
	pollAttempts  int
	pollInterval  time.Duration
	timeoutPolicy string
	strict        bool
	portable      bool
	color         string
	placement     string
	zoom          string
	lockBackend   string
	journal       string
	metricsFile   string
	report        string
}

// printCommand creates the print command, which runs a complete batch.
func (c *CLI) printCommand() *cobra.Command {
	opts := printOpts{proofDelay: defaultProofDelay}

	cmd := &cobra.Command{
		Use:   "print",
		Short: "Render sheets to PDF and merge them into one document",
		Long: `Render sheets to PDF and merge them into one document.

Every sheet and every non-template view on it receives a temporary override
rule for the duration of the batch. Sheets are rendered one at a time, in
order, and each is given a bounded time to produce its file. The completed
files are merged into the combined document, and the rules are removed again
whatever the outcome.`,
		Example: `  sheetpress print --sheet A101 --sheet A102 -o prints
  sheetpress print --proof
  sheetpress print --renderer "print-sheet --out {output} {id}" --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return c.runPrint(cmd.Context(), cfg, &opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.doc, "doc", "d", "", "project document (YAML)")
	f.StringSliceVarP(&opts.sheets, "sheet", "s", nil, "sheet number to print, in order (repeatable; default all)")
	f.StringVarP(&opts.out, "out", "o", "", "output directory")
	f.StringVarP(&opts.name, "name", "n", "", "combined file name (default "+batch.DefaultCombinedName+")")
	f.BoolVar(&opts.proof, "proof", false, "render proof pages instead of running the external renderer")
	f.DurationVar(&opts.proofDelay, "proof-delay", opts.proofDelay, "delay before a proof page appears")
	f.StringVar(&opts.renderer, "renderer", "", "renderer command; placeholders {output} {number} {name} {id}")
	f.IntVar(&opts.pollAttempts, "poll-attempts", 0, "waits per sheet before it counts as timed out")
	f.DurationVar(&opts.pollInterval, "poll-interval", 0, "length of each wait")
	f.StringVar(&opts.timeoutPolicy, "on-timeout", "", "what a timed-out sheet does: skip or fail")
	f.BoolVar(&opts.strict, "strict", false, "abort the batch on the first timed-out sheet (same as --on-timeout fail)")
	f.BoolVar(&opts.portable, "portable-names", false, "sanitize file names for every platform")
	f.StringVar(&opts.color, "color", "", "color mode: color, grayscale, blackline")
	f.StringVar(&opts.placement, "placement", "", "paper placement: center, offset")
	f.StringVar(&opts.zoom, "zoom", "", "zoom: fit, 100")
	f.StringVar(&opts.lockBackend, "lock", "", "renderer lock: file, redis, none")
	f.StringVar(&opts.journal, "journal", "", "rule journal database")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
	f.StringVar(&opts.report, "report", "", "write a JSON batch report to this file")

	return cmd
}

// apply copies every flag the user set onto cfg.
func (o *printOpts) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}
	set("doc", &cfg.Document, o.doc)
	set("out", &cfg.OutputDir, o.out)
	set("name", &cfg.CombinedName, o.name)
	set("on-timeout", &cfg.Render.TimeoutPolicy, o.timeoutPolicy)
	set("lock", &cfg.Lock.Backend, o.lockBackend)
	set("journal", &cfg.Journal, o.journal)
	set("metrics-file", &cfg.MetricsFile, o.metricsFile)
	set("report", &cfg.Report, o.report)

	if f.Changed("sheet") {
		cfg.Sheets = o.sheets
	}
	if f.Changed("renderer") {
		cfg.Render.Command = strings.Fields(o.renderer)
	}
	if o.proof {
		cfg.Render.Command = nil
	}
	if f.Changed("poll-attempts") {
		cfg.Render.MaxPollAttempts = o.pollAttempts
	}
	if f.Changed("poll-interval") {
		cfg.Render.PollInterval = o.pollInterval
	}
	if o.strict {
		cfg.Render.TimeoutPolicy = string(render.TimeoutFail)
	}
	if f.Changed("portable-names") {
		cfg.PortableNames = o.portable
	}
	if f.Changed("color") {
		cfg.Render.Settings.Color = render.ColorMode(o.color)
	}
	if f.Changed("placement") {
		cfg.Render.Settings.Placement = render.Placement(o.placement)
	}
	if f.Changed("zoom") {
		cfg.Render.Settings.Zoom = render.Zoom(o.zoom)
	}
}

// reaper is implemented by renderers that leave background work behind.
type reaper interface {
	Wait(ctx context.Context) error
}

func (c *CLI) newRenderer(cfg *config.Config, opts *printOpts) render.Renderer {
	if len(cfg.Render.Command) == 0 {
		c.Logger.Info("using proof renderer", "delay", opts.proofDelay)
		return &render.ProofRenderer{Delay: opts.proofDelay, Logger: c.Logger}
	}
	c.Logger.Debug("using command renderer", "command", strings.Join(cfg.Render.Command, " "))
	return &render.CommandRenderer{Command: cfg.Render.Command, Logger: c.Logger}
}

func (c *CLI) runPrint(ctx context.Context, cfg *config.Config, opts *printOpts) error {
	logger := loggerFromContext(ctx)

	doc, err := openDocument(cfg.Document)
	if err != nil {
		return err
	}

	j, err := c.openJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	locker, closeLocker, err := c.newLocker(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocker()

	flush := c.installMetrics(cfg.MetricsFile)
	defer flush()

	renderer := c.newRenderer(cfg, opts)
	if r, ok := renderer.(reaper); ok {
		defer func() {
			reapCtx, cancel := context.WithTimeout(ctx, cfg.Render.ReapTimeout)
			defer cancel()
			if err := r.Wait(reapCtx); err != nil {
				logger.Warn("renderer still busy after the batch, stopped it", "timeout", cfg.Render.ReapTimeout)
			}
		}()
	}

	runner := batch.NewRunner(doc, renderer, logger)
	runner.Rules = rules.NewManager(doc, j, logger)
	runner.Locker = locker

	if cfg.Render.Watch {
		w, err := render.NewNotifyWaiter(logger)
		if err != nil {
			logger.Warn("file watching unavailable, polling instead", "error", err)
		} else {
			defer w.Close()
			runner.Waiter = w
		}
	}

	bopts := cfg.BatchOptions()
	logger.Debug("batch options", "options", bopts.String())

	res, err := runner.Execute(ctx, bopts)
	printBatchSummary(c.out(), res, err)

	if cfg.Report != "" && res != nil {
		if rerr := report.ExportJSON(report.New(res, err), cfg.Report); rerr != nil {
			logger.Warn("write report", "path", cfg.Report, "error", rerr)
		} else {
			printKeyValue(c.out(), "Report", cfg.Report)
		}
	}
	return err
}

// printBatchSummary reports what a batch did, including partial work after a
// failure.
func printBatchSummary(w io.Writer, res *batch.Result, err error) {
	if res == nil {
		return
	}
	fmt.Fprintln(w)

	if err == nil {
		printSuccess(w, "Printed %s", plural(len(res.Outputs), "sheet"))
	} else {
		printError(w, "Batch failed: %s", errors.UserMessage(err))
	}

	for _, job := range res.Jobs {
		switch job.State {
		case render.Completed:
			printFile(w, job.OutputPath)
		case render.TimedOut:
			printWarning(w, "%s timed out after %s", job.Page.Label(), plural(job.Attempts, "attempt"))
		case render.Failed:
			printWarning(w, "%s failed", job.Page.Label())
		}
	}

	stats := []string{
		plural(len(res.Pages), "sheet"),
		plural(res.Stats.RuleCount, "rule"),
		res.Stats.Total.Round(time.Millisecond).String(),
	}
	if res.Stats.TimedOut > 0 {
		stats = append(stats, fmt.Sprintf("%d timed out", res.Stats.TimedOut))
	}
	printStats(w, stats...)

	if res.CombinedPath != "" {
		fmt.Fprintln(w)
		printKeyValue(w, "Combined", res.CombinedPath)
		if res.Merge != nil {
			printKeyValue(w, "Pages", fmt.Sprint(res.Merge.PageCount))
		}
	}

	if res.Stats.RuleCount > 0 && !res.Cleanup.OK() {
		fmt.Fprintln(w)
		printWarning(w, "%d temporary rules are still in the document", len(res.Cleanup.Failed))
		printNextStep(w, "Remove them with", "sheetpress cleanup")
	}
}
