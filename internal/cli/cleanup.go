package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/journal"
	"github.com/matzehuels/sheetpress/pkg/rules"
)

// cleanupCommand removes temporary rules left behind by batches that crashed
// between creating their rules and deleting them.
func (c *CLI) cleanupCommand() *cobra.Command {
	var (
		docPath     string
		journalPath string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove temporary rules left behind by interrupted batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("doc") {
				cfg.Document = docPath
			}
			if cmd.Flags().Changed("journal") {
				cfg.Journal = journalPath
			}

			ctx := cmd.Context()
			logger := loggerFromContext(ctx)
			w := c.out()

			j, err := c.openJournal(cfg.Journal)
			if err != nil {
				return err
			}
			defer j.Close()

			if dryRun {
				entries, err := j.Pending(ctx)
				if err != nil {
					return errors.Wrap(errors.ErrCodeInternal, err, "read journal")
				}
				if len(entries) == 0 {
					printInfo(w, "No orphaned rules")
					return nil
				}
				batches, ids := journal.GroupByBatch(entries)
				for _, b := range batches {
					printInfo(w, "Batch %s: %s", b, plural(len(ids[b]), "rule"))
					for _, id := range ids[b] {
						printDetail(w, "%s", id)
					}
				}
				return nil
			}

			doc, err := openDocument(cfg.Document)
			if err != nil {
				return err
			}

			prog := newProgress(logger)
			reports, err := rules.NewManager(doc, j, logger).Recover(ctx)
			if err != nil {
				return errors.Wrap(errors.ErrCodeInternal, err, "recover rules")
			}
			if len(reports) == 0 {
				printInfo(w, "No orphaned rules")
				return nil
			}

			batches := make([]string, 0, len(reports))
			for b := range reports {
				batches = append(batches, b)
			}
			sort.Strings(batches)

			var deleted, failed int
			for _, b := range batches {
				r := reports[b]
				deleted += len(r.Deleted)
				failed += len(r.Failed)
				for _, f := range r.Failed {
					printDetail(w, "%s: %v", f.ID, f.Err)
				}
			}
			prog.done(fmt.Sprintf("Recovered %s", plural(len(batches), "batch")))

			if failed > 0 {
				printWarning(w, "Removed %s, %d could not be removed", plural(deleted, "rule"), failed)
			} else {
				printSuccess(w, "Removed %s", plural(deleted, "rule"))
			}
			if cfg.Document != "" {
				printKeyValue(w, "Document", filepath.Clean(cfg.Document))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&docPath, "doc", "d", "", "project document (YAML)")
	cmd.Flags().StringVar(&journalPath, "journal", "", "rule journal database")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list orphaned rules without removing them")

	return cmd
}
