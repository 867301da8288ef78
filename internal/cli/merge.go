package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matzehuels/sheetpress/pkg/merge"
)

// mergeCommand merges existing PDF files without touching a project document.
func (c *CLI) mergeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "merge OUTPUT INPUT...",
		Short: "Merge PDF files in order into one document",
		Long: `Merge PDF files in order into one document.

Inputs that do not exist are skipped with a warning. The output is written
atomically and its page count is checked against the inputs.`,
		Example: `  sheetpress merge prints/COMBINED_SHEETS.pdf prints/A101_*.pdf prints/A102_*.pdf`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())
			prog := newProgress(logger)

			engine := &merge.Engine{Logger: logger}
			res, err := engine.Merge(cmd.Context(), args[1:], args[0])
			if err != nil {
				return err
			}
			prog.done(fmt.Sprintf("Merged %s", plural(res.PageCount, "page")))

			w := c.out()
			printSuccess(w, "Merged %s", plural(len(res.Inputs), "file"))
			printFile(w, res.Output)
			for _, s := range res.Skipped {
				printWarning(w, "skipped missing %s", s)
			}
			printStats(w, plural(res.PageCount, "page"))
			return nil
		},
	}
}
