package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/host"
	"github.com/matzehuels/sheetpress/pkg/naming"
)

// sheetsCommand lists the sheets a print would target and the files it would write.
func (c *CLI) sheetsCommand() *cobra.Command {
	var (
		docPath  string
		sheets   []string
		portable bool
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "sheets",
		Short: "List printable sheets, their views and output file names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("doc") {
				cfg.Document = docPath
			}
			if cmd.Flags().Changed("sheet") {
				cfg.Sheets = sheets
			}
			if cmd.Flags().Changed("portable-names") {
				cfg.PortableNames = portable
			}

			doc, err := openDocument(cfg.Document)
			if err != nil {
				return err
			}
			return c.runSheets(cmd.Context(), doc, cfg.Sheets, cfg.PortableNames, all)
		},
	}

	cmd.Flags().StringVarP(&docPath, "doc", "d", "", "project document (YAML)")
	cmd.Flags().StringSliceVarP(&sheets, "sheet", "s", nil, "sheet numbers to show (default all)")
	cmd.Flags().BoolVar(&portable, "portable-names", false, "show file names sanitized for every platform")
	cmd.Flags().BoolVar(&all, "all", false, "include placeholder sheets")

	return cmd
}

func (c *CLI) runSheets(ctx context.Context, doc host.Document, numbers []string, portable, all bool) error {
	w := c.out()

	pages, err := doc.Pages(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "read sheets")
	}

	var placeholders []host.Page
	if all {
		for _, p := range pages {
			if p.Placeholder {
				placeholders = append(placeholders, p)
			}
		}
	}

	targets, missing := host.TargetPages(pages, numbers)
	if len(missing) > 0 {
		return errors.New(errors.ErrCodeNotFound, "unknown or placeholder sheet numbers: %s", strings.Join(missing, ", "))
	}

	forbidden := naming.ForbiddenFileChars()
	if portable {
		forbidden = naming.PortableForbiddenChars
	}

	fmt.Fprintln(w, StyleTitle.Render("Sheets"))
	used := make(map[string]bool)
	rules := 0
	for _, p := range targets {
		name := naming.UniqueFileName(naming.ResolveOutputFileName(p.Number, p.Name, forbidden), used)
		used[strings.ToLower(name)] = true
		rules++

		fmt.Fprintf(w, "%s %s\n", StyleNumber.Render(p.Number), StyleValue.Render(p.Name))
		printFile(w, name)
		for _, v := range p.Subviews {
			if v.Template {
				printDetail(w, "%s (template, not overridden)", v.Name)
				continue
			}
			rules++
			printDetail(w, "%s", v.Name)
		}
	}
	for _, p := range placeholders {
		fmt.Fprintf(w, "%s %s\n", StyleDim.Render(p.Number), StyleDim.Render(p.Name+" (placeholder)"))
	}

	fmt.Fprintln(w)
	printStats(w, plural(len(targets), "sheet"), plural(rules, "rule")+" per batch")
	if d, ok := doc.(interface{ Path() string }); ok && d.Path() != "" {
		printKeyValue(w, "Document", filepath.Clean(d.Path()))
	}
	return nil
}
