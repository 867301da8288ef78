// Package pkg provides the libraries behind sheetpress.
//
// # Overview
//
// sheetpress prints a set of drawing sheets from a project document to PDF
// with temporary graphic overrides applied, then merges the sheets into one
// document. The packages fall into four groups:
//
//  1. Host model: [host] (document contract), [hostfile] (YAML project files)
//  2. Batch stages: [override] and [naming] (pure builders), [rules]
//     (temporary rule lifecycle), [render] (sequential submission and
//     polling), [merge] (combined PDF)
//  3. Orchestration: [batch] (rules, render, merge, cleanup), [config]
//  4. Support: [errors], [lock], [journal], [observability], [report],
//     [retry], [proof], [buildinfo]
//
// # Data Flow
//
//	project document
//	       ↓
//	[rules] create one override rule per sheet and view (one transaction)
//	       ↓
//	[render] submit each sheet, wait for its file (bounded)
//	       ↓
//	[merge] combine completed files in order
//	       ↓
//	[rules] delete every rule created above (always)
//
// # Quick Start
//
//	doc, err := hostfile.Load("project.yaml")
//	if err != nil {
//	    return err
//	}
//	runner := batch.NewRunner(doc, &render.CommandRenderer{
//	    Command: []string{"print-sheet", "--out", "{output}", "{id}"},
//	}, nil)
//	res, err := runner.Execute(ctx, batch.Options{OutputDir: "prints"})
//
// [host]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/host
// [hostfile]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/hostfile
// [override]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/override
// [naming]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/naming
// [rules]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/rules
// [render]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/render
// [merge]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/merge
// [batch]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/batch
// [config]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/config
// [errors]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/errors
// [lock]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/lock
// [journal]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/journal
// [observability]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/observability
// [report]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/report
// [retry]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/retry
// [proof]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/proof
// [buildinfo]: https://pkg.go.dev/github.com/matzehuels/sheetpress/pkg/buildinfo
package pkg
