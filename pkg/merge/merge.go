// Package merge concatenates per-sheet PDF files into one combined document.
//
// Inputs are appended in the order given and every page of each input keeps
// its internal order. Inputs missing at merge time are skipped; a combined
// document therefore holds exactly the pages of the inputs that existed.
//
//	res, err := merge.Merge(ctx, []string{"A101_Level 1.pdf", "A102_Level 2.pdf"}, "COMBINED_SHEETS.pdf")
//	fmt.Println(res.PageCount)
//
// The combined file is written under a temporary name next to the output and
// renamed into place, so a failed merge never leaves a partial document.
package merge

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/matzehuels/sheetpress/pkg/errors"
)

// Result describes a completed merge.
type Result struct {
	Output    string   // combined file
	Inputs    []string // inputs merged, in order
	Skipped   []string // inputs missing at merge time
	PageCount int      // pages in Output
}

// Engine merges PDF files with pdfcpu.
type Engine struct {
	Logger *log.Logger
}

var configOnce sync.Once

// configuration keeps pdfcpu away from the user's config directory.
func configuration() *model.Configuration {
	configOnce.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Merge writes the pages of every existing input, in order, to output.
// It fails with MERGE_FAILED when no input exists, an input cannot be read,
// or output cannot be written.
func (e *Engine) Merge(ctx context.Context, inputs []string, output string) (*Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	res := &Result{Output: output}

	if err := errors.ValidateFileName(filepath.Base(output)); err != nil {
		return res, errors.Wrap(errors.ErrCodeMerge, err, "combined output %s", output)
	}

	conf := configuration()
	expected := 0
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !isFile(in) {
			logger.Warn("input missing, skipping", "path", in)
			res.Skipped = append(res.Skipped, in)
			continue
		}
		n, err := api.PageCountFile(in)
		if err != nil {
			return res, errors.Wrap(errors.ErrCodeMerge, err, "read %s", in)
		}
		expected += n
		res.Inputs = append(res.Inputs, in)
	}
	if len(res.Inputs) == 0 {
		return res, errors.New(errors.ErrCodeMerge, "no input files to merge")
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return res, errors.Wrap(errors.ErrCodeMerge, err, "create output directory")
	}
	tmp, err := tempPath(output)
	if err != nil {
		return res, errors.Wrap(errors.ErrCodeMerge, err, "write %s", output)
	}
	defer os.Remove(tmp)

	if len(res.Inputs) == 1 {
		err = copyFile(res.Inputs[0], tmp)
	} else {
		err = api.MergeCreateFile(res.Inputs, tmp, false, conf)
	}
	if err != nil {
		return res, errors.Wrap(errors.ErrCodeMerge, err, "write %s", output)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	got, err := api.PageCountFile(tmp)
	if err != nil {
		return res, errors.Wrap(errors.ErrCodeMerge, err, "verify %s", output)
	}
	if got != expected {
		return res, errors.New(errors.ErrCodeMerge, "combined document has %d pages, inputs have %d", got, expected)
	}
	if err := os.Rename(tmp, output); err != nil {
		return res, errors.Wrap(errors.ErrCodeMerge, err, "write %s", output)
	}

	res.PageCount = got
	logger.Debug("merged", "inputs", len(res.Inputs), "pages", got, "path", output)
	return res, nil
}

// Merge runs a default Engine.
func Merge(ctx context.Context, inputs []string, output string) (*Result, error) {
	return (&Engine{}).Merge(ctx, inputs, output)
}

// PageCount returns the number of pages in a PDF file.
func PageCount(path string) (int, error) {
	configuration()
	return api.PageCountFile(path)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func tempPath(output string) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+".*.part")
	if err != nil {
		return "", err
	}
	name := f.Name()
	return name, f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
