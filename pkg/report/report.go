// Package report writes a machine-readable JSON summary of a print batch.
//
// The summary lists every sheet the batch submitted with its final state,
// the combined document, and how many temporary rules were created and
// removed:
//
//	{
//	  "batch_id": "5f0c...",
//	  "status": "ok",
//	  "combined": "prints/COMBINED_SHEETS.pdf",
//	  "page_count": 2,
//	  "sheets": [
//	    {"number": "A101", "name": "Level 1", "state": "completed", "output": "prints/A101_Level 1.pdf", "attempts": 1}
//	  ],
//	  "rules": {"created": 5, "deleted": 5, "failed": 0}
//	}
//
// Status is "ok" for a successful batch and the error code otherwise.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/matzehuels/sheetpress/pkg/batch"
	"github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/render"
)

// StatusOK is the status of a batch that returned no error.
const StatusOK = "ok"

// Report is the JSON document.
type Report struct {
	BatchID   string  `json:"batch_id"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	Combined  string  `json:"combined,omitempty"`
	PageCount int     `json:"page_count"`
	Sheets    []Sheet `json:"sheets"`
	Rules     Rules   `json:"rules"`
	Timings   Timings `json:"timings_ms"`
}

// Sheet is one rendered sheet.
type Sheet struct {
	ID       string `json:"id"`
	Number   string `json:"number"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Output   string `json:"output,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Rules counts the temporary rules of the batch.
type Rules struct {
	Created int `json:"created"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Timings are stage durations in milliseconds.
type Timings struct {
	Rules   int64 `json:"rules"`
	Render  int64 `json:"render"`
	Merge   int64 `json:"merge"`
	Cleanup int64 `json:"cleanup"`
	Total   int64 `json:"total"`
}

// New builds the report for a batch result and the error Execute returned.
func New(res *batch.Result, err error) *Report {
	r := &Report{
		BatchID: res.BatchID,
		Status:  StatusOK,
		Sheets:  make([]Sheet, 0, len(res.Jobs)),
	}
	if err != nil {
		r.Status = string(errors.GetCode(err))
		r.Error = errors.UserMessage(err)
	}
	if res.CombinedPath != "" {
		r.Combined = res.CombinedPath
	}
	if res.Merge != nil {
		r.PageCount = res.Merge.PageCount
	}

	for _, job := range res.Jobs {
		s := Sheet{
			ID:       string(job.Page.ID),
			Number:   job.Page.Number,
			Name:     job.Page.Name,
			State:    job.State.String(),
			Attempts: job.Attempts,
		}
		if job.State == render.Completed {
			s.Output = job.OutputPath
		}
		if job.Err != nil {
			s.Error = errors.UserMessage(job.Err)
		}
		r.Sheets = append(r.Sheets, s)
	}

	r.Rules = Rules{
		Created: res.Stats.RuleCount,
		Deleted: len(res.Cleanup.Deleted),
		Failed:  len(res.Cleanup.Failed),
	}
	r.Timings = Timings{
		Rules:   res.Stats.RuleTime.Milliseconds(),
		Render:  res.Stats.RenderTime.Milliseconds(),
		Merge:   res.Stats.MergeTime.Milliseconds(),
		Cleanup: res.Stats.CleanupTime.Milliseconds(),
		Total:   res.Stats.Total.Milliseconds(),
	}
	return r
}

// WriteJSON encodes the report as indented JSON.
func WriteJSON(r *Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// ExportJSON writes the report to path, creating its directory. The file is
// replaced atomically.
func ExportJSON(r *Report, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	tmp := f.Name()
	if err := WriteJSON(r, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
