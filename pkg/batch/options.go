package batch

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/override"
	"github.com/matzehuels/sheetpress/pkg/render"
)

// =============================================================================
// Default Values
// =============================================================================

const (
	// DefaultCombinedName is the combined document written into the output directory.
	DefaultCombinedName = "COMBINED_SHEETS.pdf"

	// DefaultLockTTL bounds how long a crashed batch can keep the renderer locked.
	DefaultLockTTL = 30 * time.Minute

	// DefaultLockWait is how long a batch waits for another batch to release the renderer.
	DefaultLockWait = 10 * time.Second
)

// =============================================================================
// Options - Batch Configuration
// =============================================================================

// Options configures one print batch.
type Options struct {
	// Pages are the sheet numbers to print, in print order. Empty prints every
	// printable sheet in document order.
	Pages []string `json:"pages,omitempty"`

	// OutputDir receives one PDF per sheet and the combined document.
	OutputDir    string `json:"output_dir"`
	CombinedName string `json:"combined_name,omitempty"`

	// ExcludedCategory is never overridden. Empty uses override.DefaultExcluded;
	// "none" excludes nothing.
	ExcludedCategory string `json:"excluded_category,omitempty"`

	// MustInclude names categories forced into every rule. Nil uses
	// override.DefaultMustInclude; an empty non-nil slice forces nothing.
	MustInclude []string `json:"must_include,omitempty"`

	MaxPollAttempts int                  `json:"max_poll_attempts,omitempty"`
	PollInterval    time.Duration        `json:"poll_interval,omitempty"`
	TimeoutPolicy   render.TimeoutPolicy `json:"timeout_policy,omitempty"`
	Settings        render.Settings      `json:"settings"`

	// PortableNames sanitizes file names against the Windows reserved set on
	// every platform.
	PortableNames bool `json:"portable_names,omitempty"`

	LockTTL  time.Duration `json:"lock_ttl,omitempty"`
	LockWait time.Duration `json:"lock_wait,omitempty"`

	// validated tracks whether ValidateAndSetDefaults has been called.
	validated bool
}

// NoExclusion disables the excluded category.
const NoExclusion = "none"

// ValidateAndSetDefaults checks required fields and applies defaults.
// This method is idempotent - calling it multiple times has the same effect as calling it once.
func (o *Options) ValidateAndSetDefaults() error {
	if o.validated {
		return nil
	}
	if err := errors.ValidateOutputDir(o.OutputDir); err != nil {
		return err
	}

	if o.CombinedName == "" {
		o.CombinedName = DefaultCombinedName
	}
	if !strings.EqualFold(filepath.Ext(o.CombinedName), ".pdf") {
		o.CombinedName += ".pdf"
	}
	if err := errors.ValidateFileName(o.CombinedName); err != nil {
		return err
	}

	pages := make([]string, len(o.Pages))
	for i, p := range o.Pages {
		pages[i] = strings.TrimSpace(p)
		if pages[i] == "" {
			return errors.New(errors.ErrCodeInvalidInput, "sheet number %d is empty", i+1)
		}
	}
	o.Pages = pages

	if o.ExcludedCategory == "" {
		o.ExcludedCategory = override.DefaultExcluded
	}
	if o.MustInclude == nil {
		o.MustInclude = append([]string(nil), override.DefaultMustInclude...)
	}

	if o.MaxPollAttempts < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "max poll attempts cannot be negative")
	}
	if o.MaxPollAttempts == 0 {
		o.MaxPollAttempts = render.DefaultMaxPollAttempts
	}
	if o.PollInterval < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "poll interval cannot be negative")
	}
	if o.PollInterval == 0 {
		o.PollInterval = render.DefaultPollInterval
	}

	policy, err := render.ParseTimeoutPolicy(string(o.TimeoutPolicy))
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "timeout policy")
	}
	o.TimeoutPolicy = policy

	if err := o.Settings.ValidateAndSetDefaults(); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "render settings")
	}

	if o.LockTTL == 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.LockWait == 0 {
		o.LockWait = DefaultLockWait
	}

	o.validated = true
	return nil
}

// PollCeiling is the longest a single sheet can wait for its output.
func (o *Options) PollCeiling() time.Duration {
	return time.Duration(o.MaxPollAttempts) * o.PollInterval
}

// String summarizes the options for logs.
func (o *Options) String() string {
	pages := "all"
	if len(o.Pages) > 0 {
		pages = strings.Join(o.Pages, ",")
	}
	return fmt.Sprintf("pages=%s out=%s poll=%dx%s timeout=%s", pages, o.OutputDir, o.MaxPollAttempts, o.PollInterval, o.TimeoutPolicy)
}
