package render

import (
	"context"
	"fmt"
	"strings"

	"github.com/matzehuels/sheetpress/pkg/host"
)

// Renderer is the external print collaborator. Implementations hold global
// state, so calls must be serialized: SelectTarget, then Submit, one sheet at
// a time.
type Renderer interface {
	// SelectTarget scopes the renderer to exactly one sheet, replacing any
	// previous selection.
	SelectTarget(ctx context.Context, page host.Page) error

	// Configure applies print settings for the rest of the batch.
	Configure(ctx context.Context, s Settings) error

	// Submit starts rendering the selected sheet into outputPath and returns
	// without waiting for the file.
	Submit(ctx context.Context, outputPath string) error
}

// ColorMode selects how the renderer treats color.
type ColorMode string

const (
	ColorFull      ColorMode = "color"
	ColorGrayscale ColorMode = "grayscale"
	ColorBlackLine ColorMode = "blackline"
)

// Placement selects where the sheet sits on the paper.
type Placement string

const (
	PlaceCenter Placement = "center"
	PlaceOffset Placement = "offset"
)

// Zoom selects how the sheet is scaled onto the paper.
type Zoom string

const (
	ZoomFit    Zoom = "fit"
	ZoomActual Zoom = "100"
)

// Settings are the renderer options applied once per batch.
type Settings struct {
	Color              ColorMode `toml:"color"`
	Placement          Placement `toml:"placement"`
	Zoom               Zoom      `toml:"zoom"`
	HideCropBoundaries bool      `toml:"hide_crop_boundaries"`
}

// DefaultSettings returns full color, centered, fit to page, crop boundaries hidden.
func DefaultSettings() Settings {
	return Settings{
		Color:              ColorFull,
		Placement:          PlaceCenter,
		Zoom:               ZoomFit,
		HideCropBoundaries: true,
	}
}

// ValidateAndSetDefaults fills empty fields and rejects unknown values.
func (s *Settings) ValidateAndSetDefaults() error {
	d := DefaultSettings()
	if s.Color == "" {
		s.Color = d.Color
	}
	if s.Placement == "" {
		s.Placement = d.Placement
	}
	if s.Zoom == "" {
		s.Zoom = d.Zoom
	}

	switch s.Color {
	case ColorFull, ColorGrayscale, ColorBlackLine:
	default:
		return fmt.Errorf("unknown color mode %q", s.Color)
	}
	switch s.Placement {
	case PlaceCenter, PlaceOffset:
	default:
		return fmt.Errorf("unknown placement %q", s.Placement)
	}
	switch s.Zoom {
	case ZoomFit, ZoomActual:
	default:
		return fmt.Errorf("unknown zoom %q", s.Zoom)
	}
	return nil
}

// Env returns the settings as SHEETPRESS_* environment assignments.
func (s Settings) Env() []string {
	return []string{
		"SHEETPRESS_COLOR=" + string(s.Color),
		"SHEETPRESS_PLACEMENT=" + string(s.Placement),
		"SHEETPRESS_ZOOM=" + string(s.Zoom),
		fmt.Sprintf("SHEETPRESS_HIDE_CROP=%t", s.HideCropBoundaries),
	}
}

// String returns a compact one-line description.
func (s Settings) String() string {
	parts := []string{string(s.Color), string(s.Placement), "zoom=" + string(s.Zoom)}
	if s.HideCropBoundaries {
		parts = append(parts, "no-crop")
	}
	return strings.Join(parts, " ")
}
