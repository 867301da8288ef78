// Package host defines the contract between sheetpress and the document that
// owns sheets, views, categories, and override rules.
//
// The host is treated as an opaque data source. sheetpress reads sheets and
// categories from it and mutates it only through a [Tx]: every temporary
// override rule is created, attached, and deleted inside a transaction so that
// a crash leaves the document either untouched or fully prepared, never with a
// half-created rule.
//
// # Core Types
//
//   - [Page]: a printable sheet with nested [Subview] references
//   - [Category]: an opaque classification tag with a [CategoryKind]
//   - [Scope]: the sheet or view a rule is attached to
//   - [Rule]: a named, category-scoped override rule
//   - [OverridePayload]: the graphic override applied through a rule
//
// The pkg/hostfile package provides a YAML-backed implementation.
package host

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors reported by Document implementations.
var (
	// ErrRuleNotFound is returned when deleting or attaching an unknown rule.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrNameTaken is returned when a rule name collides (case-insensitive) with an existing rule.
	ErrNameTaken = errors.New("rule name already in use")

	// ErrEmptyCategories is returned when a rule is created without categories.
	ErrEmptyCategories = errors.New("rule requires at least one category")

	// ErrScopeNotFound is returned when a sheet or view id does not exist.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("transaction already committed or rolled back")
)

// ID is a stable, host-assigned element identifier.
type ID string

// =============================================================================
// Sheets and Views
// =============================================================================

// Page is a renderable sheet.
type Page struct {
	ID          ID
	Number      string    // Sheet number, e.g. "A101"
	Name        string    // Display name, e.g. "Level 1 Plan"
	Placeholder bool      // Placeholder sheets are never printed
	Subviews    []Subview // Views placed on the sheet
}

// Label returns "Number - Name", the identifying text used in logs and errors.
func (p Page) Label() string {
	if p.Number == "" {
		return p.Name
	}
	return fmt.Sprintf("%s - %s", p.Number, p.Name)
}

// Scope returns the rule scope for the sheet itself.
func (p Page) Scope() Scope {
	return Scope{ID: p.ID, Name: p.Label(), Kind: ScopePage}
}

// Subview is a view placed on a sheet.
type Subview struct {
	ID       ID
	Name     string
	Template bool // View templates never receive rules
}

// Scope returns the rule scope for the view.
func (v Subview) Scope() Scope {
	return Scope{ID: v.ID, Name: v.Name, Kind: ScopeSubview}
}

// ScopeKind distinguishes sheet scopes from view scopes.
type ScopeKind int

const (
	ScopePage ScopeKind = iota
	ScopeSubview
)

func (k ScopeKind) String() string {
	if k == ScopeSubview {
		return "view"
	}
	return "sheet"
}

// Scope identifies the sheet or view a rule is attached to.
type Scope struct {
	ID   ID
	Name string
	Kind ScopeKind
}

// =============================================================================
// Categories
// =============================================================================

// CategoryKind is the classification tag of a category.
type CategoryKind string

const (
	KindModel      CategoryKind = "model"
	KindAnnotation CategoryKind = "annotation"
	KindAnalytical CategoryKind = "analytical"
	KindInternal   CategoryKind = "internal"
)

// Category is an opaque content-classification tag.
type Category struct {
	ID   ID
	Name string
	Kind CategoryKind
}

// =============================================================================
// Rules and Overrides
// =============================================================================

// Color is an 8-bit RGB color.
type Color struct {
	R, G, B uint8
}

// Black is the uniform dark override color.
var Black = Color{}

// OverridePayload is the graphic override a rule applies on its scope.
type OverridePayload struct {
	ProjectionLine    Color
	CutLine           Color
	SurfaceForeground Color
	SurfaceBackground Color
	CutForeground     Color
	CutBackground     Color
}

// Rule describes an override rule created in the host.
type Rule struct {
	ID         ID
	Name       string
	Scope      Scope
	Categories []ID
}

// =============================================================================
// Document and Transaction
// =============================================================================

// Document is the host document collaborator.
type Document interface {
	// Pages returns every sheet in a stable order.
	Pages(ctx context.Context) ([]Page, error)

	// Categories returns every category known to the document.
	Categories(ctx context.Context) ([]Category, error)

	// Begin opens a named transaction. Mutations are invisible to other
	// readers until Commit.
	Begin(ctx context.Context, name string) (Tx, error)
}

// Tx is a scoped transaction on a Document.
type Tx interface {
	// RuleNames returns the names of every rule, including ones created in this transaction.
	RuleNames(ctx context.Context) ([]string, error)

	// CreateRule creates a rule bound to categories and returns its id.
	CreateRule(ctx context.Context, name string, categories []ID) (ID, error)

	// AttachRule adds the rule to the sheet or view.
	AttachRule(ctx context.Context, scope Scope, rule ID) error

	// SetOverride applies payload for the rule on the scope.
	SetOverride(ctx context.Context, scope Scope, rule ID, payload OverridePayload) error

	// DeleteRule removes the rule and detaches it from every scope.
	DeleteRule(ctx context.Context, rule ID) error

	Commit() error
	Rollback() error
}

// =============================================================================
// Target Selection
// =============================================================================

// TargetPages selects the sheets to print.
//
// Placeholder sheets are always dropped. With no numbers every remaining
// sheet is returned in document order; otherwise the sheets are returned in
// the order the numbers were given. Numbers that match no printable sheet are
// returned in missing.
func TargetPages(pages []Page, numbers []string) (targets []Page, missing []string) {
	printable := make([]Page, 0, len(pages))
	byNumber := make(map[string]Page, len(pages))
	for _, p := range pages {
		if p.Placeholder {
			continue
		}
		printable = append(printable, p)
		byNumber[p.Number] = p
	}
	if len(numbers) == 0 {
		return printable, nil
	}

	seen := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		if seen[n] {
			continue
		}
		seen[n] = true
		if p, ok := byNumber[n]; ok {
			targets = append(targets, p)
		} else {
			missing = append(missing, n)
		}
	}
	return targets, missing
}
