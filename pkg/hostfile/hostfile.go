// Package hostfile implements host.Document on top of a YAML project file.
//
// The file lists sheets, the views placed on them, categories, and any
// override rules currently present:
//
//	sheets:
//	  - id: "312"
//	    number: A101
//	    name: Level 1
//	    views: ["401", "402"]
//	views:
//	  - id: "401"
//	    name: Level 1 - Floor Plan
//	categories:
//	  - {id: "-2000011", name: Walls, kind: model}
//	  - {id: "-2006010", name: Revision Clouds, kind: annotation}
//
// Transactions work on a private copy of the document. Commit swaps the copy
// in and, for file-backed documents, rewrites the file atomically (temporary
// file and rename). A commit fails if another transaction committed since this
// one began.
package hostfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/matzehuels/sheetpress/pkg/host"
)

// ErrConflict is returned by Commit when the document changed after Begin.
var ErrConflict = errors.New("document changed since transaction began")

// =============================================================================
// File Format
// =============================================================================

// File is the YAML representation of a project document.
type File struct {
	Sheets     []Sheet    `yaml:"sheets"`
	Views      []View     `yaml:"views,omitempty"`
	Categories []Category `yaml:"categories"`
	Rules      []Rule     `yaml:"rules,omitempty"`
}

// Sheet is a printable sheet.
type Sheet struct {
	ID          string       `yaml:"id"`
	Number      string       `yaml:"number"`
	Name        string       `yaml:"name"`
	Placeholder bool         `yaml:"placeholder,omitempty"`
	Views       []string     `yaml:"views,omitempty"`
	Filters     []Attachment `yaml:"filters,omitempty"`
}

// View is a view that can be placed on sheets.
type View struct {
	ID       string       `yaml:"id"`
	Name     string       `yaml:"name"`
	Template bool         `yaml:"template,omitempty"`
	Filters  []Attachment `yaml:"filters,omitempty"`
}

// Category is a classification tag.
type Category struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// Rule is an override rule bound to categories.
type Rule struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Categories []string `yaml:"categories"`
}

// Attachment is a rule attached to a sheet or view, with its override.
type Attachment struct {
	Rule     string    `yaml:"rule"`
	Override *Override `yaml:"override,omitempty"`
}

// Override is the YAML form of host.OverridePayload; colors are "#rrggbb".
type Override struct {
	ProjectionLine    string `yaml:"projection_line"`
	CutLine           string `yaml:"cut_line"`
	SurfaceForeground string `yaml:"surface_foreground"`
	SurfaceBackground string `yaml:"surface_background"`
	CutForeground     string `yaml:"cut_foreground"`
	CutBackground     string `yaml:"cut_background"`
}

func hexColor(c host.Color) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func overrideFrom(p host.OverridePayload) *Override {
	return &Override{
		ProjectionLine:    hexColor(p.ProjectionLine),
		CutLine:           hexColor(p.CutLine),
		SurfaceForeground: hexColor(p.SurfaceForeground),
		SurfaceBackground: hexColor(p.SurfaceBackground),
		CutForeground:     hexColor(p.CutForeground),
		CutBackground:     hexColor(p.CutBackground),
	}
}

// clone deep-copies f through its YAML encoding.
func (f *File) clone() (*File, error) {
	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, err
	}
	var out File
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Document
// =============================================================================

// Document is a host.Document backed by a File.
type Document struct {
	mu      sync.RWMutex
	path    string // empty for in-memory documents
	state   *File
	version int
}

// New returns an in-memory document holding f.
func New(f *File) *Document {
	if f == nil {
		f = &File{}
	}
	return &Document{state: f}
}

// Load reads a YAML project file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse project %s: %w", path, err)
	}
	return &Document{path: path, state: &f}, nil
}

// Path returns the backing file, or "" for in-memory documents.
func (d *Document) Path() string { return d.path }

// Snapshot returns a deep copy of the committed state.
func (d *Document) Snapshot() (*File, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.clone()
}

// Pages implements host.Document.
func (d *Document) Pages(ctx context.Context) ([]host.Page, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	views := make(map[string]View, len(d.state.Views))
	for _, v := range d.state.Views {
		views[v.ID] = v
	}

	pages := make([]host.Page, 0, len(d.state.Sheets))
	for _, s := range d.state.Sheets {
		p := host.Page{
			ID:          host.ID(s.ID),
			Number:      s.Number,
			Name:        s.Name,
			Placeholder: s.Placeholder,
		}
		for _, vid := range s.Views {
			v, ok := views[vid]
			if !ok {
				return nil, fmt.Errorf("sheet %s references unknown view %s", s.Number, vid)
			}
			p.Subviews = append(p.Subviews, host.Subview{ID: host.ID(v.ID), Name: v.Name, Template: v.Template})
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// Categories implements host.Document.
func (d *Document) Categories(ctx context.Context) ([]host.Category, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cats := make([]host.Category, 0, len(d.state.Categories))
	for _, c := range d.state.Categories {
		cats = append(cats, host.Category{ID: host.ID(c.ID), Name: c.Name, Kind: host.CategoryKind(strings.ToLower(c.Kind))})
	}
	return cats, nil
}

// Rules returns every committed rule.
func (d *Document) Rules() []host.Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]host.Rule, 0, len(d.state.Rules))
	for _, r := range d.state.Rules {
		rule := host.Rule{ID: host.ID(r.ID), Name: r.Name}
		for _, c := range r.Categories {
			rule.Categories = append(rule.Categories, host.ID(c))
		}
		out = append(out, rule)
	}
	return out
}

// Begin implements host.Document.
func (d *Document) Begin(ctx context.Context, name string) (host.Tx, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	work, err := d.state.clone()
	if err != nil {
		return nil, fmt.Errorf("begin %q: %w", name, err)
	}
	return &tx{doc: d, name: name, work: work, base: d.version}, nil
}

func (d *Document) commit(t *tx) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.version != t.base {
		return fmt.Errorf("commit %q: %w", t.name, ErrConflict)
	}
	if d.path != "" {
		if err := writeAtomic(d.path, t.work); err != nil {
			return fmt.Errorf("commit %q: %w", t.name, err)
		}
	}
	d.state = t.work
	d.version++
	return nil
}

// Save writes the committed state to path atomically.
func (d *Document) Save(path string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return writeAtomic(path, d.state)
}

func writeAtomic(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write project: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close project: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace project: %w", err)
	}
	return nil
}

// =============================================================================
// Transaction
// =============================================================================

type tx struct {
	doc  *Document
	name string
	work *File
	base int
	done bool
}

func (t *tx) check(ctx context.Context) error {
	if t.done {
		return host.ErrTxDone
	}
	return ctx.Err()
}

func (t *tx) RuleNames(ctx context.Context) ([]string, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(t.work.Rules))
	for _, r := range t.work.Rules {
		names = append(names, r.Name)
	}
	return names, nil
}

func (t *tx) CreateRule(ctx context.Context, name string, categories []host.ID) (host.ID, error) {
	if err := t.check(ctx); err != nil {
		return "", err
	}
	if len(categories) == 0 {
		return "", host.ErrEmptyCategories
	}
	for _, r := range t.work.Rules {
		if strings.EqualFold(r.Name, name) {
			return "", fmt.Errorf("%w: %q", host.ErrNameTaken, name)
		}
	}

	known := make(map[string]bool, len(t.work.Categories))
	for _, c := range t.work.Categories {
		known[c.ID] = true
	}
	ids := make([]string, 0, len(categories))
	for _, c := range categories {
		if !known[string(c)] {
			return "", fmt.Errorf("unknown category %s", c)
		}
		ids = append(ids, string(c))
	}

	id := uuid.NewString()
	t.work.Rules = append(t.work.Rules, Rule{ID: id, Name: name, Categories: ids})
	return host.ID(id), nil
}

// filters returns the attachment list of scope.
func (t *tx) filters(scope host.Scope) (*[]Attachment, error) {
	switch scope.Kind {
	case host.ScopePage:
		for i := range t.work.Sheets {
			if t.work.Sheets[i].ID == string(scope.ID) {
				return &t.work.Sheets[i].Filters, nil
			}
		}
	case host.ScopeSubview:
		for i := range t.work.Views {
			if t.work.Views[i].ID == string(scope.ID) {
				return &t.work.Views[i].Filters, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s %s", host.ErrScopeNotFound, scope.Kind, scope.ID)
}

func (t *tx) hasRule(id host.ID) bool {
	for _, r := range t.work.Rules {
		if r.ID == string(id) {
			return true
		}
	}
	return false
}

func (t *tx) AttachRule(ctx context.Context, scope host.Scope, rule host.ID) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if !t.hasRule(rule) {
		return fmt.Errorf("%w: %s", host.ErrRuleNotFound, rule)
	}
	filters, err := t.filters(scope)
	if err != nil {
		return err
	}
	for _, a := range *filters {
		if a.Rule == string(rule) {
			return nil
		}
	}
	*filters = append(*filters, Attachment{Rule: string(rule)})
	return nil
}

func (t *tx) SetOverride(ctx context.Context, scope host.Scope, rule host.ID, payload host.OverridePayload) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	filters, err := t.filters(scope)
	if err != nil {
		return err
	}
	for i := range *filters {
		if (*filters)[i].Rule == string(rule) {
			(*filters)[i].Override = overrideFrom(payload)
			return nil
		}
	}
	return fmt.Errorf("rule %s is not attached to %s %s", rule, scope.Kind, scope.ID)
}

func (t *tx) DeleteRule(ctx context.Context, rule host.ID) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	idx := -1
	for i, r := range t.work.Rules {
		if r.ID == string(rule) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", host.ErrRuleNotFound, rule)
	}
	t.work.Rules = append(t.work.Rules[:idx], t.work.Rules[idx+1:]...)

	detach := func(list []Attachment) []Attachment {
		out := list[:0]
		for _, a := range list {
			if a.Rule != string(rule) {
				out = append(out, a)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	for i := range t.work.Sheets {
		t.work.Sheets[i].Filters = detach(t.work.Sheets[i].Filters)
	}
	for i := range t.work.Views {
		t.work.Views[i].Filters = detach(t.work.Views[i].Filters)
	}
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return host.ErrTxDone
	}
	t.done = true
	return t.doc.commit(t)
}

func (t *tx) Rollback() error {
	if t.done {
		return host.ErrTxDone
	}
	t.done = true
	t.work = nil
	return nil
}

var (
	_ host.Document = (*Document)(nil)
	_ host.Tx       = (*tx)(nil)
)
