// Package override computes which categories a temporary rule overrides and
// the graphic payload it applies.
//
// Every model and annotation category is painted uniformly dark except one
// excluded category (revision clouds by default), which keeps its own
// graphics so it stands out on the printed sheet. A must-include list forces
// categories that are not classified as model or annotation (fill patterns,
// materials, wall sub-categories) into the set as well.
package override

import (
	"strings"

	"github.com/matzehuels/sheetpress/pkg/host"
)

// DefaultExcluded is the name of the category that is never overridden.
const DefaultExcluded = "Revision Clouds"

// DefaultMustInclude lists the categories forced into every rule.
var DefaultMustInclude = []string{
	"Cut Outlines",
	"Doors",
	"Materials",
	"Rooms",
	"Fill Patterns",
	"Walls",
	"Filled region",
	"Walls: Cut Pattern",
	"Walls: Default",
	"Walls: Finish 1",
	"Walls: Finish 2",
	"Walls: Insulation",
	"Walls: Membrane",
	"Walls: Projection Outlines",
	"Walls: Structure",
	"Walls: Substrate",
	"Walls: Surface Pattern",
	"Stacked Walls",
	"Windows",
}

// CategorySet is a deduplicated set of category ids that remembers insertion
// order. Callers must not rely on that order for anything but stable output.
type CategorySet struct {
	ids   []host.ID
	index map[host.ID]struct{}
}

// NewCategorySet returns an empty set.
func NewCategorySet() *CategorySet {
	return &CategorySet{index: make(map[host.ID]struct{})}
}

// Add inserts id and reports whether it was absent.
func (s *CategorySet) Add(id host.ID) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
	return true
}

// Contains reports whether id is in the set.
func (s *CategorySet) Contains(id host.ID) bool {
	_, ok := s.index[id]
	return ok
}

// Len returns the number of ids.
func (s *CategorySet) Len() int { return len(s.ids) }

// IDs returns a copy of the ids.
func (s *CategorySet) IDs() []host.ID {
	return append([]host.ID(nil), s.ids...)
}

// BuildCategorySet returns every model or annotation category except
// excluded, plus every id in mustInclude regardless of its classification.
// The excluded id is never added, even when it appears in mustInclude.
func BuildCategorySet(all []host.Category, excluded host.ID, mustInclude []host.ID) *CategorySet {
	set := NewCategorySet()
	for _, c := range all {
		if c.ID == excluded {
			continue
		}
		if c.Kind == host.KindAnnotation || c.Kind == host.KindModel {
			set.Add(c.ID)
		}
	}
	for _, id := range mustInclude {
		if id == excluded || id == "" {
			continue
		}
		set.Add(id)
	}
	return set
}

// BuildOverridePayload returns the uniform dark payload: black projection and
// cut lines and black surface and cut fill colors.
func BuildOverridePayload() host.OverridePayload {
	return host.OverridePayload{
		ProjectionLine:    host.Black,
		CutLine:           host.Black,
		SurfaceForeground: host.Black,
		SurfaceBackground: host.Black,
		CutForeground:     host.Black,
		CutBackground:     host.Black,
	}
}

// ResolveCategoryNames maps category names to ids, case-insensitively.
// Names that match no category are returned in unknown, in input order.
func ResolveCategoryNames(all []host.Category, names []string) (ids []host.ID, unknown []string) {
	byName := make(map[string]host.ID, len(all))
	for _, c := range all {
		key := strings.ToLower(c.Name)
		if _, dup := byName[key]; !dup {
			byName[key] = c.ID
		}
	}
	for _, n := range names {
		if id, ok := byName[strings.ToLower(strings.TrimSpace(n))]; ok {
			ids = append(ids, id)
		} else {
			unknown = append(unknown, n)
		}
	}
	return ids, unknown
}
