// Package naming resolves collision-free names for temporary override rules
// and sanitized file names for print jobs.
//
// Every function in this package is pure: callers pass a snapshot of the
// names that already exist and receive a name that does not collide with it.
// When several rules are created in one batch the caller must take a fresh
// snapshot before each one, otherwise two rules may resolve to the same name.
package naming

import (
	"fmt"
	"runtime"
	"strings"
)

// Rule name prefixes for temporary override rules.
const (
	SheetRulePrefix = "Temp_BlackOverrideFilter_Sheet_"
	ViewRulePrefix  = "Temp_BlackOverrideFilter_View_"
)

// PortableForbiddenChars is the set of characters that are invalid in a file
// name on at least one supported operating system (the Windows set, which is
// a superset of the others). Control characters are always forbidden in
// addition to this set.
var PortableForbiddenChars = []rune{'"', '<', '>', '|', ':', '*', '?', '\\', '/'}

// ForbiddenFileChars returns the characters the host operating system rejects
// in a file name, control characters included.
func ForbiddenFileChars() []rune {
	return forbiddenFor(runtime.GOOS)
}

func forbiddenFor(goos string) []rune {
	var set []rune
	if goos == "windows" {
		for r := rune(0); r < 32; r++ {
			set = append(set, r)
		}
		return append(set, PortableForbiddenChars...)
	}
	return []rune{0, '/'}
}

// ResolveRuleName returns base if no name in existing matches it
// case-insensitively. Otherwise it appends _1, _2, ... until the name is free.
func ResolveRuleName(base string, existing []string) string {
	taken := make(map[string]bool, len(existing))
	for _, n := range existing {
		taken[strings.ToLower(n)] = true
	}

	name := base
	for i := 1; taken[strings.ToLower(name)]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	return name
}

// RuleBaseName returns the base rule name for a sheet or a view.
func RuleBaseName(view bool, id string) string {
	if view {
		return ViewRulePrefix + id
	}
	return SheetRulePrefix + id
}

// ResolveOutputFileName builds "<number>_<name>.pdf" and replaces every
// forbidden character with an underscore. Other characters are untouched.
func ResolveOutputFileName(number, name string, forbidden []rune) string {
	fileName := number + "_" + name + ".pdf"
	if len(forbidden) == 0 {
		return fileName
	}

	set := make(map[rune]bool, len(forbidden))
	for _, r := range forbidden {
		set[r] = true
	}
	return strings.Map(func(r rune) rune {
		if set[r] {
			return '_'
		}
		return r
	}, fileName)
}

// UniqueFileName returns name unless it collides case-insensitively with a
// name in used, in which case "_1", "_2", ... is inserted before the extension.
// Two sheets whose numbers and names sanitize to the same file would otherwise
// overwrite each other's output in one batch.
func UniqueFileName(name string, used map[string]bool) string {
	if !used[strings.ToLower(name)] {
		return name
	}
	stem, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		stem, ext = name[:i], name[i:]
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !used[strings.ToLower(candidate)] {
			return candidate
		}
	}
}
