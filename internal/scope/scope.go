// Package scope isolates the environments that share one physical datastore.
//
// Every document carries a runtime tag. A Scope decides which tags belong to
// the running process, both as a query clause for the SQL store and as a
// predicate over an already-fetched document. The two forms apply the same
// rule: the tag is trimmed, the privileged runtime also owns untagged legacy
// documents unless the scope is strict, and every other runtime matches its
// own tag exactly.
package scope

import "strings"

// ProdTag is the privileged runtime tag.
const ProdTag = "prod"

// Scope is a value type; the zero value matches nothing.
type Scope struct {
	Tag        string
	Privileged bool
	Strict     bool
}

// New returns the tolerant scope for runtime tag. The scope is privileged
// when tag is ProdTag.
func New(tag string) Scope {
	tag = strings.TrimSpace(tag)
	return Scope{Tag: tag, Privileged: tag == ProdTag}
}

// StrictMode returns a copy of s that matches its tag exactly. Use it for
// writes that must never touch legacy rows.
func (s Scope) StrictMode() Scope {
	s.Strict = true
	return s
}

// IncludesLegacy reports whether untagged documents belong to s.
func (s Scope) IncludesLegacy() bool {
	return s.Privileged && !s.Strict
}

// Matches reports whether a document with runtime tag tag belongs to s.
func (s Scope) Matches(tag string) bool {
	if s.Tag == "" {
		return false
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return s.IncludesLegacy()
	}
	return tag == s.Tag
}

// Clause returns a SQL WHERE fragment and its arguments restricting column
// to s. NULL, empty and whitespace-only tags count as untagged.
func (s Scope) Clause(column string) (string, []any) {
	norm := "TRIM(COALESCE(" + column + ", ''))"
	if s.Tag == "" {
		return "1 = 0", nil
	}
	if s.IncludesLegacy() {
		return "(" + norm + " = ? OR " + norm + " = '')", []any{s.Tag}
	}
	return norm + " = ?", []any{s.Tag}
}
