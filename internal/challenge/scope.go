// Package challenge parses WWW-Authenticate challenges from the upstream
// registry and models the Distribution token scope grammar used both in
// those challenges and in the tokens the broker requests in exchange.
package challenge

import (
	"sort"
	"strings"
)

// ResourceScope names a single action on a single resource, the smallest
// unit the Distribution token protocol can grant or request, e.g.
// "repository:alice/alpine:pull".
type ResourceScope struct {
	ResourceType string
	Resource     string
	Action       string
}

// CatalogScope is the conventional scope for listing the upstream's global
// catalog.
var CatalogScope = ResourceScope{ResourceType: "registry", Resource: "catalog", Action: "*"}

// Compare orders ResourceScope values by type, then resource, then action.
func (r ResourceScope) Compare(other ResourceScope) int {
	if c := strings.Compare(r.ResourceType, other.ResourceType); c != 0 {
		return c
	}
	if c := strings.Compare(r.Resource, other.Resource); c != 0 {
		return c
	}
	return strings.Compare(r.Action, other.Action)
}

func (r ResourceScope) String() string {
	if r.Resource == "" && r.Action == "" {
		return r.ResourceType
	}
	return r.ResourceType + ":" + r.Resource + ":" + r.Action
}

// Scope is an immutable set of ResourceScope values, or the unlimited
// scope ("*") that holds everything. The zero Scope is empty.
type Scope struct {
	unlimited bool
	items     []ResourceScope // sorted and deduplicated
	raw       string          // original string form, if parsed verbatim
}

// NewScope returns the scope containing exactly the given resource scopes.
func NewScope(rs ...ResourceScope) Scope {
	items := append([]ResourceScope(nil), rs...)
	items = sortDedup(items)
	return Scope{items: items}
}

// UnlimitedScope returns the scope that holds every possible resource
// scope. It's used for access tokens that were acquired independently of
// any scope mechanism (for example a pre-configured static credential).
func UnlimitedScope() Scope {
	return Scope{unlimited: true}
}

// ParseScope parses a space-separated sequence of scope tokens as found in
// a WWW-Authenticate challenge's scope parameter or in a token request's
// scope query parameters.
//
// Each token is either "type:resource:action1,action2,..." or an opaque
// single-word scheme that's preserved verbatim.
func ParseScope(s string) Scope {
	if s == "" {
		return Scope{}
	}
	var items []ResourceScope
	for _, tok := range strings.Fields(s) {
		parts := strings.SplitN(tok, ":", 3)
		if len(parts) != 3 {
			items = append(items, ResourceScope{ResourceType: tok})
			continue
		}
		for _, action := range strings.Split(parts[2], ",") {
			items = append(items, ResourceScope{
				ResourceType: parts[0],
				Resource:     parts[1],
				Action:       action,
			})
		}
	}
	items = sortDedup(items)
	return Scope{items: items, raw: s}
}

// IsUnlimited reports whether s is the unlimited scope.
func (s Scope) IsUnlimited() bool {
	return s.unlimited
}

// Canonical returns s with any verbatim original string form discarded, so
// that String always returns the canonical (sorted, grouped) form.
func (s Scope) Canonical() Scope {
	if s.unlimited {
		return s
	}
	return Scope{items: s.items}
}

// String returns the string form of the scope, suitable for use as a
// "scope" query parameter value. If s was produced by ParseScope and
// hasn't been combined with anything that changed its contents, the
// original string is preserved; otherwise a canonical grouped form is
// generated.
func (s Scope) String() string {
	if s.unlimited {
		return "*"
	}
	if s.raw != "" {
		return s.raw
	}
	return canonicalString(s.items)
}

func canonicalString(items []ResourceScope) string {
	var groups []string
	i := 0
	for i < len(items) {
		j := i + 1
		for j < len(items) && items[j].ResourceType == items[i].ResourceType && items[j].Resource == items[i].Resource {
			j++
		}
		if items[i].Resource == "" && items[i].Action == "" {
			groups = append(groups, items[i].ResourceType)
		} else {
			actions := make([]string, 0, j-i)
			for _, it := range items[i:j] {
				actions = append(actions, it.Action)
			}
			groups = append(groups, items[i].ResourceType+":"+items[i].Resource+":"+strings.Join(actions, ","))
		}
		i = j
	}
	return strings.Join(groups, " ")
}

// Iter calls yield for every ResourceScope held by s, in canonical order.
// It does nothing for the unlimited scope.
func (s Scope) Iter() func(func(ResourceScope) bool) {
	return func(yield func(ResourceScope) bool) {
		for _, it := range s.items {
			if !yield(it) {
				return
			}
		}
	}
}

// Len returns the number of distinct resource scopes held by s.
// It panics if called on the unlimited scope.
func (s Scope) Len() int {
	if s.unlimited {
		panic("Len called on unlimited scope")
	}
	return len(s.items)
}

// Union returns the scope that holds everything held by either s or other.
func (s Scope) Union(other Scope) Scope {
	if s.unlimited || other.unlimited {
		return UnlimitedScope()
	}
	merged := append(append([]ResourceScope(nil), s.items...), other.items...)
	merged = sortDedup(merged)
	switch {
	case s.raw != "" && itemsEqual(merged, s.items):
		return Scope{items: merged, raw: s.raw}
	case other.raw != "" && itemsEqual(merged, other.items):
		return Scope{items: merged, raw: other.raw}
	default:
		return Scope{items: merged}
	}
}

// Holds reports whether s grants the single resource scope rs.
func (s Scope) Holds(rs ResourceScope) bool {
	if s.unlimited {
		return true
	}
	for _, it := range s.items {
		if it == rs {
			return true
		}
	}
	return false
}

// Contains reports whether s grants everything that other grants.
func (s Scope) Contains(other Scope) bool {
	if s.unlimited {
		return true
	}
	if other.unlimited {
		return false
	}
	for _, it := range other.items {
		if !s.Holds(it) {
			return false
		}
	}
	return true
}

// Equal reports whether s and other grant exactly the same access.
func (s Scope) Equal(other Scope) bool {
	if s.unlimited != other.unlimited {
		return false
	}
	if s.unlimited {
		return true
	}
	return itemsEqual(s.items, other.items)
}

func itemsEqual(a, b []ResourceScope) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortDedup(items []ResourceScope) []ResourceScope {
	sort.Slice(items, func(i, j int) bool { return items[i].Compare(items[j]) < 0 })
	out := items[:0]
	for i, it := range items {
		if i == 0 || it != items[i-1] {
			out = append(out, it)
		}
	}
	return out
}
