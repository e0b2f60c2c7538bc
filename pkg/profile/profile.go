// Package profile maintains the per-user profile fact store: a typed map of
// known top-level categories to opaque nested JSON blobs. Fact extraction
// emits change sets (add, update, remove) that are merged generically into
// the blobs, so new fact shapes need no schema change.
package profile

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Category is a known top-level profile section.
type Category string

const (
	// CategoryPersonalBackground holds family, living situation, preferences.
	CategoryPersonalBackground Category = "personal_background"
	// CategoryHealthStatus holds conditions, medications, allergies.
	CategoryHealthStatus Category = "health_status"
	// CategoryLifeEvents holds appointments, visits, recent happenings.
	CategoryLifeEvents Category = "life_events"
)

// Categories lists the known profile sections in display order.
var Categories = []Category{
	CategoryPersonalBackground,
	CategoryHealthStatus,
	CategoryLifeEvents,
}

// Profile is one user's accumulated facts.
type Profile struct {
	// UserID owns the profile.
	UserID string `json:"user_id"`
	// Facts maps each category to an opaque nested blob.
	Facts map[Category]map[string]any `json:"facts"`
	// LastContactAt is the most recent conversation time.
	LastContactAt time.Time `json:"last_contact_at,omitzero"`
	// CreatedAt and UpdatedAt bound the profile's lifetime.
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// ChangeSet is the instruction block produced by fact extraction.
// Add and Update both deep-merge into the category blob; they are kept
// separate because extraction distinguishes new facts from corrections.
// Remove holds dot-separated paths rooted at a category name; numeric
// segments index into lists.
type ChangeSet struct {
	Add    map[Category]map[string]any `json:"add,omitempty"`
	Update map[Category]map[string]any `json:"update,omitempty"`
	Remove []string                    `json:"remove,omitempty"`
}

// Empty reports whether the change set carries no instructions.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Add) == 0 && len(c.Update) == 0 && len(c.Remove) == 0)
}

// New returns an empty profile for the user.
func New(userID string) *Profile {
	return &Profile{
		UserID:    userID,
		Facts:     make(map[Category]map[string]any),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// Apply merges a change set into the profile. Unknown categories are
// ignored. Returns true when anything changed.
func (p *Profile) Apply(cs ChangeSet) bool {
	if cs.Empty() {
		return false
	}
	if p.Facts == nil {
		p.Facts = make(map[Category]map[string]any)
	}

	changed := false
	for _, ops := range []map[Category]map[string]any{cs.Add, cs.Update} {
		for cat, facts := range ops {
			if !knownCategory(cat) || len(facts) == 0 {
				continue
			}
			current := p.Facts[cat]
			if current == nil {
				current = make(map[string]any)
			}
			p.Facts[cat] = deepMerge(current, facts)
			changed = true
		}
	}

	for _, path := range cs.Remove {
		if removePath(p, path) {
			changed = true
		}
	}

	if changed {
		p.UpdatedAt = time.Now()
	}
	return changed
}

// Render produces a compact human-readable block for prompt assembly.
// Empty categories are omitted; an entirely empty profile renders as "".
func (p *Profile) Render() string {
	var parts []string
	for _, cat := range Categories {
		facts := p.Facts[cat]
		if len(facts) == 0 {
			continue
		}
		blob, err := json.Marshal(facts)
		if err != nil {
			continue
		}
		parts = append(parts, string(cat)+": "+string(blob))
	}
	return strings.Join(parts, "\n")
}

// deepMerge merges src into dst recursively. Nested maps merge; anything
// else overwrites.
func deepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if existing, ok := dst[k].(map[string]any); ok {
			if incoming, ok := v.(map[string]any); ok {
				dst[k] = deepMerge(existing, incoming)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// removePath deletes the value at a dot-separated path whose first segment
// names the category. Numeric segments index into lists. A path that does
// not resolve is a no-op.
func removePath(p *Profile, path string) bool {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return false
	}
	cat := Category(parts[0])
	if !knownCategory(cat) || p.Facts[cat] == nil {
		return false
	}

	var parent any = p.Facts[cat]
	for _, part := range parts[1 : len(parts)-1] {
		next, ok := descend(parent, part)
		if !ok {
			return false
		}
		parent = next
	}
	return deleteChild(p, cat, parts, parent)
}

func deleteChild(p *Profile, cat Category, parts []string, parent any) bool {
	leaf := parts[len(parts)-1]
	switch node := parent.(type) {
	case map[string]any:
		if _, ok := node[leaf]; !ok {
			return false
		}
		delete(node, leaf)
		return true
	case []any:
		idx, err := strconv.Atoi(leaf)
		if err != nil || idx < 0 || idx >= len(node) {
			return false
		}
		trimmed := append(node[:idx:idx], node[idx+1:]...)
		// Slices are not addressable through the any chain, so re-resolve
		// the list's own parent and write the shortened slice back.
		return replaceList(p.Facts[cat], parts[1:len(parts)-1], trimmed)
	}
	return false
}

// replaceList walks the category blob to the list at the given path and
// swaps it for the replacement.
func replaceList(root map[string]any, path []string, replacement []any) bool {
	if len(path) == 0 {
		return false
	}
	var parent any = root
	for _, part := range path[:len(path)-1] {
		next, ok := descend(parent, part)
		if !ok {
			return false
		}
		parent = next
	}
	leaf := path[len(path)-1]
	switch node := parent.(type) {
	case map[string]any:
		node[leaf] = replacement
		return true
	case []any:
		idx, err := strconv.Atoi(leaf)
		if err != nil || idx < 0 || idx >= len(node) {
			return false
		}
		node[idx] = replacement
		return true
	}
	return false
}

func descend(node any, part string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[part]
		return child, ok
	case []any:
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= len(n) {
			return nil, false
		}
		return n[idx], true
	}
	return nil, false
}

func knownCategory(cat Category) bool {
	for _, c := range Categories {
		if c == cat {
			return true
		}
	}
	return false
}
