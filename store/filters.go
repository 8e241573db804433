package store

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Filters are pure query parameters for the projections. They never mutate
// entities. Matching semantics: OR within a set, AND across dimensions.
type Filters struct {
	// Statuses restricts to entities whose status is in the set. Empty
	// means any status.
	Statuses []string `json:"statuses,omitempty"`
	// Types restricts to entities whose type is in the set. Empty means
	// any type.
	Types []string `json:"types,omitempty"`
	// Text matches case-insensitively against name, id and tags.
	Text string `json:"text,omitempty"`
	// Tags requires at least one overlapping tag.
	Tags []string `json:"tags,omitempty"`
	// From/To bound UpdatedAt (nodes also match on LastSeen), inclusive.
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
	// FiberOnly restricts to fiber-typed or fiber-tagged entities.
	FiberOnly bool `json:"fiberOnly,omitempty"`
}

// IsZero reports whether the filters select everything.
func (f Filters) IsZero() bool {
	return len(f.Statuses) == 0 && len(f.Types) == 0 && f.Text == "" &&
		len(f.Tags) == 0 && f.From == nil && f.To == nil && !f.FiberOnly
}

// Signature returns a canonical string for memoization keys. Two filter
// values that select the same entities produce the same signature regardless
// of slice ordering. This replaces reference-identity caching: the cache key
// is derived from content, never from object identity.
func (f Filters) Signature() string {
	var b strings.Builder

	writeSet := func(prefix string, vals []string) {
		b.WriteString(prefix)
		if len(vals) > 0 {
			sorted := make([]string, len(vals))
			copy(sorted, vals)
			sort.Strings(sorted)
			b.WriteString(strings.Join(sorted, ","))
		}
		b.WriteByte(';')
	}

	writeSet("s=", f.Statuses)
	writeSet("t=", f.Types)
	b.WriteString("q=")
	b.WriteString(strings.ToLower(f.Text))
	b.WriteByte(';')
	writeSet("g=", f.Tags)
	b.WriteString("r=")
	if f.From != nil {
		b.WriteString(strconv.FormatInt(f.From.UnixMilli(), 10))
	}
	b.WriteByte(':')
	if f.To != nil {
		b.WriteString(strconv.FormatInt(f.To.UnixMilli(), 10))
	}
	b.WriteByte(';')
	b.WriteString("f=")
	b.WriteString(strconv.FormatBool(f.FiberOnly))
	return b.String()
}

// matchNode applies every filter dimension to a node.
func (f Filters) matchNode(n Node) bool {
	if !matchSet(f.Statuses, n.Status) {
		return false
	}
	if !matchSet(f.Types, n.Type) {
		return false
	}
	if f.FiberOnly && !isFiber(n.Type, n.Tags) {
		return false
	}
	if !f.matchText(n.Name, n.ID, n.Tags) {
		return false
	}
	if !overlaps(f.Tags, n.Tags) {
		return false
	}
	// Nodes match the date range on either UpdatedAt or LastSeen.
	if !f.inRange(n.UpdatedAt) && !f.inRange(n.LastSeen) {
		return false
	}
	return true
}

// matchLink applies every filter dimension to a link. Endpoint visibility is
// checked separately by the projection.
func (f Filters) matchLink(l Link) bool {
	if !matchSet(f.Statuses, l.Status) {
		return false
	}
	if !matchSet(f.Types, l.Type) {
		return false
	}
	if f.FiberOnly && !isFiber(l.Type, l.Tags) {
		return false
	}
	if !f.matchText("", l.ID, l.Tags) {
		return false
	}
	if !overlaps(f.Tags, l.Tags) {
		return false
	}
	if !f.inRange(l.UpdatedAt) {
		return false
	}
	return true
}

func (f Filters) matchText(name, id string, tags []string) bool {
	if f.Text == "" {
		return true
	}
	needle := strings.ToLower(f.Text)
	if strings.Contains(strings.ToLower(name), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(id), needle) {
		return true
	}
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func (f Filters) inRange(t time.Time) bool {
	if f.From != nil && t.Before(*f.From) {
		return false
	}
	if f.To != nil && t.After(*f.To) {
		return false
	}
	return true
}

func matchSet(set []string, value string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}

func overlaps(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func isFiber(entityType string, tags []string) bool {
	if strings.EqualFold(entityType, "fiber") {
		return true
	}
	for _, tag := range tags {
		if strings.EqualFold(tag, "fiber") {
			return true
		}
	}
	return false
}
