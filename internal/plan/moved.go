package plan

import (
	"fmt"
	"sort"
	"strings"
)

// MovedItem maps an item's fully qualified path before a plan to its path
// afterwards. Paths start with the crate's path identifier. Public marks
// destinations that other crates can name. Exact entries only match their
// full source path; functions have no paths below them.
type MovedItem struct {
	From   string
	To     string
	Public bool
	Exact  bool
}

// MovedItemTable is the set of moves of one or more plans.
type MovedItemTable []MovedItem

// CollisionError reports two moves with the same destination.
type CollisionError struct {
	To    string
	Froms [2]string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s and %s both move to %s", e.Froms[0], e.Froms[1], e.To)
}

// Merge combines tables, rejecting two distinct sources with one
// destination. Identical entries collapse. The result is sorted by source.
func Merge(tables ...MovedItemTable) (MovedItemTable, error) {
	byTo := make(map[string]string)
	byFrom := make(map[string]MovedItem)
	for _, t := range tables {
		for _, m := range t {
			if prev, ok := byTo[m.To]; ok && prev != m.From {
				return nil, &CollisionError{To: m.To, Froms: [2]string{prev, m.From}}
			}
			if prev, ok := byFrom[m.From]; ok && prev.To != m.To {
				return nil, &CollisionError{To: prev.To + " / " + m.To, Froms: [2]string{m.From, m.From}}
			}
			byTo[m.To] = m.From
			byFrom[m.From] = m
		}
	}
	out := make(MovedItemTable, 0, len(byFrom))
	for _, m := range byFrom {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out, nil
}

// Lookup finds the entry whose source is the longest segment prefix of
// path and returns the rewritten path with it.
func (t MovedItemTable) Lookup(path string) (MovedItem, string, bool) {
	best := -1
	for i, m := range t {
		if path != m.From && (m.Exact || !strings.HasPrefix(path, m.From+"::")) {
			continue
		}
		if best < 0 || len(m.From) > len(t[best].From) {
			best = i
		}
	}
	if best < 0 {
		return MovedItem{}, "", false
	}
	m := t[best]
	return m, m.To + strings.TrimPrefix(path, m.From), true
}
