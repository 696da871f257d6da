package plan

import (
	"fmt"
	"sort"
	"strings"
)

// SplitLines splits text into lines, each keeping its trailing newline. A
// final line without a newline is kept as is.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// ApplyChanges applies changes to text in a single bottom-to-top pass so
// earlier line numbers stay valid. Changes must lie within the text and
// must not overlap; inserts at the same position keep their given order.
func ApplyChanges(text string, changes []TextChange) (string, error) {
	lines := SplitLines(text)
	if err := CheckChanges(len(lines), changes); err != nil {
		return "", err
	}

	order := make([]int, len(changes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := changes[order[a]], changes[order[b]]
		if ca.Start != cb.Start {
			return ca.Start > cb.Start
		}
		// At one position, replacements run before inserts, and later
		// inserts before earlier ones so the final order matches the input.
		ra, rb := ca.End > ca.Start, cb.End > cb.Start
		if ra != rb {
			return ra
		}
		return order[a] > order[b]
	})

	if len(lines) > 0 && !strings.HasSuffix(lines[len(lines)-1], "\n") {
		lines[len(lines)-1] += "\n"
	}
	for _, i := range order {
		c := changes[i]
		repl := SplitLines(c.Content)
		if len(repl) > 0 && !strings.HasSuffix(repl[len(repl)-1], "\n") {
			repl[len(repl)-1] += "\n"
		}
		tail := append(repl, lines[c.End:]...)
		lines = append(lines[:c.Start:c.Start], tail...)
	}
	return strings.Join(lines, ""), nil
}

// CheckChanges validates changes against a text of n lines.
func CheckChanges(n int, changes []TextChange) error {
	sorted := append([]TextChange(nil), changes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})
	for i, c := range sorted {
		if c.Start < 0 || c.End < c.Start || c.End > n {
			return fmt.Errorf("change [%d,%d) outside file of %d lines", c.Start, c.End, n)
		}
		if i > 0 {
			prev := sorted[i-1]
			if c.Start < prev.End {
				return fmt.Errorf("changes [%d,%d) and [%d,%d) overlap", prev.Start, prev.End, c.Start, c.End)
			}
		}
	}
	return nil
}

// Overlaps reports whether two change lists touch a common line. Two
// inserts at the same position do not overlap.
func Overlaps(a, b []TextChange) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Start < y.End && y.Start < x.End {
				return true
			}
			if x.Start == x.End && y.Start < x.Start && x.Start < y.End {
				return true
			}
			if y.Start == y.End && x.Start < y.Start && y.Start < x.End {
				return true
			}
		}
	}
	return false
}
