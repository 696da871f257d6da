package tui

import (
	"fmt"
	"strings"

	"github.com/aezell/crateguard/internal/diff"
	"github.com/aezell/crateguard/internal/plan"
)

// Decision is the reviewer's verdict on one plan.
type Decision int

const (
	Pending Decision = iota
	Approved
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// ReviewResult holds the outcome of an interactive review session.
type ReviewResult struct {
	Plans     []*plan.Plan
	Previews  []*diff.DiffSet
	Decisions map[int]Decision
}

func (r *ReviewResult) filter(d Decision) []*plan.Plan {
	var out []*plan.Plan
	for i, p := range r.Plans {
		if r.Decisions[i] == d {
			out = append(out, p)
		}
	}
	return out
}

// Approved returns the approved plans in their original order.
func (r *ReviewResult) Approved() []*plan.Plan { return r.filter(Approved) }

// Rejected returns the rejected plans.
func (r *ReviewResult) Rejected() []*plan.Plan { return r.filter(Rejected) }

// Pending returns plans with no decision.
func (r *ReviewResult) Pending() []*plan.Plan { return r.filter(Pending) }

// Patch concatenates the previews of the approved plans. Each preview was
// rendered against the unmodified tree, so the result only applies cleanly
// when the approved plans touch disjoint files.
func (r *ReviewResult) Patch() string {
	var b strings.Builder
	for i := range r.Plans {
		if r.Decisions[i] == Approved && i < len(r.Previews) && r.Previews[i] != nil {
			b.WriteString(r.Previews[i].Raw)
		}
	}
	return b.String()
}

// Summary describes the decisions, suitable as a commit message body.
func (r *ReviewResult) Summary() string {
	approved := r.Approved()
	if len(approved) == 0 {
		return ""
	}

	var b strings.Builder
	if len(approved) == 1 {
		b.WriteString(capitalize(approved[0].Description))
	} else {
		counts := make(map[string]int)
		var order []string
		for _, p := range approved {
			if counts[p.Pattern] == 0 {
				order = append(order, p.Pattern)
			}
			counts[p.Pattern]++
		}
		var parts []string
		for _, id := range order {
			parts = append(parts, fmt.Sprintf("%d %s", counts[id], id))
		}
		b.WriteString("Apply " + strings.Join(parts, ", ") + " refactors")
	}

	b.WriteString("\n\nApproved:\n")
	for _, p := range approved {
		fmt.Fprintf(&b, "  - %s: %s\n", p.Pattern, p.Description)
	}
	if rejected := r.Rejected(); len(rejected) > 0 {
		b.WriteString("\nRejected:\n")
		for _, p := range rejected {
			fmt.Fprintf(&b, "  - %s: %s\n", p.Pattern, p.Description)
		}
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
