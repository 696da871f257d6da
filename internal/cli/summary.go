package cli

import (
	"fmt"
	"io"

	"github.com/aezell/crateguard/internal/service"
)

// printRefactor writes a human summary of a refactor run.
func printRefactor(w io.Writer, res *service.RefactorResult) {
	if res.Recovered {
		fmt.Fprintln(w, "Rolled back an interrupted refactor first.")
	}
	verb := "Applied"
	if res.DryRun {
		verb = "Would apply"
	}

	for _, p := range res.Passes {
		if p.Result != nil {
			fmt.Fprintf(w, "Pass %d: %s %d operation(s), %d Cargo change(s), resolving %d violation(s)\n",
				p.Number, verb, len(p.Result.Operations), len(p.Result.CargoChanges), len(p.Result.Resolves))
		} else {
			fmt.Fprintf(w, "Pass %d: nothing applied\n", p.Number)
		}
		for _, d := range p.Deferred {
			fmt.Fprintf(w, "  deferred: %s: %s\n", d.Pattern, d.Description)
		}
		for _, r := range p.Rejected {
			fmt.Fprintf(w, "  rejected: %s: %s\n", r.Pattern, r.Description)
		}
	}
	if len(res.Passes) == 0 {
		fmt.Fprintln(w, "Nothing to refactor.")
	}

	if len(res.Unresolved) > 0 {
		fmt.Fprintf(w, "\n%d unresolved violation(s):\n", len(res.Unresolved))
		for _, u := range res.Unresolved {
			pattern := u.Pattern
			if pattern == "" {
				pattern = "no pattern"
			}
			fmt.Fprintf(w, "  %s [%s] %s (%s: %s)\n", u.Violation.Location, u.Violation.Kind, u.Violation.Message, pattern, u.Reason)
		}
	}
	if !res.DryRun && len(res.Remaining) > 0 {
		fmt.Fprintf(w, "\n%d violation(s) remain\n", len(res.Remaining))
	}
	if res.Pending > 0 {
		fmt.Fprintf(w, "Stopped after %d pass(es) with %d plan(s) left; run again to continue.\n", len(res.Passes), res.Pending)
	}
}
