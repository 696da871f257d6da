package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aezell/crateguard/internal/diff"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
	"github.com/aezell/crateguard/internal/service"
	"github.com/aezell/crateguard/internal/tui"
)

// reviewer opens the review UI once per refactor pass.
type reviewer struct {
	summaries []string
}

func (r *reviewer) review(ctx context.Context, p *model.Project, plans []*plan.Plan) ([]*plan.Plan, error) {
	raws, err := service.Preview(ctx, p, plans)
	if err != nil {
		return nil, fmt.Errorf("previewing plans: %w", err)
	}
	previews := make([]*diff.DiffSet, len(raws))
	for i, raw := range raws {
		if previews[i], err = diff.Parse(raw); err != nil {
			return nil, fmt.Errorf("parsing preview of %s: %w", plans[i].Description, err)
		}
	}

	res, err := tui.Run(plans, previews)
	if errors.Is(err, tui.ErrAborted) {
		return nil, errors.New("review aborted, nothing applied")
	}
	if err != nil {
		return nil, err
	}
	if approved := res.Approved(); len(approved) > 0 {
		r.summaries = append(r.summaries, res.Summary())
		return approved, nil
	}
	return nil, nil
}

func (r *reviewer) commitMessage() string {
	return strings.Join(r.summaries, "\n")
}

func printStat(w io.Writer, raw string) error {
	if strings.TrimSpace(raw) == "" {
		fmt.Fprintln(w, "No changes.")
		return nil
	}
	ds, err := diff.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing diff: %w", err)
	}

	files, added, deleted := ds.Stats()
	fmt.Fprintf(w, "%d file(s) changed, %d insertions(+), %d deletions(-)\n\n", files, added, deleted)
	for _, f := range ds.Files {
		status := "M"
		if f.IsNew {
			status = "A"
		} else if f.IsDeleted {
			status = "D"
		} else if f.IsRenamed {
			status = "R"
		}
		fmt.Fprintf(w, "  %s %-50s +%-4d -%d\n", status, f.Name(), f.AddedLines, f.DeletedLines)
	}
	return nil
}
