// Package diff renders refactor previews as git-style unified diffs and
// parses them back into structured file lists for stats and review.
package diff

import (
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/pmezard/go-difflib/difflib"
)

// File represents a single file in a diff with its parsed fragments.
type File struct {
	OldName      string
	NewName      string
	IsNew        bool
	IsDeleted    bool
	IsRenamed    bool
	IsBinary     bool
	Fragments    []*gitdiff.TextFragment
	AddedLines   int
	DeletedLines int
}

// Name returns the display name for the file.
func (f *File) Name() string {
	if f.IsRenamed {
		return fmt.Sprintf("%s → %s", f.OldName, f.NewName)
	}
	if f.IsNew {
		return f.NewName
	}
	if f.IsDeleted {
		return f.OldName
	}
	if f.NewName != "" {
		return f.NewName
	}
	return f.OldName
}

// DiffSet holds the parsed diff for all files.
type DiffSet struct {
	Files []*File
	Raw   string // the raw unified diff text
}

// Stats returns aggregate statistics.
func (ds *DiffSet) Stats() (files, added, deleted int) {
	files = len(ds.Files)
	for _, f := range ds.Files {
		added += f.AddedLines
		deleted += f.DeletedLines
	}
	return
}

// Parse reads a unified diff string and returns a DiffSet.
func Parse(raw string) (*DiffSet, error) {
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	ds := &DiffSet{Raw: raw}
	for _, f := range parsed {
		df := &File{
			OldName:   f.OldName,
			NewName:   f.NewName,
			IsNew:     f.IsNew,
			IsDeleted: f.IsDelete,
			IsRenamed: f.IsRename,
			IsBinary:  f.IsBinary,
		}

		for _, frag := range f.TextFragments {
			df.Fragments = append(df.Fragments, frag)
			for _, line := range frag.Lines {
				switch line.Op {
				case gitdiff.OpAdd:
					df.AddedLines++
				case gitdiff.OpDelete:
					df.DeletedLines++
				}
			}
		}

		ds.Files = append(ds.Files, df)
	}

	return ds, nil
}

// Change is the before and after state of one file. OldPath is empty for
// created files, NewPath for deleted ones; both differ for moves.
type Change struct {
	OldPath string
	NewPath string
	Old     string
	New     string
}

// Render writes changes as a git-style unified diff with the given number
// of context lines. Unchanged files are skipped.
func Render(changes []Change, context int) (string, error) {
	var b strings.Builder
	for _, c := range changes {
		if c.OldPath == c.NewPath && c.Old == c.New {
			continue
		}
		oldName, newName := c.OldPath, c.NewPath
		if oldName == "" {
			oldName = newName
		}
		if newName == "" {
			newName = oldName
		}
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", oldName, newName)

		from, to := "a/"+oldName, "b/"+newName
		switch {
		case c.OldPath == "":
			b.WriteString("new file mode 100644\n")
			from = "/dev/null"
		case c.NewPath == "":
			b.WriteString("deleted file mode 100644\n")
			to = "/dev/null"
		case c.OldPath != c.NewPath:
			if c.Old == c.New {
				b.WriteString("similarity index 100%\n")
			}
			fmt.Fprintf(&b, "rename from %s\nrename to %s\n", c.OldPath, c.NewPath)
		}
		if c.Old == c.New {
			continue
		}

		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        splitLines(c.Old),
			B:        splitLines(c.New),
			FromFile: from,
			ToFile:   to,
			Context:  context,
		})
		if err != nil {
			return "", fmt.Errorf("diffing %s: %w", newName, err)
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// splitLines keeps line endings and terminates the last line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}
