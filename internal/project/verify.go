package project

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aezell/crateguard/internal/parse"
	"github.com/aezell/crateguard/internal/safeio"
)

// Verify re-derives the project at root and checks the given files: each
// .rs file that exists must parse cleanly and every `mod x;` it declares must
// resolve to a file. It is the post-commit check of a transaction.
func (l *Loader) Verify(ctx context.Context, root string, files []string) error {
	p, err := l.Load(ctx, root)
	if err != nil {
		return err
	}
	if len(p.Crates) == 0 {
		return errors.New("verify: no crates left after refactor")
	}

	fsys, err := safeio.NewSafeFS(root)
	if err != nil {
		return err
	}
	parser := parse.NewParser()
	defer parser.Close()

	var problems []string
	for _, f := range files {
		if !strings.HasSuffix(f, ".rs") || !fsys.Exists(f) {
			continue
		}
		src, err := fsys.ReadFile(f)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		pf, err := parser.ParseFile(ctx, f, src)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		dir := moduleDir(f)
		for _, m := range pf.Mods {
			if m.Decl.Inline {
				continue
			}
			flat := path.Join(dir, m.Decl.Name+".rs")
			nested := path.Join(dir, m.Decl.Name, "mod.rs")
			if !fsys.Exists(flat) && !fsys.Exists(nested) {
				problems = append(problems, fmt.Sprintf("%s:%d: module %q has no file", f, m.Decl.Span.Start, m.Decl.Name))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("verify: %s", strings.Join(problems, "; "))
	}
	return nil
}

// moduleDir returns the directory holding child module files for a file.
func moduleDir(file string) string {
	dir, base := path.Split(file)
	dir = path.Clean(dir)
	switch base {
	case "mod.rs", "lib.rs", "main.rs":
		return dir
	}
	return path.Join(dir, strings.TrimSuffix(base, ".rs"))
}
