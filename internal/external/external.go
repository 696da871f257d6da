// Package external runs the external static-analysis tool (cargo clippy by
// default) as a subprocess and decodes its JSON diagnostics.
package external

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrUnavailable means the tool binary could not be started.
var ErrUnavailable = errors.New("external tool unavailable")

// ToolError wraps a failed tool run.
type ToolError struct {
	Command string
	Err     error
	Stderr  string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("external tool %q: %v", e.Command, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// Diagnostic is one (code, message, location) triple reported by the tool.
type Diagnostic struct {
	Code    string
	Message string
	Level   string
	File    string
	Line    int
}

// Runner invokes the tool.
type Runner struct {
	Command []string
	Timeout time.Duration
}

// Run executes the tool in root and returns its diagnostics sorted by file,
// line and code. A missing binary yields ErrUnavailable.
func (r *Runner) Run(ctx context.Context, root string) ([]Diagnostic, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("%w: no command configured", ErrUnavailable)
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, &ToolError{Command: strings.Join(r.Command, " "), Err: err}
	}

	diags, perr := ParseCargoMessages(stdout.Bytes(), root)
	if perr != nil {
		return nil, &ToolError{Command: strings.Join(r.Command, " "), Err: perr}
	}
	// Lint failures exit non-zero but still report; only a silent failure
	// is an error.
	if err != nil && len(diags) == 0 {
		return nil, &ToolError{Command: strings.Join(r.Command, " "), Err: err, Stderr: strings.TrimSpace(lastLine(stderr.String()))}
	}
	return diags, nil
}

type cargoMessage struct {
	Reason  string `json:"reason"`
	Message *struct {
		Message string `json:"message"`
		Level   string `json:"level"`
		Code    *struct {
			Code string `json:"code"`
		} `json:"code"`
		Spans []struct {
			FileName  string `json:"file_name"`
			LineStart int    `json:"line_start"`
			IsPrimary bool   `json:"is_primary"`
		} `json:"spans"`
	} `json:"message"`
	ManifestPath string `json:"manifest_path"`
}

// ParseCargoMessages decodes `--message-format=json` output. Lines that are
// not compiler messages are ignored. Span file names are made relative to
// root when the tool reports them absolute, or relative to the package
// manifest directory.
func ParseCargoMessages(out []byte, root string) ([]Diagnostic, error) {
	var diags []Diagnostic
	seen := make(map[Diagnostic]bool)

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg cargoMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("decoding tool output: %w", err)
		}
		if msg.Reason != "compiler-message" || msg.Message == nil {
			continue
		}

		d := Diagnostic{Message: msg.Message.Message, Level: msg.Message.Level}
		if msg.Message.Code != nil {
			d.Code = msg.Message.Code.Code
		}
		for _, sp := range msg.Message.Spans {
			if sp.IsPrimary {
				d.File = relFile(sp.FileName, root, msg.ManifestPath)
				d.Line = sp.LineStart
				break
			}
		}
		if d.File == "" {
			continue
		}
		if !seen[d] {
			seen[d] = true
			diags = append(diags, d)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Code < b.Code
	})
	return diags, nil
}

func relFile(name, root, manifest string) string {
	abs := name
	if !filepath.IsAbs(abs) {
		if manifest != "" {
			abs = filepath.Join(filepath.Dir(manifest), name)
		} else {
			return filepath.ToSlash(name)
		}
	}
	if rel, err := filepath.Rel(root, abs); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(name)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
