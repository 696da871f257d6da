package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/service"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [path]",
	Short: "Report modularity violations",
	Long: `Evaluate every rule over the Cargo project at path (default: the current
directory) and print the violations.

Exit codes:
  0 — no violations
  1 — violations found`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringP("format", "f", "text", "output format: text, json, markdown")
	analyzeCmd.Flags().Bool("external", false, "also run the configured external tool")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	opts := options(cmd)
	opts.External, _ = cmd.Flags().GetBool("external")

	a, err := service.Analyze(cmd.Context(), projectPath(args), opts)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		err = outputJSON(w, a)
	case "markdown":
		err = outputMarkdown(w, a)
	case "text":
		err = outputText(w, a)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return err
	}
	if len(a.Results.Violations) > 0 {
		return errViolations
	}
	return nil
}

func countModules(p *model.Project) (crates, modules int) {
	for _, c := range p.Crates {
		crates++
		modules += len(c.Modules())
	}
	return crates, modules
}

func outputText(w io.Writer, a *service.Analysis) error {
	crates, modules := countModules(a.Project)
	fmt.Fprintf(w, "%d crate(s), %d module(s) in %s\n", crates, modules, a.Root)
	if a.Recovered {
		fmt.Fprintln(w, "Rolled back an interrupted refactor first.")
	}
	for _, warn := range a.Warnings() {
		fmt.Fprintf(w, "warning: %v\n", warn)
	}
	if a.ExternalErr != nil {
		fmt.Fprintf(w, "warning: %v\n", a.ExternalErr)
	}
	fmt.Fprintf(w, "Analysis: %s\n\n", a.Results.Summary())

	if len(a.Results.Violations) == 0 {
		fmt.Fprintln(w, "No violations found.")
		return nil
	}

	// Files in report order.
	grouped := a.Results.ByFile()
	var files []string
	seen := make(map[string]bool)
	for _, v := range a.Results.Violations {
		if !seen[v.Location.File] {
			seen[v.Location.File] = true
			files = append(files, v.Location.File)
		}
	}
	for _, file := range files {
		fmt.Fprintf(w, "  %s\n", file)
		for _, v := range grouped[file] {
			fmt.Fprintf(w, "    %s [%s] %s: %s\n", severityIcon(v.Severity), v.Kind, v.Location, v.Message)
			if v.Suggestion != "" {
				fmt.Fprintf(w, "       hint: %s\n", v.Suggestion)
			}
		}
		fmt.Fprintln(w)
	}
	return nil
}

type jsonViolation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"`
	File       string `json:"file"`
	Line       int    `json:"line,omitempty"`
	Crate      string `json:"crate,omitempty"`
	Module     string `json:"module,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Code       string `json:"code,omitempty"`
}

func toJSON(vs []model.Violation) []jsonViolation {
	out := make([]jsonViolation, 0, len(vs))
	for _, v := range vs {
		out = append(out, jsonViolation{
			Rule:       v.Kind.String(),
			Severity:   v.Severity.String(),
			File:       v.Location.File,
			Line:       v.Location.Line,
			Crate:      v.Location.Crate,
			Module:     v.Location.Module,
			Message:    v.Message,
			Suggestion: v.Suggestion,
			Code:       v.Code,
		})
	}
	return out
}

func outputJSON(w io.Writer, a *service.Analysis) error {
	type jsonOutput struct {
		Root       string          `json:"root"`
		Summary    string          `json:"summary"`
		Total      int             `json:"total"`
		Violations []jsonViolation `json:"violations"`
		Warnings   []string        `json:"warnings,omitempty"`
		External   string          `json:"external_error,omitempty"`
		Recovered  bool            `json:"recovered,omitempty"`
	}

	out := jsonOutput{
		Root:       a.Root,
		Summary:    a.Results.Summary(),
		Total:      len(a.Results.Violations),
		Violations: toJSON(a.Results.Violations),
		Recovered:  a.Recovered,
	}
	for _, warn := range a.Warnings() {
		out.Warnings = append(out.Warnings, warn.Error())
	}
	if a.ExternalErr != nil {
		out.External = a.ExternalErr.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func outputMarkdown(w io.Writer, a *service.Analysis) error {
	crates, modules := countModules(a.Project)
	fmt.Fprintf(w, "## Modularity Report\n\n")
	fmt.Fprintf(w, "**%d crate(s)**, **%d module(s)**\n\n", crates, modules)
	fmt.Fprintf(w, "**Violations:** %d (%s)\n\n", len(a.Results.Violations), a.Results.Summary())

	if len(a.Results.Violations) == 0 {
		fmt.Fprintln(w, "No violations found.")
		return nil
	}

	fmt.Fprintln(w, "| Severity | Rule | Location | Message |")
	fmt.Fprintln(w, "|----------|------|----------|---------|")
	for _, v := range a.Results.Violations {
		fmt.Fprintf(w, "| %s | %s | `%s` | %s |\n", v.Severity, v.Kind, v.Location, strings.ReplaceAll(v.Message, "|", `\|`))
	}
	return nil
}

func severityIcon(s model.Severity) string {
	switch s {
	case model.SeverityError:
		return "! "
	case model.SeverityWarning:
		return "* "
	default:
		return "- "
	}
}
