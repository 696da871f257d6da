package model

import (
	"fmt"
	"sort"
)

// RuleKind is the tag of a Violation.
type RuleKind int

const (
	RuleTooManyCrates RuleKind = iota
	RuleTooManyModules
	RuleTooManyFunctions
	RuleTooManyLoc
	RuleItemInEntryFile
	RuleExternalTool
)

func (k RuleKind) String() string {
	switch k {
	case RuleTooManyCrates:
		return "too_many_crates"
	case RuleTooManyModules:
		return "too_many_modules"
	case RuleTooManyFunctions:
		return "too_many_functions"
	case RuleTooManyLoc:
		return "too_many_loc"
	case RuleItemInEntryFile:
		return "item_in_entry_file"
	case RuleExternalTool:
		return "external_tool"
	default:
		return "unknown"
	}
}

// Location points at the offending place. Crate and Module are empty when
// they do not apply.
type Location struct {
	File   string
	Line   int
	Crate  string
	Module string
}

func (l Location) String() string {
	if l.Line > 0 {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return l.File
}

// Violation is a detected deviation from a configured rule.
type Violation struct {
	Kind       RuleKind
	Severity   Severity
	Location   Location
	Message    string
	Suggestion string

	// Threshold rules.
	Count int
	Max   int
	// TooManyCrates.
	Component string
	// ItemInEntryFile.
	ItemKind ItemKind
	Item     ItemID
	// ExternalTool.
	Code string
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s: %s", v.Kind, v.Location, v.Message)
}

// Key identifies a violation independently of its message, for matching
// violations across analysis passes.
func (v Violation) Key() string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s", v.Kind, v.Location.File, v.Location.Line, v.Location.Module, v.Item, v.Code)
}

// Less orders violations by severity descending, then file, line and rule
// kind name.
func Less(a, b Violation) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	if a.Location.File != b.Location.File {
		return a.Location.File < b.Location.File
	}
	if a.Location.Line != b.Location.Line {
		return a.Location.Line < b.Location.Line
	}
	if a.Kind.String() != b.Kind.String() {
		return a.Kind.String() < b.Kind.String()
	}
	return a.Key() < b.Key()
}

// SortViolations sorts vs in report order.
func SortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool { return Less(vs[i], vs[j]) })
}
