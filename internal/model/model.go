// Package model defines the core data types shared across crateguard: the
// project tree (crates, modules, items) and the violations found in it.
package model

// Severity ranks a violation. Higher values sort first in reports.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a level name (as reported by rustc/clippy or written in
// config) to a Severity. Unknown names are info.
func ParseSeverity(s string) Severity {
	switch s {
	case "error", "error: internal compiler error":
		return SeverityError
	case "warning", "warn":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// ItemKind is the tag of an Item.
type ItemKind int

const (
	KindFunction ItemKind = iota
	KindStruct
	KindEnum
	KindTrait
	KindImpl
	KindConst
	KindStatic
	KindTypeAlias
	KindMacro
)

func (k ItemKind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindTrait:
		return "trait"
	case KindImpl:
		return "impl"
	case KindConst:
		return "const"
	case KindStatic:
		return "static"
	case KindTypeAlias:
		return "type"
	case KindMacro:
		return "macro"
	default:
		return "unknown"
	}
}

// Named reports whether items of this kind introduce a path-addressable name.
func (k ItemKind) Named() bool {
	return k != KindImpl
}

// IsTypeDefinition reports whether the kind defines a type (struct, enum, trait).
func (k ItemKind) IsTypeDefinition() bool {
	return k == KindStruct || k == KindEnum || k == KindTrait
}

// Visibility is the raw visibility modifier of an item: "" for private,
// "pub", "pub(crate)", "pub(super)" or "pub(in path)".
type Visibility string

const Private Visibility = ""

// IsPrivate reports whether no visibility modifier was written.
func (v Visibility) IsPrivate() bool { return v == Private }

// Prefix returns the modifier followed by a space, or "" for private items.
func (v Visibility) Prefix() string {
	if v.IsPrivate() {
		return ""
	}
	return string(v) + " "
}

func (v Visibility) String() string {
	if v.IsPrivate() {
		return "private"
	}
	return string(v)
}

// LineRange identifies an inclusive, 1-based range of lines in a file.
type LineRange struct {
	Start int
	End   int
}

// Len returns the number of lines covered.
func (r LineRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Span locates source text: a project-relative file and a line range.
type Span struct {
	File string
	LineRange
}
