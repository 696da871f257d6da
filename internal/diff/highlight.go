package diff

import (
	"path"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// DefaultStyle is the chroma style previews are colored with.
const DefaultStyle = "dracula"

// HighlightedLine is one source line split into colored tokens.
type HighlightedLine struct {
	Tokens []Token
}

// Token is a syntax-highlighted chunk of text.
type Token struct {
	Text  string
	Color string // hex color, empty for default
}

// Plain returns the concatenated plain text of all tokens.
func (hl HighlightedLine) Plain() string {
	var b strings.Builder
	for _, t := range hl.Tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

// A refactor preview only ever touches these kinds of files.
var lexerNames = map[string]string{
	".rs":              "rust",
	"Cargo.toml":       "toml",
	"Cargo.lock":       "toml",
	".crateguard.yaml": "yaml",
}

var lexerCache sync.Map // lexer name -> chroma.Lexer

// HighlightLines colors lines of the named file with DefaultStyle. It
// returns exactly one HighlightedLine per input line; files of unknown type
// come back as plain text.
func HighlightLines(filename string, lines []string) []HighlightedLine {
	return HighlightLinesStyle(filename, lines, DefaultStyle)
}

// HighlightLinesStyle is HighlightLines with a named chroma style.
func HighlightLinesStyle(filename string, lines []string, styleName string) []HighlightedLine {
	lexer := lexerFor(filename)
	if lexer == nil || len(lines) == 0 {
		return plainLines(lines)
	}
	iterator, err := lexer.Tokenise(nil, strings.Join(lines, "\n"))
	if err != nil {
		return plainLines(lines)
	}
	style := styles.Get(styleName)

	result := make([]HighlightedLine, 0, len(lines))
	var current HighlightedLine
	for _, token := range iterator.Tokens() {
		// A token may span lines (block comments, raw strings).
		for i, part := range strings.Split(token.Value, "\n") {
			if i > 0 {
				result = append(result, current)
				current = HighlightedLine{}
			}
			if part != "" {
				current.Tokens = append(current.Tokens, Token{Text: part, Color: tokenColor(style, token.Type)})
			}
		}
	}
	result = append(result, current)

	// Lexers may add or drop a trailing newline.
	for len(result) < len(lines) {
		result = append(result, HighlightedLine{})
	}
	return result[:len(lines)]
}

func plainLines(lines []string) []HighlightedLine {
	result := make([]HighlightedLine, len(lines))
	for i, line := range lines {
		result[i] = HighlightedLine{Tokens: []Token{{Text: line}}}
	}
	return result
}

// lexerFor picks a lexer by base name, then extension, then chroma's own
// filename patterns.
func lexerFor(filename string) chroma.Lexer {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name, ok := lexerNames[base]
	if !ok {
		name, ok = lexerNames[path.Ext(base)]
	}
	if !ok {
		l := lexers.Match(base)
		if l == nil {
			return nil
		}
		name = l.Config().Name
	}

	if l, ok := lexerCache.Load(name); ok {
		return l.(chroma.Lexer)
	}
	l := lexers.Get(name)
	if l == nil {
		return nil
	}
	l = chroma.Coalesce(l)
	lexerCache.Store(name, l)
	return l
}

func tokenColor(style *chroma.Style, tt chroma.TokenType) string {
	entry := style.Get(tt)
	if entry.Colour.IsSet() {
		return entry.Colour.String()
	}
	return ""
}
