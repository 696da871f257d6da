package parse

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aezell/crateguard/internal/model"
)

const libSource = `//! Crate docs.
#![allow(dead_code)]

use std::fmt;
pub use self::net::Client;

mod net;
pub mod util;

/// A thing.
#[derive(Debug)]
pub struct Foo {
    x: u32,
}

impl fmt::Display for Foo {
    fn fmt(&self, f: &mut fmt::Formatter) -> fmt::Result {
        write!(f, "{}", self.x)
    }
}

pub(crate) fn bar(a: u32) -> Foo {
    if a > 1 && a < 10 {
        helper();
    }
    util::make(Foo { x: a })
}

fn helper() {}

mod inner {
    pub fn nested() {}
}

macro_rules! shout {
    () => {};
}
`

func parseSource(t *testing.T, src string) *File {
	t.Helper()
	p := NewParser()
	defer p.Close()
	f, err := p.ParseFile(context.Background(), "src/lib.rs", []byte(src))
	require.NoError(t, err)
	return f
}

func TestParseFileItems(t *testing.T) {
	f := parseSource(t, libSource)

	type summary struct {
		Kind  model.ItemKind
		Name  string
		Trait string
		Vis   model.Visibility
		Start int
		End   int
	}
	var got []summary
	for _, it := range f.Items {
		got = append(got, summary{it.Kind, it.Name, it.Trait, it.Visibility, it.Span.Start, it.Span.End})
	}
	want := []summary{
		{model.KindStruct, "Foo", "", "pub", 10, 14},
		{model.KindImpl, "Foo", "Display", "", 16, 20},
		{model.KindFunction, "bar", "", "pub(crate)", 22, 27},
		{model.KindFunction, "helper", "", "", 29, 29},
		{model.KindMacro, "shout", "", "", 35, 37},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 37, f.Lines)
}

func TestParseFileDeclLineSkipsAttributes(t *testing.T) {
	f := parseSource(t, libSource)
	foo := f.Items[0]
	assert.Equal(t, 12, foo.DeclLine)
	assert.Equal(t, 0, foo.DeclCol)
}

func TestParseFileModsAndUses(t *testing.T) {
	f := parseSource(t, libSource)

	require.Len(t, f.Mods, 3)
	assert.Equal(t, "net", f.Mods[0].Decl.Name)
	assert.False(t, f.Mods[0].Decl.Inline)
	assert.Equal(t, model.Visibility("pub"), f.Mods[1].Decl.Visibility)
	assert.True(t, f.Mods[2].Decl.Inline)
	require.NotNil(t, f.Mods[2].Body)
	require.Len(t, f.Mods[2].Body.Items, 1)
	assert.Equal(t, "nested", f.Mods[2].Body.Items[0].Name)

	require.Len(t, f.Uses, 2)
	assert.Equal(t, model.Visibility("pub"), f.Uses[1].Visibility)
	assert.Equal(t, 4, f.Uses[0].Span.Start)

	assert.Equal(t, 9, f.HeaderEnd)
}

func TestParseFileBlocksCoverItemsAndInlineMods(t *testing.T) {
	f := parseSource(t, libSource)
	var nodes []string
	for _, b := range f.Blocks {
		nodes = append(nodes, b.Node)
	}
	assert.Equal(t, []string{"struct_item", "impl_item", "function_item", "function_item", "mod_item", "macro_definition"}, nodes)
	assert.Equal(t, -1, f.Blocks[4].Item)
	assert.Equal(t, "inner", f.Blocks[4].Name)
}

func TestParseFileRefsAndComplexity(t *testing.T) {
	f := parseSource(t, libSource)
	bar := f.Items[2]

	assert.Contains(t, bar.Refs, []string{"helper"})
	assert.Contains(t, bar.Refs, []string{"util", "make"})
	assert.Contains(t, bar.Refs, []string{"Foo"})
	assert.Equal(t, 3, bar.Complexity)
}

func TestParseFileSyntaxError(t *testing.T) {
	p := NewParser()
	defer p.Close()

	_, err := p.ParseFile(context.Background(), "src/bad.rs", []byte("fn ok() {}\n\nfn broken( {\n"))
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "src/bad.rs", perr.File)
	assert.GreaterOrEqual(t, perr.Line, 3)
}

func TestPathSegments(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"crate::a::Foo", []string{"crate", "a", "Foo"}},
		{"::std::fmt", []string{"std", "fmt"}},
		{"Vec::<u8>::new", []string{"Vec", "new"}},
		{"a :: b", []string{"a", "b"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PathSegments(tt.in), tt.in)
	}
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, CountLines(nil))
	assert.Equal(t, 1, CountLines([]byte("a")))
	assert.Equal(t, 1, CountLines([]byte("a\n")))
	assert.Equal(t, 2, CountLines([]byte("a\nb")))
}
