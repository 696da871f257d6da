package fixup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aezell/crateguard/internal/plan"
)

func rewrite(t *testing.T, f *Fixer, fc Context, src string) string {
	t.Helper()
	changes, err := f.Rewrite(context.Background(), fc, []byte(src))
	require.NoError(t, err)
	out, err := plan.ApplyChanges(src, changes)
	require.NoError(t, err)
	return out
}

func TestRewriteSameCrate(t *testing.T) {
	f := New(plan.MovedItemTable{{From: "core::Config", To: "core::config::Config"}}, []string{"core", "app"}, nil)
	fc := Context{OriginCrate: "core", HomeCrate: "core", Module: []string{"net"}}

	src := `use crate::Config;
use crate::{Config as Cfg, build};
use super::Config as Other;

// crate::Config stays in comments
fn f() -> crate::Config {
    let s = "crate::Config";
    crate::Config::default()
}
`
	want := `use crate::config::Config;
use crate::{config::Config as Cfg, build};
use crate::config::Config as Other;

// crate::Config stays in comments
fn f() -> crate::config::Config {
    let s = "crate::Config";
    crate::config::Config::default()
}
`
	assert.Equal(t, want, rewrite(t, f, fc, src))
}

func TestRewriteMovedModuleAcrossCrates(t *testing.T) {
	table := plan.MovedItemTable{
		{From: "core::net", To: "core_1::net", Public: true},
		{From: "core::db", To: "core_2::db", Public: true},
	}
	deps := map[string][]string{"core": {"core_1", "core_2"}, "core_2": {"core_1"}}
	f := New(table, []string{"core", "core_1", "core_2", "app"}, deps)

	// A file moved into core_2 keeps its crate-relative paths to its own
	// modules and names the sibling crate for the rest.
	moved := Context{OriginCrate: "core", HomeCrate: "core_2", Module: []string{"db"}}
	src := "use crate::db::pool::Pool;\nuse crate::net::{dial, Conn};\n\nfn g() { super::net::dial(); }\n"
	want := "use crate::db::pool::Pool;\nuse core_1::net::{dial, Conn};\n\nfn g() { core_1::net::dial(); }\n"
	assert.Equal(t, want, rewrite(t, f, moved, src))

	// app does not depend on the new crates, so the old path stays.
	app := Context{OriginCrate: "app", HomeCrate: "app"}
	appSrc := "use core::net::dial;\n"
	assert.Equal(t, appSrc, rewrite(t, f, app, appSrc))
}

func TestRewriteSkipsUnreachable(t *testing.T) {
	table := plan.MovedItemTable{{From: "core::Config", To: "core::config::Config"}}
	f := New(table, []string{"core", "app"}, map[string][]string{"app": {"core"}})

	app := Context{OriginCrate: "app", HomeCrate: "app"}
	src := "use core::Config;\n"
	assert.Equal(t, src, rewrite(t, f, app, src))
}

func TestRewriteInlineModule(t *testing.T) {
	table := plan.MovedItemTable{{From: "core::a::helper", To: "core::a::part_1::helper"}}
	f := New(table, []string{"core"}, nil)
	fc := Context{OriginCrate: "core", HomeCrate: "core"}

	src := "mod a {\n    mod b {\n        fn x() { super::helper(); }\n    }\n}\n"
	want := "mod a {\n    mod b {\n        fn x() { crate::a::part_1::helper(); }\n    }\n}\n"
	assert.Equal(t, want, rewrite(t, f, fc, src))
}

func TestRewriteNoTable(t *testing.T) {
	f := New(nil, nil, nil)
	assert.True(t, f.Empty())
	changes, err := f.Rewrite(context.Background(), Context{}, []byte("fn main() {}\n"))
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestRewriteProducesLineChanges(t *testing.T) {
	f := New(plan.MovedItemTable{{From: "c::A", To: "c::a::A"}}, []string{"c"}, nil)
	fc := Context{OriginCrate: "c", HomeCrate: "c"}
	changes, err := f.Rewrite(context.Background(), fc, []byte("fn x() {}\nuse crate::A;\nfn y() {}\n"))
	require.NoError(t, err)
	assert.Equal(t, []plan.TextChange{{Start: 1, End: 2, Content: "use crate::a::A;\n"}}, changes)
}

func TestAbsolutize(t *testing.T) {
	tests := []struct {
		name   string
		module []string
		src    string
		want   string
	}{
		{"self at root", nil, "fn f() { self::g(); }\n", "fn f() { crate::g(); }\n"},
		{"self in module", []string{"net"}, "fn f() -> self::Conn { todo!() }\n", "fn f() -> crate::net::Conn { todo!() }\n"},
		{"super", []string{"net", "tcp"}, "fn f() { super::dial(); }\n", "fn f() { crate::net::dial(); }\n"},
		{"super super", []string{"net", "tcp"}, "fn f() { super::super::build(); }\n", "fn f() { crate::build(); }\n"},
		{"use list", []string{"net"}, "fn f() {\n    use super::{a, b};\n}\n", "fn f() {\n    use crate::{a, b};\n}\n"},
		{"untouched", []string{"net"}, "fn f(&self) { crate::x(); std::mem::drop(1); }\n", "fn f(&self) { crate::x(); std::mem::drop(1); }\n"},
		{"string", nil, "const S: &str = \"self::x\";\n", "const S: &str = \"self::x\";\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Absolutize(context.Background(), tt.src, tt.module)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAbsolutizeInlineModule(t *testing.T) {
	src := "mod x {\n    fn f() { super::g(); self::h(); }\n}\n"
	got, err := Absolutize(context.Background(), src, []string{"m"})
	require.NoError(t, err)
	assert.Equal(t, "mod x {\n    fn f() { crate::m::g(); crate::m::x::h(); }\n}\n", got)
}
