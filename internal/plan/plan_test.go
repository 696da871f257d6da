package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyChanges(t *testing.T) {
	text := "a\nb\nc\nd\n"
	tests := []struct {
		name    string
		changes []TextChange
		want    string
	}{
		{"replace", []TextChange{{Start: 1, End: 2, Content: "B\n"}}, "a\nB\nc\nd\n"},
		{"delete", []TextChange{{Start: 1, End: 3}}, "a\nd\n"},
		{"insert", []TextChange{{Start: 0, End: 0, Content: "top\n"}}, "top\na\nb\nc\nd\n"},
		{"append", []TextChange{{Start: 4, End: 4, Content: "e\n"}}, "a\nb\nc\nd\ne\n"},
		{"bottom up", []TextChange{
			{Start: 0, End: 1, Content: "A1\nA2\n"},
			{Start: 3, End: 4, Content: "D\n"},
		}, "A1\nA2\nb\nc\nD\n"},
		{"inserts keep order", []TextChange{
			{Start: 2, End: 2, Content: "x\n"},
			{Start: 2, End: 2, Content: "y\n"},
		}, "a\nb\nx\ny\nc\nd\n"},
		{"insert before replacement", []TextChange{
			{Start: 1, End: 2, Content: "B\n"},
			{Start: 1, End: 1, Content: "pre\n"},
		}, "a\npre\nB\nc\nd\n"},
		{"unterminated content", []TextChange{{Start: 3, End: 4, Content: "D"}}, "a\nb\nc\nD\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyChanges(text, tt.changes)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyChangesRejectsBadRanges(t *testing.T) {
	_, err := ApplyChanges("a\nb\n", []TextChange{{Start: 1, End: 3}})
	assert.Error(t, err)

	_, err = ApplyChanges("a\nb\nc\n", []TextChange{{Start: 0, End: 2}, {Start: 1, End: 3}})
	assert.Error(t, err)

	_, err = ApplyChanges("a\nb\nc\n", []TextChange{{Start: 0, End: 2}, {Start: 1, End: 1, Content: "x\n"}})
	assert.Error(t, err)
}

func TestOverlaps(t *testing.T) {
	assert.True(t, Overlaps([]TextChange{{Start: 0, End: 2}}, []TextChange{{Start: 1, End: 3}}))
	assert.False(t, Overlaps([]TextChange{{Start: 0, End: 2}}, []TextChange{{Start: 2, End: 3}}))
	assert.False(t, Overlaps([]TextChange{{Start: 2, End: 2}}, []TextChange{{Start: 2, End: 2}}))
	assert.True(t, Overlaps([]TextChange{{Start: 1, End: 1}}, []TextChange{{Start: 0, End: 3}}))
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, SplitLines(""))
	assert.Equal(t, []string{"a\n", "b"}, SplitLines("a\nb"))
	assert.Equal(t, []string{"a\n", "\n"}, SplitLines("a\n\n"))
}

func TestMergeMovedItems(t *testing.T) {
	a := MovedItemTable{{From: "c::Foo", To: "c::foo::Foo"}}
	b := MovedItemTable{{From: "c::bar", To: "c::bar::bar"}, {From: "c::Foo", To: "c::foo::Foo"}}

	merged, err := Merge(a, b)
	require.NoError(t, err)
	assert.Equal(t, MovedItemTable{
		{From: "c::Foo", To: "c::foo::Foo"},
		{From: "c::bar", To: "c::bar::bar"},
	}, merged)

	_, err = Merge(a, MovedItemTable{{From: "c::net::Foo", To: "c::foo::Foo"}})
	var collision *CollisionError
	require.ErrorAs(t, err, &collision)
	assert.Equal(t, "c::foo::Foo", collision.To)
}

func TestLookupLongestPrefix(t *testing.T) {
	table := MovedItemTable{
		{From: "c::net", To: "c_1::net", Public: true},
		{From: "c::net::tcp::Conn", To: "c::conn::Conn"},
	}

	m, to, ok := table.Lookup("c::net::udp::send")
	require.True(t, ok)
	assert.Equal(t, "c_1::net::udp::send", to)
	assert.True(t, m.Public)

	_, to, ok = table.Lookup("c::net::tcp::Conn::new")
	require.True(t, ok)
	assert.Equal(t, "c::conn::Conn::new", to)

	_, _, ok = table.Lookup("c::network")
	assert.False(t, ok)
}

func TestLookupExact(t *testing.T) {
	// The function bar moves into a module of the same name.
	table := MovedItemTable{{From: "c::bar", To: "c::bar::bar", Exact: true}}

	_, to, ok := table.Lookup("c::bar")
	require.True(t, ok)
	assert.Equal(t, "c::bar::bar", to)

	_, _, ok = table.Lookup("c::bar::bar")
	assert.False(t, ok)
}

func TestPlanPaths(t *testing.T) {
	p := &Plan{
		Operations: []FileOperation{
			Mkdir("crates/x"),
			Move("src/a.rs", "crates/x/src/a.rs"),
			Modify("src/lib.rs"),
		},
		CargoChanges: []CargoChange{{Kind: AddMember, Manifest: "Cargo.toml", Member: "crates/x"}},
	}
	assert.Equal(t, []string{"Cargo.toml", "crates/x", "crates/x/src/a.rs", "src/a.rs", "src/lib.rs"}, p.Paths())
	assert.Contains(t, p.Summary(), "move src/a.rs -> crates/x/src/a.rs")
}
