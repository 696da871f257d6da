package cargo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workspaceManifest = `# workspace root
[workspace]
members = ["crates/core", "crates/cli"]
resolver = "2"

[workspace.dependencies]
serde = "1"
`

const crateManifest = `[package]
name = "core"
version = "0.3.0"
edition = "2021"

[dependencies]
serde = { version = "1", features = ["derive"] }
anyhow = "1"

[dev-dependencies]
tempfile = "3"
`

func TestParse(t *testing.T) {
	m, err := Parse(crateManifest)
	require.NoError(t, err)
	require.NotNil(t, m.Package)
	assert.Equal(t, "core", m.Package.Name)
	assert.Equal(t, "0.3.0", m.Package.VersionString())
	assert.True(t, m.HasDependency("anyhow"))
	assert.False(t, m.HasDependency("tokio"))

	ws, err := Parse(workspaceManifest)
	require.NoError(t, err)
	assert.True(t, ws.HasMember("crates/core"))
	assert.True(t, ws.HasMember("./crates/cli"))
}

func TestAddWorkspaceMember(t *testing.T) {
	out, err := AddWorkspaceMember(workspaceManifest, "crates/core_1")
	require.NoError(t, err)

	want := `# workspace root
[workspace]
members = [
    "crates/core",
    "crates/cli",
    "crates/core_1",
]
resolver = "2"

[workspace.dependencies]
serde = "1"
`
	assert.Equal(t, want, out)

	m, err := Parse(out)
	require.NoError(t, err)
	assert.Len(t, m.Workspace.Members, 3)

	again, err := AddWorkspaceMember(out, "crates/core_1")
	require.NoError(t, err)
	assert.Equal(t, out, again, "adding an existing member is a no-op")
}

func TestAddWorkspaceMemberCreatesTable(t *testing.T) {
	out, err := AddWorkspaceMember(crateManifest, "core_1")
	require.NoError(t, err)

	m, err := Parse(out)
	require.NoError(t, err)
	require.NotNil(t, m.Workspace)
	assert.Equal(t, []string{".", "core_1"}, m.Workspace.Members)
	assert.Equal(t, "core", m.Package.Name)
}

func TestAddPathDependency(t *testing.T) {
	out, err := AddPathDependency(crateManifest, "core_1", "../core_1")
	require.NoError(t, err)

	m, err := Parse(out)
	require.NoError(t, err)
	assert.True(t, m.HasDependency("core_1"))
	assert.Contains(t, out, "anyhow = \"1\"\ncore_1 = { path = \"../core_1\" }\n\n[dev-dependencies]")

	bare := "[package]\nname = \"x\"\n"
	out, err = AddPathDependency(bare, "y", "../y")
	require.NoError(t, err)
	assert.Equal(t, "[package]\nname = \"x\"\n\n[dependencies]\ny = { path = \"../y\" }\n", out)
}

func TestDependenciesTable(t *testing.T) {
	assert.Equal(t, []string{
		`serde = { version = "1", features = ["derive"] }`,
		`anyhow = "1"`,
	}, DependenciesTable(crateManifest))
	assert.Nil(t, DependenciesTable(workspaceManifest))
}

func TestNewLibraryManifest(t *testing.T) {
	out := NewLibraryManifest("core_1", "0.3.0", "2021", []string{`anyhow = "1"`}, map[string]string{"core_2": "../core_2"})
	m, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "core_1", m.Package.Name)
	assert.True(t, m.HasDependency("anyhow"))
	assert.True(t, m.HasDependency("core_2"))
}

func TestRebasePaths(t *testing.T) {
	lines := []string{
		`util = { path = "crates/util" }`,
		`anyhow = "1"`,
		`abs = { path = "/opt/abs" }`,
	}
	got := RebasePaths(lines, ".", "crates/app_1")
	assert.Equal(t, []string{
		`util = { path = "../util" }`,
		`anyhow = "1"`,
		`abs = { path = "/opt/abs" }`,
	}, got)

	same := RebasePaths([]string{`x = { path = "../x" }`}, "crates/a", "crates/a_1")
	assert.Equal(t, []string{`x = { path = "../x" }`}, same)
}
