package external

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clippyOutput = `{"reason":"compiler-artifact","package_id":"core 0.1.0"}
{"reason":"compiler-message","manifest_path":"/work/crates/core/Cargo.toml","message":{"message":"this function has too many lines (120/100)","level":"warning","code":{"code":"clippy::too_many_lines"},"spans":[{"file_name":"src/lib.rs","line_start":12,"is_primary":true}]}}
{"reason":"compiler-message","manifest_path":"/work/crates/core/Cargo.toml","message":{"message":"unused import","level":"warning","code":{"code":"unused_imports"},"spans":[{"file_name":"src/a.rs","line_start":1,"is_primary":false},{"file_name":"src/a.rs","line_start":3,"is_primary":true}]}}
{"reason":"compiler-message","manifest_path":"/work/crates/core/Cargo.toml","message":{"message":"3 warnings emitted","level":"warning","code":null,"spans":[]}}
{"reason":"build-finished","success":true}
`

func TestParseCargoMessages(t *testing.T) {
	diags, err := ParseCargoMessages([]byte(clippyOutput), "/work")
	require.NoError(t, err)

	assert.Equal(t, []Diagnostic{
		{Code: "unused_imports", Message: "unused import", Level: "warning", File: "crates/core/src/a.rs", Line: 3},
		{Code: "clippy::too_many_lines", Message: "this function has too many lines (120/100)", Level: "warning", File: "crates/core/src/lib.rs", Line: 12},
	}, diags)
}

func TestParseCargoMessagesRejectsGarbageJSON(t *testing.T) {
	_, err := ParseCargoMessages([]byte("{not json\n"), "/work")
	require.Error(t, err)
}

func TestRunMissingBinaryIsUnavailable(t *testing.T) {
	r := &Runner{Command: []string{"crateguard-definitely-missing-tool"}}
	_, err := r.Run(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRunParsesStdout(t *testing.T) {
	r := &Runner{Command: []string{"sh", "-c", `printf '%s\n' '{"reason":"compiler-message","message":{"message":"m","level":"error","code":{"code":"E0425"},"spans":[{"file_name":"src/lib.rs","line_start":2,"is_primary":true}]}}'; exit 101`}}
	diags, err := r.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "E0425", diags[0].Code)
	assert.Equal(t, "src/lib.rs", diags[0].File)
}

func TestRunSilentFailureIsToolError(t *testing.T) {
	r := &Runner{Command: []string{"sh", "-c", "echo boom >&2; exit 3"}}
	_, err := r.Run(context.Background(), t.TempDir())
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "boom", te.Stderr)
}
