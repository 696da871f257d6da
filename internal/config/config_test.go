package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.MaxFunctionsPerModule)
	assert.Equal(t, 500, cfg.MaxLocPerFile)
	assert.True(t, cfg.NoStructsInLibRs)
	assert.Empty(t, cfg.Path)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	root := t.TempDir()
	const doc = `max_functions_per_module: 5
max_loc_per_file: 120
no_structs_in_mod_rs: false
components:
  - name: core
    crates: [alpha, beta]
patterns: [distribute_loc, split_module]
oracle:
  enabled: true
  timeout: 3s
`
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(doc), 0o644))

	cfg, err := Load(root, "")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxFunctionsPerModule)
	assert.Equal(t, 120, cfg.MaxLocPerFile)
	assert.Equal(t, 10, cfg.MaxModulesPerCrate, "unset keys keep defaults")
	assert.False(t, cfg.NoStructsInModRs)
	assert.True(t, cfg.NoFunctionsInModRs)
	assert.True(t, cfg.Oracle.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Oracle.Timeout)
	if diff := cmp.Diff([]Component{{Name: "core", Crates: []string{"alpha", "beta"}}}, cfg.Components); diff != "" {
		t.Errorf("components mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"distribute_loc", "split_module"}, cfg.Patterns)
	assert.Equal(t, filepath.Join(root, FileName), cfg.Path)
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(t.TempDir(), "/nonexistent/crateguard.yaml")
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.MaxLocPerFile = 0
	require.ErrorContains(t, cfg.Validate(), "max_loc_per_file")

	cfg = Default()
	cfg.Components = []Component{{Name: "a", Crates: []string{"x"}}, {Name: "b", Crates: []string{"x"}}}
	require.ErrorContains(t, cfg.Validate(), `crate "x"`)
}

func TestLoadReadsDotEnv(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("GEMINI_API_KEY=from-dotenv\n"), 0o644))
	t.Setenv("GEMINI_API_KEY", "")
	os.Unsetenv("GEMINI_API_KEY")
	t.Setenv("GOOGLE_API_KEY", "")

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Oracle.APIKey)
}
