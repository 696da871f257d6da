package discover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestFilesSkipsTargetHiddenAndIgnored(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/lib.rs", "")
	writeFile(t, root, "src/a/mod.rs", "")
	writeFile(t, root, "src/gen.rs", "")
	writeFile(t, root, "src/notes.txt", "")
	writeFile(t, root, "target/debug/build.rs", "")
	writeFile(t, root, ".crateguard/txn/x.rs", "")
	writeFile(t, root, ".gitignore", "src/gen.rs\n")

	files, err := Files(root, ".", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a/mod.rs", "src/lib.rs"}, files)
}

func TestFilesHonorsExcludesAndSubdir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "crates/a/src/lib.rs", "")
	writeFile(t, root, "crates/a/src/generated/out.rs", "")
	writeFile(t, root, "crates/b/src/lib.rs", "")

	files, err := Files(root, "crates/a", []string{"**/generated/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"crates/a/src/lib.rs"}, files)
}
