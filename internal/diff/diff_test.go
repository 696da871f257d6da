package diff

import (
	"testing"
)

const sampleDiff = `diff --git a/src/greet.rs b/src/greet.rs
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/src/greet.rs
@@ -0,0 +1,11 @@
+use super::*;
+
+pub fn greet() {
+    println!("hello");
+}
+
+pub(super) fn add(a: u32, b: u32) -> u32 {
+    a + b
+}
+
+// end
diff --git a/src/lib.rs b/src/lib.rs
index abc1234..def5678 100644
--- a/src/lib.rs
+++ b/src/lib.rs
@@ -1,3 +1,4 @@
 //! Crate docs

-pub fn greet() {}
+mod greet;
+pub use self::greet::greet;
`

func TestParse(t *testing.T) {
	ds, err := Parse(sampleDiff)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(ds.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(ds.Files))
	}

	// First file: new file
	f0 := ds.Files[0]
	if !f0.IsNew {
		t.Error("expected src/greet.rs to be new")
	}
	if f0.Name() != "src/greet.rs" {
		t.Errorf("expected name 'src/greet.rs', got %q", f0.Name())
	}
	if f0.AddedLines != 11 {
		t.Errorf("expected 11 added lines, got %d", f0.AddedLines)
	}

	// Second file: modified
	f1 := ds.Files[1]
	if f1.Name() != "src/lib.rs" {
		t.Errorf("expected name 'src/lib.rs', got %q", f1.Name())
	}
	if f1.AddedLines != 2 {
		t.Errorf("expected 2 added lines, got %d", f1.AddedLines)
	}
	if f1.DeletedLines != 1 {
		t.Errorf("expected 1 deleted line, got %d", f1.DeletedLines)
	}

	// Stats
	files, added, deleted := ds.Stats()
	if files != 2 {
		t.Errorf("stats: expected 2 files, got %d", files)
	}
	if added != 13 {
		t.Errorf("stats: expected 13 added, got %d", added)
	}
	if deleted != 1 {
		t.Errorf("stats: expected 1 deleted, got %d", deleted)
	}
}

func TestParseEmpty(t *testing.T) {
	ds, err := Parse("")
	if err != nil {
		t.Fatalf("Parse empty failed: %v", err)
	}
	if len(ds.Files) != 0 {
		t.Errorf("expected 0 files, got %d", len(ds.Files))
	}
}

func TestRenderRoundTrip(t *testing.T) {
	raw, err := Render([]Change{
		{NewPath: "src/a.rs", New: "pub fn a() {}\n"},
		{OldPath: "src/lib.rs", NewPath: "src/lib.rs", Old: "mod x;\npub fn a() {}\n", New: "mod x;\nmod a;\n"},
		{OldPath: "src/old.rs", NewPath: "crates/n/src/old.rs", Old: "fn f() {}\n", New: "fn f() {}\n"},
		{OldPath: "src/same.rs", NewPath: "src/same.rs", Old: "x\n", New: "x\n"},
	}, 3)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	ds, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v\n%s", err, raw)
	}
	if len(ds.Files) != 3 {
		t.Fatalf("expected 3 files, got %d:\n%s", len(ds.Files), raw)
	}
	if !ds.Files[0].IsNew || ds.Files[0].AddedLines != 1 {
		t.Errorf("expected new file with 1 line, got %+v", ds.Files[0])
	}
	if ds.Files[1].AddedLines != 1 || ds.Files[1].DeletedLines != 1 {
		t.Errorf("expected +1/-1, got +%d/-%d", ds.Files[1].AddedLines, ds.Files[1].DeletedLines)
	}
	if !ds.Files[2].IsRenamed || ds.Files[2].NewName != "crates/n/src/old.rs" {
		t.Errorf("expected rename, got %+v", ds.Files[2])
	}
}
