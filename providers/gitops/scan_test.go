package gitops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const librs = `//! Crate docs.

/* block
   comment */
pub fn add(a: i32, b: i32) -> i32 {
    a + b // inline
}

pub fn raw(p: *const u8) -> u8 {
    unsafe { *p }
}

unsafe impl Send for Thing {}

#[cfg(test)]
mod tests {
    use super::*;

    #[test]
    fn adds() {
        assert_eq!(add(1, 2), 3);
    }
}
`

func TestAnalyzeSource(t *testing.T) {
	stats := AnalyzeSource([]byte(librs))

	assert.Equal(t, int64(4), stats.CommentLines)
	assert.Equal(t, int64(7), stats.CodeLines)
	assert.Equal(t, int64(8), stats.TestLines)
	assert.Equal(t, int64(2), stats.UnsafeBlocks)
}

func TestAnalyzeSourceStrings(t *testing.T) {
	stats := AnalyzeSource([]byte("let s = \"// not a comment { unsafe {\";\n"))
	assert.Equal(t, int64(0), stats.CommentLines)
	assert.Equal(t, int64(1), stats.CodeLines)
}

func TestAnalyzeSourceTestFunctionOutsideModule(t *testing.T) {
	src := "fn a() {}\n#[test]\nfn b() {\n    a();\n}\nfn c() {}\n"
	stats := AnalyzeSource([]byte(src))
	assert.Equal(t, int64(2), stats.CodeLines)
	assert.Equal(t, int64(4), stats.TestLines)
}

func TestFindCrate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Cargo.toml"), "[workspace]\nmembers = [\"widget\", \"widget_derive\"]\n")
	writeFile(t, filepath.Join(root, "widget", "Cargo.toml"), "[package]\nname = \"widget\"\nversion = \"1.0.0\"\n\n[[example]]\nname = \"declared\"\npath = \"demo/declared.rs\"\n")
	writeFile(t, filepath.Join(root, "widget_derive", "Cargo.toml"), "[package]\nname = \"widget_derive\"\nversion = \"1.0.0\"\n")
	writeFile(t, filepath.Join(root, "widget", "examples", "basic.rs"), "fn main() {}\n")
	writeFile(t, filepath.Join(root, "widget", "examples", "multi", "main.rs"), "fn main() {}\n")
	writeFile(t, filepath.Join(root, "widget", "examples", "README.md"), "docs\n")
	writeFile(t, filepath.Join(root, "target", "package", "Cargo.toml"), "[package]\nname = \"stale\"\n")

	dir, manifest, ok := FindCrate(root, "widget")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "widget"), dir)
	assert.Equal(t, int64(3), CountExamples(dir, manifest))

	dir, _, ok = FindCrate(root, "widget-derive")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "widget_derive"), dir)

	_, _, ok = FindCrate(root, "stale")
	assert.False(t, ok)
}

func TestScanSources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "lib.rs"), librs)
	writeFile(t, filepath.Join(dir, "src", "nested", "mod.rs"), "pub fn x() {}\n")
	writeFile(t, filepath.Join(dir, "src", "notes.txt"), "ignored\n")

	stats, err := ScanSources(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Files)
	assert.Equal(t, int64(8), stats.CodeLines)
	assert.Equal(t, int64(2), stats.UnsafeBlocks)

	empty, err := ScanSources(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, SourceStats{}, empty)
}

func TestScanWorkflows(t *testing.T) {
	tests := []struct {
		name   string
		files  map[string]string
		expect WorkflowStats
	}{
		{
			name:   "none",
			expect: WorkflowStats{},
		},
		{
			name: "clippy step",
			files: map[string]string{
				"ci.yml": "jobs:\n  lint:\n    steps:\n      - run: cargo clippy -- -D warnings\n",
			},
			expect: WorkflowStats{Files: 1, Clippy: true},
		},
		{
			name: "miri in matrix",
			files: map[string]string{
				"ci.yaml":   "jobs:\n  test:\n    strategy:\n      matrix:\n        tool: [Miri]\n",
				"notes.txt": "clippy",
			},
			expect: WorkflowStats{Files: 1, Miri: true},
		},
		{
			name: "invalid yaml",
			files: map[string]string{
				"broken.yml": "jobs: [\n  cargo miri test\n  cargo clippy",
			},
			expect: WorkflowStats{Files: 1, Miri: true, Clippy: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, filepath.Join(root, ".github", "workflows", name), content)
			}
			assert.Equal(t, tt.expect, ScanWorkflows(root))
		})
	}
}

func TestSummarize(t *testing.T) {
	h := summarize([]commitInfo{
		{when: 100, email: "a@example.com"},
		{when: 300, email: "A@Example.com"},
		{when: 200, email: "b@example.com"},
		{when: -50, email: ""},
	})
	assert.Equal(t, []int64{300, 200, 100, -50}, h.CommitTimes)
	assert.Equal(t, int64(2), h.Contributors)
}
