package gitops

import (
	"bufio"
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	maxSourceFiles   = 10_000
	maxSourceSize    = 5_000_000
	maxWorkflowFiles = 100
	maxManifestDepth = 6
)

// unsafe blocks, functions, impls and traits
var unsafeKeyword = regexp.MustCompile(`\bunsafe\s*(\{|fn\b|impl\b|trait\b)`)

var testAttribute = regexp.MustCompile(`^#\[(test|tokio::test|cfg\(test\)|cfg\(all\(test|rstest)`)

// CargoManifest holds the parts of Cargo.toml the scan reads.
type CargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Example []struct {
		Name string `toml:"name"`
	} `toml:"example"`
}

// FindCrate returns the directory of the manifest declaring crate name, and
// that manifest. Names compare with '-' and '_' treated alike, as cargo does.
func FindCrate(root, name string) (string, *CargoManifest, bool) {
	want := normalizeCrateName(name)
	var dir string
	var found *CargoManifest

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			if d.Name() == ".git" || d.Name() == "target" || strings.Count(rel, string(filepath.Separator)) >= maxManifestDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != "Cargo.toml" {
			return nil
		}

		var m CargoManifest
		if _, err := toml.DecodeFile(path, &m); err != nil {
			log.Debug().Err(err).Str("manifest", path).Msg("skipping unreadable manifest")
			return nil
		}
		if normalizeCrateName(m.Package.Name) == want {
			dir = filepath.Dir(path)
			found = &m
			return filepath.SkipAll
		}
		return nil
	})

	return dir, found, found != nil
}

func normalizeCrateName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// CountExamples counts declared [[example]] targets plus those cargo
// discovers under examples/.
func CountExamples(crateDir string, m *CargoManifest) int64 {
	names := make(map[string]struct{})
	if m != nil {
		for _, e := range m.Example {
			if e.Name != "" {
				names[e.Name] = struct{}{}
			}
		}
	}

	entries, err := os.ReadDir(filepath.Join(crateDir, "examples"))
	if err == nil {
		for _, e := range entries {
			switch {
			case !e.IsDir() && strings.HasSuffix(e.Name(), ".rs"):
				names[strings.TrimSuffix(e.Name(), ".rs")] = struct{}{}
			case e.IsDir():
				if _, err := os.Stat(filepath.Join(crateDir, "examples", e.Name(), "main.rs")); err == nil {
					names[e.Name()] = struct{}{}
				}
			}
		}
	}
	return int64(len(names))
}

type SourceStats struct {
	Files        int64
	CodeLines    int64
	TestLines    int64
	CommentLines int64
	UnsafeBlocks int64
}

// ScanSources measures every .rs file under crateDir/src.
func ScanSources(crateDir string) (SourceStats, error) {
	var stats SourceStats
	src := filepath.Join(crateDir, "src")
	if _, err := os.Stat(src); err != nil {
		return stats, nil
	}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("could not walk directory")
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rs") {
			return nil
		}
		if stats.Files >= maxSourceFiles {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSourceSize {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		file := AnalyzeSource(content)
		stats.Files++
		stats.CodeLines += file.CodeLines
		stats.TestLines += file.TestLines
		stats.CommentLines += file.CommentLines
		stats.UnsafeBlocks += file.UnsafeBlocks
		return nil
	})
	return stats, err
}

// AnalyzeSource classifies the lines of one Rust file. Lines inside items
// marked #[test] or #[cfg(test)] count as test lines. The brace tracking is
// lexical: string literals containing braces can skew it.
func AnalyzeSource(content []byte) SourceStats {
	var stats SourceStats
	var depth int
	var inBlockComment bool
	testDepth := -1
	pendingTest := false

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), maxSourceSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		code, comment := splitComment(line, &inBlockComment)
		if comment {
			stats.CommentLines++
		}
		if code == "" {
			continue
		}

		if testDepth < 0 && testAttribute.MatchString(code) {
			pendingTest = true
		}
		inTest := testDepth >= 0 || pendingTest
		if inTest {
			stats.TestLines++
		} else {
			stats.CodeLines++
		}
		stats.UnsafeBlocks += int64(len(unsafeKeyword.FindAllStringIndex(code, -1)))

		for _, r := range code {
			switch r {
			case '{':
				if pendingTest && testDepth < 0 {
					testDepth = depth
					pendingTest = false
				}
				depth++
			case '}':
				depth--
				if depth == testDepth {
					testDepth = -1
				}
			}
		}
		// `#[cfg(test)] use foo;` and similar brace-less items
		if pendingTest && !strings.HasPrefix(code, "#") && strings.HasSuffix(code, ";") {
			pendingTest = false
		}
	}
	return stats
}

// splitComment strips comments from a trimmed line, tracking /* */ state
// across lines. It reports the remaining code and whether a comment was seen.
func splitComment(line string, inBlock *bool) (string, bool) {
	var code strings.Builder
	comment := false
	for i := 0; i < len(line); {
		if *inBlock {
			comment = true
			end := strings.Index(line[i:], "*/")
			if end < 0 {
				return strings.TrimSpace(code.String()), true
			}
			i += end + 2
			*inBlock = false
			continue
		}
		rest := line[i:]
		switch {
		case strings.HasPrefix(rest, "//"):
			return strings.TrimSpace(code.String()), true
		case strings.HasPrefix(rest, "/*"):
			*inBlock = true
			comment = true
			i += 2
		case rest[0] == '"':
			end := closingQuote(rest)
			code.WriteString(rest[:end])
			i += end
		default:
			code.WriteByte(rest[0])
			i++
		}
	}
	return strings.TrimSpace(code.String()), comment
}

// closingQuote returns the length of the string literal that starts s.
func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return len(s)
}

type WorkflowStats struct {
	Files  int64
	Miri   bool
	Clippy bool
}

// ScanWorkflows inspects the GitHub Actions workflows of a checkout for miri
// and clippy runs.
func ScanWorkflows(repoDir string) WorkflowStats {
	var stats WorkflowStats
	dir := filepath.Join(repoDir, ".github", "workflows")

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		if stats.Files >= maxWorkflowFiles {
			log.Warn().Str("dir", dir).Int("limit", maxWorkflowFiles).Msg("workflow file limit reached")
			return filepath.SkipAll
		}
		stats.Files++

		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		miri, clippy := workflowTools(content)
		stats.Miri = stats.Miri || miri
		stats.Clippy = stats.Clippy || clippy
		return nil
	})
	return stats
}

// workflowTools looks for miri and clippy in every scalar of the workflow.
// Files that are not valid YAML are searched as plain text.
func workflowTools(content []byte) (miri, clippy bool) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		text := strings.ToLower(string(content))
		return strings.Contains(text, "miri"), strings.Contains(text, "clippy")
	}

	var walk func(n *yaml.Node)
	walk = func(n *yaml.Node) {
		if n.Kind == yaml.ScalarNode {
			v := strings.ToLower(n.Value)
			miri = miri || strings.Contains(v, "miri")
			clippy = clippy || strings.Contains(v, "clippy")
		}
		for _, c := range n.Content {
			walk(c)
		}
	}
	walk(&doc)
	return miri, clippy
}
