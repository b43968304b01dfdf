package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCompile_SkipsBlanksAndComments(t *testing.T) {
	rs := Compile([]string{
		"",
		"   ",
		"# a comment",
		"build",
		"  cache  ",
		"# another",
	})
	if got := rs.Len(); got != 2 {
		t.Errorf("Len() = %d; want 2", got)
	}
	if !rs.Matches("build") {
		t.Errorf("Matches(\"build\") = false; want true")
	}
	if !rs.Matches("cache") {
		t.Errorf("Matches(\"cache\") = false; want true, pattern whitespace should be trimmed")
	}
	if rs.Matches("# a comment") {
		t.Errorf("comment line must not become a rule")
	}
}

func TestRuleSet_Matches(t *testing.T) {
	tests := []struct {
		name    string
		rules   []string
		path    string
		matches bool
	}{
		// Literal rules: exact and leading-directory containment.
		{"LiteralExact", []string{"build"}, "build", true},
		{"LiteralContainment", []string{"build"}, "build/obj/a.o", true},
		{"LiteralSiblingPrefix", []string{"build"}, "build-tools/a.o", false},
		{"LiteralNested", []string{"docs/internal"}, "docs/internal/notes.md", true},
		{"LiteralNestedParentOnly", []string{"docs/internal"}, "docs/readme.md", false},
		{"LiteralNotAnchoredAtTail", []string{"internal"}, "docs/internal/notes.md", false},

		// Trailing slash and leading ./ are normalized away.
		{"TrailingSlash", []string{"build/"}, "build/a.o", true},
		{"LeadingDotSlash", []string{"./build"}, "build", true},

		// Star spans any run of characters, including separators.
		{"StarSuffix", []string{"*.log"}, "app.log", true},
		{"StarSuffixNested", []string{"*.log"}, "logs/app.log", true},
		{"StarSuffixNoMatch", []string{"*.log"}, "app.log.1", false},
		{"StarPrefix", []string{"cache-*"}, "cache-v2/obj.bin", true},
		{"StarMiddle", []string{"tmp*data"}, "tmpXYZdata", true},

		// Question mark matches exactly one character.
		{"QuestionMark", []string{"v?"}, "v1", true},
		{"QuestionMarkTooLong", []string{"v?"}, "v12", false},
		{"QuestionMarkContainment", []string{"v?"}, "v1/file.txt", true},

		// Anchoring at the start of the relative path.
		{"AnchoredStart", []string{"log"}, "var/log", false},

		// Matching is case-sensitive on the normalized key.
		{"CaseSensitive", []string{"Build"}, "build", false},

		// Regex metacharacters in patterns are matched literally.
		{"DotIsLiteral", []string{"a.c"}, "abc", false},
		{"DotIsLiteralExact", []string{"a.c"}, "a.c", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := Compile(tt.rules)
			if got := rs.Matches(tt.path); got != tt.matches {
				t.Errorf("Compile(%v).Matches(%q) = %v; want %v", tt.rules, tt.path, got, tt.matches)
			}
		})
	}
}

// TestRuleSet_BackupScenario pins the canonical exclusion example: with rule
// "dir", only top-level files outside dir survive.
func TestRuleSet_BackupScenario(t *testing.T) {
	rs := Compile([]string{"dir"})

	if rs.Matches("a.txt") {
		t.Errorf("a.txt must not be ignored")
	}
	if !rs.Matches("dir") {
		t.Errorf("dir itself must be ignored so the walker prunes descent")
	}
	if !rs.Matches("dir/b.txt") {
		t.Errorf("dir/b.txt must be ignored")
	}
}

func TestRuleSet_EmptyAndNil(t *testing.T) {
	var nilSet *RuleSet
	if nilSet.Matches("anything") {
		t.Errorf("nil RuleSet must match nothing")
	}
	if nilSet.Len() != 0 {
		t.Errorf("nil RuleSet Len() = %d; want 0", nilSet.Len())
	}

	empty := Compile(nil)
	if empty.Matches("anything") {
		t.Errorf("empty RuleSet must match nothing")
	}
	if empty.Len() != 0 {
		t.Errorf("empty RuleSet Len() = %d; want 0", empty.Len())
	}
}

func TestLoad(t *testing.T) {
	t.Run("Missing File", func(t *testing.T) {
		rs, err := Load(filepath.Join(t.TempDir(), "no-such-ignore-file"))
		if err != nil {
			t.Fatalf("Load on missing file returned error: %v", err)
		}
		if rs.Len() != 0 {
			t.Errorf("missing file should yield an empty rule set, got %d rules", rs.Len())
		}
	})

	t.Run("Valid File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ignorefile")
		content := "# system dirs\nbuild\n\n*.tmp\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("could not write test ignore file: %v", err)
		}

		rs, err := Load(path)
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}
		if rs.Len() != 2 {
			t.Errorf("Len() = %d; want 2", rs.Len())
		}
		if !rs.Matches("build/a.o") {
			t.Errorf("expected build/a.o to be ignored")
		}
		if !rs.Matches("x/y.tmp") {
			t.Errorf("expected x/y.tmp to be ignored")
		}
		if rs.Matches("src/main.go") {
			t.Errorf("src/main.go must not be ignored")
		}
	})
}

func TestLoadWith(t *testing.T) {
	t.Run("Merges File and Extra Rules", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), IgnoreFileName)
		if err := os.WriteFile(path, []byte("build\n"), 0o644); err != nil {
			t.Fatalf("could not write test ignore file: %v", err)
		}

		rs, err := LoadWith(path, []string{"*.log", "build"})
		if err != nil {
			t.Fatalf("LoadWith returned error: %v", err)
		}
		if !rs.Matches("build/a.o") {
			t.Errorf("file rule was dropped during merge")
		}
		if !rs.Matches("run.log") {
			t.Errorf("extra rule was dropped during merge")
		}
		if rs.Len() != 2 {
			t.Errorf("duplicate literal rule should collapse, Len() = %d; want 2", rs.Len())
		}
	})

	t.Run("Missing File Keeps Extra Rules", func(t *testing.T) {
		rs, err := LoadWith(filepath.Join(t.TempDir(), IgnoreFileName), []string{"cache"})
		if err != nil {
			t.Fatalf("LoadWith returned error: %v", err)
		}
		if !rs.Matches("cache/entry") {
			t.Errorf("extra rules must apply even without an ignore file")
		}
	})
}
