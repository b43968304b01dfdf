// Package ignore compiles backup ignore rules into a matcher shared by
// enumeration, change detection, and restore. A rule matches a relative
// path either exactly or as a leading directory, so "build" excludes both
// the path "build" and everything under "build/". Patterns support '*'
// (any run of characters) and '?' (a single character) and are anchored
// at the start of the relative path.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// IgnoreFileName is the optional per-source rule file. It lives in the
// root of the source directory and uses one rule per line.
const IgnoreFileName = ".pgl-snapshot-ignore"

// compiledRule is a single wildcard rule in its matchable form.
type compiledRule struct {
	rule    string         // original pattern, for logging
	exact   *regexp.Regexp // anchored whole-path match
	contain *regexp.Regexp // anchored "<pattern>/" leading-directory match
}

// RuleSet is the compiled, immutable form of an ignore rule list.
// It is safe for concurrent use once compiled.
type RuleSet struct {
	// literals holds wildcard-free rules (plus any rule degraded to
	// literal matching); hit via O(1) lookups on the path and each of
	// its leading directories.
	literals map[string]struct{}
	// wildcards holds rules containing '*' or '?'.
	wildcards []compiledRule
	count     int
}

// Compile builds a RuleSet from raw rule lines. Blank lines and lines
// starting with '#' are skipped. Compile never fails: a pattern the
// regexp engine rejects degrades to a literal string match.
func Compile(lines []string) *RuleSet {
	rs := &RuleSet{literals: make(map[string]struct{})}
	for _, line := range lines {
		rule := strings.TrimSpace(line)
		if rule == "" || strings.HasPrefix(rule, "#") {
			continue
		}

		// "build/" and "./build" name the same subtree as "build".
		rule = util.NormalizePath(rule)
		if rule == "" {
			continue
		}

		if !strings.ContainsAny(rule, "*?") {
			rs.addLiteral(rule)
			continue
		}

		exact, contain, err := translate(rule)
		if err != nil {
			plog.Warn("Ignore pattern could not be compiled, matching it literally", "pattern", rule, "error", err)
			rs.addLiteral(rule)
			continue
		}
		rs.wildcards = append(rs.wildcards, compiledRule{rule: rule, exact: exact, contain: contain})
		rs.count++
	}
	return rs
}

func (rs *RuleSet) addLiteral(rule string) {
	if _, dup := rs.literals[rule]; dup {
		return
	}
	rs.literals[rule] = struct{}{}
	rs.count++
}

// Load reads an ignore file and compiles it. A missing file yields an
// empty rule set, not an error.
func Load(path string) (*RuleSet, error) {
	return LoadWith(path, nil)
}

// LoadWith reads an ignore file and compiles it together with extra
// rules, typically patterns from the configuration. Duplicates collapse
// during compilation. A missing file contributes nothing.
func LoadWith(path string, extra []string) (*RuleSet, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	return Compile(append(lines, extra...)), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not open ignore file %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read ignore file %s: %w", path, err)
	}
	return lines, nil
}

// Matches reports whether the given relative path is excluded. The path
// itself and every leading directory of it are candidates, so a rule
// matching a directory also covers everything inside it.
func (rs *RuleSet) Matches(relPath string) bool {
	if rs == nil || rs.count == 0 {
		return false
	}
	p := util.NormalizePath(relPath)
	if p == "" {
		return false
	}

	if _, ok := rs.literals[p]; ok {
		return true
	}
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if _, ok := rs.literals[p[:i]]; ok {
				return true
			}
		}
	}

	for _, cr := range rs.wildcards {
		if cr.exact.MatchString(p) || cr.contain.MatchString(p) {
			return true
		}
	}
	return false
}

// Len returns the number of active rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return rs.count
}

// translate converts a glob rule into its two anchored regexps: one for
// the whole-path match and one for the leading-directory match.
func translate(rule string) (exact, contain *regexp.Regexp, err error) {
	var b strings.Builder
	b.Grow(len(rule) + 8)
	for _, r := range rule {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	body := b.String()

	exact, err = regexp.Compile("^(?:" + body + ")$")
	if err != nil {
		return nil, nil, err
	}
	contain, err = regexp.Compile("^(?:" + body + ")/")
	if err != nil {
		return nil, nil, err
	}
	return exact, contain, nil
}
