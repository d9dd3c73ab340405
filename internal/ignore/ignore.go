// Package ignore excludes corpus paths using gitignore-style rules.
//
// Rules come from a .lodestoneignore file at the corpus root, falling
// back to .gitignore when no .lodestoneignore exists. Matching follows
// the gitignore syntax: last matching rule wins, a leading ! negates,
// a trailing / restricts the rule to directories.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// RuleFile is the lodestone-specific ignore file name.
const RuleFile = ".lodestoneignore"

// Ruleset holds compiled ignore rules for one corpus root.
type Ruleset struct {
	rules []rule
}

type rule struct {
	re       *regexp.Regexp
	negated  bool
	dirOnly  bool
	anchored bool
}

// Load reads ignore rules for root. A .lodestoneignore file takes
// precedence; otherwise .gitignore is used. No file at all yields an
// empty ruleset that ignores nothing.
func Load(root string) (*Ruleset, error) {
	for _, name := range []string{RuleFile, ".gitignore"} {
		path := filepath.Join(root, name)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("open ignore file: %w", err)
		}
		defer f.Close()

		rs := &Ruleset{}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			rs.Add(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read ignore file: %w", err)
		}
		return rs, nil
	}
	return &Ruleset{}, nil
}

// Add compiles one pattern line into the ruleset. Blank lines and
// comments are dropped.
func (rs *Ruleset) Add(line string) {
	pattern := strings.TrimSpace(line)
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return
	}

	var r rule
	if strings.HasPrefix(pattern, "!") {
		r.negated = true
		pattern = pattern[1:]
	}
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	} else if strings.Contains(pattern, "/") {
		// An internal slash anchors the rule to the root, per gitignore.
		r.anchored = true
	}

	r.re = regexp.MustCompile("^" + globToRegex(pattern) + "$")
	rs.rules = append(rs.rules, r)
}

// Ignored reports whether rel (slash-separated, relative to the corpus
// root) should be excluded. Later rules override earlier ones.
func (rs *Ruleset) Ignored(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	ignored := false
	for _, r := range rs.rules {
		if r.matches(rel, isDir) {
			ignored = !r.negated
		}
	}
	return ignored
}

func (r rule) matches(rel string, isDir bool) bool {
	parts := strings.Split(rel, "/")

	if r.anchored {
		if r.re.MatchString(rel) {
			return !r.dirOnly || isDir
		}
		if r.dirOnly {
			// A matched directory ignores everything beneath it.
			for i := 1; i < len(parts); i++ {
				if r.re.MatchString(strings.Join(parts[:i], "/")) {
					return true
				}
			}
		}
		return false
	}

	if r.dirOnly {
		for i, part := range parts {
			if r.re.MatchString(part) {
				return i < len(parts)-1 || isDir
			}
		}
		return false
	}

	if r.re.MatchString(rel) {
		return true
	}
	for _, part := range parts {
		if r.re.MatchString(part) {
			return true
		}
	}
	return false
}

// globToRegex converts one gitignore glob to a regex fragment. ** spans
// directories, * and ? stop at slashes.
func globToRegex(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		switch c := pattern[i]; c {
		case '*':
			if strings.HasPrefix(pattern[i:], "**/") {
				b.WriteString("(?:.*/)?")
				i += 3
			} else if strings.HasPrefix(pattern[i:], "**") {
				b.WriteString(".*")
				i += 2
			} else {
				b.WriteString("[^/]*")
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		case '\\':
			if i+1 < len(pattern) {
				b.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i += 2
			} else {
				b.WriteString(`\\`)
				i++
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	return b.String()
}
