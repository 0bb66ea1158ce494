package gate

import (
	"path"
	"strings"
)

// PathMatcher is a compiled list of forbidden-path patterns. The pattern
// language is deliberately small:
//
//   - a trailing "/" matches the directory and everything under it;
//   - "*" is a glob-style wildcard within a path segment;
//   - otherwise the pattern matches exactly, or as a path prefix ending at
//     a separator.
type PathMatcher struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	raw       string
	dirPrefix string // non-empty for trailing-slash patterns
	glob      bool
}

// NewPathMatcher compiles the forbidden_paths entries of a descriptor.
func NewPathMatcher(patterns []string) *PathMatcher {
	m := &PathMatcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		cp := compiledPattern{raw: strings.TrimSuffix(p, "/")}
		if strings.HasSuffix(p, "/") {
			cp.dirPrefix = cp.raw + "/"
		}
		cp.glob = strings.Contains(p, "*")
		m.patterns = append(m.patterns, cp)
	}
	return m
}

// Match reports whether rel (a slash-separated path relative to the project
// root) hits any forbidden pattern, and which one.
func (m *PathMatcher) Match(rel string) (string, bool) {
	rel = strings.TrimPrefix(path.Clean(rel), "./")
	for _, cp := range m.patterns {
		if cp.matches(rel) {
			return cp.raw, true
		}
	}
	return "", false
}

func (cp compiledPattern) matches(rel string) bool {
	if cp.dirPrefix != "" {
		return rel == cp.raw || strings.HasPrefix(rel, cp.dirPrefix)
	}
	if cp.glob {
		// path.Match is segment-scoped; also try it against the final
		// segment so "*.env" style patterns catch nested files.
		if ok, _ := path.Match(cp.raw, rel); ok {
			return true
		}
		if ok, _ := path.Match(cp.raw, path.Base(rel)); ok {
			return true
		}
		return false
	}
	return rel == cp.raw || strings.HasPrefix(rel, cp.raw+"/")
}
