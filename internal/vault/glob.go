package vault

import (
	"regexp"
	"strings"
)

// compileGlob converts a glob pattern to a regexp. `**` crosses path
// separators, `*` stays within one segment, `?` matches a single byte.
// Matching is case-insensitive.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	p := strings.ToLower(pattern)
	for i := 0; i < len(p); i++ {
		ch := p[i]
		switch ch {
		case '*':
			if i+1 < len(p) && p[i+1] == '*' {
				i++
				if i+1 < len(p) && p[i+1] == '/' {
					// "**/" crosses zero or more whole segments
					b.WriteString("(?:.*/)?")
					i++
				} else {
					b.WriteString(".*")
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString(".")
		case '.', '+', '^', '$', '{', '}', '(', ')', '[', ']', '|', '\\':
			b.WriteString("\\")
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}

	b.WriteString("$")
	return regexp.Compile(b.String())
}

// MatchGlob reports whether path matches the glob pattern. Invalid patterns
// never match.
func MatchGlob(pattern, path string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(strings.ToLower(path))
}

// MatchAny reports whether path matches any of the patterns, returning the
// first hit.
func MatchAny(patterns []string, path string) (string, bool) {
	lower := strings.ToLower(path)
	for _, pattern := range patterns {
		re, err := compileGlob(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(lower) {
			return pattern, true
		}
	}
	return "", false
}

// GlobBase strips a trailing `/**` or `/*` suffix, returning the directory
// part a mount can be built from. A bare `**` collapses to ".".
func GlobBase(pattern string) string {
	p := strings.TrimSuffix(pattern, "/**")
	p = strings.TrimSuffix(p, "/*")
	if p == "**" || p == "*" || p == "" {
		return "."
	}
	return p
}
