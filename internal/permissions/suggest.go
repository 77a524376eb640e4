package permissions

import (
	"path"
	"strings"
)

// SuggestPatterns synthesizes grant options for a denied vault-relative
// path, ordered narrowest to broadest: the file itself, its folder, the
// folder with descendants, the top-level directory, the whole vault. The
// UI offers these as graduated grants.
func SuggestPatterns(rel string) []string {
	rel = strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), "/")
	if rel == "" || rel == "." {
		return []string{"**"}
	}

	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	add(rel)
	dir := path.Dir(rel)
	if dir != "." {
		add(dir + "/*")
		add(dir + "/**")
		if top, _, found := strings.Cut(rel, "/"); found {
			add(top + "/**")
		}
	}
	add("**")
	return out
}
