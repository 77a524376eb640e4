package permissions

import (
	"regexp"
	"strings"
)

// dangerousShell are command shapes rejected at every trust level,
// including direct.
var dangerousShell = []*regexp.Regexp{
	regexp.MustCompile(`(^|\s)sudo(\s|$)`),
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-?[rRf]+[a-zA-Z]*\s+/(\s|$|\*)`),
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-?[rRf]+[a-zA-Z]*\s+~`),
	regexp.MustCompile(`:\(\)\s*\{.*:\|:.*\}`), // fork bomb
	regexp.MustCompile(`(^|\s|;|&|\|)mkfs`),
	regexp.MustCompile(`(^|\s|;|&|\|)dd\s+if=`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`chmod\s+(-[a-zA-Z]*\s+)*-?R[a-zA-Z]*\s+777\s+/`),
}

// DangerousCommand reports whether the shell command matches a pattern
// that is never allowed, and which pattern tripped.
func DangerousCommand(command string) (string, bool) {
	c := strings.TrimSpace(command)
	if c == "" {
		return "", false
	}
	for _, re := range dangerousShell {
		if re.MatchString(c) {
			return re.String(), true
		}
	}
	return "", false
}
