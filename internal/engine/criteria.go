package engine

import (
	"regexp"
	"strings"
)

var (
	listItemRe = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(?:\[[ xX]\]\s+)?(.+)$`)
	acLineRe   = regexp.MustCompile(`(?i)^\s*(?:[-*+]\s+)?AC\s*\d*\s*:\s*(.+)$`)
)

// ParseAcceptanceCriteria extracts criteria from a story description: list
// items under a heading that mentions "acceptance criteria", and any line
// prefixed with "AC:". Duplicates are dropped, order is kept.
func ParseAcceptanceCriteria(description string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c == "" || seen[strings.ToLower(c)] {
			return
		}
		seen[strings.ToLower(c)] = true
		out = append(out, c)
	}

	inSection := false
	for _, line := range strings.Split(description, "\n") {
		if m := acLineRe.FindStringSubmatch(line); m != nil {
			add(m[1])
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := listItemRe.FindStringSubmatch(line); m != nil {
			if inSection {
				add(m[1])
			}
			continue
		}
		// Any other line is a heading or prose and opens or closes a section.
		inSection = strings.Contains(strings.ToLower(trimmed), "acceptance criteria")
	}
	return out
}
