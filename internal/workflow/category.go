package workflow

import (
	"strings"
)

// FallbackCategory is used when the classifier answer is empty or not in
// the closed list.
const FallbackCategory = "Other"

// ParseCategory reads the classifier output. Only the first non-blank line
// counts, matched case-insensitively against categories.
func ParseCategory(output string, categories []string) string {
	line := strings.TrimSpace(output)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.Trim(strings.TrimSpace(line), `"'*.`))
	if line == "" {
		return FallbackCategory
	}
	for _, c := range categories {
		if strings.EqualFold(c, line) {
			return c
		}
	}
	return FallbackCategory
}
