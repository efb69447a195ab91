package memory

import (
	"fmt"
	"strings"
)

// formatBudget is the total character budget of a Format block.
const formatBudget = 2000

// Format renders results as a numbered block for prompt injection.
// It returns "" for no results.
func Format(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	maxLen := formatBudget / len(results)
	if maxLen < 100 {
		maxLen = 100
	}

	var b strings.Builder
	b.WriteString("=== RELEVANT MEMORIES ===\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, strings.ToLower(r.Category.String()), truncate(r.Text, maxLen))
		if r.IsRecent {
			b.WriteString(" (recent)")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// truncate shortens s to at most n runes, marking the cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
