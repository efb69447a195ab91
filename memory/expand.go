package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/nim-recall/memory/text"
)

// ErrExpansionThrottled is returned by Expand when the user's expansion
// budget is spent. Retrieval degrades exactly as on a timeout.
var ErrExpansionThrottled = errors.New("query expansion throttled")

const maxVariants = 3

// Expander asks a Generator for alternative phrasings of a query.
type Expander struct {
	gen Generator
}

// NewExpander returns an Expander backed by gen.
func NewExpander(gen Generator) *Expander {
	return &Expander{gen: gen}
}

// Expand returns the query followed by up to max-1 distinct variants.
//
// The result always holds at least the original query. A non-nil error
// reports why expansion degraded to the original alone; callers log it and
// carry on.
func (e *Expander) Expand(ctx context.Context, query string, max int, timeout time.Duration, limiter *rate.Limiter) ([]string, error) {
	if max > maxVariants {
		max = maxVariants
	}
	original := []string{query}
	if e == nil || e.gen == nil || max <= 1 {
		return original, nil
	}
	if limiter != nil && !limiter.Allow() {
		return original, ErrExpansionThrottled
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := e.gen.Generate(ctx, expansionPrompt(query, max-1))
	if err == nil && ctx.Err() != nil {
		// Late answers are discarded.
		err = ctx.Err()
	}
	if err != nil {
		return original, err
	}

	variants := mergeVariants(query, parseVariants(out), max)
	if len(variants) == 1 {
		return variants, fmt.Errorf("generator returned no usable variants")
	}
	return variants, nil
}

func expansionPrompt(query string, n int) string {
	var b strings.Builder
	b.WriteString("You help a personal assistant search its memory of a user.\n")
	fmt.Fprintf(&b, "Rewrite the search query below in %d different ways that could match how the fact was originally stated. ", n)
	b.WriteString("Keep each rewrite short and in the first person where the query is about the user.\n")
	b.WriteString("Respond with a JSON array of strings and nothing else.\n\n")
	fmt.Fprintf(&b, "Query: %s\n", query)
	return b.String()
}

// parseVariants reads a JSON array of strings, tolerating a surrounding
// code fence, and falls back to one variant per line.
func parseVariants(out string) []string {
	s := strings.TrimSpace(out)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	if start, end := strings.Index(s, "["), strings.LastIndex(s, "]"); start >= 0 && end > start {
		var arr []string
		if err := json.Unmarshal([]byte(s[start:end+1]), &arr); err == nil {
			return arr
		}
	}

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789.) ")
		line = strings.Trim(line, `"'`)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// mergeVariants puts the query first and drops blanks and duplicates by
// normalized text, keeping at most max entries.
func mergeVariants(query string, variants []string, max int) []string {
	seen := map[string]bool{text.Normalize(query): true}
	out := []string{query}
	for _, v := range variants {
		if len(out) >= max {
			break
		}
		v = strings.TrimSpace(v)
		norm := text.Normalize(v)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, v)
	}
	return out
}

// newExpansionLimiter returns nil when the rate is unlimited.
func newExpansionLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
