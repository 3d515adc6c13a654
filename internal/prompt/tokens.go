// Package prompt assembles token-budgeted prompt context for the Cards and
// Facts agents.
//
// The package is purely functional: builders and the budgeter operate on
// runtime snapshots and return values, never touching stores or sessions.
// Token counts come from a deterministic [Counter] so budgets are exactly
// reproducible across runs and in tests.
package prompt

import (
	"strings"
	"unicode"
)

// defaultCharsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common LLM
// tokenizers. This avoids pulling in a tokenizer dependency while staying
// deterministic.
const defaultCharsPerToken = 4

// Counter is a deterministic token counter: a pure function of a string and
// the counter configuration. The zero value uses the standard ratio.
type Counter struct {
	// CharsPerToken overrides the character/token ratio. Zero selects the
	// default of 4.
	CharsPerToken int
}

// Count returns the estimated token count for s. Whitespace runs collapse to
// a single separator before measuring so counts do not depend on formatting.
func (c Counter) Count(s string) int {
	ratio := c.CharsPerToken
	if ratio <= 0 {
		ratio = defaultCharsPerToken
	}

	chars := 0
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace && chars > 0 {
				chars++
			}
			inSpace = true
			continue
		}
		inSpace = false
		chars++
	}

	tokens := chars / ratio
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

// CountAll returns the summed token count of parts joined by single spaces.
func (c Counter) CountAll(parts ...string) int {
	return c.Count(strings.Join(parts, " "))
}

// Breakdown reports token usage per prompt section.
type Breakdown struct {
	Total      int `json:"total"`
	System     int `json:"system"`
	History    int `json:"history"`
	Facts      int `json:"facts"`
	Glossary   int `json:"glossary"`
	Transcript int `json:"transcript"`
}
