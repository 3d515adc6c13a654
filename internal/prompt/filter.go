package prompt

import (
	"regexp"
	"strings"
)

// fillerWords are low-content tokens stripped before Facts prompt assembly.
// Matching is case-insensitive on whole words.
var fillerWords = map[string]struct{}{
	"um":        {},
	"uh":        {},
	"erm":       {},
	"hmm":       {},
	"mhm":       {},
	"uhh":       {},
	"umm":       {},
	"like":      {},
	"y'know":    {},
	"basically": {},
}

// speakerTagRE matches leading speaker labels such as "Alice:" or
// "[Speaker 2]" at the start of a line.
var speakerTagRE = regexp.MustCompile(`(?m)^\s*(\[[^\]]{1,40}\]|[A-Za-z][\w .'-]{0,38}:)\s*`)

// FilterConfig tunes [FilterTranscript]. The zero value keeps everything
// except fillers, speaker tags, and redundant whitespace.
type FilterConfig struct {
	// MaxTokens truncates the result to the most recent MaxTokens tokens.
	// Zero disables truncation.
	MaxTokens int

	// Counter measures tokens for truncation.
	Counter Counter
}

// FilterTranscript cleans raw transcript text for prompt use: speaker tags
// are dropped, filler words removed, whitespace collapsed, and the result
// truncated to the most recent MaxTokens tokens. Deterministic and
// idempotent: filtering an already-filtered string is a no-op.
func FilterTranscript(text string, cfg FilterConfig) string {
	if text == "" {
		return ""
	}

	text = speakerTagRE.ReplaceAllString(text, "")

	words := strings.Fields(text)
	kept := words[:0]
	for _, w := range words {
		bare := strings.ToLower(strings.Trim(w, ".,!?;"))
		if _, filler := fillerWords[bare]; filler {
			continue
		}
		kept = append(kept, w)
	}

	if cfg.MaxTokens > 0 {
		kept = truncateToRecentTokens(kept, cfg.MaxTokens, cfg.Counter)
	}
	return strings.Join(kept, " ")
}

// truncateToRecentTokens keeps the longest suffix of words whose token count
// fits within maxTokens. The suffix is re-measured joined, since per-word
// sums drift from the joined measurement at small ratios.
func truncateToRecentTokens(words []string, maxTokens int, c Counter) []string {
	start := len(words)
	for i := len(words) - 1; i >= 0; i-- {
		if c.Count(strings.Join(words[i:], " ")) > maxTokens {
			break
		}
		start = i
	}
	return words[start:]
}
