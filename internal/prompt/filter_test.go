package prompt

import (
	"strings"
	"testing"
)

func TestFilterTranscript(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"fillers stripped", "um so the, uh, venue opens at nine", "so the, venue opens at nine"},
		{"whitespace collapsed", "doors   open\n\nat   nine", "doors open at nine"},
		{"speaker tag dropped", "Alice: the keynote starts soon", "the keynote starts soon"},
		{"bracket tag dropped", "[Speaker 2] please check your badges", "please check your badges"},
		{"plain text unchanged", "the keynote starts at ten", "the keynote starts at ten"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FilterTranscript(tt.in, FilterConfig{}); got != tt.want {
				t.Errorf("FilterTranscript(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFilterTranscriptIdempotent(t *testing.T) {
	in := "Bob: um well the, uh,   schedule   moved to [Hall B] yes"
	once := FilterTranscript(in, FilterConfig{})
	twice := FilterTranscript(once, FilterConfig{})
	if once != twice {
		t.Errorf("not idempotent: first %q, second %q", once, twice)
	}
}

func TestFilterTranscriptTruncates(t *testing.T) {
	words := make([]string, 200)
	for i := range words {
		words[i] = "word"
	}
	in := strings.Join(words, " ")

	cfg := FilterConfig{MaxTokens: 10}
	got := FilterTranscript(in, cfg)

	if n := cfg.Counter.Count(got); n > 10 {
		t.Errorf("truncated text counts %d tokens, want <= 10", n)
	}
	if got == "" {
		t.Error("truncation removed everything")
	}
	if !strings.HasSuffix(in, got) {
		t.Error("truncation must keep the most recent suffix")
	}
}
