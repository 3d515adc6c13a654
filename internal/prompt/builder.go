package prompt

import (
	"fmt"
	"strings"

	"github.com/stagehand-live/stagehand/pkg/types"
)

// Snapshot is the runtime state a build reads. Builders never mutate it.
type Snapshot struct {
	// SystemPrompt is the agent's base instruction text.
	SystemPrompt string

	// RecentTranscript is the raw recent transcript window from the ring
	// buffer, oldest first.
	RecentTranscript string

	// Facts are the prompt-eligible facts (exclude_from_prompt already
	// filtered out by the caller).
	Facts []types.Fact

	// Glossary is the cached read-only glossary for the event.
	Glossary []types.GlossaryEntry

	// History holds recent prior agent outputs, oldest first.
	History []string
}

// FactView is the per-fact payload exposed in a Cards context.
type FactView struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// CardsContext is the assembled prompt material for one Cards dispatch.
type CardsContext struct {
	Bullets         []string            `json:"bullets"`
	Facts           map[string]FactView `json:"facts"`
	GlossaryContext string              `json:"glossary_context"`

	Tokens Breakdown `json:"tokens"`
}

// FactsContext is the assembled prompt material for one Facts dispatch.
type FactsContext struct {
	Context    string `json:"context"`
	RecentText string `json:"recent_text"`

	Tokens Breakdown `json:"tokens"`
}

// BuilderConfig tunes context assembly.
type BuilderConfig struct {
	// Counter measures every section.
	Counter Counter

	// MaxGlossaryEntries caps the glossary entries rendered into a context.
	// Zero selects the default of 20.
	MaxGlossaryEntries int

	// MaxHistoryEntries caps rendered history lines. Zero selects 10.
	MaxHistoryEntries int

	// Filter configures the Facts-path transcript cleanup.
	Filter FilterConfig
}

// Builder assembles prompt contexts from runtime snapshots. Pure: two builds
// over the same snapshot produce identical contexts and token breakdowns.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder creates a builder with the given configuration.
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.MaxGlossaryEntries <= 0 {
		cfg.MaxGlossaryEntries = 20
	}
	if cfg.MaxHistoryEntries <= 0 {
		cfg.MaxHistoryEntries = 10
	}
	return &Builder{cfg: cfg}
}

// BuildCardsContext assembles the Cards prompt for currentText, the chunk
// text that triggered the dispatch.
func (b *Builder) BuildCardsContext(snap Snapshot, currentText string) CardsContext {
	ctx := CardsContext{
		Facts:           make(map[string]FactView, len(snap.Facts)),
		GlossaryContext: b.renderGlossary(snap.Glossary),
	}

	factLines := make([]string, 0, len(snap.Facts))
	for _, f := range snap.Facts {
		v := factValueString(f)
		ctx.Facts[f.Key] = FactView{Value: v, Confidence: f.Confidence}
		factLines = append(factLines, fmt.Sprintf("%s: %s (%.2f)", f.Key, v, f.Confidence))
	}

	history := snap.History
	if len(history) > b.cfg.MaxHistoryEntries {
		history = history[len(history)-b.cfg.MaxHistoryEntries:]
	}

	ctx.Bullets = append(ctx.Bullets, "Current: "+currentText)
	if snap.RecentTranscript != "" {
		ctx.Bullets = append(ctx.Bullets, "Recent: "+snap.RecentTranscript)
	}
	for _, line := range factLines {
		ctx.Bullets = append(ctx.Bullets, "Fact: "+line)
	}

	c := b.cfg.Counter
	ctx.Tokens = Breakdown{
		System:     c.Count(snap.SystemPrompt),
		History:    c.Count(strings.Join(history, "\n")),
		Facts:      c.Count(strings.Join(factLines, "\n")),
		Glossary:   c.Count(ctx.GlossaryContext),
		Transcript: c.CountAll(snap.RecentTranscript, currentText),
	}
	ctx.Tokens.Total = ctx.Tokens.System + ctx.Tokens.History + ctx.Tokens.Facts +
		ctx.Tokens.Glossary + ctx.Tokens.Transcript
	return ctx
}

// BuildFactsContext assembles the Facts prompt. The transcript window is
// passed through the configured filter before measurement.
func (b *Builder) BuildFactsContext(snap Snapshot) FactsContext {
	recent := FilterTranscript(snap.RecentTranscript, b.cfg.Filter)
	glossary := b.renderGlossary(snap.Glossary)

	factLines := make([]string, 0, len(snap.Facts))
	for _, f := range snap.Facts {
		factLines = append(factLines, fmt.Sprintf("%s: %s (%.2f)", f.Key, factValueString(f), f.Confidence))
	}

	var sb strings.Builder
	if len(factLines) > 0 {
		sb.WriteString("Known facts:\n")
		sb.WriteString(strings.Join(factLines, "\n"))
	}
	if glossary != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("Glossary:\n")
		sb.WriteString(glossary)
	}

	c := b.cfg.Counter
	out := FactsContext{
		Context:    sb.String(),
		RecentText: recent,
		Tokens: Breakdown{
			System:     c.Count(snap.SystemPrompt),
			Facts:      c.Count(strings.Join(factLines, "\n")),
			Glossary:   c.Count(glossary),
			Transcript: c.Count(recent),
		},
	}
	out.Tokens.Total = out.Tokens.System + out.Tokens.Facts + out.Tokens.Glossary + out.Tokens.Transcript
	return out
}

// renderGlossary formats up to MaxGlossaryEntries as "term: definition" lines.
func (b *Builder) renderGlossary(entries []types.GlossaryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	if len(entries) > b.cfg.MaxGlossaryEntries {
		entries = entries[:b.cfg.MaxGlossaryEntries]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Term+": "+e.Definition)
	}
	return strings.Join(lines, "\n")
}

// factValueString renders a fact value for prompt text. JSON strings lose
// their quotes; other values keep their raw JSON form.
func factValueString(f types.Fact) string {
	s := strings.TrimSpace(string(f.Value))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
