package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/stagehand-live/stagehand/pkg/types"
)

// Default budgeting thresholds.
const (
	defaultTopK             = 50
	defaultHeadroomTokens   = 64
	defaultSimilarity       = 0.85
	defaultSummaryThreshold = 3
	defaultSelectedBoost    = 0.02
	defaultUnadmittedDecay  = 0.01
)

// BudgetInput carries one budgeting run's inputs.
type BudgetInput struct {
	Facts            []types.Fact
	RecentTranscript string

	// TotalBudgetTokens is the overall prompt ceiling. Transcript and
	// glossary costs are charged against it before facts are admitted.
	TotalBudgetTokens int
	TranscriptTokens  int
	GlossaryTokens    int
}

// MergeOperation records a key cluster collapsed into a representative.
type MergeOperation struct {
	Rep     string   `json:"rep"`
	Members []string `json:"members"`
}

// FactAdjustment is a post-run confidence delta for one fact key.
type FactAdjustment struct {
	Key   string  `json:"key"`
	Delta float64 `json:"delta"`
}

// BudgetMetrics summarises a budgeting run for telemetry.
type BudgetMetrics struct {
	Selected       int     `json:"selected"`
	TotalFacts     int     `json:"total_facts"`
	Summary        bool    `json:"summary"`
	MergedClusters int     `json:"merged_clusters"`
	Overflow       int     `json:"overflow"`
	UsedTokens     int     `json:"used_tokens"`
	BudgetTokens   int     `json:"budget_tokens"`
	SelectionRatio float64 `json:"selection_ratio"`
}

// BudgetResult is one budgeting run's output.
//
// SelectedFacts are the admitted facts before clustering; PromptFacts is what
// actually renders into the prompt (cluster representatives plus an optional
// summary line rendered as a synthetic fact).
type BudgetResult struct {
	SelectedFacts   []types.Fact     `json:"selected_facts"`
	PromptFacts     []types.Fact     `json:"prompt_facts"`
	FactAdjustments []FactAdjustment `json:"fact_adjustments"`
	MergeOperations []MergeOperation `json:"merge_operations"`
	Metrics         BudgetMetrics    `json:"metrics"`
}

// BudgeterConfig tunes the budgeting algorithm. Zero values select the
// defaults named on each field.
type BudgeterConfig struct {
	// Counter measures fact lines against the budget.
	Counter Counter

	// TopK pre-caps the candidate list after priority sort. Default 50.
	TopK int

	// HeadroomTokens is the safety margin held back from the budget.
	// Default 64.
	HeadroomTokens int

	// SimilarityThreshold is the key-similarity cutoff for clustering,
	// in [0, 1]. Default 0.85.
	SimilarityThreshold float64

	// SummaryThreshold is the minimum unadmitted-fact count that produces
	// a summary tail line. Default 3.
	SummaryThreshold int

	// SelectedBoost and UnadmittedDecay are the per-run confidence deltas.
	// Defaults +0.02 and 0.01.
	SelectedBoost   float64
	UnadmittedDecay float64
}

func (c BudgeterConfig) withDefaults() BudgeterConfig {
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	if c.HeadroomTokens <= 0 {
		c.HeadroomTokens = defaultHeadroomTokens
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = defaultSimilarity
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = defaultSummaryThreshold
	}
	if c.SelectedBoost == 0 {
		c.SelectedBoost = defaultSelectedBoost
	}
	if c.UnadmittedDecay == 0 {
		c.UnadmittedDecay = defaultUnadmittedDecay
	}
	return c
}

// Budgeter selects which facts fit a token budget. Pure and deterministic:
// identical inputs yield identical selections.
type Budgeter struct {
	cfg BudgeterConfig
}

// NewBudgeter creates a budgeter with the given configuration.
func NewBudgeter(cfg BudgeterConfig) *Budgeter {
	return &Budgeter{cfg: cfg.withDefaults()}
}

// Budget runs priority sort, top-K cap, greedy token fill, key clustering,
// and the summary tail over in.Facts.
func (b *Budgeter) Budget(in BudgetInput) BudgetResult {
	cfg := b.cfg
	res := BudgetResult{
		Metrics: BudgetMetrics{
			TotalFacts:   len(in.Facts),
			BudgetTokens: in.TotalBudgetTokens,
		},
	}

	candidates := make([]types.Fact, len(in.Facts))
	copy(candidates, in.Facts)
	sortByPriority(candidates)

	overflow := 0
	if len(candidates) > cfg.TopK {
		overflow = len(candidates) - cfg.TopK
		candidates = candidates[:cfg.TopK]
	}

	factBudget := in.TotalBudgetTokens - in.TranscriptTokens - in.GlossaryTokens - cfg.HeadroomTokens
	if factBudget < 0 {
		factBudget = 0
	}

	var (
		used       int
		unadmitted []types.Fact
	)
	for _, f := range candidates {
		cost := cfg.Counter.Count(FactLine(f))
		if used+cost <= factBudget {
			used += cost
			res.SelectedFacts = append(res.SelectedFacts, f)
		} else {
			overflow++
			unadmitted = append(unadmitted, f)
		}
	}

	res.PromptFacts, res.MergeOperations = b.cluster(res.SelectedFacts)

	// Summary tail: one synthetic line covering the unadmitted remainder.
	if n := len(unadmitted); n >= cfg.SummaryThreshold {
		line := fmt.Sprintf("%d additional facts not shown", n)
		cost := cfg.Counter.Count(line)
		if used+cost <= factBudget {
			used += cost
			res.PromptFacts = append(res.PromptFacts, types.Fact{
				Key:   "_summary",
				Value: mustJSONString(line),
			})
			res.Metrics.Summary = true
		}
	}

	for _, f := range res.SelectedFacts {
		res.FactAdjustments = append(res.FactAdjustments, FactAdjustment{Key: f.Key, Delta: cfg.SelectedBoost})
	}
	for _, f := range unadmitted {
		res.FactAdjustments = append(res.FactAdjustments, FactAdjustment{Key: f.Key, Delta: -cfg.UnadmittedDecay})
	}

	res.Metrics.Selected = len(res.SelectedFacts)
	res.Metrics.MergedClusters = len(res.MergeOperations)
	res.Metrics.Overflow = overflow
	res.Metrics.UsedTokens = used
	if res.Metrics.TotalFacts > 0 {
		res.Metrics.SelectionRatio = float64(res.Metrics.Selected) / float64(res.Metrics.TotalFacts)
	}
	return res
}

// sortByPriority orders facts by confidence desc, then last_touched_at desc,
// last_seen_seq desc, created_at desc. Key is the final tie-break so the
// order is total.
func sortByPriority(facts []types.Fact) {
	sort.SliceStable(facts, func(i, j int) bool {
		a, b := facts[i], facts[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.LastTouchedAt.Equal(b.LastTouchedAt) {
			return a.LastTouchedAt.After(b.LastTouchedAt)
		}
		if a.LastSeenSeq != b.LastSeenSeq {
			return a.LastSeenSeq > b.LastSeenSeq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Key < b.Key
	})
}

// cluster groups admitted facts whose normalized keys are near-duplicates
// and keeps the highest-confidence member of each group as representative.
// Input is already priority-sorted, so the first member seen wins.
func (b *Budgeter) cluster(selected []types.Fact) ([]types.Fact, []MergeOperation) {
	if len(selected) < 2 {
		return selected, nil
	}

	var (
		reps  []types.Fact
		merge []MergeOperation
		// merged member keys per rep index
		memberOf = make(map[int][]string)
	)
	for _, f := range selected {
		matched := -1
		for i, rep := range reps {
			if keysSimilar(f.Key, rep.Key, b.cfg.SimilarityThreshold) {
				matched = i
				break
			}
		}
		if matched < 0 {
			reps = append(reps, f)
			continue
		}
		memberOf[matched] = append(memberOf[matched], f.Key)
	}

	for i, members := range memberOf {
		merge = append(merge, MergeOperation{Rep: reps[i].Key, Members: members})
	}
	sort.Slice(merge, func(i, j int) bool { return merge[i].Rep < merge[j].Rep })
	return reps, merge
}

// keysSimilar reports whether two fact keys are lexically near-duplicates:
// shared normalized prefix, high token Jaccard, or high Jaro-Winkler score.
func keysSimilar(a, b string, threshold float64) bool {
	na, nb := normalizeKey(a), normalizeKey(b)
	if na == nb {
		return true
	}
	if len(na) >= 8 && len(nb) >= 8 && (strings.HasPrefix(na, nb) || strings.HasPrefix(nb, na)) {
		return true
	}
	if jaccard(keyTokens(na), keyTokens(nb)) >= threshold {
		return true
	}
	return matchr.JaroWinkler(na, nb, false) >= threshold
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.ReplaceAll(k, "-", "_")
	k = strings.ReplaceAll(k, " ", "_")
	return k
}

func keyTokens(k string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range strings.Split(k, "_") {
		if t != "" {
			out[t] = struct{}{}
		}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// FactLine renders a fact as the one-line form used in prompts and for
// budget measurement.
func FactLine(f types.Fact) string {
	return fmt.Sprintf("%s: %s (%.2f)", f.Key, factValueString(f), f.Confidence)
}

func mustJSONString(s string) []byte {
	// strconv.Quote produces valid JSON for plain ASCII summary lines.
	return []byte(`"` + s + `"`)
}
