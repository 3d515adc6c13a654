package prompt

import (
	"fmt"
	"testing"
	"time"
)

func TestBudgetPrioritySort(t *testing.T) {
	now := time.Now()
	facts := []struct {
		key  string
		conf float64
	}{
		{"low", 0.2},
		{"high", 0.9},
		{"mid", 0.5},
	}
	in := BudgetInput{TotalBudgetTokens: 4096}
	for _, f := range facts {
		fact := testFact(f.key, "v", f.conf)
		fact.LastTouchedAt = now
		in.Facts = append(in.Facts, fact)
	}

	res := NewBudgeter(BudgeterConfig{}).Budget(in)

	if len(res.SelectedFacts) != 3 {
		t.Fatalf("got %d selected, want 3", len(res.SelectedFacts))
	}
	order := []string{res.SelectedFacts[0].Key, res.SelectedFacts[1].Key, res.SelectedFacts[2].Key}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestBudgetNeverExceedsBudget(t *testing.T) {
	b := NewBudgeter(BudgeterConfig{})
	for _, total := range []int{128, 256, 512, 1024, 2048} {
		t.Run(fmt.Sprintf("budget_%d", total), func(t *testing.T) {
			in := BudgetInput{
				TotalBudgetTokens: total,
				TranscriptTokens:  total / 4,
				GlossaryTokens:    total / 8,
			}
			for i := 0; i < 100; i++ {
				f := testFact(fmt.Sprintf("fact_key_number_%03d", i),
					"a reasonably long fact value with several words in it", 0.5)
				f.CreatedAt = time.Unix(int64(i), 0)
				in.Facts = append(in.Facts, f)
			}

			res := b.Budget(in)

			ceiling := total - in.TranscriptTokens - in.GlossaryTokens - defaultHeadroomTokens
			if res.Metrics.UsedTokens > ceiling {
				t.Errorf("used %d tokens, ceiling %d", res.Metrics.UsedTokens, ceiling)
			}
		})
	}
}

func TestBudgetTopKCap(t *testing.T) {
	in := BudgetInput{TotalBudgetTokens: 1 << 20}
	for i := 0; i < 80; i++ {
		in.Facts = append(in.Facts, testFact(fmt.Sprintf("distinct_topic_%02d_entry", i), "v", 0.5))
	}

	res := NewBudgeter(BudgeterConfig{TopK: 50}).Budget(in)

	if len(res.SelectedFacts) > 50 {
		t.Errorf("selected %d facts, top-K cap is 50", len(res.SelectedFacts))
	}
	if res.Metrics.Overflow < 30 {
		t.Errorf("overflow = %d, want >= 30 from the pre-cap", res.Metrics.Overflow)
	}
}

func TestBudgetSelectedSubsetOfInput(t *testing.T) {
	in := BudgetInput{TotalBudgetTokens: 512}
	keys := map[string]bool{}
	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("unrelated_%02d_subject", i)
		keys[k] = true
		in.Facts = append(in.Facts, testFact(k, "value", 0.5))
	}

	res := NewBudgeter(BudgeterConfig{}).Budget(in)

	for _, f := range res.SelectedFacts {
		if !keys[f.Key] {
			t.Errorf("selected fact %q was not in the input", f.Key)
		}
	}
}

func TestBudgetSummaryTail(t *testing.T) {
	// Tight budget so most facts are unadmitted but the short summary fits.
	in := BudgetInput{TotalBudgetTokens: 110}
	for i := 0; i < 20; i++ {
		in.Facts = append(in.Facts, testFact(fmt.Sprintf("topic_%02d_item", i),
			"a long enough value to cost real tokens here", 0.5))
	}

	res := NewBudgeter(BudgeterConfig{}).Budget(in)

	if !res.Metrics.Summary {
		t.Fatal("expected a summary tail with many unadmitted facts")
	}
	last := res.PromptFacts[len(res.PromptFacts)-1]
	if last.Key != "_summary" {
		t.Errorf("last prompt fact = %q, want _summary", last.Key)
	}
}

func TestBudgetNoSummaryBelowThreshold(t *testing.T) {
	in := BudgetInput{TotalBudgetTokens: 4096}
	for i := 0; i < 3; i++ {
		in.Facts = append(in.Facts, testFact(fmt.Sprintf("small_%d", i), "v", 0.5))
	}
	res := NewBudgeter(BudgeterConfig{}).Budget(in)
	if res.Metrics.Summary {
		t.Error("summary emitted with no unadmitted facts")
	}
}

func TestBudgetAdjustments(t *testing.T) {
	in := BudgetInput{TotalBudgetTokens: 120}
	for i := 0; i < 12; i++ {
		in.Facts = append(in.Facts, testFact(fmt.Sprintf("subject_%02d_field", i),
			"a value long enough to exhaust a small budget quickly", 0.5))
	}

	res := NewBudgeter(BudgeterConfig{}).Budget(in)

	var boosts, decays int
	for _, adj := range res.FactAdjustments {
		switch adj.Delta {
		case defaultSelectedBoost:
			boosts++
		case -defaultUnadmittedDecay:
			decays++
		default:
			t.Errorf("unexpected delta %v for %s", adj.Delta, adj.Key)
		}
	}
	if boosts != res.Metrics.Selected {
		t.Errorf("got %d boosts, want %d (one per selected)", boosts, res.Metrics.Selected)
	}
	if decays == 0 {
		t.Error("expected decay adjustments for unadmitted facts")
	}
}

func TestBudgetClustering(t *testing.T) {
	in := BudgetInput{TotalBudgetTokens: 4096}
	a := testFact("speaker_name", "Alice", 0.9)
	b := testFact("speaker_names", "Alice", 0.6)
	c := testFact("venue_location", "Hall B", 0.8)
	in.Facts = append(in.Facts, a, b, c)

	res := NewBudgeter(BudgeterConfig{}).Budget(in)

	if len(res.MergeOperations) != 1 {
		t.Fatalf("got %d merge operations, want 1: %+v", len(res.MergeOperations), res.MergeOperations)
	}
	op := res.MergeOperations[0]
	if op.Rep != "speaker_name" {
		t.Errorf("representative = %q, want the higher-confidence speaker_name", op.Rep)
	}
	if len(op.Members) != 1 || op.Members[0] != "speaker_names" {
		t.Errorf("members = %v, want [speaker_names]", op.Members)
	}

	for _, f := range res.PromptFacts {
		if f.Key == "speaker_names" {
			t.Error("merged member should not render as a prompt fact")
		}
	}
}

func TestKeysSimilar(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"speaker_name", "speaker_name", true},
		{"speaker_name", "speaker_names", true},
		{"Speaker Name", "speaker_name", true},
		{"venue", "weather", false},
		{"start_time_keynote", "start_time", true},
	}
	for _, tt := range tests {
		if got := keysSimilar(tt.a, tt.b, defaultSimilarity); got != tt.want {
			t.Errorf("keysSimilar(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBudgetSelectionRatio(t *testing.T) {
	in := BudgetInput{TotalBudgetTokens: 4096}
	for i := 0; i < 10; i++ {
		in.Facts = append(in.Facts, testFact(fmt.Sprintf("ratio_item_%02d", i), "v", 0.5))
	}
	res := NewBudgeter(BudgeterConfig{}).Budget(in)
	want := float64(res.Metrics.Selected) / 10
	if res.Metrics.SelectionRatio != want {
		t.Errorf("selection ratio = %v, want %v", res.Metrics.SelectionRatio, want)
	}
}
