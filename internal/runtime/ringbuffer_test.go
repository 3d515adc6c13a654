package runtime

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stagehand-live/stagehand/pkg/types"
)

func chunkAt(seq uint64, at time.Time, text string) types.TranscriptChunk {
	return types.TranscriptChunk{Seq: seq, At: at, Text: text, Final: true}
}

func TestRingBufferAddOrdering(t *testing.T) {
	b := NewRingBuffer(0, 0)
	base := time.Now()

	if !b.Add(chunkAt(1, base, "one")) {
		t.Fatal("first chunk rejected")
	}
	if !b.Add(chunkAt(2, base.Add(time.Second), "two")) {
		t.Fatal("second chunk rejected")
	}

	t.Run("duplicate seq rejected", func(t *testing.T) {
		if b.Add(chunkAt(2, base.Add(2*time.Second), "dup")) {
			t.Error("accepted duplicate seq")
		}
	})
	t.Run("lower seq rejected", func(t *testing.T) {
		if b.Add(chunkAt(1, base.Add(3*time.Second), "old")) {
			t.Error("accepted lower seq")
		}
	})
	t.Run("earlier timestamp rejected", func(t *testing.T) {
		if b.Add(chunkAt(3, base.Add(-time.Second), "back")) {
			t.Error("accepted earlier timestamp")
		}
	})
	t.Run("non-final rejected", func(t *testing.T) {
		c := chunkAt(3, base.Add(2*time.Second), "partial")
		c.Final = false
		if b.Add(c) {
			t.Error("accepted non-final chunk")
		}
	})

	if b.Len() != 2 {
		t.Errorf("len = %d, want 2", b.Len())
	}
}

func TestRingBufferSeqStrictlyIncreasing(t *testing.T) {
	b := NewRingBuffer(100, time.Hour)
	base := time.Now()

	// A mixed schedule of valid and invalid adds.
	seqs := []uint64{1, 3, 2, 3, 7, 5, 10, 10, 11}
	for i, seq := range seqs {
		b.Add(chunkAt(seq, base.Add(time.Duration(i)*time.Second), "x"))
	}

	entries := b.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("entries not strictly increasing: %d then %d", entries[i-1].Seq, entries[i].Seq)
		}
	}
}

func TestRingBufferCapacityEviction(t *testing.T) {
	b := NewRingBuffer(3, time.Hour)
	base := time.Now()
	for i := 1; i <= 5; i++ {
		b.Add(chunkAt(uint64(i), base.Add(time.Duration(i)*time.Second), fmt.Sprintf("c%d", i)))
	}

	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
	st := b.Stats()
	if st.OldestSeq != 3 || st.NewestSeq != 5 {
		t.Errorf("seq range = [%d, %d], want [3, 5]", st.OldestSeq, st.NewestSeq)
	}
}

func TestRingBufferWindowEviction(t *testing.T) {
	b := NewRingBuffer(100, time.Minute)
	base := time.Now()

	b.Add(chunkAt(1, base, "old"))
	b.Add(chunkAt(2, base.Add(30*time.Second), "mid"))
	// This entry pushes the first past the window.
	b.Add(chunkAt(3, base.Add(90*time.Second), "new"))

	st := b.Stats()
	if st.OldestSeq != 2 {
		t.Errorf("oldest seq = %d, want 2 (first entry aged out)", st.OldestSeq)
	}
	if st.Total != 2 {
		t.Errorf("total = %d, want 2", st.Total)
	}
}

func TestRingBufferRecentText(t *testing.T) {
	b := NewRingBuffer(10, time.Hour)
	base := time.Now()
	words := []string{"alpha", "beta", "gamma"}
	for i, w := range words {
		b.Add(chunkAt(uint64(i+1), base.Add(time.Duration(i)*time.Second), w))
	}

	t.Run("full window", func(t *testing.T) {
		if got := b.RecentText(100); got != "alpha beta gamma" {
			t.Errorf("RecentText = %q", got)
		}
	})
	t.Run("char cap keeps newest", func(t *testing.T) {
		got := b.RecentText(11)
		if got != "beta gamma" {
			t.Errorf("RecentText(11) = %q, want %q", got, "beta gamma")
		}
	})
	t.Run("zero cap", func(t *testing.T) {
		if got := b.RecentText(0); got != "" {
			t.Errorf("RecentText(0) = %q, want empty", got)
		}
	})
	t.Run("whole chunks only", func(t *testing.T) {
		got := b.RecentText(7)
		if strings.Contains(got, "amma") && !strings.Contains(got, "gamma") {
			t.Errorf("chunk was split: %q", got)
		}
	})
}

func TestRingBufferStatsEmpty(t *testing.T) {
	b := NewRingBuffer(10, time.Hour)
	st := b.Stats()
	if st.Total != 0 || st.OldestSeq != 0 || st.NewestSeq != 0 {
		t.Errorf("empty stats = %+v", st)
	}
}
