package runtime

import (
	"fmt"
	"testing"
)

func TestLogRingLastN(t *testing.T) {
	r := NewLogRing()
	for i := 0; i < 5; i++ {
		r.Append("info", "entry %d", i)
	}

	got := r.LastN(3)
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("entry %d", i+2)
		if e.Message != want {
			t.Errorf("entry %d = %q, want %q", i, e.Message, want)
		}
	}
}

func TestLogRingOverwritesOldest(t *testing.T) {
	r := NewLogRing()
	for i := 0; i < logRingCapacity+10; i++ {
		r.Append("info", "entry %d", i)
	}

	got := r.LastN(logRingCapacity)
	if len(got) != logRingCapacity {
		t.Fatalf("got %d entries, want %d", len(got), logRingCapacity)
	}
	if got[0].Message != fmt.Sprintf("entry %d", 10) {
		t.Errorf("oldest = %q, want entry 10", got[0].Message)
	}
	if got[len(got)-1].Message != fmt.Sprintf("entry %d", logRingCapacity+9) {
		t.Errorf("newest = %q", got[len(got)-1].Message)
	}
}

func TestLogRingLastNMoreThanHeld(t *testing.T) {
	r := NewLogRing()
	r.Append("warn", "only one")
	got := r.LastN(50)
	if len(got) != 1 || got[0].Level != "warn" {
		t.Errorf("got %v", got)
	}
}
