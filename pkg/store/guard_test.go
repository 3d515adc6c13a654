package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stagehand-live/stagehand/pkg/types"
)

// flakyFactStore fails every call while fail is set.
type flakyFactStore struct {
	fail  bool
	saves int
	facts []types.Fact
}

func (f *flakyFactStore) SaveAll(_ context.Context, _ string, facts []types.Fact) error {
	if f.fail {
		return errors.New("connection refused")
	}
	f.saves++
	f.facts = facts
	return nil
}

func (f *flakyFactStore) Deactivate(_ context.Context, _ string, _ []string) error {
	if f.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyFactStore) ListActive(_ context.Context, _ string) ([]types.Fact, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.facts, nil
}

type flakyGlossaryStore struct {
	fail    bool
	entries []types.GlossaryEntry
}

func (f *flakyGlossaryStore) ForEvent(_ context.Context, _ string) ([]types.GlossaryEntry, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.entries, nil
}

func (f *flakyGlossaryStore) Similar(_ context.Context, _ string, _ []float32, _ int) ([]types.GlossaryEntry, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.entries, nil
}

func TestFactGuardSwallowsWriteFailures(t *testing.T) {
	inner := &flakyFactStore{fail: true}
	guard := NewFactGuard(inner)
	ctx := context.Background()

	if err := guard.SaveAll(ctx, "ev-1", []types.Fact{{Key: "k", Value: json.RawMessage(`"v"`)}}); err != nil {
		t.Errorf("SaveAll surfaced error: %v", err)
	}
	if !guard.IsDegraded() {
		t.Error("guard not degraded after failed write")
	}
	if err := guard.Deactivate(ctx, "ev-1", []string{"k"}); err != nil {
		t.Errorf("Deactivate surfaced error: %v", err)
	}
}

func TestFactGuardRecovers(t *testing.T) {
	inner := &flakyFactStore{fail: true}
	guard := NewFactGuard(inner)
	ctx := context.Background()

	_ = guard.SaveAll(ctx, "ev-1", nil)
	if !guard.IsDegraded() {
		t.Fatal("guard not degraded")
	}

	inner.fail = false
	if err := guard.SaveAll(ctx, "ev-1", []types.Fact{{Key: "k", Value: json.RawMessage(`"v"`)}}); err != nil {
		t.Fatalf("SaveAll after recovery: %v", err)
	}
	if guard.IsDegraded() {
		t.Error("guard still degraded after successful write")
	}
	if inner.saves != 1 {
		t.Errorf("saves = %d, want 1", inner.saves)
	}
}

func TestFactGuardListActiveReturnsEmptyOnFailure(t *testing.T) {
	guard := NewFactGuard(&flakyFactStore{fail: true})

	facts, err := guard.ListActive(context.Background(), "ev-1")
	if err != nil {
		t.Errorf("ListActive surfaced error: %v", err)
	}
	if facts == nil || len(facts) != 0 {
		t.Errorf("facts = %v, want empty slice", facts)
	}
}

func TestGlossaryGuardReturnsEmptyOnFailure(t *testing.T) {
	guard := NewGlossaryGuard(&flakyGlossaryStore{fail: true})
	ctx := context.Background()

	entries, err := guard.ForEvent(ctx, "ev-1")
	if err != nil || len(entries) != 0 {
		t.Errorf("ForEvent = %v, %v, want empty and nil", entries, err)
	}
	if !guard.IsDegraded() {
		t.Error("guard not degraded after failed read")
	}

	similar, err := guard.Similar(ctx, "ev-1", []float32{0.1}, 5)
	if err != nil || len(similar) != 0 {
		t.Errorf("Similar = %v, %v, want empty and nil", similar, err)
	}
}

func TestGlossaryGuardPassesThrough(t *testing.T) {
	inner := &flakyGlossaryStore{entries: []types.GlossaryEntry{{Term: "PLC"}}}
	guard := NewGlossaryGuard(inner)

	entries, err := guard.ForEvent(context.Background(), "ev-1")
	if err != nil {
		t.Fatalf("ForEvent: %v", err)
	}
	if len(entries) != 1 || entries[0].Term != "PLC" {
		t.Errorf("entries = %v", entries)
	}
	if guard.IsDegraded() {
		t.Error("guard degraded after successful read")
	}
}
