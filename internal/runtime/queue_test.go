package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stagehand-live/stagehand/pkg/types"
)

func rec(seq uint64, final bool) types.TranscriptRecord {
	return types.TranscriptRecord{EventID: "ev1", ID: seq, Seq: seq, Final: final, Text: "t"}
}

func TestQueuePushPopFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewIngestQueue(4)

	for i := uint64(1); i <= 3; i++ {
		if _, err := q.Push(ctx, rec(i, true)); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got.Seq != i {
			t.Errorf("popped seq %d, want %d", got.Seq, i)
		}
	}
}

func TestQueueDropsOldestNonFinalWhenFull(t *testing.T) {
	ctx := context.Background()
	q := NewIngestQueue(3)

	q.Push(ctx, rec(1, false))
	q.Push(ctx, rec(2, true))
	q.Push(ctx, rec(3, true))

	// Full: the non-final seq=1 is evicted to admit seq=4.
	if _, err := q.Push(ctx, rec(4, true)); err != nil {
		t.Fatalf("Push into full queue: %v", err)
	}

	if q.DroppedNonFinal() != 1 {
		t.Errorf("dropped = %d, want 1", q.DroppedNonFinal())
	}
	first, _ := q.Pop(ctx)
	if first.Seq != 2 {
		t.Errorf("head seq = %d, want 2 (non-final 1 dropped)", first.Seq)
	}
}

func TestQueueRefusesNonFinalWhenFullOfFinals(t *testing.T) {
	ctx := context.Background()
	q := NewIngestQueue(2)
	q.Push(ctx, rec(1, true))
	q.Push(ctx, rec(2, true))

	if _, err := q.Push(ctx, rec(3, false)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2 (non-final refused)", q.Len())
	}
	if q.DroppedNonFinal() != 1 {
		t.Errorf("dropped = %d, want 1", q.DroppedNonFinal())
	}
}

func TestQueueFinalBlocksThenDelayed(t *testing.T) {
	ctx := context.Background()
	q := NewIngestQueue(1)
	q.Push(ctx, rec(1, true))

	// The queue is full of finals; a final push must block, flip the delayed
	// flag after the block budget, and land once the consumer drains.
	done := make(chan types.TranscriptRecord, 1)
	go func() {
		start := time.Now()
		delayed, err := q.Push(ctx, rec(2, true))
		if err != nil {
			t.Errorf("Push: %v", err)
		}
		if !delayed {
			t.Errorf("final push resolved in %s without delayed flag", time.Since(start))
		}
		r, err := q.Pop(ctx)
		if err != nil {
			t.Errorf("Pop: %v", err)
		}
		done <- r
	}()

	// Let the block budget elapse before draining.
	time.Sleep(finalBlockBudget + 50*time.Millisecond)
	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("drain Pop: %v", err)
	}

	select {
	case r := <-done:
		if r.Seq != 2 || !r.Delayed {
			t.Errorf("got seq=%d delayed=%v, want seq=2 delayed=true", r.Seq, r.Delayed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked final push never completed")
	}

	if q.DelayedFinal() != 1 {
		t.Errorf("delayed count = %d, want 1", q.DelayedFinal())
	}
}

func TestQueueFinalAdmittedPromptlyNotDelayed(t *testing.T) {
	ctx := context.Background()
	q := NewIngestQueue(1)
	q.Push(ctx, rec(1, true))

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Pop(ctx)
	}()

	delayed, err := q.Push(ctx, rec(2, true))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if delayed {
		t.Error("push admitted within the block budget must not be delayed")
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	ctx := context.Background()
	q := NewIngestQueue(4)

	got := make(chan types.TranscriptRecord, 1)
	go func() {
		r, err := q.Pop(ctx)
		if err != nil {
			t.Errorf("Pop: %v", err)
			return
		}
		got <- r
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(ctx, rec(9, true))

	select {
	case r := <-got:
		if r.Seq != 9 {
			t.Errorf("seq = %d, want 9", r.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never returned")
	}
}

func TestQueueClose(t *testing.T) {
	ctx := context.Background()
	q := NewIngestQueue(4)
	q.Push(ctx, rec(1, true))
	q.Close()

	if _, err := q.Push(ctx, rec(2, true)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push after close = %v, want ErrQueueClosed", err)
	}

	// Queued records drain before the closed error surfaces.
	if r, err := q.Pop(ctx); err != nil || r.Seq != 1 {
		t.Errorf("Pop = (%d, %v), want the queued record", r.Seq, err)
	}
	if _, err := q.Pop(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestQueuePopRespectsContext(t *testing.T) {
	q := NewIngestQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop = %v, want deadline exceeded", err)
	}
}
