package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"attendance_notifier/internal/domain/dispatch"
	"attendance_notifier/internal/infra/database"
)

func enqueueN(t *testing.T, q *DispatchQueue, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		a := &dispatch.Attempt{
			StudentID:      int64(i + 1),
			Contact:        "+62811100022",
			Kind:           dispatch.KindEntry,
			Message:        "hello",
			IdempotencyKey: dispatch.IdempotencyKey(int64(i+1), "+62811100022", dispatch.KindEntry, time.Now()),
		}
		if err := q.Enqueue(context.Background(), a); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, a.ID)
	}
	return ids
}

func TestDrainNextClaimsExclusively(t *testing.T) {
	q := NewDispatchQueue(3)
	enqueueN(t, q, 10)

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := q.DrainNext(context.Background(), 5)
			if err != nil {
				t.Errorf("DrainNext: %v", err)
				return
			}
			mu.Lock()
			for _, a := range claimed {
				seen[a.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 10 {
		t.Fatalf("expected all 10 attempts claimed, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("attempt %d claimed %d times", id, n)
		}
	}
}

func TestDrainNextOldestFirst(t *testing.T) {
	q := NewDispatchQueue(3)
	now := time.Now()
	q.clock = func() time.Time { now = now.Add(time.Second); return now }
	ids := enqueueN(t, q, 3)

	claimed, err := q.DrainNext(context.Background(), 10)
	if err != nil {
		t.Fatalf("DrainNext: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	for i, a := range claimed {
		if a.ID != ids[i] {
			t.Errorf("position %d: got attempt %d, want %d", i, a.ID, ids[i])
		}
	}
}

func TestMarkFailedHitsCeiling(t *testing.T) {
	q := NewDispatchQueue(2)
	ids := enqueueN(t, q, 1)
	id := ids[0]

	if _, err := q.DrainNext(context.Background(), 1); err != nil {
		t.Fatalf("DrainNext: %v", err)
	}
	a, err := q.MarkFailed(context.Background(), id, "timeout")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if a.Status != dispatch.StatusRetrying || a.RetryCount != 1 {
		t.Fatalf("after first failure: status %s, retries %d", a.Status, a.RetryCount)
	}

	// The retrying attempt is eligible for the next drain.
	claimed, _ := q.DrainNext(context.Background(), 1)
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatal("retrying attempt should be claimable again")
	}
	a, err = q.MarkFailed(context.Background(), id, "timeout")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if a.Status != dispatch.StatusFailed {
		t.Fatalf("after hitting the ceiling: status %s, want failed", a.Status)
	}

	// Terminal failed rows never drain again.
	if claimed, _ := q.DrainNext(context.Background(), 1); len(claimed) != 0 {
		t.Errorf("failed attempt was drained again: %+v", claimed[0])
	}
}

func TestMarkSentRejectsDuplicateKey(t *testing.T) {
	q := NewDispatchQueue(3)
	key := dispatch.IdempotencyKey(42, "+62811100022", dispatch.KindEntry, time.Now())

	first := &dispatch.Attempt{StudentID: 42, Contact: "+62811100022", Kind: dispatch.KindEntry, IdempotencyKey: key}
	second := &dispatch.Attempt{StudentID: 42, Contact: "+62811100022", Kind: dispatch.KindEntry, IdempotencyKey: key}
	if err := q.Enqueue(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	if _, err := q.DrainNext(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkSent(context.Background(), first.ID, "ref-1"); err != nil {
		t.Fatalf("first MarkSent: %v", err)
	}
	err := q.MarkSent(context.Background(), second.ID, "ref-2")
	if !errors.Is(err, database.ErrDuplicateSend) {
		t.Fatalf("second MarkSent error = %v, want ErrDuplicateSend", err)
	}

	got, _ := q.Get(second.ID)
	if got.Status != dispatch.StatusFailed {
		t.Errorf("duplicate attempt status = %s, want failed", got.Status)
	}
	sent, _ := q.HasSent(context.Background(), key)
	if !sent {
		t.Error("HasSent should report the key after the first send")
	}
}

func TestReleaseKeepsRetryBudget(t *testing.T) {
	q := NewDispatchQueue(3)
	ids := enqueueN(t, q, 1)

	if _, err := q.DrainNext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(context.Background(), ids[0]); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ := q.Get(ids[0])
	if got.Status != dispatch.StatusRetrying {
		t.Errorf("released status = %s, want retrying", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("release must not consume the retry budget, got %d", got.RetryCount)
	}
}

func TestRequeueResetsBudget(t *testing.T) {
	q := NewDispatchQueue(1)
	ids := enqueueN(t, q, 1)

	if _, err := q.DrainNext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if a, _ := q.MarkFailed(context.Background(), ids[0], "refused"); a.Status != dispatch.StatusFailed {
		t.Fatalf("expected terminal failed, got %s", a.Status)
	}
	if err := q.Requeue(context.Background(), ids[0]); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, _ := q.Get(ids[0])
	if got.Status != dispatch.StatusPending || got.RetryCount != 0 {
		t.Errorf("after requeue: status %s retries %d, want pending 0", got.Status, got.RetryCount)
	}
}

func TestReleaseClaimsAndRetention(t *testing.T) {
	q := NewDispatchQueue(3)
	now := time.Now()
	q.clock = func() time.Time { return now }
	ids := enqueueN(t, q, 2)

	if _, err := q.DrainNext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	released, err := q.ReleaseClaims(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Errorf("released %d stale claims, want 1", released)
	}

	deleted, err := q.DeleteOlderThan(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d, want 2", deleted)
	}
	if _, ok := q.Get(ids[0]); ok {
		t.Error("attempt should be gone after retention cleanup")
	}
}
