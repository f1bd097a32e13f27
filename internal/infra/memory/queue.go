// Package memory provides in-memory implementations of the persistence
// contracts, used by tests and local development without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"attendance_notifier/internal/domain/dispatch"
	"attendance_notifier/internal/infra/database"
)

// DispatchQueue is an in-memory dispatch.Queue with the same transition
// semantics as the postgres implementation.
type DispatchQueue struct {
	mu           sync.Mutex
	nextID       int64
	attempts     map[int64]*dispatch.Attempt
	retryCeiling int
	clock        func() time.Time
}

var _ dispatch.Queue = (*DispatchQueue)(nil)

func NewDispatchQueue(retryCeiling int) *DispatchQueue {
	return &DispatchQueue{
		attempts:     make(map[int64]*dispatch.Attempt),
		retryCeiling: retryCeiling,
		clock:        time.Now,
	}
}

func (q *DispatchQueue) Enqueue(_ context.Context, a *dispatch.Attempt) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	a.ID = q.nextID
	a.Status = dispatch.StatusPending
	a.CreatedAt = q.clock()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	q.attempts[a.ID] = &cp
	return nil
}

func (q *DispatchQueue) DrainNext(_ context.Context, max int) ([]*dispatch.Attempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	candidates := make([]*dispatch.Attempt, 0)
	for _, a := range q.attempts {
		if a.Status == dispatch.StatusPending || a.Status == dispatch.StatusRetrying {
			candidates = append(candidates, a)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	claimed := make([]*dispatch.Attempt, 0, len(candidates))
	for _, a := range candidates {
		a.Status = dispatch.StatusInFlight
		a.UpdatedAt = q.clock()
		cp := *a
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (q *DispatchQueue) MarkSent(_ context.Context, id int64, externalRef string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.attempts[id]
	if !ok {
		return database.ErrAttemptNotFound
	}
	for _, other := range q.attempts {
		if other.ID != id && other.Status == dispatch.StatusSent && other.IdempotencyKey == a.IdempotencyKey {
			a.Status = dispatch.StatusFailed
			a.UpdatedAt = q.clock()
			return database.ErrDuplicateSend
		}
	}
	a.Status = dispatch.StatusSent
	a.ExternalRef.String, a.ExternalRef.Valid = externalRef, true
	a.SentAt.Time, a.SentAt.Valid = q.clock(), true
	a.LastError.Valid = false
	a.UpdatedAt = q.clock()
	return nil
}

func (q *DispatchQueue) MarkFailed(_ context.Context, id int64, deliveryErr string) (*dispatch.Attempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.attempts[id]
	if !ok {
		return nil, database.ErrAttemptNotFound
	}
	a.RetryCount++
	if a.RetryCount >= q.retryCeiling {
		a.Status = dispatch.StatusFailed
	} else {
		a.Status = dispatch.StatusRetrying
	}
	a.LastError.String, a.LastError.Valid = deliveryErr, true
	a.UpdatedAt = q.clock()
	cp := *a
	return &cp, nil
}

func (q *DispatchQueue) Release(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.attempts[id]
	if !ok || a.Status != dispatch.StatusInFlight {
		return database.ErrAttemptNotFound
	}
	a.Status = dispatch.StatusRetrying
	a.UpdatedAt = q.clock()
	return nil
}

func (q *DispatchQueue) Requeue(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.attempts[id]
	if !ok || a.Status == dispatch.StatusSent {
		return database.ErrAttemptNotFound
	}
	a.Status = dispatch.StatusPending
	a.RetryCount = 0
	a.LastError.Valid = false
	a.UpdatedAt = q.clock()
	return nil
}

func (q *DispatchQueue) HasSent(_ context.Context, idempotencyKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.attempts {
		if a.Status == dispatch.StatusSent && a.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	return false, nil
}

func (q *DispatchQueue) ReleaseClaims(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.clock().Add(-olderThan)
	released := 0
	for _, a := range q.attempts {
		if a.Status == dispatch.StatusInFlight && a.UpdatedAt.Before(cutoff) {
			a.Status = dispatch.StatusRetrying
			released++
		}
	}
	return released, nil
}

func (q *DispatchQueue) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, a := range q.attempts {
		if a.CreatedAt.Before(cutoff) {
			delete(q.attempts, id)
			n++
		}
	}
	return n, nil
}

func (q *DispatchQueue) CountByStatus(_ context.Context) (map[dispatch.Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[dispatch.Status]int)
	for _, a := range q.attempts {
		counts[a.Status]++
	}
	return counts, nil
}

// Get returns a copy of an attempt by id; test helper.
func (q *DispatchQueue) Get(id int64) (*dispatch.Attempt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.attempts[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}
