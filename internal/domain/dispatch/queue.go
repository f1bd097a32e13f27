package dispatch

import (
	"context"
	"time"
)

// Queue is the persisted outbound dispatch queue. All mutation of
// notification attempts goes through this contract, never through ad hoc
// direct writes from other components.
type Queue interface {
	Enqueue(ctx context.Context, a *Attempt) error

	// DrainNext claims up to max pending or retrying attempts, oldest
	// first, atomically flipping them to in_flight. Two concurrent
	// drainers never receive overlapping sets.
	DrainNext(ctx context.Context, max int) ([]*Attempt, error)

	// MarkSent is the only path into the sent terminal state. It enforces
	// idempotency-key uniqueness among sent rows: when another sent row
	// already holds the key it returns ErrDuplicateSend and closes the
	// losing row as failed, released from its claim, so it is never
	// drained or delivered again.
	MarkSent(ctx context.Context, id int64, externalRef string) error

	// MarkFailed records a delivery failure, increments the retry counter
	// and transitions the row to retrying, or to terminal failed once the
	// configured ceiling is reached. The updated attempt is returned.
	MarkFailed(ctx context.Context, id int64, deliveryErr string) (*Attempt, error)

	// Release returns a claimed attempt to retrying without touching its
	// retry counter; used when the channel drops mid-drain.
	Release(ctx context.Context, id int64) error

	// Requeue puts a claimed or failed attempt back to pending with a
	// fresh retry budget. Operator surface only.
	Requeue(ctx context.Context, id int64) error

	// HasSent reports whether a sent attempt already holds the key.
	HasSent(ctx context.Context, idempotencyKey string) (bool, error)

	// ReleaseClaims returns in_flight rows older than the given age to
	// retrying; used to recover rows orphaned by a crash mid-drain.
	ReleaseClaims(ctx context.Context, olderThan time.Duration) (int, error)

	// DeleteOlderThan is the bounded-age retention cleanup.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[Status]int, error)
}
