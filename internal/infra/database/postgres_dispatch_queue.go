package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"attendance_notifier/internal/domain/dispatch"
)

const attemptColumns = `id, student_id, contact, kind, message, source_scan_at, status, retry_count, idempotency_key, external_ref, sent_at, last_error, created_at, updated_at`

// PostgresDispatchQueue is the persisted outbound queue. The retry ceiling
// is fixed at construction so the failed/retrying transition happens in a
// single UPDATE, immune to races between drain cycles.
type PostgresDispatchQueue struct {
	db           *sql.DB
	retryCeiling int
}

func NewPostgresDispatchQueue(db *sql.DB, retryCeiling int) *PostgresDispatchQueue {
	return &PostgresDispatchQueue{db: db, retryCeiling: retryCeiling}
}

func scanAttempt(row interface{ Scan(...any) error }) (*dispatch.Attempt, error) {
	a := dispatch.Attempt{}
	err := row.Scan(&a.ID, &a.StudentID, &a.Contact, &a.Kind, &a.Message, &a.SourceScanAt,
		&a.Status, &a.RetryCount, &a.IdempotencyKey, &a.ExternalRef, &a.SentAt, &a.LastError,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *PostgresDispatchQueue) Enqueue(ctx context.Context, a *dispatch.Attempt) error {
	query := `INSERT INTO notification_attempts
                (student_id, contact, kind, message, source_scan_at, status, retry_count, idempotency_key)
               VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
               RETURNING id, created_at, updated_at`
	a.Status = dispatch.StatusPending
	err := q.db.QueryRowContext(ctx, query, a.StudentID, a.Contact, a.Kind, a.Message,
		a.SourceScanAt, a.Status, a.IdempotencyKey).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error enqueueing notification attempt: %w", err)
	}
	return nil
}

// DrainNext claims rows with FOR UPDATE SKIP LOCKED so two concurrent
// drainers never claim the same attempt.
func (q *PostgresDispatchQueue) DrainNext(ctx context.Context, max int) ([]*dispatch.Attempt, error) {
	query := `UPDATE notification_attempts
                 SET status = $1, claimed_at = NOW(), updated_at = NOW()
               WHERE id IN (
                     SELECT id FROM notification_attempts
                      WHERE status IN ($2, $3)
                      ORDER BY created_at ASC
                      LIMIT $4
                        FOR UPDATE SKIP LOCKED)
           RETURNING ` + attemptColumns
	rows, err := q.db.QueryContext(ctx, query, dispatch.StatusInFlight, dispatch.StatusPending, dispatch.StatusRetrying, max)
	if err != nil {
		return nil, fmt.Errorf("error claiming notification attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*dispatch.Attempt, 0, max)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning claimed attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed attempts: %w", err)
	}
	// RETURNING order is not guaranteed; re-sort to keep FIFO processing.
	for i := 1; i < len(attempts); i++ {
		for j := i; j > 0 && attempts[j].CreatedAt.Before(attempts[j-1].CreatedAt); j-- {
			attempts[j], attempts[j-1] = attempts[j-1], attempts[j]
		}
	}
	return attempts, nil
}

func (q *PostgresDispatchQueue) MarkSent(ctx context.Context, id int64, externalRef string) error {
	query := `UPDATE notification_attempts
                 SET status = $2, external_ref = $3, sent_at = NOW(), last_error = NULL, updated_at = NOW()
               WHERE id = $1
           RETURNING id`
	var updated int64
	err := q.db.QueryRowContext(ctx, query, id, dispatch.StatusSent, externalRef).Scan(&updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrAttemptNotFound
		}
		// The partial unique index rejects a second sent row with the same
		// idempotency key; release the late loser back out of sent.
		if isUniqueViolation(err, "notification_attempts_sent_key") {
			if _, rerr := q.db.ExecContext(ctx, `UPDATE notification_attempts
                         SET status = $2, claimed_at = NULL, updated_at = NOW()
                       WHERE id = $1`, id, dispatch.StatusFailed); rerr != nil {
				return fmt.Errorf("error releasing duplicate-send attempt %d: %w", id, rerr)
			}
			return ErrDuplicateSend
		}
		return fmt.Errorf("error marking attempt %d sent: %w", id, err)
	}
	return nil
}

func (q *PostgresDispatchQueue) MarkFailed(ctx context.Context, id int64, deliveryErr string) (*dispatch.Attempt, error) {
	query := `UPDATE notification_attempts
                 SET retry_count = retry_count + 1,
                     status = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
                     last_error = $5, claimed_at = NULL, updated_at = NOW()
               WHERE id = $1
           RETURNING ` + attemptColumns
	a, err := scanAttempt(q.db.QueryRowContext(ctx, query, id, q.retryCeiling,
		dispatch.StatusFailed, dispatch.StatusRetrying, deliveryErr))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("error marking attempt %d failed: %w", id, err)
	}
	return a, nil
}

func (q *PostgresDispatchQueue) Release(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `UPDATE notification_attempts
                 SET status = $2, claimed_at = NULL, updated_at = NOW()
               WHERE id = $1 AND status = $3`, id, dispatch.StatusRetrying, dispatch.StatusInFlight)
	if err != nil {
		return fmt.Errorf("error releasing attempt %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (q *PostgresDispatchQueue) Requeue(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `UPDATE notification_attempts
                 SET status = $2, retry_count = 0, last_error = NULL, claimed_at = NULL, updated_at = NOW()
               WHERE id = $1 AND status != $3`, id, dispatch.StatusPending, dispatch.StatusSent)
	if err != nil {
		return fmt.Errorf("error requeueing attempt %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (q *PostgresDispatchQueue) HasSent(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_attempts
               WHERE idempotency_key = $1 AND status = $2`, idempotencyKey, dispatch.StatusSent).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("error checking sent idempotency key: %w", err)
	}
	return count > 0, nil
}

func (q *PostgresDispatchQueue) ReleaseClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE notification_attempts
                 SET status = $1, claimed_at = NULL, updated_at = NOW()
               WHERE status = $2 AND claimed_at < NOW() - $3::interval`,
		dispatch.StatusRetrying, dispatch.StatusInFlight, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("error releasing stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *PostgresDispatchQueue) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM notification_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error cleaning up notification attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (q *PostgresDispatchQueue) CountByStatus(ctx context.Context) (map[dispatch.Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM notification_attempts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("error counting attempts by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[dispatch.Status]int)
	for rows.Next() {
		var s dispatch.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("error scanning status count: %w", err)
		}
		counts[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}
