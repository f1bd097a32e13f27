package dispatch

import (
	"testing"
	"time"
)

func TestIdempotencyKeyDateOnly(t *testing.T) {
	morning := time.Date(2026, 3, 9, 7, 5, 0, 0, time.UTC)
	later := time.Date(2026, 3, 9, 7, 25, 0, 0, time.UTC)
	nextDay := time.Date(2026, 3, 10, 7, 5, 0, 0, time.UTC)

	a := IdempotencyKey(42, "+628111000222", KindEntry, morning)
	b := IdempotencyKey(42, "+628111000222", KindEntry, later)
	if a != b {
		t.Error("two scans on the same day must share an idempotency key")
	}

	if a == IdempotencyKey(42, "+628111000222", KindEntry, nextDay) {
		t.Error("the next day must derive a fresh key")
	}
	if a == IdempotencyKey(42, "+628111000222", KindLate, morning) {
		t.Error("a different kind must derive a different key")
	}
	if a == IdempotencyKey(42, "+628111000333", KindEntry, morning) {
		t.Error("a different contact must derive a different key")
	}
	if a == IdempotencyKey(43, "+628111000222", KindEntry, morning) {
		t.Error("a different student must derive a different key")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Error("two attempts should not exhaust a budget of three")
	}
	if !p.Exhausted(3) {
		t.Error("three attempts must exhaust a budget of three")
	}
}
