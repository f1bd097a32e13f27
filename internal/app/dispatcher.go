package app

import (
	"context"
	"errors"
	"time"

	"attendance_notifier/internal/domain/channel"
	"attendance_notifier/internal/domain/dispatch"
	idb "attendance_notifier/internal/infra/database"

	"github.com/sirupsen/logrus"
)

// Alerter receives operator-facing alerts about delivery problems.
type Alerter interface {
	Alert(text string)
}

// Dispatcher drains the notification queue through the channel client.
// Draining only happens while the channel reports connected; queued
// attempts simply accumulate otherwise.
type Dispatcher struct {
	queue  dispatch.Queue
	client channel.Client
	relay  Emitter
	alert  Alerter

	sendTimeout  time.Duration
	messageDelay time.Duration
	batchMax     int
	log          *logrus.Entry
}

func NewDispatcher(
	queue dispatch.Queue,
	client channel.Client,
	relay Emitter,
	alert Alerter,
	sendTimeout, messageDelay time.Duration,
	batchMax int,
	log *logrus.Entry,
) *Dispatcher {
	if batchMax <= 0 {
		batchMax = 20
	}
	return &Dispatcher{
		queue:        queue,
		client:       client,
		relay:        relay,
		alert:        alert,
		sendTimeout:  sendTimeout,
		messageDelay: messageDelay,
		batchMax:     batchMax,
		log:          log,
	}
}

// Run drains on a fixed interval until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log.WithField("interval", interval.String()).Info("Dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.log.Info("Dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.log.WithError(err).Error("Drain pass failed")
			}
		}
	}
}

// DrainOnce claims one batch and delivers it in order, returning the number
// of messages sent. A channel drop mid-batch releases the unsent remainder
// without consuming their retry budget.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	if !d.client.IsConnected() {
		return 0, nil
	}

	attempts, err := d.queue.DrainNext(ctx, d.batchMax)
	if err != nil {
		return 0, err
	}
	if len(attempts) == 0 {
		return 0, nil
	}

	sent := 0
	for i, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			d.releaseFrom(attempts[i:])
			return sent, err
		}

		ref, err := d.send(attempt)
		if err != nil {
			if errors.Is(err, channel.ErrNotConnected) {
				d.log.Warn("Channel dropped mid-batch, releasing remaining claims")
				d.releaseFrom(attempts[i:])
				return sent, nil
			}
			d.fail(ctx, attempt, err)
			continue
		}

		if err := d.queue.MarkSent(ctx, attempt.ID, ref); err != nil {
			if errors.Is(err, idb.ErrDuplicateSend) {
				// An equivalent notification was already delivered.
				d.log.WithFields(logrus.Fields{
					"attempt_id":      attempt.ID,
					"idempotency_key": attempt.IdempotencyKey,
				}).Warn("Duplicate delivery detected, attempt closed as failed")
				continue
			}
			d.log.WithError(err).WithField("attempt_id", attempt.ID).Error("Could not mark attempt sent")
			continue
		}
		sent++
		d.relay.Emit("notification.sent", map[string]interface{}{
			"attempt_id":   attempt.ID,
			"student_id":   attempt.StudentID,
			"kind":         string(attempt.Kind),
			"external_ref": ref,
		})

		if d.messageDelay > 0 && i < len(attempts)-1 {
			d.sleep(ctx, d.messageDelay)
		}
	}
	return sent, nil
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (d *Dispatcher) send(attempt *dispatch.Attempt) (string, error) {
	// Delivery of a claimed attempt finishes even when the drain loop's
	// context is cancelled, so the claim cannot leak in an unknown state.
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	return d.client.SendMessage(ctx, attempt.Contact, attempt.Message)
}

func (d *Dispatcher) fail(ctx context.Context, attempt *dispatch.Attempt, deliveryErr error) {
	updated, err := d.queue.MarkFailed(ctx, attempt.ID, deliveryErr.Error())
	if err != nil {
		d.log.WithError(err).WithField("attempt_id", attempt.ID).Error("Could not mark attempt failed")
		return
	}
	entry := d.log.WithFields(logrus.Fields{
		"attempt_id":  attempt.ID,
		"student_id":  attempt.StudentID,
		"kind":        string(attempt.Kind),
		"retry_count": updated.RetryCount,
	})
	if updated.Status == dispatch.StatusFailed {
		entry.WithError(deliveryErr).Error("Attempt exhausted its retry budget")
		if d.alert != nil {
			d.alert.Alert("Notification delivery gave up for " + attempt.Contact + ": " + deliveryErr.Error())
		}
		d.relay.Emit("notification.exhausted", map[string]interface{}{
			"attempt_id": attempt.ID,
			"student_id": attempt.StudentID,
			"kind":       string(attempt.Kind),
			"error":      deliveryErr.Error(),
		})
		return
	}
	entry.WithError(deliveryErr).Warn("Delivery failed, attempt requeued")
}

func (d *Dispatcher) releaseFrom(attempts []*dispatch.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, attempt := range attempts {
		if err := d.queue.Release(ctx, attempt.ID); err != nil {
			d.log.WithError(err).WithField("attempt_id", attempt.ID).Error("Could not release claimed attempt")
		}
	}
}
