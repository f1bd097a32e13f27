// Package webhook forwards pipeline events to external observers.
// Delivery is best-effort: bounded retry, bounded timeout, and never
// blocking or failing the caller.
package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event is the envelope posted to every configured endpoint.
type Event struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type Relay struct {
	endpoints  []string
	client     *http.Client
	retryDelay time.Duration
	log        *logrus.Entry
	wg         sync.WaitGroup
}

func NewRelay(endpoints []string, log *logrus.Entry) *Relay {
	return &Relay{
		endpoints:  endpoints,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: 2 * time.Second,
		log:        log,
	}
}

// Emit posts the event to every endpoint from a goroutine and returns
// immediately. A failed endpoint gets one retry, then the event is dropped
// with a warning; observers that need durability should read the audit
// tables instead.
func (r *Relay) Emit(event string, payload any) {
	if len(r.endpoints) == 0 {
		return
	}
	body, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		r.log.WithError(err).WithField("event", event).Warn("Failed to encode webhook event")
		return
	}

	for _, endpoint := range r.endpoints {
		endpoint := endpoint
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.post(endpoint, body); err != nil {
				time.Sleep(r.retryDelay)
				if err = r.post(endpoint, body); err != nil {
					r.log.WithError(err).WithFields(logrus.Fields{
						"endpoint": endpoint,
						"event":    event,
					}).Warn("Webhook delivery dropped")
				}
			}
		}()
	}
}

func (r *Relay) post(endpoint string, body []byte) error {
	resp, err := r.client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Wait blocks until in-flight deliveries finish; used on shutdown and in tests.
func (r *Relay) Wait() {
	r.wg.Wait()
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
