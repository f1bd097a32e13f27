package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"attendance_notifier/internal/app"
	"attendance_notifier/internal/domain/attendance"
	"attendance_notifier/internal/domain/dispatch"
	"attendance_notifier/internal/infra/channel"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// Handler wires the application services behind the HTTP routes.
type Handler struct {
	gateway       *channel.Gateway
	transfers     *app.TransferService
	runs          attendance.TransferRunRepository
	notifications *app.NotificationService
	queue         dispatch.Queue
	validate      *validator.Validate
	log           *logrus.Entry
}

func NewHandler(
	gateway *channel.Gateway,
	transfers *app.TransferService,
	runs attendance.TransferRunRepository,
	notifications *app.NotificationService,
	queue dispatch.Queue,
	log *logrus.Entry,
) *Handler {
	return &Handler{
		gateway:       gateway,
		transfers:     transfers,
		runs:          runs,
		notifications: notifications,
		queue:         queue,
		validate:      validator.New(),
		log:           log,
	}
}

// ChannelStatus reports the connection state machine's current snapshot.
func (h *Handler) ChannelStatus(c *fiber.Ctx) error {
	snap := h.gateway.Status()
	resp := fiber.Map{
		"state":     string(snap.State),
		"connected": snap.Connected,
	}
	if snap.Reason != "" {
		resp["reason"] = snap.Reason
	}
	if snap.User != nil {
		resp["user"] = fiber.Map{
			"ref":          snap.User.User,
			"display_name": snap.User.DisplayName,
		}
	}
	if snap.PairingArtifact != nil {
		resp["pairing"] = fiber.Map{
			"code":       snap.PairingArtifact.Code,
			"expires_at": snap.PairingArtifact.ExpiresAt.Format(time.RFC3339),
		}
	}
	return c.JSON(resp)
}

// ChannelEvents streams state transitions as server-sent events. The
// current snapshot is emitted first so a late subscriber starts in sync.
func (h *Handler) ChannelEvents(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	events, cancel := h.gateway.Subscribe()
	snap := h.gateway.Status()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		writeEvent := func(state, reason string, at time.Time) bool {
			payload, _ := json.Marshal(fiber.Map{
				"state":  state,
				"reason": reason,
				"at":     at.Format(time.RFC3339),
			})
			if _, err := fmt.Fprintf(w, "event: channel.status\ndata: %s\n\n", payload); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		if !writeEvent(string(snap.State), snap.Reason, time.Now()) {
			return
		}
		for ev := range events {
			if !writeEvent(string(ev.State), ev.Reason, ev.At) {
				return
			}
		}
	}))
	return nil
}

// StartPairing asks the gateway for a fresh pairing artifact.
func (h *Handler) StartPairing(c *fiber.Ctx) error {
	h.gateway.StartPairing()
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "pairing requested"})
}

// Logout terminates the channel session.
func (h *Handler) Logout(c *fiber.Ctx) error {
	h.gateway.Logout()
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "logout requested"})
}

type syncRequest struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	BatchSize int    `json:"batch_size" validate:"omitempty,min=1,max=10000"`
	Policy    string `json:"policy" validate:"omitempty,oneof=skip update error"`
	TestMode  bool   `json:"test_mode"`
	Preview   bool   `json:"preview"`
}

// Sync triggers a transfer run. Without an explicit window it ingests
// everything since the last successful run.
func (h *Handler) Sync(c *fiber.Ctx) error {
	var req syncRequest
	if err := c.BodyParser(&req); err != nil && !errors.Is(err, fiber.ErrUnprocessableEntity) {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	opts, err := h.transfers.AutoWindow(c.Context())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if req.Start != "" {
		if opts.WindowStart, err = time.Parse(time.RFC3339, req.Start); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "start must be RFC3339"})
		}
	}
	if req.End != "" {
		if opts.WindowEnd, err = time.Parse(time.RFC3339, req.End); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "end must be RFC3339"})
		}
	}
	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}
	if req.Policy != "" {
		opts.Policy = attendance.DuplicatePolicy(req.Policy)
	}
	opts.TestMode = req.TestMode

	if req.Preview {
		counts, err := h.transfers.Preview(c.Context(), opts)
		if err != nil {
			return h.transferError(c, err)
		}
		return c.JSON(fiber.Map{"preview": true, "counts": counts})
	}

	run, err := h.transfers.Run(c.Context(), opts)
	if err != nil {
		return h.transferError(c, err)
	}
	return c.JSON(fiber.Map{
		"run_id": run.ID,
		"status": string(run.Status),
		"counts": run.Counts(),
	})
}

func (h *Handler) transferError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, app.ErrRunInProgress):
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": "a transfer run is already in progress"})
	case errors.Is(err, app.ErrBadWindow), errors.Is(err, app.ErrBadBatchSize):
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}

// RecentRuns lists the most recent transfer runs.
func (h *Handler) RecentRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	runs, err := h.runs.ListRecent(c.Context(), limit)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"runs": runs})
}

type sendRequest struct {
	Contact string `json:"contact" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// Send queues a single direct message. Delivery is asynchronous; the
// response only acknowledges the enqueue.
func (h *Handler) Send(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	attempt, err := h.notifications.EnqueueDirect(c.Context(), req.Contact, req.Message)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"attempt_id": attempt.ID, "status": "queued"})
}

type sendBulkRequest struct {
	Contacts []string `json:"contacts" validate:"required,min=1,dive,required"`
	Message  string   `json:"message" validate:"required"`
}

// SendBulk queues the same message to many contacts.
func (h *Handler) SendBulk(c *fiber.Ctx) error {
	var req sendBulkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	queued := make([]int64, 0, len(req.Contacts))
	for _, contact := range req.Contacts {
		attempt, err := h.notifications.EnqueueDirect(c.Context(), contact, req.Message)
		if err != nil {
			h.log.WithError(err).WithField("contact", contact).Error("Bulk send: enqueue failed")
			continue
		}
		queued = append(queued, attempt.ID)
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"queued": len(queued), "attempt_ids": queued})
}

type sendTestRequest struct {
	StudentID int64  `json:"student_id" validate:"required,min=1"`
	Contact   string `json:"contact"`
}

// SendTest queues a templated test message for a student.
func (h *Handler) SendTest(c *fiber.Ctx) error {
	var req sendTestRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	attempt, err := h.notifications.SendTest(c.Context(), req.StudentID, req.Contact)
	if err != nil {
		if errors.Is(err, app.ErrNoContacts) {
			return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{"error": "student has no active contacts"})
		}
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"attempt_id": attempt.ID, "status": "queued"})
}

// QueueStats reports attempt counts per status.
func (h *Handler) QueueStats(c *fiber.Ctx) error {
	counts, err := h.queue.CountByStatus(c.Context())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	stats := fiber.Map{}
	for status, n := range counts {
		stats[string(status)] = n
	}
	return c.JSON(fiber.Map{"statuses": stats})
}
