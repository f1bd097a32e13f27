package httpapi

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Server exposes the pairing, status and send surface over HTTP.
type Server struct {
	app *fiber.App
	log *logrus.Entry
}

func NewServer(h *Handler, log *logrus.Entry) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	api := app.Group("/api")
	api.Get("/channel/status", h.ChannelStatus)
	api.Get("/channel/events", h.ChannelEvents)
	api.Post("/channel/pair", h.StartPairing)
	api.Post("/channel/logout", h.Logout)

	api.Post("/sync", h.Sync)
	api.Get("/sync/runs", h.RecentRuns)

	api.Post("/messages/send", h.Send)
	api.Post("/messages/send-bulk", h.SendBulk)
	api.Post("/messages/test", h.SendTest)

	api.Get("/queue/stats", h.QueueStats)

	return &Server{app: app, log: log}
}

func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("HTTP server listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
