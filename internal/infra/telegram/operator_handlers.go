package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"attendance_notifier/internal/app"
	"attendance_notifier/internal/domain/dispatch"
	"attendance_notifier/internal/infra/channel"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// RegisterOperatorCommands wires the operator-only bot commands. Every
// command is restricted to the configured admin chat; anyone else gets a
// polite refusal.
func RegisterOperatorCommands(
	ctx context.Context,
	b *telebot.Bot,
	adminChatID int64,
	gateway *channel.Gateway,
	transfers *app.TransferService,
	queue dispatch.Queue,
	baseLogger *logrus.Entry,
) {
	logger := baseLogger.WithField("handler_group", "operator")

	adminOnly := func(next func(c telebot.Context) error) func(c telebot.Context) error {
		return func(c telebot.Context) error {
			if c.Sender().ID != adminChatID {
				logger.WithField("sender_id", c.Sender().ID).Warn("Command from non-operator ignored")
				return c.Send("This bot only answers its operator.")
			}
			return next(c)
		}
	}

	b.Handle("/start", adminOnly(func(c telebot.Context) error {
		return c.Send("Attendance notifier online. Use /help for commands.")
	}))

	b.Handle("/help", adminOnly(func(c telebot.Context) error {
		var help strings.Builder
		help.WriteString("Operator commands:\n\n")
		help.WriteString("`/status` - channel connection state\n")
		help.WriteString("`/queue` - notification queue counts\n")
		help.WriteString("`/sync` - run an ingestion pass now\n")
		help.WriteString("`/pair` - request a fresh pairing code\n")
		help.WriteString("`/logout` - terminate the channel session\n")
		return c.Send(help.String(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
	}))

	b.Handle("/status", adminOnly(func(c telebot.Context) error {
		snap := gateway.Status()
		var sb strings.Builder
		fmt.Fprintf(&sb, "Channel state: %s\n", snap.State)
		if snap.User != nil {
			fmt.Fprintf(&sb, "Session: %s\n", snap.User.User)
		}
		if snap.Reason != "" {
			fmt.Fprintf(&sb, "Reason: %s\n", snap.Reason)
		}
		if snap.PairingArtifact != nil {
			fmt.Fprintf(&sb, "Pairing code: %s (expires %s)\n",
				snap.PairingArtifact.Code,
				snap.PairingArtifact.ExpiresAt.Format("15:04:05"))
		}
		return c.Send(sb.String())
	}))

	b.Handle("/queue", adminOnly(func(c telebot.Context) error {
		counts, err := queue.CountByStatus(ctx)
		if err != nil {
			logger.WithError(err).Error("Queue stats lookup failed")
			return c.Send("Could not read queue stats: " + err.Error())
		}
		var sb strings.Builder
		sb.WriteString("Queue:\n")
		for _, status := range []dispatch.Status{
			dispatch.StatusPending, dispatch.StatusInFlight, dispatch.StatusRetrying,
			dispatch.StatusSent, dispatch.StatusFailed,
		} {
			fmt.Fprintf(&sb, "%s: %d\n", status, counts[status])
		}
		return c.Send(sb.String())
	}))

	b.Handle("/sync", adminOnly(func(c telebot.Context) error {
		logger.WithField("command", "/sync").Info("Manual sync requested")
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		opts, err := transfers.AutoWindow(runCtx)
		if err != nil {
			return c.Send("Could not compute sync window: " + err.Error())
		}
		run, err := transfers.Run(runCtx, opts)
		if err != nil {
			if err == app.ErrRunInProgress {
				return c.Send("A sync run is already in progress.")
			}
			return c.Send("Sync failed: " + err.Error())
		}
		return c.Send(fmt.Sprintf(
			"Sync run %d finished with status %s.\nSeen %d, inserted %d, updated %d, skipped %d, failed %d.",
			run.ID, run.Status,
			run.RecordsSeen, run.RecordsInserted, run.RecordsUpdated, run.RecordsSkipped, run.RecordsFailed,
		))
	}))

	b.Handle("/pair", adminOnly(func(c telebot.Context) error {
		gateway.StartPairing()
		return c.Send("Pairing requested. Use /status to read the code.")
	}))

	b.Handle("/logout", adminOnly(func(c telebot.Context) error {
		gateway.Logout()
		return c.Send("Logout requested.")
	}))
}
