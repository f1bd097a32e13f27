package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendance_notifier/internal/app"
	"attendance_notifier/internal/domain/dispatch"
	"attendance_notifier/internal/infra/channel"
	"attendance_notifier/internal/infra/config"
	idb "attendance_notifier/internal/infra/database"
	"attendance_notifier/internal/infra/httpapi"
	"attendance_notifier/internal/infra/logger"
	"attendance_notifier/internal/infra/scheduler"
	"attendance_notifier/internal/infra/telegram"
	"attendance_notifier/internal/infra/webhook"

	"gopkg.in/telebot.v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Get().Fatalf("Could not load application configuration: %v", err)
	}
	logger.Init(cfg)
	log := logger.Get().WithField("component", "main")
	log.WithField("environment", cfg.Environment).Info("Attendance notifier gateway starting")

	// Local store for records, mappings and the notification queue.
	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Could not connect to database")
	}
	defer db.Close()

	// The raw scan store is usually a separate machine-local database.
	scanDB := db
	if cfg.ScanDatabaseURL != cfg.DatabaseURL {
		scanDB, err = idb.NewPostgresConnection(cfg.ScanDatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("Could not connect to scan database")
		}
		defer scanDB.Close()
	}
	log.Info("Database connections established")

	scanSource := idb.NewPostgresScanSource(scanDB)
	recordRepo := idb.NewPostgresAttendanceRepository(db)
	runRepo := idb.NewPostgresTransferLog(db)
	rosterRepo := idb.NewPostgresRosterRepository(db)
	mappingRepo := idb.NewPostgresMappingRepository(db)
	queue := idb.NewPostgresDispatchQueue(db, cfg.RetryCeiling)
	sessionStore := idb.NewPostgresSessionStore(db)

	relay := webhook.NewRelay(cfg.WebhookURLs, logger.Get().WithField("component", "webhook"))

	transport := channel.NewRESTTransport(cfg.ChannelAPIBaseURL, cfg.ChannelAPIToken)
	gateway := channel.NewGateway(
		transport,
		sessionStore,
		relay,
		dispatchRetryPolicy(cfg),
		channel.Config{PairingTimeout: cfg.PairingTimeout},
		logger.Get().WithField("component", "channel"),
	)

	mappingService := app.NewMappingService(
		mappingRepo, rosterRepo, scanSource,
		logger.Get().WithField("component", "mapping"),
	)
	notificationService := app.NewNotificationService(
		rosterRepo, recordRepo, queue,
		app.DefaultTemplates(), cfg.SchoolName, cfg.SchoolPhone,
		logger.Get().WithField("component", "notification"),
	)
	transferService := app.NewTransferService(
		scanSource, recordRepo, runRepo,
		mappingService, notificationService, relay, cfg.Schedule,
		cfg.BatchSize, cfg.DuplicatePolicy,
		logger.Get().WithField("component", "transfer"),
	)

	// Optional operator channel over Telegram.
	var alerter app.Alerter
	var bot *telebot.Bot
	if cfg.TelegramToken != "" {
		bot, err = telebot.NewBot(telebot.Settings{
			Token:  cfg.TelegramToken,
			Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
			OnError: func(err error, c telebot.Context) {
				logger.Get().WithError(err).Error("Telegram handler error")
			},
		})
		if err != nil {
			log.WithError(err).Fatal("Could not create Telegram bot")
		}
		adapter := telegram.NewTelebotAdapter(bot)
		alerter = telegram.NewOperatorNotifier(adapter, cfg.AdminTelegramID,
			logger.Get().WithField("component", "telegram"))
	}

	dispatcher := app.NewDispatcher(
		queue, gateway, relay, alerter,
		cfg.SendTimeout, cfg.MessageDelay, cfg.DrainBatchMax,
		logger.Get().WithField("component", "dispatcher"),
	)

	jobs := scheduler.New(transferService, notificationService, queue, scheduler.Config{
		SyncSpec:      cfg.SyncCronSpec,
		AbsenceSpec:   cfg.AbsenceCronSpec,
		CleanupSpec:   cfg.CleanupCronSpec,
		RetentionDays: cfg.LogRetentionDays,
	}, logger.Get().WithField("component", "scheduler"))

	handler := httpapi.NewHandler(gateway, transferService, runRepo, notificationService, queue,
		logger.Get().WithField("component", "http"))
	server := httpapi.NewServer(handler, logger.Get().WithField("component", "http"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go gateway.Run(ctx)
	go dispatcher.Run(ctx, cfg.DrainInterval)
	if err := jobs.Start(); err != nil {
		log.WithError(err).Fatal("Could not start scheduler")
	}
	if bot != nil {
		telegram.RegisterOperatorCommands(ctx, bot, cfg.AdminTelegramID,
			gateway, transferService, queue,
			logger.Get().WithField("component", "telegram"))
		go bot.Start()
	}
	go func() {
		if err := server.Listen(cfg.HTTPListenAddr); err != nil {
			log.WithError(err).Fatal("HTTP server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	cancel()
	jobs.Stop()
	if bot != nil {
		bot.Stop()
	}
	if err := server.Shutdown(); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	relay.Wait()
	log.Info("Shut down gracefully")
}

// dispatchRetryPolicy derives the reconnect backoff from the delivery
// retry ceiling so both sides share one knob.
func dispatchRetryPolicy(cfg *config.AppConfig) dispatch.RetryPolicy {
	p := dispatch.DefaultRetryPolicy()
	p.MaxAttempts = cfg.RetryCeiling
	return p
}
