package scheduler

import (
	"context"
	"time"

	"attendance_notifier/internal/app"
	"attendance_notifier/internal/domain/dispatch"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Config carries the cron specs and retention knobs for the background jobs.
type Config struct {
	SyncSpec    string // e.g. "*/5 * * * *"
	AbsenceSpec string // e.g. "0 11 * * *", after the entry windows close
	CleanupSpec string // e.g. "30 1 * * *"

	RetentionDays int
	StaleClaimAge time.Duration
}

// Scheduler runs the periodic sync, absence and housekeeping jobs.
type Scheduler struct {
	cronEngine    *cron.Cron
	transfers     *app.TransferService
	notifications *app.NotificationService
	queue         dispatch.Queue
	cfg           Config
	log           *logrus.Entry
}

func New(
	transfers *app.TransferService,
	notifications *app.NotificationService,
	queue dispatch.Queue,
	cfg Config,
	log *logrus.Entry,
) *Scheduler {
	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = 10 * time.Minute
	}
	return &Scheduler{
		cronEngine:    cron.New(cron.WithLocation(time.Local)),
		transfers:     transfers,
		notifications: notifications,
		queue:         queue,
		cfg:           cfg,
		log:           log,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cronEngine.AddFunc(s.cfg.SyncSpec, s.runSync); err != nil {
		return err
	}
	if _, err := s.cronEngine.AddFunc(s.cfg.AbsenceSpec, s.runAbsencePass); err != nil {
		return err
	}
	if _, err := s.cronEngine.AddFunc(s.cfg.CleanupSpec, s.runCleanup); err != nil {
		return err
	}

	s.cronEngine.Start()
	s.log.WithFields(logrus.Fields{
		"sync_spec":    s.cfg.SyncSpec,
		"absence_spec": s.cfg.AbsenceSpec,
		"cleanup_spec": s.cfg.CleanupSpec,
	}).Info("Scheduler started")
	return nil
}

// runSync ingests everything since the last successful run, then retries
// resolution for records that were ingested before their pin was mapped.
func (s *Scheduler) runSync() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	opts, err := s.transfers.AutoWindow(ctx)
	if err != nil {
		s.log.WithError(err).Error("Scheduled sync: could not compute window")
		return
	}
	run, err := s.transfers.Run(ctx, opts)
	if err != nil {
		if err == app.ErrRunInProgress {
			s.log.Info("Scheduled sync skipped, a run is already in progress")
			return
		}
		s.log.WithError(err).Error("Scheduled sync failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"inserted": run.RecordsInserted,
		"skipped":  run.RecordsSkipped,
		"failed":   run.RecordsFailed,
	}).Info("Scheduled sync finished")

	resolved, err := s.transfers.Reconcile(ctx)
	if err != nil {
		s.log.WithError(err).Error("Reconcile pass failed")
		return
	}
	if resolved > 0 {
		s.log.WithField("resolved", resolved).Info("Reconcile pass resolved records")
	}
}

func (s *Scheduler) runAbsencePass() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	queued, err := s.notifications.AbsencePass(ctx, time.Now())
	if err != nil {
		s.log.WithError(err).Error("Absence pass failed")
		return
	}
	s.log.WithField("queued", queued).Info("Absence pass finished")
}

// runCleanup prunes settled attempts past retention and releases claims
// orphaned by a crashed drain.
func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	released, err := s.queue.ReleaseClaims(ctx, s.cfg.StaleClaimAge)
	if err != nil {
		s.log.WithError(err).Error("Cleanup: could not release stale claims")
	} else if released > 0 {
		s.log.WithField("released", released).Warn("Cleanup released stale claims")
	}

	if s.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
		deleted, err := s.queue.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.log.WithError(err).Error("Cleanup: could not prune old attempts")
			return
		}
		if deleted > 0 {
			s.log.WithField("deleted", deleted).Info("Cleanup pruned old attempts")
		}
	}
}

func (s *Scheduler) Stop() {
	stopCtx := s.cronEngine.Stop()
	<-stopCtx.Done()
	s.log.Info("Scheduler stopped")
}
