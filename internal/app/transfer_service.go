package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"attendance_notifier/internal/domain/attendance"
	idb "attendance_notifier/internal/infra/database"

	"github.com/sirupsen/logrus"
)

const (
	minBatchSize = 1
	maxBatchSize = 10000
)

// Resolver maps a device pin to a student identity.
type Resolver interface {
	Resolve(ctx context.Context, devicePin string) (int64, bool)
}

// Decider turns a freshly ingested canonical record into queued
// notification attempts.
type Decider interface {
	DecideAndEnqueue(ctx context.Context, rec *attendance.Record) (int, error)
}

// Emitter is the webhook relay seen from the application layer.
type Emitter interface {
	Emit(event string, payload any)
}

// TransferOptions parameterize one synchronization run.
type TransferOptions struct {
	WindowStart time.Time
	WindowEnd   time.Time
	BatchSize   int
	Policy      attendance.DuplicatePolicy
	// TestMode writes canonical records but suppresses notifications.
	TestMode bool
}

// TransferService is the ingestion/transfer engine: it pulls raw scan
// events from the external store, deduplicates them against the canonical
// store and writes canonical rows batch-transactionally, leaving exactly
// one TransferRun audit row per invocation.
type TransferService struct {
	source   attendance.ScanSource
	records  attendance.RecordRepository
	runs     attendance.TransferRunRepository
	resolver Resolver
	decider  Decider // may be nil
	relay    Emitter // may be nil
	schedule attendance.Schedule

	defaultBatchSize int
	defaultPolicy    attendance.DuplicatePolicy
	log              *logrus.Entry
}

func NewTransferService(
	source attendance.ScanSource,
	records attendance.RecordRepository,
	runs attendance.TransferRunRepository,
	resolver Resolver,
	decider Decider,
	relay Emitter,
	schedule attendance.Schedule,
	defaultBatchSize int,
	defaultPolicy attendance.DuplicatePolicy,
	log *logrus.Entry,
) *TransferService {
	if defaultBatchSize < minBatchSize || defaultBatchSize > maxBatchSize {
		defaultBatchSize = 500
	}
	return &TransferService{
		source:           source,
		records:          records,
		runs:             runs,
		resolver:         resolver,
		decider:          decider,
		relay:            relay,
		schedule:         schedule,
		defaultBatchSize: defaultBatchSize,
		defaultPolicy:    defaultPolicy,
		log:              log,
	}
}

func validateOptions(opts TransferOptions) error {
	if opts.BatchSize < minBatchSize || opts.BatchSize > maxBatchSize {
		return ErrBadBatchSize
	}
	if opts.WindowStart.After(opts.WindowEnd) {
		return ErrBadWindow
	}
	if _, err := attendance.ParseDuplicatePolicy(string(opts.Policy)); err != nil {
		return err
	}
	return nil
}

// AutoWindow derives options for the next synchronization run: a window
// from the end of the last successful run (or midnight today when there is
// none) until now, with the configured batch size and duplicate policy.
func (s *TransferService) AutoWindow(ctx context.Context) (TransferOptions, error) {
	opts := TransferOptions{
		BatchSize: s.defaultBatchSize,
		Policy:    s.defaultPolicy,
	}
	now := time.Now()
	start, err := s.runs.LastCompletedWindowEnd(ctx)
	if err != nil {
		if !errors.Is(err, idb.ErrRunNotFound) {
			return opts, fmt.Errorf("failed to derive auto window: %w", err)
		}
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	}
	opts.WindowStart, opts.WindowEnd = start, now
	return opts, nil
}

// Run executes one synchronization run. At most one run may be in progress
// at a time; a second caller gets ErrRunInProgress.
func (s *TransferService) Run(ctx context.Context, opts TransferOptions) (*attendance.TransferRun, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	running, err := s.runs.HasRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for running transfer: %w", err)
	}
	if running {
		return nil, ErrRunInProgress
	}

	run := &attendance.TransferRun{WindowStart: opts.WindowStart, WindowEnd: opts.WindowEnd}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create transfer run: %w", err)
	}
	logCtx := s.log.WithFields(logrus.Fields{
		"run_id":       run.ID,
		"window_start": opts.WindowStart.Format(time.RFC3339),
		"window_end":   opts.WindowEnd.Format(time.RFC3339),
		"policy":       opts.Policy,
	})
	logCtx.Info("Transfer run started")

	runErr := s.process(ctx, run, opts, false)

	switch {
	case runErr != nil:
		run.Status = attendance.RunStatusFailed
	case run.RecordsFailed > 0:
		run.Status = attendance.RunStatusPartial
	default:
		run.Status = attendance.RunStatusSuccess
	}
	// Complete with a background context so a cancelled run still leaves
	// a finished audit row.
	if err := s.runs.Complete(context.Background(), run); err != nil {
		logCtx.WithError(err).Error("Failed to complete transfer run")
		if runErr == nil {
			runErr = err
		}
	}

	logCtx.WithFields(logrus.Fields{
		"status":   run.Status,
		"seen":     run.RecordsSeen,
		"inserted": run.RecordsInserted,
		"updated":  run.RecordsUpdated,
		"skipped":  run.RecordsSkipped,
		"failed":   run.RecordsFailed,
	}).Info("Transfer run finished")

	if s.relay != nil {
		s.relay.Emit("transfer.completed", run)
	}
	if runErr != nil {
		return run, fmt.Errorf("transfer run %d: %w", run.ID, runErr)
	}
	return run, nil
}

// Preview performs the read/validate/dedup pass of a run without writing
// anything: no canonical rows, no audit row, no notifications.
func (s *TransferService) Preview(ctx context.Context, opts TransferOptions) (attendance.Counts, error) {
	if err := validateOptions(opts); err != nil {
		return attendance.Counts{}, err
	}
	run := &attendance.TransferRun{WindowStart: opts.WindowStart, WindowEnd: opts.WindowEnd}
	if err := s.process(ctx, run, opts, true); err != nil {
		return run.Counts(), fmt.Errorf("preview: %w", err)
	}
	return run.Counts(), nil
}

// process runs the batched ingestion loop, accumulating counters on run.
// With dryRun set it performs no writes and no enqueues.
func (s *TransferService) process(ctx context.Context, run *attendance.TransferRun, opts TransferOptions, dryRun bool) error {
	seenKeys := make(map[string]struct{})
	offset := 0

	for {
		// Cancellation is checked between batches; an in-flight batch is
		// allowed to commit so no partially-applied state is left behind.
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := s.source.FetchWindow(ctx, opts.WindowStart, opts.WindowEnd, offset, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("scan source unavailable: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		offset += len(events)

		inserts := make([]*attendance.Record, 0, len(events))
		updates := make([]*attendance.Record, 0)

		for _, ev := range events {
			run.RecordsSeen++

			if err := ev.Validate(); err != nil {
				run.RecordsFailed++
				s.log.WithError(err).Debug("Rejected malformed scan event")
				continue
			}

			key := ev.NaturalKey()
			id := key.RecordID()

			duplicate := false
			if _, ok := seenKeys[id]; ok {
				duplicate = true
			} else {
				existing, err := s.records.GetByNaturalKey(ctx, key)
				if err != nil && !errors.Is(err, idb.ErrRecordNotFound) {
					return fmt.Errorf("canonical store lookup failed: %w", err)
				}
				duplicate = existing != nil
			}
			seenKeys[id] = struct{}{}

			if duplicate {
				switch opts.Policy {
				case attendance.PolicySkip:
					run.RecordsSkipped++
				case attendance.PolicyUpdate:
					updates = append(updates, s.buildRecord(ctx, ev))
					run.RecordsUpdated++
				case attendance.PolicyError:
					run.RecordsFailed++
					return fmt.Errorf("%w: %s/%s at %s", ErrDuplicateEvent,
						ev.DeviceSerial, ev.DevicePin, ev.ScanTimestamp.Format(time.RFC3339))
				}
				continue
			}

			inserts = append(inserts, s.buildRecord(ctx, ev))
			run.RecordsInserted++
		}

		if !dryRun {
			if err := s.records.ApplyBatch(ctx, inserts, updates); err != nil {
				// The batch rolled back; pull its contribution back out of
				// the counters.
				run.RecordsInserted -= len(inserts)
				run.RecordsUpdated -= len(updates)
				return fmt.Errorf("canonical batch write failed: %w", err)
			}
			if s.decider != nil && !opts.TestMode {
				for _, rec := range inserts {
					if _, err := s.decider.DecideAndEnqueue(ctx, rec); err != nil {
						s.log.WithError(err).WithField("attendance_id", rec.AttendanceID).
							Error("Failed to enqueue notifications for record")
					}
				}
			}
		}

		if len(events) < opts.BatchSize {
			return nil
		}
	}
}

func (s *TransferService) buildRecord(ctx context.Context, ev attendance.RawScanEvent) *attendance.Record {
	rec := &attendance.Record{
		AttendanceID:  ev.NaturalKey().RecordID(),
		DevicePin:     ev.DevicePin,
		ScanTimestamp: ev.ScanTimestamp,
		DeviceSerial:  ev.DeviceSerial,
		InOutMode:     ev.InOutMode,
		Status:        s.schedule.Classify(ev.ScanTimestamp),
	}
	if studentID, ok := s.resolver.Resolve(ctx, ev.DevicePin); ok {
		rec.StudentID = sql.NullInt64{Int64: studentID, Valid: true}
	}
	return rec
}

// Reconcile retro-fills student ids on records that were ingested before
// their pin had a mapping. Triggered after mapping changes. The sweep pages
// by cursor, so records whose pins still have no mapping are stepped over
// rather than fetched again on every page.
func (s *TransferService) Reconcile(ctx context.Context) (int, error) {
	const pageSize = 500
	resolved := 0
	var after time.Time
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		unresolved, err := s.records.ListUnresolved(ctx, after, afterID, pageSize)
		if err != nil {
			return resolved, fmt.Errorf("failed to list unresolved records: %w", err)
		}
		for _, rec := range unresolved {
			studentID, ok := s.resolver.Resolve(ctx, rec.DevicePin)
			if !ok {
				continue
			}
			if err := s.records.ResolveStudent(ctx, rec.AttendanceID, studentID); err != nil {
				s.log.WithError(err).WithField("attendance_id", rec.AttendanceID).
					Error("Failed to retro-fill student on record")
				continue
			}
			resolved++
		}
		if len(unresolved) < pageSize {
			return resolved, nil
		}
		last := unresolved[len(unresolved)-1]
		after, afterID = last.ScanTimestamp, last.AttendanceID
	}
}
