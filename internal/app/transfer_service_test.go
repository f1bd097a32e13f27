package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"attendance_notifier/internal/domain/attendance"
	idb "attendance_notifier/internal/infra/database"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeScanSource struct {
	events []attendance.RawScanEvent
	pins   []string
	err    error
}

func (f *fakeScanSource) FetchWindow(_ context.Context, start, end time.Time, offset, limit int) ([]attendance.RawScanEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	inWindow := make([]attendance.RawScanEvent, 0)
	for _, ev := range f.events {
		if !ev.ScanTimestamp.Before(start) && !ev.ScanTimestamp.After(end) {
			inWindow = append(inWindow, ev)
		}
	}
	if offset >= len(inWindow) {
		return nil, nil
	}
	inWindow = inWindow[offset:]
	if len(inWindow) > limit {
		inWindow = inWindow[:limit]
	}
	return inWindow, nil
}

func (f *fakeScanSource) DistinctPins(context.Context) ([]string, error) {
	return f.pins, f.err
}

type fakeRecordRepo struct {
	records  map[string]*attendance.Record
	applyErr error
	inserts  int
	updates  int
	resolved map[string]int64
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{
		records:  make(map[string]*attendance.Record),
		resolved: make(map[string]int64),
	}
}

func (f *fakeRecordRepo) GetByNaturalKey(_ context.Context, key attendance.NaturalKey) (*attendance.Record, error) {
	if rec, ok := f.records[key.RecordID()]; ok {
		return rec, nil
	}
	return nil, idb.ErrRecordNotFound
}

func (f *fakeRecordRepo) ApplyBatch(_ context.Context, inserts, updates []*attendance.Record) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	for _, rec := range inserts {
		f.records[rec.AttendanceID] = rec
		f.inserts++
	}
	for _, rec := range updates {
		f.records[rec.AttendanceID] = rec
		f.updates++
	}
	return nil
}

func (f *fakeRecordRepo) ListUnresolved(_ context.Context, after time.Time, afterID string, limit int) ([]*attendance.Record, error) {
	out := make([]*attendance.Record, 0)
	for _, rec := range f.records {
		if rec.StudentID.Valid || rec.DeletedAt.Valid {
			continue
		}
		if rec.ScanTimestamp.Before(after) {
			continue
		}
		if rec.ScanTimestamp.Equal(after) && rec.AttendanceID <= afterID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScanTimestamp.Equal(out[j].ScanTimestamp) {
			return out[i].ScanTimestamp.Before(out[j].ScanTimestamp)
		}
		return out[i].AttendanceID < out[j].AttendanceID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRecordRepo) ResolveStudent(_ context.Context, attendanceID string, studentID int64) error {
	rec, ok := f.records[attendanceID]
	if !ok {
		return idb.ErrRecordNotFound
	}
	rec.StudentID.Int64, rec.StudentID.Valid = studentID, true
	f.resolved[attendanceID] = studentID
	return nil
}

func (f *fakeRecordRepo) StudentIDsWithRecordOn(_ context.Context, day time.Time) ([]int64, error) {
	seen := make(map[int64]struct{})
	out := make([]int64, 0)
	for _, rec := range f.records {
		if rec.StudentID.Valid && rec.ScanTimestamp.Format("2006-01-02") == day.Format("2006-01-02") {
			if _, ok := seen[rec.StudentID.Int64]; !ok {
				seen[rec.StudentID.Int64] = struct{}{}
				out = append(out, rec.StudentID.Int64)
			}
		}
	}
	return out, nil
}

func (f *fakeRecordRepo) Tombstone(_ context.Context, attendanceID string) error {
	rec, ok := f.records[attendanceID]
	if !ok {
		return idb.ErrRecordNotFound
	}
	rec.DeletedAt.Time, rec.DeletedAt.Valid = time.Now(), true
	return nil
}

type fakeRunRepo struct {
	runs    map[int64]*attendance.TransferRun
	nextID  int64
	running bool
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[int64]*attendance.TransferRun)}
}

func (f *fakeRunRepo) Create(_ context.Context, run *attendance.TransferRun) error {
	f.nextID++
	run.ID = f.nextID
	run.Status = attendance.RunStatusRunning
	run.StartedAt = time.Now()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunRepo) Complete(_ context.Context, run *attendance.TransferRun) error {
	run.CompletedAt.Time, run.CompletedAt.Valid = time.Now(), true
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunRepo) GetByID(_ context.Context, id int64) (*attendance.TransferRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, idb.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) HasRunning(context.Context) (bool, error) {
	return f.running, nil
}

func (f *fakeRunRepo) LastCompletedWindowEnd(context.Context) (time.Time, error) {
	var last *attendance.TransferRun
	for _, run := range f.runs {
		if run.Status == attendance.RunStatusSuccess {
			if last == nil || run.ID > last.ID {
				last = run
			}
		}
	}
	if last == nil {
		return time.Time{}, idb.ErrRunNotFound
	}
	return last.WindowEnd, nil
}

func (f *fakeRunRepo) ListRecent(_ context.Context, limit int) ([]*attendance.TransferRun, error) {
	out := make([]*attendance.TransferRun, 0)
	for _, run := range f.runs {
		out = append(out, run)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type staticResolver map[string]int64

func (r staticResolver) Resolve(_ context.Context, pin string) (int64, bool) {
	id, ok := r[pin]
	return id, ok
}

type countingDecider struct{ calls int }

func (d *countingDecider) DecideAndEnqueue(context.Context, *attendance.Record) (int, error) {
	d.calls++
	return 1, nil
}

type recordingEmitter struct{ events []string }

func (e *recordingEmitter) Emit(event string, _ any) { e.events = append(e.events, event) }

func testSchedule() attendance.Schedule {
	return attendance.Schedule{
		EntryStart: 7 * 60,
		EntryEnd:   7*60 + 30,
		LateCutoff: 9 * 60,
		ExitStart:  13*60 + 30,
		ExitEnd:    15 * 60,
	}
}

func scanAt(serial, pin string, ts time.Time) attendance.RawScanEvent {
	return attendance.RawScanEvent{DeviceSerial: serial, DevicePin: pin, ScanTimestamp: ts}
}

func newTransferFixture(source *fakeScanSource) (*TransferService, *fakeRecordRepo, *fakeRunRepo, *countingDecider) {
	records := newFakeRecordRepo()
	runs := newFakeRunRepo()
	decider := &countingDecider{}
	svc := NewTransferService(
		source, records, runs,
		staticResolver{"1042": 42}, decider, nil, testSchedule(),
		500, attendance.PolicySkip, testLog(),
	)
	return svc, records, runs, decider
}

func window() (time.Time, time.Time) {
	return time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)
}

func TestRunIngestsAndClassifies(t *testing.T) {
	entry := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	source := &fakeScanSource{events: []attendance.RawScanEvent{scanAt("DEV-001", "1042", entry)}}
	svc, records, _, decider := newTransferFixture(source)

	start, end := window()
	run, err := svc.Run(context.Background(), TransferOptions{
		WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: attendance.PolicySkip,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != attendance.RunStatusSuccess {
		t.Errorf("status = %s, want success", run.Status)
	}
	if run.RecordsSeen != 1 || run.RecordsInserted != 1 {
		t.Errorf("counts = %+v", run.Counts())
	}

	id := attendance.NaturalKey{DeviceSerial: "DEV-001", ScanTimestamp: entry, DevicePin: "1042"}.RecordID()
	rec, ok := records.records[id]
	if !ok {
		t.Fatal("canonical record was not written")
	}
	if rec.Status != attendance.StatusPresent {
		t.Errorf("record status = %s, want present", rec.Status)
	}
	if !rec.StudentID.Valid || rec.StudentID.Int64 != 42 {
		t.Errorf("record student = %+v, want 42", rec.StudentID)
	}
	if decider.calls != 1 {
		t.Errorf("decider called %d times, want 1", decider.calls)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	entry := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	source := &fakeScanSource{events: []attendance.RawScanEvent{scanAt("DEV-001", "1042", entry)}}
	svc, records, _, _ := newTransferFixture(source)

	start, end := window()
	opts := TransferOptions{WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: attendance.PolicySkip}

	if _, err := svc.Run(context.Background(), opts); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := svc.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.RecordsInserted != 0 || second.RecordsSkipped != 1 {
		t.Errorf("second run counts = %+v, want 0 inserted 1 skipped", second.Counts())
	}
	if len(records.records) != 1 {
		t.Errorf("canonical store holds %d records, want 1", len(records.records))
	}
}

func TestRunErrorPolicyAbortsOnDuplicate(t *testing.T) {
	entry := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	ev := scanAt("DEV-001", "1042", entry)
	source := &fakeScanSource{events: []attendance.RawScanEvent{ev, ev}}
	svc, records, _, _ := newTransferFixture(source)

	start, end := window()
	run, err := svc.Run(context.Background(), TransferOptions{
		WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: attendance.PolicyError,
	})
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("Run error = %v, want ErrDuplicateEvent", err)
	}
	if run.Status != attendance.RunStatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if run.RecordsFailed == 0 {
		t.Error("the duplicate should be counted as failed")
	}
	if len(records.records) > 1 {
		t.Errorf("no duplicate row may be written, store holds %d", len(records.records))
	}
}

func TestRunUpdatePolicyRewrites(t *testing.T) {
	entry := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	ev := scanAt("DEV-001", "1042", entry)
	source := &fakeScanSource{events: []attendance.RawScanEvent{ev}}
	svc, records, _, _ := newTransferFixture(source)

	start, end := window()
	opts := TransferOptions{WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: attendance.PolicyUpdate}
	if _, err := svc.Run(context.Background(), opts); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := svc.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.RecordsUpdated != 1 || second.RecordsInserted != 0 {
		t.Errorf("second run counts = %+v, want 1 updated", second.Counts())
	}
	if records.updates != 1 {
		t.Errorf("repo saw %d updates, want 1", records.updates)
	}
}

func TestRunCountsMalformedEvents(t *testing.T) {
	entry := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	source := &fakeScanSource{events: []attendance.RawScanEvent{
		scanAt("DEV-001", "1042", entry),
		{DeviceSerial: "DEV-001", ScanTimestamp: entry}, // missing pin
	}}
	svc, _, _, _ := newTransferFixture(source)

	start, end := window()
	run, err := svc.Run(context.Background(), TransferOptions{
		WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: attendance.PolicySkip,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != attendance.RunStatusPartial {
		t.Errorf("status = %s, want partial", run.Status)
	}
	if run.RecordsFailed != 1 || run.RecordsInserted != 1 {
		t.Errorf("counts = %+v, want 1 failed 1 inserted", run.Counts())
	}
}

func TestRunRejectsConcurrent(t *testing.T) {
	source := &fakeScanSource{}
	svc, _, runs, _ := newTransferFixture(source)
	runs.running = true

	start, end := window()
	_, err := svc.Run(context.Background(), TransferOptions{
		WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: attendance.PolicySkip,
	})
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Run error = %v, want ErrRunInProgress", err)
	}
}

func TestRunValidatesOptions(t *testing.T) {
	source := &fakeScanSource{}
	svc, _, _, _ := newTransferFixture(source)
	start, end := window()

	tests := []struct {
		name string
		opts TransferOptions
		want error
	}{
		{"zero batch", TransferOptions{WindowStart: start, WindowEnd: end, Policy: attendance.PolicySkip}, ErrBadBatchSize},
		{"oversized batch", TransferOptions{WindowStart: start, WindowEnd: end, BatchSize: 20000, Policy: attendance.PolicySkip}, ErrBadBatchSize},
		{"inverted window", TransferOptions{WindowStart: end, WindowEnd: start, BatchSize: 100, Policy: attendance.PolicySkip}, ErrBadWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Run(context.Background(), tt.opts); !errors.Is(err, tt.want) {
				t.Errorf("Run error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := svc.Run(context.Background(), TransferOptions{
		WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: "merge",
	}); err == nil {
		t.Error("an unknown policy must be rejected")
	}
}

func TestPreviewWritesNothing(t *testing.T) {
	entry := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	source := &fakeScanSource{events: []attendance.RawScanEvent{scanAt("DEV-001", "1042", entry)}}
	svc, records, runs, decider := newTransferFixture(source)

	start, end := window()
	counts, err := svc.Preview(context.Background(), TransferOptions{
		WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: attendance.PolicySkip,
	})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if counts.Seen != 1 || counts.Inserted != 1 {
		t.Errorf("counts = %+v, want 1 seen 1 would-insert", counts)
	}
	if len(records.records) != 0 {
		t.Error("preview must not write canonical records")
	}
	if len(runs.runs) != 0 {
		t.Error("preview must not create an audit row")
	}
	if decider.calls != 0 {
		t.Error("preview must not queue notifications")
	}
}

func TestTestModeSuppressesNotifications(t *testing.T) {
	entry := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	source := &fakeScanSource{events: []attendance.RawScanEvent{scanAt("DEV-001", "1042", entry)}}
	svc, records, _, decider := newTransferFixture(source)

	start, end := window()
	_, err := svc.Run(context.Background(), TransferOptions{
		WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: attendance.PolicySkip, TestMode: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(records.records) != 1 {
		t.Error("test mode still writes canonical records")
	}
	if decider.calls != 0 {
		t.Error("test mode must not queue notifications")
	}
}

func TestRunPaginatesBatches(t *testing.T) {
	base := time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC)
	events := make([]attendance.RawScanEvent, 0, 5)
	for i := 0; i < 5; i++ {
		events = append(events, scanAt("DEV-001", "1042", base.Add(time.Duration(i)*time.Minute)))
	}
	source := &fakeScanSource{events: events}
	svc, records, _, _ := newTransferFixture(source)

	start, end := window()
	run, err := svc.Run(context.Background(), TransferOptions{
		WindowStart: start, WindowEnd: end, BatchSize: 2, Policy: attendance.PolicySkip,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.RecordsInserted != 5 {
		t.Errorf("inserted %d, want 5", run.RecordsInserted)
	}
	if len(records.records) != 5 {
		t.Errorf("store holds %d records, want 5", len(records.records))
	}
}

func TestReconcileRetrofillsStudents(t *testing.T) {
	entry := time.Date(2026, 3, 9, 7, 15, 0, 0, time.UTC)
	source := &fakeScanSource{events: []attendance.RawScanEvent{scanAt("DEV-001", "7777", entry)}}
	records := newFakeRecordRepo()
	runs := newFakeRunRepo()
	resolver := staticResolver{}
	svc := NewTransferService(source, records, runs, resolver, nil, nil, testSchedule(),
		500, attendance.PolicySkip, testLog())

	start, end := window()
	if _, err := svc.Run(context.Background(), TransferOptions{
		WindowStart: start, WindowEnd: end, BatchSize: 100, Policy: attendance.PolicySkip,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The pin gets a mapping after ingestion.
	resolver["7777"] = 77
	resolved, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if resolved != 1 {
		t.Errorf("resolved %d records, want 1", resolved)
	}
	for _, rec := range records.records {
		if !rec.StudentID.Valid || rec.StudentID.Int64 != 77 {
			t.Errorf("record student = %+v, want 77", rec.StudentID)
		}
	}
}

func TestReconcileSweepsPastUnmappableRecords(t *testing.T) {
	records := newFakeRecordRepo()
	resolver := staticResolver{"1042": 42}
	svc := NewTransferService(&fakeScanSource{}, records, newFakeRunRepo(), resolver, nil, nil,
		testSchedule(), 500, attendance.PolicySkip, testLog())

	// A full page of older records whose pins will never map, then one
	// newer record whose pin has a mapping.
	base := time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("orphan-%04d", i)
		records.records[id] = &attendance.Record{
			AttendanceID:  id,
			DevicePin:     "9999",
			ScanTimestamp: base.Add(time.Duration(i) * time.Second),
		}
	}
	records.records["mappable"] = &attendance.Record{
		AttendanceID:  "mappable",
		DevicePin:     "1042",
		ScanTimestamp: base.Add(time.Hour),
	}

	resolved, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved %d records, want 1", resolved)
	}
	rec := records.records["mappable"]
	if !rec.StudentID.Valid || rec.StudentID.Int64 != 42 {
		t.Errorf("record student = %+v, want 42", rec.StudentID)
	}
}

func TestAutoWindowStartsAfterLastSuccess(t *testing.T) {
	source := &fakeScanSource{}
	svc, _, runs, _ := newTransferFixture(source)

	opts, err := svc.AutoWindow(context.Background())
	if err != nil {
		t.Fatalf("AutoWindow: %v", err)
	}
	if opts.WindowStart.Hour() != 0 || opts.WindowStart.Minute() != 0 {
		t.Errorf("first window should start at midnight, got %s", opts.WindowStart)
	}

	prevEnd := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	runs.runs[1] = &attendance.TransferRun{ID: 1, WindowEnd: prevEnd, Status: attendance.RunStatusSuccess}

	opts, err = svc.AutoWindow(context.Background())
	if err != nil {
		t.Fatalf("AutoWindow: %v", err)
	}
	if !opts.WindowStart.Equal(prevEnd) {
		t.Errorf("window start = %s, want %s", opts.WindowStart, prevEnd)
	}
	if opts.BatchSize != 500 || opts.Policy != attendance.PolicySkip {
		t.Errorf("defaults not applied: %+v", opts)
	}
}
