package service

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/lock"
	"github.com/vibast-solutions/ms-go-mailer/app/metrics"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
	"github.com/vibast-solutions/ms-go-mailer/app/provider"
	"github.com/vibast-solutions/ms-go-mailer/app/reactor"
	"github.com/vibast-solutions/ms-go-mailer/app/repository"
	_ "modernc.org/sqlite"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

const rawMessage = "From: noreply@example.com\r\n" +
	"To: a@example.com\r\n" +
	"Subject: Welcome\r\n" +
	"Message-ID: <m1@example.com>\r\n" +
	"\r\n" +
	"Hello there\r\n"

type payloadContaining string

func (p payloadContaining) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, string(p))
}

type fakeTransport struct {
	mu      sync.Mutex
	results []error
	calls   []provider.Envelope
}

func (f *fakeTransport) Send(_ context.Context, env provider.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, env)
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return err
}

func (f *fakeTransport) Name() string {
	return "fake"
}

func (f *fakeTransport) Calls() []provider.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Envelope(nil), f.calls...)
}

type pendingRow struct {
	attempt entity.DeliveryAttempt
	runAt   time.Time
}

type failedRow struct {
	attempt entity.DeliveryAttempt
	cause   error
}

type fakeStore struct {
	mu      sync.Mutex
	err     error
	pending []pendingRow
	failed  []failedRow
	written chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{written: make(chan struct{}, 32)}
}

func (s *fakeStore) InsertPending(_ context.Context, payload entity.Payload, runAt time.Time) (entity.Job, error) {
	defer func() { s.written <- struct{}{} }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return entity.Job{}, s.err
	}
	s.pending = append(s.pending, pendingRow{attempt: payload.(entity.DeliveryAttempt), runAt: runAt})
	return entity.Job{ID: int64(len(s.pending)), RunAt: runAt}, nil
}

func (s *fakeStore) InsertFailed(_ context.Context, payload entity.Payload, cause error) (entity.Job, error) {
	defer func() { s.written <- struct{}{} }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return entity.Job{}, s.err
	}
	s.failed = append(s.failed, failedRow{attempt: payload.(entity.DeliveryAttempt), cause: cause})
	return entity.Job{ID: int64(100 + len(s.failed))}, nil
}

func (s *fakeStore) waitWrite(t *testing.T) {
	t.Helper()
	select {
	case <-s.written:
	case <-time.After(2 * time.Second):
		t.Fatal("store write did not happen")
	}
}

func (s *fakeStore) lastPending(t *testing.T) pendingRow {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		t.Fatal("expected a pending row")
	}
	return s.pending[len(s.pending)-1]
}

type fakeLocker struct {
	mu       sync.Mutex
	err      error
	acquired []string
	released []string
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.acquired = append(l.acquired, key)
	return nil
}

func (l *fakeLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, key)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []entity.Job
}

func (n *fakeNotifier) Notify(_ context.Context, job entity.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	return nil
}

func newTestService(t *testing.T, settings entity.DeliverySettings, transport provider.Transport, jobs JobStore, opts ...Option) (*DeliveryService, *reactor.Reactor, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	r := reactor.New(reactor.WithLogger(logrus.NewEntry(logger)))
	t.Cleanup(func() { stopReactor(t, r) })

	opts = append([]Option{WithLogger(logrus.NewEntry(logger)), WithClock(func() time.Time { return fixedNow })}, opts...)
	svc := NewDeliveryService(settings, preparer.NewDefaultChain(), transport, jobs, r, opts...)
	return svc, r, hook
}

func stopReactor(t *testing.T, r *reactor.Reactor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDeliverSucceedsWithoutWritingJobs(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	store := newFakeStore()
	svc, r, _ := newTestService(t, entity.DefaultDeliverySettings(), transport, store)

	id, err := svc.Deliver(context.Background(), []byte(rawMessage))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if id == "" {
		t.Fatal("expected a delivery id")
	}
	if !r.IsRunning() {
		t.Fatal("expected reactor to be running after Deliver")
	}

	stopReactor(t, r)

	calls := transport.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(calls))
	}
	if calls[0].From != "noreply@example.com" || strings.Join(calls[0].To, ",") != "a@example.com" {
		t.Fatalf("unexpected envelope: %+v", calls[0])
	}
	if len(store.pending) != 0 || len(store.failed) != 0 {
		t.Fatalf("expected no job rows, got %d pending %d failed", len(store.pending), len(store.failed))
	}
}

func TestDeliverFailureWritesPendingRetry(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	settings := entity.DefaultDeliverySettings()
	settings.MaxAttempts = entity.IntPtr(3)
	repo := repository.NewJobRepository(db, repository.WithClock(func() time.Time { return fixedNow }))
	transport := &fakeTransport{results: []error{errors.New("connection refused"), nil}}
	svc, r, _ := newTestService(t, settings, transport, repo)

	mock.ExpectExec("INSERT INTO delayed_jobs").
		WithArgs(0, "mailers", payloadContaining("attempt_number: 2"), fixedNow.Add(6*time.Second), fixedNow, fixedNow, nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if _, err := svc.Deliver(context.Background(), []byte(rawMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	stopReactor(t, r)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
	if len(transport.Calls()) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(transport.Calls()))
	}
}

func TestRetriesUntilCeilingThenWritesFailedJob(t *testing.T) {
	t.Parallel()

	settings := entity.DefaultDeliverySettings()
	settings.MaxAttempts = entity.IntPtr(3)
	transport := &fakeTransport{results: []error{errors.New("451 try later")}}
	store := newFakeStore()
	svc, r, hook := newTestService(t, settings, transport, store)

	if _, err := svc.Deliver(context.Background(), []byte(rawMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	store.waitWrite(t)
	if got := store.lastPending(t).attempt.AttemptNumber; got != 2 {
		t.Fatalf("expected pending attempt 2, got %d", got)
	}

	resume := func() {
		t.Helper()
		payload, err := entity.EncodePayload(store.lastPending(t).attempt)
		if err != nil {
			t.Fatalf("EncodePayload: %v", err)
		}
		if err := svc.HandlePayload(context.Background(), payload); err != nil {
			t.Fatalf("HandlePayload: %v", err)
		}
	}

	resume()
	store.waitWrite(t)
	if got := store.lastPending(t).attempt.AttemptNumber; got != 3 {
		t.Fatalf("expected pending attempt 3, got %d", got)
	}

	resume()
	store.waitWrite(t)
	stopReactor(t, r)

	if len(transport.Calls()) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(transport.Calls()))
	}
	if len(store.pending) != 2 {
		t.Fatalf("expected 2 pending rows, got %d", len(store.pending))
	}
	if len(store.failed) != 1 {
		t.Fatalf("expected 1 failed row, got %d", len(store.failed))
	}
	failed := store.failed[0]
	if failed.attempt.AttemptNumber != 4 {
		t.Fatalf("expected failed payload to carry attempt 4, got %d", failed.attempt.AttemptNumber)
	}
	if failed.cause == nil || failed.cause.Error() != "451 try later" {
		t.Fatalf("unexpected failure cause: %v", failed.cause)
	}

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel &&
			strings.Contains(entry.Message, "a@example.com") &&
			strings.Contains(entry.Message, "Hello there") {
			logged = true
		}
	}
	if !logged {
		t.Fatal("expected an error log with the recipients and message body")
	}
}

func TestUnlimitedAttemptsAlwaysWritePending(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{results: []error{errors.New("down")}}
	store := newFakeStore()
	svc, r, _ := newTestService(t, entity.DefaultDeliverySettings(), transport, store)

	if _, err := svc.Deliver(context.Background(), []byte(rawMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	store.waitWrite(t)

	for i := 2; i <= 10; i++ {
		if err := svc.Resume(context.Background(), store.lastPending(t).attempt); err != nil {
			t.Fatalf("Resume attempt %d: %v", i, err)
		}
		store.waitWrite(t)
	}
	stopReactor(t, r)

	if len(store.failed) != 0 {
		t.Fatalf("expected no failed rows, got %d", len(store.failed))
	}
	if len(store.pending) != 10 {
		t.Fatalf("expected 10 pending rows, got %d", len(store.pending))
	}
	for i, row := range store.pending {
		if row.attempt.AttemptNumber != i+2 {
			t.Fatalf("row %d: expected attempt %d, got %d", i, i+2, row.attempt.AttemptNumber)
		}
		if row.attempt.DeliveryID != store.pending[0].attempt.DeliveryID {
			t.Fatalf("row %d: delivery id changed", i)
		}
	}
	if want := fixedNow.Add(261 * time.Second); !store.pending[3].runAt.Equal(want) {
		t.Fatalf("expected attempt 5 at %v, got %v", want, store.pending[3].runAt)
	}
}

func TestDeliverRejectsUnsupportedAuth(t *testing.T) {
	t.Parallel()

	settings := entity.DefaultDeliverySettings()
	settings.Authentication = entity.AuthMode("login")
	transport := &fakeTransport{}
	svc, r, _ := newTestService(t, settings, transport, newFakeStore())

	_, err := svc.Deliver(context.Background(), []byte(rawMessage))
	var cfgErr *entity.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if r.IsRunning() {
		t.Fatal("expected reactor not to start")
	}
	if len(transport.Calls()) != 0 {
		t.Fatal("expected no transport call")
	}
}

func TestDeliverRejectsMessageWithoutRecipients(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, entity.DefaultDeliverySettings(), &fakeTransport{}, newFakeStore())

	_, err := svc.Deliver(context.Background(), []byte("From: noreply@example.com\r\nSubject: x\r\n\r\nbody"))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestDeliverHonoursRoutingOverride(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	svc, r, _ := newTestService(t, entity.DefaultDeliverySettings(), transport, newFakeStore())

	raw := "From: noreply@example.com\r\n" +
		"To: a@example.com\r\n" +
		"X-EM-SMTP-RCPT-TO: ops@example.com\r\n" +
		"Subject: Routed\r\n" +
		"\r\n" +
		"body\r\n"
	if _, err := svc.Deliver(context.Background(), []byte(raw)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	stopReactor(t, r)

	calls := transport.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(calls))
	}
	if strings.Join(calls[0].To, ",") != "ops@example.com" {
		t.Fatalf("expected override recipients, got %v", calls[0].To)
	}
	if strings.Contains(string(calls[0].Message), "X-EM-SMTP-RCPT-TO") {
		t.Fatal("expected routing header to be stripped")
	}
}

func TestDeliverRejectsDuplicate(t *testing.T) {
	t.Parallel()

	locker := &fakeLocker{err: lock.ErrNotAcquired}
	transport := &fakeTransport{}
	svc, _, _ := newTestService(t, entity.DefaultDeliverySettings(), transport, newFakeStore(), WithLocker(locker, time.Minute))

	_, err := svc.Deliver(WithRequestID(context.Background(), "req-1"), []byte(rawMessage))
	if !errors.Is(err, ErrDuplicateDelivery) {
		t.Fatalf("expected ErrDuplicateDelivery, got %v", err)
	}
	if len(transport.Calls()) != 0 {
		t.Fatal("expected no transport call")
	}
}

func TestDeliverReleasesLockOnceSettled(t *testing.T) {
	t.Parallel()

	locker := &fakeLocker{}
	svc, r, _ := newTestService(t, entity.DefaultDeliverySettings(), &fakeTransport{}, newFakeStore(), WithLocker(locker, time.Minute))

	if _, err := svc.Deliver(WithRequestID(context.Background(), "req-9"), []byte(rawMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	stopReactor(t, r)

	want := lock.DeliveryKey("request", "req-9")
	if len(locker.acquired) != 1 || locker.acquired[0] != want {
		t.Fatalf("unexpected acquired keys: %v", locker.acquired)
	}
	if len(locker.released) != 1 || locker.released[0] != want {
		t.Fatalf("unexpected released keys: %v", locker.released)
	}
}

func TestFailedDeliveriesSettleWhileLockPoolIsExhausted(t *testing.T) {
	t.Parallel()

	lockDB, lockMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer lockDB.Close()
	lockDB.SetMaxOpenConns(1)

	storeDB, storeMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer storeDB.Close()
	storeDB.SetMaxOpenConns(1)

	repo := repository.NewJobRepository(storeDB, repository.WithClock(func() time.Time { return fixedNow }))
	if err := repo.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer repo.Close()

	for _, id := range []string{"req-a", "req-b"} {
		key := lock.DeliveryKey("request", id)
		lockMock.ExpectQuery(`SELECT GET_LOCK\(\?, 0\)`).
			WithArgs(key).
			WillReturnRows(sqlmock.NewRows([]string{"acquired"}).AddRow(1))
		lockMock.ExpectExec("SELECT RELEASE_LOCK").
			WithArgs(key).
			WillReturnResult(sqlmock.NewResult(0, 1))
		storeMock.ExpectExec("INSERT INTO delayed_jobs").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}

	transport := &fakeTransport{results: []error{errors.New("connection refused")}}
	locker := lock.NewMySQLLocker(lockDB)
	svc, r, _ := newTestService(t, entity.DefaultDeliverySettings(), transport, repo, WithLocker(locker, time.Minute))

	// The second delivery waits for the lock pool's only connection, which
	// comes back once the first delivery's retry row is written.
	for _, id := range []string{"req-a", "req-b"} {
		ctx, cancel := context.WithTimeout(WithRequestID(context.Background(), id), 2*time.Second)
		_, err := svc.Deliver(ctx, []byte(rawMessage))
		cancel()
		if err != nil {
			t.Fatalf("Deliver %s: %v", id, err)
		}
	}

	stopReactor(t, r)

	if err := storeMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store expectations: %v", err)
	}
	if err := lockMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("lock expectations: %v", err)
	}
}

func TestPendingJobNotifiesWorkerPool(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{}
	store := newFakeStore()
	svc, r, _ := newTestService(t, entity.DefaultDeliverySettings(), &fakeTransport{results: []error{errors.New("down")}}, store, WithNotifier(notifier))

	if _, err := svc.Deliver(context.Background(), []byte(rawMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	stopReactor(t, r)

	if len(notifier.jobs) != 1 || notifier.jobs[0].ID != 1 {
		t.Fatalf("unexpected notified jobs: %+v", notifier.jobs)
	}
}

func TestResumeRejectsBadAttempt(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, entity.DefaultDeliverySettings(), &fakeTransport{}, newFakeStore())

	err := svc.Resume(context.Background(), entity.DeliveryAttempt{AttemptNumber: 0, To: []string{"a@example.com"}})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if err := svc.HandlePayload(context.Background(), []byte("handler: other\n")); err == nil {
		t.Fatal("expected error for unknown handler")
	}
}

// Not parallel: asserts on a process-wide counter.
func TestStoreWriteFailureIsReported(t *testing.T) {
	transport := &fakeTransport{results: []error{errors.New("down")}}
	store := newFakeStore()
	store.err = errors.New("database is locked")
	svc, r, hook := newTestService(t, entity.DefaultDeliverySettings(), transport, store)

	before := testutil.ToFloat64(metrics.JobWriteFailures.WithLabelValues("pending"))

	if _, err := svc.Deliver(context.Background(), []byte(rawMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	stopReactor(t, r)

	select {
	case err := <-svc.Errors():
		var werr *StoreWriteError
		if !errors.As(err, &werr) {
			t.Fatalf("expected StoreWriteError, got %T", err)
		}
		if werr.Kind != "pending" || werr.AttemptNumber != 2 {
			t.Fatalf("unexpected write error: %+v", werr)
		}
		if !strings.Contains(err.Error(), "database is locked") {
			t.Fatalf("expected cause in error, got %v", err)
		}
	default:
		t.Fatal("expected a store write error")
	}

	if got := testutil.ToFloat64(metrics.JobWriteFailures.WithLabelValues("pending")) - before; got != 1 {
		t.Fatalf("expected 1 write failure counted, got %v", got)
	}

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && strings.Contains(entry.Message, "Durable job write failed") {
			logged = true
		}
	}
	if !logged {
		t.Fatal("expected the write failure to be logged at error level")
	}
}

func TestExhaustedRetriesThroughSQLiteStore(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "jobs.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	if err := repository.EnsureSchema(context.Background(), db, repository.DialectSQLite); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	repo := repository.NewJobRepository(db)
	defer repo.Close()

	settings := entity.DefaultDeliverySettings()
	settings.MaxAttempts = entity.IntPtr(3)
	transport := &fakeTransport{results: []error{errors.New("550 mailbox unavailable")}}
	svc, r, _ := newTestService(t, settings, transport, repo)

	if _, err := svc.Deliver(context.Background(), []byte(rawMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	for rows := 1; rows <= 2; rows++ {
		waitForRows(t, db, rows)
		var payload string
		if err := db.QueryRow(`SELECT payload FROM delayed_jobs ORDER BY id DESC LIMIT 1`).Scan(&payload); err != nil {
			t.Fatalf("select payload: %v", err)
		}
		if err := svc.HandlePayload(context.Background(), []byte(payload)); err != nil {
			t.Fatalf("HandlePayload: %v", err)
		}
	}
	waitForRows(t, db, 3)
	stopReactor(t, r)

	var pending, failed int
	if err := db.QueryRow(`SELECT COUNT(*) FROM delayed_jobs WHERE failed_at IS NULL`).Scan(&pending); err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM delayed_jobs WHERE failed_at IS NOT NULL`).Scan(&failed); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if pending != 2 || failed != 1 {
		t.Fatalf("expected 2 pending and 1 failed row, got %d and %d", pending, failed)
	}

	var payload string
	var lastError sql.NullString
	if err := db.QueryRow(`SELECT payload, last_error FROM delayed_jobs WHERE failed_at IS NOT NULL`).Scan(&payload, &lastError); err != nil {
		t.Fatalf("select failed row: %v", err)
	}
	if lastError.String != "550 mailbox unavailable" {
		t.Fatalf("unexpected last_error: %q", lastError.String)
	}
	attempt, err := entity.DecodeDeliveryPayload([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeDeliveryPayload: %v", err)
	}
	if attempt.AttemptNumber != 4 {
		t.Fatalf("expected failed payload to carry attempt 4, got %d", attempt.AttemptNumber)
	}
	if len(transport.Calls()) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(transport.Calls()))
	}
}

func waitForRows(t *testing.T, db *sql.DB, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var got int
		if err := db.QueryRow(`SELECT COUNT(*) FROM delayed_jobs`).Scan(&got); err != nil {
			t.Fatalf("count rows: %v", err)
		}
		if got >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d rows, got %d", want, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
