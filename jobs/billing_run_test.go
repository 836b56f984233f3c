package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lms-iptv/tvbilling/internal/billing"
	jobmetrics "github.com/lms-iptv/tvbilling/internal/jobs"
	"github.com/lms-iptv/tvbilling/internal/shared"
)

type fakeRepo struct {
	mu       sync.Mutex
	events   []billing.BillingEvent
	listErr  error
	lists    int
	invoices []billing.Invoice
	billed   map[int64]int64
	counter  int64
}

func (f *fakeRepo) ListPendingEvents(ctx context.Context) ([]billing.BillingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []billing.BillingEvent
	for _, ev := range f.events {
		if _, ok := f.billed[ev.ID]; !ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, billing.TxRepository) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(ctx, fakeTx{repo: f})
}

type fakeTx struct {
	repo *fakeRepo
}

func (t fakeTx) GetCustomerProfile(ctx context.Context, id int64) (billing.CustomerProfile, error) {
	return billing.CustomerProfile{Customer: billing.Customer{ID: id, LastName: "Nowak", PaymentTermDays: -1}}, nil
}

func (t fakeTx) NextSequence(ctx context.Context, schemeID int64) (int64, error) {
	t.repo.counter++
	return t.repo.counter, nil
}

func (t fakeTx) GetSchemeTemplate(ctx context.Context, schemeID int64) (string, error) {
	return "%N/TV/%Y", nil
}

func (t fakeTx) ListTaxRates(ctx context.Context, percent decimal.Decimal) ([]billing.TaxRate, error) {
	return []billing.TaxRate{{ID: 1, Percent: decimal.NewFromInt(23)}}, nil
}

func (t fakeTx) InsertInvoice(ctx context.Context, inv billing.Invoice) (int64, error) {
	t.repo.invoices = append(t.repo.invoices, inv)
	return int64(len(t.repo.invoices)), nil
}

func (t fakeTx) InsertInvoiceLine(ctx context.Context, line billing.InvoiceLine) (int64, error) {
	return line.EventID, nil
}

func (t fakeTx) InsertLedgerEntry(ctx context.Context, entry billing.LedgerEntry) error {
	return nil
}

func (t fakeTx) MarkEventBilled(ctx context.Context, eventID, invoiceID int64) error {
	if t.repo.billed == nil {
		t.repo.billed = make(map[int64]int64)
	}
	t.repo.billed[eventID] = invoiceID
	return nil
}

type fixedSettings struct {
	value int64
	err   error
}

func (s fixedSettings) Int64(ctx context.Context, key string, def int64) (int64, error) {
	if s.err != nil {
		return def, s.err
	}
	return s.value, nil
}

func newTestJob(t *testing.T, repo *fakeRepo, settings SchemeSettings) (*BillingRunJob, *miniredis.Miniredis, *prometheus.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := prometheus.NewRegistry()
	lock := shared.NewRunLock(client, shared.BillingRunLockKey, time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	job := NewBillingRunJob(repo, billing.Config{}, settings, lock, logger, jobmetrics.NewMetrics(reg))
	job.WithClock(func() time.Time { return time.Date(2024, time.May, 2, 3, 0, 0, 0, time.UTC) })
	return job, mr, reg
}

func pendingEvents() []billing.BillingEvent {
	return []billing.BillingEvent{
		{ID: 1, CustomerID: 4, Gross: decimal.NewFromInt(40), TaxRate: decimal.RequireFromString("0.23")},
		{ID: 2, CustomerID: 4, Gross: decimal.NewFromInt(10), TaxRate: decimal.RequireFromString("0.23")},
	}
}

func TestBillingRunJobIssuesInvoices(t *testing.T) {
	repo := &fakeRepo{events: pendingEvents()}
	job, mr, _ := newTestJob(t, repo, fixedSettings{value: 3})

	report, err := job.Run(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, report.Invoices, 1)
	require.Equal(t, "1/TV/2024", report.Invoices[0].Formatted)
	require.Equal(t, int64(3), repo.invoices[0].SchemeID)
	require.Equal(t, time.Date(2024, time.May, 16, 3, 0, 0, 0, time.UTC), repo.invoices[0].DueAt)
	require.False(t, mr.Exists(shared.BillingRunLockKey))
}

func TestBillingRunJobFallsBackOnSettingsError(t *testing.T) {
	repo := &fakeRepo{events: pendingEvents()}
	job, _, _ := newTestJob(t, repo, fixedSettings{err: errors.New("redis down")})
	job.Config.SchemeID = 0

	report, err := job.Run(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, report.Invoices, 1)
	require.Empty(t, report.Invoices[0].Formatted)
}

func TestBillingRunJobDryRun(t *testing.T) {
	repo := &fakeRepo{events: pendingEvents()}
	job, _, _ := newTestJob(t, repo, nil)

	report, err := job.Run(context.Background(), true)
	require.NoError(t, err)
	require.Empty(t, report.Invoices)
	require.Empty(t, repo.invoices)
}

func TestBillingRunJobSkipsWhenLocked(t *testing.T) {
	repo := &fakeRepo{events: pendingEvents()}
	job, mr, _ := newTestJob(t, repo, nil)
	require.NoError(t, mr.Set(shared.BillingRunLockKey, "another-run"))

	_, err := job.Run(context.Background(), false)
	require.ErrorIs(t, err, billing.ErrRunInProgress)

	task, err := NewBillingRunTask(BillingRunPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Zero(t, repo.lists)
}

func TestBillingRunJobReportsInfrastructureFailure(t *testing.T) {
	repo := &fakeRepo{listErr: errors.New("connection reset")}
	job, mr, reg := newTestJob(t, repo, nil)

	task, err := NewBillingRunTask(BillingRunPayload{Trigger: "cron"})
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.ErrorContains(t, err, "connection reset")
	require.False(t, mr.Exists(shared.BillingRunLockKey))

	families, err := reg.Gather()
	require.NoError(t, err)
	var failures float64
	for _, fam := range families {
		if fam.GetName() == "tvbilling_jobs_failures_total" {
			failures = fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	require.Equal(t, 1.0, failures)
}

func TestBillingRunJobRejectsMalformedPayload(t *testing.T) {
	job, _, _ := newTestJob(t, &fakeRepo{}, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskBillingRun, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeEnqueuer struct {
	got BillingRunPayload
	err error
}

func (f *fakeEnqueuer) EnqueueBillingRun(ctx context.Context, payload BillingRunPayload) (*asynq.TaskInfo, error) {
	f.got = payload
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueDefault}, nil
}

func TestHandlerTriggerBillingRun(t *testing.T) {
	enq := &fakeEnqueuer{}
	router := chi.NewRouter()
	NewHandler(nil, enq, nil).MountRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/billing/run", strings.NewReader(`{"dry_run":true}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "task-1")
	require.True(t, enq.got.DryRun)
	require.Equal(t, "http", enq.got.Trigger)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/billing/run", strings.NewReader(`{"trigger":"manual"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/billing/run", strings.NewReader(`nope`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	enq.err = asynq.ErrDuplicateTask
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/billing/run", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerHealthWithoutInspector(t *testing.T) {
	router := chi.NewRouter()
	NewHandler(nil, nil, nil).MountRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"active":0,"retry":0,"archived":0}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/billing/run", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
