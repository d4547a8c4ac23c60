package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/tradecredit/creditdesk/internal/jobs"
	"github.com/tradecredit/creditdesk/internal/ledger"
)

type stubMarker struct {
	asOf   time.Time
	marked int64
	err    error
}

func (s *stubMarker) MarkOverdue(_ context.Context, asOf time.Time) (int64, error) {
	s.asOf = asOf
	return s.marked, s.err
}

type stubReconciler struct {
	drifted []ledger.Reconciliation
	err     error
}

func (s stubReconciler) ReconcileAll(context.Context) ([]ledger.Reconciliation, error) {
	return s.drifted, s.err
}

type stubCleaner struct {
	olderThan time.Duration
}

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.olderThan = olderThan
	return 3, nil
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestOverdueScanUsesScheduledTime(t *testing.T) {
	marker := &stubMarker{marked: 2}
	job := NewOverdueScanJob(marker, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	at := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	task, err := NewOverdueScanTask(at)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.True(t, marker.asOf.Equal(at))
}

func TestOverdueScanDefaultsToNow(t *testing.T) {
	marker := &stubMarker{}
	job := NewOverdueScanJob(marker, nil, nil)
	now := time.Date(2025, time.May, 5, 3, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }
	task, err := NewOverdueScanTask(time.Time{})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.True(t, marker.asOf.Equal(now))
}

func TestOverdueScanPropagatesFailures(t *testing.T) {
	boom := errors.New("db down")
	job := NewOverdueScanJob(&stubMarker{err: boom}, nil, nil)
	task, err := NewOverdueScanTask(time.Time{})
	require.NoError(t, err)
	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)

	bad := asynq.NewTask(TaskOverdueScan, []byte("{"))
	assert.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)
}

func TestLedgerIntegrityReportsDrift(t *testing.T) {
	drift := ledger.Reconciliation{
		ImporterID:   "imp-1",
		Materialized: ledger.Summary{Granted: 100},
		Computed:     ledger.Summary{Granted: 50},
	}
	job := NewLedgerIntegrityJob(stubReconciler{drifted: []ledger.Reconciliation{drift}}, nil, nil)
	task, err := NewLedgerIntegrityTask()
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	boom := errors.New("query failed")
	job = NewLedgerIntegrityJob(stubReconciler{err: boom}, nil, nil)
	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

func TestIdempotencyCleanupUsesRetention(t *testing.T) {
	store := &stubCleaner{}
	job := NewIdempotencyCleanupJob(store, 0, nil, nil)
	task, err := NewIdempotencyCleanupTask()
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 72*time.Hour, store.olderThan)
}

func TestJobsHealthEndpoint(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		code      int
		body      string
	}{
		{name: "no inspector", code: http.StatusOK, body: `{"queue":"default","pending":0}`},
		{name: "queue info", inspector: stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 4}}, code: http.StatusOK, body: `{"queue":"default","pending":4}`},
		{name: "redis down", inspector: stubInspector{err: errors.New("down")}, code: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Route("/jobs", NewHandler(tc.inspector, nil).MountRoutes)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
			assert.Equal(t, tc.code, rec.Code)
			if tc.body != "" {
				assert.JSONEq(t, tc.body, rec.Body.String())
			}
		})
	}
}
