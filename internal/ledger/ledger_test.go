package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/rbac"
	"github.com/tradecredit/creditdesk/internal/shared"
)

type memoryRepo struct {
	positions map[string]Position
	computed  map[string]Position
	err       error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{positions: map[string]Position{}, computed: map[string]Position{}}
}

func (r *memoryRepo) GetPosition(_ context.Context, importerID string) (Position, error) {
	if r.err != nil {
		return Position{}, r.err
	}
	if pos, ok := r.positions[importerID]; ok {
		return pos, nil
	}
	return Position{ImporterID: importerID}, nil
}

func (r *memoryRepo) ComputePosition(_ context.Context, importerID string) (Position, error) {
	if pos, ok := r.computed[importerID]; ok {
		return pos, nil
	}
	return Position{ImporterID: importerID}, nil
}

func (r *memoryRepo) ListImporters(context.Context) ([]string, error) {
	ids := make([]string, 0, len(r.positions))
	for id := range r.positions {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestDrawRespectsAvailable(t *testing.T) {
	pos, err := Grant(Position{ImporterID: "imp-1"}, 50000)
	require.NoError(t, err)

	pos, err = Draw(pos, 20000)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(30000), pos.Available())

	_, err = Draw(pos, 30001)
	require.ErrorIs(t, err, shared.ErrInsufficientCredit)
	var insufficient *InsufficientCreditError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, money.Amount(30000), insufficient.Available)
	assert.Equal(t, money.Amount(30001), insufficient.Requested)

	pos, err = Draw(pos, 30000)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), pos.Available())
}

func TestReleaseRestoresCredit(t *testing.T) {
	pos := Position{ImporterID: "imp-1", Granted: 100, Drawn: 80}
	pos, err := Release(pos, 30)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(50), pos.Drawn)

	_, err = Release(pos, 51)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestGrantAndAuthorizeValidate(t *testing.T) {
	_, err := Grant(Position{}, 0)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
	require.ErrorIs(t, Authorize(Position{Granted: 10}, 0), shared.ErrInvalidInput)
	require.NoError(t, Authorize(Position{Granted: 10}, 10))
}

func TestServiceTotals(t *testing.T) {
	repo := newMemoryRepo()
	repo.positions["imp-1"] = Position{ImporterID: "imp-1", Granted: 50000, Drawn: 20000}
	svc := NewService(repo, nil)
	ctx := context.Background()

	granted, err := svc.TotalGrantedLimit(ctx, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(50000), granted)

	drawn, err := svc.TotalDrawn(ctx, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(20000), drawn)

	available, err := svc.Available(ctx, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(30000), available)

	available, err = svc.Available(ctx, "imp-unknown")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), available)

	_, err = svc.Available(ctx, "  ")
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestSummaryScopesImporters(t *testing.T) {
	repo := newMemoryRepo()
	repo.positions["imp-1"] = Position{ImporterID: "imp-1", Granted: 100}
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.Summary(ctx, shared.Actor{Role: shared.RoleImporter, ID: "imp-2"}, "imp-1")
	require.ErrorIs(t, err, shared.ErrNotFound)

	summary, err := svc.Summary(ctx, shared.Actor{Role: shared.RoleFinancialInstitution, ID: "bank"}, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(100), summary.Available)
}

func TestReconcileAllReportsDrift(t *testing.T) {
	repo := newMemoryRepo()
	repo.positions["imp-1"] = Position{ImporterID: "imp-1", Granted: 100, Drawn: 40}
	repo.computed["imp-1"] = Position{ImporterID: "imp-1", Granted: 100, Drawn: 40}
	repo.positions["imp-2"] = Position{ImporterID: "imp-2", Granted: 100, Drawn: 40}
	repo.computed["imp-2"] = Position{ImporterID: "imp-2", Granted: 100, Drawn: 10}
	svc := NewService(repo, nil)

	drifted, err := svc.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, "imp-2", drifted[0].ImporterID)
	assert.Equal(t, money.Amount(10), drifted[0].Computed.Drawn)
}

func TestHandlerSummary(t *testing.T) {
	repo := newMemoryRepo()
	repo.positions["imp-1"] = Position{ImporterID: "imp-1", Granted: 500, Drawn: 200}
	mw := rbac.Middleware{Service: rbac.NewService()}
	h := NewHandler(nil, NewService(repo, nil), mw)

	r := chi.NewRouter()
	r.Use(mw.Identify)
	r.Route("/ledger", h.MountRoutes)

	req := httptest.NewRequest(http.MethodGet, "/ledger/importers/imp-1", nil)
	req.Header.Set(rbac.HeaderRole, "importer")
	req.Header.Set(rbac.HeaderActor, "imp-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, money.Amount(300), summary.Available)

	req = httptest.NewRequest(http.MethodGet, "/ledger/importers/imp-1", nil)
	req.Header.Set(rbac.HeaderRole, "importer")
	req.Header.Set(rbac.HeaderActor, "imp-2")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerSummaryStorageFailureWithoutLogger(t *testing.T) {
	repo := newMemoryRepo()
	repo.err = errors.New("connection reset")
	mw := rbac.Middleware{Service: rbac.NewService()}
	h := NewHandler(nil, NewService(repo, nil), mw)

	r := chi.NewRouter()
	r.Use(mw.Identify)
	r.Route("/ledger", h.MountRoutes)

	req := httptest.NewRequest(http.MethodGet, "/ledger/importers/imp-1", nil)
	req.Header.Set(rbac.HeaderRole, "administrator")
	req.Header.Set(rbac.HeaderActor, "admin-1")
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { r.ServeHTTP(rec, req) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
