package drawdown

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecredit/creditdesk/internal/rbac"
)

func newTestRouter(f *fixture) http.Handler {
	mw := rbac.Middleware{Service: rbac.NewService()}
	r := chi.NewRouter()
	r.Use(mw.Identify)
	r.Route("/imports", NewHandler(nil, f.svc, mw).MountRoutes)
	return r
}

func call(t *testing.T, h http.Handler, method, path, role, actorID, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(rbac.HeaderRole, role)
	req.Header.Set(rbac.HeaderActor, actorID)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHandlerDrawdownFlow(t *testing.T) {
	f := newFixture()
	h := newTestRouter(f)
	app := f.finalized(t, "imp-1", 50000)

	rec, body := call(t, h, http.MethodPost, "/imports/", "importer", "imp-1",
		fmt.Sprintf(`{"credit_application_id":%q,"total_value":20000,"reference":"PO-77"}`, app.ID),
		IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, float64(30000), body["available"])
	obligations := body["obligations"].([]any)
	require.Len(t, obligations, 4)
	assert.Equal(t, float64(6000), obligations[0].(map[string]any)["amount"])
	id := body["import"].(map[string]any)["id"].(string)

	rec, body = call(t, h, http.MethodPost, "/imports/", "importer", "imp-1",
		fmt.Sprintf(`{"credit_application_id":%q,"total_value":35000}`, app.ID))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_credit", body["kind"])
	assert.Equal(t, float64(30000), body["available"])

	rec, body = call(t, h, http.MethodPost, "/imports/", "importer", "imp-1",
		fmt.Sprintf(`{"credit_application_id":%q,"total_value":20000}`, app.ID),
		IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "illegal_transition", body["kind"])

	rec, body = call(t, h, http.MethodGet, "/imports/"+id+"/obligations", "financial_institution", "bank-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["obligations"], 4)

	rec, body = call(t, h, http.MethodPost, "/imports/"+id+"/status", "importer", "imp-1", `{"status":"ordered"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ordered", body["status"])

	rec, body = call(t, h, http.MethodPost, "/imports/"+id+"/cancel", "importer", "imp-1", `{"reason":"supplier failed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", body["status"])

	rec, body = call(t, h, http.MethodGet, "/imports/?limit=10", "importer", "imp-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["imports"], 1)
}

func TestHandlerErrorKinds(t *testing.T) {
	f := newFixture()
	h := newTestRouter(f)
	app := f.finalized(t, "imp-1", 50000)

	rec, _ := call(t, h, http.MethodPost, "/imports/", "financial_institution", "bank-1",
		fmt.Sprintf(`{"importer_id":"imp-1","credit_application_id":%q,"total_value":10}`, app.ID))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := call(t, h, http.MethodPost, "/imports/", "importer", "imp-1", `{"total_value":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", body["kind"])

	rec, body = call(t, h, http.MethodPost, "/imports/", "importer", "imp-2",
		fmt.Sprintf(`{"credit_application_id":%q,"total_value":10}`, app.ID))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["kind"])

	rec, _ = call(t, h, http.MethodGet, "/imports/not-a-uuid", "importer", "imp-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = call(t, h, http.MethodPost, "/imports/", "", "", `{"total_value":10}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
