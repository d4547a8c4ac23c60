package drawdown

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/platform/httpx"
	"github.com/tradecredit/creditdesk/internal/rbac"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// IdempotencyHeader carries the client's replay key for drawdowns.
const IdempotencyHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for imports.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs import handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers import routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermImportsView))
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Get("/{id}/obligations", h.handleObligations)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermImportsDraw))
		r.Post("/", h.handleDrawdown)
		r.Post("/{id}/schedule", h.handleSchedule)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermImportsManage))
		r.Post("/{id}/status", h.handleStatus)
		r.Post("/{id}/cancel", h.handleCancel)
	})
}

type drawdownRequest struct {
	ImporterID          string     `json:"importer_id" validate:"max=128"`
	CreditApplicationID *uuid.UUID `json:"credit_application_id"`
	TotalValue          int64      `json:"total_value" validate:"gt=0"`
	Reference           string     `json:"reference" validate:"max=64"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=ordered in_transit customs completed"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

func (h *Handler) handleDrawdown(w http.ResponseWriter, r *http.Request) {
	var req drawdownRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.service.RequestDrawdown(r.Context(), actorOf(r), Input{
		ImporterID:          req.ImporterID,
		CreditApplicationID: req.CreditApplicationID,
		TotalValue:          money.Amount(req.TotalValue),
		Reference:           req.Reference,
		IdempotencyKey:      r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	imports, err := h.service.ListByImporter(r.Context(), actorOf(r), q.Get("importer_id"), limit, offset)
	if err != nil {
		h.fail(w, err)
		return
	}
	if imports == nil {
		imports = []Import{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"imports": imports})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	imp, err := h.service.Get(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, imp)
}

func (h *Handler) handleObligations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	obligations, err := h.service.Obligations(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"obligations": obligations})
}

func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	obligations, err := h.service.GenerateSchedule(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"obligations": obligations})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		h.fail(w, err)
		return
	}
	imp, err := h.service.AdvanceStatus(r.Context(), actorOf(r), id, status)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, imp)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	imp, err := h.service.CancelImport(r.Context(), actorOf(r), id, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, imp)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("import request", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, shared.ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func actorOf(r *http.Request) shared.Actor {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}
