package credit

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/platform/httpx"
	"github.com/tradecredit/creditdesk/internal/rbac"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Handler wires HTTP endpoints for credit applications.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs credit handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers credit routes. Transition routes only require read
// access; the workflow itself decides ordering and role ownership.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermCreditSubmit))
		r.Post("/", h.handleSubmit)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermCreditView))
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Get("/{id}/history", h.handleHistory)
		r.Get("/{id}/advisory", h.handleAdvisory)
		r.Post("/{id}/pre-analysis", h.handlePreAnalysis)
		r.Post("/{id}/financial-decision", h.handleFinancialDecision)
		r.Post("/{id}/finalize", h.handleFinalize)
		r.Post("/{id}/reject", h.handleReject)
	})
}

type submitRequest struct {
	RequestedAmount int64  `json:"requested_amount" validate:"gt=0"`
	Purpose         string `json:"purpose" validate:"required,max=500"`
}

type preAnalysisRequest struct {
	Decision  string `json:"decision" validate:"required,oneof=pre_approved needs_documents needs_clarification rejected"`
	RiskLevel string `json:"risk_level" validate:"omitempty,oneof=low medium high"`
	Notes     string `json:"notes" validate:"max=2000"`
}

type financialDecisionRequest struct {
	Decision           string           `json:"decision" validate:"required,oneof=approved rejected"`
	CreditLimit        int64            `json:"credit_limit" validate:"gte=0"`
	TermsDays          []int            `json:"terms_days" validate:"max=24"`
	DownPaymentPercent *decimal.Decimal `json:"down_payment_percent"`
	Notes              string           `json:"notes" validate:"max=2000"`
}

type finalizeRequest struct {
	OverrideLimit              *int64           `json:"override_limit" validate:"omitempty,gt=0"`
	OverrideTermsDays          []int            `json:"override_terms_days" validate:"max=24"`
	OverrideDownPaymentPercent *decimal.Decimal `json:"override_down_payment_percent"`
	Notes                      string           `json:"notes" validate:"max=2000"`
}

type rejectRequest struct {
	Stage  string `json:"stage" validate:"required,oneof=pre_analysis financial finalization"`
	Reason string `json:"reason" validate:"required,max=2000"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	app, err := h.service.Submit(r.Context(), actorOf(r), SubmitInput{
		RequestedAmount: money.Amount(req.RequestedAmount),
		Purpose:         req.Purpose,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, app.View())
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{ImporterID: q.Get("importer_id")}
	if raw := q.Get("phase"); raw != "" {
		phase, err := ParsePhase(raw)
		if err != nil {
			h.fail(w, err)
			return
		}
		filter.Phase = phase
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	apps, err := h.service.List(r.Context(), actorOf(r), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	views := make([]View, 0, len(apps))
	for _, app := range apps {
		views = append(views, app.View())
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"applications": views})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	app, err := h.service.Get(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, app.View())
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.History(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	type entry struct {
		Actor  string      `json:"actor_id"`
		Role   shared.Role `json:"actor_role"`
		Action string      `json:"action"`
		Note   string      `json:"note,omitempty"`
		At     string      `json:"at"`
	}
	out := make([]entry, 0, len(logs))
	for _, l := range logs {
		out = append(out, entry{Actor: l.ActorID, Role: l.ActorRole, Action: string(l.Action), Note: l.Note, At: l.At.UTC().Format("2006-01-02T15:04:05Z")})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": out})
}

func (h *Handler) handleAdvisory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	adv, err := h.service.Advisory(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, adv)
}

func (h *Handler) handlePreAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req preAnalysisRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	app, err := h.service.RecordPreAnalysis(r.Context(), actorOf(r), id, PreAnalysisCommand{
		Decision:  PreAnalysisStatus(req.Decision),
		RiskLevel: RiskLevel(req.RiskLevel),
		Notes:     req.Notes,
	})
	h.respond(w, app, err)
}

func (h *Handler) handleFinancialDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req financialDecisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	cmd := FinancialDecisionCommand{
		Decision:    FinancialStatus(req.Decision),
		CreditLimit: money.Amount(req.CreditLimit),
		TermsDays:   req.TermsDays,
		Notes:       req.Notes,
	}
	if req.DownPaymentPercent != nil {
		cmd.DownPaymentPercent = *req.DownPaymentPercent
	}
	app, err := h.service.RecordFinancialDecision(r.Context(), actorOf(r), id, cmd)
	h.respond(w, app, err)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req finalizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	cmd := FinalizeCommand{
		OverrideTermsDays:          req.OverrideTermsDays,
		OverrideDownPaymentPercent: req.OverrideDownPaymentPercent,
		Notes:                      req.Notes,
	}
	if req.OverrideLimit != nil {
		limit := money.Amount(*req.OverrideLimit)
		cmd.OverrideLimit = &limit
	}
	app, err := h.service.Finalize(r.Context(), actorOf(r), id, cmd)
	h.respond(w, app, err)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	app, err := h.service.Reject(r.Context(), actorOf(r), id, RejectCommand{Stage: Stage(req.Stage), Reason: req.Reason})
	h.respond(w, app, err)
}

func (h *Handler) respond(w http.ResponseWriter, app CreditApplication, err error) {
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, app.View())
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("credit request", slog.Any("error", err))
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
