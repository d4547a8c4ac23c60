package ledger

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradecredit/creditdesk/internal/platform/httpx"
	"github.com/tradecredit/creditdesk/internal/rbac"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Handler wires HTTP endpoints for the ledger.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermLedgerView))
		r.Get("/importers/{importerID}", h.handleSummary)
	})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	summary, err := h.service.Summary(r.Context(), actor, chi.URLParam(r, "importerID"))
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("ledger summary", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}
