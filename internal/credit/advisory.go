package credit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tradecredit/creditdesk/internal/bureau"
)

// BureauPort provides opaque credit-bureau score reports.
type BureauPort interface {
	Report(ctx context.Context, importerID string) (bureau.ScoreReport, error)
}

// DocumentsPort scores how complete an application's supporting documents are.
type DocumentsPort interface {
	Completeness(ctx context.Context, applicationID uuid.UUID) (float64, error)
}

// Advisory carries signals shown to reviewers. It never gates a transition.
type Advisory struct {
	ApplicationID        uuid.UUID           `json:"application_id"`
	ImporterID           string              `json:"importer_id"`
	RiskLevel            RiskLevel           `json:"risk_level,omitempty"`
	Bureau               *bureau.ScoreReport `json:"bureau,omitempty"`
	BureauError          string              `json:"bureau_error,omitempty"`
	DocumentCompleteness *float64            `json:"document_completeness,omitempty"`
}

// Advisor combines the bureau and document collaborators.
type Advisor struct {
	bureau    BureauPort
	documents DocumentsPort
	logger    *slog.Logger
}

// NewAdvisor constructs Advisor. Either collaborator may be nil.
func NewAdvisor(bureau BureauPort, documents DocumentsPort, logger *slog.Logger) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{bureau: bureau, documents: documents, logger: logger}
}

// Assess collects whatever signals are available; collaborator failures are
// reported inline and logged.
func (a *Advisor) Assess(ctx context.Context, app CreditApplication) Advisory {
	out := Advisory{ApplicationID: app.ID, ImporterID: app.ImporterID, RiskLevel: app.RiskLevel}
	if a == nil {
		return out
	}
	if a.bureau != nil {
		report, err := a.bureau.Report(ctx, app.ImporterID)
		if err != nil {
			a.logger.Warn("bureau report", slog.String("importer_id", app.ImporterID), slog.Any("error", err))
			out.BureauError = err.Error()
		} else {
			out.Bureau = &report
		}
	}
	if a.documents != nil {
		score, err := a.documents.Completeness(ctx, app.ID)
		if err != nil {
			a.logger.Warn("document completeness", slog.String("application_id", app.ID.String()), slog.Any("error", err))
		} else {
			out.DocumentCompleteness = &score
		}
	}
	return out
}
