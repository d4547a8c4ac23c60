// Package credit implements the credit application approval workflow.
package credit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// ApprovalModule tags approval-log rows written by this package.
const ApprovalModule = "CREDIT"

// Phase is the single stored workflow state of an application.
type Phase string

const (
	PhasePreAnalysis          Phase = "pre_analysis"
	PhaseFinancialReview      Phase = "financial_review"
	PhaseAwaitingFinalization Phase = "awaiting_finalization"
	PhaseFinalized            Phase = "finalized"
	PhaseRejected             Phase = "rejected"
)

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseFinalized || p == PhaseRejected
}

// ParsePhase validates a phase filter value.
func ParsePhase(raw string) (Phase, error) {
	switch p := Phase(strings.TrimSpace(raw)); p {
	case PhasePreAnalysis, PhaseFinancialReview, PhaseAwaitingFinalization, PhaseFinalized, PhaseRejected:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown phase %q", shared.ErrInvalidInput, raw)
}

// PreAnalysisStatus is the administrator's screening outcome.
type PreAnalysisStatus string

const (
	PreAnalysisPending            PreAnalysisStatus = "pending"
	PreAnalysisPreApproved        PreAnalysisStatus = "pre_approved"
	PreAnalysisNeedsDocuments     PreAnalysisStatus = "needs_documents"
	PreAnalysisNeedsClarification PreAnalysisStatus = "needs_clarification"
	PreAnalysisRejected           PreAnalysisStatus = "rejected"
)

// FinancialStatus is the financial institution's decision.
type FinancialStatus string

const (
	FinancialPending  FinancialStatus = "pending"
	FinancialApproved FinancialStatus = "approved"
	FinancialRejected FinancialStatus = "rejected"
)

// AdminFinalStatus is the administrator's finalization outcome.
type AdminFinalStatus string

const (
	AdminFinalNone      AdminFinalStatus = "none"
	AdminFinalFinalized AdminFinalStatus = "finalized"
	AdminFinalRejected  AdminFinalStatus = "rejected"
)

// Stage names the review step a rejection belongs to.
type Stage string

const (
	StagePreAnalysis  Stage = "pre_analysis"
	StageFinancial    Stage = "financial"
	StageFinalization Stage = "finalization"
)

// RiskLevel is an advisory rating recorded during pre-analysis.
type RiskLevel string

const (
	RiskUnrated RiskLevel = ""
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

func (r RiskLevel) valid() bool {
	switch r {
	case RiskUnrated, RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Terms are the credit conditions offered or granted.
type Terms struct {
	CreditLimit        money.Amount    `json:"credit_limit"`
	TermsDays          []int           `json:"terms_days"`
	DownPaymentPercent decimal.Decimal `json:"down_payment_percent"`
}

// NewTerms validates and normalizes terms. Term days are sorted and deduplicated.
func NewTerms(limit money.Amount, days []int, pct decimal.Decimal) (Terms, error) {
	var errs []error
	if limit <= 0 {
		errs = append(errs, fmt.Errorf("credit limit %d must be positive", limit))
	}
	if len(days) == 0 {
		errs = append(errs, errors.New("terms days required"))
	}
	for _, d := range days {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("term %d must be positive", d))
		}
	}
	if err := money.ValidatePercent(pct); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Terms{}, fmt.Errorf("%w: %v", shared.ErrInvalidInput, errors.Join(errs...))
	}
	return Terms{CreditLimit: limit, TermsDays: normalizeDays(days), DownPaymentPercent: pct}, nil
}

func normalizeDays(days []int) []int {
	out := append([]int(nil), days...)
	sort.Ints(out)
	uniq := out[:0]
	for i, d := range out {
		if i == 0 || d != out[i-1] {
			uniq = append(uniq, d)
		}
	}
	return uniq
}

// Clone returns a deep copy.
func (t Terms) Clone() Terms {
	t.TermsDays = append([]int(nil), t.TermsDays...)
	return t
}

// CreditApplication is one importer request moving through review. Only
// Transition produces a new Phase; the three status views are derived.
type CreditApplication struct {
	ID              uuid.UUID
	ImporterID      string
	RequestedAmount money.Amount
	Purpose         string

	Phase Phase
	// PreAnalysis holds the open screening decision while Phase is pre_analysis.
	PreAnalysis PreAnalysisStatus
	Offer       *Terms
	Final       *Terms

	RejectedStage   Stage
	RejectionReason string

	RiskLevel         RiskLevel
	PreAnalysisNotes  string
	FinancialNotes    string
	FinalizationNotes string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PreAnalysisStatus projects the administrator screening field.
func (a CreditApplication) PreAnalysisStatus() PreAnalysisStatus {
	switch a.Phase {
	case PhasePreAnalysis:
		if a.PreAnalysis == "" {
			return PreAnalysisPending
		}
		return a.PreAnalysis
	case PhaseRejected:
		if a.RejectedStage == StagePreAnalysis {
			return PreAnalysisRejected
		}
	}
	return PreAnalysisPreApproved
}

// FinancialStatus projects the financial institution field.
func (a CreditApplication) FinancialStatus() FinancialStatus {
	switch a.Phase {
	case PhaseAwaitingFinalization, PhaseFinalized:
		return FinancialApproved
	case PhaseRejected:
		switch a.RejectedStage {
		case StageFinancial:
			return FinancialRejected
		case StageFinalization:
			return FinancialApproved
		}
	}
	return FinancialPending
}

// AdminFinalStatus projects the administrator finalization field.
func (a CreditApplication) AdminFinalStatus() AdminFinalStatus {
	switch {
	case a.Phase == PhaseFinalized:
		return AdminFinalFinalized
	case a.Phase == PhaseRejected && a.RejectedStage == StageFinalization:
		return AdminFinalRejected
	}
	return AdminFinalNone
}

// EffectiveTerms returns the granted terms of a finalized application.
func (a CreditApplication) EffectiveTerms() (Terms, bool) {
	if a.Phase != PhaseFinalized || a.Final == nil {
		return Terms{}, false
	}
	return a.Final.Clone(), true
}

// Usable reports whether the application can back a drawdown.
func (a CreditApplication) Usable() bool {
	return a.Phase == PhaseFinalized && a.Final != nil
}

// SubmitInput carries an importer's request.
type SubmitInput struct {
	RequestedAmount money.Amount
	Purpose         string
}

// NewApplication builds the initial state of a submitted application.
func NewApplication(id uuid.UUID, actor shared.Actor, input SubmitInput, now time.Time) (CreditApplication, error) {
	if !actor.Is(shared.RoleImporter) {
		return CreditApplication{}, fmt.Errorf("%w: only importers submit applications", shared.ErrForbidden)
	}
	if strings.TrimSpace(actor.ID) == "" {
		return CreditApplication{}, fmt.Errorf("%w: importer id required", shared.ErrInvalidInput)
	}
	if input.RequestedAmount <= 0 {
		return CreditApplication{}, fmt.Errorf("%w: requested amount %d must be positive", shared.ErrInvalidInput, input.RequestedAmount)
	}
	purpose := strings.TrimSpace(input.Purpose)
	if purpose == "" {
		return CreditApplication{}, fmt.Errorf("%w: purpose required", shared.ErrInvalidInput)
	}
	now = now.UTC()
	return CreditApplication{
		ID:              id,
		ImporterID:      actor.ID,
		RequestedAmount: input.RequestedAmount,
		Purpose:         purpose,
		Phase:           PhasePreAnalysis,
		PreAnalysis:     PreAnalysisPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ListFilter narrows application listings.
type ListFilter struct {
	ImporterID string
	Phase      Phase
	Limit      int
	Offset     int
}

// View is the JSON representation including the derived status fields.
type View struct {
	ID                uuid.UUID         `json:"id"`
	ImporterID        string            `json:"importer_id"`
	RequestedAmount   money.Amount      `json:"requested_amount"`
	Purpose           string            `json:"purpose"`
	Phase             Phase             `json:"phase"`
	PreAnalysisStatus PreAnalysisStatus `json:"pre_analysis_status"`
	FinancialStatus   FinancialStatus   `json:"financial_status"`
	AdminFinalStatus  AdminFinalStatus  `json:"admin_final_status"`
	RiskLevel         RiskLevel         `json:"risk_level,omitempty"`
	Offer             *Terms            `json:"offer,omitempty"`
	Final             *Terms            `json:"final,omitempty"`
	RejectedStage     Stage             `json:"rejected_stage,omitempty"`
	RejectionReason   string            `json:"rejection_reason,omitempty"`
	PreAnalysisNotes  string            `json:"pre_analysis_notes,omitempty"`
	FinancialNotes    string            `json:"financial_notes,omitempty"`
	FinalizationNotes string            `json:"finalization_notes,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// View renders the application for transport.
func (a CreditApplication) View() View {
	return View{
		ID:                a.ID,
		ImporterID:        a.ImporterID,
		RequestedAmount:   a.RequestedAmount,
		Purpose:           a.Purpose,
		Phase:             a.Phase,
		PreAnalysisStatus: a.PreAnalysisStatus(),
		FinancialStatus:   a.FinancialStatus(),
		AdminFinalStatus:  a.AdminFinalStatus(),
		RiskLevel:         a.RiskLevel,
		Offer:             a.Offer,
		Final:             a.Final,
		RejectedStage:     a.RejectedStage,
		RejectionReason:   a.RejectionReason,
		PreAnalysisNotes:  a.PreAnalysisNotes,
		FinancialNotes:    a.FinancialNotes,
		FinalizationNotes: a.FinalizationNotes,
		Version:           a.Version,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}
