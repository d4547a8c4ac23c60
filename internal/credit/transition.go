package credit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Command is a request to move an application through review.
type Command interface {
	// Action names the command in approval history.
	Action() shared.ApprovalAction
	isCommand()
}

// PreAnalysisCommand records the administrator screening decision.
type PreAnalysisCommand struct {
	Decision  PreAnalysisStatus
	RiskLevel RiskLevel
	Notes     string
}

// FinancialDecisionCommand records the financial institution decision.
// Terms are ignored on rejection.
type FinancialDecisionCommand struct {
	Decision           FinancialStatus
	CreditLimit        money.Amount
	TermsDays          []int
	DownPaymentPercent decimal.Decimal
	Notes              string
}

// FinalizeCommand confirms the offer, optionally tightening it.
type FinalizeCommand struct {
	OverrideLimit              *money.Amount
	OverrideTermsDays          []int
	OverrideDownPaymentPercent *decimal.Decimal
	Notes                      string
}

// RejectCommand rejects the application at a review stage.
type RejectCommand struct {
	Stage  Stage
	Reason string
}

func (PreAnalysisCommand) Action() shared.ApprovalAction { return shared.ApprovalPreAnalysis }
func (FinancialDecisionCommand) Action() shared.ApprovalAction {
	return shared.ApprovalFinancialDecision
}
func (FinalizeCommand) Action() shared.ApprovalAction { return shared.ApprovalFinalize }
func (RejectCommand) Action() shared.ApprovalAction   { return shared.ApprovalReject }

func (PreAnalysisCommand) isCommand()       {}
func (FinancialDecisionCommand) isCommand() {}
func (FinalizeCommand) isCommand()          {}
func (RejectCommand) isCommand()            {}

// TransitionEvent describes a committed phase change.
type TransitionEvent struct {
	ApplicationID uuid.UUID             `json:"application_id"`
	ImporterID    string                `json:"importer_id"`
	Action        shared.ApprovalAction `json:"action"`
	From          Phase                 `json:"from"`
	To            Phase                 `json:"to"`
	Actor         shared.Actor          `json:"actor"`
	Note          string                `json:"note,omitempty"`
	// Granted is the limit added to the importer's ledger on finalization.
	Granted    money.Amount  `json:"granted,omitempty"`
	Recipients []shared.Role `json:"recipients"`
	At         time.Time     `json:"at"`
}

// Transition applies cmd to app on behalf of actor. Checks run in order:
// scope (NotFound), phase legality (IllegalTransition), role ownership
// (Forbidden), then input (InvalidInput). The returned application carries
// the next version.
func Transition(app CreditApplication, actor shared.Actor, cmd Command, now time.Time) (CreditApplication, TransitionEvent, error) {
	if !actor.CanSeeImporter(app.ImporterID) {
		return app, TransitionEvent{}, fmt.Errorf("%w: application %s", shared.ErrNotFound, app.ID)
	}
	if app.Phase.Terminal() {
		return app, TransitionEvent{}, fmt.Errorf("%w: application is %s", shared.ErrIllegalTransition, app.Phase)
	}

	next := app
	next.Offer = cloneTerms(app.Offer)
	next.Final = cloneTerms(app.Final)
	var (
		note    string
		granted money.Amount
		err     error
	)
	switch c := cmd.(type) {
	case PreAnalysisCommand:
		note = c.Notes
		err = applyPreAnalysis(&next, actor, c)
	case FinancialDecisionCommand:
		note = c.Notes
		err = applyFinancialDecision(&next, actor, c)
	case FinalizeCommand:
		note = c.Notes
		err = applyFinalize(&next, actor, c)
		if err == nil {
			granted = next.Final.CreditLimit
		}
	case RejectCommand:
		note = c.Reason
		err = applyReject(&next, actor, c)
	default:
		err = fmt.Errorf("%w: unsupported command %T", shared.ErrInvalidInput, cmd)
	}
	if err != nil {
		return app, TransitionEvent{}, err
	}

	now = now.UTC()
	next.Version = app.Version + 1
	next.UpdatedAt = now
	evt := TransitionEvent{
		ApplicationID: app.ID,
		ImporterID:    app.ImporterID,
		Action:        cmd.Action(),
		From:          app.Phase,
		To:            next.Phase,
		Actor:         actor,
		Note:          note,
		Granted:       granted,
		Recipients:    recipients(actor.Role, next.Phase),
		At:            now,
	}
	return next, evt, nil
}

func applyPreAnalysis(app *CreditApplication, actor shared.Actor, c PreAnalysisCommand) error {
	if app.Phase != PhasePreAnalysis && app.Phase != PhaseFinancialReview {
		return fmt.Errorf("%w: financial phase already decided", shared.ErrIllegalTransition)
	}
	if !actor.Is(shared.RoleAdministrator) {
		return fmt.Errorf("%w: pre-analysis is owned by the administrator", shared.ErrForbidden)
	}
	if !c.RiskLevel.valid() {
		return fmt.Errorf("%w: unknown risk level %q", shared.ErrInvalidInput, c.RiskLevel)
	}
	switch c.Decision {
	case PreAnalysisPreApproved:
		app.Phase = PhaseFinancialReview
		app.PreAnalysis = ""
	case PreAnalysisNeedsDocuments, PreAnalysisNeedsClarification:
		app.Phase = PhasePreAnalysis
		app.PreAnalysis = c.Decision
	case PreAnalysisRejected:
		app.Phase = PhaseRejected
		app.PreAnalysis = ""
		app.RejectedStage = StagePreAnalysis
		app.RejectionReason = strings.TrimSpace(c.Notes)
	default:
		return fmt.Errorf("%w: unknown pre-analysis decision %q", shared.ErrInvalidInput, c.Decision)
	}
	if c.RiskLevel != RiskUnrated {
		app.RiskLevel = c.RiskLevel
	}
	app.PreAnalysisNotes = c.Notes
	return nil
}

func applyFinancialDecision(app *CreditApplication, actor shared.Actor, c FinancialDecisionCommand) error {
	if app.Phase != PhaseFinancialReview {
		return fmt.Errorf("%w: financial decision requires a pre-approved application in review, phase is %s", shared.ErrIllegalTransition, app.Phase)
	}
	if !actor.Is(shared.RoleFinancialInstitution) {
		return fmt.Errorf("%w: financial decision is owned by the financial institution", shared.ErrForbidden)
	}
	switch c.Decision {
	case FinancialApproved:
		terms, err := NewTerms(c.CreditLimit, c.TermsDays, c.DownPaymentPercent)
		if err != nil {
			return err
		}
		app.Phase = PhaseAwaitingFinalization
		app.Offer = &terms
	case FinancialRejected:
		app.Phase = PhaseRejected
		app.RejectedStage = StageFinancial
		app.RejectionReason = strings.TrimSpace(c.Notes)
	default:
		return fmt.Errorf("%w: unknown financial decision %q", shared.ErrInvalidInput, c.Decision)
	}
	app.FinancialNotes = c.Notes
	return nil
}

func applyFinalize(app *CreditApplication, actor shared.Actor, c FinalizeCommand) error {
	if app.Phase != PhaseAwaitingFinalization || app.Offer == nil {
		return fmt.Errorf("%w: finalize requires a financially approved application, phase is %s", shared.ErrIllegalTransition, app.Phase)
	}
	if !actor.Is(shared.RoleAdministrator) {
		return fmt.Errorf("%w: finalization is owned by the administrator", shared.ErrForbidden)
	}
	offer := *app.Offer
	limit := offer.CreditLimit
	if c.OverrideLimit != nil {
		if *c.OverrideLimit > offer.CreditLimit {
			return fmt.Errorf("%w: override limit %d exceeds offered limit %d", shared.ErrInvalidInput, *c.OverrideLimit, offer.CreditLimit)
		}
		limit = *c.OverrideLimit
	}
	days := offer.TermsDays
	if len(c.OverrideTermsDays) > 0 {
		days = c.OverrideTermsDays
	}
	pct := offer.DownPaymentPercent
	if c.OverrideDownPaymentPercent != nil {
		pct = *c.OverrideDownPaymentPercent
	}
	final, err := NewTerms(limit, days, pct)
	if err != nil {
		return err
	}
	app.Phase = PhaseFinalized
	app.Final = &final
	app.FinalizationNotes = c.Notes
	return nil
}

func applyReject(app *CreditApplication, actor shared.Actor, c RejectCommand) error {
	var owner shared.Role
	var active bool
	switch c.Stage {
	case StagePreAnalysis:
		owner = shared.RoleAdministrator
		active = app.Phase == PhasePreAnalysis || app.Phase == PhaseFinancialReview
	case StageFinancial:
		owner = shared.RoleFinancialInstitution
		active = app.Phase == PhaseFinancialReview
	case StageFinalization:
		owner = shared.RoleAdministrator
		active = app.Phase == PhaseAwaitingFinalization
	default:
		return fmt.Errorf("%w: unknown stage %q", shared.ErrInvalidInput, c.Stage)
	}
	if !active {
		return fmt.Errorf("%w: stage %s is not active, phase is %s", shared.ErrIllegalTransition, c.Stage, app.Phase)
	}
	if !actor.Is(owner) {
		return fmt.Errorf("%w: stage %s is owned by %s", shared.ErrForbidden, c.Stage, owner)
	}
	reason := strings.TrimSpace(c.Reason)
	if reason == "" {
		return fmt.Errorf("%w: rejection reason required", shared.ErrInvalidInput)
	}
	app.Phase = PhaseRejected
	app.PreAnalysis = ""
	app.RejectedStage = c.Stage
	app.RejectionReason = reason
	return nil
}

// recipients lists who hears about a transition: the importer always, plus
// every staff role other than the acting one that still has a stake.
func recipients(actor shared.Role, to Phase) []shared.Role {
	out := []shared.Role{shared.RoleImporter}
	switch to {
	case PhaseFinancialReview:
		out = append(out, shared.RoleFinancialInstitution)
	case PhaseAwaitingFinalization, PhasePreAnalysis:
		out = append(out, shared.RoleAdministrator)
	case PhaseFinalized, PhaseRejected:
		for _, r := range []shared.Role{shared.RoleAdministrator, shared.RoleFinancialInstitution} {
			if r != actor {
				out = append(out, r)
			}
		}
	}
	return out
}

func cloneTerms(t *Terms) *Terms {
	if t == nil {
		return nil
	}
	c := t.Clone()
	return &c
}
