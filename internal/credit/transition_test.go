package credit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/shared"
)

var (
	importer = shared.Actor{Role: shared.RoleImporter, ID: "imp-1"}
	admin    = shared.Actor{Role: shared.RoleAdministrator, ID: "admin-1"}
	bank     = shared.Actor{Role: shared.RoleFinancialInstitution, ID: "bank-1"}
	clock    = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
)

func submitted(t *testing.T) CreditApplication {
	t.Helper()
	app, err := NewApplication(uuid.New(), importer, SubmitInput{RequestedAmount: 50000, Purpose: "Machinery import"}, clock)
	require.NoError(t, err)
	return app
}

func approveOffer() FinancialDecisionCommand {
	return FinancialDecisionCommand{
		Decision:           FinancialApproved,
		CreditLimit:        50000,
		TermsDays:          []int{90, 30, 60},
		DownPaymentPercent: decimal.NewFromInt(30),
	}
}

func mustTransition(t *testing.T, app CreditApplication, actor shared.Actor, cmd Command) CreditApplication {
	t.Helper()
	next, _, err := Transition(app, actor, cmd, clock)
	require.NoError(t, err)
	return next
}

func TestNewApplicationValidation(t *testing.T) {
	_, err := NewApplication(uuid.New(), admin, SubmitInput{RequestedAmount: 1, Purpose: "x"}, clock)
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, err = NewApplication(uuid.New(), importer, SubmitInput{RequestedAmount: 0, Purpose: "x"}, clock)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
	_, err = NewApplication(uuid.New(), importer, SubmitInput{RequestedAmount: 10, Purpose: "   "}, clock)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	app := submitted(t)
	assert.Equal(t, PhasePreAnalysis, app.Phase)
	assert.Equal(t, PreAnalysisPending, app.PreAnalysisStatus())
	assert.Equal(t, FinancialPending, app.FinancialStatus())
	assert.Equal(t, AdminFinalNone, app.AdminFinalStatus())
	assert.Equal(t, "imp-1", app.ImporterID)
}

func TestFullApprovalFinalizesOfferUnchanged(t *testing.T) {
	app := submitted(t)
	app = mustTransition(t, app, admin, PreAnalysisCommand{Decision: PreAnalysisPreApproved, RiskLevel: RiskLow})
	assert.Equal(t, PhaseFinancialReview, app.Phase)
	assert.Equal(t, PreAnalysisPreApproved, app.PreAnalysisStatus())

	app = mustTransition(t, app, bank, approveOffer())
	assert.Equal(t, PhaseAwaitingFinalization, app.Phase)
	assert.Equal(t, FinancialApproved, app.FinancialStatus())
	require.NotNil(t, app.Offer)
	assert.Equal(t, []int{30, 60, 90}, app.Offer.TermsDays)

	next, evt, err := Transition(app, admin, FinalizeCommand{}, clock)
	require.NoError(t, err)
	assert.Equal(t, PhaseFinalized, next.Phase)
	assert.Equal(t, AdminFinalFinalized, next.AdminFinalStatus())
	terms, ok := next.EffectiveTerms()
	require.True(t, ok)
	assert.Equal(t, money.Amount(50000), terms.CreditLimit)
	assert.True(t, terms.DownPaymentPercent.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, money.Amount(50000), evt.Granted)
	assert.Equal(t, app.Version+1, next.Version)
	assert.Equal(t, PhaseAwaitingFinalization, evt.From)
	assert.Equal(t, PhaseFinalized, evt.To)
}

func TestPreAnalysisRejectionBlocksFinancialDecisionForEveryActor(t *testing.T) {
	app := submitted(t)
	app = mustTransition(t, app, admin, PreAnalysisCommand{Decision: PreAnalysisRejected, Notes: "incomplete"})
	assert.Equal(t, PreAnalysisRejected, app.PreAnalysisStatus())
	assert.Equal(t, FinancialPending, app.FinancialStatus())

	for _, actor := range []shared.Actor{bank, admin, {Role: shared.RoleImporter, ID: "imp-1"}} {
		_, _, err := Transition(app, actor, approveOffer(), clock)
		require.ErrorIs(t, err, shared.ErrIllegalTransition, "actor %s", actor.Role)
	}
}

func TestRoleOwnership(t *testing.T) {
	app := submitted(t)
	_, _, err := Transition(app, bank, PreAnalysisCommand{Decision: PreAnalysisPreApproved}, clock)
	require.ErrorIs(t, err, shared.ErrForbidden)

	app = mustTransition(t, app, admin, PreAnalysisCommand{Decision: PreAnalysisPreApproved})
	_, _, err = Transition(app, admin, approveOffer(), clock)
	require.ErrorIs(t, err, shared.ErrForbidden)

	app = mustTransition(t, app, bank, approveOffer())
	_, _, err = Transition(app, bank, FinalizeCommand{}, clock)
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, _, err = Transition(app, bank, RejectCommand{Stage: StageFinalization, Reason: "no"}, clock)
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestImporterScope(t *testing.T) {
	app := submitted(t)
	other := shared.Actor{Role: shared.RoleImporter, ID: "imp-2"}
	_, _, err := Transition(app, other, PreAnalysisCommand{Decision: PreAnalysisPreApproved}, clock)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestPreAnalysisIsReentrantUntilFinancialDecision(t *testing.T) {
	app := submitted(t)
	app = mustTransition(t, app, admin, PreAnalysisCommand{Decision: PreAnalysisNeedsDocuments})
	assert.Equal(t, PreAnalysisNeedsDocuments, app.PreAnalysisStatus())
	app = mustTransition(t, app, admin, PreAnalysisCommand{Decision: PreAnalysisPreApproved})
	app = mustTransition(t, app, admin, PreAnalysisCommand{Decision: PreAnalysisNeedsClarification})
	assert.Equal(t, PhasePreAnalysis, app.Phase)
	assert.Equal(t, PreAnalysisNeedsClarification, app.PreAnalysisStatus())

	app = mustTransition(t, app, admin, PreAnalysisCommand{Decision: PreAnalysisPreApproved})
	app = mustTransition(t, app, bank, approveOffer())
	_, _, err := Transition(app, admin, PreAnalysisCommand{Decision: PreAnalysisPreApproved}, clock)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestFinancialDecisionValidation(t *testing.T) {
	app := mustTransition(t, submitted(t), admin, PreAnalysisCommand{Decision: PreAnalysisPreApproved})

	cases := map[string]FinancialDecisionCommand{
		"zero limit":   {Decision: FinancialApproved, CreditLimit: 0, TermsDays: []int{30}},
		"no terms":     {Decision: FinancialApproved, CreditLimit: 10},
		"zero term":    {Decision: FinancialApproved, CreditLimit: 10, TermsDays: []int{0}},
		"bad percent":  {Decision: FinancialApproved, CreditLimit: 10, TermsDays: []int{30}, DownPaymentPercent: decimal.NewFromInt(101)},
		"bad decision": {Decision: "maybe"},
		"over-precise percent": {
			Decision: FinancialApproved, CreditLimit: 10, TermsDays: []int{30},
			DownPaymentPercent: decimal.RequireFromString("33.333333"),
		},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Transition(app, bank, cmd, clock)
			require.ErrorIs(t, err, shared.ErrInvalidInput)
		})
	}

	rejected := mustTransition(t, app, bank, FinancialDecisionCommand{Decision: FinancialRejected, Notes: "exposure"})
	assert.Equal(t, FinancialRejected, rejected.FinancialStatus())
	assert.Nil(t, rejected.Offer)
}

func TestFinalizeOverrides(t *testing.T) {
	app := mustTransition(t, submitted(t), admin, PreAnalysisCommand{Decision: PreAnalysisPreApproved})
	app = mustTransition(t, app, bank, approveOffer())

	higher := money.Amount(50001)
	_, _, err := Transition(app, admin, FinalizeCommand{OverrideLimit: &higher}, clock)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	precise := decimal.RequireFromString("12.345678")
	_, _, err = Transition(app, admin, FinalizeCommand{OverrideDownPaymentPercent: &precise}, clock)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	zero := money.Amount(0)
	_, _, err = Transition(app, admin, FinalizeCommand{OverrideLimit: &zero}, clock)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	lower := money.Amount(40000)
	pct := decimal.NewFromInt(50)
	final := mustTransition(t, app, admin, FinalizeCommand{OverrideLimit: &lower, OverrideTermsDays: []int{45}, OverrideDownPaymentPercent: &pct})
	terms, ok := final.EffectiveTerms()
	require.True(t, ok)
	assert.Equal(t, lower, terms.CreditLimit)
	assert.Equal(t, []int{45}, terms.TermsDays)
	assert.True(t, terms.DownPaymentPercent.Equal(pct))
	assert.Equal(t, money.Amount(50000), final.Offer.CreditLimit)
}

func TestRejectStages(t *testing.T) {
	app := submitted(t)
	_, _, err := Transition(app, admin, RejectCommand{Stage: StagePreAnalysis}, clock)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
	_, _, err = Transition(app, bank, RejectCommand{Stage: StageFinancial, Reason: "x"}, clock)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	_, _, err = Transition(app, admin, RejectCommand{Stage: "other", Reason: "x"}, clock)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	app = mustTransition(t, app, admin, PreAnalysisCommand{Decision: PreAnalysisPreApproved})
	app = mustTransition(t, app, bank, approveOffer())
	rejected := mustTransition(t, app, admin, RejectCommand{Stage: StageFinalization, Reason: "sanctions hit"})
	assert.Equal(t, PhaseRejected, rejected.Phase)
	assert.Equal(t, AdminFinalRejected, rejected.AdminFinalStatus())
	assert.Equal(t, FinancialApproved, rejected.FinancialStatus())
	assert.Equal(t, "sanctions hit", rejected.RejectionReason)

	_, _, err = Transition(rejected, admin, FinalizeCommand{}, clock)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	_, _, err = Transition(rejected, admin, RejectCommand{Stage: StageFinalization, Reason: "again"}, clock)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestTransitionDoesNotAliasTerms(t *testing.T) {
	app := mustTransition(t, submitted(t), admin, PreAnalysisCommand{Decision: PreAnalysisPreApproved})
	app = mustTransition(t, app, bank, approveOffer())
	final := mustTransition(t, app, admin, FinalizeCommand{})
	final.Final.TermsDays[0] = 1
	assert.Equal(t, 30, app.Offer.TermsDays[0])
}

func TestStatusOrderingHoldsForRandomCommandSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	actors := []shared.Actor{importer, admin, bank}
	pct := decimal.NewFromInt(20)
	limit := money.Amount(1000)
	commands := []Command{
		PreAnalysisCommand{Decision: PreAnalysisPreApproved},
		PreAnalysisCommand{Decision: PreAnalysisNeedsDocuments},
		PreAnalysisCommand{Decision: PreAnalysisNeedsClarification},
		PreAnalysisCommand{Decision: PreAnalysisRejected},
		FinancialDecisionCommand{Decision: FinancialApproved, CreditLimit: 1000, TermsDays: []int{30}, DownPaymentPercent: pct},
		FinancialDecisionCommand{Decision: FinancialRejected},
		FinalizeCommand{},
		FinalizeCommand{OverrideLimit: &limit},
		RejectCommand{Stage: StagePreAnalysis, Reason: "r"},
		RejectCommand{Stage: StageFinancial, Reason: "r"},
		RejectCommand{Stage: StageFinalization, Reason: "r"},
	}

	for run := 0; run < 500; run++ {
		app := submitted(t)
		for step := 0; step < 12; step++ {
			cmd := commands[rng.Intn(len(commands))]
			actor := actors[rng.Intn(len(actors))]
			next, _, err := Transition(app, actor, cmd, clock)
			if err != nil {
				assert.Equal(t, app, next)
				continue
			}
			app = next
			if app.FinancialStatus() != FinancialPending {
				require.Equal(t, PreAnalysisPreApproved, app.PreAnalysisStatus(), "run %d step %d", run, step)
			}
			if app.AdminFinalStatus() == AdminFinalFinalized {
				require.Equal(t, FinancialApproved, app.FinancialStatus(), "run %d step %d", run, step)
				_, ok := app.EffectiveTerms()
				require.True(t, ok)
			}
			if app.Phase == PhaseRejected {
				require.NotEmpty(t, app.RejectedStage)
			}
		}
	}
}
