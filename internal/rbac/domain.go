package rbac

import "github.com/tradecredit/creditdesk/internal/shared"

// Permission names an atomic capability granted by a role claim.
const (
	PermCreditSubmit    = "credit.submit"
	PermCreditView      = "credit.view"
	PermCreditReview    = "credit.review"
	PermCreditDecide    = "credit.decide"
	PermCreditFinalize  = "credit.finalize"
	PermLedgerView      = "ledger.view"
	PermImportsView     = "imports.view"
	PermImportsDraw     = "imports.draw"
	PermImportsManage   = "imports.manage"
	PermPermissionsView = "permissions.view"
)

// Permission describes a capability for listing. Advisory permissions are
// not checked on routes: the credit workflow enforces stage ownership itself
// so that ordering errors take precedence over role errors. Clients may use
// them to decide which actions to offer.
type Permission struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Advisory    bool   `json:"advisory"`
}

var catalog = []Permission{
	{Name: PermCreditSubmit, Description: "Submit credit applications"},
	{Name: PermCreditView, Description: "View credit applications within scope"},
	{Name: PermCreditReview, Description: "Record pre-analysis decisions (enforced by the credit workflow)", Advisory: true},
	{Name: PermCreditDecide, Description: "Record financial-institution decisions (enforced by the credit workflow)", Advisory: true},
	{Name: PermCreditFinalize, Description: "Finalize approved applications (enforced by the credit workflow)", Advisory: true},
	{Name: PermLedgerView, Description: "View credit ledger positions within scope"},
	{Name: PermImportsView, Description: "View imports and obligations within scope"},
	{Name: PermImportsDraw, Description: "Draw credit through imports"},
	{Name: PermImportsManage, Description: "Cancel and advance imports"},
	{Name: PermPermissionsView, Description: "List own permissions"},
}

// grants maps each role claim to its permissions. Field ownership checks
// still happen in the domain services; these only gate routes.
var grants = map[shared.Role][]string{
	shared.RoleImporter: {
		PermCreditSubmit, PermCreditView, PermLedgerView,
		PermImportsView, PermImportsDraw, PermImportsManage, PermPermissionsView,
	},
	shared.RoleAdministrator: {
		PermCreditView, PermCreditReview, PermCreditFinalize, PermLedgerView,
		PermImportsView, PermImportsDraw, PermImportsManage, PermPermissionsView,
	},
	shared.RoleFinancialInstitution: {
		PermCreditView, PermCreditDecide, PermLedgerView, PermImportsView, PermPermissionsView,
	},
}
