// Package drawdown consumes finalized credit through imports.
package drawdown

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/schedule"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Status tracks an import through its logistics lifecycle.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusOrdered   Status = "ordered"
	StatusInTransit Status = "in_transit"
	StatusCustoms   Status = "customs"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var lifecycle = map[Status]int{
	StatusPlanning:  0,
	StatusOrdered:   1,
	StatusInTransit: 2,
	StatusCustoms:   3,
	StatusCompleted: 4,
}

// ParseStatus validates a forward lifecycle status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := lifecycle[s]; !ok {
		return "", fmt.Errorf("%w: unknown import status %q", shared.ErrInvalidInput, raw)
	}
	return s, nil
}

// Import is one shipment, optionally financed by a finalized application.
type Import struct {
	ID                  uuid.UUID    `json:"id"`
	ImporterID          string       `json:"importer_id"`
	CreditApplicationID *uuid.UUID   `json:"credit_application_id,omitempty"`
	Reference           string       `json:"reference"`
	TotalValue          money.Amount `json:"total_value"`
	Status              Status       `json:"status"`
	DrawdownDate        time.Time    `json:"drawdown_date"`
	CancelledAt         *time.Time   `json:"cancelled_at,omitempty"`
	CancelReason        string       `json:"cancel_reason,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// UsesCredit reports whether the import consumes ledger credit.
func (i Import) UsesCredit() bool {
	return i.CreditApplicationID != nil
}

// Active reports whether the import still counts against the ledger.
func (i Import) Active() bool {
	return i.Status != StatusCancelled
}

// Advance moves the import forward in its lifecycle.
func (i Import) Advance(next Status, now time.Time) (Import, error) {
	if i.Status == StatusCancelled || i.Status == StatusCompleted {
		return i, fmt.Errorf("%w: import is %s", shared.ErrIllegalTransition, i.Status)
	}
	to, ok := lifecycle[next]
	if !ok {
		return i, fmt.Errorf("%w: unknown import status %q", shared.ErrInvalidInput, next)
	}
	if to <= lifecycle[i.Status] {
		return i, fmt.Errorf("%w: cannot move import from %s to %s", shared.ErrIllegalTransition, i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = now.UTC()
	return i, nil
}

// Cancel terminally cancels the import.
func (i Import) Cancel(reason string, now time.Time) (Import, error) {
	if i.Status == StatusCancelled || i.Status == StatusCompleted {
		return i, fmt.Errorf("%w: import is %s", shared.ErrIllegalTransition, i.Status)
	}
	at := now.UTC()
	i.Status = StatusCancelled
	i.CancelledAt = &at
	i.CancelReason = reason
	i.UpdatedAt = at
	return i, nil
}

// Input requests a new import. A nil CreditApplicationID records a cash
// import that consumes no credit and carries no schedule.
type Input struct {
	ImporterID          string
	CreditApplicationID *uuid.UUID
	TotalValue          money.Amount
	Reference           string
	IdempotencyKey      string
}

// Result is a committed drawdown.
type Result struct {
	Import      Import                `json:"import"`
	Obligations []schedule.Obligation `json:"obligations"`
	Available   *money.Amount         `json:"available,omitempty"`
}
