// Package ledger keeps each importer's granted and drawn credit.
package ledger

import (
	"fmt"
	"time"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Position is the materialized credit position of one importer. Granted is
// the sum of effective limits of finalized applications, Drawn the sum of
// non-cancelled credit imports. Credit is pooled across applications.
type Position struct {
	ImporterID string
	Granted    money.Amount
	Drawn      money.Amount
	Version    int64
	UpdatedAt  time.Time
}

// Available returns Granted minus Drawn.
func (p Position) Available() money.Amount {
	return p.Granted - p.Drawn
}

// Summary is the read model returned to callers.
type Summary struct {
	ImporterID string       `json:"importer_id"`
	Granted    money.Amount `json:"granted"`
	Drawn      money.Amount `json:"drawn"`
	Available  money.Amount `json:"available"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Summarize projects a position into its read model.
func Summarize(p Position) Summary {
	return Summary{
		ImporterID: p.ImporterID,
		Granted:    p.Granted,
		Drawn:      p.Drawn,
		Available:  p.Available(),
		UpdatedAt:  p.UpdatedAt,
	}
}

// InsufficientCreditError reports a drawdown above the available credit.
type InsufficientCreditError struct {
	Available money.Amount
	Requested money.Amount
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("%s: requested %d, available %d", shared.ErrInsufficientCredit, e.Requested, e.Available)
}

// Is matches shared.ErrInsufficientCredit.
func (e *InsufficientCreditError) Is(target error) bool {
	return target == shared.ErrInsufficientCredit
}

// AvailableAmount exposes the shortfall context for problem responses.
func (e *InsufficientCreditError) AvailableAmount() int64 {
	return e.Available.Int64()
}

// Authorize succeeds iff requested does not exceed the available credit.
func Authorize(p Position, requested money.Amount) error {
	if requested <= 0 {
		return fmt.Errorf("%w: drawdown amount %d must be positive", shared.ErrInvalidInput, requested)
	}
	if requested > p.Available() {
		return &InsufficientCreditError{Available: p.Available(), Requested: requested}
	}
	return nil
}

// Grant adds a finalized limit to the position.
func Grant(p Position, amount money.Amount) (Position, error) {
	if amount <= 0 {
		return p, fmt.Errorf("%w: granted limit %d must be positive", shared.ErrInvalidInput, amount)
	}
	p.Granted += amount
	return p, nil
}

// Draw consumes credit after authorizing it.
func Draw(p Position, amount money.Amount) (Position, error) {
	if err := Authorize(p, amount); err != nil {
		return p, err
	}
	p.Drawn += amount
	return p, nil
}

// Release returns previously drawn credit, for example on import cancellation.
func Release(p Position, amount money.Amount) (Position, error) {
	if amount <= 0 {
		return p, fmt.Errorf("%w: released amount %d must be positive", shared.ErrInvalidInput, amount)
	}
	if amount > p.Drawn {
		return p, fmt.Errorf("%w: release %d exceeds drawn %d", shared.ErrInvalidInput, amount, p.Drawn)
	}
	p.Drawn -= amount
	return p, nil
}

// Reconciliation compares the materialized position with the value
// recomputed from finalized applications and active imports.
type Reconciliation struct {
	ImporterID   string  `json:"importer_id"`
	Materialized Summary `json:"materialized"`
	Computed     Summary `json:"computed"`
}

// Drifted reports whether the materialized row disagrees with the sources.
func (r Reconciliation) Drifted() bool {
	return r.Materialized.Granted != r.Computed.Granted || r.Materialized.Drawn != r.Computed.Drawn
}
