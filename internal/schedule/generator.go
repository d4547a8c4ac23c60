// Package schedule turns an approved drawdown into its payment obligations.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Kind distinguishes the down payment from the installments.
type Kind string

const (
	KindDownPayment Kind = "down_payment"
	KindInstallment Kind = "installment"
)

// Status is the payment state of an obligation.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusOverdue Status = "overdue"
)

// ErrScheduleExists is returned when obligations were already generated for an import.
var ErrScheduleExists = fmt.Errorf("%w: schedule already generated for import", shared.ErrIllegalTransition)

// Obligation is one dated payment owed for an import.
type Obligation struct {
	ID                    uuid.UUID    `json:"id"`
	ImportID              uuid.UUID    `json:"import_id"`
	Kind                  Kind         `json:"kind"`
	SequenceNumber        int          `json:"sequence_number"`
	TotalInInstallmentSet int          `json:"total_in_installment_set"`
	Amount                money.Amount `json:"amount"`
	DueDate               time.Time    `json:"due_date"`
	Status                Status       `json:"status"`
}

// Input describes the drawdown a schedule is generated for.
type Input struct {
	ImportID           uuid.UUID
	DrawnValue         money.Amount
	DownPaymentPercent decimal.Decimal
	TermsDays          []int
	DrawdownDate       time.Time
}

func (in Input) validate() error {
	var errs []error
	if in.ImportID == uuid.Nil {
		errs = append(errs, errors.New("import id required"))
	}
	if in.DrawnValue <= 0 {
		errs = append(errs, fmt.Errorf("drawn value %d must be positive", in.DrawnValue))
	}
	if len(in.TermsDays) == 0 {
		errs = append(errs, errors.New("terms required"))
	}
	for _, term := range in.TermsDays {
		if term <= 0 {
			errs = append(errs, fmt.Errorf("term %d must be positive", term))
		}
	}
	if err := money.ValidatePercent(in.DownPaymentPercent); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// Generate produces the down payment followed by one installment per term.
// Amounts always sum to the drawn value. Due dates are calendar days after
// the UTC date of the drawdown.
func Generate(in Input) ([]Obligation, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	terms := append([]int(nil), in.TermsDays...)
	sort.Ints(terms)

	down, err := money.ApplyPercent(in.DrawnValue, in.DownPaymentPercent)
	if err != nil {
		return nil, err
	}
	financed := in.DrawnValue - down
	base := dateOf(in.DrawdownDate)

	count := len(terms)
	if financed == 0 {
		count = 0
	}
	out := make([]Obligation, 0, count+1)
	out = append(out, obligation(in.ImportID, KindDownPayment, 0, count, down, base))
	if financed == 0 {
		return out, nil
	}

	parts, err := money.Split(financed, count)
	if err != nil {
		return nil, err
	}
	for i, term := range terms {
		out = append(out, obligation(in.ImportID, KindInstallment, i+1, count, parts[i], base.AddDate(0, 0, term)))
	}
	return out, nil
}

// ObligationID derives a stable id from the import and the obligation slot.
func ObligationID(importID uuid.UUID, kind Kind, seq int) uuid.UUID {
	return uuid.NewSHA1(importID, []byte(fmt.Sprintf("%s:%d", kind, seq)))
}

func obligation(importID uuid.UUID, kind Kind, seq, total int, amount money.Amount, due time.Time) Obligation {
	return Obligation{
		ID:                    ObligationID(importID, kind, seq),
		ImportID:              importID,
		Kind:                  kind,
		SequenceNumber:        seq,
		TotalInInstallmentSet: total,
		Amount:                amount,
		DueDate:               due,
		Status:                StatusPending,
	}
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Total sums the obligation amounts.
func Total(obligations []Obligation) money.Amount {
	var sum money.Amount
	for _, o := range obligations {
		sum += o.Amount
	}
	return sum
}

// IsOverdue reports whether a pending obligation is past due at asOf.
func IsOverdue(o Obligation, asOf time.Time) bool {
	return o.Status == StatusPending && o.DueDate.Before(dateOf(asOf))
}
