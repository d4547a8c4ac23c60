package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradecredit/creditdesk/internal/ledger"
	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/platform/db"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Repository persists credit applications in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	*ledger.TxPositionStore
	tx pgx.Tx
}

// WithTx executes fn inside a read-committed transaction. Application rows
// are guarded by version checks and ledger rows by explicit locks.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxPositionStore: ledger.NewTxPositionStore(tx), tx: tx})
	})
}

const selectColumns = `id, importer_id, requested_amount, purpose, phase, pre_analysis_decision,
offer_credit_limit, offer_terms_days, offer_down_payment_pct::text,
final_credit_limit, final_terms_days, final_down_payment_pct::text,
rejected_stage, rejection_reason, risk_level, pre_analysis_notes, financial_notes, finalization_notes,
version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (CreditApplication, error) {
	var (
		app                    CreditApplication
		requested              int64
		phase, decision        string
		offerLimit, finalLimit *int64
		offerDays, finalDays   []int32
		offerPct, finalPct     *string
		stage, risk            string
	)
	err := row.Scan(&app.ID, &app.ImporterID, &requested, &app.Purpose, &phase, &decision,
		&offerLimit, &offerDays, &offerPct,
		&finalLimit, &finalDays, &finalPct,
		&stage, &app.RejectionReason, &risk, &app.PreAnalysisNotes, &app.FinancialNotes, &app.FinalizationNotes,
		&app.Version, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return CreditApplication{}, err
	}
	app.RequestedAmount = money.Amount(requested)
	app.Phase = Phase(phase)
	app.PreAnalysis = PreAnalysisStatus(decision)
	app.RejectedStage = Stage(stage)
	app.RiskLevel = RiskLevel(risk)
	if app.Offer, err = termsFromRow(offerLimit, offerDays, offerPct); err != nil {
		return CreditApplication{}, err
	}
	if app.Final, err = termsFromRow(finalLimit, finalDays, finalPct); err != nil {
		return CreditApplication{}, err
	}
	return app, nil
}

func termsFromRow(limit *int64, days []int32, pct *string) (*Terms, error) {
	if limit == nil {
		return nil, nil
	}
	t := Terms{CreditLimit: money.Amount(*limit), TermsDays: make([]int, len(days))}
	for i, d := range days {
		t.TermsDays[i] = int(d)
	}
	if pct != nil {
		p, err := decimal.NewFromString(*pct)
		if err != nil {
			return nil, fmt.Errorf("credit: stored percentage %q: %w", *pct, err)
		}
		t.DownPaymentPercent = p
	}
	return &t, nil
}

func termsArgs(t *Terms) (limit *int64, days []int32, pct *string) {
	if t == nil {
		return nil, nil, nil
	}
	l := t.CreditLimit.Int64()
	p := t.DownPaymentPercent.String()
	days = make([]int32, len(t.TermsDays))
	for i, d := range t.TermsDays {
		days[i] = int32(d)
	}
	return &l, days, &p
}

func getApplication(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, id uuid.UUID) (CreditApplication, error) {
	app, err := scanApplication(q.QueryRow(ctx, `SELECT `+selectColumns+` FROM credit_applications WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CreditApplication{}, fmt.Errorf("%w: application %s", shared.ErrNotFound, id)
		}
		return CreditApplication{}, err
	}
	return app, nil
}

// Get loads an application by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (CreditApplication, error) {
	return getApplication(ctx, r.pool, id)
}

// List returns applications ordered by creation, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]CreditApplication, error) {
	var (
		where []string
		args  []any
	)
	if filter.ImporterID != "" {
		args = append(args, filter.ImporterID)
		where = append(where, fmt.Sprintf("importer_id=$%d", len(args)))
	}
	if filter.Phase != "" {
		args = append(args, string(filter.Phase))
		where = append(where, fmt.Sprintf("phase=$%d", len(args)))
	}
	sql := `SELECT ` + selectColumns + ` FROM credit_applications`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var apps []CreditApplication
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (t *txRepository) Get(ctx context.Context, id uuid.UUID) (CreditApplication, error) {
	return getApplication(ctx, t.tx, id)
}

func (t *txRepository) Insert(ctx context.Context, app CreditApplication) error {
	offerLimit, offerDays, offerPct := termsArgs(app.Offer)
	finalLimit, finalDays, finalPct := termsArgs(app.Final)
	_, err := t.tx.Exec(ctx, `INSERT INTO credit_applications (id, importer_id, requested_amount, purpose, phase, pre_analysis_decision,
offer_credit_limit, offer_terms_days, offer_down_payment_pct, final_credit_limit, final_terms_days, final_down_payment_pct,
rejected_stage, rejection_reason, risk_level, pre_analysis_notes, financial_notes, finalization_notes, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,$10,$11,$12::numeric,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		app.ID, app.ImporterID, app.RequestedAmount.Int64(), app.Purpose, string(app.Phase), string(app.PreAnalysis),
		offerLimit, offerDays, offerPct, finalLimit, finalDays, finalPct,
		string(app.RejectedStage), app.RejectionReason, string(app.RiskLevel),
		app.PreAnalysisNotes, app.FinancialNotes, app.FinalizationNotes, app.Version, app.CreatedAt, app.UpdatedAt)
	return err
}

func (t *txRepository) Update(ctx context.Context, app CreditApplication, expectedVersion int64) error {
	offerLimit, offerDays, offerPct := termsArgs(app.Offer)
	finalLimit, finalDays, finalPct := termsArgs(app.Final)
	tag, err := t.tx.Exec(ctx, `UPDATE credit_applications SET phase=$3, pre_analysis_decision=$4,
offer_credit_limit=$5, offer_terms_days=$6, offer_down_payment_pct=$7::numeric,
final_credit_limit=$8, final_terms_days=$9, final_down_payment_pct=$10::numeric,
rejected_stage=$11, rejection_reason=$12, risk_level=$13,
pre_analysis_notes=$14, financial_notes=$15, finalization_notes=$16,
version=$17, updated_at=$18
WHERE id=$1 AND version=$2`,
		app.ID, expectedVersion, string(app.Phase), string(app.PreAnalysis),
		offerLimit, offerDays, offerPct, finalLimit, finalDays, finalPct,
		string(app.RejectedStage), app.RejectionReason, string(app.RiskLevel),
		app.PreAnalysisNotes, app.FinancialNotes, app.FinalizationNotes, app.Version, app.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: application %s changed since version %d", shared.ErrStorageConflict, app.ID, expectedVersion)
	}
	return nil
}
