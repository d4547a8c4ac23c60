package drawdown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradecredit/creditdesk/internal/ledger"
	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/platform/db"
	"github.com/tradecredit/creditdesk/internal/schedule"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Repository persists imports and obligations in PostgreSQL.
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

// WithTx executes fn inside a read-committed transaction; concurrent
// drawdowns of one importer serialize on the ledger row lock.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxPositionStore: ledger.NewTxPositionStore(tx), tx: tx})
	})
}

const importColumns = `id, importer_id, credit_application_id, reference, total_value, status, drawdown_date,
cancelled_at, cancel_reason, created_at, updated_at`

func scanImport(row pgx.Row) (Import, error) {
	var (
		imp    Import
		total  int64
		status string
	)
	err := row.Scan(&imp.ID, &imp.ImporterID, &imp.CreditApplicationID, &imp.Reference, &total, &status, &imp.DrawdownDate,
		&imp.CancelledAt, &imp.CancelReason, &imp.CreatedAt, &imp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Import{}, fmt.Errorf("%w: import", shared.ErrNotFound)
		}
		return Import{}, err
	}
	imp.TotalValue = money.Amount(total)
	imp.Status = Status(status)
	return imp, nil
}

// GetImport loads an import by id.
func (r *Repository) GetImport(ctx context.Context, id uuid.UUID) (Import, error) {
	return scanImport(r.pool.QueryRow(ctx, `SELECT `+importColumns+` FROM imports WHERE id=$1`, id))
}

// ListByImporter returns imports of an importer, newest first.
func (r *Repository) ListByImporter(ctx context.Context, importerID string, limit, offset int) ([]Import, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+importColumns+` FROM imports WHERE importer_id=$1
ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, importerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Import
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}

// Obligations returns the schedule of an import in due order.
func (r *Repository) Obligations(ctx context.Context, importID uuid.UUID) ([]schedule.Obligation, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, import_id, kind, sequence_number, total_in_installment_set, amount, due_date, status
FROM payment_obligations WHERE import_id=$1 ORDER BY sequence_number`, importID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.Obligation
	for rows.Next() {
		var (
			o            schedule.Obligation
			kind, status string
			amount       int64
		)
		if err := rows.Scan(&o.ID, &o.ImportID, &kind, &o.SequenceNumber, &o.TotalInInstallmentSet, &amount, &o.DueDate, &status); err != nil {
			return nil, err
		}
		o.Kind = schedule.Kind(kind)
		o.Status = schedule.Status(status)
		o.Amount = money.Amount(amount)
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOverdue flags pending obligations due before asOf on active imports.
func (r *Repository) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	y, m, d := asOf.UTC().Date()
	tag, err := r.pool.Exec(ctx, `UPDATE payment_obligations o SET status='overdue'
FROM imports i
WHERE o.import_id=i.id AND i.status <> 'cancelled' AND o.status='pending' AND o.due_date < $1`,
		time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepository) InsertImport(ctx context.Context, imp Import) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO imports (`+importColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		imp.ID, imp.ImporterID, imp.CreditApplicationID, imp.Reference, imp.TotalValue.Int64(), string(imp.Status), imp.DrawdownDate,
		imp.CancelledAt, imp.CancelReason, imp.CreatedAt, imp.UpdatedAt)
	return err
}

func (t *txRepository) GetImportForUpdate(ctx context.Context, id uuid.UUID) (Import, error) {
	return scanImport(t.tx.QueryRow(ctx, `SELECT `+importColumns+` FROM imports WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) UpdateImport(ctx context.Context, imp Import) error {
	_, err := t.tx.Exec(ctx, `UPDATE imports SET status=$2, cancelled_at=$3, cancel_reason=$4, updated_at=$5 WHERE id=$1`,
		imp.ID, string(imp.Status), imp.CancelledAt, imp.CancelReason, imp.UpdatedAt)
	return err
}

func (t *txRepository) HasObligations(ctx context.Context, importID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_obligations WHERE import_id=$1)`, importID).Scan(&exists)
	return exists, err
}

func (t *txRepository) InsertObligations(ctx context.Context, obligations []schedule.Obligation) error {
	batch := &pgx.Batch{}
	for _, o := range obligations {
		batch.Queue(`INSERT INTO payment_obligations (id, import_id, kind, sequence_number, total_in_installment_set, amount, due_date, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, o.ID, o.ImportID, string(o.Kind), o.SequenceNumber, o.TotalInInstallmentSet, o.Amount.Int64(), o.DueDate, string(o.Status))
	}
	results := t.tx.SendBatch(ctx, batch)
	for range obligations {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			if db.IsUniqueViolation(err) {
				return schedule.ErrScheduleExists
			}
			return err
		}
	}
	return results.Close()
}
