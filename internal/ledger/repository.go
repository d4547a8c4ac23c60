package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradecredit/creditdesk/internal/money"
)

// PositionStore reads and writes positions inside a caller-owned transaction.
// GetPositionForUpdate holds the importer's row lock until the transaction ends.
type PositionStore interface {
	GetPositionForUpdate(ctx context.Context, importerID string) (Position, error)
	SavePosition(ctx context.Context, pos Position) error
}

// TxPositionStore implements PositionStore on a pgx transaction.
type TxPositionStore struct {
	tx  pgx.Tx
	now func() time.Time
}

// NewTxPositionStore binds a position store to tx.
func NewTxPositionStore(tx pgx.Tx) *TxPositionStore {
	return &TxPositionStore{tx: tx, now: time.Now}
}

// GetPositionForUpdate ensures the row exists and locks it.
func (s *TxPositionStore) GetPositionForUpdate(ctx context.Context, importerID string) (Position, error) {
	if _, err := s.tx.Exec(ctx, `INSERT INTO ledger_positions (importer_id, granted, drawn, version, updated_at)
VALUES ($1, 0, 0, 0, NOW()) ON CONFLICT (importer_id) DO NOTHING`, importerID); err != nil {
		return Position{}, err
	}
	var pos Position
	var granted, drawn int64
	err := s.tx.QueryRow(ctx, `SELECT importer_id, granted, drawn, version, updated_at
FROM ledger_positions WHERE importer_id=$1 FOR UPDATE`, importerID).
		Scan(&pos.ImporterID, &granted, &drawn, &pos.Version, &pos.UpdatedAt)
	if err != nil {
		return Position{}, err
	}
	pos.Granted = money.Amount(granted)
	pos.Drawn = money.Amount(drawn)
	return pos, nil
}

// SavePosition writes the locked row back.
func (s *TxPositionStore) SavePosition(ctx context.Context, pos Position) error {
	_, err := s.tx.Exec(ctx, `UPDATE ledger_positions SET granted=$2, drawn=$3, version=version+1, updated_at=$4
WHERE importer_id=$1`, pos.ImporterID, pos.Granted.Int64(), pos.Drawn.Int64(), s.now())
	return err
}

// Repository serves ledger reads from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetPosition returns the materialized position, zero when none exists.
func (r *Repository) GetPosition(ctx context.Context, importerID string) (Position, error) {
	pos := Position{ImporterID: importerID}
	var granted, drawn int64
	err := r.pool.QueryRow(ctx, `SELECT granted, drawn, version, updated_at FROM ledger_positions WHERE importer_id=$1`, importerID).
		Scan(&granted, &drawn, &pos.Version, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pos, nil
		}
		return Position{}, err
	}
	pos.Granted = money.Amount(granted)
	pos.Drawn = money.Amount(drawn)
	return pos, nil
}

// ComputePosition reduces finalized applications and active credit imports.
func (r *Repository) ComputePosition(ctx context.Context, importerID string) (Position, error) {
	pos := Position{ImporterID: importerID}
	var granted, drawn int64
	err := r.pool.QueryRow(ctx, `SELECT
  COALESCE((SELECT SUM(final_credit_limit) FROM credit_applications WHERE importer_id=$1 AND phase='finalized'), 0)::bigint,
  COALESCE((SELECT SUM(total_value) FROM imports WHERE importer_id=$1 AND credit_application_id IS NOT NULL AND status <> 'cancelled'), 0)::bigint`,
		importerID).Scan(&granted, &drawn)
	if err != nil {
		return Position{}, err
	}
	pos.Granted = money.Amount(granted)
	pos.Drawn = money.Amount(drawn)
	return pos, nil
}

// ListImporters returns every importer with a position or an application.
func (r *Repository) ListImporters(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT importer_id FROM ledger_positions
UNION SELECT importer_id FROM credit_applications WHERE phase='finalized'
ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
