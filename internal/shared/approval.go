package shared

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	// ApprovalSubmit marks an importer submission.
	ApprovalSubmit ApprovalAction = "SUBMIT"
	// ApprovalPreAnalysis marks an administrator pre-analysis decision.
	ApprovalPreAnalysis ApprovalAction = "PRE_ANALYSIS"
	// ApprovalFinancialDecision marks a financial-institution decision.
	ApprovalFinancialDecision ApprovalAction = "FINANCIAL_DECISION"
	// ApprovalFinalize marks administrator finalization.
	ApprovalFinalize ApprovalAction = "FINALIZE"
	// ApprovalReject marks a rejection at any stage.
	ApprovalReject ApprovalAction = "REJECT"
)

// ApprovalLog represents a single approval record.
type ApprovalLog struct {
	ID        int64
	Module    string
	RefID     uuid.UUID
	ActorID   string
	ActorRole Role
	Action    ApprovalAction
	Note      string
	At        time.Time
}

// ApprovalRecorder persists approval history.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// Validate checks the mandatory fields of an approval entry.
func (l ApprovalLog) Validate() error {
	if l.Module == "" {
		return errors.New("approval module required")
	}
	if l.ActorID == "" || l.ActorRole == "" {
		return errors.New("approval actor required")
	}
	if l.RefID == uuid.Nil {
		return errors.New("approval ref id required")
	}
	if l.Action == "" {
		return errors.New("approval action required")
	}
	return nil
}

// Record writes approval entry to database.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil || r.pool == nil {
		return errors.New("approval recorder not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approvals (module, ref_id, actor_id, actor_role, action, note, at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`, log.Module, log.RefID, log.ActorID, string(log.ActorRole), string(log.Action), log.Note, at)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("record approval", slog.Any("error", err))
		}
		return err
	}
	return nil
}

// List returns approvals for module/ref.
func (r *ApprovalRecorder) List(ctx context.Context, module string, ref uuid.UUID) ([]ApprovalLog, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, module, ref_id, actor_id, actor_role, action, note, at
FROM approvals WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var l ApprovalLog
		var action, role string
		if err := rows.Scan(&l.ID, &l.Module, &l.RefID, &l.ActorID, &role, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		l.ActorRole = Role(role)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
