package drawdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradecredit/creditdesk/internal/credit"
	"github.com/tradecredit/creditdesk/internal/ledger"
	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/schedule"
	"github.com/tradecredit/creditdesk/internal/shared"
)

const idempotencyModule = "DRAWDOWN"

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetImport(ctx context.Context, id uuid.UUID) (Import, error)
	ListByImporter(ctx context.Context, importerID string, limit, offset int) ([]Import, error)
	Obligations(ctx context.Context, importID uuid.UUID) ([]schedule.Obligation, error)
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	ledger.PositionStore
	InsertImport(ctx context.Context, imp Import) error
	GetImportForUpdate(ctx context.Context, id uuid.UUID) (Import, error)
	UpdateImport(ctx context.Context, imp Import) error
	HasObligations(ctx context.Context, importID uuid.UUID) (bool, error)
	InsertObligations(ctx context.Context, obligations []schedule.Obligation) error
}

// ApplicationReader loads credit applications without actor scoping.
type ApplicationReader interface {
	Get(ctx context.Context, id uuid.UUID) (credit.CreditApplication, error)
}

// IdempotencyPort guards replayed drawdown requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer counts drawdown outcomes.
type Observer interface {
	ObserveDrawdown(outcome string, amount money.Amount)
}

// Service coordinates drawdowns, cancellations and schedules.
type Service struct {
	repo        RepositoryPort
	apps        ApplicationReader
	idempotency IdempotencyPort
	audit       AuditPort
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
	newID       func() uuid.UUID
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Idempotency IdempotencyPort
	Audit       AuditPort
	Observer    Observer
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, apps ApplicationReader, cfg ServiceConfig) *Service {
	s := &Service{
		repo:        repo,
		apps:        apps,
		idempotency: cfg.Idempotency,
		audit:       cfg.Audit,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		now:         cfg.Now,
		newID:       uuid.New,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func canDraw(actor shared.Actor, importerID string) error {
	switch actor.Role {
	case shared.RoleAdministrator:
		return nil
	case shared.RoleImporter:
		if actor.ID == importerID {
			return nil
		}
		return fmt.Errorf("%w: importers draw only their own credit", shared.ErrForbidden)
	}
	return fmt.Errorf("%w: role %s cannot draw credit", shared.ErrForbidden, actor.Role)
}

// RequestDrawdown authorizes the drawdown, creates the import and generates
// its payment schedule as one atomic unit per importer.
func (s *Service) RequestDrawdown(ctx context.Context, actor shared.Actor, input Input) (Result, error) {
	res, err := s.requestDrawdown(ctx, actor, input)
	if s.observer != nil {
		outcome := "ok"
		if err != nil {
			outcome = shared.Kind(err)
		}
		s.observer.ObserveDrawdown(outcome, input.TotalValue)
	}
	return res, err
}

func (s *Service) requestDrawdown(ctx context.Context, actor shared.Actor, input Input) (Result, error) {
	input.ImporterID = strings.TrimSpace(input.ImporterID)
	if input.ImporterID == "" && actor.Is(shared.RoleImporter) {
		input.ImporterID = actor.ID
	}
	if input.ImporterID == "" {
		return Result{}, fmt.Errorf("%w: importer id required", shared.ErrInvalidInput)
	}
	if err := canDraw(actor, input.ImporterID); err != nil {
		return Result{}, err
	}
	if input.TotalValue <= 0 {
		return Result{}, fmt.Errorf("%w: total value %d must be positive", shared.ErrInvalidInput, input.TotalValue)
	}

	var terms credit.Terms
	if input.CreditApplicationID != nil {
		app, err := s.apps.Get(ctx, *input.CreditApplicationID)
		if err != nil {
			return Result{}, err
		}
		if app.ImporterID != input.ImporterID {
			return Result{}, fmt.Errorf("%w: application %s", shared.ErrNotFound, app.ID)
		}
		effective, ok := app.EffectiveTerms()
		if !ok {
			return Result{}, fmt.Errorf("%w: application %s is %s, not finalized", shared.ErrIllegalTransition, app.ID, app.Phase)
		}
		terms = effective
	}

	idemKey := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = input.ImporterID + ":" + input.IdempotencyKey
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Result{}, fmt.Errorf("%w: drawdown %q already processed", shared.ErrIllegalTransition, input.IdempotencyKey)
			}
			return Result{}, err
		}
	}

	now := s.now().UTC()
	imp := Import{
		ID:                  s.newID(),
		ImporterID:          input.ImporterID,
		CreditApplicationID: input.CreditApplicationID,
		Reference:           strings.TrimSpace(input.Reference),
		TotalValue:          input.TotalValue,
		Status:              StatusPlanning,
		DrawdownDate:        now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if imp.Reference == "" {
		imp.Reference = "IMP-" + strings.ToUpper(imp.ID.String()[:8])
	}

	var result Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = Result{Import: imp}
		if !imp.UsesCredit() {
			return tx.InsertImport(ctx, imp)
		}
		pos, err := tx.GetPositionForUpdate(ctx, imp.ImporterID)
		if err != nil {
			return err
		}
		pos, err = ledger.Draw(pos, imp.TotalValue)
		if err != nil {
			return err
		}
		if err := tx.InsertImport(ctx, imp); err != nil {
			return err
		}
		obligations, err := schedule.Generate(schedule.Input{
			ImportID:           imp.ID,
			DrawnValue:         imp.TotalValue,
			DownPaymentPercent: terms.DownPaymentPercent,
			TermsDays:          terms.TermsDays,
			DrawdownDate:       imp.DrawdownDate,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertObligations(ctx, obligations); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		available := pos.Available()
		result.Obligations = obligations
		result.Available = &available
		return nil
	})
	if err != nil {
		if idemKey != "" {
			if delErr := s.idempotency.Delete(ctx, idemKey); delErr != nil {
				s.logger.Error("release idempotency key", slog.String("key", idemKey), slog.Any("error", delErr))
			}
		}
		return Result{}, err
	}

	s.record(ctx, actor, "import.drawdown", imp, map[string]any{
		"total_value":           imp.TotalValue.Int64(),
		"credit_application_id": imp.CreditApplicationID,
		"obligations":           len(result.Obligations),
	})
	s.logger.Info("import drawdown",
		slog.String("import_id", imp.ID.String()),
		slog.String("importer_id", imp.ImporterID),
		slog.Int64("total_value", imp.TotalValue.Int64()),
		slog.Bool("credit", imp.UsesCredit()))
	return result, nil
}

// GenerateSchedule produces the obligations of a credit import. Schedules are
// generated exactly once; later calls fail with schedule.ErrScheduleExists.
func (s *Service) GenerateSchedule(ctx context.Context, actor shared.Actor, importID uuid.UUID) ([]schedule.Obligation, error) {
	var out []schedule.Obligation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		imp, err := tx.GetImportForUpdate(ctx, importID)
		if err != nil {
			return err
		}
		if !actor.CanSeeImporter(imp.ImporterID) {
			return fmt.Errorf("%w: import %s", shared.ErrNotFound, importID)
		}
		if err := canDraw(actor, imp.ImporterID); err != nil {
			return err
		}
		if !imp.UsesCredit() {
			return fmt.Errorf("%w: cash import %s has no schedule", shared.ErrIllegalTransition, importID)
		}
		exists, err := tx.HasObligations(ctx, importID)
		if err != nil {
			return err
		}
		if exists {
			return schedule.ErrScheduleExists
		}
		if !imp.Active() {
			return fmt.Errorf("%w: import %s is cancelled", shared.ErrIllegalTransition, importID)
		}
		app, err := s.apps.Get(ctx, *imp.CreditApplicationID)
		if err != nil {
			return err
		}
		terms, ok := app.EffectiveTerms()
		if !ok {
			return fmt.Errorf("%w: application %s is not finalized", shared.ErrIllegalTransition, app.ID)
		}
		obligations, err := schedule.Generate(schedule.Input{
			ImportID:           imp.ID,
			DrawnValue:         imp.TotalValue,
			DownPaymentPercent: terms.DownPaymentPercent,
			TermsDays:          terms.TermsDays,
			DrawdownDate:       imp.DrawdownDate,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertObligations(ctx, obligations); err != nil {
			return err
		}
		out = obligations
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelImport terminally cancels an import and releases its drawn credit.
func (s *Service) CancelImport(ctx context.Context, actor shared.Actor, importID uuid.UUID, reason string) (Import, error) {
	var cancelled Import
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		imp, err := tx.GetImportForUpdate(ctx, importID)
		if err != nil {
			return err
		}
		if !actor.CanSeeImporter(imp.ImporterID) {
			return fmt.Errorf("%w: import %s", shared.ErrNotFound, importID)
		}
		if err := canDraw(actor, imp.ImporterID); err != nil {
			return err
		}
		next, err := imp.Cancel(strings.TrimSpace(reason), s.now())
		if err != nil {
			return err
		}
		if imp.UsesCredit() {
			pos, err := tx.GetPositionForUpdate(ctx, imp.ImporterID)
			if err != nil {
				return err
			}
			pos, err = ledger.Release(pos, imp.TotalValue)
			if err != nil {
				return err
			}
			if err := tx.SavePosition(ctx, pos); err != nil {
				return err
			}
		}
		if err := tx.UpdateImport(ctx, next); err != nil {
			return err
		}
		cancelled = next
		return nil
	})
	if err != nil {
		return Import{}, err
	}
	s.record(ctx, actor, "import.cancel", cancelled, map[string]any{
		"total_value": cancelled.TotalValue.Int64(),
		"reason":      cancelled.CancelReason,
	})
	return cancelled, nil
}

// AdvanceStatus moves an import forward through its lifecycle.
func (s *Service) AdvanceStatus(ctx context.Context, actor shared.Actor, importID uuid.UUID, status Status) (Import, error) {
	var updated Import
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		imp, err := tx.GetImportForUpdate(ctx, importID)
		if err != nil {
			return err
		}
		if !actor.CanSeeImporter(imp.ImporterID) {
			return fmt.Errorf("%w: import %s", shared.ErrNotFound, importID)
		}
		if err := canDraw(actor, imp.ImporterID); err != nil {
			return err
		}
		next, err := imp.Advance(status, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateImport(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return Import{}, err
	}
	s.record(ctx, actor, "import.status", updated, map[string]any{"status": string(updated.Status)})
	return updated, nil
}

// Get returns an import visible to actor.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id uuid.UUID) (Import, error) {
	imp, err := s.repo.GetImport(ctx, id)
	if err != nil {
		return Import{}, err
	}
	if !actor.CanSeeImporter(imp.ImporterID) {
		return Import{}, fmt.Errorf("%w: import %s", shared.ErrNotFound, id)
	}
	return imp, nil
}

// ListByImporter lists the imports of importerID, newest first.
func (s *Service) ListByImporter(ctx context.Context, actor shared.Actor, importerID string, limit, offset int) ([]Import, error) {
	if actor.Is(shared.RoleImporter) {
		importerID = actor.ID
	}
	importerID = strings.TrimSpace(importerID)
	if importerID == "" {
		return nil, fmt.Errorf("%w: importer id required", shared.ErrInvalidInput)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByImporter(ctx, importerID, limit, offset)
}

// Obligations returns the payment schedule of an import.
func (s *Service) Obligations(ctx context.Context, actor shared.Actor, importID uuid.UUID) ([]schedule.Obligation, error) {
	if _, err := s.Get(ctx, actor, importID); err != nil {
		return nil, err
	}
	return s.repo.Obligations(ctx, importID)
}

// MarkOverdue flags pending obligations of active imports that are past due.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	n, err := s.repo.MarkOverdue(ctx, asOf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("obligations overdue", slog.Int64("count", n), slog.Time("as_of", asOf))
	}
	return n, nil
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, imp Import, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    action,
		Entity:    "import",
		EntityID:  imp.ID.String(),
		Meta:      meta,
		At:        imp.UpdatedAt,
	})
	if err != nil {
		s.logger.Error("audit import", slog.String("import_id", imp.ID.String()), slog.Any("error", err))
	}
}
