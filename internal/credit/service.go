package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradecredit/creditdesk/internal/ledger"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (CreditApplication, error)
	List(ctx context.Context, filter ListFilter) ([]CreditApplication, error)
}

// TxRepository exposes transactional operations used by service. Update
// succeeds only when the stored version equals expectedVersion and fails
// with shared.ErrStorageConflict otherwise.
type TxRepository interface {
	ledger.PositionStore
	Insert(ctx context.Context, app CreditApplication) error
	Get(ctx context.Context, id uuid.UUID) (CreditApplication, error)
	Update(ctx context.Context, app CreditApplication, expectedVersion int64) error
}

// ApprovalPort persists approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// Notifier receives committed transitions.
type Notifier interface {
	NotifyTransition(ctx context.Context, evt TransitionEvent) error
}

// Observer counts transition outcomes.
type Observer interface {
	ObserveTransition(action, outcome string)
}

// Service coordinates the approval workflow.
type Service struct {
	repo      RepositoryPort
	approvals ApprovalPort
	notifier  Notifier
	observer  Observer
	advisor   *Advisor
	logger    *slog.Logger
	now       func() time.Time
	newID     func() uuid.UUID
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Approvals ApprovalPort
	Notifier  Notifier
	Observer  Observer
	Advisor   *Advisor
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	s := &Service{
		repo:      repo,
		approvals: cfg.Approvals,
		notifier:  cfg.Notifier,
		observer:  cfg.Observer,
		advisor:   cfg.Advisor,
		logger:    cfg.Logger,
		now:       cfg.Now,
		newID:     uuid.New,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Submit creates a new application owned by the calling importer.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, input SubmitInput) (CreditApplication, error) {
	app, err := NewApplication(s.newID(), actor, input, s.now())
	if err != nil {
		s.observe(shared.ApprovalSubmit, err)
		return CreditApplication{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Insert(ctx, app)
	})
	s.observe(shared.ApprovalSubmit, err)
	if err != nil {
		return CreditApplication{}, err
	}
	s.afterCommit(ctx, TransitionEvent{
		ApplicationID: app.ID,
		ImporterID:    app.ImporterID,
		Action:        shared.ApprovalSubmit,
		To:            app.Phase,
		Actor:         actor,
		Note:          app.Purpose,
		Recipients:    []shared.Role{shared.RoleImporter, shared.RoleAdministrator},
		At:            app.CreatedAt,
	})
	return app, nil
}

// RecordPreAnalysis records the administrator screening decision.
func (s *Service) RecordPreAnalysis(ctx context.Context, actor shared.Actor, id uuid.UUID, cmd PreAnalysisCommand) (CreditApplication, error) {
	return s.apply(ctx, actor, id, cmd)
}

// RecordFinancialDecision records the financial institution decision.
func (s *Service) RecordFinancialDecision(ctx context.Context, actor shared.Actor, id uuid.UUID, cmd FinancialDecisionCommand) (CreditApplication, error) {
	return s.apply(ctx, actor, id, cmd)
}

// Finalize confirms the offer and grants the effective limit in the
// importer's ledger position within the same transaction.
func (s *Service) Finalize(ctx context.Context, actor shared.Actor, id uuid.UUID, cmd FinalizeCommand) (CreditApplication, error) {
	return s.apply(ctx, actor, id, cmd)
}

// Reject terminally rejects the application at the given stage.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, id uuid.UUID, cmd RejectCommand) (CreditApplication, error) {
	return s.apply(ctx, actor, id, cmd)
}

// apply runs one transition under an optimistic version check and retries
// once on conflict. The retry re-reads, so a lost race normally surfaces as
// the IllegalTransition the winner's write produced.
func (s *Service) apply(ctx context.Context, actor shared.Actor, id uuid.UUID, cmd Command) (CreditApplication, error) {
	var (
		result CreditApplication
		event  TransitionEvent
	)
	attempt := func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}
			next, evt, err := Transition(current, actor, cmd, s.now())
			if err != nil {
				return err
			}
			if err := tx.Update(ctx, next, current.Version); err != nil {
				return err
			}
			if evt.Granted > 0 {
				pos, err := tx.GetPositionForUpdate(ctx, next.ImporterID)
				if err != nil {
					return err
				}
				pos, err = ledger.Grant(pos, evt.Granted)
				if err != nil {
					return err
				}
				if err := tx.SavePosition(ctx, pos); err != nil {
					return err
				}
			}
			result, event = next, evt
			return nil
		})
	}
	err := attempt()
	if errors.Is(err, shared.ErrStorageConflict) {
		s.logger.Debug("credit transition conflict, retrying", slog.String("application_id", id.String()))
		err = attempt()
	}
	s.observe(cmd.Action(), err)
	if err != nil {
		return CreditApplication{}, err
	}
	s.afterCommit(ctx, event)
	return result, nil
}

func (s *Service) afterCommit(ctx context.Context, evt TransitionEvent) {
	if s.approvals != nil {
		err := s.approvals.Record(ctx, shared.ApprovalLog{
			Module:    ApprovalModule,
			RefID:     evt.ApplicationID,
			ActorID:   evt.Actor.ID,
			ActorRole: evt.Actor.Role,
			Action:    evt.Action,
			Note:      evt.Note,
			At:        evt.At,
		})
		if err != nil {
			s.logger.Error("record credit approval", slog.String("application_id", evt.ApplicationID.String()), slog.Any("error", err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyTransition(ctx, evt); err != nil {
			s.logger.Error("notify credit transition", slog.String("application_id", evt.ApplicationID.String()), slog.Any("error", err))
		}
	}
}

func (s *Service) observe(action shared.ApprovalAction, err error) {
	if s.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = shared.Kind(err)
	}
	s.observer.ObserveTransition(string(action), outcome)
}

// Get returns an application visible to actor.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id uuid.UUID) (CreditApplication, error) {
	app, err := s.repo.Get(ctx, id)
	if err != nil {
		return CreditApplication{}, err
	}
	if !actor.CanSeeImporter(app.ImporterID) {
		return CreditApplication{}, fmt.Errorf("%w: application %s", shared.ErrNotFound, id)
	}
	return app, nil
}

// List returns applications visible to actor. Importers only see their own.
func (s *Service) List(ctx context.Context, actor shared.Actor, filter ListFilter) ([]CreditApplication, error) {
	if actor.Is(shared.RoleImporter) {
		filter.ImporterID = actor.ID
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.List(ctx, filter)
}

// History returns the approval log of an application.
func (s *Service) History(ctx context.Context, actor shared.Actor, id uuid.UUID) ([]shared.ApprovalLog, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.List(ctx, ApprovalModule, id)
}

// Advisory gathers non-gating signals for reviewers.
func (s *Service) Advisory(ctx context.Context, actor shared.Actor, id uuid.UUID) (Advisory, error) {
	app, err := s.Get(ctx, actor, id)
	if err != nil {
		return Advisory{}, err
	}
	return s.advisor.Assess(ctx, app), nil
}
