package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// RepositoryPort abstracts ledger reads for the service.
type RepositoryPort interface {
	GetPosition(ctx context.Context, importerID string) (Position, error)
	ComputePosition(ctx context.Context, importerID string) (Position, error)
	ListImporters(ctx context.Context) ([]string, error)
}

// Service answers credit-availability queries.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

func (s *Service) position(ctx context.Context, importerID string) (Position, error) {
	importerID = strings.TrimSpace(importerID)
	if importerID == "" {
		return Position{}, fmt.Errorf("%w: importer id required", shared.ErrInvalidInput)
	}
	return s.repo.GetPosition(ctx, importerID)
}

// TotalGrantedLimit sums the effective limits of the importer's finalized applications.
func (s *Service) TotalGrantedLimit(ctx context.Context, importerID string) (money.Amount, error) {
	pos, err := s.position(ctx, importerID)
	if err != nil {
		return 0, err
	}
	return pos.Granted, nil
}

// TotalDrawn sums the values of the importer's active credit imports.
func (s *Service) TotalDrawn(ctx context.Context, importerID string) (money.Amount, error) {
	pos, err := s.position(ctx, importerID)
	if err != nil {
		return 0, err
	}
	return pos.Drawn, nil
}

// Available returns granted minus drawn.
func (s *Service) Available(ctx context.Context, importerID string) (money.Amount, error) {
	pos, err := s.position(ctx, importerID)
	if err != nil {
		return 0, err
	}
	return pos.Available(), nil
}

// Summary returns the position of importerID as seen by actor.
func (s *Service) Summary(ctx context.Context, actor shared.Actor, importerID string) (Summary, error) {
	if !actor.CanSeeImporter(importerID) {
		return Summary{}, fmt.Errorf("%w: ledger %s", shared.ErrNotFound, importerID)
	}
	pos, err := s.position(ctx, importerID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(pos), nil
}

// Reconcile recomputes the importer's position from its sources.
func (s *Service) Reconcile(ctx context.Context, importerID string) (Reconciliation, error) {
	stored, err := s.position(ctx, importerID)
	if err != nil {
		return Reconciliation{}, err
	}
	computed, err := s.repo.ComputePosition(ctx, stored.ImporterID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		ImporterID:   stored.ImporterID,
		Materialized: Summarize(stored),
		Computed:     Summarize(computed),
	}, nil
}

// ReconcileAll checks every known importer and returns those that drifted.
func (s *Service) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	ids, err := s.repo.ListImporters(ctx)
	if err != nil {
		return nil, err
	}
	var drifted []Reconciliation
	for _, id := range ids {
		rec, err := s.Reconcile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", id, err)
		}
		if rec.Drifted() {
			s.logger.Warn("ledger drift",
				slog.String("importer_id", id),
				slog.Int64("granted", rec.Materialized.Granted.Int64()),
				slog.Int64("granted_computed", rec.Computed.Granted.Int64()),
				slog.Int64("drawn", rec.Materialized.Drawn.Int64()),
				slog.Int64("drawn_computed", rec.Computed.Drawn.Int64()))
			drifted = append(drifted, rec)
		}
	}
	return drifted, nil
}
