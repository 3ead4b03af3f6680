// Package finalize фиксирует распределение розыгрыша в ти-шите.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/metrics"
)

// Result содержит итог фиксации.
type Result struct {
	Date       string             `json:"date"`
	Committed  int                `json:"committed"`
	Skipped    int                `json:"skipped"`
	Unassigned int                `json:"unassigned"`
	Errors     []domain.UnitError `json:"errors,omitempty"`
}

// Failed возвращает количество назначений, зафиксировать которые не удалось.
func (r Result) Failed() int { return len(r.Errors) }

// Service фиксирует назначения по одному, каждое в своей транзакции хранилища.
type Service struct {
	sink   domain.BookingSink
	drafts domain.DraftStore
	log    zerolog.Logger
}

// NewService создаёт сервис фиксации.
func NewService(sink domain.BookingSink, drafts domain.DraftStore, logger zerolog.Logger) *Service {
	return &Service{sink: sink, drafts: drafts, log: logger.With().Str("component", "finalize").Logger()}
}

// Finalize фиксирует все назначения со слотом. Неназначенные заявки остаются PENDING,
// а их участникам записывается промах в учёт справедливости.
// Ошибка по одному назначению не откатывает уже зафиксированные.
func (s *Service) Finalize(ctx context.Context, date time.Time, assignments []domain.Assignment) Result {
	day := domain.NormalizeDate(date)
	res := Result{Date: day.Format(domain.DateLayout)}
	log := s.log.With().Str("date", res.Date).Logger()

	for _, a := range assignments {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, domain.UnitError{UnitID: a.UnitID, SlotID: a.SlotOrEmpty(), Err: err})
			continue
		}
		if !a.Assigned() {
			if _, err := s.sink.RecordMiss(ctx, a.UnitID); err != nil {
				res.Errors = append(res.Errors, domain.UnitError{UnitID: a.UnitID, Err: err})
				metrics.IncFinalizeError(errorKind(err))
				log.Warn().Err(err).Str("entry_id", a.UnitID).Msg("промах не записан")
				continue
			}
			res.Unassigned++
			continue
		}
		out, err := s.sink.CommitAssignment(ctx, domain.CommitRequest{
			Date:    day,
			EntryID: a.UnitID,
			SlotID:  *a.SlotID,
			Quality: a.Quality,
		})
		if err != nil {
			res.Errors = append(res.Errors, domain.UnitError{UnitID: a.UnitID, SlotID: *a.SlotID, Err: err})
			metrics.IncFinalizeError(errorKind(err))
			log.Warn().Err(err).Str("entry_id", a.UnitID).Str("slot_id", *a.SlotID).Msg("назначение не зафиксировано")
			continue
		}
		if out.Skipped {
			res.Skipped++
			continue
		}
		res.Committed++
	}

	metrics.ObserveFinalize(res.Committed, res.Skipped)
	log.Info().
		Int("committed", res.Committed).
		Int("skipped", res.Skipped).
		Int("unassigned", res.Unassigned).
		Int("failed", res.Failed()).
		Msg("фиксация завершена")
	return res
}

// ApplyPendingChanges передаёт пакет ручных правок в хранилище черновиков.
func (s *Service) ApplyPendingChanges(ctx context.Context, date time.Time, changes []domain.PendingChange) (domain.ApplyResult, error) {
	res, err := s.drafts.ApplyPendingChanges(ctx, domain.NormalizeDate(date), changes)
	if err != nil {
		return res, fmt.Errorf("применение правок: %w", err)
	}
	if !res.Success {
		s.log.Warn().Int("errors", len(res.Errors)).Msg("пакет правок отклонён")
	}
	return res, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrPersistenceConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "state"
	case errors.Is(err, domain.ErrEntryNotFound), errors.Is(err, domain.ErrSlotNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrRestrictionViolation):
		return "restriction"
	default:
		return "store"
	}
}
