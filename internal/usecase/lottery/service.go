// Package lottery связывает расчёт, сверку и фиксацию розыгрыша по дате.
package lottery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/metrics"
	"teetime-lottery/internal/usecase/allocation"
	"teetime-lottery/internal/usecase/finalize"
	"teetime-lottery/internal/usecase/pool"
	"teetime-lottery/internal/usecase/reconcile"
)

// ErrQueueNotConfigured возвращается, если асинхронная фиксация недоступна.
var ErrQueueNotConfigured = errors.New("finalize queue not configured")

// Deps содержит зависимости сервиса.
type Deps struct {
	Entries   domain.EntryRepo
	Slots     domain.SlotSource
	Rules     domain.RestrictionRuleSource
	Profiles  domain.ProfileRepo
	Drafts    domain.DraftStore
	Finalizer *finalize.Service
	Registry  *reconcile.Registry
	// Locker и Queue необязательны.
	Locker  domain.DateLocker
	Queue   domain.FinalizeQueue
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// Service объединяет операции розыгрыша поверх хранилищ.
type Service struct {
	entries   domain.EntryRepo
	slots     domain.SlotSource
	rules     domain.RestrictionRuleSource
	profiles  domain.ProfileRepo
	drafts    domain.DraftStore
	finalizer *finalize.Service
	registry  *reconcile.Registry
	locker    domain.DateLocker
	queue     domain.FinalizeQueue
	lockTTL   time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewService создаёт сервис.
func NewService(d Deps) *Service {
	if d.LockTTL <= 0 {
		d.LockTTL = 5 * time.Minute
	}
	return &Service{
		entries:   d.Entries,
		slots:     d.Slots,
		rules:     d.Rules,
		profiles:  d.Profiles,
		drafts:    d.Drafts,
		finalizer: d.Finalizer,
		registry:  d.Registry,
		locker:    d.Locker,
		queue:     d.Queue,
		lockTTL:   d.LockTTL,
		log:       d.Logger.With().Str("component", "lottery").Logger(),
		now:       time.Now,
	}
}

// Allocation описывает распределение на дату.
type Allocation struct {
	Date        string              `json:"date"`
	Assignments []domain.Assignment `json:"assignments"`
	Summary     allocation.Summary  `json:"summary"`
}

type plan struct {
	entries map[string]domain.LotteryEntry
	units   []domain.AssignmentUnit
	slots   []domain.TimeSlot
	rules   []domain.RestrictionRule
}

func (s *Service) load(ctx context.Context, date time.Time) (plan, error) {
	entries, err := s.entries.ListEntries(ctx, date)
	if err != nil {
		return plan{}, fmt.Errorf("получение заявок: %w", err)
	}
	profiles, err := s.profiles.GetProfiles(ctx, pool.MemberIDs(entries))
	if err != nil {
		return plan{}, fmt.Errorf("получение профилей: %w", err)
	}
	slots, err := s.slots.ListSlots(ctx, date)
	if err != nil {
		return plan{}, fmt.Errorf("получение слотов: %w", err)
	}
	rules, err := s.rules.ListActiveRules(ctx)
	if err != nil {
		return plan{}, fmt.Errorf("получение ограничений: %w", err)
	}
	p := plan{
		entries: make(map[string]domain.LotteryEntry, len(entries)),
		units:   pool.Build(entries, profiles),
		slots:   slots,
		rules:   rules,
	}
	for _, e := range entries {
		p.entries[e.ID] = e
	}
	return p, nil
}

// ComputeAllocation рассчитывает распределение без сохранения.
func (s *Service) ComputeAllocation(ctx context.Context, date time.Time) (Allocation, error) {
	day := domain.NormalizeDate(date)
	p, err := s.load(ctx, day)
	if err != nil {
		return Allocation{}, err
	}
	return s.allocate(p, day), nil
}

func (s *Service) allocate(p plan, day time.Time) Allocation {
	start := time.Now()
	assignments := allocation.Allocate(p.units, p.slots, p.rules, day)
	summary := allocation.Summarize(assignments)
	metrics.ObserveAllocation(start, summary.Preferred, summary.Alternate, summary.Fallback, summary.Unassigned)
	return Allocation{Date: day.Format(domain.DateLayout), Assignments: assignments, Summary: summary}
}

// CurrentAllocation возвращает сохранённый черновик, а при его отсутствии свежий расчёт.
func (s *Service) CurrentAllocation(ctx context.Context, date time.Time) (Allocation, map[string]domain.LotteryEntry, error) {
	day := domain.NormalizeDate(date)
	p, err := s.load(ctx, day)
	if err != nil {
		return Allocation{}, nil, err
	}
	draft, ok, err := s.drafts.LoadDraft(ctx, day)
	if err != nil {
		return Allocation{}, nil, fmt.Errorf("получение черновика: %w", err)
	}
	if !ok {
		return s.allocate(p, day), p.entries, nil
	}
	assignments := fromDraft(p, draft)
	return Allocation{Date: day.Format(domain.DateLayout), Assignments: assignments, Summary: allocation.Summarize(assignments)}, p.entries, nil
}

// Reallocate отбрасывает сохранённый черновик и заменяет его свежим расчётом.
// Так в распределение попадают заявки, появившиеся или снятые с назначения после
// первого открытия сверки. Чистая сессия перечитывается, сессия с правками блокирует пересчёт.
func (s *Service) Reallocate(ctx context.Context, date time.Time) (Allocation, error) {
	day := domain.NormalizeDate(date)
	if err := s.ensureNoPendingChanges(day); err != nil {
		return Allocation{}, err
	}
	p, err := s.load(ctx, day)
	if err != nil {
		return Allocation{}, err
	}
	fresh := s.allocate(p, day)
	if err := s.drafts.SaveDraft(ctx, day, fresh.Assignments); err != nil {
		return Allocation{}, fmt.Errorf("сохранение черновика: %w", err)
	}
	s.log.Info().Str("date", fresh.Date).Int("unassigned", fresh.Summary.Unassigned).Msg("черновик пересчитан")
	s.refreshSession(ctx, day)
	return fresh, nil
}

// fromDraft раскладывает черновик по заявкам в порядке обслуживания и пересчитывает качество.
func fromDraft(p plan, draft []domain.Assignment) []domain.Assignment {
	bySlot := make(map[string]domain.TimeSlot, len(p.slots))
	for _, sl := range p.slots {
		bySlot[sl.ID] = sl
	}
	byUnit := make(map[string]string, len(draft))
	for _, a := range draft {
		if a.Assigned() {
			byUnit[a.UnitID] = *a.SlotID
		}
	}
	out := make([]domain.Assignment, 0, len(p.units))
	for _, u := range p.units {
		a := domain.Assignment{UnitID: u.UnitID}
		if slotID, ok := byUnit[u.UnitID]; ok {
			if sl, ok := bySlot[slotID]; ok {
				id := slotID
				a.SlotID = &id
				a.Quality = allocation.Classify(u, sl.StartMinutes)
			}
		}
		out = append(out, a)
	}
	return out
}

func (s *Service) snapshot(ctx context.Context, date time.Time) (reconcile.Snapshot, error) {
	day := domain.NormalizeDate(date)
	p, err := s.load(ctx, day)
	if err != nil {
		return reconcile.Snapshot{}, err
	}
	draft, ok, err := s.drafts.LoadDraft(ctx, day)
	if err != nil {
		return reconcile.Snapshot{}, fmt.Errorf("получение черновика: %w", err)
	}
	var assignments []domain.Assignment
	if ok {
		assignments = fromDraft(p, draft)
	} else {
		assignments = s.allocate(p, day).Assignments
		if err := s.drafts.SaveDraft(ctx, day, assignments); err != nil {
			return reconcile.Snapshot{}, fmt.Errorf("сохранение черновика: %w", err)
		}
	}
	return reconcile.Snapshot{Units: p.units, Slots: p.slots, Rules: p.rules, Assignments: assignments}, nil
}

// OpenReconciliation возвращает открытую сессию сверки даты или открывает новую.
func (s *Service) OpenReconciliation(ctx context.Context, date time.Time) (*reconcile.Session, error) {
	day := domain.NormalizeDate(date)
	session, created, err := s.registry.Open(ctx, day, func(ctx context.Context) (*reconcile.Session, error) {
		snap, err := s.snapshot(ctx, day)
		if err != nil {
			return nil, err
		}
		return reconcile.NewSession(day, snap, s.snapshot, s.finalizer, reconcile.WithLogger(s.log)), nil
	})
	if err != nil {
		return nil, fmt.Errorf("открытие сверки: %w", err)
	}
	if created {
		metrics.OpenSessions.Set(float64(s.registry.Len()))
		s.log.Info().Str("date", day.Format(domain.DateLayout)).Str("session_id", session.ID()).Msg("сессия сверки открыта")
	}
	return session, nil
}

// Reconciliation возвращает открытую сессию даты.
func (s *Service) Reconciliation(date time.Time) (*reconcile.Session, bool) {
	return s.registry.Get(date)
}

// CloseReconciliation закрывает сессию даты без сохранения.
func (s *Service) CloseReconciliation(date time.Time) bool {
	closed := s.registry.Close(date)
	metrics.OpenSessions.Set(float64(s.registry.Len()))
	return closed
}

// Finalize фиксирует черновик даты, а при его отсутствии свежий расчёт.
// Несохранённые правки открытой сессии блокируют фиксацию.
func (s *Service) Finalize(ctx context.Context, date time.Time) (finalize.Result, error) {
	day := domain.NormalizeDate(date)
	key := day.Format(domain.DateLayout)
	if err := s.ensureNoPendingChanges(day); err != nil {
		return finalize.Result{}, err
	}

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, "lottery:finalize:"+key, s.lockTTL)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("date", key).Msg("блокировка даты недоступна, продолжаем без неё")
		case !ok:
			return finalize.Result{}, fmt.Errorf("%s: finalize already running: %w", key, domain.ErrPersistenceConflict)
		default:
			defer unlock()
		}
	}

	current, _, err := s.CurrentAllocation(ctx, day)
	if err != nil {
		return finalize.Result{}, err
	}
	res := s.finalizer.Finalize(ctx, day, current.Assignments)
	if s.CloseReconciliation(day) {
		s.log.Info().Str("date", key).Msg("сессия сверки закрыта после фиксации")
	}
	return res, nil
}

func (s *Service) ensureNoPendingChanges(date time.Time) error {
	session, ok := s.registry.Get(date)
	if !ok || session.State() != reconcile.StateDirty {
		return nil
	}
	return &domain.StateTransitionError{
		Entity: "reconciliation", ID: domain.NormalizeDate(date).Format(domain.DateLayout), From: string(reconcile.StateDirty), To: "FINALIZED",
		Reason: "save or reset pending changes first",
	}
}

// FinalizeAsync ставит фиксацию даты в очередь.
func (s *Service) FinalizeAsync(ctx context.Context, date time.Time, requestedBy string, cause domain.FinalizeJobCause) (domain.FinalizeJob, error) {
	if s.queue == nil {
		return domain.FinalizeJob{}, ErrQueueNotConfigured
	}
	if err := s.ensureNoPendingChanges(date); err != nil {
		return domain.FinalizeJob{}, err
	}
	if cause == "" {
		cause = domain.FinalizeCauseManual
	}
	job := domain.FinalizeJob{
		ID:          uuid.NewString(),
		Date:        domain.NormalizeDate(date).Format(domain.DateLayout),
		RequestedBy: requestedBy,
		RequestedAt: s.now().UTC(),
		Cause:       cause,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return domain.FinalizeJob{}, fmt.Errorf("постановка фиксации в очередь: %w", err)
	}
	s.log.Info().Str("job_id", job.ID).Str("date", job.Date).Str("cause", string(job.Cause)).Msg("фиксация поставлена в очередь")
	if s.CloseReconciliation(date) {
		s.log.Info().Str("date", job.Date).Msg("сессия сверки закрыта после постановки фиксации")
	}
	return job, nil
}

// CancelEntry отменяет PENDING-заявку.
func (s *Service) CancelEntry(ctx context.Context, entryID string) (domain.LotteryEntry, error) {
	e, err := s.entries.CancelEntry(ctx, entryID)
	if err != nil {
		return e, fmt.Errorf("отмена заявки: %w", err)
	}
	s.refreshSession(ctx, e.Date)
	return e, nil
}

// UnassignEntry возвращает ASSIGNED-заявку в PENDING и освобождает её места.
func (s *Service) UnassignEntry(ctx context.Context, entryID string) (domain.LotteryEntry, error) {
	e, err := s.entries.UnassignEntry(ctx, entryID)
	if err != nil {
		return e, fmt.Errorf("снятие назначения: %w", err)
	}
	s.refreshSession(ctx, e.Date)
	return e, nil
}

// refreshSession перечитывает чистую сессию даты; сессия с правками не трогается.
func (s *Service) refreshSession(ctx context.Context, date time.Time) {
	session, ok := s.registry.Get(date)
	if !ok {
		return
	}
	if session.State() == reconcile.StateDirty {
		s.log.Warn().Str("session_id", session.ID()).Msg("заявки изменились при несохранённых правках сверки")
		return
	}
	if err := session.Reset(ctx); err != nil {
		s.log.Warn().Err(err).Str("session_id", session.ID()).Msg("не удалось обновить сессию сверки")
	}
}
