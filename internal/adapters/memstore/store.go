// Package memstore реализует хранилище в памяти с той же семантикой, что и Postgres-адаптер.
// Используется в тестах и для локального запуска без базы.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/usecase/teesheet"
)

var (
	_ domain.EntryRepo             = (*Store)(nil)
	_ domain.SlotSource            = (*Store)(nil)
	_ domain.TeeSheetSource        = (*Store)(nil)
	_ domain.RestrictionRuleSource = (*Store)(nil)
	_ domain.ProfileRepo           = (*Store)(nil)
	_ domain.PaceSource            = (*Store)(nil)
	_ domain.FairnessLedger        = (*Store)(nil)
	_ domain.DraftStore            = (*Store)(nil)
	_ domain.BookingSink           = (*Store)(nil)
	_ domain.FinalizeJobStatusRepo = (*Store)(nil)
)

type jobStatus struct {
	done     bool
	attempts int
}

// Store хранит все данные розыгрыша под одним мьютексом.
type Store struct {
	mu sync.Mutex

	entries  map[string]domain.LotteryEntry
	configs  []domain.TeeSheetConfig
	rules    []domain.RestrictionRule
	profiles map[string]domain.MemberSpeedProfile
	rounds   map[string][]float64
	bookings []domain.Booking
	outcomes []domain.FairnessOutcome
	drafts   map[string]map[string]string
	jobs     map[string]*jobStatus

	// BeforeCommit вызывается перед фиксацией назначения; ошибка прерывает фиксацию.
	BeforeCommit func(req domain.CommitRequest) error

	now func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		entries:  make(map[string]domain.LotteryEntry),
		profiles: make(map[string]domain.MemberSpeedProfile),
		rounds:   make(map[string][]float64),
		drafts:   make(map[string]map[string]string),
		jobs:     make(map[string]*jobStatus),
		now:      time.Now,
	}
}

func dateKey(t time.Time) string {
	return domain.NormalizeDate(t).Format(domain.DateLayout)
}

// AddEntry добавляет или заменяет заявку.
func (s *Store) AddEntry(e domain.LotteryEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == "" {
		e.Status = domain.EntryStatusPending
	}
	e.Date = domain.NormalizeDate(e.Date)
	s.entries[e.ID] = e
	return nil
}

// AddTeeSheet добавляет конфигурацию ти-шита.
func (s *Store) AddTeeSheet(cfg domain.TeeSheetConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append(s.configs, cfg)
}

// AddRule добавляет правило ограничения.
func (s *Store) AddRule(rule domain.RestrictionRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

// AddRound записывает длительность раунда участника.
func (s *Store) AddRound(memberID string, minutes float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[memberID] = append(s.rounds[memberID], minutes)
}

// AddOutcome добавляет итог розыгрыша напрямую.
func (s *Store) AddOutcome(o domain.FairnessOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

// Bookings возвращает бронирования даты.
func (s *Store) Bookings(date time.Time) []domain.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dateKey(date)
	var out []domain.Booking
	for _, b := range s.bookings {
		if dateKey(b.Date) == key {
			out = append(out, b)
		}
	}
	return out
}

// ListEntries реализует domain.EntryRepo.
func (s *Store) ListEntries(_ context.Context, date time.Time) ([]domain.LotteryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dateKey(date)
	var out []domain.LotteryEntry
	for _, e := range s.entries {
		if dateKey(e.Date) == key {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetEntry реализует domain.EntryRepo.
func (s *Store) GetEntry(_ context.Context, entryID string) (domain.LotteryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return domain.LotteryEntry{}, fmt.Errorf("%s: %w", entryID, domain.ErrEntryNotFound)
	}
	return e, nil
}

// CancelEntry реализует domain.EntryRepo.
func (s *Store) CancelEntry(_ context.Context, entryID string) (domain.LotteryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return domain.LotteryEntry{}, fmt.Errorf("%s: %w", entryID, domain.ErrEntryNotFound)
	}
	if e.Status != domain.EntryStatusPending {
		return e, &domain.StateTransitionError{Entity: "entry", ID: entryID, From: string(e.Status), To: string(domain.EntryStatusCancelled)}
	}
	e.Status = domain.EntryStatusCancelled
	s.entries[entryID] = e
	if draft := s.drafts[dateKey(e.Date)]; draft != nil {
		delete(draft, entryID)
	}
	return e, nil
}

// UnassignEntry реализует domain.EntryRepo.
func (s *Store) UnassignEntry(_ context.Context, entryID string) (domain.LotteryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return domain.LotteryEntry{}, fmt.Errorf("%s: %w", entryID, domain.ErrEntryNotFound)
	}
	if e.Status != domain.EntryStatusAssigned {
		return e, &domain.StateTransitionError{Entity: "entry", ID: entryID, From: string(e.Status), To: string(domain.EntryStatusPending)}
	}
	kept := s.bookings[:0]
	for _, b := range s.bookings {
		if b.EntryID != entryID {
			kept = append(kept, b)
		}
	}
	s.bookings = kept
	outcomes := s.outcomes[:0]
	for _, o := range s.outcomes {
		if o.EntryID != entryID {
			outcomes = append(outcomes, o)
		}
	}
	s.outcomes = outcomes
	e.Status = domain.EntryStatusPending
	s.entries[entryID] = e
	return e, nil
}

// ListTeeSheetConfigs реализует domain.TeeSheetSource.
func (s *Store) ListTeeSheetConfigs(_ context.Context) ([]domain.TeeSheetConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TeeSheetConfig(nil), s.configs...), nil
}

// ListSlots реализует domain.SlotSource.
func (s *Store) ListSlots(_ context.Context, date time.Time) ([]domain.TimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotsLocked(date)
}

func (s *Store) slotsLocked(date time.Time) ([]domain.TimeSlot, error) {
	slots, err := teesheet.ForDate(s.configs, date)
	if err != nil {
		return nil, err
	}
	occupied := make(map[string]int)
	key := dateKey(date)
	for _, b := range s.bookings {
		if dateKey(b.Date) == key {
			occupied[b.SlotID]++
		}
	}
	for i := range slots {
		slots[i].Occupied = occupied[slots[i].ID]
	}
	return slots, nil
}

// ListActiveRules реализует domain.RestrictionRuleSource.
func (s *Store) ListActiveRules(_ context.Context) ([]domain.RestrictionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RestrictionRule
	for _, r := range s.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetProfiles реализует domain.ProfileRepo.
func (s *Store) GetProfiles(_ context.Context, memberIDs []string) (map[string]domain.MemberSpeedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.MemberSpeedProfile, len(memberIDs))
	for _, id := range memberIDs {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// GetProfile реализует domain.ProfileRepo.
func (s *Store) GetProfile(_ context.Context, memberID string) (domain.MemberSpeedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[memberID]
	if !ok {
		return domain.MemberSpeedProfile{}, fmt.Errorf("%s: %w", memberID, domain.ErrProfileNotFound)
	}
	return p, nil
}

// ListProfiles реализует domain.ProfileRepo.
func (s *Store) ListProfiles(_ context.Context) ([]domain.MemberSpeedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MemberSpeedProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

// SaveProfile реализует domain.ProfileRepo.
func (s *Store) SaveProfile(_ context.Context, profile domain.MemberSpeedProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = s.now().UTC()
	}
	s.profiles[profile.MemberID] = profile
	return nil
}

// RecentRoundMinutes реализует domain.PaceSource: последние limit раундов.
func (s *Store) RecentRoundMinutes(_ context.Context, memberID string, limit int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rounds := s.rounds[memberID]
	if limit > 0 && len(rounds) > limit {
		rounds = rounds[len(rounds)-limit:]
	}
	return append([]float64(nil), rounds...), nil
}

// ListOutcomes реализует domain.FairnessLedger.
func (s *Store) ListOutcomes(_ context.Context, period string) ([]domain.FairnessOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FairnessOutcome
	for _, o := range s.outcomes {
		if o.Period == period {
			out = append(out, o)
		}
	}
	return out, nil
}

// LoadDraft реализует domain.DraftStore.
func (s *Store) LoadDraft(_ context.Context, date time.Time) ([]domain.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft, ok := s.drafts[dateKey(date)]
	if !ok {
		return nil, false, nil
	}
	out := make([]domain.Assignment, 0, len(draft))
	for entryID, slotID := range draft {
		if e, ok := s.entries[entryID]; !ok || e.Status != domain.EntryStatusPending {
			continue
		}
		id := slotID
		out = append(out, domain.Assignment{UnitID: entryID, SlotID: &id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, true, nil
}

// SaveDraft реализует domain.DraftStore.
func (s *Store) SaveDraft(_ context.Context, date time.Time, assignments []domain.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft := make(map[string]string, len(assignments))
	for _, a := range assignments {
		if a.Assigned() {
			draft[a.UnitID] = *a.SlotID
		}
	}
	s.drafts[dateKey(date)] = draft
	return nil
}

// ApplyPendingChanges реализует domain.DraftStore: правки применяются все или ни одной.
func (s *Store) ApplyPendingChanges(_ context.Context, date time.Time, changes []domain.PendingChange) (domain.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, err := s.slotsLocked(date)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	byID := make(map[string]domain.TimeSlot, len(slots))
	for _, sl := range slots {
		byID[sl.ID] = sl
	}

	key := dateKey(date)
	next := make(map[string]string, len(s.drafts[key]))
	for k, v := range s.drafts[key] {
		next[k] = v
	}

	var errs []domain.UnitError
	for _, c := range changes {
		e, ok := s.entries[c.UnitID]
		switch {
		case !ok || dateKey(e.Date) != key:
			errs = append(errs, domain.UnitError{UnitID: c.UnitID, Err: domain.ErrEntryNotFound})
			continue
		case e.Status != domain.EntryStatusPending:
			errs = append(errs, domain.UnitError{UnitID: c.UnitID, Err: &domain.StateTransitionError{
				Entity: "entry", ID: e.ID, From: string(e.Status), To: string(e.Status), Reason: "entry is not pending",
			}})
			continue
		}
		if c.TargetSlotID == nil {
			delete(next, c.UnitID)
			continue
		}
		if _, ok := byID[*c.TargetSlotID]; !ok {
			errs = append(errs, domain.UnitError{UnitID: c.UnitID, SlotID: *c.TargetSlotID, Err: domain.ErrSlotNotFound})
			continue
		}
		next[c.UnitID] = *c.TargetSlotID
	}

	load := make(map[string]int)
	for entryID, slotID := range next {
		if e, ok := s.entries[entryID]; ok && e.Status == domain.EntryStatusPending {
			load[slotID] += e.Size()
		}
	}
	for _, c := range changes {
		if c.TargetSlotID == nil {
			continue
		}
		sl, ok := byID[*c.TargetSlotID]
		if !ok {
			continue
		}
		if sl.Occupied+load[sl.ID] > sl.Capacity {
			errs = append(errs, domain.UnitError{UnitID: c.UnitID, SlotID: sl.ID, Err: &domain.CapacityError{
				SlotID: sl.ID, Capacity: sl.Capacity, Occupied: sl.Occupied, Requested: load[sl.ID],
			}})
		}
	}

	if len(errs) > 0 {
		return domain.ApplyResult{Errors: errs}, nil
	}
	s.drafts[key] = next
	return domain.ApplyResult{Success: true}, nil
}

// CommitAssignment реализует domain.BookingSink.
func (s *Store) CommitAssignment(_ context.Context, req domain.CommitRequest) (domain.CommitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.BeforeCommit != nil {
		if err := s.BeforeCommit(req); err != nil {
			return domain.CommitOutcome{}, err
		}
	}

	e, ok := s.entries[req.EntryID]
	if !ok {
		return domain.CommitOutcome{}, fmt.Errorf("%s: %w", req.EntryID, domain.ErrEntryNotFound)
	}
	switch e.Status {
	case domain.EntryStatusAssigned:
		return domain.CommitOutcome{Skipped: true}, nil
	case domain.EntryStatusCancelled:
		return domain.CommitOutcome{}, &domain.StateTransitionError{
			Entity: "entry", ID: e.ID, From: string(e.Status), To: string(domain.EntryStatusAssigned),
		}
	}

	slots, err := s.slotsLocked(req.Date)
	if err != nil {
		return domain.CommitOutcome{}, err
	}
	var slot *domain.TimeSlot
	for i := range slots {
		if slots[i].ID == req.SlotID {
			slot = &slots[i]
			break
		}
	}
	if slot == nil {
		return domain.CommitOutcome{}, fmt.Errorf("%s: %w", req.SlotID, domain.ErrSlotNotFound)
	}
	if slot.Occupied+e.Size() > slot.Capacity {
		return domain.CommitOutcome{}, &domain.PersistenceConflictError{
			EntryID: e.ID,
			SlotID:  slot.ID,
			Cause:   &domain.CapacityError{SlotID: slot.ID, Capacity: slot.Capacity, Occupied: slot.Occupied, Requested: e.Size()},
		}
	}
	for _, b := range s.bookings {
		for _, p := range e.Participants {
			if b.SlotID == slot.ID && b.ParticipantID == p.ID {
				return domain.CommitOutcome{}, &domain.PersistenceConflictError{
					EntryID: e.ID, SlotID: slot.ID, Cause: fmt.Errorf("participant %s already booked", p.ID),
				}
			}
		}
	}

	now := s.now().UTC()
	out := domain.CommitOutcome{Bookings: make([]domain.Booking, 0, e.Size())}
	for _, p := range e.Participants {
		out.Bookings = append(out.Bookings, domain.Booking{
			ID:            uuid.NewString(),
			SlotID:        slot.ID,
			Date:          domain.NormalizeDate(req.Date),
			ParticipantID: p.ID,
			EntryID:       e.ID,
			CreatedAt:     now,
		})
	}
	s.bookings = append(s.bookings, out.Bookings...)
	for _, memberID := range e.MemberIDs() {
		o := domain.FairnessOutcome{
			MemberID:   memberID,
			Period:     domain.PeriodOf(req.Date),
			EntryID:    e.ID,
			Quality:    req.Quality,
			RecordedAt: now,
		}
		if i := s.outcomeIndex(memberID, e.ID); i >= 0 {
			s.outcomes[i] = o
			continue
		}
		s.outcomes = append(s.outcomes, o)
	}
	e.Status = domain.EntryStatusAssigned
	s.entries[e.ID] = e
	if draft := s.drafts[dateKey(e.Date)]; draft != nil {
		delete(draft, e.ID)
	}
	return out, nil
}

// RecordMiss реализует domain.BookingSink.
func (s *Store) RecordMiss(_ context.Context, entryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return 0, fmt.Errorf("%s: %w", entryID, domain.ErrEntryNotFound)
	}
	if e.Status != domain.EntryStatusPending {
		return 0, nil
	}
	now := s.now().UTC()
	recorded := 0
	for _, memberID := range e.MemberIDs() {
		if s.outcomeIndex(memberID, e.ID) >= 0 {
			continue
		}
		s.outcomes = append(s.outcomes, domain.FairnessOutcome{
			MemberID:   memberID,
			Period:     domain.PeriodOf(e.Date),
			EntryID:    e.ID,
			Quality:    domain.QualityUnassigned,
			RecordedAt: now,
		})
		recorded++
	}
	return recorded, nil
}

func (s *Store) outcomeIndex(memberID, entryID string) int {
	for i, o := range s.outcomes {
		if o.MemberID == memberID && o.EntryID == entryID {
			return i
		}
	}
	return -1
}

// EnsureFinalizeJob реализует domain.FinalizeJobStatusRepo.
func (s *Store) EnsureFinalizeJob(_ context.Context, jobID string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		st = &jobStatus{}
		s.jobs[jobID] = st
	}
	if st.done {
		return true, st.attempts, nil
	}
	st.attempts++
	return false, st.attempts, nil
}

// MarkFinalizeJobDone реализует domain.FinalizeJobStatusRepo.
func (s *Store) MarkFinalizeJobDone(_ context.Context, jobID string, _ int, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		st = &jobStatus{}
		s.jobs[jobID] = st
	}
	st.done = true
	return nil
}
