// Package reconcile реализует ручную сверку черновика распределения администратором.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/usecase/allocation"
	"teetime-lottery/internal/usecase/restriction"
)

// State описывает состояние сессии сверки.
type State string

const (
	// StateClean: рабочая копия совпадает с сохранённым черновиком.
	StateClean State = "CLEAN"
	// StateDirty: есть несохранённые правки.
	StateDirty State = "DIRTY"
)

// Snapshot содержит сохранённое состояние, с которого начинается сессия.
type Snapshot struct {
	Units       []domain.AssignmentUnit
	Slots       []domain.TimeSlot
	Rules       []domain.RestrictionRule
	Assignments []domain.Assignment
}

// Loader перечитывает снимок даты из хранилища.
type Loader func(ctx context.Context, date time.Time) (Snapshot, error)

// ChangeApplier атомарно сохраняет пакет правок.
type ChangeApplier interface {
	ApplyPendingChanges(ctx context.Context, date time.Time, changes []domain.PendingChange) (domain.ApplyResult, error)
}

type move struct {
	unitID string
	target *string
}

type proposal struct {
	moves     []move
	violation *domain.RestrictionViolationError
}

// Session хранит рабочую копию распределения на одну дату.
// Все операции сериализуются внутренним мьютексом.
type Session struct {
	mu sync.Mutex

	id      string
	date    time.Time
	loader  Loader
	applier ChangeApplier
	logger  zerolog.Logger
	now     func() time.Time

	state        State
	version      int
	lastActivity time.Time

	units     map[string]domain.AssignmentUnit
	unitOrder []string
	slots     map[string]domain.TimeSlot
	slotOrder []string
	rules     []domain.RestrictionRule
	baseline  map[string]*string
	current   map[string]*string
	proposals map[string]proposal
}

// Option настраивает сессию.
type Option func(*Session)

// WithLogger задаёт логгер.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// NewSession открывает сессию над снимком.
func NewSession(date time.Time, snap Snapshot, loader Loader, applier ChangeApplier, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		date:    domain.NormalizeDate(date),
		loader:  loader,
		applier: applier,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "reconcile").Str("session_id", s.id).Str("date", s.date.Format(domain.DateLayout)).Logger()
	s.load(snap)
	s.lastActivity = s.now()
	return s
}

func (s *Session) load(snap Snapshot) {
	s.units = make(map[string]domain.AssignmentUnit, len(snap.Units))
	s.unitOrder = s.unitOrder[:0]
	for _, u := range snap.Units {
		if _, ok := s.units[u.UnitID]; !ok {
			s.unitOrder = append(s.unitOrder, u.UnitID)
		}
		s.units[u.UnitID] = u
	}

	slots := append([]domain.TimeSlot(nil), snap.Slots...)
	allocation.SortSlots(slots)
	s.slots = make(map[string]domain.TimeSlot, len(slots))
	s.slotOrder = s.slotOrder[:0]
	for _, sl := range slots {
		s.slots[sl.ID] = sl
		s.slotOrder = append(s.slotOrder, sl.ID)
	}
	s.rules = append([]domain.RestrictionRule(nil), snap.Rules...)

	s.baseline = make(map[string]*string, len(s.units))
	for _, a := range snap.Assignments {
		if _, ok := s.units[a.UnitID]; !ok || a.SlotID == nil {
			continue
		}
		if _, ok := s.slots[*a.SlotID]; !ok {
			continue
		}
		id := *a.SlotID
		s.baseline[a.UnitID] = &id
	}
	s.current = cloneSlots(s.baseline)
	s.proposals = make(map[string]proposal)
	s.state = StateClean
}

// ID возвращает идентификатор сессии.
func (s *Session) ID() string { return s.id }

// Date возвращает дату сессии.
func (s *Session) Date() time.Time { return s.date }

// State возвращает текущее состояние.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity возвращает время последнего обращения к сессии.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MoveUnit переносит заявку в слот target или снимает назначение при target == nil.
func (s *Session) MoveUnit(unitID string, target *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	unit, ok := s.units[unitID]
	if !ok {
		return fmt.Errorf("%s: %w", unitID, domain.ErrUnitNotFound)
	}
	if sameSlot(s.current[unitID], target) {
		return nil
	}
	moves := []move{{unitID: unitID, target: target}}
	if target != nil {
		slot, ok := s.slots[*target]
		if !ok {
			return fmt.Errorf("%s: %w", *target, domain.ErrSlotNotFound)
		}
		if err := s.checkCapacity(slot, unit.Size, unitID); err != nil {
			return err
		}
		verdict := restriction.Check(unit.RestrictionSubjects, slot.StartMinutes, s.date, s.rules)
		if !verdict.Allowed {
			return s.propose(moves, unitID, slot.ID, verdict.Blocked, verdict.Overridable())
		}
	}
	s.apply(moves)
	return nil
}

// SwapUnits обменивает слоты двух заявок. Обе стороны проверяются до изменения:
// либо меняются обе, либо ни одна.
func (s *Session) SwapUnits(aID, bID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	a, ok := s.units[aID]
	if !ok {
		return fmt.Errorf("%s: %w", aID, domain.ErrUnitNotFound)
	}
	b, ok := s.units[bID]
	if !ok {
		return fmt.Errorf("%s: %w", bID, domain.ErrUnitNotFound)
	}
	slotA, slotB := s.current[aID], s.current[bID]
	if aID == bID || sameSlot(slotA, slotB) {
		return nil
	}

	if slotA != nil {
		if err := s.checkSwapCapacity(s.slots[*slotA], b.Size, a.Size); err != nil {
			return err
		}
	}
	if slotB != nil {
		if err := s.checkSwapCapacity(s.slots[*slotB], a.Size, b.Size); err != nil {
			return err
		}
	}

	var (
		blocked     []domain.BlockedParticipant
		violators   []string
		violated    []string
		overridable = true
	)
	check := func(u domain.AssignmentUnit, target *string) {
		if target == nil {
			return
		}
		slot := s.slots[*target]
		verdict := restriction.Check(u.RestrictionSubjects, slot.StartMinutes, s.date, s.rules)
		if verdict.Allowed {
			return
		}
		blocked = append(blocked, verdict.Blocked...)
		violators = append(violators, u.UnitID)
		violated = append(violated, slot.ID)
		overridable = overridable && verdict.Overridable()
	}
	check(a, slotB)
	check(b, slotA)

	moves := []move{{unitID: aID, target: cloneSlot(slotB)}, {unitID: bID, target: cloneSlot(slotA)}}
	if len(blocked) > 0 {
		return s.propose(moves, strings.Join(violators, ","), strings.Join(violated, ","), blocked, overridable)
	}
	s.apply(moves)
	return nil
}

// ConfirmOverride применяет правку, ранее отклонённую ограничением.
func (s *Session) ConfirmOverride(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	p, ok := s.proposals[token]
	if !ok {
		return fmt.Errorf("%s: %w", token, domain.ErrOverrideNotFound)
	}
	if !p.violation.Overridable {
		return p.violation
	}
	s.apply(p.moves)
	s.logger.Info().Str("token", token).Str("unit_id", p.violation.UnitID).Msg("ограничение подтверждено вручную")
	return nil
}

// CancelOverride отзывает токен подтверждения, не меняя сессию.
func (s *Session) CancelOverride(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if _, ok := s.proposals[token]; !ok {
		return fmt.Errorf("%s: %w", token, domain.ErrOverrideNotFound)
	}
	delete(s.proposals, token)
	return nil
}

// Save отправляет правки одним пакетом. При ошибке сессия остаётся в прежнем состоянии.
func (s *Session) Save(ctx context.Context) (domain.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	changes := s.pendingChanges()
	if len(changes) == 0 {
		s.version++
		return domain.ApplyResult{Success: true}, nil
	}
	res, err := s.applier.ApplyPendingChanges(ctx, s.date, changes)
	if err != nil {
		return res, fmt.Errorf("сохранение правок: %w", err)
	}
	if !res.Success {
		unitErrs := make([]error, 0, len(res.Errors))
		for _, ue := range res.Errors {
			unitErrs = append(unitErrs, ue)
		}
		if len(unitErrs) == 0 {
			unitErrs = append(unitErrs, domain.ErrPersistenceConflict)
		}
		return res, fmt.Errorf("сохранение правок: %w", errors.Join(unitErrs...))
	}

	s.baseline = cloneSlots(s.current)
	s.proposals = make(map[string]proposal)
	s.state = StateClean
	s.version++
	s.logger.Info().Int("changes", len(changes)).Int("version", s.version).Msg("правки сверки сохранены")
	return res, nil
}

// Reset отбрасывает правки и перечитывает сохранённый черновик.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	snap, err := s.loader(ctx, s.date)
	if err != nil {
		return fmt.Errorf("перечитывание черновика: %w", err)
	}
	discarded := len(s.pendingChanges())
	s.load(snap)
	s.version++
	s.logger.Info().Int("discarded", discarded).Int("version", s.version).Msg("сессия сверки сброшена")
	return nil
}

// SlotView показывает загрузку слота в рабочей копии.
type SlotView struct {
	domain.TimeSlot
	Assigned int `json:"assigned"`
	Free     int `json:"free"`
}

// View содержит снимок сессии для отображения.
type View struct {
	SessionID      string                 `json:"session_id"`
	Date           string                 `json:"date"`
	State          State                  `json:"state"`
	Version        int                    `json:"version"`
	Assignments    []domain.Assignment    `json:"assignments"`
	Slots          []SlotView             `json:"slots"`
	PendingChanges []domain.PendingChange `json:"pending_changes"`
}

// View возвращает копию текущего состояния.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	v := View{
		SessionID:      s.id,
		Date:           s.date.Format(domain.DateLayout),
		State:          s.state,
		Version:        s.version,
		Assignments:    s.assignments(),
		PendingChanges: s.pendingChanges(),
	}
	load := s.loads()
	v.Slots = make([]SlotView, 0, len(s.slotOrder))
	for _, id := range s.slotOrder {
		slot := s.slots[id]
		free := slot.Capacity - slot.Occupied - load[id]
		if free < 0 {
			free = 0
		}
		v.Slots = append(v.Slots, SlotView{TimeSlot: slot, Assigned: load[id], Free: free})
	}
	return v
}

// Assignments возвращает текущие назначения в порядке обслуживания.
func (s *Session) Assignments() []domain.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignments()
}

func (s *Session) assignments() []domain.Assignment {
	out := make([]domain.Assignment, 0, len(s.unitOrder))
	for _, id := range s.unitOrder {
		a := domain.Assignment{UnitID: id, HasPendingChange: !sameSlot(s.current[id], s.baseline[id])}
		if slotID := s.current[id]; slotID != nil {
			a.SlotID = cloneSlot(slotID)
			a.Quality = allocation.Classify(s.units[id], s.slots[*slotID].StartMinutes)
		}
		out = append(out, a)
	}
	return out
}

func (s *Session) pendingChanges() []domain.PendingChange {
	var out []domain.PendingChange
	for _, id := range s.unitOrder {
		if sameSlot(s.current[id], s.baseline[id]) {
			continue
		}
		out = append(out, domain.PendingChange{UnitID: id, TargetSlotID: cloneSlot(s.current[id])})
	}
	return out
}

func (s *Session) loads() map[string]int {
	load := make(map[string]int, len(s.slots))
	for id, slotID := range s.current {
		if slotID != nil {
			load[*slotID] += s.units[id].Size
		}
	}
	return load
}

func (s *Session) checkCapacity(slot domain.TimeSlot, size int, exclude string) error {
	others := 0
	for id, slotID := range s.current {
		if id != exclude && slotID != nil && *slotID == slot.ID {
			others += s.units[id].Size
		}
	}
	if slot.Occupied+others+size > slot.Capacity {
		return &domain.CapacityError{SlotID: slot.ID, Capacity: slot.Capacity, Occupied: slot.Occupied + others, Requested: size}
	}
	return nil
}

// checkSwapCapacity проверяет слот, из которого уходит leaving и в который приходит incoming.
func (s *Session) checkSwapCapacity(slot domain.TimeSlot, incoming, leaving int) error {
	load := s.loads()[slot.ID] - leaving
	if slot.Occupied+load+incoming > slot.Capacity {
		return &domain.CapacityError{SlotID: slot.ID, Capacity: slot.Capacity, Occupied: slot.Occupied + load, Requested: incoming}
	}
	return nil
}

func (s *Session) propose(moves []move, unitID, slotID string, blocked []domain.BlockedParticipant, overridable bool) error {
	violation := &domain.RestrictionViolationError{
		UnitID:      unitID,
		SlotID:      slotID,
		Blocked:     blocked,
		Overridable: overridable,
	}
	if overridable {
		violation.Token = uuid.NewString()
		s.proposals[violation.Token] = proposal{moves: moves, violation: violation}
	}
	return violation
}

func (s *Session) apply(moves []move) {
	for _, m := range moves {
		s.current[m.unitID] = cloneSlot(m.target)
	}
	s.proposals = make(map[string]proposal)
	if len(s.pendingChanges()) > 0 {
		s.state = StateDirty
	} else {
		s.state = StateClean
	}
	s.version++
}

func (s *Session) touch() {
	s.lastActivity = s.now()
}

func sameSlot(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneSlot(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSlots(in map[string]*string) map[string]*string {
	out := make(map[string]*string, len(in))
	for k, v := range in {
		out[k] = cloneSlot(v)
	}
	return out
}
