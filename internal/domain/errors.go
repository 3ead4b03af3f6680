package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCapacityExceeded возвращается, когда слот переполнился бы по участникам.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrRestrictionViolation возвращается, когда участник не может занять слот.
	ErrRestrictionViolation = errors.New("restriction violation")

	// ErrEntryNotFound возвращается, когда заявка не найдена.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrSlotNotFound возвращается, когда слот не найден.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrUnitNotFound возвращается, когда заявки нет в сессии сверки.
	ErrUnitNotFound = errors.New("unit not found")

	// ErrInvalidStateTransition возвращается при недопустимом переходе состояния.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrPersistenceConflict возвращается, когда сохранённое состояние разошлось со снимком.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrProfileNotFound возвращается, когда профиль участника не найден.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrOverrideNotFound возвращается для неизвестного или устаревшего токена подтверждения.
	ErrOverrideNotFound = errors.New("override confirmation not found")

	// ErrTeeSheetNotConfigured возвращается, если для даты нет конфигурации ти-шита.
	ErrTeeSheetNotConfigured = errors.New("tee sheet not configured")

	// ErrInvalidAdjustment возвращается для поправки приоритета вне диапазона.
	ErrInvalidAdjustment = errors.New("priority adjustment out of range")
)

// CapacityError описывает переполнение конкретного слота.
type CapacityError struct {
	SlotID    string
	Capacity  int
	Occupied  int
	Requested int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("slot %s: capacity exceeded: %d occupied + %d requested > %d", e.SlotID, e.Occupied, e.Requested, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// BlockedParticipant описывает участника, которому правило запрещает слот.
type BlockedParticipant struct {
	Participant Participant       `json:"participant"`
	Rules       []RestrictionRule `json:"rules"`
}

// RestrictionViolationError перечисляет нарушенные правила и заблокированных участников.
// Token заполняется сессией сверки, если нарушение можно подтвердить вручную.
type RestrictionViolationError struct {
	UnitID      string
	SlotID      string
	Blocked     []BlockedParticipant
	Token       string
	Overridable bool
}

func (e *RestrictionViolationError) Error() string {
	ids := make([]string, 0, len(e.Blocked))
	for _, b := range e.Blocked {
		ids = append(ids, b.Participant.ID)
	}
	return fmt.Sprintf("unit %s -> slot %s: restriction violation for %s", e.UnitID, e.SlotID, strings.Join(ids, ", "))
}

func (e *RestrictionViolationError) Unwrap() error { return ErrRestrictionViolation }

// Rules возвращает уникальный список нарушенных правил.
func (e *RestrictionViolationError) Rules() []RestrictionRule {
	seen := make(map[string]struct{})
	out := make([]RestrictionRule, 0)
	for _, b := range e.Blocked {
		for _, r := range b.Rules {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// StateTransitionError описывает отклонённый переход.
type StateTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
}

func (e *StateTransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: cannot transition %s -> %s", e.Entity, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// PersistenceConflictError возвращается при конфликте фиксации назначения в хранилище.
type PersistenceConflictError struct {
	EntryID string
	SlotID  string
	Cause   error
}

func (e *PersistenceConflictError) Error() string {
	return fmt.Sprintf("entry %s -> slot %s: persistence conflict: %v", e.EntryID, e.SlotID, e.Cause)
}

func (e *PersistenceConflictError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPersistenceConflict}
	}
	return []error{ErrPersistenceConflict, e.Cause}
}
