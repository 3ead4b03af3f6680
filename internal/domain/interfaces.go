package domain

import (
	"context"
	"time"
)

// EntryRepo управляет заявками на розыгрыш.
type EntryRepo interface {
	ListEntries(ctx context.Context, date time.Time) ([]LotteryEntry, error)
	GetEntry(ctx context.Context, entryID string) (LotteryEntry, error)
	// CancelEntry переводит PENDING-заявку в CANCELLED.
	CancelEntry(ctx context.Context, entryID string) (LotteryEntry, error)
	// UnassignEntry возвращает ASSIGNED-заявку в PENDING и удаляет её бронирования.
	UnassignEntry(ctx context.Context, entryID string) (LotteryEntry, error)
}

// SlotSource возвращает слоты ти-шита на дату с учётом сохранённой загрузки.
type SlotSource interface {
	ListSlots(ctx context.Context, date time.Time) ([]TimeSlot, error)
}

// TeeSheetSource отдаёт конфигурации ти-шита.
type TeeSheetSource interface {
	ListTeeSheetConfigs(ctx context.Context) ([]TeeSheetConfig, error)
}

// RestrictionRuleSource возвращает активные правила ограничений клуба.
type RestrictionRuleSource interface {
	ListActiveRules(ctx context.Context) ([]RestrictionRule, error)
}

// ProfileRepo управляет профилями темпа и справедливости.
type ProfileRepo interface {
	GetProfiles(ctx context.Context, memberIDs []string) (map[string]MemberSpeedProfile, error)
	GetProfile(ctx context.Context, memberID string) (MemberSpeedProfile, error)
	ListProfiles(ctx context.Context) ([]MemberSpeedProfile, error)
	SaveProfile(ctx context.Context, profile MemberSpeedProfile) error
}

// PaceSource отдаёт длительности последних раундов участника в минутах.
type PaceSource interface {
	RecentRoundMinutes(ctx context.Context, memberID string, limit int) ([]float64, error)
}

// FairnessLedger хранит итоги розыгрышей по участникам.
type FairnessLedger interface {
	ListOutcomes(ctx context.Context, period string) ([]FairnessOutcome, error)
}

// UnitError описывает ошибку по конкретной заявке в пакетной операции.
type UnitError struct {
	UnitID string `json:"unit_id"`
	SlotID string `json:"slot_id,omitempty"`
	Err    error  `json:"-"`
}

func (e UnitError) Error() string {
	return e.UnitID + ": " + e.Err.Error()
}

func (e UnitError) Unwrap() error { return e.Err }

// ApplyResult содержит итог пакетного применения ручных правок.
type ApplyResult struct {
	Success bool        `json:"success"`
	Errors  []UnitError `json:"errors,omitempty"`
}

// DraftStore хранит черновик распределения между автоматическим расчётом и фиксацией.
type DraftStore interface {
	// LoadDraft возвращает черновик для PENDING-заявок; ok=false, если черновика нет.
	LoadDraft(ctx context.Context, date time.Time) (assignments []Assignment, ok bool, err error)
	SaveDraft(ctx context.Context, date time.Time, assignments []Assignment) error
	// ApplyPendingChanges атомарно применяет правки: либо все, либо ни одной.
	ApplyPendingChanges(ctx context.Context, date time.Time, changes []PendingChange) (ApplyResult, error)
}

// CommitRequest описывает одно назначение для фиксации в ти-шит.
type CommitRequest struct {
	Date    time.Time
	EntryID string
	SlotID  string
	Quality Quality
}

// CommitOutcome сообщает результат фиксации одного назначения.
type CommitOutcome struct {
	Skipped  bool
	Bookings []Booking
}

// BookingSink фиксирует назначения: бронирования, статус заявки и учёт справедливости
// в одной транзакции хранилища.
type BookingSink interface {
	CommitAssignment(ctx context.Context, req CommitRequest) (CommitOutcome, error)
	// RecordMiss отмечает промах для членов PENDING-заявки, оставшейся без слота.
	// Повторный вызов ничего не добавляет, фиксация заявки позже заменяет промах.
	RecordMiss(ctx context.Context, entryID string) (recorded int, err error)
}

// DateLocker сериализует операции по одной дате между процессами.
type DateLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}
