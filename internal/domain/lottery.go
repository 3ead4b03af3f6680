package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout задаёт формат даты розыгрыша.
const DateLayout = "2006-01-02"

// EntryStatus описывает жизненный цикл заявки на розыгрыш.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "PENDING"
	EntryStatusAssigned  EntryStatus = "ASSIGNED"
	EntryStatusCancelled EntryStatus = "CANCELLED"
)

// EntryKind различает индивидуальные и групповые заявки.
type EntryKind string

const (
	EntryKindIndividual EntryKind = "INDIVIDUAL"
	EntryKindGroup      EntryKind = "GROUP"
)

// ParticipantKind различает членов клуба и гостей.
type ParticipantKind string

const (
	ParticipantMember ParticipantKind = "MEMBER"
	ParticipantGuest  ParticipantKind = "GUEST"
)

// Participant описывает участника заявки с уже разрешённым классом членства.
type Participant struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Kind        ParticipantKind `json:"kind"`
	MemberClass string          `json:"member_class,omitempty"`
}

// IsGuest сообщает, является ли участник гостем.
func (p Participant) IsGuest() bool {
	return p.Kind == ParticipantGuest
}

// LotteryEntry описывает заявку на ти-тайм через розыгрыш.
// Для групповой заявки первый участник считается лидером.
type LotteryEntry struct {
	ID              string        `json:"id"`
	Date            time.Time     `json:"date"`
	Kind            EntryKind     `json:"kind"`
	Status          EntryStatus   `json:"status"`
	Participants    []Participant `json:"participants"`
	PreferredWindow TimeWindow    `json:"preferred_window"`
	AlternateWindow *TimeWindow   `json:"alternate_window,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Size возвращает количество участников.
func (e LotteryEntry) Size() int {
	return len(e.Participants)
}

// Leader возвращает лидера групповой заявки или единственного участника.
func (e LotteryEntry) Leader() Participant {
	if len(e.Participants) == 0 {
		return Participant{}
	}
	return e.Participants[0]
}

// MemberIDs возвращает идентификаторы участников-членов клуба.
func (e LotteryEntry) MemberIDs() []string {
	ids := make([]string, 0, len(e.Participants))
	for _, p := range e.Participants {
		if p.Kind == ParticipantMember {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Validate проверяет инварианты заявки.
func (e LotteryEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entry id is required")
	}
	if len(e.Participants) == 0 {
		return fmt.Errorf("entry %s: at least one participant is required", e.ID)
	}
	if e.Kind == EntryKindIndividual && len(e.Participants) != 1 {
		return fmt.Errorf("entry %s: individual entry must have exactly one participant", e.ID)
	}
	seen := make(map[string]struct{}, len(e.Participants))
	for _, p := range e.Participants {
		if p.ID == "" {
			return fmt.Errorf("entry %s: participant id is required", e.ID)
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("entry %s: duplicate participant %s", e.ID, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	if err := e.PreferredWindow.Validate(); err != nil {
		return fmt.Errorf("entry %s: preferred window: %w", e.ID, err)
	}
	if e.AlternateWindow != nil {
		if err := e.AlternateWindow.Validate(); err != nil {
			return fmt.Errorf("entry %s: alternate window: %w", e.ID, err)
		}
	}
	return nil
}

// TimeSlot описывает слот ти-шита с ограниченной вместимостью по участникам.
// Occupied учитывает уже сохранённые бронирования.
type TimeSlot struct {
	ID           string    `json:"id"`
	Date         time.Time `json:"date"`
	StartMinutes int       `json:"start_minutes"`
	EndMinutes   int       `json:"end_minutes"`
	Capacity     int       `json:"capacity"`
	Occupied     int       `json:"occupied"`
}

// Free возвращает количество свободных мест.
func (s TimeSlot) Free() int {
	free := s.Capacity - s.Occupied
	if free < 0 {
		return 0
	}
	return free
}

// StartLabel возвращает время начала в формате HH:MM.
func (s TimeSlot) StartLabel() string {
	return FormatMinutes(s.StartMinutes)
}

// SlotID строит детерминированный идентификатор слота.
func SlotID(date time.Time, startMinutes int) string {
	return date.Format(DateLayout) + "T" + FormatMinutes(startMinutes)
}

// Booking описывает запись в реальном ти-шите.
type Booking struct {
	ID            string    `json:"id"`
	SlotID        string    `json:"slot_id"`
	Date          time.Time `json:"date"`
	ParticipantID string    `json:"participant_id"`
	EntryID       string    `json:"entry_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// SpeedTier обозначает категорию темпа игры.
type SpeedTier string

const (
	SpeedFast    SpeedTier = "FAST"
	SpeedAverage SpeedTier = "AVERAGE"
	SpeedSlow    SpeedTier = "SLOW"
)

// Rank возвращает порядок категории: быстрые игроки раньше.
func (t SpeedTier) Rank() int {
	switch t {
	case SpeedFast:
		return 0
	case SpeedSlow:
		return 2
	default:
		return 1
	}
}

// ParseSpeedTier разбирает категорию темпа.
func ParseSpeedTier(raw string) (SpeedTier, error) {
	switch SpeedTier(strings.ToUpper(strings.TrimSpace(raw))) {
	case SpeedFast:
		return SpeedFast, nil
	case SpeedAverage:
		return SpeedAverage, nil
	case SpeedSlow:
		return SpeedSlow, nil
	}
	return "", fmt.Errorf("unknown speed tier %q", raw)
}

// Adjustment bounds.
const (
	MinPriorityAdjustment = -10
	MaxPriorityAdjustment = 10
)

// MemberSpeedProfile хранит сигналы приоритета участника.
type MemberSpeedProfile struct {
	MemberID                string    `json:"member_id"`
	SpeedTier               SpeedTier `json:"speed_tier"`
	ManualOverride          bool      `json:"manual_override"`
	AdminPriorityAdjustment int       `json:"admin_priority_adjustment"`
	FairnessScore           float64   `json:"fairness_score"`
	AverageRoundMinutes     float64   `json:"average_round_minutes"`
	Notes                   string    `json:"notes,omitempty"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Quality классифицирует, насколько назначение совпало с пожеланием.
type Quality string

const (
	QualityNone       Quality = ""
	QualityPreferred  Quality = "PREFERRED"
	QualityAlternate  Quality = "ALTERNATE"
	QualityFallback   Quality = "FALLBACK"
	// QualityUnassigned встречается только в итогах справедливости: заявка осталась без слота.
	QualityUnassigned Quality = "UNASSIGNED"
)

// RestrictionSubject описывает участника, для которого проверяются ограничения.
type RestrictionSubject = Participant

// AssignmentUnit представляет заявку внутри движка распределения.
type AssignmentUnit struct {
	UnitID              string
	Size                int
	Priority            float64
	SpeedTier           SpeedTier
	CreatedAt           time.Time
	PreferredWindow     TimeWindow
	AlternateWindow     *TimeWindow
	RestrictionSubjects []RestrictionSubject
}

// Assignment содержит результат распределения для одной заявки.
type Assignment struct {
	UnitID           string  `json:"unit_id"`
	SlotID           *string `json:"slot_id"`
	Quality          Quality `json:"quality"`
	HasPendingChange bool    `json:"has_pending_change,omitempty"`
}

// Assigned сообщает, получила ли заявка слот.
func (a Assignment) Assigned() bool {
	return a.SlotID != nil
}

// SlotOrEmpty возвращает идентификатор слота или пустую строку.
func (a Assignment) SlotOrEmpty() string {
	if a.SlotID == nil {
		return ""
	}
	return *a.SlotID
}

// PendingChange хранит минимальную разницу ручной правки для сохранения.
type PendingChange struct {
	UnitID       string  `json:"unit_id"`
	TargetSlotID *string `json:"target_slot_id"`
}

// FairnessOutcome фиксирует результат розыгрыша для участника за период.
type FairnessOutcome struct {
	MemberID   string    `json:"member_id"`
	Period     string    `json:"period"`
	EntryID    string    `json:"entry_id"`
	Quality    Quality   `json:"quality"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Granted сообщает, получил ли участник желаемое время.
func (o FairnessOutcome) Granted() bool {
	return o.Quality == QualityPreferred
}

// PeriodOf возвращает месячный период учёта справедливости.
func PeriodOf(t time.Time) string {
	return t.Format("2006-01")
}

// PreviousPeriod возвращает предыдущий месячный период.
func PreviousPeriod(t time.Time) string {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return PeriodOf(first.AddDate(0, -1, 0))
}

// ParseDate разбирает дату розыгрыша в UTC.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", raw, err)
	}
	return d, nil
}

// NormalizeDate отбрасывает время суток.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TeeSheetConfig задаёт сетку ти-шита: первый и последний старт, интервал и вместимость.
// Конфигурация с датой перекрывает конфигурацию по умолчанию (Date == nil).
type TeeSheetConfig struct {
	ID              string     `json:"id"`
	Date            *time.Time `json:"date,omitempty"`
	FirstTeeMinutes int        `json:"first_tee_minutes"`
	LastTeeMinutes  int        `json:"last_tee_minutes"`
	IntervalMinutes int        `json:"interval_minutes"`
	MaxPerSlot      int        `json:"max_per_slot"`
}
