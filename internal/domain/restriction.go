package domain

import "time"

// RestrictionCategory определяет, к кому применяется правило.
type RestrictionCategory string

const (
	RestrictionMemberClass RestrictionCategory = "MEMBER_CLASS"
	RestrictionGuest       RestrictionCategory = "GUEST"
)

// RestrictionType определяет вид ограничения.
type RestrictionType string

const (
	RestrictionTime      RestrictionType = "TIME"
	RestrictionFrequency RestrictionType = "FREQUENCY"
)

// RestrictionRule описывает правило ограничения доступа к ти-тайму.
// Границы StartMinutes/EndMinutes включительные, StartDate/EndDate тоже.
type RestrictionRule struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Category      RestrictionCategory `json:"category"`
	Type          RestrictionType     `json:"type"`
	MemberClasses []string            `json:"member_classes,omitempty"`
	DaysOfWeek    []time.Weekday      `json:"days_of_week,omitempty"`
	StartMinutes  int                 `json:"start_minutes"`
	EndMinutes    int                 `json:"end_minutes"`
	StartDate     *time.Time          `json:"start_date,omitempty"`
	EndDate       *time.Time          `json:"end_date,omitempty"`
	IsActive      bool                `json:"is_active"`
	CanOverride   bool                `json:"can_override"`
}
