// Package restriction проверяет, может ли участник занять ти-тайм в конкретную дату.
package restriction

import (
	"slices"
	"time"

	"teetime-lottery/internal/domain"
)

// Verdict содержит результат проверки группы участников.
type Verdict struct {
	Allowed bool
	Blocked []domain.BlockedParticipant
}

// Violated возвращает уникальный список нарушенных правил.
func (v Verdict) Violated() []domain.RestrictionRule {
	seen := make(map[string]struct{})
	var out []domain.RestrictionRule
	for _, b := range v.Blocked {
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

// Overridable сообщает, допускают ли все нарушенные правила ручное подтверждение.
func (v Verdict) Overridable() bool {
	for _, b := range v.Blocked {
		for _, r := range b.Rules {
			if !r.CanOverride {
				return false
			}
		}
	}
	return true
}

// IsAllowed проверяет одного участника и возвращает нарушенные правила.
func IsAllowed(subject domain.RestrictionSubject, slotStart int, date time.Time, rules []domain.RestrictionRule) (bool, []domain.RestrictionRule) {
	var violated []domain.RestrictionRule
	for _, rule := range rules {
		if matches(rule, subject, slotStart, date) {
			violated = append(violated, rule)
		}
	}
	return len(violated) == 0, violated
}

// Check проверяет всех участников: группа допускается, только если допущен каждый.
func Check(subjects []domain.RestrictionSubject, slotStart int, date time.Time, rules []domain.RestrictionRule) Verdict {
	v := Verdict{Allowed: true}
	for _, s := range subjects {
		ok, violated := IsAllowed(s, slotStart, date, rules)
		if ok {
			continue
		}
		v.Allowed = false
		v.Blocked = append(v.Blocked, domain.BlockedParticipant{Participant: s, Rules: violated})
	}
	return v
}

func matches(rule domain.RestrictionRule, subject domain.RestrictionSubject, slotStart int, date time.Time) bool {
	if !rule.IsActive || rule.Type != domain.RestrictionTime {
		return false
	}
	if !categoryMatches(rule, subject) {
		return false
	}
	if len(rule.DaysOfWeek) > 0 && !slices.Contains(rule.DaysOfWeek, date.Weekday()) {
		return false
	}
	day := domain.NormalizeDate(date)
	if rule.StartDate != nil && day.Before(domain.NormalizeDate(*rule.StartDate)) {
		return false
	}
	if rule.EndDate != nil && day.After(domain.NormalizeDate(*rule.EndDate)) {
		return false
	}
	return slotStart >= rule.StartMinutes && slotStart <= rule.EndMinutes
}

func categoryMatches(rule domain.RestrictionRule, subject domain.RestrictionSubject) bool {
	switch rule.Category {
	case domain.RestrictionGuest:
		return subject.IsGuest()
	case domain.RestrictionMemberClass:
		if subject.IsGuest() {
			return false
		}
		if len(rule.MemberClasses) == 0 {
			return true
		}
		return slices.Contains(rule.MemberClasses, subject.MemberClass)
	}
	return false
}
