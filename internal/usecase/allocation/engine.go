// Package allocation распределяет заявки розыгрыша по слотам ти-шита.
//
// Распределение выполняется детерминированным жадным проходом по заявкам в порядке приоритета:
// сначала желаемое окно, затем альтернативное, затем весь день. Заявка, для которой
// не нашлось слота, остаётся без назначения; это штатный результат, а не ошибка.
package allocation

import (
	"sort"
	"time"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/usecase/priority"
	"teetime-lottery/internal/usecase/restriction"
)

// Allocate возвращает по одному назначению на каждую заявку в порядке обслуживания.
// Входные срезы не изменяются.
func Allocate(units []domain.AssignmentUnit, slots []domain.TimeSlot, rules []domain.RestrictionRule, date time.Time) []domain.Assignment {
	ordered := append([]domain.AssignmentUnit(nil), units...)
	priority.SortUnits(ordered)

	sheet := newSheet(slots)
	out := make([]domain.Assignment, 0, len(ordered))
	for _, u := range ordered {
		out = append(out, sheet.place(u, rules, date))
	}
	return out
}

// Classify задаёт единственное правило качества назначения: PREFERRED, если начало слота
// в желаемом окне; ALTERNATE, если только в альтернативном; иначе FALLBACK.
func Classify(unit domain.AssignmentUnit, slotStart int) domain.Quality {
	if unit.PreferredWindow.Contains(slotStart) {
		return domain.QualityPreferred
	}
	if unit.AlternateWindow != nil && unit.AlternateWindow.Contains(slotStart) {
		return domain.QualityAlternate
	}
	return domain.QualityFallback
}

type sheet struct {
	slots []domain.TimeSlot
	free  []int
}

func newSheet(slots []domain.TimeSlot) *sheet {
	ordered := append([]domain.TimeSlot(nil), slots...)
	SortSlots(ordered)
	free := make([]int, len(ordered))
	for i, s := range ordered {
		free[i] = s.Free()
	}
	return &sheet{slots: ordered, free: free}
}

func (s *sheet) place(u domain.AssignmentUnit, rules []domain.RestrictionRule, date time.Time) domain.Assignment {
	if u.Size <= 0 {
		return domain.Assignment{UnitID: u.UnitID}
	}
	idx := s.find(u, rules, date, func(start int) bool { return u.PreferredWindow.Contains(start) })
	if idx < 0 && u.AlternateWindow != nil {
		alt := *u.AlternateWindow
		idx = s.find(u, rules, date, func(start int) bool { return alt.Contains(start) })
	}
	if idx < 0 {
		idx = s.find(u, rules, date, func(int) bool { return true })
	}
	if idx < 0 {
		return domain.Assignment{UnitID: u.UnitID}
	}
	s.free[idx] -= u.Size
	slot := s.slots[idx]
	slotID := slot.ID
	return domain.Assignment{UnitID: u.UnitID, SlotID: &slotID, Quality: Classify(u, slot.StartMinutes)}
}

func (s *sheet) find(u domain.AssignmentUnit, rules []domain.RestrictionRule, date time.Time, inWindow func(int) bool) int {
	for i, slot := range s.slots {
		if !inWindow(slot.StartMinutes) || s.free[i] < u.Size {
			continue
		}
		if !restriction.Check(u.RestrictionSubjects, slot.StartMinutes, date, rules).Allowed {
			continue
		}
		return i
	}
	return -1
}

// SortSlots упорядочивает слоты по времени начала, затем по идентификатору.
func SortSlots(slots []domain.TimeSlot) {
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].StartMinutes != slots[j].StartMinutes {
			return slots[i].StartMinutes < slots[j].StartMinutes
		}
		return slots[i].ID < slots[j].ID
	})
}

// Summary содержит сводку качества распределения.
type Summary struct {
	Preferred  int `json:"preferred"`
	Alternate  int `json:"alternate"`
	Fallback   int `json:"fallback"`
	Unassigned int `json:"unassigned"`
}

// Summarize подсчитывает назначения по качеству.
func Summarize(assignments []domain.Assignment) Summary {
	var s Summary
	for _, a := range assignments {
		switch {
		case !a.Assigned():
			s.Unassigned++
		case a.Quality == domain.QualityPreferred:
			s.Preferred++
		case a.Quality == domain.QualityAlternate:
			s.Alternate++
		default:
			s.Fallback++
		}
	}
	return s
}
