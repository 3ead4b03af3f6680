// Package pool нормализует заявки розыгрыша в единицы распределения.
package pool

import (
	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/usecase/priority"
)

// Build превращает PENDING-заявки в единицы распределения, упорядоченные по приоритету.
// Приоритет группы равен максимуму приоритетов её членов; гости и участники без профиля дают 0.
// Категория темпа группы берётся самая медленная среди известных профилей.
func Build(entries []domain.LotteryEntry, profiles map[string]domain.MemberSpeedProfile) []domain.AssignmentUnit {
	units := make([]domain.AssignmentUnit, 0, len(entries))
	for _, e := range entries {
		if e.Status != domain.EntryStatusPending || e.Size() == 0 {
			continue
		}
		units = append(units, unitFor(e, profiles))
	}
	priority.SortUnits(units)
	return units
}

func unitFor(e domain.LotteryEntry, profiles map[string]domain.MemberSpeedProfile) domain.AssignmentUnit {
	var (
		best  float64
		first = true
		tier  domain.SpeedTier
	)
	for _, p := range e.Participants {
		value := 0.0
		profile, ok := profiles[p.ID]
		if ok && !p.IsGuest() {
			value = priority.Of(profile)
			if tier == "" || profile.SpeedTier.Rank() > tier.Rank() {
				tier = profile.SpeedTier
			}
		}
		if first || value > best {
			best = value
			first = false
		}
	}
	if tier == "" {
		tier = domain.SpeedAverage
	}

	subjects := make([]domain.RestrictionSubject, len(e.Participants))
	copy(subjects, e.Participants)

	unit := domain.AssignmentUnit{
		UnitID:              e.ID,
		Size:                e.Size(),
		Priority:            best,
		SpeedTier:           tier,
		CreatedAt:           e.CreatedAt,
		PreferredWindow:     e.PreferredWindow,
		RestrictionSubjects: subjects,
	}
	if e.AlternateWindow != nil {
		alt := *e.AlternateWindow
		unit.AlternateWindow = &alt
	}
	return unit
}

// MemberIDs собирает идентификаторы членов клуба из заявок для загрузки профилей.
func MemberIDs(entries []domain.LotteryEntry) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, e := range entries {
		for _, id := range e.MemberIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
