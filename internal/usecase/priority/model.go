// Package priority вычисляет приоритет участника в розыгрыше по сигналам справедливости и темпа.
package priority

import (
	"sort"

	"teetime-lottery/internal/domain"
)

// Thresholds задаёт пороги категорий темпа (минуты на 18 лунок).
type Thresholds struct {
	FastMax float64
	SlowMin float64
}

// DefaultThresholds возвращает пороги по умолчанию: FAST ≤ 235, SLOW ≥ 246.
func DefaultThresholds() Thresholds {
	return Thresholds{FastMax: 235, SlowMin: 246}
}

// TierFor определяет категорию темпа по средней длительности раунда.
func (t Thresholds) TierFor(averageMinutes float64) domain.SpeedTier {
	switch {
	case averageMinutes <= t.FastMax:
		return domain.SpeedFast
	case averageMinutes >= t.SlowMin:
		return domain.SpeedSlow
	default:
		return domain.SpeedAverage
	}
}

// FairnessBand обозначает полосу оценки справедливости для отображения и фильтров.
type FairnessBand string

const (
	BandHigh   FairnessBand = "HIGH"
	BandMedium FairnessBand = "MEDIUM"
	BandLow    FairnessBand = "LOW"
)

// BandOf возвращает полосу: HIGH > 20, MEDIUM [10, 20], LOW < 10.
func BandOf(score float64) FairnessBand {
	switch {
	case score > 20:
		return BandHigh
	case score >= 10:
		return BandMedium
	default:
		return BandLow
	}
}

// ClampAdjustment ограничивает административную поправку диапазоном [-10, +10].
func ClampAdjustment(adj int) int {
	if adj < domain.MinPriorityAdjustment {
		return domain.MinPriorityAdjustment
	}
	if adj > domain.MaxPriorityAdjustment {
		return domain.MaxPriorityAdjustment
	}
	return adj
}

// Of возвращает итоговый приоритет: оценка справедливости плюс поправка.
// Сама оценка сверху не ограничена.
func Of(p domain.MemberSpeedProfile) float64 {
	return p.FairnessScore + float64(ClampAdjustment(p.AdminPriorityAdjustment))
}

// Weights задаёт вклад промахов в оценку справедливости.
type Weights struct {
	Alternate  float64
	Fallback   float64
	Unassigned float64
}

// DefaultWeights возвращает веса по умолчанию.
func DefaultWeights() Weights {
	return Weights{Alternate: 5, Fallback: 8, Unassigned: 10}
}

// FairnessScore пересчитывает оценку по итогам периода в хронологическом порядке:
// каждый промах увеличивает долг, каждое получение желаемого времени обнуляет его.
func FairnessScore(outcomes []domain.FairnessOutcome, w Weights) float64 {
	ordered := append([]domain.FairnessOutcome(nil), outcomes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RecordedAt.Before(ordered[j].RecordedAt)
	})
	score := 0.0
	for _, o := range ordered {
		switch o.Quality {
		case domain.QualityPreferred:
			score = 0
		case domain.QualityAlternate:
			score += w.Alternate
		case domain.QualityFallback:
			score += w.Fallback
		case domain.QualityUnassigned:
			score += w.Unassigned
		}
	}
	return score
}

// Less задаёт порядок обслуживания: приоритет по убыванию, затем быстрые игроки,
// затем более ранняя заявка, затем идентификатор.
func Less(a, b domain.AssignmentUnit) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if ra, rb := a.SpeedTier.Rank(), b.SpeedTier.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.UnitID < b.UnitID
}

// SortUnits упорядочивает заявки по Less.
func SortUnits(units []domain.AssignmentUnit) {
	sort.SliceStable(units, func(i, j int) bool { return Less(units[i], units[j]) })
}
