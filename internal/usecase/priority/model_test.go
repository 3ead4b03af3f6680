package priority

import (
	"testing"
	"time"

	"teetime-lottery/internal/domain"
)

func TestTierFor(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		minutes float64
		want    domain.SpeedTier
	}{
		{minutes: 220, want: domain.SpeedFast},
		{minutes: 235, want: domain.SpeedFast},
		{minutes: 236, want: domain.SpeedAverage},
		{minutes: 245, want: domain.SpeedAverage},
		{minutes: 246, want: domain.SpeedSlow},
		{minutes: 280, want: domain.SpeedSlow},
	}
	for _, tt := range tests {
		if got := th.TierFor(tt.minutes); got != tt.want {
			t.Fatalf("TierFor(%v) = %s, want %s", tt.minutes, got, tt.want)
		}
	}
}

func TestBandOf(t *testing.T) {
	cases := map[float64]FairnessBand{
		25:  BandHigh,
		20:  BandMedium,
		10:  BandMedium,
		9.5: BandLow,
		0:   BandLow,
	}
	for score, want := range cases {
		if got := BandOf(score); got != want {
			t.Fatalf("BandOf(%v) = %s, want %s", score, got, want)
		}
	}
}

func TestOfClampsAdjustmentOnly(t *testing.T) {
	p := domain.MemberSpeedProfile{FairnessScore: 42, AdminPriorityAdjustment: 15}
	if got := Of(p); got != 52 {
		t.Fatalf("Of() = %v, want 52", got)
	}
	p.AdminPriorityAdjustment = -30
	if got := Of(p); got != 32 {
		t.Fatalf("Of() = %v, want 32", got)
	}
}

func TestFairnessScoreResetsOnGrant(t *testing.T) {
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	outcomes := []domain.FairnessOutcome{
		{Quality: domain.QualityFallback, RecordedAt: base.Add(72 * time.Hour)},
		{Quality: domain.QualityAlternate, RecordedAt: base},
		{Quality: domain.QualityPreferred, RecordedAt: base.Add(24 * time.Hour)},
		{Quality: domain.QualityAlternate, RecordedAt: base.Add(48 * time.Hour)},
	}
	if got := FairnessScore(outcomes, DefaultWeights()); got != 13 {
		t.Fatalf("FairnessScore() = %v, want 13", got)
	}
}

func TestFairnessScoreUnassignedOutweighsFallback(t *testing.T) {
	w := DefaultWeights()
	if w.Unassigned < w.Fallback {
		t.Fatalf("default unassigned weight %v below fallback %v", w.Unassigned, w.Fallback)
	}
	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	shutOut := FairnessScore([]domain.FairnessOutcome{{Quality: domain.QualityUnassigned, RecordedAt: at}}, w)
	fallback := FairnessScore([]domain.FairnessOutcome{{Quality: domain.QualityFallback, RecordedAt: at}}, w)
	if shutOut <= fallback {
		t.Fatalf("unassigned score %v must exceed fallback score %v", shutOut, fallback)
	}
}

func TestSortUnitsTieBreaks(t *testing.T) {
	early := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	units := []domain.AssignmentUnit{
		{UnitID: "d", Priority: 10, SpeedTier: domain.SpeedAverage, CreatedAt: late},
		{UnitID: "c", Priority: 10, SpeedTier: domain.SpeedAverage, CreatedAt: early},
		{UnitID: "b", Priority: 10, SpeedTier: domain.SpeedFast, CreatedAt: late},
		{UnitID: "a", Priority: 25, SpeedTier: domain.SpeedSlow, CreatedAt: late},
		{UnitID: "e", Priority: 10, SpeedTier: domain.SpeedAverage, CreatedAt: early},
	}
	SortUnits(units)
	want := []string{"a", "b", "c", "e", "d"}
	for i, id := range want {
		if units[i].UnitID != id {
			t.Fatalf("position %d: got %s, want %s", i, units[i].UnitID, id)
		}
	}
}
