package allocation

import (
	"testing"
	"time"

	"teetime-lottery/internal/domain"
)

var day = time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

func slot(start, capacity, occupied int) domain.TimeSlot {
	return domain.TimeSlot{
		ID:           domain.SlotID(day, start),
		Date:         day,
		StartMinutes: start,
		EndMinutes:   start + 10,
		Capacity:     capacity,
		Occupied:     occupied,
	}
}

func unit(id string, size int, prio float64, preferred domain.TimeWindow) domain.AssignmentUnit {
	subjects := make([]domain.RestrictionSubject, size)
	for i := range subjects {
		subjects[i] = domain.Participant{ID: id + "-p" + string(rune('a'+i)), Kind: domain.ParticipantMember, MemberClass: "FULL"}
	}
	return domain.AssignmentUnit{
		UnitID:              id,
		Size:                size,
		Priority:            prio,
		SpeedTier:           domain.SpeedAverage,
		CreatedAt:           day.Add(-24 * time.Hour),
		PreferredWindow:     preferred,
		RestrictionSubjects: subjects,
	}
}

func window(from, to int) domain.TimeWindow {
	return domain.TimeWindow{StartMinutes: from, EndMinutes: to}
}

func byUnit(assignments []domain.Assignment) map[string]domain.Assignment {
	out := make(map[string]domain.Assignment, len(assignments))
	for _, a := range assignments {
		out[a.UnitID] = a
	}
	return out
}

func TestAllocateBothIndividualsFitPreferredSlot(t *testing.T) {
	slots := []domain.TimeSlot{slot(540, 4, 0), slot(550, 4, 0)}
	units := []domain.AssignmentUnit{
		unit("bob", 1, 10, window(540, 560)),
		unit("alice", 1, 25, window(540, 560)),
	}
	got := Allocate(units, slots, nil, day)
	if len(got) != 2 || got[0].UnitID != "alice" {
		t.Fatalf("expected alice served first, got %+v", got)
	}
	for _, a := range got {
		if a.SlotOrEmpty() != domain.SlotID(day, 540) || a.Quality != domain.QualityPreferred {
			t.Fatalf("unit %s: expected 09:00 PREFERRED, got %s %s", a.UnitID, a.SlotOrEmpty(), a.Quality)
		}
	}
}

func TestAllocateGroupFallsThroughWhenSlotNearlyFull(t *testing.T) {
	slots := []domain.TimeSlot{slot(540, 4, 3), slot(600, 4, 0), slot(720, 4, 0)}
	g := unit("group", 2, 99, window(540, 550))
	alt := window(600, 660)
	g.AlternateWindow = &alt

	got := Allocate([]domain.AssignmentUnit{g}, slots, nil, day)
	if got[0].SlotOrEmpty() != domain.SlotID(day, 600) || got[0].Quality != domain.QualityAlternate {
		t.Fatalf("expected alternate 10:00, got %s %s", got[0].SlotOrEmpty(), got[0].Quality)
	}

	g.AlternateWindow = nil
	got = Allocate([]domain.AssignmentUnit{g}, slots, nil, day)
	if got[0].SlotOrEmpty() != domain.SlotID(day, 600) || got[0].Quality != domain.QualityFallback {
		t.Fatalf("expected fallback 10:00, got %s %s", got[0].SlotOrEmpty(), got[0].Quality)
	}
}

func TestAllocateRespectsCapacity(t *testing.T) {
	slots := []domain.TimeSlot{slot(540, 4, 1), slot(550, 4, 0)}
	units := []domain.AssignmentUnit{
		unit("a", 3, 30, window(540, 560)),
		unit("b", 2, 20, window(540, 560)),
		unit("c", 2, 10, window(540, 560)),
		unit("d", 4, 5, window(540, 560)),
	}
	got := Allocate(units, slots, nil, day)

	load := map[string]int{}
	sizes := map[string]int{}
	for _, u := range units {
		sizes[u.UnitID] = u.Size
	}
	for _, s := range slots {
		load[s.ID] = s.Occupied
	}
	for _, a := range got {
		if a.Assigned() {
			load[*a.SlotID] += sizes[a.UnitID]
		}
	}
	for _, s := range slots {
		if load[s.ID] > s.Capacity {
			t.Fatalf("slot %s overfilled: %d > %d", s.ID, load[s.ID], s.Capacity)
		}
	}
	if a := byUnit(got)["d"]; a.Assigned() || a.Quality != domain.QualityNone {
		t.Fatalf("expected d unassigned, got %+v", a)
	}
	if slots[0].Occupied != 1 {
		t.Fatalf("input slots mutated")
	}
}

func TestAllocateIsDeterministic(t *testing.T) {
	slots := []domain.TimeSlot{slot(560, 4, 0), slot(540, 4, 2), slot(550, 4, 0)}
	units := []domain.AssignmentUnit{
		unit("x", 2, 10, window(540, 600)),
		unit("y", 2, 10, window(540, 600)),
		unit("z", 3, 10, window(540, 600)),
	}
	first := Allocate(units, slots, nil, day)
	for i := 0; i < 10; i++ {
		again := Allocate(units, slots, nil, day)
		for j := range first {
			if first[j].UnitID != again[j].UnitID || first[j].SlotOrEmpty() != again[j].SlotOrEmpty() {
				t.Fatalf("run %d differs at %d", i, j)
			}
		}
	}
}

func TestAllocateHigherPriorityNeverWorse(t *testing.T) {
	slots := []domain.TimeSlot{slot(540, 2, 0), slot(600, 2, 0)}
	low := unit("low", 2, 1, window(540, 550))
	high := unit("high", 2, 2, window(540, 550))

	got := byUnit(Allocate([]domain.AssignmentUnit{low, high}, slots, nil, day))
	if got["high"].Quality != domain.QualityPreferred {
		t.Fatalf("expected high preferred, got %s", got["high"].Quality)
	}

	high.Priority = 0
	got = byUnit(Allocate([]domain.AssignmentUnit{low, high}, slots, nil, day))
	if got["low"].Quality != domain.QualityPreferred || got["high"].Quality != domain.QualityFallback {
		t.Fatalf("expected swapped outcome, got %+v", got)
	}
}

func TestAllocateSkipsRestrictedSlots(t *testing.T) {
	slots := []domain.TimeSlot{slot(540, 4, 0), slot(550, 4, 0)}
	rules := []domain.RestrictionRule{{
		ID:            "weekday-mornings",
		Category:      domain.RestrictionMemberClass,
		Type:          domain.RestrictionTime,
		MemberClasses: []string{"WEEKDAY"},
		StartMinutes:  540,
		EndMinutes:    545,
		IsActive:      true,
	}}
	u := unit("w", 1, 10, window(540, 560))
	u.RestrictionSubjects[0].MemberClass = "WEEKDAY"

	got := Allocate([]domain.AssignmentUnit{u}, slots, rules, day)
	if got[0].SlotOrEmpty() != domain.SlotID(day, 550) || got[0].Quality != domain.QualityPreferred {
		t.Fatalf("expected 09:10 preferred, got %s %s", got[0].SlotOrEmpty(), got[0].Quality)
	}
}

func TestClassify(t *testing.T) {
	u := unit("u", 1, 0, window(540, 600))
	alt := window(600, 660)
	u.AlternateWindow = &alt
	cases := map[int]domain.Quality{
		540: domain.QualityPreferred,
		599: domain.QualityPreferred,
		600: domain.QualityAlternate,
		700: domain.QualityFallback,
	}
	for start, want := range cases {
		if got := Classify(u, start); got != want {
			t.Fatalf("Classify(%d) = %s, want %s", start, got, want)
		}
	}
}

func TestSummarize(t *testing.T) {
	id := "s"
	s := Summarize([]domain.Assignment{
		{UnitID: "a", SlotID: &id, Quality: domain.QualityPreferred},
		{UnitID: "b", SlotID: &id, Quality: domain.QualityFallback},
		{UnitID: "c"},
	})
	if s.Preferred != 1 || s.Fallback != 1 || s.Unassigned != 1 || s.Alternate != 0 {
		t.Fatalf("unexpected summary %+v", s)
	}
}
