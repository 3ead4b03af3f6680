package restriction

import (
	"testing"
	"time"

	"teetime-lottery/internal/domain"
)

var saturday = time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

func weekdayMorningRule() domain.RestrictionRule {
	return domain.RestrictionRule{
		ID:            "r-weekday",
		Name:          "Weekday members before 10",
		Category:      domain.RestrictionMemberClass,
		Type:          domain.RestrictionTime,
		MemberClasses: []string{"WEEKDAY"},
		DaysOfWeek:    []time.Weekday{time.Saturday, time.Sunday},
		StartMinutes:  6 * 60,
		EndMinutes:    10 * 60,
		IsActive:      true,
		CanOverride:   true,
	}
}

func TestIsAllowed(t *testing.T) {
	weekday := domain.Participant{ID: "m1", Kind: domain.ParticipantMember, MemberClass: "WEEKDAY"}
	full := domain.Participant{ID: "m2", Kind: domain.ParticipantMember, MemberClass: "FULL"}
	guest := domain.Participant{ID: "g1", Kind: domain.ParticipantGuest}

	guestRule := domain.RestrictionRule{ID: "r-guest", Category: domain.RestrictionGuest, Type: domain.RestrictionTime, StartMinutes: 7 * 60, EndMinutes: 8 * 60, IsActive: true}
	inactive := weekdayMorningRule()
	inactive.ID = "r-inactive"
	inactive.IsActive = false
	frequency := weekdayMorningRule()
	frequency.ID = "r-frequency"
	frequency.Type = domain.RestrictionFrequency
	start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	dated := weekdayMorningRule()
	dated.ID = "r-dated"
	dated.StartDate = &start

	tests := []struct {
		name    string
		subject domain.Participant
		slot    int
		date    time.Time
		rules   []domain.RestrictionRule
		allowed bool
	}{
		{name: "restricted class inside window", subject: weekday, slot: 9 * 60, date: saturday, rules: []domain.RestrictionRule{weekdayMorningRule()}, allowed: false},
		{name: "end bound inclusive", subject: weekday, slot: 10 * 60, date: saturday, rules: []domain.RestrictionRule{weekdayMorningRule()}, allowed: false},
		{name: "after window", subject: weekday, slot: 10*60 + 10, date: saturday, rules: []domain.RestrictionRule{weekdayMorningRule()}, allowed: true},
		{name: "other class", subject: full, slot: 9 * 60, date: saturday, rules: []domain.RestrictionRule{weekdayMorningRule()}, allowed: true},
		{name: "other weekday", subject: weekday, slot: 9 * 60, date: saturday.AddDate(0, 0, 2), rules: []domain.RestrictionRule{weekdayMorningRule()}, allowed: true},
		{name: "inactive rule ignored", subject: weekday, slot: 9 * 60, date: saturday, rules: []domain.RestrictionRule{inactive}, allowed: true},
		{name: "frequency rule ignored", subject: weekday, slot: 9 * 60, date: saturday, rules: []domain.RestrictionRule{frequency}, allowed: true},
		{name: "outside date range", subject: weekday, slot: 9 * 60, date: saturday, rules: []domain.RestrictionRule{dated}, allowed: true},
		{name: "guest rule hits guest", subject: guest, slot: 7*60 + 30, date: saturday, rules: []domain.RestrictionRule{guestRule}, allowed: false},
		{name: "guest rule skips member", subject: full, slot: 7*60 + 30, date: saturday, rules: []domain.RestrictionRule{guestRule}, allowed: true},
		{name: "member rule skips guest", subject: guest, slot: 9 * 60, date: saturday, rules: []domain.RestrictionRule{weekdayMorningRule()}, allowed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, violated := IsAllowed(tt.subject, tt.slot, tt.date, tt.rules)
			if got != tt.allowed {
				t.Fatalf("IsAllowed() = %v, want %v (violated %v)", got, tt.allowed, violated)
			}
			if !got && len(violated) == 0 {
				t.Fatal("expected violated rules for a blocked subject")
			}
		})
	}
}

func TestCheckGroupAggregatesBlockedMembers(t *testing.T) {
	subjects := []domain.Participant{
		{ID: "m1", Kind: domain.ParticipantMember, MemberClass: "WEEKDAY"},
		{ID: "m2", Kind: domain.ParticipantMember, MemberClass: "FULL"},
		{ID: "m3", Kind: domain.ParticipantMember, MemberClass: "WEEKDAY"},
	}
	rule := weekdayMorningRule()
	rule.CanOverride = false
	v := Check(subjects, 9*60, saturday, []domain.RestrictionRule{rule})
	if v.Allowed {
		t.Fatal("expected group to be blocked")
	}
	if len(v.Blocked) != 2 || v.Blocked[0].Participant.ID != "m1" || v.Blocked[1].Participant.ID != "m3" {
		t.Fatalf("unexpected blocked members: %+v", v.Blocked)
	}
	if len(v.Violated()) != 1 {
		t.Fatalf("expected one unique violated rule, got %d", len(v.Violated()))
	}
	if v.Overridable() {
		t.Fatal("expected verdict to be non-overridable")
	}

	if v := Check(subjects[1:2], 9*60, saturday, []domain.RestrictionRule{rule}); !v.Allowed {
		t.Fatalf("expected unrestricted member to pass, got %+v", v)
	}
}
