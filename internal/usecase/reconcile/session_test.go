package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"teetime-lottery/internal/domain"
)

var day = time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

type applierStub struct {
	calls  [][]domain.PendingChange
	result domain.ApplyResult
	err    error
}

func (a *applierStub) ApplyPendingChanges(_ context.Context, _ time.Time, changes []domain.PendingChange) (domain.ApplyResult, error) {
	a.calls = append(a.calls, changes)
	if a.err != nil {
		return domain.ApplyResult{}, a.err
	}
	return a.result, nil
}

func slotID(start int) string { return domain.SlotID(day, start) }

func ptr(s string) *string { return &s }

func unit(id string, size int, class string) domain.AssignmentUnit {
	subjects := make([]domain.RestrictionSubject, size)
	for i := range subjects {
		subjects[i] = domain.Participant{ID: id + "-" + string(rune('a'+i)), Kind: domain.ParticipantMember, MemberClass: class}
	}
	return domain.AssignmentUnit{
		UnitID:              id,
		Size:                size,
		SpeedTier:           domain.SpeedAverage,
		PreferredWindow:     domain.TimeWindow{StartMinutes: 540, EndMinutes: 560},
		RestrictionSubjects: subjects,
	}
}

func snapshot() Snapshot {
	return Snapshot{
		Units: []domain.AssignmentUnit{unit("a", 2, "FULL"), unit("b", 3, "FULL"), unit("w", 1, "WEEKDAY")},
		Slots: []domain.TimeSlot{
			{ID: slotID(540), Date: day, StartMinutes: 540, EndMinutes: 550, Capacity: 4},
			{ID: slotID(550), Date: day, StartMinutes: 550, EndMinutes: 560, Capacity: 4},
			{ID: slotID(600), Date: day, StartMinutes: 600, EndMinutes: 610, Capacity: 4, Occupied: 1},
		},
		Rules: []domain.RestrictionRule{{
			ID: "weekday-am", Name: "Weekday members not before 09:05", Category: domain.RestrictionMemberClass,
			Type: domain.RestrictionTime, MemberClasses: []string{"WEEKDAY"}, StartMinutes: 540, EndMinutes: 545,
			IsActive: true, CanOverride: true,
		}},
		Assignments: []domain.Assignment{
			{UnitID: "a", SlotID: ptr(slotID(540)), Quality: domain.QualityPreferred},
			{UnitID: "b", SlotID: ptr(slotID(550)), Quality: domain.QualityPreferred},
			{UnitID: "w", SlotID: ptr(slotID(600)), Quality: domain.QualityFallback},
		},
	}
}

func newSession(applier ChangeApplier) *Session {
	return NewSession(day, snapshot(), func(context.Context, time.Time) (Snapshot, error) { return snapshot(), nil }, applier)
}

func assignmentOf(v View, unitID string) domain.Assignment {
	for _, a := range v.Assignments {
		if a.UnitID == unitID {
			return a
		}
	}
	return domain.Assignment{}
}

func TestMoveRejectsOverCapacity(t *testing.T) {
	s := newSession(&applierStub{})
	err := s.MoveUnit("b", ptr(slotID(540)))
	var capErr *domain.CapacityError
	if !errors.As(err, &capErr) || !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if capErr.Occupied != 2 || capErr.Requested != 3 {
		t.Fatalf("unexpected detail %+v", capErr)
	}
	if v := s.View(); v.State != StateClean || v.Version != 0 {
		t.Fatalf("session changed after rejected move: %s v%d", v.State, v.Version)
	}
}

func TestMoveBackToPersistedSlotClearsPendingChange(t *testing.T) {
	s := newSession(&applierStub{})
	if err := s.MoveUnit("a", ptr(slotID(600))); err != nil {
		t.Fatalf("move: %v", err)
	}
	v := s.View()
	if v.State != StateDirty || len(v.PendingChanges) != 1 || !assignmentOf(v, "a").HasPendingChange {
		t.Fatalf("expected one pending change, got %+v", v.PendingChanges)
	}
	if q := assignmentOf(v, "a").Quality; q != domain.QualityFallback {
		t.Fatalf("expected FALLBACK after move, got %s", q)
	}
	if err := s.MoveUnit("a", ptr(slotID(540))); err != nil {
		t.Fatalf("move back: %v", err)
	}
	v = s.View()
	if v.State != StateClean || len(v.PendingChanges) != 0 || v.Version != 2 {
		t.Fatalf("expected clean v2, got %s v%d %+v", v.State, v.Version, v.PendingChanges)
	}
	if err := s.MoveUnit("a", ptr(slotID(540))); err != nil || s.View().Version != 2 {
		t.Fatalf("move to current slot must be a no-op")
	}
}

func TestMoveUnknownUnitOrSlot(t *testing.T) {
	s := newSession(&applierStub{})
	if err := s.MoveUnit("zzz", nil); !errors.Is(err, domain.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
	if err := s.MoveUnit("a", ptr("nope")); !errors.Is(err, domain.ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestRestrictedMoveNeedsConfirmationAndIsSaved(t *testing.T) {
	applier := &applierStub{result: domain.ApplyResult{Success: true}}
	s := newSession(applier)
	if err := s.MoveUnit("a", ptr(slotID(550))); err == nil {
		t.Fatalf("expected capacity error for a into 09:10")
	}
	if err := s.MoveUnit("a", ptr(slotID(600))); err != nil {
		t.Fatalf("move a: %v", err)
	}

	err := s.MoveUnit("w", ptr(slotID(540)))
	var violation *domain.RestrictionViolationError
	if !errors.As(err, &violation) || !errors.Is(err, domain.ErrRestrictionViolation) {
		t.Fatalf("expected restriction violation, got %v", err)
	}
	if len(violation.Rules()) != 1 || violation.Rules()[0].ID != "weekday-am" {
		t.Fatalf("unexpected rules %+v", violation.Rules())
	}
	if len(violation.Blocked) != 1 || violation.Blocked[0].Participant.ID != "w-a" {
		t.Fatalf("unexpected blocked %+v", violation.Blocked)
	}
	if violation.Token == "" || !violation.Overridable {
		t.Fatalf("expected overridable violation with token")
	}
	if assignmentOf(s.View(), "w").SlotOrEmpty() != slotID(600) {
		t.Fatalf("violating move must not apply before confirmation")
	}

	if err := s.ConfirmOverride(violation.Token); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := s.ConfirmOverride(violation.Token); !errors.Is(err, domain.ErrOverrideNotFound) {
		t.Fatalf("token must be single use, got %v", err)
	}
	if got := assignmentOf(s.View(), "w").SlotOrEmpty(); got != slotID(540) {
		t.Fatalf("expected w in 09:00 after confirmation, got %s", got)
	}

	if _, err := s.Save(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(applier.calls) != 1 {
		t.Fatalf("expected one batch, got %d", len(applier.calls))
	}
	changes := map[string]string{}
	for _, c := range applier.calls[0] {
		if c.TargetSlotID != nil {
			changes[c.UnitID] = *c.TargetSlotID
		}
	}
	if changes["w"] != slotID(540) || changes["a"] != slotID(600) || len(changes) != 2 {
		t.Fatalf("unexpected saved changes %+v", changes)
	}
	if v := s.View(); v.State != StateClean || len(v.PendingChanges) != 0 {
		t.Fatalf("expected clean after save, got %s", v.State)
	}
}

func TestNonOverridableViolationHasNoToken(t *testing.T) {
	snap := snapshot()
	snap.Rules[0].CanOverride = false
	snap.Assignments[0].SlotID = ptr(slotID(600))
	s := NewSession(day, snap, nil, &applierStub{})
	err := s.MoveUnit("w", ptr(slotID(540)))
	var violation *domain.RestrictionViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if violation.Token != "" || violation.Overridable {
		t.Fatalf("non-overridable violation must not issue a token")
	}
}

func TestCancelOverrideLeavesSessionUnchanged(t *testing.T) {
	s := newSession(&applierStub{})
	_ = s.MoveUnit("a", ptr(slotID(600)))
	before := s.View()
	err := s.MoveUnit("w", ptr(slotID(540)))
	var violation *domain.RestrictionViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if err := s.CancelOverride(violation.Token); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after := s.View()
	if after.Version != before.Version || len(after.PendingChanges) != len(before.PendingChanges) {
		t.Fatalf("cancel changed the session")
	}
	if err := s.ConfirmOverride(violation.Token); !errors.Is(err, domain.ErrOverrideNotFound) {
		t.Fatalf("cancelled token must be gone, got %v", err)
	}
}

func TestAcceptedChangeInvalidatesTokens(t *testing.T) {
	s := newSession(&applierStub{})
	_ = s.MoveUnit("a", ptr(slotID(600)))
	err := s.MoveUnit("w", ptr(slotID(540)))
	var violation *domain.RestrictionViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if err := s.MoveUnit("b", nil); err != nil {
		t.Fatalf("unassign b: %v", err)
	}
	if err := s.ConfirmOverride(violation.Token); !errors.Is(err, domain.ErrOverrideNotFound) {
		t.Fatalf("stale token must be rejected, got %v", err)
	}
}

func TestSwapIsAtomic(t *testing.T) {
	s := newSession(&applierStub{})
	// a (2) в 09:00, b (3) в 09:10, w (1) в 10:00 при занятом месте.
	if err := s.SwapUnits("a", "b"); err != nil {
		t.Fatalf("swap a/b: %v", err)
	}
	v := s.View()
	if assignmentOf(v, "a").SlotOrEmpty() != slotID(550) || assignmentOf(v, "b").SlotOrEmpty() != slotID(540) {
		t.Fatalf("swap not applied: %+v", v.Assignments)
	}

	// b (3) в 10:00: 1 занято + 3 = 4, допустимо; w (1) в 09:00 нарушает ограничение.
	err := s.SwapUnits("b", "w")
	var violation *domain.RestrictionViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	v2 := s.View()
	if assignmentOf(v2, "b").SlotOrEmpty() != slotID(540) || assignmentOf(v2, "w").SlotOrEmpty() != slotID(600) {
		t.Fatalf("rejected swap moved a side: %+v", v2.Assignments)
	}
	if err := s.ConfirmOverride(violation.Token); err != nil {
		t.Fatalf("confirm swap: %v", err)
	}
	v3 := s.View()
	if assignmentOf(v3, "b").SlotOrEmpty() != slotID(600) || assignmentOf(v3, "w").SlotOrEmpty() != slotID(540) {
		t.Fatalf("confirmed swap not applied: %+v", v3.Assignments)
	}
}

func TestSwapRejectsCapacityOnEitherSide(t *testing.T) {
	snap := snapshot()
	snap.Slots[2].Occupied = 2
	s := NewSession(day, snap, nil, &applierStub{})
	// b (3) не помещается в 10:00 (2 занято), обмен не выполняется целиком.
	if err := s.SwapUnits("b", "w"); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	v := s.View()
	if assignmentOf(v, "b").SlotOrEmpty() != slotID(550) || assignmentOf(v, "w").SlotOrEmpty() != slotID(600) || v.Version != 0 {
		t.Fatalf("swap partially applied: %+v", v.Assignments)
	}
}

func TestSaveFailureKeepsSessionDirty(t *testing.T) {
	applier := &applierStub{err: errors.New("db down")}
	s := newSession(applier)
	_ = s.MoveUnit("a", ptr(slotID(600)))
	before := s.View()
	if _, err := s.Save(context.Background()); err == nil {
		t.Fatalf("expected save error")
	}
	after := s.View()
	if after.State != StateDirty || after.Version != before.Version || len(after.PendingChanges) != 1 {
		t.Fatalf("failed save modified the session: %s v%d", after.State, after.Version)
	}

	applier.err = nil
	applier.result = domain.ApplyResult{Errors: []domain.UnitError{{UnitID: "a", Err: domain.ErrCapacityExceeded}}}
	if _, err := s.Save(context.Background()); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected unit error to surface, got %v", err)
	}
	if s.State() != StateDirty {
		t.Fatalf("rejected batch must keep session dirty")
	}
}

func TestResetReloadsPersistedTruth(t *testing.T) {
	s := newSession(&applierStub{})
	_ = s.MoveUnit("a", ptr(slotID(600)))
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	v := s.View()
	if v.State != StateClean || len(v.PendingChanges) != 0 || v.Version != 2 {
		t.Fatalf("unexpected state after reset: %s v%d", v.State, v.Version)
	}
	if assignmentOf(v, "a").SlotOrEmpty() != slotID(540) {
		t.Fatalf("reset did not restore baseline")
	}
}

func TestViewReportsOccupancy(t *testing.T) {
	v := newSession(&applierStub{}).View()
	if len(v.Slots) != 3 {
		t.Fatalf("expected 3 slots")
	}
	if v.Slots[0].Assigned != 2 || v.Slots[0].Free != 2 {
		t.Fatalf("unexpected 09:00 load %+v", v.Slots[0])
	}
	if v.Slots[2].Assigned != 1 || v.Slots[2].Free != 2 {
		t.Fatalf("unexpected 10:00 load %+v", v.Slots[2])
	}
}

func TestRegistrySweepsIdleSessions(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(time.Hour, zerolog.Nop())
	reg.now = func() time.Time { return now }

	opened := 0
	open := func(context.Context) (*Session, error) {
		opened++
		return NewSession(day, snapshot(), nil, &applierStub{}, WithClock(func() time.Time { return now })), nil
	}
	s1, created, err := reg.Open(context.Background(), day, open)
	if err != nil || !created {
		t.Fatalf("open: %v", err)
	}
	s2, created, _ := reg.Open(context.Background(), day.Add(5*time.Hour), open)
	if created || s1 != s2 || opened != 1 {
		t.Fatalf("expected the same session for the same date")
	}

	now = now.Add(30 * time.Minute)
	if n := reg.Sweep(); n != 0 {
		t.Fatalf("session swept too early")
	}
	now = now.Add(2 * time.Hour)
	if n := reg.Sweep(); n != 1 {
		t.Fatalf("expected idle session swept, got %d", n)
	}
	if _, ok := reg.Get(day); ok {
		t.Fatalf("session still registered")
	}
}
