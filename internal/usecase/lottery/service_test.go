package lottery

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"teetime-lottery/internal/adapters/memstore"
	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/usecase/finalize"
	"teetime-lottery/internal/usecase/reconcile"
)

var day = time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

type lockerStub struct {
	busy     bool
	acquired int
	released int
}

func (l *lockerStub) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	if l.busy {
		return nil, false, nil
	}
	l.acquired++
	return func() { l.released++ }, true, nil
}

type queueStub struct {
	jobs []domain.FinalizeJob
}

func (q *queueStub) Enqueue(_ context.Context, job domain.FinalizeJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *queueStub) Receive(ctx context.Context) (domain.FinalizeJob, domain.AckFunc, error) {
	<-ctx.Done()
	return domain.FinalizeJob{}, nil, ctx.Err()
}

func member(id, name string) domain.Participant {
	return domain.Participant{ID: id, Name: name, Kind: domain.ParticipantMember, MemberClass: "FULL"}
}

func newFixture(t *testing.T) (*Service, *memstore.Store, *lockerStub, *queueStub) {
	t.Helper()
	store := memstore.New()
	store.AddTeeSheet(domain.TeeSheetConfig{ID: "default", FirstTeeMinutes: 540, LastTeeMinutes: 560, IntervalMinutes: 10, MaxPerSlot: 4})
	window := domain.TimeWindow{StartMinutes: 540, EndMinutes: 560}
	created := day.AddDate(0, 0, -3)
	for _, e := range []domain.LotteryEntry{
		{ID: "alice", Date: day, Kind: domain.EntryKindIndividual, Participants: []domain.Participant{member("m-alice", "Alice")}, PreferredWindow: window, CreatedAt: created},
		{ID: "bob", Date: day, Kind: domain.EntryKindIndividual, Participants: []domain.Participant{member("m-bob", "Bob")}, PreferredWindow: window, CreatedAt: created},
	} {
		if err := store.AddEntry(e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	ctx := context.Background()
	_ = store.SaveProfile(ctx, domain.MemberSpeedProfile{MemberID: "m-alice", SpeedTier: domain.SpeedAverage, FairnessScore: 25})
	_ = store.SaveProfile(ctx, domain.MemberSpeedProfile{MemberID: "m-bob", SpeedTier: domain.SpeedAverage, FairnessScore: 10})

	locker := &lockerStub{}
	queue := &queueStub{}
	svc := NewService(Deps{
		Entries:   store,
		Slots:     store,
		Rules:     store,
		Profiles:  store,
		Drafts:    store,
		Finalizer: finalize.NewService(store, store, zerolog.Nop()),
		Registry:  reconcile.NewRegistry(time.Hour, zerolog.Nop()),
		Locker:    locker,
		Queue:     queue,
		Logger:    zerolog.Nop(),
	})
	return svc, store, locker, queue
}

func TestComputeAllocationPlacesAliceAndBobInPreferredSlot(t *testing.T) {
	svc, _, _, _ := newFixture(t)
	got, err := svc.ComputeAllocation(context.Background(), day)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(got.Assignments) != 2 || got.Assignments[0].UnitID != "alice" {
		t.Fatalf("unexpected order %+v", got.Assignments)
	}
	for _, a := range got.Assignments {
		if a.SlotOrEmpty() != "2026-10-17T09:00" || a.Quality != domain.QualityPreferred {
			t.Fatalf("unexpected assignment %+v", a)
		}
	}
	if got.Summary.Preferred != 2 {
		t.Fatalf("unexpected summary %+v", got.Summary)
	}
}

func TestReconcileSaveThenFinalizeUsesDraft(t *testing.T) {
	svc, store, locker, _ := newFixture(t)
	ctx := context.Background()

	session, err := svc.OpenReconciliation(ctx, day)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	again, _ := svc.OpenReconciliation(ctx, day)
	if again != session {
		t.Fatalf("expected the same session for the date")
	}
	target := "2026-10-17T09:20"
	if err := session.MoveUnit("bob", &target); err != nil {
		t.Fatalf("move: %v", err)
	}

	if _, err := svc.Finalize(ctx, day); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("finalize with unsaved changes must fail, got %v", err)
	}
	if _, err := session.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := svc.Finalize(ctx, day)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Committed != 2 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	slots := map[string]string{}
	for _, b := range store.Bookings(day) {
		slots[b.EntryID] = b.SlotID
	}
	if slots["bob"] != target || slots["alice"] != "2026-10-17T09:00" {
		t.Fatalf("bookings do not follow the saved draft: %+v", slots)
	}
	outcomes, _ := store.ListOutcomes(ctx, "2026-10")
	for _, o := range outcomes {
		if o.MemberID == "m-bob" && o.Quality != domain.QualityFallback {
			t.Fatalf("expected bob outcome FALLBACK, got %s", o.Quality)
		}
	}
	if locker.acquired != 1 || locker.released != 1 {
		t.Fatalf("expected one lock cycle, got %d/%d", locker.acquired, locker.released)
	}
	if _, ok := svc.Reconciliation(day); ok {
		t.Fatalf("session must be closed after finalize")
	}

	res, err = svc.Finalize(ctx, day)
	if err != nil || res.Committed != 0 {
		t.Fatalf("second finalize must be a no-op, got %+v %v", res, err)
	}
}

func TestFinalizeRespectsDateLock(t *testing.T) {
	svc, _, locker, _ := newFixture(t)
	locker.busy = true
	if _, err := svc.Finalize(context.Background(), day); !errors.Is(err, domain.ErrPersistenceConflict) {
		t.Fatalf("expected persistence conflict, got %v", err)
	}
}

func TestCancelAndUnassignTransitions(t *testing.T) {
	svc, _, _, _ := newFixture(t)
	ctx := context.Background()

	session, _ := svc.OpenReconciliation(ctx, day)
	if _, err := svc.CancelEntry(ctx, "bob"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(session.View().Assignments) != 1 {
		t.Fatalf("clean session must drop the cancelled entry")
	}
	if _, err := svc.CancelEntry(ctx, "bob"); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition for cancelled entry, got %v", err)
	}

	if _, err := svc.Finalize(ctx, day); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := svc.CancelEntry(ctx, "alice"); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition for assigned entry, got %v", err)
	}
	e, err := svc.UnassignEntry(ctx, "alice")
	if err != nil || e.Status != domain.EntryStatusPending {
		t.Fatalf("unassign: %+v %v", e, err)
	}
	if _, err := svc.UnassignEntry(ctx, "alice"); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition for pending entry, got %v", err)
	}
	if _, err := svc.CancelEntry(ctx, "missing"); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func assignmentOf(assignments []domain.Assignment, unitID string) (domain.Assignment, bool) {
	for _, a := range assignments {
		if a.UnitID == unitID {
			return a, true
		}
	}
	return domain.Assignment{}, false
}

func TestFinalizeRecordsMissForShutOutMembers(t *testing.T) {
	svc, store, _, _ := newFixture(t)
	ctx := context.Background()
	window := domain.TimeWindow{StartMinutes: 540, EndMinutes: 560}
	for g := 1; g <= 3; g++ {
		parts := make([]domain.Participant, 0, 4)
		for m := 1; m <= 4; m++ {
			id := fmt.Sprintf("m-g%d-%d", g, m)
			parts = append(parts, member(id, id))
			_ = store.SaveProfile(ctx, domain.MemberSpeedProfile{MemberID: id, SpeedTier: domain.SpeedAverage, FairnessScore: 40})
		}
		group := domain.LotteryEntry{
			ID: fmt.Sprintf("group-%d", g), Date: day, Kind: domain.EntryKindGroup,
			Participants: parts, PreferredWindow: window, CreatedAt: day.AddDate(0, 0, -5),
		}
		if err := store.AddEntry(group); err != nil {
			t.Fatalf("seed group: %v", err)
		}
	}

	res, err := svc.Finalize(ctx, day)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Committed != 3 || res.Unassigned != 2 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	outcomes, _ := store.ListOutcomes(ctx, "2026-10")
	got := map[string]domain.Quality{}
	for _, o := range outcomes {
		got[o.MemberID] = o.Quality
	}
	if len(outcomes) != 14 || got["m-alice"] != domain.QualityUnassigned || got["m-bob"] != domain.QualityUnassigned {
		t.Fatalf("shut-out members must get a miss, got %d outcomes %v", len(outcomes), got)
	}
}

func TestUnassignedEntryIsNotRestoredFromDraft(t *testing.T) {
	svc, store, _, _ := newFixture(t)
	ctx := context.Background()

	if _, err := svc.OpenReconciliation(ctx, day); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := svc.Finalize(ctx, day); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := svc.UnassignEntry(ctx, "alice"); err != nil {
		t.Fatalf("unassign: %v", err)
	}

	draft, ok, err := store.LoadDraft(ctx, day)
	if err != nil || !ok {
		t.Fatalf("load draft: %v %v", ok, err)
	}
	if a, found := assignmentOf(draft, "alice"); found && a.Assigned() {
		t.Fatalf("committed entry must leave the draft, got %+v", a)
	}
	current, _, err := svc.CurrentAllocation(ctx, day)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if a, _ := assignmentOf(current.Assignments, "alice"); a.Assigned() {
		t.Fatalf("unassigned entry must not regain its old slot, got %+v", a)
	}

	fresh, err := svc.Reallocate(ctx, day)
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	a, _ := assignmentOf(fresh.Assignments, "alice")
	if a.SlotOrEmpty() != "2026-10-17T09:00" || a.Quality != domain.QualityPreferred {
		t.Fatalf("reallocate must place alice again, got %+v", a)
	}
	if _, ok := assignmentOf(fresh.Assignments, "bob"); ok {
		t.Fatalf("assigned bob must not appear in the fresh allocation")
	}
}

func TestReallocatePlacesEntriesAddedAfterOpen(t *testing.T) {
	svc, store, _, _ := newFixture(t)
	ctx := context.Background()

	session, err := svc.OpenReconciliation(ctx, day)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	carl := domain.LotteryEntry{
		ID: "carl", Date: day, Kind: domain.EntryKindIndividual,
		Participants:    []domain.Participant{member("m-carl", "Carl")},
		PreferredWindow: domain.TimeWindow{StartMinutes: 550, EndMinutes: 560},
		CreatedAt:       day.AddDate(0, 0, -1),
	}
	if err := store.AddEntry(carl); err != nil {
		t.Fatalf("seed carl: %v", err)
	}
	if err := session.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if a, _ := assignmentOf(session.View().Assignments, "carl"); a.Assigned() {
		t.Fatalf("draft reload must not place carl by itself, got %+v", a)
	}

	target := "2026-10-17T09:20"
	if err := session.MoveUnit("bob", &target); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := svc.Reallocate(ctx, day); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("reallocate with unsaved changes must fail, got %v", err)
	}
	if err := session.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if _, err := svc.Reallocate(ctx, day); err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	a, _ := assignmentOf(session.View().Assignments, "carl")
	if a.SlotOrEmpty() != "2026-10-17T09:10" || a.Quality != domain.QualityPreferred {
		t.Fatalf("clean session must show carl placed, got %+v", a)
	}
	if session.State() != reconcile.StateClean {
		t.Fatalf("session must stay clean, got %s", session.State())
	}
}

func TestFinalizeAsyncClosesSession(t *testing.T) {
	svc, _, _, _ := newFixture(t)
	ctx := context.Background()
	if _, err := svc.OpenReconciliation(ctx, day); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := svc.FinalizeAsync(ctx, day, "admin", ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok := svc.Reconciliation(day); ok {
		t.Fatalf("session must be closed once finalize is queued")
	}
}

func TestFinalizeAsyncEnqueuesJob(t *testing.T) {
	svc, _, _, queue := newFixture(t)
	job, err := svc.FinalizeAsync(context.Background(), day, "admin", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].Date != "2026-10-17" || job.ID == "" || job.Cause != domain.FinalizeCauseManual {
		t.Fatalf("unexpected job %+v", queue.jobs)
	}
}

func TestExportCSV(t *testing.T) {
	svc, _, _, _ := newFixture(t)
	var buf bytes.Buffer
	if err := svc.ExportCSV(context.Background(), day, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "entry_id" {
		t.Fatalf("unexpected rows %v", rows)
	}
	if rows[1][0] != "alice" || rows[1][2] != "Alice" || rows[1][8] != "09:00" || rows[1][9] != "PREFERRED" {
		t.Fatalf("unexpected alice row %v", rows[1])
	}
}
