package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/metrics"
)

const draftLockPrefix = "lottery_draft:"

// lockDraft сериализует правки черновика даты advisory-блокировкой транзакции.
func lockDraft(ctx context.Context, tx pgx.Tx, day time.Time) error {
	start := time.Now()
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, draftLockPrefix+day.Format(domain.DateLayout))
	metrics.ObserveNetworkRequest("postgres", "advisory_lock", "lottery_drafts", start, err)
	return err
}

func ensureDraftRow(ctx context.Context, tx pgx.Tx, day time.Time) error {
	start := time.Now()
	_, err := tx.Exec(ctx, `
INSERT INTO lottery_drafts (draft_date, saved_at)
VALUES ($1, now())
ON CONFLICT (draft_date) DO UPDATE SET saved_at = now()
`, day)
	metrics.ObserveNetworkRequest("postgres", "lottery_drafts_upsert", "lottery_drafts", start, err)
	return err
}

// LoadDraft реализует domain.DraftStore.
func (p *Postgres) LoadDraft(ctx context.Context, date time.Time) ([]domain.Assignment, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	day := domain.NormalizeDate(date)
	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lottery_drafts WHERE draft_date = $1)`, day).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "lottery_drafts_exists", "lottery_drafts", start, err)
	if err != nil || !exists {
		return nil, false, err
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT e.id, d.slot_id
FROM lottery_entries e
LEFT JOIN lottery_draft_assignments d ON d.entry_id = e.id AND d.draft_date = $1
WHERE e.entry_date = $1 AND e.status = 'PENDING'
ORDER BY e.created_at, e.id
`, day)
	metrics.ObserveNetworkRequest("postgres", "lottery_draft_assignments_list", "lottery_draft_assignments", start, err)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.UnitID, &a.SlotID); err != nil {
			return nil, false, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// SaveDraft реализует domain.DraftStore.
func (p *Postgres) SaveDraft(ctx context.Context, date time.Time, assignments []domain.Assignment) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	day := domain.NormalizeDate(date)
	tx, err := p.begin(ctx, "lottery_drafts")
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockDraft(ctx, tx, day); err != nil {
		return err
	}
	if err := ensureDraftRow(ctx, tx, day); err != nil {
		return err
	}
	start := time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM lottery_draft_assignments WHERE draft_date = $1`, day)
	metrics.ObserveNetworkRequest("postgres", "lottery_draft_assignments_delete", "lottery_draft_assignments", start, err)
	if err != nil {
		return err
	}

	entries := make([]string, 0, len(assignments))
	slots := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if !a.Assigned() {
			continue
		}
		entries = append(entries, a.UnitID)
		slots = append(slots, *a.SlotID)
	}
	if len(entries) > 0 {
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO lottery_draft_assignments (draft_date, entry_id, slot_id)
SELECT $1::date, t.entry_id, t.slot_id
FROM unnest($2::text[], $3::text[]) AS t(entry_id, slot_id)
`, day, entries, slots)
		metrics.ObserveNetworkRequest("postgres", "lottery_draft_assignments_insert", "lottery_draft_assignments", start, err)
		if err != nil {
			return err
		}
	}
	return commit(ctx, tx, "lottery_drafts")
}

// ApplyPendingChanges применяет ручные правки в одной транзакции: либо все, либо ни одной.
func (p *Postgres) ApplyPendingChanges(ctx context.Context, date time.Time, changes []domain.PendingChange) (domain.ApplyResult, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	day := domain.NormalizeDate(date)
	tx, err := p.begin(ctx, "lottery_drafts")
	if err != nil {
		return domain.ApplyResult{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockDraft(ctx, tx, day); err != nil {
		return domain.ApplyResult{}, err
	}
	if err := p.ensureSlots(ctx, tx, day); err != nil {
		return domain.ApplyResult{}, err
	}
	slots, err := p.listSlots(ctx, tx, day)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	slotByID := make(map[string]domain.TimeSlot, len(slots))
	for _, s := range slots {
		slotByID[s.ID] = s
	}

	var (
		unitErrors []domain.UnitError
		touched    = make(map[string]struct{})
	)
	for _, ch := range changes {
		var (
			status    domain.EntryStatus
			entryDate time.Time
		)
		start := time.Now()
		err := tx.QueryRow(ctx, `SELECT status, entry_date FROM lottery_entries WHERE id = $1`, ch.UnitID).Scan(&status, &entryDate)
		metrics.ObserveNetworkRequest("postgres", "lottery_entries_get", "lottery_entries", start, err)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			unitErrors = append(unitErrors, domain.UnitError{UnitID: ch.UnitID, Err: fmt.Errorf("%s: %w", ch.UnitID, domain.ErrEntryNotFound)})
			continue
		case err != nil:
			return domain.ApplyResult{}, err
		}
		if status != domain.EntryStatusPending || !domain.NormalizeDate(entryDate).Equal(day) {
			unitErrors = append(unitErrors, domain.UnitError{UnitID: ch.UnitID, Err: &domain.StateTransitionError{Entity: "entry", ID: ch.UnitID, From: string(status), To: "DRAFT", Reason: "entry is not pending for this date"}})
			continue
		}

		if ch.TargetSlotID == nil {
			start = time.Now()
			_, err = tx.Exec(ctx, `DELETE FROM lottery_draft_assignments WHERE draft_date = $1 AND entry_id = $2`, day, ch.UnitID)
			metrics.ObserveNetworkRequest("postgres", "lottery_draft_assignments_delete", "lottery_draft_assignments", start, err)
			if err != nil {
				return domain.ApplyResult{}, err
			}
			continue
		}
		target := *ch.TargetSlotID
		if _, ok := slotByID[target]; !ok {
			unitErrors = append(unitErrors, domain.UnitError{UnitID: ch.UnitID, SlotID: target, Err: fmt.Errorf("%s: %w", target, domain.ErrSlotNotFound)})
			continue
		}
		if err := ensureDraftRow(ctx, tx, day); err != nil {
			return domain.ApplyResult{}, err
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO lottery_draft_assignments (draft_date, entry_id, slot_id)
VALUES ($1, $2, $3)
ON CONFLICT (draft_date, entry_id) DO UPDATE SET slot_id = EXCLUDED.slot_id
`, day, ch.UnitID, target)
		metrics.ObserveNetworkRequest("postgres", "lottery_draft_assignments_upsert", "lottery_draft_assignments", start, err)
		if err != nil {
			return domain.ApplyResult{}, err
		}
		touched[target] = struct{}{}
	}

	if len(unitErrors) == 0 && len(touched) > 0 {
		loads, err := draftLoads(ctx, tx, day)
		if err != nil {
			return domain.ApplyResult{}, err
		}
		for _, s := range slots {
			if _, ok := touched[s.ID]; !ok {
				continue
			}
			if s.Occupied+loads[s.ID] > s.Capacity {
				unitErrors = append(unitErrors, domain.UnitError{SlotID: s.ID, Err: &domain.CapacityError{SlotID: s.ID, Capacity: s.Capacity, Occupied: s.Occupied, Requested: loads[s.ID]}})
			}
		}
	}
	if len(unitErrors) > 0 {
		return domain.ApplyResult{Success: false, Errors: unitErrors}, nil
	}
	if err := commit(ctx, tx, "lottery_drafts"); err != nil {
		return domain.ApplyResult{}, err
	}
	return domain.ApplyResult{Success: true}, nil
}

// draftLoads считает участников PENDING-заявок черновика по слотам.
func draftLoads(ctx context.Context, tx pgx.Tx, day time.Time) (map[string]int, error) {
	start := time.Now()
	rows, err := tx.Query(ctx, `
SELECT d.slot_id, COUNT(p.participant_id)
FROM lottery_draft_assignments d
JOIN lottery_entries e ON e.id = d.entry_id AND e.status = 'PENDING'
JOIN lottery_participants p ON p.entry_id = d.entry_id
WHERE d.draft_date = $1
GROUP BY d.slot_id
`, day)
	metrics.ObserveNetworkRequest("postgres", "lottery_draft_loads", "lottery_draft_assignments", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			slotID string
			load   int
		)
		if err := rows.Scan(&slotID, &load); err != nil {
			return nil, err
		}
		out[slotID] = load
	}
	return out, rows.Err()
}

// CommitAssignment фиксирует назначение: бронирования, статус заявки и итог справедливости.
func (p *Postgres) CommitAssignment(ctx context.Context, req domain.CommitRequest) (domain.CommitOutcome, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	tx, err := p.begin(ctx, "bookings")
	if err != nil {
		return domain.CommitOutcome{}, err
	}
	defer tx.Rollback(ctx)

	status, entryDate, err := p.lockEntry(ctx, tx, req.EntryID)
	if err != nil {
		return domain.CommitOutcome{}, err
	}
	switch status {
	case domain.EntryStatusAssigned:
		return domain.CommitOutcome{Skipped: true}, nil
	case domain.EntryStatusCancelled:
		return domain.CommitOutcome{}, &domain.StateTransitionError{Entity: "entry", ID: req.EntryID, From: string(status), To: string(domain.EntryStatusAssigned)}
	}

	entry, err := p.getEntry(ctx, tx, req.EntryID)
	if err != nil {
		return domain.CommitOutcome{}, err
	}
	if err := p.ensureSlots(ctx, tx, entryDate); err != nil {
		return domain.CommitOutcome{}, err
	}

	var capacity int
	start := time.Now()
	err = tx.QueryRow(ctx, `SELECT capacity FROM tee_slots WHERE id = $1 AND slot_date = $2 FOR UPDATE`, req.SlotID, entryDate).Scan(&capacity)
	metrics.ObserveNetworkRequest("postgres", "tee_slots_get_for_update", "tee_slots", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CommitOutcome{}, fmt.Errorf("%s: %w", req.SlotID, domain.ErrSlotNotFound)
	}
	if err != nil {
		return domain.CommitOutcome{}, err
	}

	var occupied int
	start = time.Now()
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM bookings WHERE slot_id = $1`, req.SlotID).Scan(&occupied)
	metrics.ObserveNetworkRequest("postgres", "bookings_count", "bookings", start, err)
	if err != nil {
		return domain.CommitOutcome{}, err
	}
	if occupied+entry.Size() > capacity {
		return domain.CommitOutcome{}, &domain.PersistenceConflictError{
			EntryID: req.EntryID,
			SlotID:  req.SlotID,
			Cause:   &domain.CapacityError{SlotID: req.SlotID, Capacity: capacity, Occupied: occupied, Requested: entry.Size()},
		}
	}

	now := time.Now().UTC()
	bookings := make([]domain.Booking, 0, entry.Size())
	for _, part := range entry.Participants {
		b := domain.Booking{
			ID:            uuid.NewString(),
			SlotID:        req.SlotID,
			Date:          entryDate,
			ParticipantID: part.ID,
			EntryID:       req.EntryID,
			CreatedAt:     now,
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO bookings (id, slot_id, booking_date, participant_id, entry_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, b.ID, b.SlotID, b.Date, b.ParticipantID, b.EntryID, b.CreatedAt)
		metrics.ObserveNetworkRequest("postgres", "bookings_insert", "bookings", start, err)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.CommitOutcome{}, &domain.PersistenceConflictError{EntryID: req.EntryID, SlotID: req.SlotID, Cause: err}
			}
			return domain.CommitOutcome{}, err
		}
		bookings = append(bookings, b)
	}

	if err := p.setEntryStatus(ctx, tx, req.EntryID, domain.EntryStatusAssigned); err != nil {
		return domain.CommitOutcome{}, err
	}

	members := entry.MemberIDs()
	if len(members) > 0 {
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO fairness_outcomes (member_id, entry_id, period, quality, recorded_at)
SELECT m, $2::text, $3::text, $4::text, $5::timestamptz
FROM unnest($1::text[]) AS m
ON CONFLICT (member_id, entry_id) DO UPDATE
SET period = EXCLUDED.period, quality = EXCLUDED.quality, recorded_at = EXCLUDED.recorded_at
`, members, req.EntryID, domain.PeriodOf(entryDate), req.Quality, now)
		metrics.ObserveNetworkRequest("postgres", "fairness_outcomes_insert", "fairness_outcomes", start, err)
		if err != nil {
			return domain.CommitOutcome{}, err
		}
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM lottery_draft_assignments WHERE entry_id = $1`, req.EntryID)
	metrics.ObserveNetworkRequest("postgres", "lottery_draft_assignments_delete", "lottery_draft_assignments", start, err)
	if err != nil {
		return domain.CommitOutcome{}, err
	}

	if err := commit(ctx, tx, "bookings"); err != nil {
		if isUniqueViolation(err) {
			return domain.CommitOutcome{}, &domain.PersistenceConflictError{EntryID: req.EntryID, SlotID: req.SlotID, Cause: err}
		}
		return domain.CommitOutcome{}, err
	}
	return domain.CommitOutcome{Bookings: bookings}, nil
}

// RecordMiss реализует domain.BookingSink. Промах пишется, только пока заявка PENDING.
func (p *Postgres) RecordMiss(ctx context.Context, entryID string) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	entry, err := p.getEntry(ctx, p.pool, entryID)
	if err != nil {
		return 0, err
	}
	members := entry.MemberIDs()
	if entry.Status != domain.EntryStatusPending || len(members) == 0 {
		return 0, nil
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO fairness_outcomes (member_id, entry_id, period, quality, recorded_at)
SELECT m, e.id, $3::text, $4::text, now()
FROM unnest($1::text[]) AS m
CROSS JOIN lottery_entries e
WHERE e.id = $2 AND e.status = 'PENDING'
ON CONFLICT (member_id, entry_id) DO NOTHING
`, members, entryID, domain.PeriodOf(entry.Date), domain.QualityUnassigned)
	metrics.ObserveNetworkRequest("postgres", "fairness_outcomes_miss", "fairness_outcomes", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
