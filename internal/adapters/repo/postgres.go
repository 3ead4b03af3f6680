package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/metrics"
	"teetime-lottery/internal/usecase/teesheet"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.EntryRepo             = (*Postgres)(nil)
	_ domain.SlotSource            = (*Postgres)(nil)
	_ domain.TeeSheetSource        = (*Postgres)(nil)
	_ domain.RestrictionRuleSource = (*Postgres)(nil)
	_ domain.ProfileRepo           = (*Postgres)(nil)
	_ domain.PaceSource            = (*Postgres)(nil)
	_ domain.FairnessLedger        = (*Postgres)(nil)
	_ domain.DraftStore            = (*Postgres)(nil)
	_ domain.BookingSink           = (*Postgres)(nil)
	_ domain.FinalizeJobStatusRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// querier объединяет пул и транзакцию.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func (p *Postgres) begin(ctx context.Context, target string) (pgx.Tx, error) {
	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", target, start, err)
	return tx, err
}

func commit(ctx context.Context, tx pgx.Tx, target string) error {
	start := time.Now()
	err := tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", target, start, err)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ListEntries реализует domain.EntryRepo.
func (p *Postgres) ListEntries(ctx context.Context, date time.Time) ([]domain.LotteryEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return p.listEntries(ctx, p.pool, `entry_date = $1`, domain.NormalizeDate(date))
}

// GetEntry реализует domain.EntryRepo.
func (p *Postgres) GetEntry(ctx context.Context, entryID string) (domain.LotteryEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return p.getEntry(ctx, p.pool, entryID)
}

func (p *Postgres) getEntry(ctx context.Context, q querier, entryID string) (domain.LotteryEntry, error) {
	entries, err := p.listEntries(ctx, q, `id = $1`, entryID)
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	if len(entries) == 0 {
		return domain.LotteryEntry{}, fmt.Errorf("%s: %w", entryID, domain.ErrEntryNotFound)
	}
	return entries[0], nil
}

func (p *Postgres) listEntries(ctx context.Context, q querier, where string, arg any) ([]domain.LotteryEntry, error) {
	start := time.Now()
	rows, err := q.Query(ctx, `
SELECT id, entry_date, kind, status, preferred_window, alternate_window, created_at
FROM lottery_entries
WHERE `+where+`
ORDER BY created_at, id
`, arg)
	metrics.ObserveNetworkRequest("postgres", "lottery_entries_list", "lottery_entries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		entries []domain.LotteryEntry
		ids     []string
	)
	for rows.Next() {
		var (
			e         domain.LotteryEntry
			preferred string
			alternate sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Date, &e.Kind, &e.Status, &preferred, &alternate, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.PreferredWindow, err = domain.ResolveWindow(preferred); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		if alternate.Valid && alternate.String != "" {
			w, err := domain.ResolveWindow(alternate.String)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", e.ID, err)
			}
			e.AlternateWindow = &w
		}
		e.Date = domain.NormalizeDate(e.Date)
		entries = append(entries, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	start = time.Now()
	prows, err := q.Query(ctx, `
SELECT entry_id, participant_id, name, kind, member_class
FROM lottery_participants
WHERE entry_id = ANY($1)
ORDER BY entry_id, position
`, ids)
	metrics.ObserveNetworkRequest("postgres", "lottery_participants_list", "lottery_participants", start, err)
	if err != nil {
		return nil, err
	}
	defer prows.Close()

	byEntry := make(map[string][]domain.Participant, len(entries))
	for prows.Next() {
		var (
			entryID string
			part    domain.Participant
		)
		if err := prows.Scan(&entryID, &part.ID, &part.Name, &part.Kind, &part.MemberClass); err != nil {
			return nil, err
		}
		byEntry[entryID] = append(byEntry[entryID], part)
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Participants = byEntry[entries[i].ID]
	}
	return entries, nil
}

// lockEntry блокирует строку заявки до конца транзакции.
func (p *Postgres) lockEntry(ctx context.Context, tx pgx.Tx, entryID string) (domain.EntryStatus, time.Time, error) {
	var (
		status domain.EntryStatus
		date   time.Time
	)
	start := time.Now()
	err := tx.QueryRow(ctx, `SELECT status, entry_date FROM lottery_entries WHERE id = $1 FOR UPDATE`, entryID).Scan(&status, &date)
	metrics.ObserveNetworkRequest("postgres", "lottery_entries_get_for_update", "lottery_entries", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, fmt.Errorf("%s: %w", entryID, domain.ErrEntryNotFound)
	}
	return status, domain.NormalizeDate(date), err
}

func (p *Postgres) setEntryStatus(ctx context.Context, tx pgx.Tx, entryID string, status domain.EntryStatus) error {
	start := time.Now()
	_, err := tx.Exec(ctx, `UPDATE lottery_entries SET status = $2, updated_at = now() WHERE id = $1`, entryID, status)
	metrics.ObserveNetworkRequest("postgres", "lottery_entries_update_status", "lottery_entries", start, err)
	return err
}

// CancelEntry реализует domain.EntryRepo.
func (p *Postgres) CancelEntry(ctx context.Context, entryID string) (domain.LotteryEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	tx, err := p.begin(ctx, "lottery_entries")
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	defer tx.Rollback(ctx)

	status, _, err := p.lockEntry(ctx, tx, entryID)
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	if status != domain.EntryStatusPending {
		return domain.LotteryEntry{}, &domain.StateTransitionError{Entity: "entry", ID: entryID, From: string(status), To: string(domain.EntryStatusCancelled)}
	}
	if err := p.setEntryStatus(ctx, tx, entryID, domain.EntryStatusCancelled); err != nil {
		return domain.LotteryEntry{}, err
	}
	start := time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM lottery_draft_assignments WHERE entry_id = $1`, entryID)
	metrics.ObserveNetworkRequest("postgres", "lottery_draft_assignments_delete", "lottery_draft_assignments", start, err)
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	entry, err := p.getEntry(ctx, tx, entryID)
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	if err := commit(ctx, tx, "lottery_entries"); err != nil {
		return domain.LotteryEntry{}, err
	}
	return entry, nil
}

// UnassignEntry реализует domain.EntryRepo.
func (p *Postgres) UnassignEntry(ctx context.Context, entryID string) (domain.LotteryEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	tx, err := p.begin(ctx, "lottery_entries")
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	defer tx.Rollback(ctx)

	status, _, err := p.lockEntry(ctx, tx, entryID)
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	if status != domain.EntryStatusAssigned {
		return domain.LotteryEntry{}, &domain.StateTransitionError{Entity: "entry", ID: entryID, From: string(status), To: string(domain.EntryStatusPending)}
	}

	start := time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM bookings WHERE entry_id = $1`, entryID)
	metrics.ObserveNetworkRequest("postgres", "bookings_delete", "bookings", start, err)
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	start = time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM fairness_outcomes WHERE entry_id = $1`, entryID)
	metrics.ObserveNetworkRequest("postgres", "fairness_outcomes_delete", "fairness_outcomes", start, err)
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	if err := p.setEntryStatus(ctx, tx, entryID, domain.EntryStatusPending); err != nil {
		return domain.LotteryEntry{}, err
	}
	entry, err := p.getEntry(ctx, tx, entryID)
	if err != nil {
		return domain.LotteryEntry{}, err
	}
	if err := commit(ctx, tx, "lottery_entries"); err != nil {
		return domain.LotteryEntry{}, err
	}
	return entry, nil
}

// ListTeeSheetConfigs реализует domain.TeeSheetSource.
func (p *Postgres) ListTeeSheetConfigs(ctx context.Context) ([]domain.TeeSheetConfig, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return p.listTeeSheetConfigs(ctx, p.pool)
}

func (p *Postgres) listTeeSheetConfigs(ctx context.Context, q querier) ([]domain.TeeSheetConfig, error) {
	start := time.Now()
	rows, err := q.Query(ctx, `
SELECT id, sheet_date, first_tee_minutes, last_tee_minutes, interval_minutes, max_per_slot
FROM tee_sheet_configs
ORDER BY sheet_date NULLS LAST, id
`)
	metrics.ObserveNetworkRequest("postgres", "tee_sheet_configs_list", "tee_sheet_configs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TeeSheetConfig
	for rows.Next() {
		var (
			cfg  domain.TeeSheetConfig
			date sql.NullTime
		)
		if err := rows.Scan(&cfg.ID, &date, &cfg.FirstTeeMinutes, &cfg.LastTeeMinutes, &cfg.IntervalMinutes, &cfg.MaxPerSlot); err != nil {
			return nil, err
		}
		if date.Valid {
			d := domain.NormalizeDate(date.Time)
			cfg.Date = &d
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// ensureSlots материализует слоты даты по конфигурации ти-шита. Изменённая конфигурация
// обновляет вместимость существующих слотов, а слоты без бронирований, которых больше нет
// в сетке, удаляются вместе со ссылками черновика. Слоты с бронированиями остаются.
func (p *Postgres) ensureSlots(ctx context.Context, q querier, date time.Time) error {
	configs, err := p.listTeeSheetConfigs(ctx, q)
	if err != nil {
		return err
	}
	slots, err := teesheet.ForDate(configs, date)
	if err != nil {
		return err
	}
	day := domain.NormalizeDate(date)
	ids := make([]string, 0, len(slots))
	starts := make([]int32, 0, len(slots))
	ends := make([]int32, 0, len(slots))
	caps := make([]int32, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.ID)
		starts = append(starts, int32(s.StartMinutes))
		ends = append(ends, int32(s.EndMinutes))
		caps = append(caps, int32(s.Capacity))
	}
	start := time.Now()
	_, err = q.Exec(ctx, `
INSERT INTO tee_slots (id, slot_date, start_minutes, end_minutes, capacity)
SELECT t.id, $1::date, t.start_minutes, t.end_minutes, t.capacity
FROM unnest($2::text[], $3::int[], $4::int[], $5::int[]) AS t(id, start_minutes, end_minutes, capacity)
ON CONFLICT (id) DO UPDATE
SET end_minutes = EXCLUDED.end_minutes, capacity = EXCLUDED.capacity
WHERE tee_slots.end_minutes <> EXCLUDED.end_minutes OR tee_slots.capacity <> EXCLUDED.capacity
`, day, ids, starts, ends, caps)
	metrics.ObserveNetworkRequest("postgres", "tee_slots_ensure", "tee_slots", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	_, err = q.Exec(ctx, `
DELETE FROM lottery_draft_assignments d
USING tee_slots s
WHERE d.slot_id = s.id
  AND s.slot_date = $1
  AND s.id <> ALL($2::text[])
  AND NOT EXISTS (SELECT 1 FROM bookings b WHERE b.slot_id = s.id)
`, day, ids)
	metrics.ObserveNetworkRequest("postgres", "lottery_draft_assignments_prune", "lottery_draft_assignments", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	_, err = q.Exec(ctx, `
DELETE FROM tee_slots s
WHERE s.slot_date = $1
  AND s.id <> ALL($2::text[])
  AND NOT EXISTS (SELECT 1 FROM bookings b WHERE b.slot_id = s.id)
`, day, ids)
	metrics.ObserveNetworkRequest("postgres", "tee_slots_prune", "tee_slots", start, err)
	return err
}

// ListSlots реализует domain.SlotSource.
func (p *Postgres) ListSlots(ctx context.Context, date time.Time) ([]domain.TimeSlot, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	day := domain.NormalizeDate(date)
	if err := p.ensureSlots(ctx, p.pool, day); err != nil {
		return nil, err
	}
	return p.listSlots(ctx, p.pool, day)
}

func (p *Postgres) listSlots(ctx context.Context, q querier, day time.Time) ([]domain.TimeSlot, error) {
	start := time.Now()
	rows, err := q.Query(ctx, `
SELECT s.id, s.slot_date, s.start_minutes, s.end_minutes, s.capacity, COUNT(b.id)
FROM tee_slots s
LEFT JOIN bookings b ON b.slot_id = s.id
WHERE s.slot_date = $1
GROUP BY s.id
ORDER BY s.start_minutes
`, day)
	metrics.ObserveNetworkRequest("postgres", "tee_slots_list", "tee_slots", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TimeSlot
	for rows.Next() {
		var s domain.TimeSlot
		if err := rows.Scan(&s.ID, &s.Date, &s.StartMinutes, &s.EndMinutes, &s.Capacity, &s.Occupied); err != nil {
			return nil, err
		}
		s.Date = domain.NormalizeDate(s.Date)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActiveRules реализует domain.RestrictionRuleSource.
func (p *Postgres) ListActiveRules(ctx context.Context) ([]domain.RestrictionRule, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, name, category, rule_type, member_classes, days_of_week, start_minutes, end_minutes, start_date, end_date, is_active, can_override
FROM restriction_rules
WHERE is_active
ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "restriction_rules_list", "restriction_rules", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RestrictionRule
	for rows.Next() {
		var (
			r          domain.RestrictionRule
			days       []int32
			start, end sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Category, &r.Type, &r.MemberClasses, &days, &r.StartMinutes, &r.EndMinutes, &start, &end, &r.IsActive, &r.CanOverride); err != nil {
			return nil, err
		}
		for _, d := range days {
			r.DaysOfWeek = append(r.DaysOfWeek, time.Weekday(d))
		}
		if start.Valid {
			t := start.Time
			r.StartDate = &t
		}
		if end.Valid {
			t := end.Time
			r.EndDate = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EnsureFinalizeJob регистрирует попытку обработки задачи фиксации.
func (p *Postgres) EnsureFinalizeJob(ctx context.Context, jobID string) (bool, int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		completed sql.NullTime
		attempts  int
	)

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO finalize_job_statuses (job_id, attempts, updated_at)
VALUES ($1, 1, now())
ON CONFLICT (job_id) DO UPDATE
    SET attempts = CASE WHEN finalize_job_statuses.completed_at IS NULL
                        THEN finalize_job_statuses.attempts + 1
                        ELSE finalize_job_statuses.attempts END,
        updated_at = now()
RETURNING completed_at, attempts
`, jobID).Scan(&completed, &attempts)
	metrics.ObserveNetworkRequest("postgres", "finalize_job_statuses_upsert", "finalize_job_statuses", start, err)
	if err != nil {
		return false, 0, err
	}
	return completed.Valid, attempts, nil
}

// MarkFinalizeJobDone помечает задачу фиксации завершённой.
func (p *Postgres) MarkFinalizeJobDone(ctx context.Context, jobID string, committed int, failed int) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE finalize_job_statuses
SET completed_at = COALESCE(completed_at, now()),
    committed = $2,
    failed = $3,
    updated_at = now()
WHERE job_id = $1
`, jobID, committed, failed)
	metrics.ObserveNetworkRequest("postgres", "finalize_job_statuses_mark_done", "finalize_job_statuses", start, err)
	return err
}
