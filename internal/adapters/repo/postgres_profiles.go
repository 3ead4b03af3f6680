package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/metrics"
)

const profileColumns = `member_id, speed_tier, manual_override, admin_priority_adjustment, fairness_score, average_round_minutes, notes, updated_at`

func scanProfile(row pgx.Row) (domain.MemberSpeedProfile, error) {
	var p domain.MemberSpeedProfile
	err := row.Scan(&p.MemberID, &p.SpeedTier, &p.ManualOverride, &p.AdminPriorityAdjustment, &p.FairnessScore, &p.AverageRoundMinutes, &p.Notes, &p.UpdatedAt)
	return p, err
}

// GetProfiles реализует domain.ProfileRepo.
func (p *Postgres) GetProfiles(ctx context.Context, memberIDs []string) (map[string]domain.MemberSpeedProfile, error) {
	out := make(map[string]domain.MemberSpeedProfile, len(memberIDs))
	if len(memberIDs) == 0 {
		return out, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+profileColumns+` FROM member_speed_profiles WHERE member_id = ANY($1)`, memberIDs)
	metrics.ObserveNetworkRequest("postgres", "member_speed_profiles_list", "member_speed_profiles", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out[profile.MemberID] = profile
	}
	return out, rows.Err()
}

// GetProfile реализует domain.ProfileRepo.
func (p *Postgres) GetProfile(ctx context.Context, memberID string) (domain.MemberSpeedProfile, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	profile, err := scanProfile(p.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM member_speed_profiles WHERE member_id = $1`, memberID))
	metrics.ObserveNetworkRequest("postgres", "member_speed_profiles_get", "member_speed_profiles", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MemberSpeedProfile{}, fmt.Errorf("%s: %w", memberID, domain.ErrProfileNotFound)
	}
	return profile, err
}

// ListProfiles реализует domain.ProfileRepo.
func (p *Postgres) ListProfiles(ctx context.Context) ([]domain.MemberSpeedProfile, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+profileColumns+` FROM member_speed_profiles ORDER BY member_id`)
	metrics.ObserveNetworkRequest("postgres", "member_speed_profiles_list_all", "member_speed_profiles", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MemberSpeedProfile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, profile)
	}
	return out, rows.Err()
}

// SaveProfile реализует domain.ProfileRepo.
func (p *Postgres) SaveProfile(ctx context.Context, profile domain.MemberSpeedProfile) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO member_speed_profiles (`+profileColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (member_id) DO UPDATE
    SET speed_tier = EXCLUDED.speed_tier,
        manual_override = EXCLUDED.manual_override,
        admin_priority_adjustment = EXCLUDED.admin_priority_adjustment,
        fairness_score = EXCLUDED.fairness_score,
        average_round_minutes = EXCLUDED.average_round_minutes,
        notes = EXCLUDED.notes,
        updated_at = EXCLUDED.updated_at
`, profile.MemberID, profile.SpeedTier, profile.ManualOverride, profile.AdminPriorityAdjustment, profile.FairnessScore, profile.AverageRoundMinutes, profile.Notes, profile.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "member_speed_profiles_upsert", "member_speed_profiles", start, err)
	return err
}

// RecentRoundMinutes реализует domain.PaceSource.
func (p *Postgres) RecentRoundMinutes(ctx context.Context, memberID string, limit int) ([]float64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT minutes FROM (
    SELECT minutes, played_at
    FROM round_paces
    WHERE member_id = $1
    ORDER BY played_at DESC
    LIMIT $2
) recent
ORDER BY played_at
`, memberID, limit)
	metrics.ObserveNetworkRequest("postgres", "round_paces_list", "round_paces", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var minutes float64
		if err := rows.Scan(&minutes); err != nil {
			return nil, err
		}
		out = append(out, minutes)
	}
	return out, rows.Err()
}

// ListOutcomes реализует domain.FairnessLedger.
func (p *Postgres) ListOutcomes(ctx context.Context, period string) ([]domain.FairnessOutcome, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT member_id, period, entry_id, quality, recorded_at
FROM fairness_outcomes
WHERE period = $1
ORDER BY recorded_at, member_id
`, period)
	metrics.ObserveNetworkRequest("postgres", "fairness_outcomes_list", "fairness_outcomes", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FairnessOutcome
	for rows.Next() {
		var o domain.FairnessOutcome
		if err := rows.Scan(&o.MemberID, &o.Period, &o.EntryID, &o.Quality, &o.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
