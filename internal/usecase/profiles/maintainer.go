package profiles

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/metrics"
	"teetime-lottery/internal/usecase/priority"
)

// MaintainerConfig задаёт параметры регламентного пересчёта.
type MaintainerConfig struct {
	Thresholds   priority.Thresholds
	Weights      priority.Weights
	RoundsWindow int
}

// Report содержит итог регламентного пересчёта.
type Report struct {
	Period      string `json:"period"`
	Processed   int    `json:"processed"`
	TierChanged int    `json:"tier_changed"`
	Created     int    `json:"created"`
	Failed      int    `json:"failed"`
}

// Maintainer пересчитывает категории темпа и оценки справедливости.
type Maintainer struct {
	profiles domain.ProfileRepo
	pace     domain.PaceSource
	ledger   domain.FairnessLedger
	cfg      MaintainerConfig
	log      zerolog.Logger
	now      func() time.Time
}

// NewMaintainer создаёт сервис пересчёта.
func NewMaintainer(profiles domain.ProfileRepo, pace domain.PaceSource, ledger domain.FairnessLedger, cfg MaintainerConfig, logger zerolog.Logger) *Maintainer {
	if cfg.RoundsWindow <= 0 {
		cfg.RoundsWindow = 10
	}
	return &Maintainer{
		profiles: profiles,
		pace:     pace,
		ledger:   ledger,
		cfg:      cfg,
		log:      logger.With().Str("component", "profile_maintenance").Logger(),
		now:      time.Now,
	}
}

// Run пересчитывает все профили по итогам предыдущего месяца.
// Участники с итогами, но без профиля, получают новый профиль.
func (m *Maintainer) Run(ctx context.Context) (Report, error) {
	now := m.now().UTC()
	report := Report{Period: domain.PreviousPeriod(now)}

	outcomes, err := m.ledger.ListOutcomes(ctx, report.Period)
	if err != nil {
		return report, fmt.Errorf("получение итогов розыгрышей: %w", err)
	}
	byMember := make(map[string][]domain.FairnessOutcome)
	for _, o := range outcomes {
		byMember[o.MemberID] = append(byMember[o.MemberID], o)
	}

	existing, err := m.profiles.ListProfiles(ctx)
	if err != nil {
		return report, fmt.Errorf("получение профилей: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		known[p.MemberID] = struct{}{}
	}
	fresh := make([]string, 0)
	for memberID := range byMember {
		if _, ok := known[memberID]; !ok {
			fresh = append(fresh, memberID)
		}
	}
	sort.Strings(fresh)
	for _, memberID := range fresh {
		existing = append(existing, domain.MemberSpeedProfile{MemberID: memberID, SpeedTier: domain.SpeedAverage})
		report.Created++
	}

	for _, p := range existing {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		changed, err := m.refresh(ctx, &p, byMember[p.MemberID], now)
		if err != nil {
			report.Failed++
			metrics.IncMaintenance("failed")
			m.log.Warn().Err(err).Str("member_id", p.MemberID).Msg("профиль не пересчитан")
			continue
		}
		report.Processed++
		metrics.IncMaintenance("processed")
		if changed {
			report.TierChanged++
		}
	}

	m.log.Info().
		Str("period", report.Period).
		Int("processed", report.Processed).
		Int("tier_changed", report.TierChanged).
		Int("created", report.Created).
		Int("failed", report.Failed).
		Msg("регламентный пересчёт профилей завершён")
	return report, nil
}

func (m *Maintainer) refresh(ctx context.Context, p *domain.MemberSpeedProfile, outcomes []domain.FairnessOutcome, now time.Time) (bool, error) {
	rounds, err := m.pace.RecentRoundMinutes(ctx, p.MemberID, m.cfg.RoundsWindow)
	if err != nil {
		return false, fmt.Errorf("получение темпа: %w", err)
	}
	changed := false
	if len(rounds) > 0 {
		sum := 0.0
		for _, r := range rounds {
			sum += r
		}
		p.AverageRoundMinutes = sum / float64(len(rounds))
		if !p.ManualOverride {
			tier := m.cfg.Thresholds.TierFor(p.AverageRoundMinutes)
			changed = tier != p.SpeedTier
			p.SpeedTier = tier
		}
	}
	if p.SpeedTier == "" {
		p.SpeedTier = domain.SpeedAverage
	}
	p.FairnessScore = priority.FairnessScore(outcomes, m.cfg.Weights)
	p.UpdatedAt = now
	if err := m.profiles.SaveProfile(ctx, *p); err != nil {
		return false, fmt.Errorf("сохранение профиля: %w", err)
	}
	return changed, nil
}
