// Package profiles управляет профилями темпа и справедливости участников.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/usecase/priority"
)

// View описывает профиль вместе с вычисленным приоритетом.
type View struct {
	domain.MemberSpeedProfile
	Priority     float64               `json:"priority"`
	FairnessBand priority.FairnessBand `json:"fairness_band"`
}

// Update задаёт частичное изменение профиля администратором.
type Update struct {
	SpeedTier               *domain.SpeedTier
	AdminPriorityAdjustment *int
	Notes                   *string
}

// Service отвечает за администрирование профилей.
type Service struct {
	profiles   domain.ProfileRepo
	thresholds priority.Thresholds
	now        func() time.Time
}

// NewService создаёт сервис.
func NewService(profiles domain.ProfileRepo, thresholds priority.Thresholds) *Service {
	return &Service{profiles: profiles, thresholds: thresholds, now: time.Now}
}

// Get возвращает профиль участника.
func (s *Service) Get(ctx context.Context, memberID string) (View, error) {
	p, err := s.profiles.GetProfile(ctx, memberID)
	if err != nil {
		return View{}, fmt.Errorf("получение профиля: %w", err)
	}
	return viewOf(p), nil
}

// Update применяет правку. Ручная установка категории темпа закрепляет её.
// Отсутствующий профиль создаётся с категорией AVERAGE.
func (s *Service) Update(ctx context.Context, memberID string, upd Update) (View, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return View{}, fmt.Errorf("%q: %w", memberID, domain.ErrProfileNotFound)
	}
	if upd.AdminPriorityAdjustment != nil {
		adj := *upd.AdminPriorityAdjustment
		if adj < domain.MinPriorityAdjustment || adj > domain.MaxPriorityAdjustment {
			return View{}, fmt.Errorf("%d: %w", adj, domain.ErrInvalidAdjustment)
		}
	}

	p, err := s.profiles.GetProfile(ctx, memberID)
	switch {
	case errors.Is(err, domain.ErrProfileNotFound):
		p = domain.MemberSpeedProfile{MemberID: memberID, SpeedTier: domain.SpeedAverage}
	case err != nil:
		return View{}, fmt.Errorf("получение профиля: %w", err)
	}

	if upd.SpeedTier != nil {
		tier, err := domain.ParseSpeedTier(string(*upd.SpeedTier))
		if err != nil {
			return View{}, err
		}
		p.SpeedTier = tier
		p.ManualOverride = true
	}
	if upd.AdminPriorityAdjustment != nil {
		p.AdminPriorityAdjustment = *upd.AdminPriorityAdjustment
	}
	if upd.Notes != nil {
		p.Notes = strings.TrimSpace(*upd.Notes)
	}
	p.UpdatedAt = s.now().UTC()

	if err := s.profiles.SaveProfile(ctx, p); err != nil {
		return View{}, fmt.Errorf("сохранение профиля: %w", err)
	}
	return viewOf(p), nil
}

// ClearOverride снимает закрепление категории и восстанавливает её по среднему темпу.
func (s *Service) ClearOverride(ctx context.Context, memberID string) (View, error) {
	p, err := s.profiles.GetProfile(ctx, memberID)
	if err != nil {
		return View{}, fmt.Errorf("получение профиля: %w", err)
	}
	p.ManualOverride = false
	if p.AverageRoundMinutes > 0 {
		p.SpeedTier = s.thresholds.TierFor(p.AverageRoundMinutes)
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.profiles.SaveProfile(ctx, p); err != nil {
		return View{}, fmt.Errorf("сохранение профиля: %w", err)
	}
	return viewOf(p), nil
}

func viewOf(p domain.MemberSpeedProfile) View {
	return View{MemberSpeedProfile: p, Priority: priority.Of(p), FairnessBand: priority.BandOf(p.FairnessScore)}
}
