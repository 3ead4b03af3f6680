// Package teesheet строит слоты ти-шита по конфигурации дня.
package teesheet

import (
	"fmt"
	"time"

	"teetime-lottery/internal/domain"
)

// Select выбирает конфигурацию для даты: конфигурация с точной датой важнее общей.
func Select(configs []domain.TeeSheetConfig, date time.Time) (domain.TeeSheetConfig, bool) {
	day := domain.NormalizeDate(date)
	var (
		fallback domain.TeeSheetConfig
		found    bool
	)
	for _, c := range configs {
		if c.Date != nil {
			if domain.NormalizeDate(*c.Date).Equal(day) {
				return c, true
			}
			continue
		}
		if !found {
			fallback = c
			found = true
		}
	}
	return fallback, found
}

// Validate проверяет параметры сетки.
func Validate(cfg domain.TeeSheetConfig) error {
	switch {
	case cfg.IntervalMinutes <= 0:
		return fmt.Errorf("tee sheet %s: interval must be positive", cfg.ID)
	case cfg.MaxPerSlot <= 0:
		return fmt.Errorf("tee sheet %s: max per slot must be positive", cfg.ID)
	case cfg.FirstTeeMinutes < 0 || cfg.LastTeeMinutes >= 24*60:
		return fmt.Errorf("tee sheet %s: tee times out of day", cfg.ID)
	case cfg.LastTeeMinutes < cfg.FirstTeeMinutes:
		return fmt.Errorf("tee sheet %s: last tee before first tee", cfg.ID)
	}
	return nil
}

// Generate возвращает слоты от первого до последнего старта включительно.
// Загрузка слотов нулевая; её заполняет хранилище по сохранённым бронированиям.
func Generate(date time.Time, cfg domain.TeeSheetConfig) ([]domain.TimeSlot, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	day := domain.NormalizeDate(date)
	slots := make([]domain.TimeSlot, 0, (cfg.LastTeeMinutes-cfg.FirstTeeMinutes)/cfg.IntervalMinutes+1)
	for start := cfg.FirstTeeMinutes; start <= cfg.LastTeeMinutes; start += cfg.IntervalMinutes {
		slots = append(slots, domain.TimeSlot{
			ID:           domain.SlotID(day, start),
			Date:         day,
			StartMinutes: start,
			EndMinutes:   start + cfg.IntervalMinutes,
			Capacity:     cfg.MaxPerSlot,
		})
	}
	return slots, nil
}

// ForDate выбирает конфигурацию и строит слоты.
func ForDate(configs []domain.TeeSheetConfig, date time.Time) ([]domain.TimeSlot, error) {
	cfg, ok := Select(configs, date)
	if !ok {
		return nil, fmt.Errorf("%s: %w", domain.NormalizeDate(date).Format(domain.DateLayout), domain.ErrTeeSheetNotConfigured)
	}
	return Generate(date, cfg)
}
