package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teetime-lottery/internal/domain"
)

// Registry хранит не больше одной открытой сессии на дату.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idleTTL  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRegistry создаёт реестр. idleTTL <= 0 отключает очистку.
func NewRegistry(idleTTL time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
		logger:   logger.With().Str("component", "reconcile_registry").Logger(),
		now:      time.Now,
	}
}

func key(date time.Time) string {
	return domain.NormalizeDate(date).Format(domain.DateLayout)
}

// Open возвращает открытую сессию даты или создаёт новую через open.
func (r *Registry) Open(ctx context.Context, date time.Time, open func(ctx context.Context) (*Session, error)) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key(date)]; ok {
		return s, false, nil
	}
	s, err := open(ctx)
	if err != nil {
		return nil, false, err
	}
	r.sessions[key(date)] = s
	return s, true, nil
}

// Get возвращает открытую сессию даты.
func (r *Registry) Get(date time.Time) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key(date)]
	return s, ok
}

// Close закрывает сессию даты.
func (r *Registry) Close(date time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key(date)]; !ok {
		return false
	}
	delete(r.sessions, key(date))
	return true
}

// Len возвращает количество открытых сессий.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep удаляет сессии, к которым не обращались дольше idleTTL.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, s := range r.sessions {
		if r.now().Sub(s.LastActivity()) <= r.idleTTL {
			continue
		}
		if s.State() == StateDirty {
			r.logger.Warn().Str("date", k).Str("session_id", s.ID()).Msg("сессия с несохранёнными правками закрыта по простою")
		}
		delete(r.sessions, k)
		removed++
	}
	return removed
}

// RunJanitor периодически вызывает Sweep до отмены контекста.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Info().Int("removed", n).Msg("очистка неактивных сессий")
			}
		}
	}
}
