package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// TimeWindow задаёт полосу времени суток [Start, End) в минутах от полуночи.
type TimeWindow struct {
	Name         string `json:"name,omitempty"`
	StartMinutes int    `json:"start_minutes"`
	EndMinutes   int    `json:"end_minutes"`
}

// Contains сообщает, попадает ли минута в окно.
func (w TimeWindow) Contains(minute int) bool {
	return minute >= w.StartMinutes && minute < w.EndMinutes
}

// Validate проверяет границы окна.
func (w TimeWindow) Validate() error {
	if w.StartMinutes < 0 || w.EndMinutes > 24*60 {
		return fmt.Errorf("window %s out of day bounds", w.String())
	}
	if w.EndMinutes <= w.StartMinutes {
		return fmt.Errorf("window %s is empty", w.String())
	}
	return nil
}

// String форматирует окно.
func (w TimeWindow) String() string {
	span := FormatMinutes(w.StartMinutes) + "-" + FormatMinutes(w.EndMinutes)
	if w.Name == "" {
		return span
	}
	return w.Name + "(" + span + ")"
}

// Named windows.
const (
	WindowEarlyMorning  = "EARLY_MORNING"
	WindowMorning       = "MORNING"
	WindowMidday        = "MIDDAY"
	WindowAfternoon     = "AFTERNOON"
	WindowLateAfternoon = "LATE_AFTERNOON"
)

var defaultWindows = map[string]TimeWindow{
	WindowEarlyMorning:  {Name: WindowEarlyMorning, StartMinutes: 6 * 60, EndMinutes: 8 * 60},
	WindowMorning:       {Name: WindowMorning, StartMinutes: 8 * 60, EndMinutes: 10 * 60},
	WindowMidday:        {Name: WindowMidday, StartMinutes: 10 * 60, EndMinutes: 12 * 60},
	WindowAfternoon:     {Name: WindowAfternoon, StartMinutes: 12 * 60, EndMinutes: 15 * 60},
	WindowLateAfternoon: {Name: WindowLateAfternoon, StartMinutes: 15 * 60, EndMinutes: 18 * 60},
}

// ResolveWindow превращает имя полосы или диапазон "HH:MM-HH:MM" в окно.
func ResolveWindow(raw string) (TimeWindow, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TimeWindow{}, fmt.Errorf("window is empty")
	}
	if w, ok := defaultWindows[strings.ToUpper(trimmed)]; ok {
		return w, nil
	}
	parts := strings.Split(trimmed, "-")
	if len(parts) != 2 {
		return TimeWindow{}, fmt.Errorf("unknown window %q", raw)
	}
	start, err := ParseClock(parts[0])
	if err != nil {
		return TimeWindow{}, err
	}
	end, err := ParseClock(parts[1])
	if err != nil {
		return TimeWindow{}, err
	}
	w := TimeWindow{StartMinutes: start, EndMinutes: end}
	if err := w.Validate(); err != nil {
		return TimeWindow{}, err
	}
	return w, nil
}

// EncodeWindow возвращает строку, которую понимает ResolveWindow.
func EncodeWindow(w TimeWindow) string {
	if named, ok := defaultWindows[w.Name]; ok && named == w {
		return w.Name
	}
	return FormatMinutes(w.StartMinutes) + "-" + FormatMinutes(w.EndMinutes)
}

// ParseClock разбирает время "HH:MM" в минуты от полуночи.
func ParseClock(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	hh, mm, ok := strings.Cut(trimmed, ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", raw)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid clock %q", raw)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock %q", raw)
	}
	return h*60 + m, nil
}

// FormatMinutes форматирует минуты от полуночи как HH:MM.
func FormatMinutes(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
