package lottery

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"teetime-lottery/internal/domain"
)

var exportHeader = []string{"entry_id", "kind", "leader", "participants", "size", "preferred_window", "alternate_window", "slot_id", "tee_time", "quality"}

// ExportCSV выгружает текущее распределение даты в CSV.
func (s *Service) ExportCSV(ctx context.Context, date time.Time, out io.Writer) error {
	current, entries, err := s.CurrentAllocation(ctx, date)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	if err := w.Write(exportHeader); err != nil {
		return fmt.Errorf("запись заголовка CSV: %w", err)
	}
	for _, a := range current.Assignments {
		e := entries[a.UnitID]
		names := make([]string, 0, len(e.Participants))
		for _, p := range e.Participants {
			names = append(names, participantLabel(p))
		}
		alternate := ""
		if e.AlternateWindow != nil {
			alternate = domain.EncodeWindow(*e.AlternateWindow)
		}
		teeTime := ""
		if slotID := a.SlotOrEmpty(); slotID != "" {
			if idx := strings.LastIndex(slotID, "T"); idx >= 0 {
				teeTime = slotID[idx+1:]
			}
		}
		row := []string{
			a.UnitID,
			string(e.Kind),
			participantLabel(e.Leader()),
			strings.Join(names, "; "),
			strconv.Itoa(e.Size()),
			domain.EncodeWindow(e.PreferredWindow),
			alternate,
			a.SlotOrEmpty(),
			teeTime,
			string(a.Quality),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("запись строки CSV: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func participantLabel(p domain.Participant) string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name
}
