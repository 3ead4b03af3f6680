package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/usecase/lottery"
)

var errSessionNotOpen = errors.New("reconciliation session is not open")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// unitErrorBody описывает ошибку по заявке в ответе API.
type unitErrorBody struct {
	UnitID string `json:"unit_id,omitempty"`
	SlotID string `json:"slot_id,omitempty"`
	Error  string `json:"error"`
}

func unitErrors(errs []domain.UnitError) []unitErrorBody {
	out := make([]unitErrorBody, 0, len(errs))
	for _, e := range errs {
		body := unitErrorBody{UnitID: e.UnitID, SlotID: e.SlotID}
		if e.Err != nil {
			body.Error = e.Err.Error()
		}
		out = append(out, body)
	}
	return out
}

// restrictionBody описывает нарушение ограничений и токен подтверждения.
type restrictionBody struct {
	Error       string                      `json:"error"`
	UnitID      string                      `json:"unit_id"`
	SlotID      string                      `json:"slot_id"`
	Overridable bool                        `json:"overridable"`
	Token       string                      `json:"token,omitempty"`
	Rules       []domain.RestrictionRule    `json:"rules"`
	Blocked     []domain.BlockedParticipant `json:"blocked"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errInvalidRequest), errors.Is(err, domain.ErrInvalidAdjustment):
		return http.StatusBadRequest
	case errors.Is(err, errSessionNotOpen),
		errors.Is(err, domain.ErrEntryNotFound),
		errors.Is(err, domain.ErrSlotNotFound),
		errors.Is(err, domain.ErrUnitNotFound),
		errors.Is(err, domain.ErrProfileNotFound),
		errors.Is(err, domain.ErrOverrideNotFound),
		errors.Is(err, domain.ErrTeeSheetNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCapacityExceeded),
		errors.Is(err, domain.ErrRestrictionViolation),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrPersistenceConflict):
		return http.StatusConflict
	case errors.Is(err, lottery.ErrQueueNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail пишет ответ по ошибке. Внутренние ошибки не раскрываются клиенту.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var rv *domain.RestrictionViolationError
	if errors.As(err, &rv) {
		writeJSON(w, http.StatusConflict, restrictionBody{
			Error:       rv.Error(),
			UnitID:      rv.UnitID,
			SlotID:      rv.SlotID,
			Overridable: rv.Overridable,
			Token:       rv.Token,
			Rules:       rv.Rules(),
			Blocked:     rv.Blocked,
		})
		return
	}
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("api: внутренняя ошибка")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
