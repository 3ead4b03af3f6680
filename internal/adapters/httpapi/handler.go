// Package httpapi публикует операции розыгрыша по HTTP.
package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/metrics"
	"teetime-lottery/internal/usecase/lottery"
	"teetime-lottery/internal/usecase/profiles"
	"teetime-lottery/internal/usecase/reconcile"
)

// Handler обслуживает API розыгрыша.
type Handler struct {
	lottery  *lottery.Service
	profiles *profiles.Service
	log      zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(lotterySvc *lottery.Service, profileSvc *profiles.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		lottery:  lotterySvc,
		profiles: profileSvc,
		log:      logger.With().Str("component", "httpapi").Logger(),
	}
}

// Mount регистрирует маршруты на роутере.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/lottery/{date}", func(r chi.Router) {
			r.Get("/allocation", h.getAllocation)
			r.Get("/allocation.csv", h.exportAllocation)
			r.Post("/allocation/reallocate", h.reallocate)

			r.Post("/reconciliation", h.openReconciliation)
			r.Get("/reconciliation", h.viewReconciliation)
			r.Delete("/reconciliation", h.closeReconciliation)
			r.Post("/reconciliation/moves", h.moveUnit)
			r.Post("/reconciliation/swaps", h.swapUnits)
			r.Post("/reconciliation/overrides/{token}", h.confirmOverride)
			r.Delete("/reconciliation/overrides/{token}", h.cancelOverride)
			r.Post("/reconciliation/save", h.saveReconciliation)
			r.Post("/reconciliation/reset", h.resetReconciliation)

			r.Post("/finalize", h.finalize)
		})

		r.Post("/entries/{id}/cancel", h.cancelEntry)
		r.Post("/entries/{id}/unassign", h.unassignEntry)

		r.Get("/profiles/{memberId}", h.getProfile)
		r.Patch("/profiles/{memberId}", h.patchProfile)
		r.Delete("/profiles/{memberId}/override", h.clearProfileOverride)
	})
}

func dateParam(r *http.Request) (time.Time, error) {
	d, err := domain.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return d, nil
}

func (h *Handler) getAllocation(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	current, _, err := h.lottery.CurrentAllocation(r.Context(), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (h *Handler) exportAllocation(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := h.lottery.ExportCSV(r.Context(), date, &buf); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=lottery-%s.csv", date.Format(domain.DateLayout)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) openReconciliation(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := h.lottery.OpenReconciliation(r.Context(), date)
	metrics.IncReconcile("open", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

// session находит открытую сессию даты из пути.
func (h *Handler) session(r *http.Request) (*reconcile.Session, error) {
	date, err := dateParam(r)
	if err != nil {
		return nil, err
	}
	session, ok := h.lottery.Reconciliation(date)
	if !ok {
		return nil, fmt.Errorf("%s: %w", date.Format(domain.DateLayout), errSessionNotOpen)
	}
	return session, nil
}

func (h *Handler) viewReconciliation(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) closeReconciliation(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.lottery.CloseReconciliation(date) {
		h.fail(w, r, fmt.Errorf("%s: %w", date.Format(domain.DateLayout), errSessionNotOpen))
		return
	}
	metrics.IncReconcile("close", nil)
	w.WriteHeader(http.StatusNoContent)
}

type moveRequest struct {
	UnitID       string  `json:"unit_id"`
	TargetSlotID *string `json:"target_slot_id"`
}

func (h *Handler) moveUnit(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req moveRequest
	if err := decodeValid(r.Body, moveSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	err = session.MoveUnit(req.UnitID, req.TargetSlotID)
	metrics.IncReconcile("move", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

type swapRequest struct {
	UnitA string `json:"unit_a"`
	UnitB string `json:"unit_b"`
}

func (h *Handler) swapUnits(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req swapRequest
	if err := decodeValid(r.Body, swapSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	err = session.SwapUnits(req.UnitA, req.UnitB)
	metrics.IncReconcile("swap", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) confirmOverride(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	err = session.ConfirmOverride(chi.URLParam(r, "token"))
	metrics.IncReconcile("confirm_override", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) cancelOverride(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	err = session.CancelOverride(chi.URLParam(r, "token"))
	metrics.IncReconcile("cancel_override", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) saveReconciliation(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := session.Save(r.Context())
	metrics.IncReconcile("save", err)
	if err != nil {
		if !res.Success && len(res.Errors) > 0 {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  "pending changes rejected",
				"errors": unitErrors(res.Errors),
			})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) reallocate(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	alloc, err := h.lottery.Reallocate(r.Context(), date)
	metrics.IncReconcile("reallocate", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (h *Handler) resetReconciliation(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	err = session.Reset(r.Context())
	metrics.IncReconcile("reset", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("async") == "true" {
		job, err := h.lottery.FinalizeAsync(r.Context(), date, r.Header.Get("X-Requested-By"), domain.FinalizeCauseManual)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	res, err := h.lottery.Finalize(r.Context(), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":      res.Date,
		"committed": res.Committed,
		"skipped":   res.Skipped,
		"failed":    res.Failed(),
		"errors":    unitErrors(res.Errors),
	})
}

func (h *Handler) cancelEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.lottery.CancelEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) unassignEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.lottery.UnassignEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	view, err := h.profiles.Get(r.Context(), chi.URLParam(r, "memberId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type profilePatch struct {
	SpeedTier               *domain.SpeedTier `json:"speed_tier"`
	AdminPriorityAdjustment *int              `json:"admin_priority_adjustment"`
	Notes                   *string           `json:"notes"`
}

func (h *Handler) patchProfile(w http.ResponseWriter, r *http.Request) {
	var req profilePatch
	if err := decodeValid(r.Body, profilePatchSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.profiles.Update(r.Context(), chi.URLParam(r, "memberId"), profiles.Update{
		SpeedTier:               req.SpeedTier,
		AdminPriorityAdjustment: req.AdminPriorityAdjustment,
		Notes:                   req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) clearProfileOverride(w http.ResponseWriter, r *http.Request) {
	view, err := h.profiles.ClearOverride(r.Context(), chi.URLParam(r, "memberId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
