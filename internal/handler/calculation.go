package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sakif/trade-accounting/internal/apperror"
	"github.com/sakif/trade-accounting/internal/auth"
	"github.com/sakif/trade-accounting/internal/excel"
	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/service"
)

// CalculationHandler serves the calculation endpoints: CRUD, copy,
// snapshots, and Excel export.
type CalculationHandler struct {
	calcs  *service.CalculationService
	logger *slog.Logger
}

func NewCalculationHandler(calcs *service.CalculationService, logger *slog.Logger) *CalculationHandler {
	return &CalculationHandler{calcs: calcs, logger: logger}
}

type calculationRequest struct {
	Title  string              `json:"title"`
	Markup decimal.Decimal     `json:"markup"`
	Lines  []service.LineInput `json:"lines"`
}

type exportRequest struct {
	IDs []string `json:"ids"`
}

// HandleList returns the calculations visible to the caller.
//
// HTTP: GET /api/calculations?search=&sort=&direction=&limit=&offset=
func (h *CalculationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.IdentityFromContext(r.Context())
	calcs, err := h.calcs.List(r.Context(), parseListOptions(r), actor.UserID, actor.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calcs)
}

// HandleGet returns one calculation with its lines.
//
// HTTP: GET /api/calculations/{id}
func (h *CalculationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.IdentityFromContext(r.Context())
	calc, err := h.calcs.Get(r.Context(), r.PathValue("id"), actor.UserID, actor.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

// HandleCreate creates a calculation owned by the caller. Its totals
// are computed and its initial snapshot frozen before the response is
// written.
//
// HTTP: POST /api/calculations
func (h *CalculationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req calculationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON body"))
		return
	}

	actor, _ := auth.IdentityFromContext(r.Context())
	calc, err := h.calcs.Create(r.Context(), actor.UserID, req.Title, req.Markup, req.Lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, calc)
}

// HandleUpdate replaces title, markup and the full line set, then
// recomputes.
//
// HTTP: PUT /api/calculations/{id}
func (h *CalculationHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req calculationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON body"))
		return
	}

	actor, _ := auth.IdentityFromContext(r.Context())
	calc, err := h.calcs.Update(r.Context(), r.PathValue("id"), actor.UserID, actor.IsAdmin,
		req.Title, req.Markup, req.Lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

// HandleDelete removes a calculation and everything hanging off it.
//
// HTTP: DELETE /api/calculations/{id}
func (h *CalculationHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.IdentityFromContext(r.Context())
	if err := h.calcs.Delete(r.Context(), r.PathValue("id"), actor.UserID, actor.IsAdmin); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCopy duplicates a calculation under the caller.
//
// HTTP: POST /api/calculations/{id}/copy
func (h *CalculationHandler) HandleCopy(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.IdentityFromContext(r.Context())
	calc, err := h.calcs.Copy(r.Context(), r.PathValue("id"), actor.UserID, actor.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, calc)
}

// HandleFreeze archives the calculation's current state as a snapshot.
//
// HTTP: POST /api/calculations/{id}/snapshot
func (h *CalculationHandler) HandleFreeze(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.IdentityFromContext(r.Context())
	snap, err := h.calcs.Freeze(r.Context(), r.PathValue("id"), actor.UserID, actor.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// HandleExport bundles the requested calculations into a zip of .xlsx
// workbooks. Access rules apply per calculation, so a non-admin asking
// for someone else's quote fails the whole request.
//
// HTTP: POST /api/calculations/export
func (h *CalculationHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON body"))
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, apperror.ValidationFailed("ids", "select at least one calculation"))
		return
	}

	actor, _ := auth.IdentityFromContext(r.Context())
	calcs := make([]*model.Calculation, 0, len(req.IDs))
	for _, id := range req.IDs {
		calc, err := h.calcs.Get(r.Context(), id, actor.UserID, actor.IsAdmin)
		if err != nil {
			writeError(w, err)
			return
		}
		calcs = append(calcs, calc)
	}

	archive, err := excel.ExportArchive(calcs)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := fmt.Sprintf("calculations-%s.zip", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := w.Write(archive); err != nil {
		h.logger.Error("failed to write export response", slog.String("error", err.Error()))
	}
}

// HandleListSnapshots returns archived snapshots, newest first.
//
// HTTP: GET /api/snapshots?search=&limit=&offset=
func (h *CalculationHandler) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.calcs.ListSnapshots(r.Context(), parseListOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// HandleGetSnapshot returns one snapshot with its frozen lines.
//
// HTTP: GET /api/snapshots/{id}
func (h *CalculationHandler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.calcs.GetSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
