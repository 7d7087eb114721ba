package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/sakif/trade-accounting/internal/apperror"
	"github.com/sakif/trade-accounting/internal/auth"
	"github.com/sakif/trade-accounting/internal/excel"
	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/repository"
	"github.com/sakif/trade-accounting/internal/service"
)

// maxImportSize caps uploaded import files at 5 MiB.
const maxImportSize = 5 << 20

// ItemHandler serves the price catalog endpoints, including Excel
// import and the price history log.
type ItemHandler struct {
	items  *service.ItemService
	logger *slog.Logger
}

func NewItemHandler(items *service.ItemService, logger *slog.Logger) *ItemHandler {
	return &ItemHandler{items: items, logger: logger}
}

type itemRequest struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type itemListResponse struct {
	Items []model.Item         `json:"items"`
	Stats repository.ItemStats `json:"stats"`
}

// HandleList returns a page of catalog items with aggregate stats.
//
// HTTP: GET /api/items?search=&sort=&direction=&limit=&offset=
func (h *ItemHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	items, stats, err := h.items.List(r.Context(), parseListOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, itemListResponse{Items: items, Stats: stats})
}

// HandleGet returns one item.
//
// HTTP: GET /api/items/{id}
func (h *ItemHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	item, err := h.items.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// HandleCreate creates an item, or updates the price in place when the
// normalized name already exists. The status code tells them apart:
// 201 for a new item, 200 for an upsert onto an existing one.
//
// HTTP: POST /api/items
func (h *ItemHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON body"))
		return
	}

	actor, _ := auth.IdentityFromContext(r.Context())
	item, outcome, err := h.items.Upsert(r.Context(), req.Name, req.Price, actor.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if outcome == service.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, item)
}

// HandleUpdate renames and/or reprices an item.
//
// HTTP: PUT /api/items/{id}
func (h *ItemHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON body"))
		return
	}

	actor, _ := auth.IdentityFromContext(r.Context())
	item, err := h.items.Update(r.Context(), r.PathValue("id"), req.Name, req.Price, actor.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// HandleDelete removes an item from the catalog.
//
// HTTP: DELETE /api/items/{id}
func (h *ItemHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.items.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleImport bulk-upserts items from an uploaded .xlsx file. The
// file goes in the multipart field "file"; rows with problems are
// skipped and counted.
//
// HTTP: POST /api/items/import
func (h *ItemHandler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		writeError(w, apperror.ValidationFailed("file", "invalid multipart upload"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperror.ValidationFailed("file", "file field is required"))
		return
	}
	defer file.Close()

	parsed, err := excel.ParseItems(file)
	if err != nil {
		writeError(w, apperror.ValidationFailed("file", err.Error()))
		return
	}

	rows := make([]service.ImportRow, 0, len(parsed))
	skipped := 0
	for _, row := range parsed {
		if row.Problem != "" {
			h.logger.Warn("import row skipped",
				slog.String("name", row.Name),
				slog.String("problem", row.Problem),
			)
			skipped++
			continue
		}
		rows = append(rows, service.ImportRow{Name: row.Name, Price: row.Price})
	}

	actor, _ := auth.IdentityFromContext(r.Context())
	result, err := h.items.Import(r.Context(), rows, actor.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	result.Skipped += skipped
	writeJSON(w, http.StatusOK, result)
}

// HandleImportTemplate serves an empty workbook with the expected
// import headers.
//
// HTTP: GET /api/items/import-template
func (h *ItemHandler) HandleImportTemplate(w http.ResponseWriter, r *http.Request) {
	book, err := excel.ImportTemplate()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="items-import-template.xlsx"`)
	if _, err := w.Write(book); err != nil {
		h.logger.Error("failed to write template response", slog.String("error", err.Error()))
	}
}

// HandlePriceHistory returns the price change log, newest first.
//
// HTTP: GET /api/price-history?search=&limit=&offset=
func (h *ItemHandler) HandlePriceHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := h.items.PriceHistory(r.Context(), parseListOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}
