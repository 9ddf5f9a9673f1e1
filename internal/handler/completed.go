package handler

import (
	"net/http"

	"github.com/mmeshcher/parcelpay/internal/model"
)

// ListCompleted возвращает архивные записи текущего пользователя; сотруднику доступны все.
func (h *Handler) ListCompleted(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	records, err := h.service.ListCompletedTransactions(r.Context(), caller)
	if err != nil {
		h.writeError(w, r, "list completed", err)
		return
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]completedResponse, 0, len(records))
	for i := range records {
		resp = append(resp, newCompletedResponse(&records[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCompleted возвращает архивную запись.
func (h *Handler) GetCompleted(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "get completed", err)
		return
	}

	c, err := h.service.GetCompletedTransaction(r.Context(), caller, id)
	if err != nil {
		h.writeError(w, r, "get completed", err)
		return
	}

	writeJSON(w, http.StatusOK, newCompletedResponse(c))
}

type postCompletionRequest struct {
	PackageStatus string `json:"packageStatus"`
}

// SetCompletedStatus меняет этап обработки архивной записи.
func (h *Handler) SetCompletedStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "set completed status", err)
		return
	}

	var req postCompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "set completed status", err)
		return
	}

	c, err := h.service.SetPostCompletionStatus(r.Context(), caller, id, model.PostCompletionStatus(req.PackageStatus))
	if err != nil {
		h.writeError(w, r, "set completed status", err)
		return
	}

	writeJSON(w, http.StatusOK, newCompletedResponse(c))
}

// SetCompletedTracking назначает архивной записи трек-номер и заметки.
func (h *Handler) SetCompletedTracking(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "set completed tracking", err)
		return
	}

	var req trackingRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "set completed tracking", err)
		return
	}

	c, err := h.service.SetCompletedTrackingCode(r.Context(), caller, id, req.AdminTrackingID, req.Notes)
	if err != nil {
		h.writeError(w, r, "set completed tracking", err)
		return
	}

	writeJSON(w, http.StatusOK, newCompletedResponse(c))
}

// DeleteCompleted удаляет архивную запись.
func (h *Handler) DeleteCompleted(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "delete completed", err)
		return
	}

	if err := h.service.DeleteCompletedTransaction(r.Context(), caller, id); err != nil {
		h.writeError(w, r, "delete completed", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
