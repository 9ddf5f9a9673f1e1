package handler

import (
	"net/http"

	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/service"
)

type statusRequest struct {
	Status          string  `json:"status"`
	CurrentLocation *string `json:"currentLocation"`
}

// UpdatePackageStatus меняет статус посылки. Только для сотрудников.
func (h *Handler) UpdatePackageStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "update package status", err)
		return
	}

	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "update package status", err)
		return
	}

	pkg, err := h.service.ApplyStatusChange(r.Context(), caller, id, service.StatusChangeRequest{
		Status:          model.PackageStatus(req.Status),
		CurrentLocation: req.CurrentLocation,
	})
	if err != nil {
		h.writeError(w, r, "update package status", err)
		return
	}

	writeJSON(w, http.StatusOK, newPackageResponse(pkg))
}

// GetPackage возвращает посылку владельцу или сотруднику.
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "get package", err)
		return
	}

	pkg, err := h.service.GetPackage(r.Context(), caller, id)
	if err != nil {
		h.writeError(w, r, "get package", err)
		return
	}

	writeJSON(w, http.StatusOK, newPackageResponse(pkg))
}
