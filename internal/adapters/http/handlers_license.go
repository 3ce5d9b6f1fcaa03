package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) currentLicense(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.CurrentLicenseView(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "current_license", err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

func (h *Handler) syncLicense(w http.ResponseWriter, r *http.Request) {
	if _, err := h.service.SyncFromMaster(r.Context()); err != nil {
		writeMappedError(r.Context(), w, "sync_license", err)
		return
	}
	view, err := h.service.CurrentLicenseView(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "sync_license", err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

func (h *Handler) fingerprintChanges(w http.ResponseWriter, r *http.Request) {
	licenseID := chi.URLParam(r, "license_id")
	items, err := h.service.FingerprintChanges(r.Context(), licenseID)
	if err != nil {
		writeMappedError(r.Context(), w, "fingerprint_changes", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"changes": items})
}
