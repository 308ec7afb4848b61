package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/salesdrill/internal/i18n"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleDeleteUser removes a user and every document they own. The identity
// provider account is removed asynchronously by the user.deleted listener.
func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	h.drafts.DropUser(userID)
	if err := h.store.DeleteUser(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("user deleted via admin", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": appI18n.Td(r.Context(), "UserDeleted", map[string]any{"UserID": userID}),
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Export-Summary", appI18n.Tp(r.Context(), "ResultsExported", export.Count))
	writeJSON(w, http.StatusOK, export)
}
