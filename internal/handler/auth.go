package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/salesdrill/internal/i18n"
	"github.com/pavelanni/salesdrill/internal/model"
)

// Identity headers set by the gateway after it has authenticated the caller.
const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	headerUserName = "X-User-Name"
)

// requireActor turns the gateway identity headers into a model.Actor and
// mirrors the caller into the users table.
func (h *Handler) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerUserID))
		if id == "" {
			writeMessage(w, http.StatusUnauthorized, appI18n.T(r.Context(), "Unauthenticated"), "Unauthenticated")
			return
		}
		role := model.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerUserRole))))
		if role == "" {
			role = model.RoleLearner
		}
		if !role.Valid() {
			slog.Warn("unknown role header", "user_id", id, "role", role)
			writeMessage(w, http.StatusUnauthorized, appI18n.T(r.Context(), "Unauthenticated"), "Unauthenticated")
			return
		}

		if err := h.store.UpsertUser(r.Context(), model.User{
			ID:          id,
			DisplayName: r.Header.Get(headerUserName),
			Role:        role,
		}); err != nil {
			h.writeError(w, r, err)
			return
		}

		ctx := model.ContextWithActor(r.Context(), model.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the actor has one of the allowed roles.
func requireRole(allowed ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := model.ActorFromContext(r.Context())
			if !ok {
				writeMessage(w, http.StatusUnauthorized, appI18n.T(r.Context(), "Unauthenticated"), "Unauthenticated")
				return
			}
			for _, role := range allowed {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeMessage(w, http.StatusForbidden, appI18n.T(r.Context(), "Forbidden"), "Forbidden")
		})
	}
}

// requireSelfOrStaff lets learners reach only their own documents.
func requireSelfOrStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := model.ActorFromContext(r.Context())
		if actor.Role.CanGrade() || actor.ID == chi.URLParam(r, "userID") {
			next.ServeHTTP(w, r)
			return
		}
		writeMessage(w, http.StatusForbidden, appI18n.T(r.Context(), "Forbidden"), "Forbidden")
	})
}
