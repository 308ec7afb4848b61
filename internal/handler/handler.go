package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/draft"
	"github.com/pavelanni/salesdrill/internal/exercise"
	appI18n "github.com/pavelanni/salesdrill/internal/i18n"
	"github.com/pavelanni/salesdrill/internal/live"
	"github.com/pavelanni/salesdrill/internal/model"
	"github.com/pavelanni/salesdrill/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	repos  exercise.Set
	drafts *draft.Manager
	grader *exercise.AutoGrader
	hub    *live.Hub
}

// New creates a new Handler. grader may be nil when no AI backend is
// configured.
func New(s *store.Store, repos exercise.Set, drafts *draft.Manager, grader *exercise.AutoGrader, hub *live.Hub) *Handler {
	return &Handler{store: s, repos: repos, drafts: drafts, grader: grader, hub: hub}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireActor)

		r.With(requireRole(model.RoleTrainer, model.RoleAdmin)).Get("/export", h.handleExport)
		r.With(requireRole(model.RoleTrainer, model.RoleAdmin)).Get("/users", h.handleListUsers)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.With(requireRole(model.RoleAdmin)).Delete("/", h.handleDeleteUser)

			r.Group(func(r chi.Router) {
				r.Use(requireSelfOrStaff)
				r.Get("/events", h.handleEvents)

				r.Route("/exercises/{type}", func(r chi.Router) {
					r.Get("/", h.handleGet)
					r.Patch("/", h.handleUpdate)
					r.Put("/draft", h.handleDraft)
					r.Post("/submit", h.handleSubmit)
					r.Post("/evaluate", h.handleEvaluate)
					r.Post("/reset", h.handleReset)
					r.Post("/publish", h.handlePublish)
					r.Post("/ai-evaluate", h.handleAIEvaluate)
				})
			})
		})
	})
}

// repo resolves the exercise type in the URL. It writes the error response
// itself and returns nil when the type is unknown.
func (h *Handler) repo(w http.ResponseWriter, r *http.Request) exercise.Repository {
	repo, err := h.repos.Lookup(model.ExerciseType(chi.URLParam(r, "type")))
	if err != nil {
		h.writeError(w, r, err)
		return nil
	}
	return repo
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	repo := h.repo(w, r)
	if repo == nil {
		return
	}
	ex, err := repo.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type updateRequest struct {
	Content    json.RawMessage   `json:"content"`
	Evaluation *model.Evaluation `json:"evaluation"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	repo := h.repo(w, r)
	if repo == nil {
		return
	}
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	var p exercise.Patch
	if len(req.Content) > 0 && string(req.Content) != "null" {
		c, err := model.DecodeContent(repo.Type(), req.Content)
		if err != nil {
			h.badRequest(w, r, err)
			return
		}
		p.Content = c
	}
	p.Evaluation = req.Evaluation

	actor, _ := model.ActorFromContext(r.Context())
	ex, err := repo.Update(r.Context(), actor, chi.URLParam(r, "userID"), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type draftResponse struct {
	Content   model.Content `json:"content"`
	Status    model.Status  `json:"status"`
	Pending   bool          `json:"pending"`
	LastError string        `json:"lastError,omitempty"`
}

// handleDraft stages learner content in the debounced draft buffer. The
// response carries the optimistic content; the write happens later.
func (h *Handler) handleDraft(w http.ResponseWriter, r *http.Request) {
	repo := h.repo(w, r)
	if repo == nil {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	c, err := model.DecodeContent(repo.Type(), body)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	userID := chi.URLParam(r, "userID")
	actor, _ := model.ActorFromContext(r.Context())
	b, err := h.drafts.Edit(r.Context(), actor, userID, repo.Type(), c)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := draftResponse{
		Content: b.Content(),
		Status:  b.Status(),
		Pending: b.Pending(),
	}
	if ferr := h.drafts.LastError(userID, repo.Type()); ferr != nil {
		resp.LastError = appI18n.T(r.Context(), "DraftSaveFailed")
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type transitionFunc func(repo exercise.Repository, r *http.Request, actor model.Actor, userID string) (*model.Exercise, error)

func (h *Handler) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := h.repo(w, r)
		if repo == nil {
			return
		}
		actor, _ := model.ActorFromContext(r.Context())
		ex, err := fn(repo, r, actor, chi.URLParam(r, "userID"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ex)
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.transition(func(repo exercise.Repository, r *http.Request, actor model.Actor, userID string) (*model.Exercise, error) {
		h.drafts.Flush(userID, repo.Type())
		return repo.Submit(r.Context(), actor, userID)
	})(w, r)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.transition(func(repo exercise.Repository, r *http.Request, actor model.Actor, userID string) (*model.Exercise, error) {
		return repo.Reset(r.Context(), actor, userID)
	})(w, r)
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	h.transition(func(repo exercise.Repository, r *http.Request, actor model.Actor, userID string) (*model.Exercise, error) {
		return repo.Publish(r.Context(), actor, userID)
	})(w, r)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	// An empty body validates the scores already drafted on the exercise.
	var ev *model.Evaluation
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(w, r, err)
		return
	}
	h.transition(func(repo exercise.Repository, r *http.Request, actor model.Actor, userID string) (*model.Exercise, error) {
		return repo.Evaluate(r.Context(), actor, userID, ev)
	})(w, r)
}

func (h *Handler) handleAIEvaluate(w http.ResponseWriter, r *http.Request) {
	actor, _ := model.ActorFromContext(r.Context())
	if !actor.Role.CanGrade() {
		h.writeError(w, r, apperr.Invalid("Forbidden", "only trainers can request AI evaluation"))
		return
	}
	if h.grader == nil {
		writeMessage(w, http.StatusServiceUnavailable, appI18n.T(r.Context(), "AIDisabled"), "AIDisabled")
		return
	}
	t := model.ExerciseType(chi.URLParam(r, "type"))
	ex, err := h.grader.Grade(r.Context(), chi.URLParam(r, "userID"), t)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// handleEvents streams committed changes of the user's exercises.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	keys := []string{model.UserPath(userID)}
	for _, v := range model.Variants() {
		keys = append(keys, model.DocumentPath(userID, v.Type))
	}
	h.hub.ServeSSE(w, r, keys)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.badRequest(w, r, err)
		return false
	}
	return true
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	slog.Debug("rejected request body", "path", r.URL.Path, "error", err)
	writeMessage(w, http.StatusBadRequest, appI18n.T(r.Context(), "BadRequest"), "BadRequest")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	code := ""
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		code = ve.Code
		if code == "Forbidden" {
			status = http.StatusForbidden
		}
	}
	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeMessage(w, status, appI18n.Error(r.Context(), err), code)
}

func writeMessage(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
