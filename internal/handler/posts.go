package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/service"
)

// PostHandler serves the user-facing task feed and click submission.
type PostHandler struct {
	svc    *service.SettlementService
	logger *slog.Logger
}

func NewPostHandler(svc *service.SettlementService, logger *slog.Logger) *PostHandler {
	return &PostHandler{svc: svc, logger: logger}
}

// ClickResponse is the result of a settled click.
type ClickResponse struct {
	Success     bool            `json:"success"`
	Reward      decimal.Decimal `json:"reward"`
	AutoDeleted bool            `json:"autoDeleted"`
}

// HandleList returns the active posts aimed at the caller's batch.
//
// HTTP: GET /api/posts
func (h *PostHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("a session is required"))
		return
	}

	posts, err := h.svc.ListForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list posts", slog.String("userID", userID), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	if posts == nil {
		posts = []model.PostView{}
	}
	writeJSON(w, http.StatusOK, posts)
}

// HandleClick settles one engagement and credits the frozen reward.
//
// HTTP: POST /api/posts/{id}/click
//
// A second submission for the same post answers 409 with code
// duplicate_submission; a post retired by auto-delete answers 404.
func (h *PostHandler) HandleClick(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("a session is required"))
		return
	}
	postID := chi.URLParam(r, "id")

	res, err := h.svc.Submit(r.Context(), userID, postID)
	if err != nil {
		if status, _ := classify(err); status >= http.StatusInternalServerError {
			h.logger.Error("click settlement failed",
				slog.String("userID", userID),
				slog.String("postID", postID),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ClickResponse{
		Success:     true,
		Reward:      res.Reward,
		AutoDeleted: res.AutoDeleted,
	})
}

// HandleHistory returns the caller's settled clicks, newest first.
//
// HTTP: GET /api/clicks?limit=&offset=
func (h *PostHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("a session is required"))
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}

	clicks, err := h.svc.History(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list clicks", slog.String("userID", userID), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	if clicks == nil {
		clicks = []model.Click{}
	}
	writeJSON(w, http.StatusOK, clicks)
}
