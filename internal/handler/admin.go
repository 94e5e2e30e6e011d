package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/service"
)

// AdminHandler serves /api/admin. The router puts RequireSession and
// RequireAdmin in front of every route, so handlers here do not check the
// caller again.
type AdminHandler struct {
	admin       *service.AdminService
	withdrawals *service.WithdrawalService
	logger      *slog.Logger
}

func NewAdminHandler(admin *service.AdminService, withdrawals *service.WithdrawalService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:       admin,
		withdrawals: withdrawals,
		logger:      logger,
	}
}

type createPostRequest struct {
	Title         string               `json:"title"`
	Link          string               `json:"link"`
	Type          model.EngagementType `json:"type"`
	Reward        decimal.Decimal      `json:"reward"`
	TargetBatches []string             `json:"targetBatches"`
	ClickLimit    *int                 `json:"clickLimit"`
	AutoDelete    bool                 `json:"autoDelete"`
	Message       string               `json:"message"`
	Active        *bool                `json:"active"`
}

type togglePostRequest struct {
	Active *bool `json:"active"`
}

// updateUserRequest mirrors model.UserUpdate: absent fields stay untouched.
type updateUserRequest struct {
	Balance  *decimal.Decimal `json:"balance"`
	Batch    *string          `json:"batch"`
	IsAdmin  *bool            `json:"isAdmin"`
	Verified *bool            `json:"verified"`
}

type resolveRequest struct {
	Decision model.WithdrawalStatus `json:"decision"`
	Note     string                 `json:"note"`
}

// === POSTS ===

// HTTP: GET /api/admin/posts
func (h *AdminHandler) HandleListPosts(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	posts, err := h.admin.ListPosts(r.Context(), opts)
	if err != nil {
		h.fail(w, "failed to list posts", err)
		return
	}
	if posts == nil {
		posts = []model.Post{}
	}
	writeJSON(w, http.StatusOK, posts)
}

// HTTP: POST /api/admin/posts
func (h *AdminHandler) HandleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	post, err := h.admin.CreatePost(r.Context(), service.PostInput{
		Title:         req.Title,
		Link:          req.Link,
		Type:          req.Type,
		Reward:        req.Reward,
		TargetBatches: req.TargetBatches,
		ClickLimit:    req.ClickLimit,
		AutoDelete:    req.AutoDelete,
		Message:       req.Message,
		Active:        req.Active,
	})
	if err != nil {
		h.fail(w, "failed to create post", err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// HandleTogglePost switches a post on or off.
//
// HTTP: PATCH /api/admin/posts/{id}  {"active": false}
func (h *AdminHandler) HandleTogglePost(w http.ResponseWriter, r *http.Request) {
	var req togglePostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Active == nil {
		writeError(w, apperror.ValidationFailed("active", "active is required"))
		return
	}

	post, err := h.admin.SetPostActive(r.Context(), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		h.fail(w, "failed to toggle post", err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// HTTP: DELETE /api/admin/posts/{id}
func (h *AdminHandler) HandleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeletePost(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "failed to delete post", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === USERS ===

// HTTP: GET /api/admin/users
func (h *AdminHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	users, err := h.admin.ListUsers(r.Context(), opts)
	if err != nil {
		h.fail(w, "failed to list users", err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// HTTP: PATCH /api/admin/users/{id}
func (h *AdminHandler) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.admin.UpdateUser(r.Context(), chi.URLParam(r, "id"), model.UserUpdate{
		Balance:  req.Balance,
		Batch:    req.Batch,
		IsAdmin:  req.IsAdmin,
		Verified: req.Verified,
	})
	if err != nil {
		h.fail(w, "failed to update user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HTTP: DELETE /api/admin/users/{id}
func (h *AdminHandler) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "failed to delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === WITHDRAWALS ===

// HTTP: GET /api/admin/withdrawals?status=pending
func (h *AdminHandler) HandleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status := model.WithdrawalStatus(r.URL.Query().Get("status"))

	ws, err := h.withdrawals.ListAll(r.Context(), status, opts)
	if err != nil {
		h.fail(w, "failed to list withdrawals", err)
		return
	}
	if ws == nil {
		ws = []model.WithdrawalView{}
	}
	writeJSON(w, http.StatusOK, ws)
}

// HandleResolveWithdrawal approves or declines a pending withdrawal. A
// decline refunds the escrowed amount.
//
// HTTP: POST /api/admin/withdrawals/{id}/resolve  {"decision": "declined", "note": "..."}
func (h *AdminHandler) HandleResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.withdrawals.Resolve(r.Context(), chi.URLParam(r, "id"), req.Decision, req.Note)
	if err != nil {
		h.fail(w, "failed to resolve withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// === READ-ONLY ===

// HTTP: GET /api/admin/clicks
func (h *AdminHandler) HandleListClicks(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	clicks, err := h.admin.ListClicks(r.Context(), opts)
	if err != nil {
		h.fail(w, "failed to list clicks", err)
		return
	}
	if clicks == nil {
		clicks = []model.Click{}
	}
	writeJSON(w, http.StatusOK, clicks)
}

// HTTP: GET /api/admin/batches
func (h *AdminHandler) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.admin.ListBatches(r.Context())
	if err != nil {
		h.fail(w, "failed to list batches", err)
		return
	}
	if batches == nil {
		batches = []model.Batch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

// fail logs server-side failures and writes the mapped error.
func (h *AdminHandler) fail(w http.ResponseWriter, msg string, err error) {
	if status, _ := classify(err); status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("error", err.Error()))
	}
	writeError(w, err)
}
