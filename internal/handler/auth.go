package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/service"
)

// AuthHandler serves the code-based sign-up and login flow.
//
// FLOW:
//   - register      → user row + emailed registration code
//   - verify-email  → marks the email verified, mints the permanent code, opens a session
//   - login         → permanent code opens a session directly; email sends a login code
//   - verify-login  → login code opens a session
//   - logout        → deletes the session and clears the cookie
//
// Every session-opening endpoint answers with the signed handle in the body
// and also sets it as an HttpOnly cookie, so both API clients (Bearer) and
// browsers work.
type AuthHandler struct {
	svc    *service.AuthService
	tokens *auth.TokenService
	cookie auth.Cookie
	logger *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, tokens *auth.TokenService, cookie auth.Cookie, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		tokens: tokens,
		cookie: cookie,
		logger: logger,
	}
}

type registerRequest struct {
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Phone     string `json:"phone"`
	Instagram string `json:"instagram"`
	Facebook  string `json:"facebook"`
	Twitter   string `json:"twitter"`
	TikTok    string `json:"tiktok"`
	YouTube   string `json:"youtube"`
}

type registerResponse struct {
	User    *model.User `json:"user"`
	Message string      `json:"message"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type loginRequest struct {
	Email         string `json:"email"`
	PermanentCode string `json:"permanentCode"`
}

// SessionResponse is returned whenever a session is opened.
type SessionResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      *model.User `json:"user"`
}

type codeSentResponse struct {
	CodeSent bool   `json:"codeSent"`
	Message  string `json:"message"`
}

// HandleRegister creates an unverified account.
//
// HTTP: POST /api/auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.svc.Register(r.Context(), service.RegisterInput{
		Email:     req.Email,
		FullName:  req.FullName,
		Phone:     req.Phone,
		Instagram: req.Instagram,
		Facebook:  req.Facebook,
		Twitter:   req.Twitter,
		TikTok:    req.TikTok,
		YouTube:   req.YouTube,
	})
	if err != nil {
		h.logFailure("register failed", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		User:    user,
		Message: "Verification code sent to your email",
	})
}

// HandleVerifyEmail confirms the registration code and signs the user in.
//
// HTTP: POST /api/auth/verify-email
func (h *AuthHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.VerifyEmail(r.Context(), req.Email, req.Code, clientMeta(r))
	if err != nil {
		h.logFailure("email verification failed", err)
		writeError(w, err)
		return
	}
	h.writeSession(w, res)
}

// HandleResendCode issues a fresh registration code.
//
// HTTP: POST /api/auth/resend-code
func (h *AuthHandler) HandleResendCode(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.svc.ResendCode(r.Context(), req.Email); err != nil {
		h.logFailure("resend code failed", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "A new verification code has been sent"})
}

// HandleLogin accepts either a permanent code (session right away) or an
// email (a login code is sent).
//
// HTTP: POST /api/auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Login(r.Context(), service.LoginInput{
		Email:         req.Email,
		PermanentCode: req.PermanentCode,
	}, clientMeta(r))
	if err != nil {
		h.logFailure("login failed", err)
		writeError(w, err)
		return
	}

	if res.CodeSent {
		writeJSON(w, http.StatusOK, codeSentResponse{
			CodeSent: true,
			Message:  "Login code sent to your email",
		})
		return
	}
	h.writeSession(w, res.Session)
}

// HandleVerifyLogin exchanges an emailed login code for a session.
//
// HTTP: POST /api/auth/verify-login
func (h *AuthHandler) HandleVerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.VerifyLogin(r.Context(), req.Email, req.Code, clientMeta(r))
	if err != nil {
		h.logFailure("login verification failed", err)
		writeError(w, err)
		return
	}
	h.writeSession(w, res)
}

// HandleLogout ends the caller's session. It succeeds even without one.
//
// HTTP: POST /api/auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if handle, _ := h.cookie.HandleFromRequest(r); handle != "" {
		// an unreadable handle has no session to delete
		if token, err := h.tokens.Open(handle); err == nil {
			if err := h.svc.Logout(r.Context(), token); err != nil {
				h.logger.Error("logout failed", slog.String("error", err.Error()))
				writeError(w, err)
				return
			}
		}
	}

	h.cookie.Clear(w)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Logged out"})
}

// HandleMe returns the signed-in user.
//
// HTTP: GET /api/auth/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("a session is required"))
		return
	}

	user, err := h.svc.WhoAmI(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) writeSession(w http.ResponseWriter, res *service.SessionResult) {
	h.cookie.Set(w, res.Handle, res.ExpiresAt)
	writeJSON(w, http.StatusOK, SessionResponse{
		Token:     res.Handle,
		ExpiresAt: res.ExpiresAt,
		User:      res.User,
	})
}

// logFailure logs unexpected failures. Client mistakes (bad code, taken
// email) are not worth an error line.
func (h *AuthHandler) logFailure(msg string, err error) {
	if status, _ := classify(err); status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("error", err.Error()))
		return
	}
	h.logger.Debug(msg, slog.String("reason", err.Error()))
}

func clientMeta(r *http.Request) service.ClientMeta {
	return service.ClientMeta{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
}
