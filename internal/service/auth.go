package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/metrics"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/notify"
	"github.com/sakif/clickpay/internal/repository"
)

// maxPermanentCodeDraws bounds the retries when a freshly drawn permanent
// code collides with an existing one.
const maxPermanentCodeDraws = 10

const maxFullNameLength = 100

// AuthConfig holds the lifetimes and limits of the auth protocol.
type AuthConfig struct {
	SessionTTL      time.Duration
	RegisterCodeTTL time.Duration
	LoginCodeTTL    time.Duration
	MaxCodeAttempts int
}

func (c AuthConfig) withDefaults() AuthConfig {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 7 * 24 * time.Hour
	}
	if c.RegisterCodeTTL <= 0 {
		c.RegisterCodeTTL = 15 * time.Minute
	}
	if c.LoginCodeTTL <= 0 {
		c.LoginCodeTTL = 10 * time.Minute
	}
	if c.MaxCodeAttempts <= 0 {
		c.MaxCodeAttempts = 5
	}
	return c
}

// AuthService runs registration, email verification, the two login paths
// and session validation.
//
//	AuthHandler (HTTP) → AuthService → Store (users, codes, sessions, batches)
//	                                 ↘ TokenService (signed handles)
//	                                 ↘ Notifier (codes by email)
//
// One-time codes are stored as bcrypt hashes and compared outside any
// transaction; only the used-flag flip happens inside one, conditioned on
// the code still being unused and unexpired.
//
// THE THREE CREDENTIALS:
//
//   - one-time code: 6 digits, emailed, bcrypt-hashed at rest, short-lived,
//     consumed on first correct use, locked after MaxCodeAttempts misses.
//     Purpose "register" verifies the email, purpose "login" logs in.
//   - permanent code: 6 digits, issued once at verification, UNIQUE across
//     users. Presenting it logs in without an email round-trip.
//   - session: a random token in the sessions table. The client never sees
//     it raw; it gets a signed handle from auth.TokenService instead.
//
// Every successful verification ends in openSession + sessionResult.
type AuthService struct {
	store    repository.Store
	tokens   *auth.TokenService
	hasher   *auth.CodeHasher
	cache    *auth.CodeCache
	notifier Notifier
	config   AuthConfig
	logger   *slog.Logger

	now     Clock
	genCode func() (string, error)
}

func NewAuthService(
	store repository.Store,
	tokens *auth.TokenService,
	hasher *auth.CodeHasher,
	cache *auth.CodeCache,
	notifier Notifier,
	cfg AuthConfig,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		store:    store,
		tokens:   tokens,
		hasher:   hasher,
		cache:    cache,
		notifier: notifier,
		config:   cfg.withDefaults(),
		logger:   logger,
		now:      systemClock,
		genCode:  auth.GenerateCode,
	}
}

// RegisterInput is the profile submitted at sign-up.
type RegisterInput struct {
	Email     string
	FullName  string
	Phone     string
	Instagram string
	Facebook  string
	Twitter   string
	TikTok    string
	YouTube   string
}

// LoginInput carries exactly one of Email or PermanentCode.
type LoginInput struct {
	Email         string
	PermanentCode string
}

// SessionResult is a freshly opened session. Handle is the signed value the
// client presents as a bearer token or cookie.
type SessionResult struct {
	Handle    string
	ExpiresAt time.Time
	User      *model.User
}

// LoginResult is either a session (permanent-code login) or CodeSent (email
// login, the client continues with VerifyLogin).
type LoginResult struct {
	Session  *SessionResult
	CodeSent bool
}

// Register creates an unverified user, allocates their batch, and sends a
// registration code. The batch allocation, the user row and the code share
// one transaction; the email goes out after commit.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	user, err := validateRegistration(in)
	if err != nil {
		return nil, err
	}

	code, hash, err := s.newCode()
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx repository.Queries) error {
		// A taken email outranks a taken handle. SQLite checks the handle
		// indexes first, so the INSERT alone would report the wrong one.
		// The UNIQUE constraint still catches a concurrent registration.
		_, err := tx.GetUserByEmail(ctx, user.Email)
		switch {
		case err == nil:
			return apperror.ConflictReason(apperror.CodeEmailTaken, "email is already registered")
		case !errors.Is(err, apperror.ErrNotFound):
			return err
		}

		batch, err := tx.AssignBatch(ctx)
		if err != nil {
			return err
		}
		user.Batch = batch

		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		return s.storeCode(ctx, tx, user.Email, model.PurposeRegister, hash, s.config.RegisterCodeTTL)
	})
	if err != nil {
		return nil, fmt.Errorf("service/auth: registering %s: %w", notify.EmailDomain(user.Email), err)
	}

	s.logger.Info("user registered",
		slog.String("userID", user.ID),
		slog.String("batch", user.Batch),
	)
	s.notifier.Enqueue(notify.RegisterCode(user.Email, code, s.config.RegisterCodeTTL))
	return user, nil
}

func validateRegistration(in RegisterInput) (*model.User, error) {
	user := &model.User{
		Email:     normalizeEmail(in.Email),
		FullName:  strings.TrimSpace(in.FullName),
		Phone:     strings.TrimSpace(in.Phone),
		Instagram: normalizeHandle(in.Instagram),
		Facebook:  normalizeHandle(in.Facebook),
		Twitter:   normalizeHandle(in.Twitter),
		TikTok:    normalizeHandle(in.TikTok),
		YouTube:   normalizeHandle(in.YouTube),
	}

	if !validEmail(user.Email) {
		return nil, apperror.ValidationFailed("email", "a valid email address is required")
	}
	if user.FullName == "" {
		return nil, apperror.ValidationFailed("fullName", "full name is required")
	}
	if len(user.FullName) > maxFullNameLength {
		return nil, apperror.ValidationFailed("fullName",
			fmt.Sprintf("full name must be %d characters or less", maxFullNameLength))
	}
	if !isDigits(user.Phone, 10) {
		return nil, apperror.ValidationFailed("phone", "phone must be exactly 10 digits")
	}
	if len(user.Handles()) == 0 {
		return nil, apperror.ValidationFailed("handles", "at least one social media handle is required")
	}
	return user, nil
}

func normalizeHandle(h string) string {
	return strings.TrimPrefix(strings.TrimSpace(h), "@")
}

// VerifyEmail consumes a registration code, marks the user verified, gives
// them a permanent code and opens their first session.
func (s *AuthService) VerifyEmail(ctx context.Context, email, code string, meta ClientMeta) (*SessionResult, error) {
	email = normalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("service/auth: verifying email: %w", err)
	}
	if user.Verified {
		return nil, apperror.ConflictReason(apperror.CodeAlreadyVerified, "email is already verified")
	}

	vc, err := s.checkCode(ctx, email, model.PurposeRegister, code)
	if err != nil {
		return nil, err
	}

	// ONE TRANSACTION:
	// consuming the code, flipping verified, drawing the permanent code and
	// opening the session commit together. If the permanent code cannot be
	// assigned the registration code stays unused and can be retried.
	var (
		permanent string
		session   *model.Session
	)
	err = s.store.InTx(ctx, func(tx repository.Queries) error {
		if err := s.markUsed(ctx, tx, vc); err != nil {
			return err
		}
		if err := tx.SetUserVerified(ctx, user.ID); err != nil {
			return err
		}
		permanent, err = s.assignPermanentCode(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		session, err = s.openSession(ctx, tx, user.ID, meta)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("service/auth: verifying email of %s: %w", user.ID, err)
	}

	// Side effects only after commit: a rolled-back verification must not
	// leave a cache entry or an email behind.
	user.Verified = true
	user.PermanentCode = &permanent
	s.cache.Put(permanent, user.ID)

	s.logger.Info("email verified", slog.String("userID", user.ID))
	s.notifier.Enqueue(notify.PermanentCode(user.Email, permanent))
	metrics.SessionsIssuedTotal.WithLabelValues("verify_email").Inc()

	return s.sessionResult(session, user)
}

// ResendCode replaces the registration code of an unverified user.
func (s *AuthService) ResendCode(ctx context.Context, email string) error {
	email = normalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("service/auth: resending code: %w", err)
	}
	if user.Verified {
		return apperror.ConflictReason(apperror.CodeAlreadyVerified, "email is already verified")
	}

	code, err := s.issueCode(ctx, email, model.PurposeRegister, s.config.RegisterCodeTTL)
	if err != nil {
		return fmt.Errorf("service/auth: resending code to %s: %w", user.ID, err)
	}
	s.notifier.Enqueue(notify.RegisterCode(email, code, s.config.RegisterCodeTTL))
	return nil
}

// Login starts a login. A permanent code opens a session directly; an email
// gets a one-time login code.
//
// Exactly one of the two fields must be set. Sending both is rejected
// rather than silently preferring one, so a client bug shows up as a 400.
func (s *AuthService) Login(ctx context.Context, in LoginInput, meta ClientMeta) (*LoginResult, error) {
	email := normalizeEmail(in.Email)
	permanent := strings.TrimSpace(in.PermanentCode)

	switch {
	case email == "" && permanent == "":
		return nil, apperror.ValidationFailed("email", "email or permanent code is required")
	case email != "" && permanent != "":
		return nil, apperror.ValidationFailed("email", "provide either email or permanent code, not both")
	case permanent != "":
		session, err := s.loginWithPermanentCode(ctx, permanent, meta)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Session: session}, nil
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("service/auth: login: %w", err)
	}
	if !user.Verified {
		return nil, apperror.ConflictReason(apperror.CodeNotVerified, "email is not verified yet")
	}

	code, err := s.issueCode(ctx, email, model.PurposeLogin, s.config.LoginCodeTTL)
	if err != nil {
		return nil, fmt.Errorf("service/auth: issuing login code for %s: %w", user.ID, err)
	}
	s.notifier.Enqueue(notify.LoginCode(email, code, s.config.LoginCodeTTL))
	return &LoginResult{CodeSent: true}, nil
}

func (s *AuthService) loginWithPermanentCode(ctx context.Context, code string, meta ClientMeta) (*SessionResult, error) {
	if !auth.ValidCodeFormat(code) {
		return nil, invalidCode("permanent code must be 6 digits")
	}

	user, err := s.userForPermanentCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !user.Verified {
		return nil, apperror.ConflictReason(apperror.CodeNotVerified, "email is not verified yet")
	}

	session, err := s.openSession(ctx, s.store, user.ID, meta)
	if err != nil {
		return nil, fmt.Errorf("service/auth: permanent code login of %s: %w", user.ID, err)
	}
	metrics.SessionsIssuedTotal.WithLabelValues("permanent_code").Inc()
	return s.sessionResult(session, user)
}

// userForPermanentCode resolves a permanent code through the cache. A
// cached id is re-read from the store, so a deleted or edited user is never
// logged in from a stale entry.
func (s *AuthService) userForPermanentCode(ctx context.Context, code string) (*model.User, error) {
	if id, ok := s.cache.Get(code); ok {
		user, err := s.store.GetUserByID(ctx, id)
		if err == nil && user.PermanentCode != nil && *user.PermanentCode == code {
			metrics.PermanentCodeCacheTotal.WithLabelValues("hit").Inc()
			return user, nil
		}
		if err != nil && !errors.Is(err, apperror.ErrNotFound) {
			return nil, fmt.Errorf("service/auth: loading cached user %s: %w", id, err)
		}
		s.cache.InvalidateUser(id)
	}
	metrics.PermanentCodeCacheTotal.WithLabelValues("miss").Inc()

	user, err := s.store.GetUserByPermanentCode(ctx, code)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, invalidCode("invalid permanent code")
		}
		return nil, fmt.Errorf("service/auth: looking up permanent code: %w", err)
	}
	s.cache.Put(code, user.ID)
	return user, nil
}

// VerifyLogin consumes a login code and opens a session.
func (s *AuthService) VerifyLogin(ctx context.Context, email, code string, meta ClientMeta) (*SessionResult, error) {
	email = normalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("service/auth: verifying login: %w", err)
	}
	if !user.Verified {
		return nil, apperror.ConflictReason(apperror.CodeNotVerified, "email is not verified yet")
	}

	vc, err := s.checkCode(ctx, email, model.PurposeLogin, code)
	if err != nil {
		return nil, err
	}

	var session *model.Session
	err = s.store.InTx(ctx, func(tx repository.Queries) error {
		if err := s.markUsed(ctx, tx, vc); err != nil {
			return err
		}
		session, err = s.openSession(ctx, tx, user.ID, meta)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("service/auth: verifying login of %s: %w", user.ID, err)
	}

	metrics.SessionsIssuedTotal.WithLabelValues("login_code").Inc()
	return s.sessionResult(session, user)
}

// Logout deletes the session. Unknown tokens are not an error.
func (s *AuthService) Logout(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return nil
	}
	if err := s.store.DeleteSession(ctx, sessionToken); err != nil {
		return fmt.Errorf("service/auth: logout: %w", err)
	}
	return nil
}

// Authenticate validates a session token and slides its expiry to
// now + SessionTTL. It implements auth.Authenticator.
//
// SLIDING SESSIONS:
// Each authenticated request pushes expires_at forward by SessionTTL, so a
// session only dies after SessionTTL of inactivity. The user row is read on
// every call: IsAdmin in the returned Identity is never older than this
// request, and a deleted user loses access immediately.
func (s *AuthService) Authenticate(ctx context.Context, sessionToken string) (*auth.Identity, error) {
	session, err := s.store.GetSession(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthenticated("session not found")
		}
		return nil, fmt.Errorf("service/auth: loading session: %w", err)
	}

	now := s.now()
	if session.Expired(now) {
		if err := s.store.DeleteSession(ctx, sessionToken); err != nil {
			s.logger.Warn("deleting expired session",
				slog.String("userID", session.UserID),
				slog.Any("error", err),
			)
		}
		return nil, apperror.Unauthenticated("session expired")
	}

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthenticated("session user no longer exists")
		}
		return nil, fmt.Errorf("service/auth: loading session user %s: %w", session.UserID, err)
	}

	expiresAt := now.Add(s.config.SessionTTL)
	if err := s.store.TouchSession(ctx, sessionToken, now, expiresAt); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthenticated("session revoked")
		}
		return nil, fmt.Errorf("service/auth: sliding session of %s: %w", user.ID, err)
	}

	return &auth.Identity{
		UserID:       user.ID,
		IsAdmin:      user.IsAdmin,
		SessionToken: sessionToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// WhoAmI returns the caller's own user record.
func (s *AuthService) WhoAmI(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated("a session is required")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", userID, err)
	}
	return user, nil
}

// =========================================================================
// CODES AND SESSIONS
// =========================================================================
//
// CODE LIFECYCLE:
//   issueCode   → purge old codes for (email, purpose), insert a new hash
//   checkCode   → read latest, reject used/expired/locked, bcrypt compare
//   markUsed    → conditional UPDATE inside the caller's transaction
//
// checkCode runs outside the transaction because bcrypt is slow on
// purpose, and the store has a single connection. Holding a transaction
// open across a bcrypt compare would stall every other request.

func (s *AuthService) newCode() (code, hash string, err error) {
	code, err = s.genCode()
	if err != nil {
		return "", "", fmt.Errorf("service/auth: %w", err)
	}
	hash, err = s.hasher.Hash(code)
	if err != nil {
		return "", "", fmt.Errorf("service/auth: %w", err)
	}
	return code, hash, nil
}

// issueCode replaces whatever codes exist for (email, purpose) with a fresh
// one and returns it in clear for delivery.
func (s *AuthService) issueCode(ctx context.Context, email string, purpose model.CodePurpose, ttl time.Duration) (string, error) {
	code, hash, err := s.newCode()
	if err != nil {
		return "", err
	}
	err = s.store.InTx(ctx, func(tx repository.Queries) error {
		return s.storeCode(ctx, tx, email, purpose, hash, ttl)
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

func (s *AuthService) storeCode(ctx context.Context, q repository.Queries, email string, purpose model.CodePurpose, hash string, ttl time.Duration) error {
	if _, err := q.PurgeCodes(ctx, email, purpose); err != nil {
		return err
	}
	return q.InsertCode(ctx, &model.VerificationCode{
		Email:     email,
		Purpose:   purpose,
		CodeHash:  hash,
		ExpiresAt: s.now().Add(ttl),
	})
}

// checkCode compares code against the latest code for (email, purpose).
// A wrong guess counts against the code's attempt ceiling.
func (s *AuthService) checkCode(ctx context.Context, email string, purpose model.CodePurpose, code string) (*model.VerificationCode, error) {
	code = strings.TrimSpace(code)
	if !auth.ValidCodeFormat(code) {
		return nil, invalidCode("code must be 6 digits")
	}

	vc, err := s.store.LatestCode(ctx, email, purpose)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, invalidCode("no code has been issued for this email")
		}
		return nil, fmt.Errorf("service/auth: loading %s code: %w", purpose, err)
	}

	switch {
	case vc.Used:
		return nil, invalidCode("code has already been used")
	case !s.now().Before(vc.ExpiresAt):
		return nil, invalidCode("code has expired")
	case vc.Attempts >= s.config.MaxCodeAttempts:
		return nil, invalidCode("too many wrong attempts, request a new code")
	}

	if err := s.hasher.Verify(vc.CodeHash, code); err != nil {
		if !errors.Is(err, auth.ErrCodeMismatch) {
			return nil, fmt.Errorf("service/auth: %w", err)
		}
		metrics.CodeVerifyFailuresTotal.WithLabelValues(string(purpose)).Inc()
		if err := s.store.IncrementCodeAttempts(ctx, vc.ID); err != nil {
			s.logger.Warn("counting failed code attempt",
				slog.String("purpose", string(purpose)),
				slog.Any("error", err),
			)
		}
		return nil, invalidCode("incorrect code")
	}
	return vc, nil
}

// markUsed flips the code to used. Losing the race to another request with
// the same code is reported like any other spent code.
func (s *AuthService) markUsed(ctx context.Context, tx repository.Queries, vc *model.VerificationCode) error {
	ok, err := tx.MarkCodeUsed(ctx, vc.ID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return invalidCode("code has already been used or has expired")
	}
	return nil
}

// assignPermanentCode draws codes until one is free. The UNIQUE index on
// users.permanent_code decides; a collision only costs a redraw.
func (s *AuthService) assignPermanentCode(ctx context.Context, q repository.Queries, userID string) (string, error) {
	for range maxPermanentCodeDraws {
		code, err := s.genCode()
		if err != nil {
			return "", err
		}
		err = q.SetPermanentCode(ctx, userID, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, repository.ErrUniqueViolation) {
			return "", err
		}
		s.logger.Debug("permanent code collision, drawing again", slog.String("userID", userID))
	}
	return "", apperror.Transient(fmt.Errorf("no free permanent code after %d draws", maxPermanentCodeDraws))
}

func (s *AuthService) openSession(ctx context.Context, q repository.Queries, userID string, meta ClientMeta) (*model.Session, error) {
	now := s.now()
	session := &model.Session{
		Token:      uuid.NewString(),
		UserID:     userID,
		ExpiresAt:  now.Add(s.config.SessionTTL),
		RemoteAddr: meta.RemoteAddr,
		UserAgent:  meta.UserAgent,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := q.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *AuthService) sessionResult(session *model.Session, user *model.User) (*SessionResult, error) {
	handle, err := s.tokens.Sign(session.Token, user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: signing session handle for %s: %w", user.ID, err)
	}
	return &SessionResult{
		Handle:    handle,
		ExpiresAt: session.ExpiresAt,
		User:      user,
	}, nil
}
