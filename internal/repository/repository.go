// Package repository declares the storage contracts used by the service
// layer. The sqlite subpackage implements them.
//
// INTERFACES LIVE WITH THE CONSUMER'S VIEW:
// Services depend on Store and Queries only. They never import the sqlite
// package, so tests can hand them an in-memory database and the CLI can
// open the same file the server uses.
//
// ERROR CONTRACT:
// Implementations return apperror values for outcomes the domain cares
// about (ErrNotFound, ErrConflict with a code, ErrInsufficientBalance,
// ErrTransient) and wrapped driver errors for everything else.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sakif/clickpay/internal/model"
)

// ErrUniqueViolation is wrapped into errors caused by a UNIQUE constraint
// the caller is expected to react to (e.g. a permanent code collision).
var ErrUniqueViolation = errors.New("unique constraint violation")

// ListOptions pages a list query. Zero values mean the implementation's
// defaults.
type ListOptions struct {
	Limit  int
	Offset int
}

// PostFilter narrows ListPosts. A non-empty Batch keeps posts that target
// that batch or target nobody in particular.
type PostFilter struct {
	ActiveOnly bool
	Batch      string
	ListOptions
}

type WithdrawalFilter struct {
	UserID string
	Status model.WithdrawalStatus
	ListOptions
}

// UserRepository stores users and their wallets. CreditWallet and
// DebitWallet are the only ways balances change outside an admin edit;
// DebitWallet fails with ErrInsufficientBalance instead of going negative.
type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByPermanentCode(ctx context.Context, code string) (*model.User, error)
	ListUsers(ctx context.Context, opts ListOptions) ([]model.User, error)
	UpdateUser(ctx context.Context, id string, upd model.UserUpdate) error
	SetUserVerified(ctx context.Context, id string) error
	SetPermanentCode(ctx context.Context, id, code string) error
	DeleteUser(ctx context.Context, id string) error
	CreditWallet(ctx context.Context, userID string, amount decimal.Decimal) error
	DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) error
}

// BatchRepository allocates users to batches. AssignBatch must run in the
// same transaction as the user insert it serves.
type BatchRepository interface {
	AssignBatch(ctx context.Context) (string, error)
	AdjustBatchCount(ctx context.Context, label string, delta int) error
	ListBatches(ctx context.Context) ([]model.Batch, error)
}

type PostRepository interface {
	CreatePost(ctx context.Context, post *model.Post) error
	GetPost(ctx context.Context, id string) (*model.Post, error)
	ListPosts(ctx context.Context, filter PostFilter) ([]model.Post, error)
	SetPostActive(ctx context.Context, id string, active bool) error
	IncrementPostClicks(ctx context.Context, id string) (int, error)
	RetirePost(ctx context.Context, postID string, clickIDs []string) error
}

type ClickRepository interface {
	InsertClick(ctx context.Context, click *model.Click) error
	GetClick(ctx context.Context, id string) (*model.Click, error)
	ListClickIDsForPost(ctx context.Context, postID string) ([]string, error)
	ListClicksByUser(ctx context.Context, userID string, opts ListOptions) ([]model.Click, error)
	ListClicks(ctx context.Context, opts ListOptions) ([]model.Click, error)
	ClickedPostIDs(ctx context.Context, userID string) (map[string]bool, error)
}

type WithdrawalRepository interface {
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]model.Withdrawal, error)
	// ResolveWithdrawal moves a pending withdrawal to a terminal status. It
	// reports false when no pending row with that id exists.
	ResolveWithdrawal(ctx context.Context, id string, status model.WithdrawalStatus, note string, at time.Time) (bool, error)
}

type CodeRepository interface {
	PurgeCodes(ctx context.Context, email string, purpose model.CodePurpose) (int64, error)
	InsertCode(ctx context.Context, code *model.VerificationCode) error
	LatestCode(ctx context.Context, email string, purpose model.CodePurpose) (*model.VerificationCode, error)
	// MarkCodeUsed flips the used flag of an unused, unexpired code and
	// reports whether it did.
	MarkCodeUsed(ctx context.Context, id string, now time.Time) (bool, error)
	IncrementCodeAttempts(ctx context.Context, id string) error
	DeleteStaleCodes(ctx context.Context, now time.Time) (int64, error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, token string) (*model.Session, error)
	TouchSession(ctx context.Context, token string, lastSeen, expiresAt time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Queries is every storage operation. It is satisfied both by the store
// itself (auto-commit) and by a transaction handle.
//
// EMBEDDED INTERFACES:
// Queries is the union of the per-table interfaces. Code that only needs
// one table could take the smaller interface; services take Queries so one
// transaction handle can span users, posts and clicks at once.
type Queries interface {
	UserRepository
	BatchRepository
	PostRepository
	ClickRepository
	WithdrawalRepository
	CodeRepository
	SessionRepository
}

// Store is the persistent store. InTx runs fn in a single transaction and
// commits only if fn returns nil.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(tx Queries) error) error
	Ping(ctx context.Context) error
}
