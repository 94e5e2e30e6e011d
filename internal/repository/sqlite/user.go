package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/shopspring/decimal"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

// COMPILE-TIME INTERFACE CHECK:
// The build fails here, not at some distant call site, if *DB stops
// satisfying repository.UserRepository.
var _ repository.UserRepository = (*DB)(nil)

// userColumns is shared by every SELECT on users so scanUser can rely on
// one column order.
const userColumns = `id, email, full_name, phone, instagram, facebook, twitter, tiktok, youtube,
	balance_cents, batch, verified, is_admin, permanent_code, created_at, updated_at`

// CreateUser inserts a new user. ID and timestamps are set on the passed
// struct.
//
// UNIQUE violations are translated into domain conflicts: a taken email or
// a taken social handle both come back as apperror.ErrConflict with a code
// the client can act on.
func (q *queries) CreateUser(ctx context.Context, user *model.User) error {
	balance, err := toCents(user.Balance)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	user.ID = xid.New().String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO users (id, email, full_name, phone, instagram, facebook, twitter, tiktok, youtube,
			balance_cents, batch, verified, is_admin, permanent_code, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.FullName,
		user.Phone,
		user.Instagram,
		user.Facebook,
		user.Twitter,
		user.TikTok,
		user.YouTube,
		balance,
		user.Batch,
		boolToInt(user.Verified),
		boolToInt(user.IsAdmin),
		user.PermanentCode,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return userConflict(err)
		}
		return mapErr(err, fmt.Sprintf("inserting user %s", user.Email))
	}
	return nil
}

// userConflict maps a UNIQUE violation on the users table to a domain error.
func userConflict(err error) error {
	switch col := uniqueColumn(err); col {
	case "users.email":
		return apperror.ConflictReason(apperror.CodeEmailTaken, "email is already registered")
	case "users.instagram", "users.facebook", "users.twitter", "users.tiktok", "users.youtube":
		network := strings.TrimPrefix(col, "users.")
		e := apperror.ConflictReason(apperror.CodeHandleTaken, network+" handle is already registered")
		e.Field = network
		return e
	default:
		return fmt.Errorf("sqlite: %s: %w", col, repository.ErrUniqueViolation)
	}
}

// scanUser reads one users row in userColumns order.
//
// SQLITE HAS NO BOOLEAN TYPE:
// verified and is_admin are INTEGER 0/1 and are scanned into ints first.
// permanent_code is NULL until verification; sql.NullString tells NULL
// apart from "" and maps it to a nil pointer.
func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	var (
		u         model.User
		balance   int64
		verified  int
		isAdmin   int
		permCode  sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.FullName,
		&u.Phone,
		&u.Instagram,
		&u.Facebook,
		&u.Twitter,
		&u.TikTok,
		&u.YouTube,
		&balance,
		&u.Batch,
		&verified,
		&isAdmin,
		&permCode,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Balance = fromCents(balance)
	u.Verified = verified != 0
	u.IsAdmin = isAdmin != 0
	if permCode.Valid {
		code := permCode.String
		u.PermanentCode = &code
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

// getUserBy is the shared single-row lookup. column is always a literal
// from the callers below, never input; value goes through the placeholder.
func (q *queries) getUserBy(ctx context.Context, column, value string) (*model.User, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", value)
		}
		return nil, mapErr(err, fmt.Sprintf("getting user by %s", column))
	}
	return u, nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (q *queries) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return q.getUserBy(ctx, "id", id)
}

func (q *queries) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return q.getUserBy(ctx, "email", email)
}

// GetUserByPermanentCode looks a user up by their login credential.
func (q *queries) GetUserByPermanentCode(ctx context.Context, code string) (*model.User, error) {
	u, err := q.getUserBy(ctx, "permanent_code", code)
	if errors.Is(err, apperror.ErrNotFound) {
		// never echo a credential back in an error message
		return nil, apperror.NotFound("user", "for permanent code")
	}
	return u, err
}

func (q *queries) ListUsers(ctx context.Context, opts repository.ListOptions) ([]model.User, error) {
	limit, offset := normalizeLimit(opts)
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, mapErr(err, "listing users")
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating user rows: %w", err)
	}
	return users, nil
}

// UpdateUser applies an admin edit. Only non-nil fields are written.
//
// PARTIAL UPDATES:
// model.UserUpdate uses pointers so "not sent" (nil) and "set to zero"
// (pointer to 0 or false) are different. The SET list is built from the
// non-nil fields; updated_at is always written, so an empty update still
// tells a missing user apart via RowsAffected.
func (q *queries) UpdateUser(ctx context.Context, id string, upd model.UserUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.Balance != nil {
		balance, err := toCents(*upd.Balance)
		if err != nil {
			return err
		}
		sets = append(sets, "balance_cents = ?")
		args = append(args, balance)
	}
	if upd.Batch != nil {
		sets = append(sets, "batch = ?")
		args = append(args, *upd.Batch)
	}
	if upd.IsAdmin != nil {
		sets = append(sets, "is_admin = ?")
		args = append(args, boolToInt(*upd.IsAdmin))
	}
	if upd.Verified != nil {
		sets = append(sets, "verified = ?")
		args = append(args, boolToInt(*upd.Verified))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, toMillis(time.Now()), id)

	res, err := q.q.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return mapErr(err, fmt.Sprintf("updating user %s", id))
	}
	n, err := rowsAffected(res, "updating user")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

func (q *queries) SetUserVerified(ctx context.Context, id string) error {
	verified := true
	return q.UpdateUser(ctx, id, model.UserUpdate{Verified: &verified})
}

// SetPermanentCode stores the user's permanent login code. A collision with
// another user's code is reported as repository.ErrUniqueViolation so the
// caller can draw a new one.
func (q *queries) SetPermanentCode(ctx context.Context, id, code string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE users SET permanent_code = ?, updated_at = ? WHERE id = ?`,
		code, toMillis(time.Now()), id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: setting permanent code: %w", repository.ErrUniqueViolation)
		}
		return mapErr(err, fmt.Sprintf("setting permanent code for user %s", id))
	}
	n, err := rowsAffected(res, "setting permanent code")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

// DeleteUser removes a user. Their clicks, withdrawals and sessions go with
// them through ON DELETE CASCADE.
func (q *queries) DeleteUser(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return mapErr(err, fmt.Sprintf("deleting user %s", id))
	}
	n, err := rowsAffected(res, "deleting user")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

// CreditWallet adds amount to the user's balance.
func (q *queries) CreditWallet(ctx context.Context, userID string, amount decimal.Decimal) error {
	cents, err := toCents(amount)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE users SET balance_cents = balance_cents + ?, updated_at = ? WHERE id = ?`,
		cents, toMillis(time.Now()), userID)
	if err != nil {
		return mapErr(err, fmt.Sprintf("crediting wallet of %s", userID))
	}
	n, err := rowsAffected(res, "crediting wallet")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("user", userID)
	}
	return nil
}

// DebitWallet subtracts amount from the user's balance.
//
// The balance check and the subtraction are one conditional UPDATE, so two
// concurrent debits can never both pass the check and drive the balance
// negative. Zero rows affected means either the user is gone or the balance
// was too low; a follow-up lookup tells the two apart.
func (q *queries) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) error {
	cents, err := toCents(amount)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE users SET balance_cents = balance_cents - ?, updated_at = ?
		 WHERE id = ? AND balance_cents >= ?`,
		cents, toMillis(time.Now()), userID, cents)
	if err != nil {
		return mapErr(err, fmt.Sprintf("debiting wallet of %s", userID))
	}
	n, err := rowsAffected(res, "debiting wallet")
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := q.GetUserByID(ctx, userID); err != nil {
		return err
	}
	return apperror.InsufficientBalance("balance is lower than the requested amount")
}
