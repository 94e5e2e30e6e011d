package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

var _ repository.CodeRepository = (*DB)(nil)

// PurgeCodes deletes every code for (email, purpose), used or not. Issuing a
// new code always starts with this, so at most one code is live per pair.
func (q *queries) PurgeCodes(ctx context.Context, email string, purpose model.CodePurpose) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM verification_codes WHERE email = ? AND purpose = ?`,
		email, string(purpose))
	if err != nil {
		return 0, mapErr(err, "purging verification codes")
	}
	return rowsAffected(res, "purging verification codes")
}

// InsertCode stores a new code. CodeHash is the bcrypt hash; the clear code
// never reaches the database.
func (q *queries) InsertCode(ctx context.Context, code *model.VerificationCode) error {
	code.ID = xid.New().String()
	code.CreatedAt = time.Now().UTC()

	_, err := q.q.ExecContext(ctx,
		`INSERT INTO verification_codes (id, email, purpose, code_hash, expires_at, used, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
		code.ID,
		code.Email,
		string(code.Purpose),
		code.CodeHash,
		toMillis(code.ExpiresAt),
		toMillis(code.CreatedAt),
	)
	if err != nil {
		return mapErr(err, "inserting verification code")
	}
	return nil
}

// LatestCode returns the most recently issued code for (email, purpose),
// whatever its state. Callers check Used, ExpiresAt and Attempts.
func (q *queries) LatestCode(ctx context.Context, email string, purpose model.CodePurpose) (*model.VerificationCode, error) {
	var (
		c         model.VerificationCode
		p         string
		expiresAt int64
		used      int
		createdAt int64
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT id, email, purpose, code_hash, expires_at, used, attempts, created_at
		 FROM verification_codes
		 WHERE email = ? AND purpose = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		email, string(purpose),
	).Scan(&c.ID, &c.Email, &p, &c.CodeHash, &expiresAt, &used, &c.Attempts, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("verification code", email)
		}
		return nil, mapErr(err, "getting verification code")
	}
	c.Purpose = model.CodePurpose(p)
	c.ExpiresAt = fromMillis(expiresAt)
	c.Used = used != 0
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// MarkCodeUsed consumes a code. The used and expiry checks live in the
// UPDATE itself so a replayed or late code can never be consumed twice.
func (q *queries) MarkCodeUsed(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE verification_codes SET used = 1
		 WHERE id = ? AND used = 0 AND expires_at > ?`,
		id, toMillis(now))
	if err != nil {
		return false, mapErr(err, "consuming verification code")
	}
	n, err := rowsAffected(res, "consuming verification code")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementCodeAttempts counts a wrong guess. Callers run it on the pool,
// not inside a transaction: the failed verification returns an error, and
// that error would roll the counter back with it.
func (q *queries) IncrementCodeAttempts(ctx context.Context, id string) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE verification_codes SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return mapErr(err, "counting code attempt")
	}
	return nil
}

// DeleteStaleCodes removes codes that are used or expired at now.
func (q *queries) DeleteStaleCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM verification_codes WHERE used = 1 OR expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, mapErr(err, "deleting stale codes")
	}
	return rowsAffected(res, "deleting stale codes")
}
