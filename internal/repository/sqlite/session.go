package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

var _ repository.SessionRepository = (*DB)(nil)

// CreateSession persists a session. Token and the timestamps are chosen by
// the caller.
func (q *queries) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, remote_addr, user_agent, created_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Token,
		s.UserID,
		toMillis(s.ExpiresAt),
		s.RemoteAddr,
		s.UserAgent,
		toMillis(s.CreatedAt),
		toMillis(s.LastSeenAt),
	)
	if err != nil {
		return mapErr(err, fmt.Sprintf("inserting session for %s", s.UserID))
	}
	return nil
}

// GetSession loads a session by token. Expired rows are returned as-is; the
// caller decides what expired means.
func (q *queries) GetSession(ctx context.Context, token string) (*model.Session, error) {
	var (
		s          model.Session
		expiresAt  int64
		createdAt  int64
		lastSeenAt int64
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at, remote_addr, user_agent, created_at, last_seen_at
		 FROM sessions WHERE token = ?`, token,
	).Scan(&s.Token, &s.UserID, &expiresAt, &s.RemoteAddr, &s.UserAgent, &createdAt, &lastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// the token is a credential; keep it out of the message
			return nil, apperror.NotFound("session", "for token")
		}
		return nil, mapErr(err, "getting session")
	}
	s.ExpiresAt = fromMillis(expiresAt)
	s.CreatedAt = fromMillis(createdAt)
	s.LastSeenAt = fromMillis(lastSeenAt)
	return &s, nil
}

// TouchSession slides a session's expiry forward.
//
// Zero rows affected means the session was deleted between GetSession and
// this call (a concurrent logout or sweep). That is reported as NotFound so
// the request is rejected rather than served on a dead session.
func (q *queries) TouchSession(ctx context.Context, token string, lastSeen, expiresAt time.Time) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE sessions SET last_seen_at = ?, expires_at = ? WHERE token = ?`,
		toMillis(lastSeen), toMillis(expiresAt), token)
	if err != nil {
		return mapErr(err, "touching session")
	}
	n, err := rowsAffected(res, "touching session")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("session", "for token")
	}
	return nil
}

// DeleteSession removes a session. Deleting an unknown token is not an
// error, which keeps logout idempotent.
func (q *queries) DeleteSession(ctx context.Context, token string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return mapErr(err, "deleting session")
	}
	return nil
}

// DeleteExpiredSessions is the janitor's sweep. idx_sessions_expires_at
// keeps it a range scan rather than a full table scan.
func (q *queries) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, mapErr(err, "deleting expired sessions")
	}
	return rowsAffected(res, "deleting expired sessions")
}
