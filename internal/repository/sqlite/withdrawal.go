package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

var _ repository.WithdrawalRepository = (*DB)(nil)

const withdrawalColumns = `id, user_id, amount_cents, method, destination, status, admin_note,
	requested_at, resolved_at`

// CreateWithdrawal inserts a pending withdrawal. The wallet debit is the
// caller's job, in the same transaction.
//
// Only the amount is stored. Charge and payout are derived on read, so
// the charge rate lives in one place (service.Charge).
func (q *queries) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	amount, err := toCents(w.Amount)
	if err != nil {
		return err
	}
	w.ID = xid.New().String()
	w.RequestedAt = time.Now().UTC()
	w.Status = model.WithdrawalPending
	w.ResolvedAt = nil

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO withdrawals (id, user_id, amount_cents, method, destination, status, requested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		w.UserID,
		amount,
		string(w.Method),
		w.Destination,
		string(w.Status),
		toMillis(w.RequestedAt),
	)
	if err != nil {
		return mapErr(err, fmt.Sprintf("inserting withdrawal for %s", w.UserID))
	}
	return nil
}

// scanWithdrawal reads one row in withdrawalColumns order.
//
// NULLABLE COLUMNS:
// resolved_at is NULL while the withdrawal is pending. Scanning NULL into
// an int64 fails, so it goes through sql.NullInt64 and becomes a nil
// *time.Time.
func scanWithdrawal(row interface{ Scan(...any) error }) (*model.Withdrawal, error) {
	var (
		w           model.Withdrawal
		amount      int64
		method      string
		status      string
		requestedAt int64
		resolvedAt  sql.NullInt64
	)
	err := row.Scan(
		&w.ID,
		&w.UserID,
		&amount,
		&method,
		&w.Destination,
		&status,
		&w.AdminNote,
		&requestedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Amount = fromCents(amount)
	w.Method = model.PayoutMethod(method)
	w.Status = model.WithdrawalStatus(status)
	w.RequestedAt = fromMillis(requestedAt)
	w.ResolvedAt = nullMillis(resolvedAt)
	return &w, nil
}

func (q *queries) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("withdrawal", id)
		}
		return nil, mapErr(err, fmt.Sprintf("getting withdrawal %s", id))
	}
	return w, nil
}

// ListWithdrawals returns withdrawals matching filter, newest first.
//
// DYNAMIC WHERE:
// Only the column names are concatenated into the query, and they come from
// this function, never from input. Every value still goes through a ?
// placeholder.
func (q *queries) ListWithdrawals(ctx context.Context, filter repository.WithdrawalFilter) ([]model.Withdrawal, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY requested_at DESC, id DESC LIMIT ? OFFSET ?`

	limit, offset := normalizeLimit(filter.ListOptions)
	args = append(args, limit, offset)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "listing withdrawals")
	}
	defer rows.Close()

	list := []model.Withdrawal{}
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning withdrawal row: %w", err)
		}
		list = append(list, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating withdrawal rows: %w", err)
	}
	return list, nil
}

// ResolveWithdrawal moves a pending withdrawal to status. The WHERE clause
// carries the state-machine guard: a row that is no longer pending is not
// touched and false is returned.
func (q *queries) ResolveWithdrawal(ctx context.Context, id string, status model.WithdrawalStatus, note string, at time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE withdrawals SET status = ?, admin_note = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), note, toMillis(at), id, string(model.WithdrawalPending))
	if err != nil {
		return false, mapErr(err, fmt.Sprintf("resolving withdrawal %s", id))
	}
	n, err := rowsAffected(res, "resolving withdrawal")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
