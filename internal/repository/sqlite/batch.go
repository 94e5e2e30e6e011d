package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

var _ repository.BatchRepository = (*DB)(nil)

// BatchCapacity is the soft limit of users per batch.
const BatchCapacity = 1000

// AssignBatch reserves a seat for one new user and returns the batch label.
//
// The lowest active batch with room is chosen; ordering by (length, label)
// makes "Z" sort before "AA". When every batch is full the next label in the
// A..Z, AA..AZ, BA.. sequence is created. The count is bumped in the same
// call, so run it inside the registration transaction: two concurrent
// registrations are then serialized and cannot both take the last seat.
func (q *queries) AssignBatch(ctx context.Context) (string, error) {
	var label string
	err := q.q.QueryRowContext(ctx,
		`SELECT label FROM batches
		 WHERE active = 1 AND user_count < capacity
		 ORDER BY length(label), label
		 LIMIT 1`,
	).Scan(&label)

	// QueryRow defers its error to Scan. sql.ErrNoRows here is not a
	// failure: it means every batch is full (or none exists yet).
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		label, err = q.createNextBatch(ctx)
		if err != nil {
			return "", err
		}
	default:
		return "", mapErr(err, "selecting open batch")
	}

	if err := q.AdjustBatchCount(ctx, label, 1); err != nil {
		return "", err
	}
	return label, nil
}

// createNextBatch opens the batch after the highest existing label, or "A"
// on an empty table. Ordering by length first makes "AA" sort after "Z",
// which plain string order would not.
func (q *queries) createNextBatch(ctx context.Context) (string, error) {
	var last sql.NullString
	err := q.q.QueryRowContext(ctx,
		`SELECT label FROM batches ORDER BY length(label) DESC, label DESC LIMIT 1`,
	).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", mapErr(err, "selecting last batch")
	}

	label := "A"
	if last.Valid {
		label = NextBatchLabel(last.String)
	}

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO batches (label, user_count, capacity, active) VALUES (?, 0, ?, 1)`,
		label, BatchCapacity)
	if err != nil {
		return "", mapErr(err, fmt.Sprintf("creating batch %s", label))
	}
	return label, nil
}

// NextBatchLabel returns the label after prev in spreadsheet-column order:
// A, B, ..., Z, AA, AB, ..., AZ, BA, ..., ZZ, AAA.
func NextBatchLabel(prev string) string {
	b := []byte(prev)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 'Z' {
			b[i]++
			return string(b)
		}
		b[i] = 'A'
	}
	return "A" + string(b)
}

// AdjustBatchCount moves a batch's user count by delta, never below zero.
func (q *queries) AdjustBatchCount(ctx context.Context, label string, delta int) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE batches SET user_count = MAX(user_count + ?, 0) WHERE label = ?`,
		delta, label)
	if err != nil {
		return mapErr(err, fmt.Sprintf("adjusting batch %s", label))
	}
	n, err := rowsAffected(res, "adjusting batch")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("batch", label)
	}
	return nil
}

func (q *queries) ListBatches(ctx context.Context) ([]model.Batch, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT label, user_count, capacity, active FROM batches ORDER BY length(label), label`)
	if err != nil {
		return nil, mapErr(err, "listing batches")
	}
	defer rows.Close()

	batches := []model.Batch{}
	for rows.Next() {
		var (
			b      model.Batch
			active int
		)
		if err := rows.Scan(&b.Label, &b.UserCount, &b.Capacity, &active); err != nil {
			return nil, fmt.Errorf("sqlite: scanning batch row: %w", err)
		}
		b.Active = active != 0
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating batch rows: %w", err)
	}
	return batches, nil
}
