package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

var _ repository.ClickRepository = (*DB)(nil)

// InsertClick records a settled click.
//
// The (user_id, post_id) UNIQUE constraint is the only duplicate check:
// there is no SELECT beforehand, so two concurrent submissions for the same
// pair cannot both get past it. The loser gets a duplicate_submission
// conflict.
func (q *queries) InsertClick(ctx context.Context, click *model.Click) error {
	reward, err := toCents(click.Reward)
	if err != nil {
		return err
	}
	click.ID = xid.New().String()
	click.CreatedAt = time.Now().UTC()

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO clicks (id, user_id, post_id, reward_cents, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		click.ID,
		click.UserID,
		click.PostID,
		reward,
		toMillis(click.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.ConflictReason(apperror.CodeDuplicateSubmission,
				"you have already completed this task")
		}
		return mapErr(err, fmt.Sprintf("inserting click on post %s", click.PostID))
	}
	return nil
}

// scanClick reads one click row.
//
// The row parameter is an inline interface so the same function scans a
// *sql.Row (QueryRowContext) and *sql.Rows (QueryContext loop). Both have
// a Scan(...any) error method and nothing else is needed.
func scanClick(row interface{ Scan(...any) error }) (*model.Click, error) {
	var (
		c         model.Click
		reward    int64
		createdAt int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.PostID, &reward, &createdAt); err != nil {
		return nil, err
	}
	c.Reward = fromCents(reward)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

func (q *queries) GetClick(ctx context.Context, id string) (*model.Click, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT id, user_id, post_id, reward_cents, created_at FROM clicks WHERE id = ?`, id)
	c, err := scanClick(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("click", id)
		}
		return nil, mapErr(err, fmt.Sprintf("getting click %s", id))
	}
	return c, nil
}

// ListClickIDsForPost returns every click id of a post, in no particular
// order. RetirePost needs the complete list.
func (q *queries) ListClickIDsForPost(ctx context.Context, postID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id FROM clicks WHERE post_id = ?`, postID)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("listing clicks of post %s", postID))
	}
	// ROWS MUST BE CLOSED:
	// An open *sql.Rows holds the connection. With a pool of one, a leaked
	// Rows blocks every later query, so Close is deferred right after the
	// error check.
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scanning click id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating click ids: %w", err)
	}
	return ids, nil
}

// listClicks is the shared body of the click listings. where is a constant
// chosen by the caller; the values travel in args.
func (q *queries) listClicks(ctx context.Context, where string, args []any, opts repository.ListOptions) ([]model.Click, error) {
	limit, offset := normalizeLimit(opts)
	args = append(args, limit, offset)

	rows, err := q.q.QueryContext(ctx,
		`SELECT id, user_id, post_id, reward_cents, created_at FROM clicks `+where+`
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, mapErr(err, "listing clicks")
	}
	defer rows.Close()

	clicks := []model.Click{}
	for rows.Next() {
		c, err := scanClick(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning click row: %w", err)
		}
		clicks = append(clicks, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating click rows: %w", err)
	}
	return clicks, nil
}

// ListClicksByUser is the user's earning history, newest first.
func (q *queries) ListClicksByUser(ctx context.Context, userID string, opts repository.ListOptions) ([]model.Click, error) {
	return q.listClicks(ctx, `WHERE user_id = ?`, []any{userID}, opts)
}

// ListClicks returns clicks across all users for the admin view.
func (q *queries) ListClicks(ctx context.Context, opts repository.ListOptions) ([]model.Click, error) {
	return q.listClicks(ctx, ``, nil, opts)
}

// ClickedPostIDs returns the set of posts the user has already settled.
// A map[string]bool is Go's set: a missing key reads as false.
func (q *queries) ClickedPostIDs(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT post_id FROM clicks WHERE user_id = ?`, userID)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("listing clicked posts of %s", userID))
	}
	defer rows.Close()

	clicked := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scanning post id: %w", err)
		}
		clicked[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating post ids: %w", err)
	}
	return clicked, nil
}
