package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

var _ repository.PostRepository = (*DB)(nil)

const postColumns = `id, title, link, type, reward_cents, target_batches, active,
	click_count, click_limit, auto_delete, message, created_at`

// CreatePost inserts a post. ID, CreatedAt and ClickCount are set on the
// passed struct.
//
// TARGET BATCHES AS JSON:
// target_batches is a JSON array in a TEXT column rather than a join table.
// A post targets a handful of labels at most, and SQLite's json_each can
// still expand it inside a query (see ListPosts). A nil slice is stored as
// "[]" so the "targets everyone" check is a plain string comparison.
func (q *queries) CreatePost(ctx context.Context, post *model.Post) error {
	post.ID = xid.New().String()
	post.CreatedAt = time.Now().UTC()
	post.ClickCount = 0
	if post.TargetBatches == nil {
		post.TargetBatches = []string{}
	}

	reward, err := toCents(post.Reward)
	if err != nil {
		return err
	}
	targets, err := json.Marshal(post.TargetBatches)
	if err != nil {
		return fmt.Errorf("sqlite: encoding target batches: %w", err)
	}

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO posts (id, title, link, type, reward_cents, target_batches, active,
			click_count, click_limit, auto_delete, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		post.ID,
		post.Title,
		post.Link,
		string(post.Type),
		reward,
		string(targets),
		boolToInt(post.Active),
		post.ClickLimit,
		boolToInt(post.AutoDelete),
		post.Message,
		toMillis(post.CreatedAt),
	)
	if err != nil {
		return mapErr(err, "inserting post")
	}
	return nil
}

func scanPost(row interface{ Scan(...any) error }) (*model.Post, error) {
	var (
		p          model.Post
		typ        string
		reward     int64
		targets    string
		active     int
		clickLimit sql.NullInt64
		autoDelete int
		createdAt  int64
	)
	err := row.Scan(
		&p.ID,
		&p.Title,
		&p.Link,
		&typ,
		&reward,
		&targets,
		&active,
		&p.ClickCount,
		&clickLimit,
		&autoDelete,
		&p.Message,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	p.Type = model.EngagementType(typ)
	p.Reward = fromCents(reward)
	if err := json.Unmarshal([]byte(targets), &p.TargetBatches); err != nil {
		return nil, fmt.Errorf("decoding target batches of post %s: %w", p.ID, err)
	}
	if p.TargetBatches == nil {
		p.TargetBatches = []string{}
	}
	p.Active = active != 0
	if clickLimit.Valid {
		limit := int(clickLimit.Int64)
		p.ClickLimit = &limit
	}
	p.AutoDelete = autoDelete != 0
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

// GetPost retrieves a post by ID.
// Returns apperror.ErrNotFound if the post does not exist, including when it
// was retired by auto-delete.
func (q *queries) GetPost(ctx context.Context, id string) (*model.Post, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("post", id)
		}
		return nil, mapErr(err, fmt.Sprintf("getting post %s", id))
	}
	return p, nil
}

// ListPosts returns posts, newest first.
//
// BATCH TARGETING:
// target_batches is a JSON array. An empty array means "everyone"; otherwise
// json_each expands it so the batch match happens in SQL. Filtering before
// LIMIT matters: filtering a page in Go would hide older targeted posts as
// soon as enough newer posts for other batches pile up in front of them.
func (q *queries) ListPosts(ctx context.Context, filter repository.PostFilter) ([]model.Post, error) {
	limit, offset := normalizeLimit(filter.ListOptions)

	var (
		where []string
		args  []any
	)
	if filter.ActiveOnly {
		where = append(where, `active = 1`)
	}
	if filter.Batch != "" {
		where = append(where, `(target_batches = '[]' OR EXISTS (
			SELECT 1 FROM json_each(posts.target_batches) WHERE json_each.value = ?))`)
		args = append(args, filter.Batch)
	}

	query := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "listing posts")
	}
	defer rows.Close()

	posts := []model.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning post row: %w", err)
		}
		posts = append(posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating post rows: %w", err)
	}
	return posts, nil
}

func (q *queries) SetPostActive(ctx context.Context, id string, active bool) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE posts SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return mapErr(err, fmt.Sprintf("updating post %s", id))
	}
	n, err := rowsAffected(res, "updating post")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("post", id)
	}
	return nil
}

// IncrementPostClicks bumps the click counter and returns the new value.
//
// RETURNING hands back the value this UPDATE wrote. A separate SELECT after
// the UPDATE would do the same inside a transaction, but RETURNING keeps it
// one statement.
func (q *queries) IncrementPostClicks(ctx context.Context, id string) (int, error) {
	var count int
	err := q.q.QueryRowContext(ctx,
		`UPDATE posts SET click_count = click_count + 1 WHERE id = ? RETURNING click_count`, id,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperror.NotFound("post", id)
		}
		return 0, mapErr(err, fmt.Sprintf("incrementing clicks of post %s", id))
	}
	return count, nil
}

// RetirePost deletes the given clicks and then the post itself.
//
// clickIDs must be every click of the post; the clicks.post_id foreign key
// rejects the post delete otherwise. Callers list them with
// ListClickIDsForPost in the same transaction.
func (q *queries) RetirePost(ctx context.Context, postID string, clickIDs []string) error {
	// CHUNKED IN (...):
	// SQLite caps the number of ? parameters per statement (999 in older
	// builds). A popular post can have more clicks than that, so the ids
	// are deleted 500 at a time. All chunks share the caller's
	// transaction, so a failure part-way leaves no click deleted.
	const chunk = 500
	for start := 0; start < len(clickIDs); start += chunk {
		end := min(start+chunk, len(clickIDs))
		ids := clickIDs[start:end]

		args := make([]any, 0, len(ids)+1)
		args = append(args, postID)
		for _, id := range ids {
			args = append(args, id)
		}
		_, err := q.q.ExecContext(ctx,
			`DELETE FROM clicks WHERE post_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
		if err != nil {
			return mapErr(err, fmt.Sprintf("deleting clicks of post %s", postID))
		}
	}

	// With foreign_keys=ON this fails with SQLITE_CONSTRAINT_FOREIGNKEY if
	// a click of the post is still present.
	res, err := q.q.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, postID)
	if err != nil {
		return mapErr(err, fmt.Sprintf("deleting post %s", postID))
	}
	n, err := rowsAffected(res, "deleting post")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("post", postID)
	}
	return nil
}
