package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

const (
	maxTitleLength   = 200
	maxMessageLength = 1000
)

// AdminService holds the operations behind /api/admin and rewardctl.
//
// Authorization is not checked here. The HTTP layer puts RequireAdmin in
// front of every route, and rewardctl is trusted because it needs direct
// access to the database file. Keeping the service free of the caller's
// identity lets both entry points share it unchanged.
//
// CACHE INVALIDATION:
// The permanent-code cache maps code → user id. Any edit or delete of a
// user drops that user's entries after commit, so the next login re-reads
// the row.
type AdminService struct {
	store  repository.Store
	cache  *auth.CodeCache
	logger *slog.Logger
}

func NewAdminService(store repository.Store, cache *auth.CodeCache, logger *slog.Logger) *AdminService {
	return &AdminService{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// PostInput is a new post as submitted by an admin. Active defaults to
// true.
type PostInput struct {
	Title         string
	Link          string
	Type          model.EngagementType
	Reward        decimal.Decimal
	TargetBatches []string
	ClickLimit    *int
	AutoDelete    bool
	Message       string
	Active        *bool
}

// CreatePost validates and stores a new post. Reward, click limit and
// targets are fixed at creation; there is no edit endpoint.
func (s *AdminService) CreatePost(ctx context.Context, in PostInput) (*model.Post, error) {
	post, err := validatePost(in)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("service/admin: creating post: %w", err)
	}
	s.logger.Info("post created",
		slog.String("postID", post.ID),
		slog.String("reward", post.Reward.StringFixed(2)),
	)
	return post, nil
}

func validatePost(in PostInput) (*model.Post, error) {
	post := &model.Post{
		Title:      strings.TrimSpace(in.Title),
		Link:       strings.TrimSpace(in.Link),
		Type:       in.Type,
		Reward:     in.Reward,
		ClickLimit: in.ClickLimit,
		AutoDelete: in.AutoDelete,
		Message:    strings.TrimSpace(in.Message),
		Active:     in.Active == nil || *in.Active,
	}

	if post.Title == "" {
		return nil, apperror.ValidationFailed("title", "title is required")
	}
	if len(post.Title) > maxTitleLength {
		return nil, apperror.ValidationFailed("title",
			fmt.Sprintf("title must be %d characters or less", maxTitleLength))
	}
	if u, err := url.ParseRequestURI(post.Link); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperror.ValidationFailed("link", "link must be an http(s) URL")
	}
	if !post.Type.Valid() {
		return nil, apperror.ValidationFailed("type", "type must be one of like, comment, share")
	}
	if !post.Reward.IsPositive() {
		return nil, apperror.ValidationFailed("reward", "reward must be greater than zero")
	}
	if err := checkMoney("reward", post.Reward); err != nil {
		return nil, err
	}
	if post.ClickLimit != nil && *post.ClickLimit < 1 {
		return nil, apperror.ValidationFailed("clickLimit", "click limit must be at least 1")
	}
	if post.AutoDelete && post.ClickLimit == nil {
		return nil, apperror.ValidationFailed("clickLimit", "auto-delete needs a click limit")
	}
	if len(post.Message) > maxMessageLength {
		return nil, apperror.ValidationFailed("message",
			fmt.Sprintf("message must be %d characters or less", maxMessageLength))
	}

	// Targets are upper-cased and de-duplicated so ["a", "A "] stores as
	// ["A"], matching how labels are minted.
	targets := make([]string, 0, len(in.TargetBatches))
	for _, b := range in.TargetBatches {
		b = strings.ToUpper(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if !validBatchLabel(b) {
			return nil, apperror.ValidationFailed("targetBatches", fmt.Sprintf("invalid batch label %q", b))
		}
		if !slices.Contains(targets, b) {
			targets = append(targets, b)
		}
	}
	post.TargetBatches = targets
	return post, nil
}

func validBatchLabel(label string) bool {
	if label == "" || len(label) > 8 {
		return false
	}
	for i := 0; i < len(label); i++ {
		if label[i] < 'A' || label[i] > 'Z' {
			return false
		}
	}
	return true
}

func (s *AdminService) ListPosts(ctx context.Context, opts repository.ListOptions) ([]model.Post, error) {
	posts, err := s.store.ListPosts(ctx, repository.PostFilter{ListOptions: opts})
	if err != nil {
		return nil, fmt.Errorf("service/admin: listing posts: %w", err)
	}
	return posts, nil
}

// SetPostActive hides or re-shows a post. An inactive post keeps its
// clicks and counter; a click on it gets inactive_post.
func (s *AdminService) SetPostActive(ctx context.Context, id string, active bool) (*model.Post, error) {
	if err := s.store.SetPostActive(ctx, id, active); err != nil {
		return nil, fmt.Errorf("service/admin: toggling post %s: %w", id, err)
	}
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/admin: reloading post %s: %w", id, err)
	}
	return post, nil
}

// DeletePost removes a post and its clicks. Rewards already credited stay
// in the wallets.
func (s *AdminService) DeletePost(ctx context.Context, id string) error {
	err := s.store.InTx(ctx, func(tx repository.Queries) error {
		clickIDs, err := tx.ListClickIDsForPost(ctx, id)
		if err != nil {
			return err
		}
		return tx.RetirePost(ctx, id, clickIDs)
	})
	if err != nil {
		return fmt.Errorf("service/admin: deleting post %s: %w", id, err)
	}
	s.logger.Info("post deleted", slog.String("postID", id))
	return nil
}

func (s *AdminService) ListUsers(ctx context.Context, opts repository.ListOptions) ([]model.User, error) {
	users, err := s.store.ListUsers(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("service/admin: listing users: %w", err)
	}
	return users, nil
}

// UpdateUser applies an admin edit. Moving a user to another batch moves
// one seat between the two batch counters in the same transaction; the
// target batch must already exist.
func (s *AdminService) UpdateUser(ctx context.Context, id string, upd model.UserUpdate) (*model.User, error) {
	if upd.Balance != nil {
		if upd.Balance.IsNegative() {
			return nil, apperror.ValidationFailed("balance", "balance cannot be negative")
		}
		if err := checkMoney("balance", *upd.Balance); err != nil {
			return nil, err
		}
	}
	if upd.Batch != nil {
		b := strings.ToUpper(strings.TrimSpace(*upd.Batch))
		if !validBatchLabel(b) {
			return nil, apperror.ValidationFailed("batch", "batch must be a label like A or AB")
		}
		upd.Batch = &b
	}

	var user *model.User
	err := s.store.InTx(ctx, func(tx repository.Queries) error {
		current, err := tx.GetUserByID(ctx, id)
		if err != nil {
			return err
		}
		if upd.Batch != nil && *upd.Batch != current.Batch {
			if err := tx.AdjustBatchCount(ctx, *upd.Batch, 1); err != nil {
				return err
			}
			if err := tx.AdjustBatchCount(ctx, current.Batch, -1); err != nil && !errors.Is(err, apperror.ErrNotFound) {
				return err
			}
		}
		if err := tx.UpdateUser(ctx, id, upd); err != nil {
			return err
		}
		user, err = tx.GetUserByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("service/admin: updating user %s: %w", id, err)
	}

	s.cache.InvalidateUser(id)
	s.logger.Info("user updated by admin", slog.String("userID", id))
	return user, nil
}

// PromoteByEmail grants admin rights to the user with email.
func (s *AdminService) PromoteByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("service/admin: promoting: %w", err)
	}
	admin := true
	return s.UpdateUser(ctx, user.ID, model.UserUpdate{IsAdmin: &admin})
}

// DeleteUser hard-deletes a user. Their clicks, withdrawals and sessions go
// with them; their batch seat is released.
func (s *AdminService) DeleteUser(ctx context.Context, id string) error {
	err := s.store.InTx(ctx, func(tx repository.Queries) error {
		user, err := tx.GetUserByID(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteUser(ctx, id); err != nil {
			return err
		}
		if err := tx.AdjustBatchCount(ctx, user.Batch, -1); err != nil && !errors.Is(err, apperror.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("service/admin: deleting user %s: %w", id, err)
	}

	s.cache.InvalidateUser(id)
	s.logger.Info("user deleted", slog.String("userID", id))
	return nil
}

func (s *AdminService) ListClicks(ctx context.Context, opts repository.ListOptions) ([]model.Click, error) {
	clicks, err := s.store.ListClicks(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("service/admin: listing clicks: %w", err)
	}
	return clicks, nil
}

func (s *AdminService) ListBatches(ctx context.Context) ([]model.Batch, error) {
	batches, err := s.store.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/admin: listing batches: %w", err)
	}
	return batches, nil
}
