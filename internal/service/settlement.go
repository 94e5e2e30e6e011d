package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/metrics"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

// feedPage is how many posts one feed query reads. The feed keeps paging
// until the store runs out.
const feedPage = 500

// SettlementService turns a click on a post into a wallet credit.
type SettlementService struct {
	store            repository.Store
	enforceTargeting bool
	logger           *slog.Logger
}

// NewSettlementService creates the service. With enforceTargeting set, a
// click on a post aimed at other batches is rejected; otherwise targeting
// only filters the feed.
func NewSettlementService(store repository.Store, enforceTargeting bool, logger *slog.Logger) *SettlementService {
	return &SettlementService{
		store:            store,
		enforceTargeting: enforceTargeting,
		logger:           logger,
	}
}

// Submit settles one engagement of userID on postID.
//
// Everything happens in one transaction: the post is read inside it, the
// click insert is the duplicate check (UNIQUE(user_id, post_id)), the wallet
// is credited with the reward read from the stored post, and the counter is
// bumped. The click that reaches an auto-delete post's limit retires the
// post and all its clicks, its own included, before commit. A later click on
// that post finds nothing and gets NotFound.
//
// THE SETTLEMENT STEPS, all on tx:
//  1. load the user (gone → 401, unverified → 403)
//  2. load the post (gone → 404, inactive → 409)
//  3. insert the click; a second click by the same user fails here
//  4. credit the reward read in step 2, never one sent by the client
//  5. bump click_count and read the new value back
//  6. at the limit of an auto-delete post, retire it with its clicks
//
// Any error rolls back every step, so a user is never credited without a
// click row and a click row never exists without its credit.
func (s *SettlementService) Submit(ctx context.Context, userID, postID string) (*model.Settlement, error) {
	if postID == "" {
		return nil, apperror.ValidationFailed("postId", "post id is required")
	}

	var result *model.Settlement
	err := s.store.InTx(ctx, func(tx repository.Queries) error {
		user, err := tx.GetUserByID(ctx, userID)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return apperror.Unauthenticated("session user no longer exists")
			}
			return err
		}
		if !user.Verified {
			return apperror.Forbidden("verify your email before completing tasks")
		}

		post, err := tx.GetPost(ctx, postID)
		if err != nil {
			return err
		}
		if !post.Active {
			return apperror.ConflictReason(apperror.CodeInactivePost, "this task is no longer active")
		}
		if s.enforceTargeting && !post.TargetsBatch(user.Batch) {
			return apperror.Forbidden("this task is not available to your batch")
		}

		// The reward is frozen on the click row. An admin editing the
		// post later does not change what this click paid.
		click := &model.Click{
			UserID: userID,
			PostID: postID,
			Reward: post.Reward,
		}
		if err := tx.InsertClick(ctx, click); err != nil {
			return err
		}
		if err := tx.CreditWallet(ctx, userID, post.Reward); err != nil {
			return err
		}

		post.ClickCount, err = tx.IncrementPostClicks(ctx, postID)
		if err != nil {
			return err
		}

		result = &model.Settlement{
			ClickID: click.ID,
			PostID:  postID,
			Reward:  post.Reward,
		}

		// AUTO-DELETE:
		// clicks.post_id has no ON DELETE CASCADE, so the click ids are
		// listed and handed to RetirePost explicitly. RetirePost refuses
		// to delete the post if any click is left behind.
		if post.ReachedLimit() {
			clickIDs, err := tx.ListClickIDsForPost(ctx, postID)
			if err != nil {
				return err
			}
			if err := tx.RetirePost(ctx, postID, clickIDs); err != nil {
				return err
			}
			result.AutoDeleted = true
		}
		return nil
	})
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(settlementOutcome(err)).Inc()
		return nil, fmt.Errorf("service/settlement: user %s post %s: %w", userID, postID, err)
	}

	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	if result.AutoDeleted {
		metrics.AutoDeletionsTotal.Inc()
		s.logger.Info("post reached its click limit and was retired",
			slog.String("postID", postID),
			slog.String("userID", userID),
		)
	}
	s.logger.Debug("click settled",
		slog.String("postID", postID),
		slog.String("userID", userID),
		slog.String("reward", result.Reward.StringFixed(2)),
	)
	return result, nil
}

// settlementOutcome is the metric label for a failed settlement.
func settlementOutcome(err error) string {
	switch {
	case apperror.CodeOf(err) == apperror.CodeDuplicateSubmission:
		return "duplicate"
	case apperror.CodeOf(err) == apperror.CodeInactivePost:
		return "inactive"
	case errors.Is(err, apperror.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperror.ErrForbidden):
		return "forbidden"
	case errors.Is(err, apperror.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

// ListForUser returns the active posts visible to the user's batch, each
// flagged with whether the user already settled it.
func (s *SettlementService) ListForUser(ctx context.Context, userID string) ([]model.PostView, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/settlement: loading user %s: %w", userID, err)
	}

	var posts []model.Post
	for offset := 0; ; offset += feedPage {
		page, err := s.store.ListPosts(ctx, repository.PostFilter{
			ActiveOnly:  true,
			Batch:       user.Batch,
			ListOptions: repository.ListOptions{Limit: feedPage, Offset: offset},
		})
		if err != nil {
			return nil, fmt.Errorf("service/settlement: listing posts: %w", err)
		}
		posts = append(posts, page...)
		if len(page) < feedPage {
			break
		}
	}

	clicked, err := s.store.ClickedPostIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/settlement: loading clicks of %s: %w", userID, err)
	}

	views := make([]model.PostView, 0, len(posts))
	for _, p := range posts {
		// a user without a batch skips the SQL filter and sees only
		// untargeted posts
		if !p.TargetsBatch(user.Batch) {
			continue
		}
		views = append(views, model.PostView{Post: p, Clicked: clicked[p.ID]})
	}
	return views, nil
}

// History returns the user's own settled clicks, newest first.
func (s *SettlementService) History(ctx context.Context, userID string, opts repository.ListOptions) ([]model.Click, error) {
	clicks, err := s.store.ListClicksByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("service/settlement: listing clicks of %s: %w", userID, err)
	}
	return clicks, nil
}
