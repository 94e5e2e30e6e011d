package model

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// EngagementType is the action a user is asked to perform on a post's link.
type EngagementType string

const (
	EngagementLike    EngagementType = "like"
	EngagementComment EngagementType = "comment"
	EngagementShare   EngagementType = "share"
)

func (t EngagementType) Valid() bool {
	switch t {
	case EngagementLike, EngagementComment, EngagementShare:
		return true
	}
	return false
}

// Post is a paid task. ClickCount is bumped by every settlement; when
// AutoDelete is set and ClickCount reaches ClickLimit the post retires
// itself together with its clicks.
type Post struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Link          string          `json:"link"`
	Type          EngagementType  `json:"type"`
	Reward        decimal.Decimal `json:"reward"`
	TargetBatches []string        `json:"targetBatches"`
	Active        bool            `json:"active"`
	ClickCount    int             `json:"clickCount"`
	ClickLimit    *int            `json:"clickLimit,omitempty"`
	AutoDelete    bool            `json:"autoDelete"`
	Message       string          `json:"message,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// TargetsBatch reports whether the post is aimed at the given batch. An
// empty target list means every batch.
func (p *Post) TargetsBatch(batch string) bool {
	return len(p.TargetBatches) == 0 || slices.Contains(p.TargetBatches, batch)
}

// ReachedLimit reports whether the auto-delete threshold has been hit.
func (p *Post) ReachedLimit() bool {
	return p.AutoDelete && p.ClickLimit != nil && p.ClickCount >= *p.ClickLimit
}

// PostView is a post as seen by a regular user.
type PostView struct {
	Post
	Clicked bool `json:"clicked"`
}
