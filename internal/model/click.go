package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Click records one settled engagement. Reward is copied from the post at
// settlement time and never re-read.
type Click struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	PostID    string          `json:"postId"`
	Reward    decimal.Decimal `json:"reward"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Settlement is the outcome of a successful click submission.
type Settlement struct {
	ClickID     string          `json:"-"`
	PostID      string          `json:"postId"`
	Reward      decimal.Decimal `json:"reward"`
	AutoDeleted bool            `json:"autoDeleted"`
}
