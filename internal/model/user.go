// Package model defines the data structures used throughout the application.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a registered participant. Balance is the wallet: it only moves
// through settlement credits, withdrawal escrow/refunds, and admin edits.
//
// PermanentCode is nil until the email is verified. It is a credential, so
// it never appears in JSON.
type User struct {
	ID            string          `json:"id"`
	Email         string          `json:"email"`
	FullName      string          `json:"fullName"`
	Phone         string          `json:"phone"`
	Instagram     string          `json:"instagram,omitempty"`
	Facebook      string          `json:"facebook,omitempty"`
	Twitter       string          `json:"twitter,omitempty"`
	TikTok        string          `json:"tiktok,omitempty"`
	YouTube       string          `json:"youtube,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	Batch         string          `json:"batch"`
	Verified      bool            `json:"verified"`
	IsAdmin       bool            `json:"isAdmin"`
	PermanentCode *string         `json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Handles returns the user's social handles keyed by network, skipping
// empty ones.
func (u *User) Handles() map[string]string {
	all := map[string]string{
		"instagram": u.Instagram,
		"facebook":  u.Facebook,
		"twitter":   u.Twitter,
		"tiktok":    u.TikTok,
		"youtube":   u.YouTube,
	}
	for k, v := range all {
		if v == "" {
			delete(all, k)
		}
	}
	return all
}

// UserUpdate is an admin edit. Nil fields are left untouched.
type UserUpdate struct {
	Balance  *decimal.Decimal
	Batch    *string
	IsAdmin  *bool
	Verified *bool
}
