package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PayoutMethod string

const (
	MethodAmazonGiftCard PayoutMethod = "amazon_gift_card"
	MethodPaytm          PayoutMethod = "paytm"
	MethodUPI            PayoutMethod = "upi"
)

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalDeclined WithdrawalStatus = "declined"
)

func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalPending, WithdrawalApproved, WithdrawalDeclined:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalApproved || s == WithdrawalDeclined
}

// Withdrawal is a payout request. Amount has already been debited from the
// wallet when the row exists.
type Withdrawal struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Amount      decimal.Decimal  `json:"amount"`
	Method      PayoutMethod     `json:"method"`
	Destination string           `json:"destination"`
	Status      WithdrawalStatus `json:"status"`
	AdminNote   string           `json:"adminNote,omitempty"`
	RequestedAt time.Time        `json:"requestedAt"`
	ResolvedAt  *time.Time       `json:"resolvedAt,omitempty"`
}

// WithdrawalView adds the derived charge and payout. Both are recomputed on
// every read from Amount.
type WithdrawalView struct {
	Withdrawal
	Charge decimal.Decimal `json:"charge"`
	Payout decimal.Decimal `json:"payout"`
}
