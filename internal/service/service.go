// Package service contains the business rules of clickpay.
//
// The layers are the same everywhere:
//
//	Handler (HTTP)  → parses requests, writes responses
//	Service         → validates, enforces rules, owns transactions
//	Repository      → reads/writes SQLite
//
// Services accept primitives or typed inputs, never *http.Request, so the
// admin CLI can call them exactly like the HTTP handlers do. Every
// multi-step write runs inside repository.Store.InTx.
package service

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/notify"
)

// Notifier accepts a message for asynchronous delivery. *dispatch.Queue
// implements it. Enqueue must not block.
type Notifier interface {
	Enqueue(msg notify.Message) bool
}

// ClientMeta is what we record about the client that opened a session.
type ClientMeta struct {
	RemoteAddr string
	UserAgent  string
}

// Clock returns the current time. Services take one so tests can move time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// MaxAmount caps every money value a caller can hand in: withdrawal amounts,
// post rewards and admin balance edits. Wallet arithmetic happens on int64
// cents in SQL, so the cap keeps any sum of realistic values far from
// overflow.
var MaxAmount = decimal.NewFromInt(10_000_000)

// checkMoney validates a caller-supplied amount: at most two decimals and
// no larger than MaxAmount. Sign rules are left to the caller.
func checkMoney(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(2)) {
		return apperror.ValidationFailed(field, field+" can have at most 2 decimal places")
	}
	if d.GreaterThan(MaxAmount) {
		return apperror.ValidationFailed(field,
			fmt.Sprintf("%s cannot exceed %s", field, MaxAmount.StringFixed(2)))
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validEmail accepts a bare address ("a@b.c"), not "Name <a@b.c>".
func validEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	return at > 0 && strings.Contains(email[at+1:], ".")
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func invalidCode(message string) *apperror.AppError {
	return &apperror.AppError{
		Err:     apperror.ErrValidation,
		Message: message,
		Field:   "code",
		Code:    apperror.CodeInvalidCode,
	}
}
