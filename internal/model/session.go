package model

import "time"

type CodePurpose string

const (
	PurposeRegister CodePurpose = "register"
	PurposeLogin    CodePurpose = "login"
)

// VerificationCode is a one-time code. Only the bcrypt hash is stored.
type VerificationCode struct {
	ID        string
	Email     string
	Purpose   CodePurpose
	CodeHash  string
	ExpiresAt time.Time
	Used      bool
	Attempts  int
	CreatedAt time.Time
}

// Session is a server-side login. ExpiresAt slides forward on every
// authenticated request.
type Session struct {
	Token      string    `json:"-"`
	UserID     string    `json:"userId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	RemoteAddr string    `json:"-"`
	UserAgent  string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Expired reports whether the session is no longer usable at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
