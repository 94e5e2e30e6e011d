package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// CodeLength is the number of digits in one-time and permanent codes.
const CodeLength = 6

var codeSpace = big.NewInt(1_000_000)

// GenerateCode returns a uniformly random 6-digit numeric code, zero-padded.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("auth: generating code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

// ValidCodeFormat reports whether s is exactly six ASCII digits.
func ValidCodeFormat(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ErrCodeMismatch is returned by CodeHasher.Verify for a wrong code.
var ErrCodeMismatch = errors.New("auth: code does not match")

// defaultCost is the bcrypt work factor for one-time codes. The code space
// is only a million values, so the attempt ceiling does most of the work;
// bcrypt keeps a leaked table from being reversed instantly.
const defaultCost = 10

// CodeHasher hashes one-time codes before they are stored.
//
// It's a struct so tests can inject a low cost.
type CodeHasher struct {
	cost int
}

// NewCodeHasher returns a hasher with the given bcrypt cost. A cost of zero
// or less means the default. Tests use bcrypt.MinCost.
func NewCodeHasher(cost int) *CodeHasher {
	if cost <= 0 {
		cost = defaultCost
	}
	return &CodeHasher{cost: cost}
}

func (h *CodeHasher) Hash(code string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), h.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing code: %w", err)
	}
	return string(hashed), nil
}

// Verify returns nil if code matches hash and ErrCodeMismatch if it does
// not. The comparison is constant-time.
func (h *CodeHasher) Verify(hash, code string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrCodeMismatch
		}
		return fmt.Errorf("auth: comparing code hash: %w", err)
	}
	return nil
}
