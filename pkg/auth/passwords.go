package auth

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
)

// MinPasswordLength is the policy floor
const MinPasswordLength = 8

// PasswordCheck is the outcome of a policy evaluation. Score counts the
// satisfied criteria (length, upper, lower, digit, symbol) from 0 to 5.
type PasswordCheck struct {
	Valid    bool     `json:"valid"`
	Score    int      `json:"score"`
	Failures []string `json:"failures,omitempty"`
}

// CheckPassword evaluates the password policy: minimum 8 characters with
// at least one uppercase letter, one lowercase letter, one digit, and one
// symbol. All criteria are evaluated so the caller sees every failure.
func CheckPassword(password string) PasswordCheck {
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}

	check := PasswordCheck{}
	record := func(ok bool, failure string) {
		if ok {
			check.Score++
			return
		}
		check.Failures = append(check.Failures, failure)
	}
	record(len(password) >= MinPasswordLength, "must be at least 8 characters")
	record(upper, "must contain an uppercase letter")
	record(lower, "must contain a lowercase letter")
	record(digit, "must contain a digit")
	record(symbol, "must contain a symbol")

	check.Valid = len(check.Failures) == 0
	return check
}

// validatePassword converts a failed check into a validation error with
// the failure list attached per field.
func validatePassword(password string) error {
	check := CheckPassword(password)
	if check.Valid {
		return nil
	}
	err := apperrors.Validation("password does not meet the security policy")
	for _, failure := range check.Failures {
		err = err.WithField("password", failure)
	}
	return err
}

// HashPassword hashes a password with bcrypt at the given cost. Costs
// below bcrypt.MinCost are raised to the library default.
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", apperrors.Internal("password hashing failed").WithCause(err)
	}
	return string(hash), nil
}

// VerifyPassword compares a bcrypt hash against a candidate in constant
// time. It only reports match or mismatch.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
