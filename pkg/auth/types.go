package auth

import (
	"database/sql"
	"time"
)

// User is the account row. PasswordHash never leaves the package; callers
// receive a Profile instead.
type User struct {
	ID                  string         `db:"id" json:"id"`
	Email               string         `db:"email" json:"email"`
	PasswordHash        string         `db:"password_hash" json:"-"`
	Name                sql.NullString `db:"name" json:"-"`
	EmailVerified       bool           `db:"email_verified" json:"email_verified"`
	VerificationToken   sql.NullString `db:"verification_token" json:"-"`
	VerificationExpires sql.NullTime   `db:"verification_expires" json:"-"`
	ResetToken          sql.NullString `db:"reset_token" json:"-"`
	ResetExpires        sql.NullTime   `db:"reset_expires" json:"-"`
	FailedLoginAttempts int            `db:"failed_login_attempts" json:"-"`
	LockedUntil         sql.NullTime   `db:"locked_until" json:"-"`
	LastLogin           sql.NullTime   `db:"last_login" json:"-"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`

	// Roles is populated by the joined lookup, not a column.
	Roles []string `db:"-" json:"roles"`
}

// DisplayName returns the profile name or the email local part.
func (u *User) DisplayName() string {
	if u.Name.Valid && u.Name.String != "" {
		return u.Name.String
	}
	for i := 0; i < len(u.Email); i++ {
		if u.Email[i] == '@' {
			return u.Email[:i]
		}
	}
	return u.Email
}

// IsLocked reports whether a lockout is in force at the given instant.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil.Valid && u.LockedUntil.Time.After(now)
}

// IsGuest reports whether the account is an anonymous guest.
func (u *User) IsGuest() bool {
	for _, r := range u.Roles {
		if r == RoleGuest {
			return true
		}
	}
	return false
}

// UserRole is a grant row. A user may hold several roles; level mirrors
// the fixed hierarchy so privilege comparisons never parse role names.
type UserRole struct {
	ID        int64          `db:"id" json:"id"`
	UserID    string         `db:"user_id" json:"user_id"`
	Role      string         `db:"role" json:"role"`
	Level     int            `db:"level" json:"level"`
	GrantedAt time.Time      `db:"granted_at" json:"granted_at"`
	GrantedBy sql.NullString `db:"granted_by" json:"granted_by,omitempty"`
	ExpiresAt sql.NullTime   `db:"expires_at" json:"expires_at,omitempty"`
	IsActive  bool           `db:"is_active" json:"is_active"`
}

// TokenPair is the credential bundle handed to a freshly authenticated
// client. ExpiresIn is the access-token lifetime in seconds.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RequestMeta carries the caller attributes recorded on sessions and
// audit rows. Zero values are stored as NULLs.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Profile is the externally visible shape of a user
type Profile struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	Roles         []string   `json:"roles"`
	Permissions   []string   `json:"permissions"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
}

// ProfileUpdate lists the mutable profile fields. Nil means unchanged.
// Changing the email resets verification and issues a new token.
type ProfileUpdate struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

func (u *User) profile(permissions []string) *Profile {
	p := &Profile{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Roles:         u.Roles,
		Permissions:   permissions,
		CreatedAt:     u.CreatedAt,
	}
	if u.Name.Valid {
		p.Name = u.Name.String
	}
	if u.LastLogin.Valid {
		t := u.LastLogin.Time
		p.LastLogin = &t
	}
	return p
}
