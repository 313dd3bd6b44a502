package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/database"
	"github.com/kosherhub/kosherhub/pkg/observability"
)

// userColumns is the SELECT list shared by the joined lookups. Roles are
// aggregated from active, unexpired grants in the same statement.
const userColumns = `
	u.id, u.email, u.password_hash, u.name, u.email_verified,
	u.verification_token, u.verification_expires, u.reset_token, u.reset_expires,
	u.failed_login_attempts, u.locked_until, u.last_login, u.created_at, u.updated_at,
	COALESCE(ARRAY_AGG(r.role ORDER BY r.level DESC, r.role) FILTER (WHERE r.role IS NOT NULL), '{}') AS roles`

const userJoin = `
	FROM users u
	LEFT JOIN user_roles r
	  ON r.user_id = u.id
	 AND r.is_active
	 AND (r.expires_at IS NULL OR r.expires_at > NOW())`

// userWithRoles adapts the aggregate column onto the User shape.
type userWithRoles struct {
	User
	RoleList pq.StringArray `db:"roles"`
}

// UserStore persists accounts and role grants.
type UserStore struct {
	db     *database.Manager
	logger observability.Logger
}

// NewUserStore wires a user store around the database manager.
func NewUserStore(db *database.Manager, logger observability.Logger) *UserStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &UserStore{db: db, logger: logger}
}

// Create inserts a user and its initial role grant in one transaction.
// A missing ID is assigned. The email unique constraint surfaces as a
// conflict error.
func (s *UserStore) Create(ctx context.Context, user *User, role string) error {
	level := RoleLevel(role)
	if level < 0 {
		return apperrors.Validation("unknown role").WithField("role", role)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	return s.db.WithTx(ctx, func(tx database.Transaction) error {
		err := tx.GetContext(ctx, &user.CreatedAt,
			`INSERT INTO users (id, email, password_hash, name, email_verified,
			                    verification_token, verification_expires)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING created_at`,
			user.ID, user.Email, user.PasswordHash, user.Name, user.EmailVerified,
			user.VerificationToken, user.VerificationExpires)
		if err != nil {
			return database.ClassifyError(err, "INSERT users")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role, level) VALUES ($1, $2, $3)`,
			user.ID, role, level); err != nil {
			return database.ClassifyError(err, "INSERT user_roles")
		}
		user.UpdatedAt = user.CreatedAt
		user.Roles = []string{role}
		return nil
	})
}

// GetByEmail looks a user up case-insensitively, roles included, in a
// single statement.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getWhere(ctx, "u.email = $1", email)
}

// GetByID looks a user up by id, roles included.
func (s *UserStore) GetByID(ctx context.Context, uid string) (*User, error) {
	return s.getWhere(ctx, "u.id = $1", uid)
}

func (s *UserStore) getWhere(ctx context.Context, where string, arg interface{}) (*User, error) {
	db := s.db.DB()
	if db == nil {
		return nil, apperrors.ServiceUnavailable("database not connected")
	}
	var row userWithRoles
	query := `SELECT ` + userColumns + userJoin + ` WHERE ` + where + ` GROUP BY u.id`
	err := db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user not found")
	}
	if err != nil {
		return nil, database.ClassifyError(err, "SELECT users")
	}
	user := row.User
	user.Roles = []string(row.RoleList)
	return &user, nil
}

// RecordLoginFailure increments the failure counter and, at the
// threshold, sets the lockout in the same statement. It returns the new
// counter and the lockout expiry when one is in force.
func (s *UserStore) RecordLoginFailure(ctx context.Context, uid string, maxAttempts int, lockUntil time.Time) (int, *time.Time, error) {
	db := s.db.DB()
	if db == nil {
		return 0, nil, apperrors.ServiceUnavailable("database not connected")
	}
	var row struct {
		Attempts    int          `db:"failed_login_attempts"`
		LockedUntil sql.NullTime `db:"locked_until"`
	}
	err := db.GetContext(ctx, &row,
		`UPDATE users
		 SET failed_login_attempts = failed_login_attempts + 1,
		     locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING failed_login_attempts, locked_until`,
		uid, maxAttempts, lockUntil)
	if err != nil {
		return 0, nil, database.ClassifyError(err, "UPDATE users login failure")
	}
	if row.LockedUntil.Valid {
		t := row.LockedUntil.Time
		return row.Attempts, &t, nil
	}
	return row.Attempts, nil, nil
}

// ResetLoginFailures clears the failure counter and lockout and stamps
// last_login.
func (s *UserStore) ResetLoginFailures(ctx context.Context, uid string) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`UPDATE users
		 SET failed_login_attempts = 0, locked_until = NULL, last_login = NOW(), updated_at = NOW()
		 WHERE id = $1`, uid)
	if err != nil {
		return database.ClassifyError(err, "UPDATE users login success")
	}
	return nil
}

// UpdatePassword replaces the password hash.
func (s *UserStore) UpdatePassword(ctx context.Context, uid, hash string) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, uid, hash)
	if err != nil {
		return database.ClassifyError(err, "UPDATE users password")
	}
	return nil
}

// SetResetToken stores a single-use password-reset token.
func (s *UserStore) SetResetToken(ctx context.Context, uid, token string, expires time.Time) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`UPDATE users SET reset_token = $2, reset_expires = $3, updated_at = NOW() WHERE id = $1`,
		uid, token, expires)
	if err != nil {
		return database.ClassifyError(err, "UPDATE users reset token")
	}
	return nil
}

// ResetPasswordByToken consumes a valid reset token: the password is
// replaced and the failure counter, lockout, and token are cleared in
// one statement. Returns the user id, or a validation error when the
// token is unknown or expired.
func (s *UserStore) ResetPasswordByToken(ctx context.Context, token, hash string) (string, error) {
	db := s.db.DB()
	if db == nil {
		return "", apperrors.ServiceUnavailable("database not connected")
	}
	var uid string
	err := db.GetContext(ctx, &uid,
		`UPDATE users
		 SET password_hash = $2, reset_token = NULL, reset_expires = NULL,
		     failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		 WHERE reset_token = $1 AND reset_expires > NOW()
		 RETURNING id`, token, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.Validation("invalid or expired reset token")
	}
	if err != nil {
		return "", database.ClassifyError(err, "UPDATE users reset password")
	}
	return uid, nil
}

// SetVerificationToken stores a fresh email-verification token.
func (s *UserStore) SetVerificationToken(ctx context.Context, uid, token string, expires time.Time) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`UPDATE users
		 SET verification_token = $2, verification_expires = $3, email_verified = FALSE, updated_at = NOW()
		 WHERE id = $1`, uid, token, expires)
	if err != nil {
		return database.ClassifyError(err, "UPDATE users verification token")
	}
	return nil
}

// VerifyEmailByToken consumes a valid verification token and marks the
// email verified. Returns the user id.
func (s *UserStore) VerifyEmailByToken(ctx context.Context, token string) (string, error) {
	db := s.db.DB()
	if db == nil {
		return "", apperrors.ServiceUnavailable("database not connected")
	}
	var uid string
	err := db.GetContext(ctx, &uid,
		`UPDATE users
		 SET email_verified = TRUE, verification_token = NULL, verification_expires = NULL, updated_at = NOW()
		 WHERE verification_token = $1 AND verification_expires > NOW()
		 RETURNING id`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.Validation("invalid or expired verification token")
	}
	if err != nil {
		return "", database.ClassifyError(err, "UPDATE users verify email")
	}
	return uid, nil
}

// UpdateName changes the display name.
func (s *UserStore) UpdateName(ctx context.Context, uid, name string) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`UPDATE users SET name = $2, updated_at = NOW() WHERE id = $1`, uid, nullString(name))
	if err != nil {
		return database.ClassifyError(err, "UPDATE users name")
	}
	return nil
}

// UpdateEmail changes the address and resets verification: the new
// address starts unverified with a fresh token.
func (s *UserStore) UpdateEmail(ctx context.Context, uid, email, verifyToken string, verifyExpires time.Time) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`UPDATE users
		 SET email = $2, email_verified = FALSE,
		     verification_token = $3, verification_expires = $4, updated_at = NOW()
		 WHERE id = $1`, uid, email, verifyToken, verifyExpires)
	if err != nil {
		return database.ClassifyError(err, "UPDATE users email")
	}
	return nil
}

// GrantRole grants a role, reactivating a previously revoked grant of
// the same role if one exists.
func (s *UserStore) GrantRole(ctx context.Context, uid, role, grantedBy string) error {
	level := RoleLevel(role)
	if level < 0 {
		return apperrors.Validation("unknown role").WithField("role", role)
	}
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO user_roles (user_id, role, level, granted_by)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT ON CONSTRAINT user_roles_user_role_unique
		 DO UPDATE SET is_active = TRUE, granted_at = NOW(), granted_by = EXCLUDED.granted_by, expires_at = NULL`,
		uid, role, level, nullString(grantedBy))
	if err != nil {
		return database.ClassifyError(err, "INSERT user_roles grant")
	}
	return nil
}

// RevokeRole deactivates a role grant. Unknown grants are a no-op.
func (s *UserStore) RevokeRole(ctx context.Context, uid, role string) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`UPDATE user_roles SET is_active = FALSE WHERE user_id = $1 AND role = $2`, uid, role)
	if err != nil {
		return database.ClassifyError(err, "UPDATE user_roles revoke")
	}
	return nil
}

// UpgradeGuest converts a guest account into a full one in a single
// transaction: real email and password, verification restarted, the
// guest grant swapped for the baseline user role.
func (s *UserStore) UpgradeGuest(ctx context.Context, uid, email, hash, verifyToken string, verifyExpires time.Time) error {
	return s.db.WithTx(ctx, func(tx database.Transaction) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users
			 SET email = $2, password_hash = $3, email_verified = FALSE,
			     verification_token = $4, verification_expires = $5, updated_at = NOW()
			 WHERE id = $1`, uid, email, hash, verifyToken, verifyExpires)
		if err != nil {
			return database.ClassifyError(err, "UPDATE users upgrade")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFound("user not found")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_roles SET is_active = FALSE WHERE user_id = $1 AND role = $2`,
			uid, RoleGuest); err != nil {
			return database.ClassifyError(err, "UPDATE user_roles demote guest")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role, level)
			 VALUES ($1, $2, $3)
			 ON CONFLICT ON CONSTRAINT user_roles_user_role_unique
			 DO UPDATE SET is_active = TRUE, granted_at = NOW(), expires_at = NULL`,
			uid, RoleUser, RoleLevel(RoleUser)); err != nil {
			return database.ClassifyError(err, "INSERT user_roles upgrade")
		}
		return nil
	})
}
