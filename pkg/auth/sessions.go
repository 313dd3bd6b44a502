package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/database"
	"github.com/kosherhub/kosherhub/pkg/observability"
)

// ErrSessionReuse marks a refresh attempt against a missing, expired, or
// already rotated session. The whole family is revoked before this is
// returned.
var ErrSessionReuse = errors.New("session reuse detected")

// Session is a refresh-session row. A session is usable iff revoked_at
// is NULL and expires_at is in the future.
type Session struct {
	ID        string         `db:"sid" json:"sid"`
	FamilyID  string         `db:"fid" json:"fid"`
	UserID    string         `db:"user_id" json:"user_id"`
	UserAgent sql.NullString `db:"user_agent" json:"user_agent,omitempty"`
	IP        sql.NullString `db:"ip" json:"ip,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	LastUsed  time.Time      `db:"last_used" json:"last_used"`
	ExpiresAt time.Time      `db:"expires_at" json:"expires_at"`
	RevokedAt sql.NullTime   `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Usable reports whether the session can still rotate at the given
// instant.
func (s *Session) Usable(now time.Time) bool {
	return !s.RevokedAt.Valid && s.ExpiresAt.After(now)
}

// SessionStore persists refresh sessions and implements rotation with
// reuse detection.
type SessionStore struct {
	db      *database.Manager
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewSessionStore wires a session store around the database manager.
func NewSessionStore(db *database.Manager, logger observability.Logger, metrics observability.MetricsClient) *SessionStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &SessionStore{db: db, logger: logger, metrics: metrics}
}

// randomHex returns n cryptographically random bytes hex-encoded.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// NewSessionID returns a random 128-bit session identifier.
func NewSessionID() string { return randomHex(16) }

// NewFamilyID returns a random 128-bit session-family identifier.
func NewFamilyID() string { return randomHex(16) }

// PersistInitial inserts the first session of a new family.
func (s *SessionStore) PersistInitial(ctx context.Context, sid, fid, uid string, meta RequestMeta, expiresAt time.Time) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO auth_sessions (sid, fid, user_id, user_agent, ip, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sid, fid, uid, nullString(meta.UserAgent), nullString(meta.IP), expiresAt)
	if err != nil {
		return database.ClassifyError(err, "INSERT auth_sessions")
	}
	s.metrics.RecordAuthOperation("session_create", true, 0)
	return nil
}

// RotateOrReject is the reuse-detection heart of refresh. In one
// transaction it locks the session row, and either rotates it (revoke
// old, insert new sid in the same family) or, when the row is missing,
// expired, or already revoked, revokes the entire family and rejects
// with ErrSessionReuse. The new session keeps the family's original
// expiry so rotation never extends the horizon.
func (s *SessionStore) RotateOrReject(ctx context.Context, sid, fid string, meta RequestMeta) (string, time.Time, error) {
	var (
		newSID    string
		expiresAt time.Time
		reuse     bool
	)
	err := s.db.WithTx(ctx, func(tx database.Transaction) error {
		var sess Session
		err := tx.GetContext(ctx, &sess,
			`SELECT sid, fid, user_id, user_agent, ip, created_at, last_used, expires_at, revoked_at
			 FROM auth_sessions
			 WHERE sid = $1 AND fid = $2
			 FOR UPDATE`, sid, fid)
		if errors.Is(err, sql.ErrNoRows) {
			reuse = true
			return s.revokeFamilyTx(ctx, tx, fid)
		}
		if err != nil {
			return database.ClassifyError(err, "SELECT auth_sessions FOR UPDATE")
		}
		if !sess.Usable(time.Now()) {
			reuse = true
			return s.revokeFamilyTx(ctx, tx, fid)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE auth_sessions SET revoked_at = NOW(), last_used = NOW() WHERE sid = $1`,
			sid); err != nil {
			return database.ClassifyError(err, "UPDATE auth_sessions revoke")
		}

		newSID = NewSessionID()
		expiresAt = sess.ExpiresAt
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO auth_sessions (sid, fid, user_id, user_agent, ip, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			newSID, fid, sess.UserID, nullString(meta.UserAgent), nullString(meta.IP), expiresAt); err != nil {
			return database.ClassifyError(err, "INSERT auth_sessions rotate")
		}
		return nil
	})
	if err != nil {
		s.metrics.RecordAuthOperation("session_rotate", false, 0)
		return "", time.Time{}, err
	}
	// the reuse branch must commit its family revocation before rejecting
	if reuse {
		s.metrics.RecordAuthOperation("session_rotate", false, 0)
		return "", time.Time{}, ErrSessionReuse
	}
	s.metrics.RecordAuthOperation("session_rotate", true, 0)
	return newSID, expiresAt, nil
}

// revokeFamilyTx revokes every session in the family inside the caller's
// transaction. It returns an error only on database failure; the caller
// reports reuse after the revocation commits.
func (s *SessionStore) revokeFamilyTx(ctx context.Context, tx database.Transaction, fid string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked_at = NOW() WHERE fid = $1 AND revoked_at IS NULL`, fid)
	if err != nil {
		return database.ClassifyError(err, "UPDATE auth_sessions family")
	}
	revoked, _ := res.RowsAffected()
	s.logger.Warn("refresh session reuse detected, family revoked", map[string]interface{}{
		"fid":     fid,
		"revoked": revoked,
	})
	s.metrics.IncrementCounter("auth_session_reuse_detected", 1)
	return nil
}

// RevokeFamily revokes every session sharing the family id. Idempotent.
func (s *SessionStore) RevokeFamily(ctx context.Context, fid string) (int64, error) {
	db := s.db.DB()
	if db == nil {
		return 0, apperrors.ServiceUnavailable("database not connected")
	}
	res, err := db.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked_at = NOW() WHERE fid = $1 AND revoked_at IS NULL`, fid)
	if err != nil {
		return 0, database.ClassifyError(err, "UPDATE auth_sessions family")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RevokeSession revokes one session owned by the user. Revoking an
// already revoked or unknown session is a no-op.
func (s *SessionStore) RevokeSession(ctx context.Context, uid, sid string) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked_at = NOW()
		 WHERE sid = $1 AND user_id = $2 AND revoked_at IS NULL`, sid, uid)
	if err != nil {
		return database.ClassifyError(err, "UPDATE auth_sessions revoke one")
	}
	return nil
}

// RevokeAll revokes every session of a user, optionally sparing one
// (the caller's own). Returns the number revoked.
func (s *SessionStore) RevokeAll(ctx context.Context, uid, exceptSID string) (int64, error) {
	db := s.db.DB()
	if db == nil {
		return 0, apperrors.ServiceUnavailable("database not connected")
	}
	res, err := db.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked_at = NOW()
		 WHERE user_id = $1 AND revoked_at IS NULL AND ($2 = '' OR sid <> $2)`,
		uid, exceptSID)
	if err != nil {
		return 0, database.ClassifyError(err, "UPDATE auth_sessions revoke all")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListSessions returns the user's non-expired sessions, most recently
// used first. Revoked rows are included; RevokedAt tells them apart.
func (s *SessionStore) ListSessions(ctx context.Context, uid string) ([]Session, error) {
	db := s.db.DB()
	if db == nil {
		return nil, apperrors.ServiceUnavailable("database not connected")
	}
	var sessions []Session
	err := db.SelectContext(ctx, &sessions,
		`SELECT sid, fid, user_id, user_agent, ip, created_at, last_used, expires_at, revoked_at
		 FROM auth_sessions
		 WHERE user_id = $1 AND expires_at > NOW()
		 ORDER BY last_used DESC`, uid)
	if err != nil {
		return nil, database.ClassifyError(err, "SELECT auth_sessions")
	}
	return sessions, nil
}

// TouchLastUsed bumps the session's last_used timestamp.
func (s *SessionStore) TouchLastUsed(ctx context.Context, sid string) error {
	db := s.db.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	_, err := db.ExecContext(ctx,
		`UPDATE auth_sessions SET last_used = NOW() WHERE sid = $1`, sid)
	if err != nil {
		return database.ClassifyError(err, "UPDATE auth_sessions touch")
	}
	return nil
}

// PurgeExpired deletes sessions that expired more than retain ago.
// Recently expired rows are kept so late refresh attempts still resolve
// to a clean rejection.
func (s *SessionStore) PurgeExpired(ctx context.Context, retain time.Duration) (int64, error) {
	db := s.db.DB()
	if db == nil {
		return 0, apperrors.ServiceUnavailable("database not connected")
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE expires_at < $1`, time.Now().Add(-retain))
	if err != nil {
		return 0, database.ClassifyError(err, "DELETE auth_sessions expired")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
