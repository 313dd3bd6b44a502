package auth

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/database"
	"github.com/kosherhub/kosherhub/pkg/observability"
	"github.com/kosherhub/kosherhub/pkg/redis"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// guestDomain is the synthetic domain of anonymous guest accounts.
const guestDomain = "guest.local"

// dummyHash keeps the bcrypt cost on the unknown-email path so lookup
// misses are not distinguishable from password mismatches by timing.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Service is the authentication front door: registration, login, token
// lifecycle, sessions, step-up, and profile management.
type Service struct {
	cfg        Config
	users      *UserStore
	sessions   *SessionStore
	tokens     *TokenManager
	blacklist  *TokenBlacklist
	challenges *StepUpStore
	audit      *AuditLogger
	limiter    *LoginRateLimiter
	emails     EmailSender
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewService wires the auth service. keyring may be nil when
// cfg.JWTSecret provides the HS256 fallback; emails may be nil for a
// log-only sender.
func NewService(cfg Config, db *database.Manager, redisClient *redis.Client, keyring *Keyring, emails EmailSender, logger observability.Logger, metrics observability.MetricsClient) (*Service, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if emails == nil {
		emails = NewLogEmailSender(logger)
	}

	tokens, err := NewTokenManager(cfg, keyring, logger, metrics)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:        cfg,
		users:      NewUserStore(db, logger),
		sessions:   NewSessionStore(db, logger, metrics),
		tokens:     tokens,
		blacklist:  NewTokenBlacklist(redisClient, logger, metrics),
		challenges: NewStepUpStore(redisClient, cfg.ChallengeTTL, logger),
		audit:      NewAuditLogger(db, logger),
		limiter:    NewLoginRateLimiter(redisClient, cfg, logger, metrics),
		emails:     emails,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Tokens exposes the token manager, for middleware and JWKS publishing.
func (s *Service) Tokens() *TokenManager { return s.tokens }

// Sessions exposes the session store, for the cleanup scheduler.
func (s *Service) Sessions() *SessionStore { return s.sessions }

// JWKS returns the published keyset; ok is false under the HS256
// fallback, which has nothing safe to publish.
func (s *Service) JWKS() (JWKS, bool) {
	if s.tokens.Keyring() == nil {
		return JWKS{}, false
	}
	return s.tokens.Keyring().JWKS(), true
}

func validateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return apperrors.Validation("invalid email address").WithField("email", "must be a valid address")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RegisterUser creates an account with the baseline user role, sends a
// verification email best-effort, and signs the new user in.
func (s *Service) RegisterUser(ctx context.Context, email, password, name string, meta RequestMeta) (*User, *TokenPair, error) {
	ctx, span := observability.StartSpan(ctx, "Auth.RegisterUser")
	defer span.End()

	started := time.Now()
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, nil, err
	}

	hash, err := HashPassword(password, s.cfg.BcryptRounds)
	if err != nil {
		return nil, nil, err
	}

	verifyToken := randomHex(32)
	user := &User{
		ID:                  uuid.NewString(),
		Email:               email,
		PasswordHash:        hash,
		Name:                nullString(name),
		VerificationToken:   nullString(verifyToken),
		VerificationExpires: nullTime(time.Now().Add(s.cfg.VerificationTTL)),
	}
	if err := s.users.Create(ctx, user, RoleUser); err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			s.auditEvent(ctx, user.ID, AuditActionRegister, meta, false, map[string]interface{}{"reason": "email_taken"})
			return nil, nil, apperrors.Conflict("email already registered")
		}
		return nil, nil, err
	}

	if err := s.emails.SendVerificationEmail(ctx, email, user.DisplayName(), verifyToken); err != nil {
		s.logger.Warn("verification email failed", map[string]interface{}{
			"user_id": user.ID, "error": err.Error(),
		})
	}

	tokens, err := s.GenerateTokens(ctx, user, false, meta)
	if err != nil {
		return nil, nil, err
	}
	s.auditEvent(ctx, user.ID, AuditActionRegister, meta, true, nil)
	s.metrics.RecordAuthOperation("register", true, time.Since(started).Seconds())
	return user, tokens, nil
}

// CreateGuestUser creates an anonymous account: synthetic verified
// email, unguessable throwaway password, guest role.
func (s *Service) CreateGuestUser(ctx context.Context, meta RequestMeta) (*User, *TokenPair, error) {
	id := uuid.NewString()
	hash, err := HashPassword(randomHex(32), s.cfg.BcryptRounds)
	if err != nil {
		return nil, nil, err
	}
	user := &User{
		ID:            id,
		Email:         "guest-" + id + "@" + guestDomain,
		PasswordHash:  hash,
		EmailVerified: true,
	}
	if err := s.users.Create(ctx, user, RoleGuest); err != nil {
		return nil, nil, err
	}

	tokens, err := s.GenerateTokens(ctx, user, false, meta)
	if err != nil {
		return nil, nil, err
	}
	s.auditEvent(ctx, user.ID, AuditActionRegister, meta, true, map[string]interface{}{"guest": true})
	return user, tokens, nil
}

// UpgradeGuestUser converts a guest into a full account. The new
// credentials pass the same validation as registration, the role grant
// swaps guest for user, and every guest session is revoked so the
// account starts clean.
func (s *Service) UpgradeGuestUser(ctx context.Context, uid, email, password, name string, meta RequestMeta) (*User, *TokenPair, error) {
	user, err := s.users.GetByID(ctx, uid)
	if err != nil {
		return nil, nil, err
	}
	if !user.IsGuest() {
		return nil, nil, apperrors.Conflict("account is not a guest")
	}

	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, nil, err
	}
	if strings.HasSuffix(email, "@"+guestDomain) {
		return nil, nil, apperrors.Validation("invalid email address").WithField("email", "reserved domain")
	}
	if err := validatePassword(password); err != nil {
		return nil, nil, err
	}

	hash, err := HashPassword(password, s.cfg.BcryptRounds)
	if err != nil {
		return nil, nil, err
	}
	verifyToken := randomHex(32)
	if err := s.users.UpgradeGuest(ctx, uid, email, hash, verifyToken, time.Now().Add(s.cfg.VerificationTTL)); err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			return nil, nil, apperrors.Conflict("email already registered")
		}
		return nil, nil, err
	}
	if name != "" {
		if err := s.users.UpdateName(ctx, uid, name); err != nil {
			return nil, nil, err
		}
	}
	if _, err := s.sessions.RevokeAll(ctx, uid, ""); err != nil {
		s.logger.Warn("guest session revocation failed", map[string]interface{}{
			"user_id": uid, "error": err.Error(),
		})
	}

	if err := s.emails.SendVerificationEmail(ctx, email, name, verifyToken); err != nil {
		s.logger.Warn("verification email failed", map[string]interface{}{
			"user_id": uid, "error": err.Error(),
		})
	}

	user, err = s.users.GetByID(ctx, uid)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := s.GenerateTokens(ctx, user, false, meta)
	if err != nil {
		return nil, nil, err
	}
	s.auditEvent(ctx, uid, AuditActionGuestUpgrade, meta, true, nil)
	return user, tokens, nil
}

// AuthenticateUser checks credentials against the lockout and rate
// limits. Lookup misses and password mismatches produce the same
// opaque error on a comparable timing profile.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string, meta RequestMeta) (*User, error) {
	ctx, span := observability.StartSpan(ctx, "Auth.AuthenticateUser")
	defer span.End()

	started := time.Now()
	email = normalizeEmail(email)

	limiterKey := meta.IP
	if limiterKey == "" {
		limiterKey = email
	}
	if err := s.limiter.CheckLimit(ctx, limiterKey); err != nil {
		s.auditEvent(ctx, "", AuditActionLogin, meta, false, map[string]interface{}{"reason": "rate_limited", "email": email})
		return nil, err
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			VerifyPassword(dummyHash, password)
			s.limiter.RecordAttempt(ctx, limiterKey, false)
			s.auditEvent(ctx, "", AuditActionLogin, meta, false, map[string]interface{}{"reason": "unknown_email", "email": email})
			s.metrics.RecordAuthOperation("login", false, time.Since(started).Seconds())
			return nil, apperrors.Authentication("invalid credentials")
		}
		return nil, err
	}

	now := time.Now()
	if user.IsLocked(now) {
		s.auditEvent(ctx, user.ID, AuditActionLogin, meta, false, map[string]interface{}{"reason": "locked"})
		s.metrics.RecordAuthOperation("login", false, time.Since(started).Seconds())
		return nil, apperrors.Authentication("account temporarily locked")
	}

	if !VerifyPassword(user.PasswordHash, password) {
		attempts, lockedUntil, ferr := s.users.RecordLoginFailure(ctx, user.ID,
			s.cfg.MaxFailedLoginAttempts, now.Add(s.cfg.LockoutDuration()))
		if ferr != nil {
			s.logger.Warn("failed to record login failure", map[string]interface{}{
				"user_id": user.ID, "error": ferr.Error(),
			})
		}
		s.limiter.RecordAttempt(ctx, limiterKey, false)
		details := map[string]interface{}{"reason": "bad_password", "attempts": attempts}
		if lockedUntil != nil {
			details["locked_until"] = lockedUntil.Format(time.RFC3339)
		}
		s.auditEvent(ctx, user.ID, AuditActionLogin, meta, false, details)
		s.metrics.RecordAuthOperation("login", false, time.Since(started).Seconds())
		return nil, apperrors.Authentication("invalid credentials")
	}

	if err := s.users.ResetLoginFailures(ctx, user.ID); err != nil {
		s.logger.Warn("failed to reset login failures", map[string]interface{}{
			"user_id": user.ID, "error": err.Error(),
		})
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nullTime(time.Time{})
	user.LastLogin = nullTime(now)

	s.limiter.RecordAttempt(ctx, limiterKey, true)
	s.auditEvent(ctx, user.ID, AuditActionLogin, meta, true, nil)
	s.metrics.RecordAuthOperation("login", true, time.Since(started).Seconds())
	return user, nil
}

// GenerateTokens opens a new session family for an authenticated user
// and mints its first access/refresh pair.
func (s *Service) GenerateTokens(ctx context.Context, user *User, rememberMe bool, meta RequestMeta) (*TokenPair, error) {
	sid := NewSessionID()
	fid := NewFamilyID()
	refreshTTL := s.cfg.RefreshTTL(rememberMe)

	access, err := s.tokens.MintAccess(user, sid, fid, PermissionsFromRoles(user.Roles))
	if err != nil {
		return nil, apperrors.Internal("token generation failed").WithCause(err)
	}
	refresh, err := s.tokens.MintRefresh(user.ID, sid, fid, refreshTTL)
	if err != nil {
		return nil, apperrors.Internal("token generation failed").WithCause(err)
	}
	if err := s.sessions.PersistInitial(ctx, sid, fid, user.ID, meta, refresh.ExpiresAt); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL().Seconds()),
	}, nil
}

// RefreshAccessToken rotates the refresh session and mints a new pair.
// Any reuse signal revokes the whole session family.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string, meta RequestMeta) (*TokenPair, error) {
	ctx, span := observability.StartSpan(ctx, "Auth.RefreshAccessToken")
	defer span.End()

	claims, err := s.tokens.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, apperrors.Authentication("invalid or expired token")
	}

	blacklisted, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		s.logger.Warn("blacklist check failed during refresh", map[string]interface{}{"error": err.Error()})
	} else if blacklisted {
		if _, err := s.sessions.RevokeFamily(ctx, claims.FamilyID); err != nil {
			s.logger.Warn("family revocation failed", map[string]interface{}{
				"fid": claims.FamilyID, "error": err.Error(),
			})
		}
		s.auditEvent(ctx, claims.UserID, AuditActionTokenRefresh, meta, false, map[string]interface{}{"reason": "blacklisted"})
		return nil, apperrors.Authentication("invalid or expired token")
	}

	newSID, expiresAt, err := s.sessions.RotateOrReject(ctx, claims.SessionID, claims.FamilyID, meta)
	if err != nil {
		if errors.Is(err, ErrSessionReuse) {
			s.auditEvent(ctx, claims.UserID, AuditActionTokenRefresh, meta, false, map[string]interface{}{"reason": "reuse_detected"})
			return nil, apperrors.Authentication("invalid or expired token")
		}
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			if _, rerr := s.sessions.RevokeFamily(ctx, claims.FamilyID); rerr != nil {
				s.logger.Warn("family revocation failed", map[string]interface{}{
					"fid": claims.FamilyID, "error": rerr.Error(),
				})
			}
			return nil, apperrors.Authentication("invalid or expired token")
		}
		return nil, err
	}

	access, err := s.tokens.MintAccess(user, newSID, claims.FamilyID, PermissionsFromRoles(user.Roles))
	if err != nil {
		return nil, apperrors.Internal("token generation failed").WithCause(err)
	}
	refresh, err := s.tokens.MintRefresh(user.ID, newSID, claims.FamilyID, time.Until(expiresAt))
	if err != nil {
		return nil, apperrors.Internal("token generation failed").WithCause(err)
	}

	s.auditEvent(ctx, user.ID, AuditActionTokenRefresh, meta, true, nil)
	return &TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL().Seconds()),
	}, nil
}

// InvalidateToken blacklists the token until its natural expiry. A
// refresh token additionally takes its whole session family down.
func (s *Service) InvalidateToken(ctx context.Context, token string, meta RequestMeta) error {
	claims, err := s.tokens.Decode(token)
	if err != nil {
		return apperrors.Authentication("invalid or expired token")
	}

	if claims.ExpiresAt != nil {
		if err := s.blacklist.Add(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return err
		}
	}
	if claims.TokenType == TokenTypeRefresh && claims.FamilyID != "" {
		if _, err := s.sessions.RevokeFamily(ctx, claims.FamilyID); err != nil {
			return err
		}
	}
	s.auditEvent(ctx, claims.UserID, AuditActionLogout, meta, true, map[string]interface{}{"type": claims.TokenType})
	return nil
}

// IsTokenBlacklisted reports whether the token's jti has been
// invalidated. The signature must verify; lifetime is not checked.
func (s *Service) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	claims, err := s.tokens.Decode(token)
	if err != nil {
		return false, apperrors.Authentication("invalid or expired token")
	}
	return s.blacklist.Contains(ctx, claims.ID)
}

// VerifyAccessToken is the request-path check: signature and claims,
// then the blacklist. Middleware calls this on every authenticated
// request.
func (s *Service) VerifyAccessToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.tokens.Verify(token, TokenTypeAccess)
	if err != nil {
		return nil, apperrors.Authentication("invalid or expired token")
	}
	blacklisted, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		s.logger.Warn("blacklist check failed", map[string]interface{}{"error": err.Error()})
	} else if blacklisted {
		return nil, apperrors.Authentication("invalid or expired token")
	}
	return claims, nil
}

// ChangePassword verifies the current password, applies the policy to
// the new one, and revokes every session so stolen refresh tokens die
// with the old password.
func (s *Service) ChangePassword(ctx context.Context, uid, current, newPassword string) error {
	user, err := s.users.GetByID(ctx, uid)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, current) {
		s.auditEvent(ctx, uid, AuditActionPasswordChange, RequestMeta{}, false, map[string]interface{}{"reason": "bad_current"})
		return apperrors.Authentication("current password is incorrect")
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword, s.cfg.BcryptRounds)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, uid, hash); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, uid, ""); err != nil {
		s.logger.Warn("session revocation after password change failed", map[string]interface{}{
			"user_id": uid, "error": err.Error(),
		})
	}
	s.auditEvent(ctx, uid, AuditActionPasswordChange, RequestMeta{}, true, nil)
	return nil
}

// InitiatePasswordReset issues a single-use reset token. The reply is
// uniform whether or not the address exists, so the endpoint cannot be
// used to enumerate accounts.
func (s *Service) InitiatePasswordReset(ctx context.Context, email string, meta RequestMeta) error {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}
	if strings.HasSuffix(email, "@"+guestDomain) {
		return nil
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			s.auditEvent(ctx, "", AuditActionPasswordReset, meta, false, map[string]interface{}{"reason": "unknown_email", "email": email})
			return nil
		}
		return err
	}

	token := randomHex(32)
	if err := s.users.SetResetToken(ctx, user.ID, token, time.Now().Add(s.cfg.ResetTTL)); err != nil {
		return err
	}
	if err := s.emails.SendPasswordResetEmail(ctx, email, user.DisplayName(), token); err != nil {
		s.logger.Warn("password reset email failed", map[string]interface{}{
			"user_id": user.ID, "error": err.Error(),
		})
	}
	s.auditEvent(ctx, user.ID, AuditActionPasswordReset, meta, true, map[string]interface{}{"stage": "initiated"})
	return nil
}

// ResetPasswordWithToken consumes a reset token, installs the new
// password, clears any lockout, and revokes all sessions.
func (s *Service) ResetPasswordWithToken(ctx context.Context, token, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword, s.cfg.BcryptRounds)
	if err != nil {
		return err
	}
	uid, err := s.users.ResetPasswordByToken(ctx, token, hash)
	if err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, uid, ""); err != nil {
		s.logger.Warn("session revocation after password reset failed", map[string]interface{}{
			"user_id": uid, "error": err.Error(),
		})
	}
	s.auditEvent(ctx, uid, AuditActionPasswordReset, RequestMeta{}, true, map[string]interface{}{"stage": "completed"})
	return nil
}

// VerifyEmail consumes an email-verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	uid, err := s.users.VerifyEmailByToken(ctx, token)
	if err != nil {
		return err
	}
	s.auditEvent(ctx, uid, AuditActionEmailVerify, RequestMeta{}, true, nil)
	return nil
}

// VerifyUserPassword re-checks the caller's own password, for step-up
// confirmation. It does not touch the lockout counter; the caller is
// already authenticated.
func (s *Service) VerifyUserPassword(ctx context.Context, uid, password string) error {
	user, err := s.users.GetByID(ctx, uid)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return apperrors.Authentication("invalid credentials")
	}
	return nil
}

// CreateStepUpChallenge gates a sensitive operation behind
// re-verification.
func (s *Service) CreateStepUpChallenge(ctx context.Context, uid, method, returnTo string) (*StepUpChallenge, error) {
	challenge, err := s.challenges.Create(ctx, uid, method, returnTo)
	if err != nil {
		return nil, err
	}
	s.auditEvent(ctx, uid, AuditActionStepUp, RequestMeta{}, true, map[string]interface{}{
		"stage": "created", "method": method,
	})
	return challenge, nil
}

// GetStepUpChallenge fetches a pending challenge.
func (s *Service) GetStepUpChallenge(ctx context.Context, cid string) (*StepUpChallenge, error) {
	return s.challenges.Get(ctx, cid)
}

// CompleteStepUpChallenge marks a challenge satisfied.
func (s *Service) CompleteStepUpChallenge(ctx context.Context, cid string) (*StepUpChallenge, error) {
	challenge, err := s.challenges.Complete(ctx, cid)
	if err != nil {
		return nil, err
	}
	s.auditEvent(ctx, challenge.UserID, AuditActionStepUp, RequestMeta{}, true, map[string]interface{}{
		"stage": "completed", "method": challenge.RequiredMethod,
	})
	return challenge, nil
}

// ListSessions returns the user's non-expired sessions.
func (s *Service) ListSessions(ctx context.Context, uid string) ([]Session, error) {
	return s.sessions.ListSessions(ctx, uid)
}

// RevokeSession revokes one of the user's sessions. Idempotent.
func (s *Service) RevokeSession(ctx context.Context, uid, sid string, meta RequestMeta) error {
	if err := s.sessions.RevokeSession(ctx, uid, sid); err != nil {
		return err
	}
	s.auditEvent(ctx, uid, AuditActionSessionRevoke, meta, true, map[string]interface{}{"sid": sid})
	return nil
}

// RevokeAllSessions revokes every session of the user except, when
// given, the caller's own.
func (s *Service) RevokeAllSessions(ctx context.Context, uid, exceptSID string, meta RequestMeta) (int64, error) {
	revoked, err := s.sessions.RevokeAll(ctx, uid, exceptSID)
	if err != nil {
		return 0, err
	}
	s.auditEvent(ctx, uid, AuditActionSessionRevoke, meta, true, map[string]interface{}{
		"all": true, "revoked": revoked,
	})
	return revoked, nil
}

// GetUserProfile returns the external view of a user with resolved
// permissions.
func (s *Service) GetUserProfile(ctx context.Context, uid string) (*Profile, error) {
	user, err := s.users.GetByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	return user.profile(PermissionsFromRoles(user.Roles)), nil
}

// UpdateUserProfile applies the given profile changes. An email change
// resets verification and sends a fresh verification mail.
func (s *Service) UpdateUserProfile(ctx context.Context, uid string, update ProfileUpdate, meta RequestMeta) (*Profile, error) {
	if update.Email != nil {
		email := normalizeEmail(*update.Email)
		if err := validateEmail(email); err != nil {
			return nil, err
		}
		if strings.HasSuffix(email, "@"+guestDomain) {
			return nil, apperrors.Validation("invalid email address").WithField("email", "reserved domain")
		}
		verifyToken := randomHex(32)
		if err := s.users.UpdateEmail(ctx, uid, email, verifyToken, time.Now().Add(s.cfg.VerificationTTL)); err != nil {
			if apperrors.IsKind(err, apperrors.KindConflict) {
				return nil, apperrors.Conflict("email already registered")
			}
			return nil, err
		}
		if err := s.emails.SendVerificationEmail(ctx, email, "", verifyToken); err != nil {
			s.logger.Warn("verification email failed", map[string]interface{}{
				"user_id": uid, "error": err.Error(),
			})
		}
	}
	if update.Name != nil {
		if err := s.users.UpdateName(ctx, uid, *update.Name); err != nil {
			return nil, err
		}
	}

	user, err := s.users.GetByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	s.auditEvent(ctx, uid, AuditActionProfileUpdate, meta, true, nil)
	return user.profile(PermissionsFromRoles(user.Roles)), nil
}

// PurgeExpiredSessions is the hourly cleanup hook.
func (s *Service) PurgeExpiredSessions(ctx context.Context, retain time.Duration) (int64, error) {
	return s.sessions.PurgeExpired(ctx, retain)
}

func (s *Service) auditEvent(ctx context.Context, uid, action string, meta RequestMeta, success bool, details map[string]interface{}) {
	s.audit.Record(ctx, AuditEvent{
		UserID:  uid,
		Action:  action,
		IP:      meta.IP,
		Success: success,
		Details: details,
	})
}

func nullTime(t time.Time) (nt sql.NullTime) {
	if !t.IsZero() {
		nt.Time = t
		nt.Valid = true
	}
	return nt
}
