package auth

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
)

type capturedEmail struct {
	Email string
	Name  string
	Token string
}

// capturingEmailSender records outgoing mail instead of sending it.
type capturingEmailSender struct {
	mu            sync.Mutex
	verifications []capturedEmail
	resets        []capturedEmail
}

func (c *capturingEmailSender) SendVerificationEmail(_ context.Context, email, name, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifications = append(c.verifications, capturedEmail{email, name, token})
	return nil
}

func (c *capturingEmailSender) SendPasswordResetEmail(_ context.Context, email, name, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets = append(c.resets, capturedEmail{email, name, token})
	return nil
}

func serviceConfig() Config {
	cfg := DefaultConfig()
	cfg.Issuer = "kosherhub-test"
	cfg.JWTSecret = "test-secret-0123456789abcdef"
	cfg.BcryptRounds = bcrypt.MinCost
	return cfg
}

// newTestService wires a service onto sqlmock and miniredis with the
// HS256 fallback so no RSA keys are generated per test.
func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *capturingEmailSender) {
	t.Helper()
	db, mock := newAuthDB(t)
	_, client := newAuthRedis(t)

	emails := &capturingEmailSender{}
	svc, err := NewService(serviceConfig(), db, client, nil, emails, nil, nil)
	require.NoError(t, err)
	return svc, mock, emails
}

func expectAuditInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO auth_audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func expectSessionInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO auth_sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestRegisterUserValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RegisterUser(ctx, "not-an-email", "Str0ng!pass", "", RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, _, err = svc.RegisterUser(ctx, "rivka@example.com", "weak", "", RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestRegisterUser(t *testing.T) {
	svc, mock, emails := newTestService(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec("INSERT INTO user_roles").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectSessionInsert(mock)
	expectAuditInsert(mock)

	user, pair, err := svc.RegisterUser(ctx, "  Rivka@Example.COM ", "Str0ng!pass", "Rivka", RequestMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "rivka@example.com", user.Email)
	assert.Equal(t, []string{RoleUser}, user.Roles)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := svc.Tokens().Verify(pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Contains(t, claims.Permissions, "reviews:write")
	assert.Contains(t, claims.Permissions, "establishments:read")

	refreshClaims, err := svc.Tokens().Verify(pair.RefreshToken, TokenTypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, claims.FamilyID, refreshClaims.FamilyID)

	require.Len(t, emails.verifications, 1)
	assert.Equal(t, "rivka@example.com", emails.verifications[0].Email)
	assert.Len(t, emails.verifications[0].Token, 64)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterUserDuplicateEmail(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO users").
		WillReturnError(duplicateKeyErr())
	mock.ExpectRollback()
	expectAuditInsert(mock)

	_, _, err := svc.RegisterUser(context.Background(), "taken@example.com", "Str0ng!pass", "", RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))
	assert.ErrorContains(t, err, "email already registered")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateUserSuccess(t *testing.T) {
	svc, mock, _ := newTestService(t)
	hash, err := HashPassword("Str0ng!pass", bcrypt.MinCost)
	require.NoError(t, err)

	rows := sqlmock.NewRows(userRowColumns())
	addUserRow(rows, userRow("u1", "rivka@example.com", hash, "{user}"))
	mock.ExpectQuery("FROM users u").WithArgs("rivka@example.com").WillReturnRows(rows)
	mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))
	expectAuditInsert(mock)

	user, err := svc.AuthenticateUser(context.Background(), "Rivka@example.com", "Str0ng!pass", RequestMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Zero(t, user.FailedLoginAttempts)
	assert.True(t, user.LastLogin.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateUserUnknownEmailOpaque(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery("FROM users u").WithArgs("ghost@example.com").WillReturnError(sql.ErrNoRows)
	expectAuditInsert(mock)

	_, err := svc.AuthenticateUser(context.Background(), "ghost@example.com", "whatever", RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))
	assert.ErrorContains(t, err, "invalid credentials")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateUserBadPassword(t *testing.T) {
	svc, mock, _ := newTestService(t)
	hash, err := HashPassword("Str0ng!pass", bcrypt.MinCost)
	require.NoError(t, err)

	rows := sqlmock.NewRows(userRowColumns())
	addUserRow(rows, userRow("u1", "rivka@example.com", hash, "{user}"))
	mock.ExpectQuery("FROM users u").WillReturnRows(rows)
	mock.ExpectQuery("UPDATE users").
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(1, nil))
	expectAuditInsert(mock)

	_, err = svc.AuthenticateUser(context.Background(), "rivka@example.com", "Wr0ng!pass", RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))
	// same opaque message as the unknown-email path
	assert.ErrorContains(t, err, "invalid credentials")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateUserLockedAccount(t *testing.T) {
	svc, mock, _ := newTestService(t)
	hash, err := HashPassword("Str0ng!pass", bcrypt.MinCost)
	require.NoError(t, err)

	values := userRow("u1", "rivka@example.com", hash, "{user}")
	values[10] = time.Now().Add(10 * time.Minute) // locked_until
	rows := sqlmock.NewRows(userRowColumns())
	addUserRow(rows, values)
	mock.ExpectQuery("FROM users u").WillReturnRows(rows)
	expectAuditInsert(mock)

	_, err = svc.AuthenticateUser(context.Background(), "rivka@example.com", "Str0ng!pass", RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))
	assert.Contains(t, err.Error(), "locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateUserRateLimited(t *testing.T) {
	svc, mock, _ := newTestService(t)
	svc.limiter.maxAttempts = 1
	ctx := context.Background()

	mock.ExpectQuery("FROM users u").WillReturnError(sql.ErrNoRows)
	expectAuditInsert(mock)
	expectAuditInsert(mock)

	_, err := svc.AuthenticateUser(ctx, "ghost@example.com", "x", RequestMeta{IP: "10.0.0.9"})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))

	// second attempt from the same address is refused before any lookup
	_, err = svc.AuthenticateUser(ctx, "ghost@example.com", "x", RequestMeta{IP: "10.0.0.9"})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindRateLimited))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshAccessTokenRotates(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()
	user := &User{ID: "u1", Email: "rivka@example.com", Roles: []string{RoleUser}}

	expectSessionInsert(mock)
	pair, err := svc.GenerateTokens(ctx, user, true, RequestMeta{IP: "10.0.0.1"})
	require.NoError(t, err)

	claims, err := svc.Tokens().Decode(pair.RefreshToken)
	require.NoError(t, err)
	familyExpiry := time.Now().Add(12 * time.Hour).Truncate(time.Second)

	mock.ExpectBegin()
	rotated := sqlmock.NewRows(sessionColumns()).
		AddRow(claims.SessionID, claims.FamilyID, "u1", nil, nil,
			time.Now().Add(-time.Hour), time.Now().Add(-time.Hour), familyExpiry, nil)
	mock.ExpectQuery("FOR UPDATE").WithArgs(claims.SessionID, claims.FamilyID).WillReturnRows(rotated)
	mock.ExpectExec(`UPDATE auth_sessions SET revoked_at = NOW\(\), last_used = NOW\(\) WHERE sid`).
		WithArgs(claims.SessionID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO auth_sessions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	userRows := sqlmock.NewRows(userRowColumns())
	addUserRow(userRows, userRow("u1", "rivka@example.com", "hash", "{user}"))
	mock.ExpectQuery("FROM users u").WithArgs("u1").WillReturnRows(userRows)
	expectAuditInsert(mock)

	next, err := svc.RefreshAccessToken(ctx, pair.RefreshToken, RequestMeta{IP: "10.0.0.1"})
	require.NoError(t, err)

	nextClaims, err := svc.Tokens().Verify(next.RefreshToken, TokenTypeRefresh)
	require.NoError(t, err)
	assert.NotEqual(t, claims.SessionID, nextClaims.SessionID)
	assert.Equal(t, claims.FamilyID, nextClaims.FamilyID)
	// the new refresh token keeps the family's absolute horizon
	assert.WithinDuration(t, familyExpiry, nextClaims.ExpiresAt.Time, 2*time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshAccessTokenReuseRevokesFamily(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()
	user := &User{ID: "u1", Email: "rivka@example.com", Roles: []string{RoleUser}}

	expectSessionInsert(mock)
	pair, err := svc.GenerateTokens(ctx, user, false, RequestMeta{})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE auth_sessions").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()
	expectAuditInsert(mock)

	_, err = svc.RefreshAccessToken(ctx, pair.RefreshToken, RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))
	assert.ErrorContains(t, err, "invalid or expired token")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshAccessTokenGarbage(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.RefreshAccessToken(context.Background(), "not.a.token", RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))
}

func TestRefreshAccessTokenRejectsAccessToken(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()
	user := &User{ID: "u1", Email: "rivka@example.com", Roles: []string{RoleUser}}

	expectSessionInsert(mock)
	pair, err := svc.GenerateTokens(ctx, user, false, RequestMeta{})
	require.NoError(t, err)

	_, err = svc.RefreshAccessToken(ctx, pair.AccessToken, RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))
}

func TestInvalidateRefreshTokenRevokesFamily(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()
	user := &User{ID: "u1", Email: "rivka@example.com", Roles: []string{RoleUser}}

	expectSessionInsert(mock)
	pair, err := svc.GenerateTokens(ctx, user, false, RequestMeta{})
	require.NoError(t, err)

	mock.ExpectExec("UPDATE auth_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	expectAuditInsert(mock)
	require.NoError(t, svc.InvalidateToken(ctx, pair.RefreshToken, RequestMeta{}))

	blacklisted, err := svc.IsTokenBlacklisted(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	// a blacklisted refresh token is rejected and takes the family down again
	mock.ExpectExec("UPDATE auth_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	expectAuditInsert(mock)
	_, err = svc.RefreshAccessToken(ctx, pair.RefreshToken, RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateAccessTokenBlocksVerify(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()
	user := &User{ID: "u1", Email: "rivka@example.com", Roles: []string{RoleUser}}

	expectSessionInsert(mock)
	pair, err := svc.GenerateTokens(ctx, user, false, RequestMeta{})
	require.NoError(t, err)

	claims, err := svc.VerifyAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	expectAuditInsert(mock)
	require.NoError(t, svc.InvalidateToken(ctx, pair.AccessToken, RequestMeta{}))

	_, err = svc.VerifyAccessToken(ctx, pair.AccessToken)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePassword(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()
	hash, err := HashPassword("Old1!pass", bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("wrong current password", func(t *testing.T) {
		rows := sqlmock.NewRows(userRowColumns())
		addUserRow(rows, userRow("u1", "rivka@example.com", hash, "{user}"))
		mock.ExpectQuery("FROM users u").WillReturnRows(rows)
		expectAuditInsert(mock)

		err := svc.ChangePassword(ctx, "u1", "Wrong1!pass", "New1!pass0")
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication))
	})

	t.Run("weak replacement", func(t *testing.T) {
		rows := sqlmock.NewRows(userRowColumns())
		addUserRow(rows, userRow("u1", "rivka@example.com", hash, "{user}"))
		mock.ExpectQuery("FROM users u").WillReturnRows(rows)

		err := svc.ChangePassword(ctx, "u1", "Old1!pass", "weak")
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	})

	t.Run("success revokes all sessions", func(t *testing.T) {
		rows := sqlmock.NewRows(userRowColumns())
		addUserRow(rows, userRow("u1", "rivka@example.com", hash, "{user}"))
		mock.ExpectQuery("FROM users u").WillReturnRows(rows)
		mock.ExpectExec("UPDATE users SET password_hash").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE auth_sessions").WillReturnResult(sqlmock.NewResult(0, 2))
		expectAuditInsert(mock)

		require.NoError(t, svc.ChangePassword(ctx, "u1", "Old1!pass", "New1!pass0"))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitiatePasswordResetUniformReply(t *testing.T) {
	svc, mock, emails := newTestService(t)
	ctx := context.Background()

	t.Run("unknown email still succeeds", func(t *testing.T) {
		mock.ExpectQuery("FROM users u").WillReturnError(sql.ErrNoRows)
		expectAuditInsert(mock)

		require.NoError(t, svc.InitiatePasswordReset(ctx, "ghost@example.com", RequestMeta{}))
		assert.Empty(t, emails.resets)
	})

	t.Run("guest address is a silent no-op", func(t *testing.T) {
		require.NoError(t, svc.InitiatePasswordReset(ctx, "guest-abc@guest.local", RequestMeta{}))
		assert.Empty(t, emails.resets)
	})

	t.Run("known email gets a token", func(t *testing.T) {
		rows := sqlmock.NewRows(userRowColumns())
		addUserRow(rows, userRow("u1", "rivka@example.com", "hash", "{user}"))
		mock.ExpectQuery("FROM users u").WillReturnRows(rows)
		mock.ExpectExec("UPDATE users SET reset_token").WillReturnResult(sqlmock.NewResult(0, 1))
		expectAuditInsert(mock)

		require.NoError(t, svc.InitiatePasswordReset(ctx, "rivka@example.com", RequestMeta{}))
		require.Len(t, emails.resets, 1)
		assert.Len(t, emails.resets[0].Token, 64)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetPasswordWithToken(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()

	err := svc.ResetPasswordWithToken(ctx, "tok", "weak")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	mock.ExpectQuery("UPDATE users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectExec("UPDATE auth_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	expectAuditInsert(mock)
	require.NoError(t, svc.ResetPasswordWithToken(ctx, "tok", "New1!pass0"))

	mock.ExpectQuery("UPDATE users").WillReturnError(sql.ErrNoRows)
	err = svc.ResetPasswordWithToken(ctx, "stale", "New1!pass0")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyEmail(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery("UPDATE users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	expectAuditInsert(mock)
	require.NoError(t, svc.VerifyEmail(context.Background(), "verify-tok"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStepUpChallengeThroughService(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()

	expectAuditInsert(mock)
	challenge, err := svc.CreateStepUpChallenge(ctx, "u1", StepUpMethodPassword, "/admin")
	require.NoError(t, err)
	assert.False(t, challenge.Completed)

	got, err := svc.GetStepUpChallenge(ctx, challenge.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	expectAuditInsert(mock)
	done, err := svc.CompleteStepUpChallenge(ctx, challenge.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserProfile(t *testing.T) {
	svc, mock, _ := newTestService(t)

	rows := sqlmock.NewRows(userRowColumns())
	addUserRow(rows, userRow("u1", "rivka@example.com", "hash", "{moderator,user}"))
	mock.ExpectQuery("FROM users u").WithArgs("u1").WillReturnRows(rows)

	profile, err := svc.GetUserProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", profile.ID)
	assert.Equal(t, []string{RoleModerator, RoleUser}, profile.Roles)
	assert.Contains(t, profile.Permissions, "reviews:moderate")
	assert.Contains(t, profile.Permissions, "favorites:write")
	assert.Nil(t, profile.LastLogin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserProfile(t *testing.T) {
	svc, mock, emails := newTestService(t)
	ctx := context.Background()

	t.Run("name only", func(t *testing.T) {
		mock.ExpectExec("UPDATE users SET name").WillReturnResult(sqlmock.NewResult(0, 1))
		rows := sqlmock.NewRows(userRowColumns())
		addUserRow(rows, userRow("u1", "rivka@example.com", "hash", "{user}"))
		mock.ExpectQuery("FROM users u").WillReturnRows(rows)
		expectAuditInsert(mock)

		name := "Rivka L"
		_, err := svc.UpdateUserProfile(ctx, "u1", ProfileUpdate{Name: &name}, RequestMeta{})
		require.NoError(t, err)
	})

	t.Run("email change restarts verification", func(t *testing.T) {
		mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))
		rows := sqlmock.NewRows(userRowColumns())
		addUserRow(rows, userRow("u1", "new@example.com", "hash", "{user}"))
		mock.ExpectQuery("FROM users u").WillReturnRows(rows)
		expectAuditInsert(mock)

		email := "New@Example.com"
		profile, err := svc.UpdateUserProfile(ctx, "u1", ProfileUpdate{Email: &email}, RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", profile.Email)
		require.Len(t, emails.verifications, 1)
		assert.Equal(t, "new@example.com", emails.verifications[0].Email)
	})

	t.Run("guest domain rejected", func(t *testing.T) {
		email := "sneaky@guest.local"
		_, err := svc.UpdateUserProfile(ctx, "u1", ProfileUpdate{Email: &email}, RequestMeta{})
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateGuestUser(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec("INSERT INTO user_roles").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectSessionInsert(mock)
	expectAuditInsert(mock)

	user, pair, err := svc.CreateGuestUser(context.Background(), RequestMeta{})
	require.NoError(t, err)
	assert.True(t, user.IsGuest())
	assert.True(t, strings.HasSuffix(user.Email, "@guest.local"))
	assert.True(t, user.EmailVerified)

	claims, err := svc.Tokens().Verify(pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleGuest}, claims.Roles)
	assert.NotContains(t, claims.Permissions, "favorites:write")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpgradeGuestUserRejectsNonGuest(t *testing.T) {
	svc, mock, _ := newTestService(t)

	rows := sqlmock.NewRows(userRowColumns())
	addUserRow(rows, userRow("u1", "rivka@example.com", "hash", "{user}"))
	mock.ExpectQuery("FROM users u").WillReturnRows(rows)

	_, _, err := svc.UpgradeGuestUser(context.Background(), "u1", "real@example.com", "Str0ng!pass", "", RequestMeta{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpgradeGuestUser(t *testing.T) {
	svc, mock, emails := newTestService(t)
	guestEmail := "guest-u9@guest.local"

	guestRows := sqlmock.NewRows(userRowColumns())
	addUserRow(guestRows, userRow("u9", guestEmail, "hash", "{guest}"))
	mock.ExpectQuery("FROM users u").WithArgs("u9").WillReturnRows(guestRows)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE user_roles SET is_active = FALSE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_roles").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE auth_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	upgradedRows := sqlmock.NewRows(userRowColumns())
	addUserRow(upgradedRows, userRow("u9", "rivka@example.com", "newhash", "{user}"))
	mock.ExpectQuery("FROM users u").WithArgs("u9").WillReturnRows(upgradedRows)
	expectSessionInsert(mock)
	expectAuditInsert(mock)

	user, pair, err := svc.UpgradeGuestUser(context.Background(), "u9", "Rivka@example.com", "Str0ng!pass", "", RequestMeta{})
	require.NoError(t, err)
	assert.False(t, user.IsGuest())
	assert.Equal(t, []string{RoleUser}, user.Roles)

	claims, err := svc.Tokens().Verify(pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Contains(t, claims.Permissions, "favorites:write")
	require.Len(t, emails.verifications, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJWKSPublication(t *testing.T) {
	db, _ := newAuthDB(t)
	_, client := newAuthRedis(t)

	t.Run("hs256 publishes nothing", func(t *testing.T) {
		svc, err := NewService(serviceConfig(), db, client, nil, nil, nil, nil)
		require.NoError(t, err)
		_, ok := svc.JWKS()
		assert.False(t, ok)
	})

	t.Run("keyring publishes the active key", func(t *testing.T) {
		keyring, err := NewKeyring()
		require.NoError(t, err)
		cfg := serviceConfig()
		cfg.JWTSecret = ""
		svc, err := NewService(cfg, db, client, keyring, nil, nil, nil)
		require.NoError(t, err)

		set, ok := svc.JWKS()
		require.True(t, ok)
		require.Len(t, set.Keys, 1)
		assert.Equal(t, keyring.ActiveKID(), set.Keys[0].Kid)
	})
}

func TestPurgeExpiredSessions(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectExec("DELETE FROM auth_sessions").WillReturnResult(sqlmock.NewResult(0, 7))
	purged, err := svc.PurgeExpiredSessions(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}
