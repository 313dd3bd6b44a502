package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTokenConfig() Config {
	cfg := DefaultConfig()
	cfg.Issuer = "kosherhub-test"
	return cfg
}

func newRS256Manager(t *testing.T) *TokenManager {
	t.Helper()
	keyring, err := NewKeyring()
	require.NoError(t, err)
	tm, err := NewTokenManager(testTokenConfig(), keyring, nil, nil)
	require.NoError(t, err)
	return tm
}

func newHS256Manager(t *testing.T) *TokenManager {
	t.Helper()
	cfg := testTokenConfig()
	cfg.JWTSecret = "test-secret-0123456789abcdef"
	tm, err := NewTokenManager(cfg, nil, nil, nil)
	require.NoError(t, err)
	return tm
}

func testTokenUser() *User {
	return &User{ID: "u1", Email: "rivka@example.com", Roles: []string{RoleUser}}
}

func TestMintAndVerifyAccessToken(t *testing.T) {
	tm := newRS256Manager(t)
	user := testTokenUser()

	minted, err := tm.MintAccess(user, "sid-1", "fid-1", []string{"establishments:read"})
	require.NoError(t, err)
	require.NotEmpty(t, minted.Token)
	require.NotEmpty(t, minted.JTI)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), minted.ExpiresAt, 5*time.Second)

	claims, err := tm.Verify(minted.Token, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "rivka@example.com", claims.Email)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
	assert.Equal(t, "sid-1", claims.SessionID)
	assert.Equal(t, "fid-1", claims.FamilyID)
	assert.Equal(t, []string{RoleUser}, claims.Roles)
	assert.Equal(t, []string{"establishments:read"}, claims.Permissions)
	assert.Equal(t, minted.JTI, claims.ID)
	assert.Equal(t, "kosherhub-test", claims.Issuer)
}

func TestVerifyRejectsWrongType(t *testing.T) {
	tm := newRS256Manager(t)

	minted, err := tm.MintRefresh("u1", "sid-1", "fid-1", time.Hour)
	require.NoError(t, err)

	_, err = tm.Verify(minted.Token, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	// either type is accepted when unpinned
	claims, err := tm.Verify(minted.Token, "")
	require.NoError(t, err)
	assert.Equal(t, TokenTypeRefresh, claims.TokenType)
}

func TestVerifyExpiredToken(t *testing.T) {
	tm := newRS256Manager(t)

	minted, err := tm.MintRefresh("u1", "sid-1", "fid-1", -2*time.Minute)
	require.NoError(t, err)

	_, err = tm.Verify(minted.Token, TokenTypeRefresh)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyWithinLeeway(t *testing.T) {
	cfg := testTokenConfig()
	cfg.ClockSkewLeeway = 5 * time.Minute
	keyring, err := NewKeyring()
	require.NoError(t, err)
	tm, err := NewTokenManager(cfg, keyring, nil, nil)
	require.NoError(t, err)

	minted, err := tm.MintRefresh("u1", "sid-1", "fid-1", -2*time.Minute)
	require.NoError(t, err)

	_, err = tm.Verify(minted.Token, TokenTypeRefresh)
	assert.NoError(t, err)
}

func TestVerifyTamperedToken(t *testing.T) {
	tm := newRS256Manager(t)
	user := testTokenUser()

	minted, err := tm.MintAccess(user, "sid-1", "fid-1", nil)
	require.NoError(t, err)

	parts := strings.Split(minted.Token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	_, err = tm.Verify(tampered, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyIssuerAndAudience(t *testing.T) {
	keyring, err := NewKeyring()
	require.NoError(t, err)

	mint, err := NewTokenManager(testTokenConfig(), keyring, nil, nil)
	require.NoError(t, err)
	minted, err := mint.MintAccess(testTokenUser(), "sid-1", "fid-1", nil)
	require.NoError(t, err)

	t.Run("wrong issuer", func(t *testing.T) {
		cfg := testTokenConfig()
		cfg.Issuer = "someone-else"
		other, err := NewTokenManager(cfg, keyring, nil, nil)
		require.NoError(t, err)
		_, err = other.Verify(minted.Token, TokenTypeAccess)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		cfg := testTokenConfig()
		cfg.Audience = "internal"
		other, err := NewTokenManager(cfg, keyring, nil, nil)
		require.NoError(t, err)
		_, err = other.Verify(minted.Token, TokenTypeAccess)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestVerifyRejectsAnonymousRole(t *testing.T) {
	tm := newRS256Manager(t)
	user := &User{ID: "u1", Email: "anon@example.com", Roles: []string{RoleAnonymous}}

	minted, err := tm.MintAccess(user, "sid-1", "fid-1", nil)
	require.NoError(t, err)

	_, err = tm.Verify(minted.Token, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHS256Fallback(t *testing.T) {
	tm := newHS256Manager(t)
	assert.False(t, tm.UsesKeyring())

	minted, err := tm.MintAccess(testTokenUser(), "sid-1", "fid-1", nil)
	require.NoError(t, err)

	claims, err := tm.Verify(minted.Token, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
}

func TestAlgorithmConfusionRejected(t *testing.T) {
	rs := newRS256Manager(t)
	hs := newHS256Manager(t)

	rsToken, err := rs.MintAccess(testTokenUser(), "sid-1", "fid-1", nil)
	require.NoError(t, err)
	hsToken, err := hs.MintAccess(testTokenUser(), "sid-1", "fid-1", nil)
	require.NoError(t, err)

	_, err = rs.Verify(hsToken.Token, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = hs.Verify(rsToken.Token, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDecodeIgnoresLifetime(t *testing.T) {
	tm := newRS256Manager(t)

	minted, err := tm.MintRefresh("u1", "sid-1", "fid-1", -time.Hour)
	require.NoError(t, err)

	claims, err := tm.Decode(minted.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, TokenTypeRefresh, claims.TokenType)

	_, err = tm.Decode("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokenManagerNeedsSigningMaterial(t *testing.T) {
	_, err := NewTokenManager(testTokenConfig(), nil, nil, nil)
	assert.Error(t, err)
}

func TestKeyringJWKSAndRotation(t *testing.T) {
	keyring, err := NewKeyring()
	require.NoError(t, err)
	tm, err := NewTokenManager(testTokenConfig(), keyring, nil, nil)
	require.NoError(t, err)

	doc := keyring.JWKS()
	require.Len(t, doc.Keys, 1)
	key := doc.Keys[0]
	assert.Equal(t, "RSA", key.Kty)
	assert.Equal(t, "sig", key.Use)
	assert.Equal(t, "RS256", key.Alg)
	assert.Equal(t, keyring.ActiveKID(), key.Kid)
	assert.NotEmpty(t, key.N)
	assert.Equal(t, "AQAB", key.E)

	// tokens minted before a rotation verify after it
	before, err := tm.MintAccess(testTokenUser(), "sid-1", "fid-1", nil)
	require.NoError(t, err)

	oldKID := keyring.ActiveKID()
	newKID, err := keyring.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, oldKID, newKID)
	assert.Len(t, keyring.JWKS().Keys, 2)

	_, err = tm.Verify(before.Token, TokenTypeAccess)
	assert.NoError(t, err)

	after, err := tm.MintAccess(testTokenUser(), "sid-2", "fid-2", nil)
	require.NoError(t, err)
	_, err = tm.Verify(after.Token, TokenTypeAccess)
	assert.NoError(t, err)
}

func TestKeyringFromPEMStableKID(t *testing.T) {
	keyring, err := NewKeyring()
	require.NoError(t, err)
	kid := keyring.ActiveKID()

	pub, ok := keyring.PublicKey(kid)
	require.True(t, ok)
	derived, err := keyID(pub)
	require.NoError(t, err)
	assert.Equal(t, kid, derived)
}
