package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/kosherhub/kosherhub/pkg/observability"
)

// Token type claim values
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Sentinel token errors. Callers outside the package see a single opaque
// authentication error; these exist so refresh and revocation logic can
// tell an expired credential from a forged one.
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrWrongTokenType = errors.New("wrong token type")
)

// Claims is the token payload. Access tokens carry identity and resolved
// permissions; refresh tokens carry only the session linkage.
type Claims struct {
	UserID      string   `json:"uid"`
	TokenType   string   `json:"type"`
	SessionID   string   `json:"sid"`
	FamilyID    string   `json:"fid"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// MintedToken is a freshly signed token with the identifiers the session
// and blacklist layers track.
type MintedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// TokenManager mints and verifies signed tokens. With a keyring it signs
// RS256 and stamps the KID header; without one it falls back to HS256
// with the shared secret.
type TokenManager struct {
	cfg     Config
	keyring *Keyring
	secret  []byte
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTokenManager wires a token manager. keyring may be nil only when
// cfg.JWTSecret is set.
func NewTokenManager(cfg Config, keyring *Keyring, logger observability.Logger, metrics observability.MetricsClient) (*TokenManager, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if keyring == nil && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth: no signing material: configure an RSA keyring or a JWT secret")
	}
	m := &TokenManager{
		cfg:     cfg,
		keyring: keyring,
		logger:  logger,
		metrics: metrics,
	}
	if keyring == nil {
		m.secret = []byte(cfg.JWTSecret)
		m.logger.Warn("token manager using HS256 shared-secret fallback", nil)
	}
	return m, nil
}

// UsesKeyring reports whether tokens are signed asymmetrically.
func (m *TokenManager) UsesKeyring() bool { return m.keyring != nil }

// Keyring exposes the keyring for JWKS publication; nil under HS256.
func (m *TokenManager) Keyring() *Keyring { return m.keyring }

// MintAccess signs a short-lived access token bound to a session.
func (m *TokenManager) MintAccess(user *User, sid, fid string, permissions []string) (MintedToken, error) {
	claims := &Claims{
		UserID:      user.ID,
		TokenType:   TokenTypeAccess,
		SessionID:   sid,
		FamilyID:    fid,
		Email:       user.Email,
		Roles:       user.Roles,
		Permissions: permissions,
	}
	return m.mint(claims, m.cfg.AccessTTL())
}

// MintRefresh signs a refresh token for the given session and family.
// The TTL comes from the caller so rotation can preserve the family's
// original expiry horizon.
func (m *TokenManager) MintRefresh(uid, sid, fid string, ttl time.Duration) (MintedToken, error) {
	claims := &Claims{
		UserID:    uid,
		TokenType: TokenTypeRefresh,
		SessionID: sid,
		FamilyID:  fid,
	}
	return m.mint(claims, ttl)
}

func (m *TokenManager) mint(claims *Claims, ttl time.Duration) (MintedToken, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.cfg.Issuer,
		Audience:  jwt.ClaimStrings{m.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}

	var (
		signed string
		err    error
	)
	if m.keyring != nil {
		kid, key := m.keyring.signer()
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = kid
		signed, err = token.SignedString(key)
	} else {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err = token.SignedString(m.secret)
	}
	if err != nil {
		return MintedToken{}, fmt.Errorf("auth: sign %s token: %w", claims.TokenType, err)
	}

	m.metrics.RecordAuthOperation("token_mint", true, 0)
	return MintedToken{Token: signed, JTI: claims.ID, ExpiresAt: expires}, nil
}

// keyFor resolves the verification key for a parsed token header,
// rejecting any algorithm other than the configured one.
func (m *TokenManager) keyFor(token *jwt.Token) (interface{}, error) {
	if m.keyring != nil {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return m.keyring.resolveWithRetry(kid)
	}
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return m.secret, nil
}

// Verify checks signature and claims and returns the payload, or an
// error when the token is not currently acceptable. wantType pins the
// type claim; pass the empty string to accept either.
func (m *TokenManager) Verify(tokenString, wantType string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		m.metrics.RecordAuthOperation("token_verify", false, 0)
		return nil, err
	}
	if err := m.validateClaims(claims, wantType, time.Now()); err != nil {
		m.metrics.RecordAuthOperation("token_verify", false, 0)
		return nil, err
	}
	m.metrics.RecordAuthOperation("token_verify", true, 0)
	return claims, nil
}

// Decode verifies the signature but not the lifetime and returns the
// payload. Revocation needs this: an already expired token still names
// the jti and family to invalidate.
func (m *TokenManager) Decode(tokenString string) (*Claims, error) {
	return m.parse(tokenString)
}

func (m *TokenManager) parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, m.keyFor)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// validateClaims applies lifetime, issuer, audience, type, and role
// checks with the configured clock-skew leeway.
func (m *TokenManager) validateClaims(claims *Claims, wantType string, now time.Time) error {
	leeway := m.cfg.ClockSkewLeeway

	if claims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	if now.After(claims.ExpiresAt.Time.Add(leeway)) {
		return ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Add(leeway).Before(claims.NotBefore.Time) {
		return ErrInvalidToken
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(now.Add(leeway)) {
		return ErrInvalidToken
	}
	if m.cfg.Issuer != "" && claims.Issuer != m.cfg.Issuer {
		return ErrInvalidToken
	}
	if m.cfg.Audience != "" && !claims.VerifyAudience(m.cfg.Audience, true) {
		return ErrInvalidToken
	}
	if wantType != "" && claims.TokenType != wantType {
		return ErrWrongTokenType
	}
	for _, role := range claims.Roles {
		if role == RoleAnonymous {
			return ErrInvalidToken
		}
	}
	if claims.UserID == "" {
		return ErrInvalidToken
	}
	return nil
}
