package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// JWKSCacheControl is the Cache-Control header value the JWKS endpoint
// serves; clients may cache the keyset for five minutes.
const JWKSCacheControl = "public, max-age=300"

const rsaKeyBits = 2048

// JWK is a single RSA public key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the published keyset: the active signing key plus any retired
// keys still needed to verify outstanding tokens.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Keyring holds the active RSA signing key and the public halves of
// previously active keys. Rotation keeps old public keys so tokens
// minted before the rotation verify until they expire.
type Keyring struct {
	mu        sync.RWMutex
	activeKID string
	private   *rsa.PrivateKey
	public    map[string]*rsa.PublicKey
}

// NewKeyring generates a fresh RSA signing key.
func NewKeyring() (*Keyring, error) {
	k := &Keyring{public: make(map[string]*rsa.PublicKey)}
	if _, err := k.Rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

// NewKeyringFromPEM builds a keyring around an existing private key in
// PKCS#1 or PKCS#8 PEM form, so the KID stays stable across restarts.
func NewKeyringFromPEM(pemBytes []byte) (*Keyring, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("auth: no PEM block in key material")
	}

	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = k
	} else if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("auth: PKCS#8 key is %T, need RSA", parsed)
		}
		key = rsaKey
	} else {
		return nil, fmt.Errorf("auth: parse RSA private key: %w", err)
	}

	kid, err := keyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Keyring{
		activeKID: kid,
		private:   key,
		public:    map[string]*rsa.PublicKey{kid: &key.PublicKey},
	}, nil
}

// keyID derives a stable KID from the public key material.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("auth: marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8]), nil
}

// Rotate generates a new active signing key and returns its KID. The
// previous public key stays resolvable for verification.
func (k *Keyring) Rotate() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", fmt.Errorf("auth: generate RSA key: %w", err)
	}
	kid, err := keyID(&key.PublicKey)
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.activeKID = kid
	k.private = key
	k.public[kid] = &key.PublicKey
	return kid, nil
}

// ActiveKID returns the KID minted tokens carry.
func (k *Keyring) ActiveKID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeKID
}

// signer returns the active KID and private key.
func (k *Keyring) signer() (string, *rsa.PrivateKey) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeKID, k.private
}

// PublicKey resolves a KID to its public key.
func (k *Keyring) PublicKey(kid string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.public[kid]
	return pub, ok
}

// resolveWithRetry looks up a KID, retrying briefly with exponential
// backoff. A verifier can race a rotation that has signed a token but
// not yet published the key.
func (k *Keyring) resolveWithRetry(kid string) (*rsa.PublicKey, error) {
	var pub *rsa.PublicKey
	lookup := func() error {
		var ok bool
		if pub, ok = k.PublicKey(kid); !ok {
			return fmt.Errorf("auth: unknown key id %q", kid)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 250 * time.Millisecond
	if err := backoff.Retry(lookup, backoff.WithMaxRetries(b, 3)); err != nil {
		return nil, err
	}
	return pub, nil
}

// JWKS snapshots every resolvable public key in JWKS form, sorted by
// KID for a stable document.
func (k *Keyring) JWKS() JWKS {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]JWK, 0, len(k.public))
	for kid, pub := range k.public {
		keys = append(keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Kid < keys[j].Kid })
	return JWKS{Keys: keys}
}
