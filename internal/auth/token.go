// Package auth issues and verifies the bearer tokens that gate document access.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	KindDoc    = "doc"
	KindServer = "server"

	keySize = 32
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidKey   = errors.New("auth key must not be empty")
)

// Claims is the JWT payload. Doc is empty for server tokens.
type Claims struct {
	Doc  string `json:"doc,omitempty"`
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// Authenticator signs doc and server tokens with keys derived from one secret.
// A nil *Authenticator means auth is disabled: every check passes and no
// tokens are issued.
type Authenticator struct {
	docKey    []byte
	serverKey []byte
	now       func() time.Time
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrInvalidKey
	}
	docKey, err := deriveKey(secret, "docsync doc token")
	if err != nil {
		return nil, err
	}
	serverKey, err := deriveKey(secret, "docsync server token")
	if err != nil {
		return nil, err
	}
	return &Authenticator{docKey: docKey, serverKey: serverKey, now: time.Now}, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

func (a *Authenticator) Enabled() bool {
	return a != nil
}

// SetClock overrides the time source used for issuing and verifying.
func (a *Authenticator) SetClock(now func() time.Time) {
	if a != nil && now != nil {
		a.now = now
	}
}

// IssueDocToken grants access to exactly one document until ttl elapses.
func (a *Authenticator) IssueDocToken(docID string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", nil
	}
	if docID == "" {
		return "", errors.New("doc id is required")
	}
	if ttl <= 0 {
		return "", errors.New("doc token ttl must be positive")
	}
	return a.sign(a.docKey, Claims{Doc: docID, Kind: KindDoc}, ttl)
}

// VerifyDocToken fails closed on a missing, malformed, expired, forged or
// mismatched token.
func (a *Authenticator) VerifyDocToken(token, docID string) error {
	if a == nil {
		return nil
	}
	claims, err := a.parse(a.docKey, token, true)
	if err != nil {
		return err
	}
	if claims.Kind != KindDoc || claims.Doc == "" || claims.Doc != docID {
		return ErrUnauthorized
	}
	return nil
}

// IssueServerToken grants access to the control routes. A zero ttl issues a
// token that does not expire.
func (a *Authenticator) IssueServerToken(ttl time.Duration) (string, error) {
	if a == nil {
		return "", nil
	}
	return a.sign(a.serverKey, Claims{Kind: KindServer}, ttl)
}

func (a *Authenticator) VerifyServerToken(token string) error {
	if a == nil {
		return nil
	}
	claims, err := a.parse(a.serverKey, token, false)
	if err != nil {
		return err
	}
	if claims.Kind != KindServer {
		return ErrUnauthorized
	}
	return nil
}

func (a *Authenticator) sign(key []byte, claims Claims, ttl time.Duration) (string, error) {
	now := a.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) parse(key []byte, token string, requireExp bool) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if requireExp {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// GenerateKey returns a fresh random secret suitable for auth_key.
func GenerateKey() (string, error) {
	buf := make([]byte, keySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
