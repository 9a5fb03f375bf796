// Package usertoken consumes access tokens minted by the external auth
// service and resolves them to a user identity. Issuance and refresh are out
// of this process's hands; only verification lives here.
package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"bookvault/pkg/domain"
)

const (
	defaultIssuer = "bookvault-auth"
	defaultLeeway = 30 * time.Second
)

// Config configures access-token verification.
type Config struct {
	Secret []byte
	Issuer string
	Leeway time.Duration
}

// Verifier validates HS256 access tokens and extracts the user identity.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token verifier requires a secret")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Verifier{secret: cfg.Secret, issuer: issuer, leeway: leeway}, nil
}

// Verify validates the token and returns the identity it carries.
func (v *Verifier) Verify(token string) (domain.User, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return domain.User{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		return domain.User{}, fmt.Errorf("%w: token subject missing", domain.ErrUnauthenticated)
	}
	return domain.User{ID: subject, Email: c.Email}, nil
}

// Issue mints a short-lived token for the given identity. The auth service
// owns issuance in production; this helper exists for tests and local runs.
func (v *Verifier) Issue(user domain.User, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}
