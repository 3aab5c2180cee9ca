// Package auth issues and verifies HS256 bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret is empty")
)

type Config struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Token is a signed access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Claims are the verified claims of a token.
type Claims struct {
	Subject  uuid.UUID
	IssuedAt time.Time
	Expires  time.Time
}

type Issuer struct {
	secret []byte
	cfg    Config
	now    func() time.Time
}

func New(cfg Config) (*Issuer, error) {
	const op = "auth.New"

	if cfg.Secret == "" {
		return nil, fmt.Errorf("%s:%w", op, ErrNoSecret)
	}

	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	return &Issuer{
		secret: []byte(cfg.Secret),
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

// Issue signs a token for subject.
func (i *Issuer) Issue(subject uuid.UUID) (Token, error) {
	const op = "auth.Issuer.Issue"

	now := i.now().UTC()
	exp := now.Add(i.cfg.TTL)

	claims := jwt.RegisteredClaims{
		Subject:   subject.String(),
		Issuer:    i.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	if i.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("%s:%w", op, err)
	}

	return Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: exp}, nil
}

// Verify parses raw and checks its signature, lifetime, issuer and audience.
//
// Returns:
//   - error: ErrInvalidToken wrapping the reason.
func (i *Issuer) Verify(raw string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	if i.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(i.cfg.Audience))
	}

	var rc jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &rc, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := uuid.Parse(rc.Subject)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}

	out := Claims{Subject: sub}
	if rc.IssuedAt != nil {
		out.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		out.Expires = rc.ExpiresAt.Time
	}

	return out, nil
}
