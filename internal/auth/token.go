// Package auth issues and verifies the short-lived tokens that admit a
// participant to the media transport of one space.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/spaces/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const issuer = "spaces"

type Claims struct {
	jwt.RegisteredClaims
	SpaceID string `json:"space"`
}

// Grant is what the token endpoint hands to a client.
type Grant struct {
	Token        string `json:"token"`
	TransportURL string `json:"transportUrl"`
}

type Issuer struct {
	secret       []byte
	ttl          time.Duration
	transportURL string
	now          func() time.Time
}

func NewIssuer(secret string, ttl time.Duration, transportURL string) *Issuer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, transportURL: transportURL, now: time.Now}
}

// Issue signs a token binding uid to space.
func (i *Issuer) Issue(space domain.SpaceID, uid domain.UserID) (Grant, error) {
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   string(uid),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		SpaceID: string(space),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Grant{}, err
	}
	return Grant{Token: token, TransportURL: i.transportURL}, nil
}

// Verify checks the signature and expiry and returns the bound identity.
func (i *Issuer) Verify(token string) (domain.SpaceID, domain.UserID, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredToken
		}
		return "", "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.SpaceID == "" {
		return "", "", ErrInvalidToken
	}
	return domain.SpaceID(claims.SpaceID), domain.UserID(claims.Subject), nil
}
