package backend

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/lachlan2k/busline/internal/model"
)

var ErrInvalidSession = errors.New("session token was invalid")

var jwtSigningMethod = jwt.SigningMethodHS256

// Aliasing it so we can use it in the struct literal for composition
type jwtRegisteredClaims = jwt.RegisteredClaims

// SessionClaims is what a session token carries. The subject is the user ID.
type SessionClaims struct {
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Role           model.Role `json:"role"`
	OrganizationID string     `json:"organizationId"`
	jwtRegisteredClaims
}

func (c *SessionClaims) Profile() *model.UserProfile {
	return &model.UserProfile{
		ID:             c.Subject,
		Name:           c.Name,
		Email:          c.Email,
		Role:           c.Role,
		OrganizationID: c.OrganizationID,
	}
}

// TokenIssuer signs and checks HS256 session tokens. It backs both the
// local client and the development backend.
type TokenIssuer struct {
	Secret   []byte
	Lifetime time.Duration
	Issuer   string
}

func (s *TokenIssuer) Issue(profile *model.UserProfile) (string, error) {
	now := time.Now()

	claims := &SessionClaims{
		Email:          profile.Email,
		Name:           profile.Name,
		Role:           profile.Role,
		OrganizationID: profile.OrganizationID,
		jwtRegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   profile.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.Lifetime)),
		},
	}

	signed, err := jwt.NewWithClaims(jwtSigningMethod, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("couldn't sign session JWT: %v", err)
	}
	return signed, nil
}

// Parse returns ErrInvalidSession for anything that isn't a live token we
// signed ourselves.
func (s *TokenIssuer) Parse(token string) (*SessionClaims, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}

	decoder := jwt.NewParser(jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}))

	claims := new(SessionClaims)

	parsed, err := decoder.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	})

	if err != nil || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	if s.Issuer != "" && !claims.VerifyIssuer(s.Issuer, true) {
		return nil, ErrInvalidSession
	}

	return claims, nil
}
