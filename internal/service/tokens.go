package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================
// Principal tokens
// ============================================================

// PrincipalClaims are the claims read from the identity provider's access
// token. The subject travels in the registered "sub" claim.
type PrincipalClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 access tokens issued by the identity provider
// and turns them into principals. Token issuance stays with the provider;
// Sign exists for tooling and tests.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify validates tokenString and returns its principal.
func (v *TokenVerifier) Verify(tokenString string) (domain.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &PrincipalClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return domain.Principal{}, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*PrincipalClaims)
	if !ok || !token.Valid {
		return domain.Principal{}, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	email := strings.TrimSpace(claims.Email)
	if email == "" {
		return domain.Principal{}, &domain.ErrUnauthorized{Message: "token has no email claim"}
	}
	return domain.Principal{Subject: claims.Subject, Email: email}, nil
}

// Sign issues a token for principal valid for ttl.
func (v *TokenVerifier) Sign(principal domain.Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := PrincipalClaims{
		Email: principal.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.Subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
