package middleware

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	dErrors "patientsync/pkg/domain-errors"
)

// HMACValidator validates HS256 tokens minted by the upstream identity provider.
type HMACValidator struct {
	signingKey []byte
	issuer     string
}

func NewHMACValidator(signingKey, issuer string) *HMACValidator {
	return &HMACValidator{signingKey: []byte(signingKey), issuer: issuer}
}

func (v *HMACValidator) ValidateToken(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return v.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return "", dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return "", dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	return claims.Subject, nil
}
