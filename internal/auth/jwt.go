// Package auth guards operator endpoints with RSA-signed JWTs.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	SubjectKey contextKey = "subject"

	RoleOperator = "operator"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient role")
)

// Claims are the token fields the API cares about.
type Claims struct {
	Subject string
	Role    string
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// NewJWTValidator parses a PKCS1 or PKIX RSA public key in PEM form.
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}
	return NewJWTValidatorFromKey(publicKey, issuer, audience), nil
}

func NewJWTValidatorFromKey(key *rsa.PublicKey, issuer, audience string) *JWTValidator {
	return &JWTValidator{publicKey: key, issuer: issuer, audience: audience}
}

// ValidateToken checks signature, expiry, issuer and audience.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, _ := claims.GetSubject()
	role, _ := claims["role"].(string)
	return &Claims{Subject: sub, Role: role}, nil
}

// RequireRole returns middleware that admits only bearer tokens carrying
// role. Health and metrics paths are always open.
func (v *JWTValidator) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := v.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if claims.Role != role {
				http.Error(w, ErrForbidden.Error(), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext returns the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(SubjectKey).(string)
	return sub, ok
}
