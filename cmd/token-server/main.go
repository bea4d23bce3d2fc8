package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/jobhook/internal/auth"
	"github.com/austindbirch/jobhook/internal/config"
	"github.com/austindbirch/jobhook/internal/logging"
)

const maxTTL = 24 * time.Hour

type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type tokenRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role,omitempty"`
	TTL     int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// issuer signs operator tokens that auth.JWTValidator accepts.
type issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	iss      string
	aud      string
	ttl      time.Duration
	logger   *logging.Logger
	now      func() time.Time
	pubPEM   []byte
	jwksBody JWKSResponse
}

func newIssuer(key *rsa.PrivateKey, ts config.TokenServer, api config.API, logger *logging.Logger) (*issuer, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	ttl := ts.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &issuer{
		key:    key,
		keyID:  ts.KeyID,
		iss:    api.JWTIssuer,
		aud:    api.JWTAudience,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		pubPEM: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
		jwksBody: JWKSResponse{Keys: []JWK{{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: ts.KeyID,
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}},
	}, nil
}

// loadKey parses a PKCS1 or PKCS8 PEM private key, or generates one when
// pemText is empty.
func loadKey(pemText string) (*rsa.PrivateKey, bool, error) {
	if pemText == "" {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		return k, true, err
	}
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return k, false, nil
}

func (i *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/.well-known/jwks.json", i.jwks)
	r.Get("/public-key.pem", i.publicKey)
	r.Post("/token", i.createToken)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (i *issuer) jwks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, i.jwksBody)
}

// publicKey serves the PEM the API reads from JWT_PUBLIC_KEY.
func (i *issuer) publicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(i.pubPEM)
}

func (i *issuer) createToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleOperator
	}
	ttl := i.ttl
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}
	if ttl > maxTTL {
		http.Error(w, "ttl_seconds exceeds 24h", http.StatusBadRequest)
		return
	}

	token, err := i.sign(req.Subject, req.Role, ttl)
	if err != nil {
		i.logger.WithContext(r.Context()).WithError(err).Error("failed to sign token")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	i.logger.WithContext(r.Context()).WithFields(map[string]any{
		"subject": req.Subject,
		"role":    req.Role,
		"ttl":     ttl.String(),
	}).Info("token issued")

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresIn: int(ttl.Seconds()),
		TokenType: "Bearer",
	})
}

func (i *issuer) sign(subject, role string, ttl time.Duration) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":  i.iss,
		"aud":  i.aud,
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	token.Header["kid"] = i.keyID
	return token.SignedString(i.key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("jobhook-token-server")

	key, generated, err := loadKey(cfg.TokenServer.PrivateKey)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to load signing key")
	}
	if generated {
		logger.Plain().Warn("JWT_PRIVATE_KEY not set, generated an ephemeral signing key")
	}

	iss, err := newIssuer(key, cfg.TokenServer, cfg.API, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to build issuer")
	}

	srv := &http.Server{
		Addr:              cfg.TokenServer.HTTPPort,
		Handler:           iss.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":     srv.Addr,
		"issuer":   cfg.API.JWTIssuer,
		"audience": cfg.API.JWTAudience,
	}).Info("token server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("token server failed")
	}
}
