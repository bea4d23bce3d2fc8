package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/jobhook/internal/auth"
	"github.com/austindbirch/jobhook/internal/config"
)

func TestLoadValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	path := filepath.Join(t.TempDir(), "jwt.pub")
	if err := os.WriteFile(path, []byte(pemText), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":  "ops",
		"role": auth.RoleOperator,
		"iss":  "jobhook",
		"aud":  "jobhook-api",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	tests := []struct {
		name    string
		key     string
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", key: "", wantNil: true},
		{name: "inline pem", key: pemText},
		{name: "pem file", key: path},
		{name: "missing file", key: filepath.Join(t.TempDir(), "nope.pub"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := loadValidator(config.API{JWTPublicKey: tt.key, JWTIssuer: "jobhook", JWTAudience: "jobhook-api"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (v == nil) != tt.wantNil {
				t.Fatalf("loadValidator() = %v, wantNil %v", v, tt.wantNil)
			}
			if v == nil {
				return
			}
			claims, err := v.ValidateToken(token)
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.Subject != "ops" {
				t.Errorf("Subject = %q, want ops", claims.Subject)
			}
		})
	}
}
