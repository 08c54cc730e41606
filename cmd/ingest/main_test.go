package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/hookgate/internal/auth"
	"github.com/austindbirch/hookgate/internal/config"
)

func signedToken(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
		TenantID: "tenant-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "hookgate",
			Audience:  jwt.ClaimStrings{"hookgate-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{{
			Kty: "RSA",
			Kid: "k1",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer jwks.Close()

	tests := []struct {
		name    string
		auth    config.Auth
		wantNil bool
		wantErr bool
	}{
		{name: "unconfigured", wantNil: true},
		{name: "pem", auth: config.Auth{PublicKeyPEM: pemKey}},
		{name: "jwks", auth: config.Auth{JWKSURL: jwks.URL}},
		{name: "bad pem", auth: config.Auth{PublicKeyPEM: "not a key"}, wantErr: true},
		{name: "unreachable jwks", auth: config.Auth{JWKSURL: "http://127.0.0.1:1/jwks"}, wantErr: true},
	}

	token := signedToken(t, key)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.auth.Issuer, tt.auth.Audience = "hookgate", "hookgate-api"
			v, err := newValidator(context.Background(), tt.auth)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (v == nil) != tt.wantNil {
				t.Fatalf("validator nil = %v, want %v", v == nil, tt.wantNil)
			}
			if v == nil {
				return
			}
			p, err := v.ValidateToken(token)
			if err != nil || p.TenantID != "tenant-1" {
				t.Errorf("ValidateToken() = %+v, %v", p, err)
			}
		})
	}
}

func TestAuthMiddlewareNil(t *testing.T) {
	if authMiddleware(nil) != nil {
		t.Error("authMiddleware(nil) should disable auth")
	}
}
