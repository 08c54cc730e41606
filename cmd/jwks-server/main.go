package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/hookgate/internal/auth"
	"github.com/austindbirch/hookgate/internal/logging"
)

const (
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

// issuer mints development tokens for the management API and publishes the
// matching public key.
type issuer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses a PKCS1 or PKCS8 PEM private key, or generates a fresh one
// when pemKey is empty.
func loadKey(pemKey string) (*rsa.PrivateKey, error) {
	if pemKey == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

func (s *issuer) jwk() auth.JSONWebKey {
	pub := s.key.PublicKey
	return auth.JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: s.kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func (s *issuer) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{s.jwk()}})
}

type tokenRequest struct {
	Subject  string `json:"sub"`
	TenantID string `json:"tenant_id"`
	TTL      int    `json:"ttl_seconds,omitempty"`
}

func (s *issuer) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		req.Subject = req.TenantID
	}
	if req.Subject == "" {
		http.Error(w, "sub or tenant_id is required", http.StatusBadRequest)
		return
	}

	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = min(time.Duration(req.TTL)*time.Second, maxTTL)
	}

	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
		TenantID: req.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   req.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	tok.Header["kid"] = s.kid

	signed, err := tok.SignedString(s.key)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      signed,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func (s *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/.well-known/jwks.json", s.jwks)
	r.Post("/token", s.token)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return r
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger := logging.New("hookgate-jwks")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load signing key")
	}
	if os.Getenv("JWT_PRIVATE_KEY") == "" {
		logger.Plain().Warn("JWT_PRIVATE_KEY not set, generated an ephemeral key")
	}

	s := &issuer{
		key:      key,
		kid:      getenv("JWT_KEY_ID", "hookgate-key-1"),
		issuer:   getenv("JWT_ISSUER", "hookgate"),
		audience: getenv("JWT_AUDIENCE", "hookgate-api"),
		now:      time.Now,
	}

	addr := ":" + getenv("PORT", "8082")
	logger.Plain().WithFields(map[string]any{
		"addr": addr,
		"kid":  s.kid,
	}).Info("JWKS server starting")

	srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("Server failed")
	}
}
