// Package auth validates RS256 bearer tokens for the management API.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller.
type Principal struct {
	Subject  string
	TenantID string
}

type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
	// TrustProxyHeader accepts x-tenant-id from an authenticating proxy in
	// place of a bearer token.
	TrustProxyHeader bool
}

// NewJWTValidator parses a PKCS1 or PKIX PEM encoded RSA public key.
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

// ValidateToken checks signature, expiry, issuer and audience and returns
// the caller. A subject is required; the tenant is optional.
func (v *JWTValidator) ValidateToken(tokenString string) (Principal, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("missing sub claim")
	}
	return Principal{Subject: claims.Subject, TenantID: claims.TenantID}, nil
}

// unauthenticatedPaths are served without a token.
var unauthenticatedPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
	"/v1/ping": true,
}

func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthenticatedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if v.TrustProxyHeader {
			if tenantID := r.Header.Get("x-tenant-id"); tenantID != "" {
				p := Principal{Subject: "proxy", TenantID: tenantID}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		p, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// RSAPublicKey decodes the key's base64url modulus and exponent.
func (k JSONWebKey) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("invalid RSA key parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// FetchJWKS downloads a key set and returns the RSA key with the given kid,
// or the first RSA key when kid is empty.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURL, kid string) (*rsa.PublicKey, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || (kid != "" && k.Kid != kid) {
			continue
		}
		return k.RSAPublicKey()
	}
	return nil, fmt.Errorf("no RSA key found in JWKS (kid %q)", kid)
}
