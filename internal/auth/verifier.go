// Package auth verifies the bearer tokens presented by restaurant clients.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	// Mode is dev (no verification), hmac (HS256) or jwks (RS256).
	Mode          string
	HMACSecret    string
	JWKSURL       string
	BusinessClaim string
	RoleClaim     string
}

// Verifier validates JWTs and extracts the business the client acts for.
type Verifier struct {
	mode          string
	hmacSecret    []byte
	jwksURL       string
	businessClaim string
	roleClaim     string
	http          *http.Client
	mu            sync.RWMutex
	jwks          jwks
	lastFetch     time.Time
	cacheTTL      time.Duration
}

type jwks struct {
	Keys []jwk `json:"keys"`
}
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type Principal struct {
	BusinessID int64
	Role       string
	Subject    string
}

func NewVerifier(cfg Config) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{
		mode:          mode,
		hmacSecret:    []byte(cfg.HMACSecret),
		jwksURL:       cfg.JWKSURL,
		businessClaim: or(cfg.BusinessClaim, "business_id"),
		roleClaim:     or(cfg.RoleClaim, "role"),
		http:          &http.Client{Timeout: 5 * time.Second},
		cacheTTL:      10 * time.Minute,
	}
}

func or(v, d string) string {
	if v != "" {
		return v
	}
	return d
}

func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	if v.mode == "dev" {
		// token format: business:<id>[:role]
		parts := strings.Split(token, ":")
		if len(parts) < 2 || parts[0] != "business" {
			return Principal{}, fmt.Errorf("%w: expected business:<id>", ErrUnauthorized)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id <= 0 {
			return Principal{}, fmt.Errorf("%w: bad business id", ErrUnauthorized)
		}
		pr := Principal{BusinessID: id, Role: "merchant"}
		if len(parts) > 2 && parts[2] != "" {
			pr.Role = parts[2]
		}
		return pr, nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyfunc)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	id, err := claimInt(claims[v.businessClaim])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %s claim: %v", ErrUnauthorized, v.businessClaim, err)
	}
	role, _ := claims[v.roleClaim].(string)
	if role == "" {
		role = "merchant"
	}
	sub, _ := claims["sub"].(string)
	return Principal{BusinessID: id, Role: strings.ToLower(role), Subject: sub}, nil
}

func (v *Verifier) keyfunc(t *jwt.Token) (any, error) {
	switch v.mode {
	case "hmac":
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unsupported alg for hmac")
		}
		return v.hmacSecret, nil
	case "jwks":
		if t.Method != jwt.SigningMethodRS256 {
			return nil, errors.New("unsupported alg for jwks")
		}
		kid, _ := t.Header["kid"].(string)
		return v.getRSAPublicKey(kid)
	}
	return nil, errors.New("unsupported auth mode")
}

func claimInt(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		if x <= 0 || x != float64(int64(x)) {
			return 0, fmt.Errorf("invalid id %v", x)
		}
		return int64(x), nil
	case string:
		id, err := strconv.ParseInt(x, 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("invalid id %q", x)
		}
		return id, nil
	}
	return 0, errors.New("missing")
}

// get RSAPublicKey from JWKS cache/fetch
func (v *Verifier) getRSAPublicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cached := v.jwks
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if len(cached.Keys) == 0 || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		cached = v.jwks
		v.mu.RUnlock()
	}
	for _, k := range cached.Keys {
		if k.Kid == kid && strings.EqualFold(k.Kty, "RSA") {
			nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
			if err != nil {
				return nil, err
			}
			eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
			if err != nil {
				return nil, err
			}
			e := new(big.Int).SetBytes(eBytes)
			return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
		}
	}
	return nil, errors.New("kid not found in JWKS")
}

func (v *Verifier) fetchJWKS() error {
	if v.jwksURL == "" {
		return errors.New("jwks url not configured")
	}
	resp, err := v.http.Get(v.jwksURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	var j jwks
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return err
	}
	v.mu.Lock()
	v.jwks = j
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
