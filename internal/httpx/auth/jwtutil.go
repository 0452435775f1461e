// Package auth verifies the bearer tokens that guard privileged routes.
// Tokens are issued elsewhere; this service only checks them.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"formpulse/internal/config"
	"formpulse/internal/httpx/mw"
)

// Claims represents JWT claims used by this service.
type Claims struct {
	Kind  string   `json:"kind,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type verifyKey struct {
	method jwt.SigningMethod
	key    any
}

func loadVerifyKey(cfg *config.Config) (*verifyKey, error) {
	switch strings.ToUpper(cfg.JWT.Algo) {
	case "RS256":
		pub, err := parseRSAPublicKeyFromPEM([]byte(cfg.JWT.RSPublicKey))
		if err != nil {
			return nil, err
		}
		return &verifyKey{method: jwt.SigningMethodRS256, key: pub}, nil
	case "", "HS256":
		if cfg.JWT.HSSecret == "" {
			return nil, errors.New("JWT_HS_SECRET is empty")
		}
		return &verifyKey{method: jwt.SigningMethodHS256, key: []byte(cfg.JWT.HSSecret)}, nil
	default:
		return nil, errors.New("unsupported JWT_ALGO")
	}
}

func parseRSAPublicKeyFromPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("invalid RSA public PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	k, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("unsupported public key type")
	}
	return k, nil
}

// ParseAndValidate verifies a token string against cfg and returns claims.
// Issuer and audience are enforced when configured.
func ParseAndValidate(cfg *config.Config, tokenStr string) (*Claims, error) {
	vk, err := loadVerifyKey(cfg)
	if err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{vk.method.Alg()}), jwt.WithExpirationRequired()}
	if cfg.JWT.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWT.Issuer))
	}
	if cfg.JWT.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWT.Audience))
	}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return vk.key, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

// Parser adapts ParseAndValidate to the middleware, reading the current
// config on every call so key rotation through the store takes effect.
func Parser(store *config.Store) mw.TokenParser {
	return func(token string) (*mw.AuthContext, error) {
		claims, err := ParseAndValidate(store.Get(), token)
		if err != nil {
			return nil, err
		}
		kind := claims.Kind
		if kind == "" {
			kind = mw.KindUser
		}
		return &mw.AuthContext{Subject: claims.Subject, Kind: kind, Roles: claims.Roles}, nil
	}
}

// SignHS256 issues an HS256 token for cfg. Operators use it to mint admin
// tokens for the read surface; production issuers may use RS256 instead.
func SignHS256(cfg *config.Config, sub string, roles []string, ttl time.Duration) (string, error) {
	if cfg.JWT.HSSecret == "" {
		return "", errors.New("JWT_HS_SECRET is empty")
	}
	now := time.Now().UTC()
	claims := &Claims{
		Kind:  mw.KindUser,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.JWT.Issuer,
			Subject:   sub,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if cfg.JWT.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.JWT.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWT.HSSecret))
}
