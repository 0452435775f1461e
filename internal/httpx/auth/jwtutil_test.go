package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"formpulse/internal/config"
	"formpulse/internal/httpx/mw"
)

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.JWT.Algo = "HS256"
	cfg.JWT.HSSecret = "test-secret"
	cfg.JWT.Issuer = "test"
	cfg.JWT.Audience = "test"
	return cfg
}

func TestSignAndParse(t *testing.T) {
	cfg := newTestConfig()
	tok, err := SignHS256(cfg, "user:1", []string{"admin"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := ParseAndValidate(cfg, tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user:1" || len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParse_Rejects(t *testing.T) {
	cfg := newTestConfig()
	expired, _ := SignHS256(cfg, "user:1", nil, -time.Minute)
	if _, err := ParseAndValidate(cfg, expired); err == nil {
		t.Fatal("expected expired token to fail")
	}

	other := newTestConfig()
	other.JWT.HSSecret = "other"
	forged, _ := SignHS256(other, "user:1", []string{"admin"}, time.Minute)
	if _, err := ParseAndValidate(cfg, forged); err == nil {
		t.Fatal("expected wrong signature to fail")
	}

	wrongAud := newTestConfig()
	wrongAud.JWT.Audience = "elsewhere"
	tok, _ := SignHS256(wrongAud, "user:1", nil, time.Minute)
	if _, err := ParseAndValidate(cfg, tok); err == nil {
		t.Fatal("expected audience mismatch to fail")
	}

	if _, err := ParseAndValidate(cfg, "not-a-token"); err == nil {
		t.Fatal("expected garbage to fail")
	}
}

func TestParse_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cfg := newTestConfig()
	cfg.JWT.Algo = "RS256"
	cfg.JWT.RSPublicKey = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	claims := &Claims{Roles: []string{"admin"}, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "svc:etl",
		Issuer:    "test",
		Audience:  jwt.ClaimStrings{"test"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := ParseAndValidate(cfg, tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Subject != "svc:etl" {
		t.Fatalf("subject = %q", got.Subject)
	}

	hs, _ := SignHS256(newTestConfig(), "user:1", nil, time.Minute)
	if _, err := ParseAndValidate(cfg, hs); err == nil {
		t.Fatal("expected HS256 token to be rejected under RS256")
	}
}

func TestParser_FollowsStore(t *testing.T) {
	store := config.NewStore(newTestConfig())
	parse := Parser(store)
	tok, _ := SignHS256(store.Get(), "user:9", []string{"admin"}, time.Minute)

	ac, err := parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ac.Subject != "user:9" || ac.Kind != mw.KindUser {
		t.Fatalf("unexpected context: %+v", ac)
	}

	rotated := newTestConfig()
	rotated.JWT.HSSecret = "rotated"
	store.Update(rotated, map[string]bool{"jwt.hs_secret": true})
	if _, err := parse(tok); err == nil {
		t.Fatal("expected token signed with the old secret to fail after rotation")
	}
}
