package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"

	"github.com/MrEthical07/sentinel/clock"
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func baseClaims(typ TokenType) Claims {
	return Claims{
		SID: "s1",
		FAM: "f1",
		Typ: typ,
		RegisteredClaims: gjwt.RegisteredClaims{
			Subject: "p1",
			ID:      "jti-1",
		},
	}
}

func TestParseRejectsWrongAlgorithm(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := baseClaims(TypeAccess)
	claims.ExpiresAt = gjwt.NewNumericDate(time.Now().Add(time.Minute))
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims)
	token, err := tok.SignedString([]byte("secret-secret-secret-secret-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := m.Parse(token, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected wrong algorithm to be rejected, got %v", err)
	}
}

func TestParseIssuerAudienceLeewayAndClock(t *testing.T) {
	_, priv := newEdKeys(t)
	clk := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	m, err := NewManager(Config{
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     priv.Public().(ed25519.PublicKey),
		Issuer:        "sentinel",
		Audience:      "api",
		Leeway:        30 * time.Second,
		Clock:         clk,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	access, exp, err := m.Sign(baseClaims(TypeAccess), time.Minute)
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	if !exp.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	if _, err := m.Parse(access, TypeAccess); err != nil {
		t.Fatalf("expected valid token to parse: %v", err)
	}
	if _, err := m.Parse(access, TypeRefresh); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected access token to be refused as refresh, got %v", err)
	}

	clk.Advance(time.Minute + 15*time.Second)
	if _, err := m.Parse(access, TypeAccess); err != nil {
		t.Fatalf("expected token within leeway to pass: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := m.Parse(access, TypeAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	wrongIssuer := baseClaims(TypeAccess)
	wrongIssuer.Issuer = "other"
	wrongIssuer.Audience = gjwt.ClaimStrings{"api"}
	wrongIssuer.ExpiresAt = gjwt.NewNumericDate(clk.Now().Add(time.Minute))
	badIssuer, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, wrongIssuer).SignedString(priv)
	if _, err := m.Parse(badIssuer, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected wrong issuer to fail, got %v", err)
	}

	wrongAudience := baseClaims(TypeAccess)
	wrongAudience.Issuer = "sentinel"
	wrongAudience.Audience = gjwt.ClaimStrings{"other-api"}
	wrongAudience.ExpiresAt = gjwt.NewNumericDate(clk.Now().Add(time.Minute))
	badAudience, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, wrongAudience).SignedString(priv)
	if _, err := m.Parse(badAudience, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected wrong audience to fail, got %v", err)
	}
}

func TestParseUnknownKidFails(t *testing.T) {
	pub1, priv1 := newEdKeys(t)
	pub2, _ := newEdKeys(t)
	m, err := NewManager(Config{
		SigningMethod: MethodEd25519,
		PrivateKey:    priv1,
		PublicKey:     pub1,
		KeyID:         "k1",
		VerifyKeys: map[string][]byte{
			"k1": pub1,
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := baseClaims(TypeAccess)
	claims.ExpiresAt = gjwt.NewNumericDate(time.Now().Add(time.Minute))
	tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k2"
	token, err := tok.SignedString(priv1)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := m.Parse(token, TypeAccess); err == nil {
		t.Fatal("expected unknown kid failure")
	}

	good, _, err := m.Sign(baseClaims(TypeAccess), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.Parse(good, TypeAccess); err != nil {
		t.Fatalf("expected known kid token to pass: %v", err)
	}

	m2, _ := NewManager(Config{SigningMethod: MethodEd25519, PublicKey: pub2, VerifyKeys: map[string][]byte{"k2": pub2}})
	if _, err := m2.Parse(good, TypeAccess); err == nil {
		t.Fatal("expected parse failure with mismatched key set")
	}
}

func TestSignWithoutPrivateKeyFails(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, _, err := m.Sign(baseClaims(TypeAccess), time.Minute); !errors.Is(err, ErrSigningKeyUnavailable) {
		t.Fatalf("expected ErrSigningKeyUnavailable, got %v", err)
	}
}

func TestParseRequiresIdentityClaims(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	m, err := NewManager(Config{SigningMethod: MethodHS256, PrivateKey: key})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	claims := baseClaims(TypeAccess)
	claims.ID = ""
	token, _, err := m.Sign(claims, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.Parse(token, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected missing jti to be rejected, got %v", err)
	}
}
