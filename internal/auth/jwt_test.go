package auth

import (
	"testing"
	"time"
)

func TestIssuer_MintVerifyRoundTrip(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)

	token, err := issuer.Mint(1234)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ConvID != 1234 {
		t.Errorf("conv id = %d, want 1234", claims.ConvID)
	}
}

func TestIssuer_RejectsWrongSecret(t *testing.T) {
	token, err := NewIssuer([]byte("secret-a"), time.Hour).Mint(1)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := NewIssuer([]byte("secret-b"), time.Hour).Verify(token); err == nil {
		t.Error("token signed with a different secret verified")
	}
}

func TestIssuer_RejectsExpiredToken(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), -time.Minute)
	token, err := issuer.Mint(1)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Error("expired token verified")
	}
}

func TestIssuer_RejectsGarbage(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)
	for _, tok := range []string{"", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := issuer.Verify(tok); err == nil {
			t.Errorf("garbage token %q verified", tok)
		}
	}
}

func TestNewIssuer_DefaultTTL(t *testing.T) {
	issuer := NewIssuer([]byte("s"), 0)
	token, err := issuer.Mint(7)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 23*time.Hour || ttl > 25*time.Hour {
		t.Errorf("default ttl = %v, want about 24h", ttl)
	}
}
