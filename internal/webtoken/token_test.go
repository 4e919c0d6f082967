package webtoken

import (
	"strings"
	"testing"
	"time"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	token, err := issuer.Issue("alice@example.com")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	email, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if email != "alice@example.com" {
		t.Errorf("Got subject %s, want alice@example.com", email)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)
	other := NewIssuer("other-secret", time.Hour)

	token, err := issuer.Issue("alice@example.com")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := other.Verify(token); err == nil {
		t.Error("Token signed with different secret accepted")
	}
}

func TestVerify_Expired(t *testing.T) {
	issuer := NewIssuer("test-secret", -time.Minute)

	token, err := issuer.Issue("alice@example.com")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := issuer.Verify(token); err == nil {
		t.Error("Expired token accepted")
	}
}

func TestVerify_Tampered(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	token, err := issuer.Issue("alice@example.com")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("Unexpected token shape: %s", token)
	}
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]

	if _, err := issuer.Verify(tampered); err == nil {
		t.Error("Tampered token accepted")
	}
}

func TestVerify_Garbage(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	if _, err := issuer.Verify("not-a-token"); err == nil {
		t.Error("Garbage string accepted as token")
	}
}
