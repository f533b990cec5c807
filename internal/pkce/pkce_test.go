package pkce

import (
	"strings"
	"testing"
)

func TestRFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := DeriveChallenge(verifier); got != want {
		t.Fatalf("challenge mismatch: want %q got %q", want, got)
	}
	if !Verify(verifier, want, MethodS256) {
		t.Fatalf("expected verification to succeed for RFC vector")
	}
}

func TestGenerateVerifierRoundTrip(t *testing.T) {
	for i := 0; i < 32; i++ {
		v, err := GenerateVerifier()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !IsValidVerifier(v) {
			t.Fatalf("generated verifier fails validation: %q", v)
		}
		if !Verify(v, DeriveChallenge(v), MethodS256) {
			t.Fatalf("round trip failed for %q", v)
		}
	}
}

func TestVerifyRejectsWrongVerifier(t *testing.T) {
	a, err := GenerateVerifier()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateVerifier()
	if err != nil {
		t.Fatal(err)
	}
	if Verify(b, DeriveChallenge(a), MethodS256) {
		t.Fatalf("verification succeeded with mismatched verifier")
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	v, err := GenerateVerifier()
	if err != nil {
		t.Fatal(err)
	}
	ch := DeriveChallenge(v)

	for _, method := range []string{"plain", "s256", "", "S512"} {
		if Verify(v, ch, method) {
			t.Errorf("method %q accepted; only S256 should verify", method)
		}
	}
	// "plain" semantics must never work even when verifier == challenge.
	if Verify(ch, ch, "plain") {
		t.Errorf("plain method accepted")
	}
}

func TestValidatorBounds(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"too short", strings.Repeat("a", 42), false},
		{"minimum length", strings.Repeat("a", 43), true},
		{"maximum length", strings.Repeat("a", 128), true},
		{"too long", strings.Repeat("a", 129), false},
		{"bad rune", strings.Repeat("a", 42) + "!", false},
		{"full alphabet", strings.Repeat("aZ9-._~", 7), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidVerifier(tt.input); got != tt.want {
				t.Fatalf("IsValidVerifier(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsValidChallenge(t *testing.T) {
	v, err := GenerateVerifier()
	if err != nil {
		t.Fatal(err)
	}
	if !IsValidChallenge(DeriveChallenge(v)) {
		t.Fatalf("derived challenge failed validation")
	}
	if IsValidChallenge("short") {
		t.Fatalf("short challenge accepted")
	}
	if IsValidChallenge(strings.Repeat("+", 43)) {
		t.Fatalf("challenge with non-base64url rune accepted")
	}
}
