package mask_test

import (
	"testing"

	"github.com/a-essam23/go-wsuser/pkg/mask"
)

func TestRoundTrip(t *testing.T) {
	connID := "ab3kz09qXY"
	payloads := []string{
		"a@b.com:pw1",
		"a@b.com:pw1:Alice",
		"",
		"body:with:many:colons::",
		"pässwörd-ütf8-すし",
		string([]byte{0, 1, 2, 3, 4, 255, 254}),
	}

	for _, p := range payloads {
		masked, err := mask.Mask(p, connID)
		if err != nil {
			t.Fatalf("Mask(%q) failed: %v", p, err)
		}
		got, err := mask.Unmask(masked, connID)
		if err != nil {
			t.Fatalf("Unmask failed for %q: %v", p, err)
		}
		if got != p {
			t.Errorf("round trip mismatch: got %q, want %q", got, p)
		}
	}
}

func TestMaskChangesPayload(t *testing.T) {
	masked, err := mask.Mask("secret", "conn1234")
	if err != nil {
		t.Fatal(err)
	}
	if masked == "secret" {
		t.Error("masked payload equals plaintext")
	}
}

func TestOnlyKeyPrefixMatters(t *testing.T) {
	masked, err := mask.Mask("hello world", "abcdEFGH")
	if err != nil {
		t.Fatal(err)
	}
	// A different identifier with the same 4-byte prefix must still unmask.
	got, err := mask.Unmask(masked, "abcdZZZZ9999")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello world" {
		t.Errorf("expected prefix-keyed unmask to succeed, got %q", got)
	}
}

func TestShortConnID(t *testing.T) {
	if _, err := mask.Mask("data", "abc"); err != mask.ErrShortKey {
		t.Errorf("expected ErrShortKey, got %v", err)
	}
	if _, err := mask.Unmask("data", "ab"); err != mask.ErrShortKey {
		t.Errorf("expected ErrShortKey, got %v", err)
	}
}

func TestUnmaskRejectsInvalidBase64(t *testing.T) {
	if _, err := mask.Unmask("not a base64 payload!!!", "conn1234"); err == nil {
		t.Error("expected error for invalid base64 input")
	}
}
