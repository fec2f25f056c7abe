package beacon

import (
	"strings"
	"testing"
)

func TestParseIdentity_FullHashTruncated(t *testing.T) {
	full := strings.Repeat("ab", 32)

	id, err := ParseIdentity(full)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if id.String() != strings.Repeat("ab", IdentitySize) {
		t.Errorf("identity: got %s, want %s", id, strings.Repeat("ab", IdentitySize))
	}
}

func TestParseIdentity_ShortHashPadded(t *testing.T) {
	id, err := ParseIdentity("0123456789abcdef")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want := "0123456789abcdef" + strings.Repeat("00", 8)
	if id.String() != want {
		t.Errorf("identity: got %s, want %s", id, want)
	}
	if id.Short() != "0123456789abcdef" {
		t.Errorf("short: got %s, want 0123456789abcdef", id.Short())
	}
}

func TestParseIdentity_Invalid(t *testing.T) {
	for _, s := range []string{"", "xyz", "abc"} {
		if _, err := ParseIdentity(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestIdentity_TextRoundTrip(t *testing.T) {
	want := testIdentity(0x7f)

	text, err := want.MarshalText()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got Identity
	if err := got.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got != want {
		t.Errorf("identity: got %s, want %s", got, want)
	}
	if got.IsZero() {
		t.Error("expected non-zero identity")
	}
}
