package graffiti

import (
	"errors"
	"strings"
	"testing"
)

func TestObjectURLRoundTrip(t *testing.T) {
	cases := []struct {
		actor string
		id    string
	}{
		{"alice", "abc123"},
		{"user@example.com", "x"},
		{"with/slash", "id/with/slash"},
		{"space actor", "id with space"},
		{"日本語", "идентификатор"},
		{"plus+actor", "percent%id"},
	}

	for _, c := range cases {
		u := ComposeObjectURL(c.actor, c.id)
		actor, id, err := ParseObjectURL(u)
		if err != nil {
			t.Fatalf("decode %q failed: %v", u, err)
		}
		if actor != c.actor || id != c.id {
			t.Fatalf("round trip mismatch: got (%q, %q), want (%q, %q)", actor, id, c.actor, c.id)
		}
	}
}

func TestParseObjectURLRejectsBadInput(t *testing.T) {
	bad := []string{
		"",
		"alice/abc",
		"http://example.com/a/b",
		URLScheme + "noseparator",
		URLScheme + "a/b/c",
		URLScheme + "%zz/id",
	}

	for _, u := range bad {
		_, _, err := ParseObjectURL(u)
		if err == nil {
			t.Fatalf("expected error decoding %q", u)
		}
		if !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("expected InvalidURLError for %q, got %v", u, err)
		}
	}
}

func TestNewObjectID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		id, err := NewObjectID()
		if err != nil {
			t.Fatalf("mint failed: %v", err)
		}
		if len(id) != 32 {
			t.Fatalf("unexpected id length %d for %q", len(id), id)
		}
		if strings.ContainsAny(id, "+/=") {
			t.Fatalf("id %q is not url-safe unpadded base64", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestPadLastModified(t *testing.T) {
	if got := PadLastModified(0); got != "000000000000000" {
		t.Fatalf("pad(0) = %q", got)
	}
	if got := PadLastModified(42); got != "000000000000042" {
		t.Fatalf("pad(42) = %q", got)
	}
	if PadLastModified(9) >= PadLastModified(10) {
		t.Fatalf("padding does not preserve numeric order")
	}
	if PadLastModified(999999999999999) >= MaxSuffix {
		t.Fatalf("max suffix must order above any padded decimal")
	}
}
