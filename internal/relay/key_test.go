package relay

import (
	"errors"
	"strings"
	"testing"
)

func TestResolveKeyPrecedence(t *testing.T) {
	key, err := ResolveKey(Code("ABC123"), UID("42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "code:ABC123" {
		t.Fatalf("expected code channel to win, got %q", key)
	}

	key, err = ResolveKey(Code("   "), UID("42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "uid:42" {
		t.Fatalf("expected fallback to uid, got %q", key)
	}
}

func TestResolveKeyMissing(t *testing.T) {
	if _, err := ResolveKey(Code(""), UID("  ")); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := ResolveKey(); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey for no inputs, got %v", err)
	}
}

func TestResolveKeyLengthLimits(t *testing.T) {
	if _, err := ResolveKey(Code(strings.Repeat("x", 65))); !errors.Is(err, ErrKeyTooLong) {
		t.Fatalf("expected ErrKeyTooLong for 65-char code, got %v", err)
	}
	if _, err := ResolveKey(Code(strings.Repeat("x", 64))); err != nil {
		t.Fatalf("64-char code should be accepted: %v", err)
	}
	if _, err := ResolveKey(UID(strings.Repeat("9", 33))); !errors.Is(err, ErrKeyTooLong) {
		t.Fatalf("expected ErrKeyTooLong for 33-char uid, got %v", err)
	}
	if _, err := ResolveKey(UID(strings.Repeat("9", 32))); err != nil {
		t.Fatalf("32-char uid should be accepted: %v", err)
	}
}

func TestResolveKeyNamespacing(t *testing.T) {
	codeKey, err := ResolveKey(Code("777"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	uidKey, err := ResolveKey(UID("777"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if codeKey == uidKey {
		t.Fatalf("identical literals from different channels must not collide: %q", codeKey)
	}
	if codeKey.Channel() != ChannelCode || uidKey.Channel() != ChannelUID {
		t.Fatalf("unexpected channels: %q %q", codeKey.Channel(), uidKey.Channel())
	}
}

func TestResolveKeyTrimsValue(t *testing.T) {
	key, err := ResolveKey(Code("  ABC  "))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "code:ABC" {
		t.Fatalf("expected trimmed key, got %q", key)
	}
}
