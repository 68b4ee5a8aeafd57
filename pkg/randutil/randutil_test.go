package randutil

import (
	"encoding/hex"
	"testing"
)

func TestRand(t *testing.T) {
	s := String(12)
	if len(s) != 12 {
		t.Fatalf("expected 12 characters, got %q", s)
	}
	h := Hex(32)
	if _, err := hex.DecodeString(h); err != nil {
		t.Fatal(err)
	}
	if len(Bytes(7)) != 7 {
		t.Fatal("expected 7 bytes")
	}
}
