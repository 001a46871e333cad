package ident

import (
	"math/big"
	"strings"
	"testing"
)

func TestNewRandomIDShape(t *testing.T) {
	id := NewRandomID()
	if len(id) != DefaultLen {
		t.Fatalf("expected %d chars, got %d", DefaultLen, len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune(alphabet, c) {
			t.Fatalf("id contains %q outside alphabet", c)
		}
	}
}

func TestNewRandomIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRandomIDLen(16)
		if seen[id] {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestIDSpaceExceeds256Bits(t *testing.T) {
	space := new(big.Int).Exp(big.NewInt(int64(len(alphabet))), big.NewInt(DefaultLen), nil)
	target := new(big.Int).Lsh(big.NewInt(1), 256)
	if space.Cmp(target) <= 0 {
		t.Fatalf("62^%d does not exceed 2^256", DefaultLen)
	}
}
