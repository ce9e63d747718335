package session

import "testing"

// Test vectors computed from the cipher's round schedule and checked
// against an independent implementation.
func TestEncryptKnownVectors(t *testing.T) {
	cases := []struct {
		seed uint32
		key  uint32
	}{
		{0x00000000, 0x68b433c5},
		{0x12345678, 0x3341bcfe},
		{0xdeadbeef, 0x9f2e4935},
		{0x00000001, 0x122c9b20},
		{0xffffffff, 0xf8d28a6a},
	}

	for _, c := range cases {
		if got := encrypt(c.seed); got != c.key {
			t.Errorf("encrypt(0x%08x) = 0x%08x, want 0x%08x", c.seed, got, c.key)
		}
	}
}

func TestEncryptIsDeterministic(t *testing.T) {
	seed := uint32(0xCAFEBABE)
	a := encrypt(seed)
	b := encrypt(seed)
	if a != b {
		t.Errorf("encrypt not deterministic: %x != %x", a, b)
	}
}
