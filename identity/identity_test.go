package identity

import (
	"path/filepath"
	"testing"

	"gitlab.com/NebulousLabs/Sia/crypto"
)

func TestSeedDerivation(t *testing.T) {
	s := NewSeed()
	if s.PublicKey(0) != s.PublicKey(0) {
		t.Fatal("derivation is not deterministic")
	}
	if s.PublicKey(0) == s.PublicKey(1) {
		t.Fatal("different indices produced the same key")
	}
	if s.ParentKey() != s.PublicKey(IdentityIndex).Key() {
		t.Fatal("wrong parent key")
	}
	if NewSeed().PublicKey(0) == s.PublicKey(0) {
		t.Fatal("different seeds produced the same key")
	}

	k := s.Key(5)
	hash := crypto.Hash{1, 2, 3}
	if !k.HostKey().VerifyHash(hash, k.SignHash(hash)) {
		t.Fatal("signature did not verify")
	}
	if k.HostKey() != s.PublicKey(5) {
		t.Fatal("Key and PublicKey disagree")
	}
}

func TestParseSeed(t *testing.T) {
	s := NewSeed()
	s2, err := ParseSeed(s.String() + "\n")
	if err != nil || s2 != s {
		t.Fatal("seed did not survive round trip", err)
	}
	for _, bad := range []string{"", "abcd", s.String()[:63] + "z"} {
		if _, err := ParseSeed(bad); err == nil {
			t.Errorf("%q should not parse", bad)
		}
	}
}

func TestLoadOrCreateSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "seed")
	s, err := LoadOrCreateSeed(path)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := LoadOrCreateSeed(path)
	if err != nil {
		t.Fatal(err)
	} else if s2 != s {
		t.Fatal("seed changed after reload")
	}
}
