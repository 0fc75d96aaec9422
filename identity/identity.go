// Package identity derives a node's signing keys from a single seed.
package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/crypto/blake2b"
	"lukechampine.com/farm/ed25519hash"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/frand"
)

// IdentityIndex is the derivation index of a node's identity key.
const IdentityIndex = 0

// A Seed generates keys deterministically from some initial entropy.
type Seed [32]byte

// String implements fmt.Stringer.
func (s Seed) String() string { return hex.EncodeToString(s[:]) }

// deriveKey derives the keypair for the specified index.
func (s Seed) deriveKey(index uint64) ed25519.PrivateKey {
	buf := make([]byte, len(s)+8)
	n := copy(buf, s[:])
	binary.LittleEndian.PutUint64(buf[n:], index)
	seed := blake2b.Sum256(buf)
	return ed25519.NewKeyFromSeed(seed[:])
}

// SecretKey derives the ed25519 private key for the specified index.
func (s Seed) SecretKey(index uint64) ed25519.PrivateKey {
	return s.deriveKey(index)
}

// Key derives the signing Key for the specified index.
func (s Seed) Key(index uint64) Key {
	return Key(s.deriveKey(index))
}

// PublicKey derives the identity for the specified index.
func (s Seed) PublicKey(index uint64) hostdb.HostPublicKey {
	return s.Key(index).HostKey()
}

// ParentKey returns the hex-encoded public key from which the seed's
// per-index identities are derived. It is recorded in contracts alongside
// the index of the key that signed them.
func (s Seed) ParentKey() string {
	return s.PublicKey(IdentityIndex).Key()
}

// NewSeed returns a random Seed.
func NewSeed() (s Seed) {
	frand.Read(s[:])
	return
}

// ParseSeed parses a hex-encoded Seed.
func ParseSeed(str string) (s Seed, err error) {
	str = strings.TrimSpace(str)
	if hex.DecodedLen(len(str)) != len(s) {
		return Seed{}, errors.New("seed must be 64 hex characters")
	}
	_, err = hex.Decode(s[:], []byte(str))
	return
}

// LoadOrCreateSeed reads a hex-encoded seed from path, creating a new one if
// the file does not exist.
func LoadOrCreateSeed(path string) (Seed, error) {
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		s := NewSeed()
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return Seed{}, errors.Wrap(err, "could not create seed directory")
		}
		if err := ioutil.WriteFile(path, []byte(s.String()+"\n"), 0600); err != nil {
			return Seed{}, errors.Wrap(err, "could not write seed file")
		}
		return s, nil
	} else if err != nil {
		return Seed{}, errors.Wrap(err, "could not read seed file")
	}
	s, err := ParseSeed(string(b))
	return s, errors.Wrapf(err, "invalid seed in %v", path)
}

// A Key is an ed25519 private key that implements renterhost.PeerKey.
type Key ed25519.PrivateKey

// SignHash signs hash.
func (k Key) SignHash(hash crypto.Hash) []byte {
	return ed25519hash.Sign(ed25519.PrivateKey(k), hash)
}

// PublicKey returns the public half of k.
func (k Key) PublicKey() ed25519.PublicKey {
	return ed25519hash.ExtractPublicKey(ed25519.PrivateKey(k))
}

// HostKey returns the identity of k.
func (k Key) HostKey() hostdb.HostPublicKey {
	return hostdb.HostKeyFromPublicKey(k.PublicKey())
}
