// Package ed25519hash provides routines for signing and verifying the 32-byte
// hashes that identify contracts, announcements, and session challenges.
package ed25519hash

import (
	"crypto/ed25519"

	"gitlab.com/NebulousLabs/Sia/crypto"
)

// Verify reports whether sig is a valid signature of hash by pub. Keys of the
// wrong length are rejected rather than causing a panic, since they are
// usually supplied by a remote peer.
func Verify(pub ed25519.PublicKey, hash crypto.Hash, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, hash[:], sig)
}

// Sign signs a hash with priv.
func Sign(priv ed25519.PrivateKey, hash crypto.Hash) []byte {
	return ed25519.Sign(priv, hash[:])
}

// ExtractPublicKey extracts the PublicKey portion of priv.
func ExtractPublicKey(priv ed25519.PrivateKey) ed25519.PublicKey {
	return ed25519.PublicKey(priv[32:])
}
