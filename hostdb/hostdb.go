// Package hostdb defines the types used to identify peers and to track the
// storage capacity they advertise.
package hostdb

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"time"

	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/crypto/blake2b"
	"lukechampine.com/farm/ed25519hash"
)

// A HostPublicKey is the public key of a peer. A HostPublicKey uniquely
// identifies a peer; since a peer's network address may change over time,
// peers should always be referenced by their public key.
//
// The format of a HostPublicKey is:
//
//    specifier:keydata
//
// Where specifier identifies the signature scheme used and keydata contains
// the hex-encoded bytes of the actual key. Currently, all peers use the
// Ed25519 signature scheme, specified as "ed25519".
type HostPublicKey string

// Key returns the keydata portion of a HostPublicKey.
func (hpk HostPublicKey) Key() string {
	specLen := strings.IndexByte(string(hpk), ':')
	if specLen < 0 {
		return ""
	}
	return string(hpk[specLen+1:])
}

// ShortKey returns the keydata portion of a HostPublicKey, truncated to 8
// characters. This is 32 bits of entropy, which is sufficient to prevent
// collisions in typical usage scenarios. A ShortKey is the preferred way to
// reference a HostPublicKey in logs.
func (hpk HostPublicKey) ShortKey() string {
	key := hpk.Key()
	if len(key) < 8 {
		return key
	}
	return key[:8]
}

// Ed25519 returns the HostPublicKey as an ed25519.PublicKey. The returned key
// is nil if hpk is not a well-formed Ed25519 key.
func (hpk HostPublicKey) Ed25519() ed25519.PublicKey {
	if !strings.HasPrefix(string(hpk), "ed25519:") {
		return nil
	}
	pk, err := hex.DecodeString(hpk.Key())
	if err != nil || len(pk) != ed25519.PublicKeySize {
		return nil
	}
	return pk
}

// VerifyHash verifies that hash was signed by the key corresponding to hpk.
func (hpk HostPublicKey) VerifyHash(hash crypto.Hash, sig []byte) bool {
	pk := hpk.Ed25519()
	return pk != nil && ed25519hash.Verify(pk, hash, sig)
}

// HostKeyFromPublicKey converts an ed25519.PublicKey to a HostPublicKey.
func HostKeyFromPublicKey(pk ed25519.PublicKey) HostPublicKey {
	return HostPublicKey("ed25519:" + hex.EncodeToString(pk))
}

// A Contact describes how to reach a peer: the key it authenticates with, the
// address of its RPC listener, and the address of its shard transfer service.
type Contact struct {
	Identity     HostPublicKey `json:"identity"`
	Address      string        `json:"address"`
	ShardAddress string        `json:"shardAddress"`
}

// A CapacityAnnouncement is a peer's signed statement of how much storage it
// has allocated and how much of it is still available.
type CapacityAnnouncement struct {
	Contact   Contact `json:"contact"`
	Allocated uint64  `json:"allocated"`
	Available uint64  `json:"available"`
	Protocol  string  `json:"protocol"`
	Timestamp int64   `json:"timestamp"`
	Signature []byte  `json:"signature"`
}

// SigHash returns the hash that is signed by the announcing peer.
func (a *CapacityAnnouncement) SigHash() crypto.Hash {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("capacity"))
	h.Write([]byte(a.Contact.Identity))
	h.Write([]byte(a.Contact.Address))
	h.Write([]byte(a.Contact.ShardAddress))
	var buf [24]byte
	putUint64(buf[0:], a.Allocated)
	putUint64(buf[8:], a.Available)
	putUint64(buf[16:], uint64(a.Timestamp))
	h.Write(buf[:])
	h.Write([]byte(a.Protocol))
	var sum crypto.Hash
	h.Sum(sum[:0])
	return sum
}

// Sign signs the announcement with key.
func (a *CapacityAnnouncement) Sign(key ed25519.PrivateKey) {
	a.Signature = ed25519hash.Sign(key, a.SigHash())
}

// Verify reports whether the announcement was signed by the identity it
// names.
func (a *CapacityAnnouncement) Verify() bool {
	return a.Contact.Identity.VerifyHash(a.SigHash(), a.Signature)
}

// A PeerProfile is the renter's most recent view of a peer's capacity.
type PeerProfile struct {
	Contact   Contact `json:"contact"`
	Allocated uint64  `json:"allocated"`
	Available uint64  `json:"available"`
	Protocol  string  `json:"protocol"`
	LastSeen  int64   `json:"lastSeen"`
}

// Fresh reports whether the profile was updated within window of now.
func (p PeerProfile) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(time.Unix(p.LastSeen, 0)) <= window
}

// ProfileFromAnnouncement converts a verified announcement into a
// PeerProfile.
func ProfileFromAnnouncement(a CapacityAnnouncement) PeerProfile {
	return PeerProfile{
		Contact:   a.Contact,
		Allocated: a.Allocated,
		Available: a.Available,
		Protocol:  a.Protocol,
		LastSeen:  a.Timestamp,
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
