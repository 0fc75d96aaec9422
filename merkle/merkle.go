// Package merkle implements the commitment scheme used to audit remotely
// stored shards.
//
// A verifier streams a shard through an AuditStream seeded with N random
// challenges. Each challenge yields a response, blake2b(challenge | shard),
// whose hash becomes a leaf of a binary Merkle tree. The verifier keeps the
// root and the challenges; the prover is handed only the leaves. To answer a
// challenge the prover must hash the full shard again, locate its leaf, and
// return the sibling path.
package merkle

import (
	"math/bits"

	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/crypto/blake2b"
)

const (
	// prefixes used during hashing, as specified by RFC 6962
	leafHashPrefix = 0
	nodeHashPrefix = 1
)

func leafHash(response crypto.Hash) crypto.Hash {
	var buf [1 + crypto.HashSize]byte
	buf[0] = leafHashPrefix
	copy(buf[1:], response[:])
	return blake2b.Sum256(buf[:])
}

func nodeHash(left, right crypto.Hash) crypto.Hash {
	var buf [1 + 2*crypto.HashSize]byte
	buf[0] = nodeHashPrefix
	copy(buf[1:], left[:])
	copy(buf[1+crypto.HashSize:], right[:])
	return blake2b.Sum256(buf[:])
}

// Depth returns the number of levels above the leaves in a tree with n
// leaves.
func Depth(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// nextLevel hashes adjacent pairs of nodes. If the level has an odd number of
// nodes, the last node is paired with itself.
func nextLevel(level []crypto.Hash) []crypto.Hash {
	next := make([]crypto.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			next = append(next, nodeHash(level[i], level[i+1]))
		} else {
			next = append(next, nodeHash(level[i], level[i]))
		}
	}
	return next
}

// Root returns the Merkle root of the supplied leaves. The root of an empty
// tree is the zero hash.
func Root(leaves []crypto.Hash) crypto.Hash {
	if len(leaves) == 0 {
		return crypto.Hash{}
	}
	level := leaves
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}
