package merkle

import (
	"io"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/crypto/blake2b"
)

// ErrLeafNotFound is returned by ProveRound when the recomputed leaf is not
// present in the supplied leaves, i.e. the shard does not match.
var ErrLeafNotFound = errors.New("leaf not found in audit tree")

// A Proof is a prover's answer to a challenge: the challenge response and the
// sibling hashes along the path from its leaf to the root, bottom first.
type Proof struct {
	Response crypto.Hash   `json:"response"`
	Path     []crypto.Hash `json:"path"`
}

// IsEmpty reports whether p carries no proof material.
func (p Proof) IsEmpty() bool {
	return p.Response == (crypto.Hash{}) && len(p.Path) == 0
}

// ProveRound reads a shard from r, computes its response to challenge, and
// returns the Merkle path for the corresponding leaf.
func ProveRound(leaves []crypto.Hash, challenge Challenge, r io.Reader) (Proof, error) {
	h, _ := blake2b.New256(nil)
	h.Write(challenge[:])
	if _, err := io.Copy(h, r); err != nil {
		return Proof{}, errors.Wrap(err, "could not read shard")
	}
	var response crypto.Hash
	h.Sum(response[:0])

	leaf := leafHash(response)
	index := -1
	for i := range leaves {
		if leaves[i] == leaf {
			index = i
			break
		}
	}
	if index < 0 {
		return Proof{}, ErrLeafNotFound
	}

	proof := Proof{
		Response: response,
		Path:     make([]crypto.Hash, 0, Depth(len(leaves))),
	}
	level := leaves
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index
		}
		proof.Path = append(proof.Path, level[sibling])
		level = nextLevel(level)
		index /= 2
	}
	return proof, nil
}

// Verify recomputes the root implied by proof for the leaf at index and
// returns it alongside the expected root. The proof is valid if and only if
// expected == actual. An empty proof, or one whose path length differs from
// depth, yields a zero actual root.
func Verify(proof Proof, index int, root crypto.Hash, depth int) (expected, actual crypto.Hash) {
	expected = root
	if proof.IsEmpty() || len(proof.Path) != depth || index < 0 || index >= 1<<uint(depth) {
		return expected, crypto.Hash{}
	}
	actual = leafHash(proof.Response)
	for _, sibling := range proof.Path {
		if index&1 == 0 {
			actual = nodeHash(actual, sibling)
		} else {
			actual = nodeHash(sibling, actual)
		}
		index >>= 1
	}
	return expected, actual
}
