package merkle

import (
	"encoding/hex"
	"hash"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/crypto/blake2b"
	"lukechampine.com/frand"
)

// A Challenge is a random string that is prepended to a shard before hashing.
type Challenge [32]byte

// String implements fmt.Stringer.
func (c Challenge) String() string { return hex.EncodeToString(c[:]) }

// MarshalText implements encoding.TextMarshaler.
func (c Challenge) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Challenge) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != len(c) {
		return errors.New("wrong challenge length")
	}
	_, err := hex.Decode(c[:], b)
	return err
}

// Response returns blake2b(c | shard).
func (c Challenge) Response(shard []byte) crypto.Hash {
	h, _ := blake2b.New256(nil)
	h.Write(c[:])
	h.Write(shard)
	var sum crypto.Hash
	h.Sum(sum[:0])
	return sum
}

// An AuditStream computes audit material for a shard as it is written.
type AuditStream struct {
	challenges []Challenge
	hashers    []hash.Hash
	content    hash.Hash
	size       int64
	leaves     []crypto.Hash
}

// Write implements io.Writer.
func (as *AuditStream) Write(p []byte) (int, error) {
	if as.leaves != nil {
		return 0, errors.New("write to closed AuditStream")
	}
	for _, h := range as.hashers {
		h.Write(p)
	}
	as.content.Write(p)
	as.size += int64(len(p))
	return len(p), nil
}

// Close finalizes the stream. It is safe to call Close multiple times.
func (as *AuditStream) Close() error {
	if as.leaves != nil {
		return nil
	}
	as.leaves = make([]crypto.Hash, len(as.hashers))
	for i, h := range as.hashers {
		var response crypto.Hash
		h.Sum(response[:0])
		as.leaves[i] = leafHash(response)
	}
	as.hashers = nil
	return nil
}

// ShardHash returns the blake2b hash of the bytes written to the stream.
func (as *AuditStream) ShardHash() crypto.Hash {
	var sum crypto.Hash
	as.content.Sum(sum[:0])
	return sum
}

// Size returns the number of bytes written to the stream.
func (as *AuditStream) Size() int64 { return as.size }

// PublicRecord returns the leaves of the audit tree. It panics if the stream
// has not been closed.
func (as *AuditStream) PublicRecord() []crypto.Hash {
	if as.leaves == nil {
		panic("PublicRecord called before Close")
	}
	return append([]crypto.Hash(nil), as.leaves...)
}

// PrivateRecord returns the verifier's record of the audit tree. It panics if
// the stream has not been closed.
func (as *AuditStream) PrivateRecord() PrivateRecord {
	if as.leaves == nil {
		panic("PrivateRecord called before Close")
	}
	return PrivateRecord{
		Root:       Root(as.leaves),
		Depth:      Depth(len(as.leaves)),
		NumLeaves:  len(as.leaves),
		Challenges: append([]Challenge(nil), as.challenges...),
	}
}

// NewAuditStream returns an AuditStream seeded with n random challenges.
func NewAuditStream(n int) *AuditStream {
	if n <= 0 {
		panic("NewAuditStream: challenge count must be positive")
	}
	as := &AuditStream{
		challenges: make([]Challenge, n),
		hashers:    make([]hash.Hash, n),
	}
	as.content, _ = blake2b.New256(nil)
	for i := range as.challenges {
		frand.Read(as.challenges[i][:])
		as.hashers[i], _ = blake2b.New256(nil)
		as.hashers[i].Write(as.challenges[i][:])
	}
	return as
}

// A PrivateRecord is the verifier's half of a shard's audit material.
// Challenges are consumed from the front; a challenge's leaf index is its
// position in the original list.
type PrivateRecord struct {
	Root       crypto.Hash `json:"root"`
	Depth      int         `json:"depth"`
	NumLeaves  int         `json:"numLeaves"`
	Challenges []Challenge `json:"challenges"`
}

// Exhausted reports whether every challenge has been used.
func (pr *PrivateRecord) Exhausted() bool { return len(pr.Challenges) == 0 }

// Next removes the next unused challenge and returns it along with the index
// of its leaf. It returns false if the record is exhausted.
func (pr *PrivateRecord) Next() (Challenge, int, bool) {
	if pr.Exhausted() {
		return Challenge{}, 0, false
	}
	index := pr.NumLeaves - len(pr.Challenges)
	c := pr.Challenges[0]
	pr.Challenges = pr.Challenges[1:]
	return c, index, true
}
