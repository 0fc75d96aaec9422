package merkle

import (
	"bytes"
	"testing"

	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/crypto/blake2b"
	"lukechampine.com/frand"
)

// recRoot is a reference implementation that pads every odd level by
// duplicating its last node.
func recRoot(nodes []crypto.Hash) crypto.Hash {
	if len(nodes) == 1 {
		return nodes[0]
	}
	if len(nodes)%2 == 1 {
		nodes = append(nodes, nodes[len(nodes)-1])
	}
	var next []crypto.Hash
	for i := 0; i < len(nodes); i += 2 {
		next = append(next, nodeHash(nodes[i], nodes[i+1]))
	}
	return recRoot(next)
}

func newAudit(t *testing.T, shard []byte, n int) *AuditStream {
	t.Helper()
	as := NewAuditStream(n)
	// write in two pieces to exercise streaming
	as.Write(shard[:len(shard)/2])
	as.Write(shard[len(shard)/2:])
	if err := as.Close(); err != nil {
		t.Fatal(err)
	}
	return as
}

func TestDepth(t *testing.T) {
	tests := []struct {
		n, depth int
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4}, {32, 5}, {33, 6},
	}
	for _, test := range tests {
		if d := Depth(test.n); d != test.depth {
			t.Errorf("Depth(%v): expected %v, got %v", test.n, test.depth, d)
		}
	}
}

func TestRoot(t *testing.T) {
	if Root(nil) != (crypto.Hash{}) {
		t.Error("empty tree should have zero root")
	}
	for n := 1; n < 20; n++ {
		leaves := make([]crypto.Hash, n)
		for i := range leaves {
			frand.Read(leaves[i][:])
		}
		if Root(leaves) != recRoot(leaves) {
			t.Errorf("Root does not match reference implementation for %v leaves", n)
		}
	}
}

func TestAuditStream(t *testing.T) {
	shard := frand.Bytes(752)
	as := newAudit(t, shard, 6)

	if as.Size() != 752 {
		t.Error("wrong size:", as.Size())
	}
	if as.ShardHash() != crypto.Hash(blake2b.Sum256(shard)) {
		t.Error("wrong shard hash")
	}
	pub := as.PublicRecord()
	priv := as.PrivateRecord()
	if len(pub) != 6 || priv.NumLeaves != 6 || len(priv.Challenges) != 6 {
		t.Fatal("wrong record sizes")
	}
	if priv.Depth != 3 {
		t.Error("wrong depth:", priv.Depth)
	}
	for i, c := range priv.Challenges {
		if pub[i] != leafHash(c.Response(shard)) {
			t.Errorf("leaf %v does not commit to response of challenge %v", i, i)
		}
	}
	if _, err := as.Write([]byte{1}); err == nil {
		t.Error("expected error writing to closed stream")
	}
}

func TestAuditSoundness(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 32} {
		shard := frand.Bytes(1 + frand.Intn(4096))
		as := newAudit(t, shard, n)
		leaves := as.PublicRecord()
		priv := as.PrivateRecord()

		for !priv.Exhausted() {
			c, index, _ := priv.Next()
			proof, err := ProveRound(leaves, c, bytes.NewReader(shard))
			if err != nil {
				t.Fatal(err)
			}
			if expected, actual := Verify(proof, index, priv.Root, priv.Depth); expected != actual {
				t.Fatalf("n=%v: valid proof for leaf %v did not verify", n, index)
			}
			if n > 1 {
				// the same proof must not verify at a different index
				other := (index + 1) % n
				if leaves[other] != leaves[index] {
					if expected, actual := Verify(proof, other, priv.Root, priv.Depth); expected == actual {
						t.Fatalf("n=%v: proof for leaf %v verified at leaf %v", n, index, other)
					}
				}
			}
		}
		if _, _, ok := priv.Next(); ok {
			t.Fatal("exhausted record returned a challenge")
		}
	}
}

func TestAuditCorruptShard(t *testing.T) {
	shard := frand.Bytes(752)
	as := newAudit(t, shard, 8)
	leaves := as.PublicRecord()
	priv := as.PrivateRecord()
	c, index, _ := priv.Next()

	corrupt := append([]byte(nil), shard...)
	corrupt[frand.Intn(len(corrupt))] ^= 1
	if _, err := ProveRound(leaves, c, bytes.NewReader(corrupt)); err != ErrLeafNotFound {
		t.Fatal("expected ErrLeafNotFound, got", err)
	}

	// a prover that fakes the response cannot produce a matching root
	proof, _ := ProveRound(leaves, c, bytes.NewReader(shard))
	proof.Response = c.Response(corrupt)
	if expected, actual := Verify(proof, index, priv.Root, priv.Depth); expected == actual {
		t.Fatal("proof with forged response verified")
	}

	// a correct answer to a different challenge must not verify
	c2, _, _ := priv.Next()
	proof, _ = ProveRound(leaves, c2, bytes.NewReader(shard))
	if expected, actual := Verify(proof, index, priv.Root, priv.Depth); expected == actual {
		t.Fatal("replayed proof verified")
	}
}

func TestVerifyMalformed(t *testing.T) {
	shard := frand.Bytes(100)
	as := newAudit(t, shard, 4)
	priv := as.PrivateRecord()
	c, index, _ := priv.Next()
	proof, _ := ProveRound(as.PublicRecord(), c, bytes.NewReader(shard))

	tests := []struct {
		desc  string
		proof Proof
		index int
		depth int
	}{
		{"empty proof", Proof{}, index, priv.Depth},
		{"short path", Proof{Response: proof.Response, Path: proof.Path[:1]}, index, priv.Depth},
		{"depth mismatch", proof, index, priv.Depth + 1},
		{"negative index", proof, -1, priv.Depth},
		{"index out of range", proof, 4, priv.Depth},
	}
	for _, test := range tests {
		expected, actual := Verify(test.proof, test.index, priv.Root, test.depth)
		if expected != priv.Root {
			t.Errorf("%v: wrong expected root", test.desc)
		}
		if actual != (crypto.Hash{}) {
			t.Errorf("%v: expected zero actual root", test.desc)
		}
	}
}

func TestChallengeText(t *testing.T) {
	var c Challenge
	frand.Read(c[:])
	b, _ := c.MarshalText()
	var c2 Challenge
	if err := c2.UnmarshalText(b); err != nil || c2 != c {
		t.Fatal("challenge did not survive text round trip", err)
	}
	if err := c2.UnmarshalText(b[:10]); err == nil {
		t.Error("expected error for short challenge")
	}
}

func BenchmarkAuditStream(b *testing.B) {
	shard := frand.Bytes(1 << 20)
	b.SetBytes(int64(len(shard)))
	for i := 0; i < b.N; i++ {
		as := NewAuditStream(32)
		as.Write(shard)
		as.Close()
	}
}
