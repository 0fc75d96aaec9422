package ed25519hash

import (
	"crypto/ed25519"
	"crypto/sha512"

	"filippo.io/edwards25519"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"lukechampine.com/frand"
)

// A batchTerm is a single signature decoded for batch verification.
type batchTerm struct {
	a, r edwards25519.Point
	s, k edwards25519.Scalar
}

// decodeTerm decompresses the key and signature points and computes the
// challenge scalar k = H(R || A || hash).
func decodeTerm(t *batchTerm, pub ed25519.PublicKey, hash crypto.Hash, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}
	if _, err := t.a.SetBytes(pub); err != nil {
		return false
	} else if _, err := t.r.SetBytes(sig[:32]); err != nil {
		return false
	} else if _, err := t.s.SetCanonicalBytes(sig[32:]); err != nil {
		return false
	}
	h := sha512.New()
	h.Write(sig[:32])
	h.Write(pub)
	h.Write(hash[:])
	t.k.SetUniformBytes(h.Sum(nil))
	return true
}

// VerifyBatch verifies a set of signatures at once. It is used to check both
// halves of a co-signed contract in a single multiscalar multiplication. If
// verification fails, the caller cannot tell which signature was invalid
// without verifying them individually.
//
// Each signature i is weighted by a random 128-bit scalar z_i, and the check
//
//	8([-sum(z_i*s_i)]B + sum([z_i]R_i) + sum([z_i*k_i]A_i)) = 0
//
// is performed. The cofactor makes the result agree with cofactored single
// verification for signatures with small-order components.
func VerifyBatch(keys []ed25519.PublicKey, hashes []crypto.Hash, sigs [][]byte) bool {
	if len(keys) != len(hashes) || len(keys) != len(sigs) {
		return false
	}
	terms := make([]batchTerm, len(sigs))
	scalars := make([]*edwards25519.Scalar, 0, 1+2*len(terms))
	points := make([]*edwards25519.Point, 0, 1+2*len(terms))
	bcoeff := edwards25519.NewScalar()
	scalars = append(scalars, bcoeff)
	points = append(points, edwards25519.NewGeneratorPoint())

	var zbuf [32]byte
	for i := range terms {
		t := &terms[i]
		if !decodeTerm(t, keys[i], hashes[i], sigs[i]) {
			return false
		}
		frand.Read(zbuf[:16])
		z, _ := edwards25519.NewScalar().SetCanonicalBytes(zbuf[:])
		bcoeff.MultiplyAdd(&t.s, z, bcoeff)
		t.k.Multiply(&t.k, z)
		scalars = append(scalars, z, &t.k)
		points = append(points, &t.r, &t.a)
	}
	bcoeff.Negate(bcoeff)

	check := new(edwards25519.Point).VarTimeMultiScalarMult(scalars, points)
	check.MultByCofactor(check)
	return check.Equal(edwards25519.NewIdentityPoint()) == 1
}
