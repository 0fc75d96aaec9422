// Package renter stores objects on remote providers: it erasure-codes them
// into shards, places the shards under signed contracts, audits the
// providers, and rebuilds shards that decay.
package renter // import "lukechampine.com/farm/renter"

import (
	"crypto/cipher"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/aead/chacha20/chacha"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/merkle"
	"lukechampine.com/frand"
)

// An ObjectStatus is the distribution state of an object.
type ObjectStatus string

// Object statuses
const (
	StatusQueued   ObjectStatus = "queued"
	StatusFinished ObjectStatus = "finished"
	StatusFailed   ObjectStatus = "failed"
)

// An ECKey is half of an object's X25519 keypair.
type ECKey [32]byte

// MarshalText implements encoding.TextMarshaler.
func (k ECKey) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(k[:])), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ECKey) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != len(k) {
		return errors.New("wrong key length")
	}
	_, err := hex.Decode(k[:], b)
	return err
}

// A ShardPointer locates one shard of an object.
type ShardPointer struct {
	Index   int                  `json:"index"`
	Hash    crypto.Hash          `json:"hash"`
	Size    uint64               `json:"size"`
	Service hostdb.Contact       `json:"service"`
	Audits  merkle.PrivateRecord `json:"audits"`
	Decayed bool                 `json:"decayed"`
}

// Placed reports whether the shard has been stored with a provider.
func (sp ShardPointer) Placed() bool {
	return sp.Service.Identity != ""
}

// An ObjectPointer describes a logical file and the shards that store it.
type ObjectPointer struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	MimeType       string         `json:"mimetype"`
	Encoding       string         `json:"encoding"`
	Size           uint64         `json:"size"`
	Hash           crypto.Hash    `json:"hash"`
	Policies       []string       `json:"policies"`
	ECPub          ECKey          `json:"ecpub"`
	ECPrv          *ECKey         `json:"ecprv,omitempty"`
	DataShards     int            `json:"dataShards"`
	ParityShards   int            `json:"parityShards"`
	ShardSize      uint64         `json:"shardSize"`
	Shards         []ShardPointer `json:"shards"`
	Status         ObjectStatus   `json:"status"`
	PercentDecayed float64        `json:"percentDecayed"`
	LastAudit      int64          `json:"_lastAuditTimestamp"`
	Created        int64          `json:"created"`
}

// NewObject returns a queued ObjectPointer with a fresh ID and keypair.
func NewObject(name, mimeType string, policies []string) ObjectPointer {
	xsk, xpk := crypto.GenerateX25519KeyPair()
	prv := ECKey(xsk)
	return ObjectPointer{
		ID:       uuid.New().String(),
		Name:     name,
		MimeType: mimeType,
		Encoding: "raw",
		Policies: policies,
		ECPub:    ECKey(xpk),
		ECPrv:    &prv,
		Status:   StatusQueued,
		Created:  time.Now().Unix(),
	}
}

// Params returns the erasure parameters recorded in o.
func (o *ObjectPointer) Params() ErasureParams {
	p := ErasureParams{
		DataShards:   o.DataShards,
		ParityShards: o.ParityShards,
		ShardSize:    int(o.ShardSize),
	}
	p.Padding = p.DataShards*p.ShardSize - int(o.Size)
	return p
}

// setParams records p in o.
func (o *ObjectPointer) setParams(p ErasureParams) {
	o.DataShards = p.DataShards
	o.ParityShards = p.ParityShards
	o.ShardSize = uint64(p.ShardSize)
}

// DecayedCount returns the number of shards marked as decayed.
func (o *ObjectPointer) DecayedCount() int {
	var n int
	for _, s := range o.Shards {
		if s.Decayed {
			n++
		}
	}
	return n
}

func (o *ObjectPointer) updateDecay() {
	if len(o.Shards) == 0 {
		o.PercentDecayed = 0
		return
	}
	o.PercentDecayed = float64(o.DecayedCount()) / float64(len(o.Shards))
}

// Public returns a copy of o without its private key.
func (o ObjectPointer) Public() ObjectPointer {
	o.ECPrv = nil
	o.Shards = append([]ShardPointer(nil), o.Shards...)
	for i := range o.Shards {
		o.Shards[i].Audits = merkle.PrivateRecord{}
	}
	return o
}

// Validate performs basic sanity checks on an ObjectPointer.
func (o *ObjectPointer) Validate() error {
	switch {
	case o.ID == "":
		return errors.New("missing object id")
	case o.Status != StatusQueued && o.Status != StatusFinished && o.Status != StatusFailed:
		return errors.Errorf("invalid status %q", o.Status)
	case o.Status == StatusFinished && len(o.Shards) != o.DataShards+o.ParityShards:
		return errors.Errorf("finished object has %v shards, expected %v", len(o.Shards), o.DataShards+o.ParityShards)
	}
	return nil
}

// An EncryptionKey encrypts object data with XChaCha20.
type EncryptionKey [32]byte

// EncryptionKey derives the object's symmetric key from its private key.
func (o *ObjectPointer) EncryptionKey() (EncryptionKey, error) {
	if o.ECPrv == nil {
		return EncryptionKey{}, errors.New("object has no private key")
	}
	return EncryptionKey(blake2b.Sum256(append([]byte("farm/object"), o.ECPrv[:]...))), nil
}

func (o *ObjectPointer) nonce() []byte {
	h := blake2b.Sum256(append([]byte("farm/nonce"), o.ECPub[:]...))
	return h[:chacha.XNonceSize]
}

// Stream returns the keystream used to encrypt and decrypt o.
func (o *ObjectPointer) Stream() (cipher.Stream, error) {
	key, err := o.EncryptionKey()
	if err != nil {
		return nil, err
	}
	// NOTE: since we're using XChaCha20, the nonce and key are hashed
	// together to produce a subkey.
	c, err := chacha.NewCipher(o.nonce(), key[:], 20)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EncryptFile encrypts the plaintext at src into dst, recording the plaintext
// size and hash in o.
func EncryptFile(src, dst string, o *ObjectPointer) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "could not open plaintext")
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "could not create ciphertext")
	}
	defer out.Close()

	stream, err := o.Stream()
	if err != nil {
		return err
	}
	h, _ := blake2b.New256(nil)
	n, err := io.Copy(cipher.StreamWriter{S: stream, W: out}, io.TeeReader(in, h))
	if err != nil {
		return errors.Wrap(err, "could not encrypt object")
	}
	o.Size = uint64(n)
	h.Sum(o.Hash[:0])
	return out.Sync()
}

// SealPointer encrypts the public form of o to its own public key, so that
// only holders of the object's private key can open it.
func SealPointer(o ObjectPointer) ([]byte, error) {
	js, err := json.Marshal(o.Public())
	if err != nil {
		return nil, err
	}
	esk, epk := crypto.GenerateX25519KeyPair()
	key := crypto.DeriveSharedSecret(esk, crypto.X25519PublicKey(o.ECPub))
	aead, _ := chacha20poly1305.NewX(key[:])
	blob := make([]byte, len(epk)+aead.NonceSize(), len(epk)+aead.NonceSize()+len(js)+aead.Overhead())
	copy(blob, epk[:])
	frand.Read(blob[len(epk):])
	return aead.Seal(blob, blob[len(epk):], js, nil), nil
}

// OpenPointer decrypts a blob produced by SealPointer.
func OpenPointer(blob []byte, prv ECKey) (ObjectPointer, error) {
	aead, _ := chacha20poly1305.NewX(make([]byte, chacha20poly1305.KeySize))
	if len(blob) < 32+aead.NonceSize()+aead.Overhead() {
		return ObjectPointer{}, errors.New("pointer blob is too short")
	}
	var epk crypto.X25519PublicKey
	copy(epk[:], blob)
	key := crypto.DeriveSharedSecret(crypto.X25519SecretKey(prv), epk)
	aead, _ = chacha20poly1305.NewX(key[:])
	nonce := blob[32:][:aead.NonceSize()]
	js, err := aead.Open(nil, nonce, blob[32+len(nonce):], nil)
	if err != nil {
		return ObjectPointer{}, errors.Wrap(err, "could not decrypt pointer")
	}
	var o ObjectPointer
	err = json.Unmarshal(js, &o)
	return o, err
}
