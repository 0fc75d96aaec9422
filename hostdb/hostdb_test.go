package hostdb

import (
	"crypto/ed25519"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/Sia/crypto"
	"lukechampine.com/farm/ed25519hash"
)

func TestHostPublicKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	hpk := HostKeyFromPublicKey(pub)
	if hpk.Ed25519() == nil || !hpk.Ed25519().Equal(pub) {
		t.Fatal("key did not survive round trip")
	}
	if len(hpk.ShortKey()) != 8 {
		t.Error("wrong ShortKey length:", hpk.ShortKey())
	}
	hash := crypto.Hash{1, 2, 3}
	if !hpk.VerifyHash(hash, ed25519hash.Sign(priv, hash)) {
		t.Error("valid signature rejected")
	}

	for _, bad := range []HostPublicKey{"", "ed25519", "ed25519:zz", "sr25519:" + HostPublicKey(hpk.Key()), "ed25519:0102"} {
		if bad.Ed25519() != nil {
			t.Errorf("%q should not parse", bad)
		}
		if bad.VerifyHash(hash, nil) {
			t.Errorf("%q should not verify", bad)
		}
	}
}

func TestCapacityAnnouncement(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	a := CapacityAnnouncement{
		Contact: Contact{
			Identity:     HostKeyFromPublicKey(pub),
			Address:      "127.0.0.1:9000",
			ShardAddress: "127.0.0.1:9001",
		},
		Allocated: 1 << 30,
		Available: 1 << 29,
		Protocol:  "v1.0.0",
		Timestamp: time.Now().Unix(),
	}
	a.Sign(priv)
	if !a.Verify() {
		t.Fatal("announcement failed to verify")
	}
	a.Available++
	if a.Verify() {
		t.Fatal("tampered announcement verified")
	}
	a.Available--

	p := ProfileFromAnnouncement(a)
	if !p.Fresh(time.Now(), time.Minute) {
		t.Error("new profile should be fresh")
	}
	if p.Fresh(time.Now().Add(time.Hour), time.Minute) {
		t.Error("old profile should be stale")
	}
}
