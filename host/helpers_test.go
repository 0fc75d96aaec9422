package host_test

import (
	"path/filepath"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/crypto/blake2b"
	"lukechampine.com/farm/host"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/merkle"
	"lukechampine.com/farm/renterhost"
	"lukechampine.com/farm/store"
	"lukechampine.com/frand"
)

type testHost struct {
	seed      identity.Seed
	rules     *host.Rules
	contracts host.ContractStore
	shards    *host.DirShardStore
	tokens    *host.TokenRegistry
}

func newTestHost(t *testing.T, capacity uint64) *testHost {
	t.Helper()
	shards, err := host.NewDirShardStore(filepath.Join(t.TempDir(), "shards"), capacity)
	if err != nil {
		t.Fatal(err)
	}
	cfg := host.DefaultConfig
	cfg.LockTimeout = time.Second
	th := &testHost{
		seed:      identity.NewSeed(),
		contracts: store.NewEphemeralStore().HostContracts(),
		shards:    shards,
		tokens:    host.NewTokenRegistry(cfg.TokenTTL),
	}
	th.rules = host.NewRules(th.seed, hostdb.Contact{Address: "127.0.0.1:1", ShardAddress: "127.0.0.1:2"},
		cfg, th.contracts, th.shards, th.tokens, nil)
	return th
}

// store writes shard directly into the host's shard store.
func (th *testHost) store(t *testing.T, shard []byte) {
	t.Helper()
	sw, err := th.shards.Create(shardHash(shard), uint64(len(shard)))
	if err != nil {
		t.Fatal(err)
	}
	defer sw.Close()
	if _, err := sw.Write(shard); err != nil {
		t.Fatal(err)
	} else if err := sw.Commit(); err != nil {
		t.Fatal(err)
	}
}

type testOwner struct {
	seed identity.Seed
	key  identity.Key
	peer renterhost.Peer
}

func newTestOwner() testOwner {
	seed := identity.NewSeed()
	key := seed.Key(identity.IdentityIndex)
	return testOwner{
		seed: seed,
		key:  key,
		peer: renterhost.Peer{
			Identity: key.HostKey(),
			Protocol: renterhost.ProtocolVersion,
		},
	}
}

// propose returns a signed proposal for a random shard, along with the shard
// and its private audit record.
func (o testOwner) propose(t *testing.T, size int) (renterhost.ShardContract, []byte, merkle.PrivateRecord) {
	t.Helper()
	shard := frand.Bytes(size)
	as := merkle.NewAuditStream(8)
	as.Write(shard)
	if err := as.Close(); err != nil {
		t.Fatal(err)
	}
	c := renterhost.ShardContract{
		Version:        renterhost.ContractVersion,
		ShardHash:      as.ShardHash(),
		ShardSize:      uint64(size),
		StoreEnd:       time.Now().Add(time.Hour).Unix(),
		OwnerIdentity:  o.key.HostKey(),
		OwnerParentKey: o.seed.ParentKey(),
		AccessPolicies: renterhost.OwnerPolicies(o.key.HostKey(), nil),
		AuditLeaves:    as.PublicRecord(),
	}
	c.Sign(renterhost.RoleOwner, o.key)
	return c, shard, as.PrivateRecord()
}

func shardHash(b []byte) crypto.Hash {
	return blake2b.Sum256(b)
}
