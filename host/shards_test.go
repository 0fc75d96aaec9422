package host_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"lukechampine.com/farm/host"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/frand"
)

func TestDirShardStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shards")
	ss, err := host.NewDirShardStore(dir, 1000)
	if err != nil {
		t.Fatal(err)
	}
	shard := frand.Bytes(600)
	hash := shardHash(shard)
	if ss.Exists(hash) {
		t.Fatal("empty store should not contain shard")
	} else if _, err := ss.Open(hash); !errors.Is(err, host.ErrShardNotFound) {
		t.Fatal("expected ErrShardNotFound, got", err)
	}

	// a shard that does not match its hash is not committed
	sw, err := ss.Create(hash, 600)
	if err != nil {
		t.Fatal(err)
	}
	sw.Write(frand.Bytes(600))
	if err := sw.Commit(); err == nil {
		t.Fatal("expected hash mismatch")
	}
	sw.Close()
	if ss.Exists(hash) {
		t.Fatal("mismatched shard was committed")
	}
	if c, _ := ss.Size(); c.Available != 1000 {
		t.Fatal("aborted upload did not release its reservation:", c.Available)
	}

	// writes are bounded by the declared size
	sw, _ = ss.Create(hash, 600)
	if _, err := sw.Write(make([]byte, 601)); err == nil {
		t.Fatal("expected oversized write to fail")
	}
	sw.Close()

	sw, _ = ss.Create(hash, 600)
	if c, _ := ss.Size(); c.Available != 400 {
		t.Fatal("upload did not reserve space:", c.Available)
	}
	if _, err := ss.Create(shardHash(nil), 500); !errors.Is(err, host.ErrInsufficientCapacity) {
		t.Fatal("expected ErrInsufficientCapacity, got", err)
	}
	sw.Write(shard)
	if err := sw.Commit(); err != nil {
		t.Fatal(err)
	}
	sw.Close()
	if _, err := ss.Create(hash, 600); err == nil {
		t.Fatal("shards should be written at most once")
	}

	r, err := ss.Open(hash)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := ioutil.ReadAll(r)
	r.Close()
	if string(data) != string(shard) {
		t.Fatal("shard data corrupted")
	}

	// used space survives a restart
	ss2, err := host.NewDirShardStore(dir, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := ss2.Size(); c.Available != 400 {
		t.Fatal("wrong available space after restart:", c.Available)
	}
	if err := ss2.Delete(hash); err != nil {
		t.Fatal(err)
	} else if c, _ := ss2.Size(); c.Available != 1000 {
		t.Fatal("delete did not free space:", c.Available)
	} else if err := ss2.Delete(hash); err != nil {
		t.Fatal("deleting a missing shard should succeed:", err)
	}
}

func TestDirShardStoreConcurrentUpload(t *testing.T) {
	ss, err := host.NewDirShardStore(t.TempDir(), 4096)
	if err != nil {
		t.Fatal(err)
	}
	shard := frand.Bytes(1000)
	hash := shardHash(shard)

	sw1, err := ss.Create(hash, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer sw1.Close()
	if _, err := ss.Create(hash, 1000); !errors.Is(err, host.ErrShardExists) {
		t.Fatal("expected ErrShardExists for an upload in progress, got", err)
	}
	sw1.Write(shard)
	if err := sw1.Commit(); err != nil {
		t.Fatal(err)
	}
	if c, _ := ss.Size(); c.Available != 3096 {
		t.Fatal("wrong available space after commit:", c.Available)
	}
	if _, err := ss.Create(hash, 1000); !errors.Is(err, host.ErrShardExists) {
		t.Fatal("expected ErrShardExists for a stored shard, got", err)
	}
	if err := ss.Delete(hash); err != nil {
		t.Fatal(err)
	} else if c, _ := ss.Size(); c.Available != 4096 {
		t.Fatal("delete did not free space:", c.Available)
	}

	// an aborted upload allows the shard to be uploaded again
	sw2, err := ss.Create(hash, 1000)
	if err != nil {
		t.Fatal(err)
	}
	sw2.Close()
	sw3, err := ss.Create(hash, 1000)
	if err != nil {
		t.Fatal("aborted upload still pending:", err)
	}
	sw3.Close()
	if c, _ := ss.Size(); c.Available != 4096 {
		t.Fatal("aborted uploads leaked reservations:", c.Available)
	}
}

func TestTokenRegistry(t *testing.T) {
	tr := host.NewTokenRegistry(50 * time.Millisecond)
	hash := shardHash([]byte("foo"))
	peer := hostdb.HostPublicKey("ed25519:01")

	tok := tr.Issue(hash, peer, host.TokenConsign)
	if _, err := tr.Redeem(tok, shardHash([]byte("bar")), host.TokenConsign); !errors.Is(err, host.ErrInvalidToken) {
		t.Fatal("token redeemed for wrong shard")
	}
	if p, err := tr.Redeem(tok, hash, host.TokenConsign); err != nil || p != peer {
		t.Fatal("valid token rejected:", err)
	}
	if _, err := tr.Redeem(tok, hash, host.TokenConsign); !errors.Is(err, host.ErrInvalidToken) {
		t.Fatal("token redeemed twice")
	}

	tok = tr.Issue(hash, peer, host.TokenRetrieve)
	time.Sleep(100 * time.Millisecond)
	if _, err := tr.Redeem(tok, hash, host.TokenRetrieve); !errors.Is(err, host.ErrInvalidToken) {
		t.Fatal("expired token redeemed")
	}
}
