// Package ghost implements a barebones, ephemeral provider. It is used for
// testing purposes only, not for storing real shards.
package ghost

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lukechampine.com/farm/host"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/store"
)

// A Host is an ephemeral provider listening on localhost.
type Host struct {
	Seed      identity.Seed
	Contact   hostdb.Contact
	Contracts host.ContractStore
	Shards    *host.DirShardStore
	Tokens    *host.TokenRegistry
	Rules     *host.Rules

	closeOnce sync.Once
	rpc       net.Listener
	ss        *host.ShardServer
}

// Close stops the host's listeners. Subsequent RPCs and transfers fail.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.rpc.Close()
		h.ss.Close()
	})
	return nil
}

// Announcement returns a freshly signed capacity announcement.
func (h *Host) Announcement() hostdb.CapacityAnnouncement {
	a, err := h.Rules.Capacity()
	if err != nil {
		panic(err)
	}
	return a
}

// Profile returns the host's current PeerProfile.
func (h *Host) Profile() hostdb.PeerProfile {
	return hostdb.ProfileFromAnnouncement(h.Announcement())
}

// New returns an initialized host with the given storage capacity that
// listens for sessions and shard transfers on random localhost ports. The
// host is automatically closed with tb.Cleanup.
func New(tb testing.TB, capacity uint64) *Host {
	tb.Helper()
	rpcL, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	shardL, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		rpcL.Close()
		tb.Fatal(err)
	}
	shards, err := host.NewDirShardStore(filepath.Join(tb.TempDir(), "shards"), capacity)
	if err != nil {
		tb.Fatal(err)
	}
	cfg := host.DefaultConfig
	cfg.LockTimeout = time.Second
	h := &Host{
		Seed: identity.NewSeed(),
		Contact: hostdb.Contact{
			Address:      rpcL.Addr().String(),
			ShardAddress: shardL.Addr().String(),
		},
		Contracts: store.NewEphemeralStore().HostContracts(),
		Shards:    shards,
		Tokens:    host.NewTokenRegistry(cfg.TokenTTL),
		rpc:       rpcL,
	}
	h.Contact.Identity = h.Seed.PublicKey(identity.IdentityIndex)
	h.Rules = host.NewRules(h.Seed, h.Contact, cfg, h.Contracts, h.Shards, h.Tokens, nil)
	h.ss = host.NewShardServer(h.Rules, nil)
	go host.NewSessionHandler(h.Rules, cfg, nil).Listen(rpcL)
	go h.ss.Serve(shardL)
	tb.Cleanup(func() { h.Close() })
	return h
}
