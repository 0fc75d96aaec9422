package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
	"lukechampine.com/farm/identity"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "farm.toml")

	// missing file
	cfg, err := loadConfig(path, flagOverrides{})
	require.NoError(t, err)
	require.Equal(t, dir, cfg.Dir)
	require.Equal(t, filepath.Join(dir, "seed"), cfg.SeedFile)
	require.Equal(t, ":9390", cfg.RPCAddr)
	require.Equal(t, 10*datasize.GB, cfg.Capacity)

	peer := identity.NewSeed().PublicKey(identity.IdentityIndex)
	contents := `
dir = "` + filepath.Join(dir, "data") + `"
rpc_addr = "127.0.0.1:7000"
capacity = "500MB"
proxy = "127.0.0.1:9050"

[[peers]]
identity = "` + string(peer) + `"
address = "10.0.0.1:9390"
shard_address = "10.0.0.1:9391"
`
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0600))
	cfg, err = loadConfig(path, flagOverrides{ShardAddr: ":8000", Capacity: "1GB"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "data"), cfg.Dir)
	require.Equal(t, filepath.Join(dir, "data", "seed"), cfg.SeedFile)
	require.Equal(t, "127.0.0.1:7000", cfg.RPCAddr)
	require.Equal(t, ":8000", cfg.ShardAddr)
	require.Equal(t, datasize.GB, cfg.Capacity)
	require.Equal(t, "127.0.0.1:9050", cfg.Proxy)
	contacts := cfg.contacts()
	require.Len(t, contacts, 1)
	require.Equal(t, peer, contacts[0].Identity)
	require.Equal(t, "10.0.0.1:9391", contacts[0].ShardAddress)

	_, err = loadConfig(path, flagOverrides{Capacity: "lots"})
	require.Error(t, err)

	bad := "[[peers]]\nidentity = \"ed25519:zz\"\naddress = \"a\"\nshard_address = \"b\"\n"
	require.NoError(t, ioutil.WriteFile(path, []byte(bad), 0600))
	_, err = loadConfig(path, flagOverrides{})
	require.Error(t, err)
}

func TestAnnouncedAddr(t *testing.T) {
	addr, err := announcedAddr(":9390", "")
	require.NoError(t, err)
	require.Equal(t, ":9390", addr)
	addr, err = announcedAddr(":9390", "farm.example.com")
	require.NoError(t, err)
	require.Equal(t, "farm.example.com:9390", addr)
	_, err = announcedAddr("nonsense", "farm.example.com")
	require.Error(t, err)
}
