package main

import (
	"os"
	"os/user"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"lukechampine.com/farm/hostdb"
)

type peerConfig struct {
	Identity     string `toml:"identity"`
	Address      string `toml:"address"`
	ShardAddress string `toml:"shard_address"`
}

type config struct {
	Dir       string            `toml:"dir"`
	SeedFile  string            `toml:"seed_file"`
	RPCAddr   string            `toml:"rpc_addr"`
	ShardAddr string            `toml:"shard_addr"`
	Announce  string            `toml:"announce"`
	Capacity  datasize.ByteSize `toml:"capacity"`
	Proxy     string            `toml:"proxy"`
	Peers     []peerConfig      `toml:"peers"`
}

// flagOverrides holds config values set on the command line, which take
// precedence over the config file.
type flagOverrides struct {
	Dir       string
	RPCAddr   string
	ShardAddr string
	Announce  string
	Capacity  string
	Proxy     string
}

func (cfg *config) apply(o flagOverrides) error {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Dir, o.Dir)
	set(&cfg.RPCAddr, o.RPCAddr)
	set(&cfg.ShardAddr, o.ShardAddr)
	set(&cfg.Announce, o.Announce)
	set(&cfg.Proxy, o.Proxy)
	if o.Capacity != "" {
		if err := cfg.Capacity.UnmarshalText([]byte(o.Capacity)); err != nil {
			return errors.Wrapf(err, "invalid capacity %q", o.Capacity)
		}
	}
	return nil
}

func defaultConfigDir() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return filepath.Join(u.HomeDir, ".config", "farm"), nil
}

// loadConfig reads the config file at path and applies o on top of it. A
// missing file yields the defaults.
func loadConfig(path string, o flagOverrides) (config, error) {
	var cfg config
	if path == "" {
		dir, err := defaultConfigDir()
		if err != nil {
			return config{}, err
		}
		cfg.Dir = dir
		path = filepath.Join(dir, "farm.toml")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return config{}, errors.Wrapf(err, "could not read config file %v", path)
	}
	if err := cfg.apply(o); err != nil {
		return config{}, err
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Dir(path)
	}
	if cfg.SeedFile == "" {
		cfg.SeedFile = filepath.Join(cfg.Dir, "seed")
	}
	if cfg.RPCAddr == "" {
		cfg.RPCAddr = ":9390"
	}
	if cfg.ShardAddr == "" {
		cfg.ShardAddr = ":9391"
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 10 * datasize.GB
	}
	for i, p := range cfg.Peers {
		if hostdb.HostPublicKey(p.Identity).Ed25519() == nil {
			return config{}, errors.Errorf("peer %v has invalid identity %q", i, p.Identity)
		} else if p.Address == "" || p.ShardAddress == "" {
			return config{}, errors.Errorf("peer %v is missing an address", i)
		}
	}
	return cfg, nil
}

func (cfg config) contacts() []hostdb.Contact {
	cs := make([]hostdb.Contact, len(cfg.Peers))
	for i, p := range cfg.Peers {
		cs[i] = hostdb.Contact{
			Identity:     hostdb.HostPublicKey(p.Identity),
			Address:      p.Address,
			ShardAddress: p.ShardAddress,
		}
	}
	return cs
}
