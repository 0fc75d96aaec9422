package main

import (
	"log"
	"net"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"lukechampine.com/farm/host"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/store"
)

// announcedAddr replaces the host portion of a listen address with
// announce, if set.
func announcedAddr(listen, announce string) (string, error) {
	if announce == "" {
		return listen, nil
	}
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", errors.Wrapf(err, "invalid listen address %q", listen)
	}
	return net.JoinHostPort(announce, port), nil
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run a storage provider",
	Long: `Runs a storage provider. The provider accepts contracts on the RPC
address and shard transfers on the shard address, storing up to the
configured capacity in the data directory. Expired contracts are reaped
periodically.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		seed := loadSeed()
		contact := hostdb.Contact{Identity: seed.PublicKey(identity.IdentityIndex)}
		var err error
		if contact.Address, err = announcedAddr(cfg.RPCAddr, cfg.Announce); err != nil {
			return err
		} else if contact.ShardAddress, err = announcedAddr(cfg.ShardAddr, cfg.Announce); err != nil {
			return err
		}

		db, err := store.NewBoltDBStore(filepath.Join(cfg.Dir, "host.db"))
		if err != nil {
			return err
		}
		defer db.Close()
		shards, err := host.NewDirShardStore(filepath.Join(cfg.Dir, "shards"), cfg.Capacity.Bytes())
		if err != nil {
			return err
		}
		hcfg := host.DefaultConfig
		rules := host.NewRules(seed, contact, hcfg, db.HostContracts(), shards, host.NewTokenRegistry(hcfg.TokenTTL), logger.Named("rules"))

		rpcL, err := net.Listen("tcp", cfg.RPCAddr)
		if err != nil {
			return errors.Wrap(err, "could not listen for RPCs")
		}
		defer rpcL.Close()
		shardL, err := net.Listen("tcp", cfg.ShardAddr)
		if err != nil {
			return errors.Wrap(err, "could not listen for shard transfers")
		}
		ss := host.NewShardServer(rules, logger.Named("shards"))
		defer ss.Close()

		ctx, cancel := signalContext()
		defer cancel()
		go host.NewReaper(rules, hcfg.ReapInterval, logger.Named("reaper")).Run(ctx)
		go func() {
			if err := host.NewSessionHandler(rules, hcfg, logger.Named("session")).Listen(rpcL); err != nil && ctx.Err() == nil {
				log.Fatal(err)
			}
		}()
		go func() {
			if err := ss.Serve(shardL); err != nil {
				log.Fatal(err)
			}
		}()

		logger.Info("provider started",
			zap.String("identity", string(contact.Identity)),
			zap.String("rpc", contact.Address),
			zap.String("shards", contact.ShardAddress),
			zap.String("capacity", cfg.Capacity.HumanReadable()))
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}

func init() {
	hostCmd.Flags().StringVar(&overrides.RPCAddr, "rpc", "", "address to listen for RPCs on")
	hostCmd.Flags().StringVar(&overrides.ShardAddr, "shards", "", "address to listen for shard transfers on")
	hostCmd.Flags().StringVar(&overrides.Announce, "announce", "", "hostname or IP to advertise to renters")
	hostCmd.Flags().StringVar(&overrides.Capacity, "capacity", "", "storage to allocate, e.g. 500GB")
	rootCmd.AddCommand(hostCmd)
}
