package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/renterhost"
)

var (
	// to be supplied at build time
	githash   = "?"
	builddate = "?"
)

// global state, populated by the root command before any subcommand runs
var (
	cfg    config
	logger *zap.Logger
)

var (
	configPath string
	debug      bool
	overrides  flagOverrides
)

var rootCmd = &cobra.Command{
	Use:           "farm",
	Short:         "Distribute, audit, and serve erasure-coded shards",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, err = loadConfig(configPath, overrides)
		if err != nil {
			return err
		}
		if debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("farm v0.1.0\nProtocol:   %s\nCommit:     %s\nGo version: %s %s/%s\nBuild Date: %s\n",
			renterhost.ProtocolVersion, githash, runtime.Version(), runtime.GOOS, runtime.GOARCH, builddate)
	},
}

func loadSeed() identity.Seed {
	seed, err := identity.LoadOrCreateSeed(cfg.SeedFile)
	if err != nil {
		log.Fatal(err)
	}
	return seed
}

// signalContext returns a context that is canceled on interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/farm/farm.toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&overrides.Dir, "dir", "", "data directory")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	log.SetFlags(0)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
