package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/renter/proto"
)

var scanCmd = &cobra.Command{
	Use:   "scan [identity address shard-address]",
	Short: "Query the capacity of providers",
	Long: `Requests a signed capacity announcement from each configured peer, or from
the single provider specified on the command line, and reports the results.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 3 {
			return fmt.Errorf("expected 0 or 3 arguments, got %v", len(args))
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		contacts := cfg.contacts()
		if len(args) == 3 {
			contacts = []hostdb.Contact{{
				Identity:     hostdb.HostPublicKey(args[0]),
				Address:      args[1],
				ShardAddress: args[2],
			}}
		}
		if len(contacts) == 0 {
			fmt.Println("No peers configured")
			return nil
		}
		seed := loadSeed()
		client := proto.NewClient(seed.Key(identity.IdentityIndex), cfg.Proxy, proto.DefaultTimeout)
		ctx, cancel := signalContext()
		defer cancel()

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "Peer\tAddress\tAllocated\tAvailable\tProtocol\tAnnounced")
		for _, r := range client.Scan(ctx, contacts, 8, logger) {
			c := r.Contact
			if r.Err != nil {
				fmt.Fprintf(tw, "%v\t%v\t-\t-\t-\t%v\n", c.Identity.ShortKey(), c.Address, r.Err)
				continue
			}
			a := r.Announcement
			fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\n", c.Identity.ShortKey(), c.Address,
				datasize.ByteSize(a.Allocated).HumanReadable(), datasize.ByteSize(a.Available).HumanReadable(),
				a.Protocol, time.Unix(a.Timestamp, 0).Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create or display the node identity",
	Long: `Generates a seed in the configured seed file if one does not already exist,
and prints the identity derived from it.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		seed := loadSeed()
		fmt.Println("Seed file: ", cfg.SeedFile)
		fmt.Println("Identity:  ", seed.PublicKey(identity.IdentityIndex))
		fmt.Println("Parent key:", seed.ParentKey())
	},
}

func init() {
	scanCmd.Flags().StringVar(&overrides.Proxy, "proxy", "", "SOCKS5 proxy for all peer traffic")
	rootCmd.AddCommand(scanCmd, keygenCmd)
}
