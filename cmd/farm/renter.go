package main

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/renter"
	"lukechampine.com/farm/renter/proto"
	"lukechampine.com/farm/store"
)

type renterEnv struct {
	r      *renter.Renter
	db     *store.BoltDBStore
	client *proto.Client
}

func (env renterEnv) Close() error { return env.db.Close() }

func openRenter() (renterEnv, error) {
	seed := loadSeed()
	db, err := store.NewBoltDBStore(filepath.Join(cfg.Dir, "renter.db"))
	if err != nil {
		return renterEnv{}, err
	}
	client := proto.NewClient(seed.Key(identity.IdentityIndex), cfg.Proxy, proto.DefaultTimeout)
	transport := renter.NewHTTPTransport(client.DialContext, proto.DefaultTimeout)
	rcfg := renter.DefaultConfig()
	rcfg.StagingDir = filepath.Join(cfg.Dir, "staging")
	r, err := renter.New(seed, rcfg, db, client, transport, nil, logger.Named("renter"))
	if err != nil {
		db.Close()
		return renterEnv{}, err
	}
	return renterEnv{
		r:      r,
		db:     db,
		client: client,
	}, nil
}

// refresh updates the profiles of the configured peers.
func (env renterEnv) refresh(ctx context.Context) error {
	contacts := cfg.contacts()
	if len(contacts) == 0 {
		return errors.New("no peers configured")
	}
	n, err := env.r.RefreshPeers(ctx, contacts)
	if err != nil {
		return err
	}
	logger.Debug("refreshed peers", zap.Int("responded", n), zap.Int("configured", len(contacts)))
	return nil
}

var uploadPolicies []string

var uploadCmd = &cobra.Command{
	Use:   "upload file",
	Short: "Encrypt and distribute a file",
	Long: `Encrypts the specified file, erasure-codes it, and places each shard with a
provider. If placement fails, the command may be re-run with --resume and the
object ID to place the remaining shards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRenter()
		if err != nil {
			return err
		}
		defer env.Close()
		ctx, cancel := signalContext()
		defer cancel()
		if err := env.refresh(ctx); err != nil {
			return err
		}

		src := args[0]
		obj := renter.NewObject(filepath.Base(src), mime.TypeByExtension(filepath.Ext(src)), uploadPolicies)
		if resume, _ := cmd.Flags().GetString("resume"); resume != "" {
			if obj, err = env.db.Object(resume); err != nil {
				return err
			}
		}
		ciphertext := filepath.Join(cfg.Dir, "staging", obj.ID+".enc")
		if err := os.MkdirAll(filepath.Dir(ciphertext), 0700); err != nil {
			return err
		}
		if err := renter.EncryptFile(src, ciphertext, &obj); err != nil {
			return err
		}
		defer os.Remove(ciphertext)
		obj, err = env.r.Distribute(ctx, ciphertext, obj)
		if err != nil {
			return errors.Wrapf(err, "could not distribute %v (object %v)", src, obj.ID)
		}
		fmt.Println(obj.ID)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download id [file]",
	Short: "Retrieve and decrypt an object",
	Long: `Downloads the object with the specified ID, writing it to file. If file is
unspecified, the object's original name is used; if file is "-", the object is
written to stdout.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRenter()
		if err != nil {
			return err
		}
		defer env.Close()
		ctx, cancel := signalContext()
		defer cancel()

		obj, err := env.db.Object(args[0])
		if err != nil {
			return err
		}
		r, info, err := env.r.Retrieve(ctx, obj.ID)
		if err != nil {
			return err
		} else if len(info.Missing) > 0 {
			logger.Warn("some shards could not be retrieved", zap.Ints("missing", info.Missing))
		}
		dst := obj.Name
		if len(args) == 2 {
			dst = args[1]
		}
		var w io.Writer = os.Stdout
		if dst != "-" {
			f, err := os.Create(dst)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		_, err = io.Copy(w, r)
		return err
	},
}

var auditLoop bool

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit stored objects",
	Long: `Runs a single audit pass over stored objects, challenging their providers and
rebuilding objects that have decayed. With --loop, audits run periodically
until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRenter()
		if err != nil {
			return err
		}
		defer env.Close()
		ctx, cancel := signalContext()
		defer cancel()
		if err := env.refresh(ctx); err != nil {
			return err
		}
		if !auditLoop {
			return env.r.Audit(ctx)
		}
		if err := env.r.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "List stored objects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRenter()
		if err != nil {
			return err
		}
		defer env.Close()
		objs, err := env.r.Objects()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tName\tSize\tShards\tStatus\tDecayed\tLast Audit")
		for _, o := range objs {
			lastAudit := "never"
			if o.LastAudit != 0 {
				lastAudit = time.Unix(o.LastAudit, 0).Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%v\t%v\t%v\t%v+%v\t%v\t%.0f%%\t%v\n",
				o.ID, o.Name, datasize.ByteSize(o.Size).HumanReadable(), o.DataShards, o.ParityShards,
				o.Status, o.PercentDecayed*100, lastAudit)
		}
		return tw.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete id",
	Short: "Forget an object and its contracts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRenter()
		if err != nil {
			return err
		}
		defer env.Close()
		return env.r.Delete(args[0])
	},
}

var pointerCmd = &cobra.Command{
	Use:   "pointer id file",
	Short: "Export an object's sealed pointer",
	Long: `Writes the sealed pointer of the specified object to file. The pointer can be
opened only with the object's private key.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRenter()
		if err != nil {
			return err
		}
		defer env.Close()
		obj, err := env.db.Object(args[0])
		if err != nil {
			return err
		}
		blob, err := renter.SealPointer(obj)
		if err != nil {
			return err
		}
		return ioutil.WriteFile(args[1], blob, 0600)
	},
}

func init() {
	uploadCmd.Flags().StringSliceVar(&uploadPolicies, "policy", nil, "additional access policy, e.g. ::RETRIEVE")
	uploadCmd.Flags().String("resume", "", "resume distribution of a failed object")
	auditCmd.Flags().BoolVar(&auditLoop, "loop", false, "audit periodically until interrupted")
	for _, c := range []*cobra.Command{uploadCmd, downloadCmd, auditCmd} {
		c.Flags().StringVar(&overrides.Proxy, "proxy", "", "SOCKS5 proxy for all peer traffic")
	}
	rootCmd.AddCommand(uploadCmd, downloadCmd, auditCmd, objectsCmd, deleteCmd, pointerCmd)
}
