// Package host implements the provider side of the farm protocol: contract
// rules, the RPC session handler, shard storage, and the shard transfer
// service.
package host

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"lukechampine.com/farm/renterhost"
)

// Errors returned by host components.
var (
	ErrContractNotFound     = errors.New("contract not found")
	ErrShardNotFound        = errors.New("shard not found")
	ErrShardExists          = errors.New("shard is already stored or being uploaded")
	ErrInsufficientCapacity = errors.New("insufficient storage capacity")
	ErrInvalidToken         = errors.New("invalid or expired token")
)

// A ContractStore stores the contracts a provider has co-signed, keyed by
// shard hash.
type ContractStore interface {
	// Contract returns the contract covering the shard with the given hash,
	// or ErrContractNotFound.
	Contract(hash crypto.Hash) (renterhost.ShardContract, error)
	// SaveContract stores c, overwriting any previous contract for the same
	// shard.
	SaveContract(c renterhost.ShardContract) error
	DeleteContract(hash crypto.Hash) error
	Contracts() ([]renterhost.ShardContract, error)
}

// Capacity describes the storage a provider has allocated and how much of it
// is unused.
type Capacity struct {
	Allocated uint64
	Available uint64
}

// A ShardStore is a content-addressed store of shard data. Each hash is
// written at most once.
type ShardStore interface {
	Exists(hash crypto.Hash) bool
	// Open returns a reader for the shard, or ErrShardNotFound.
	Open(hash crypto.Hash) (io.ReadCloser, error)
	// Create returns a writer for the shard. The data is only committed if
	// it hashes to hash. It returns ErrShardExists if the shard is stored or
	// another upload of it is in progress.
	Create(hash crypto.Hash, size uint64) (ShardWriter, error)
	Delete(hash crypto.Hash) error
	Size() (Capacity, error)
}

// A ShardWriter accumulates shard data. Commit verifies and stores it; Close
// discards it if Commit was not called.
type ShardWriter interface {
	io.Writer
	Commit() error
	Close() error
}

// Config contains the tunable parameters of a provider.
type Config struct {
	TokenTTL     time.Duration
	LockTimeout  time.Duration
	RPCTimeout   time.Duration
	ReapInterval time.Duration
}

// DefaultConfig is the default provider configuration.
var DefaultConfig = Config{
	TokenTTL:     10 * time.Minute,
	LockTimeout:  10 * time.Second,
	RPCTimeout:   30 * time.Second,
	ReapInterval: time.Hour,
}
