package renter

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"go.uber.org/zap"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/renterhost"
)

// Renter errors.
var (
	ErrObjectNotFound   = errors.New("object not found")
	ErrContractNotFound = errors.New("contract not found")
	ErrObjectFinished   = errors.New("object has already been distributed")
	ErrObjectIncomplete = errors.New("object has not been distributed")
)

// A Store persists the renter's objects, contracts, audit reports, and peer
// profiles. Object and Contract return ErrObjectNotFound and
// ErrContractNotFound respectively when the record does not exist.
type Store interface {
	Object(id string) (ObjectPointer, error)
	SaveObject(o ObjectPointer) error
	DeleteObject(id string) error
	Objects() ([]ObjectPointer, error)

	Contract(hash crypto.Hash, provider hostdb.HostPublicKey) (renterhost.ShardContract, error)
	SaveContract(c renterhost.ShardContract) error
	DeleteContract(hash crypto.Hash, provider hostdb.HostPublicKey) error

	AddReport(r AuditReport) error
	Reports() ([]AuditReport, error)
	PruneReports(before time.Time) error

	SaveProfile(p hostdb.PeerProfile) error
	Profiles() ([]hostdb.PeerProfile, error)
}

// A ProtocolClient performs RPCs against providers.
type ProtocolClient interface {
	Claim(ctx context.Context, c hostdb.Contact, contract renterhost.ShardContract) (renterhost.ShardContract, renterhost.Token, error)
	Consign(ctx context.Context, c hostdb.Contact, hash crypto.Hash) (renterhost.Token, error)
	Retrieve(ctx context.Context, c hostdb.Contact, hash crypto.Hash) (renterhost.Token, error)
	Audit(ctx context.Context, c hostdb.Contact, challenges []renterhost.RPCAuditChallenge) ([]renterhost.RPCAuditProof, error)
	Renew(ctx context.Context, c hostdb.Contact, contract renterhost.ShardContract) (renterhost.ShardContract, error)
	Capacity(ctx context.Context, c hostdb.Contact) (hostdb.CapacityAnnouncement, error)
}

// A ShardTransport moves shard data to and from a provider's shard service.
type ShardTransport interface {
	Upload(ctx context.Context, c hostdb.Contact, hash crypto.Hash, token renterhost.Token, r io.Reader) error
	Download(ctx context.Context, c hostdb.Contact, hash crypto.Hash, token renterhost.Token) (io.ReadCloser, error)
}

// A PointerPublisher stores sealed object pointers in a shared network store.
// It returns the number of peers that accepted the pointer.
type PointerPublisher interface {
	PublishPointer(ctx context.Context, id string, blob []byte) (int, error)
}

// Config contains the tunable parameters of a Renter.
type Config struct {
	StagingDir           string
	TransferConcurrency  int
	MaxPlacementAttempts int
	ChallengesPerShard   int
	AuditInterval        time.Duration
	ScoreWindow          time.Duration
	DecayThreshold       float64
	ProfileFreshness     time.Duration
	StoreDuration        time.Duration
	ReportTTL            time.Duration
	MinPointerReplicas   int
	MinReports           int
}

// DefaultConfig returns the default Renter configuration.
func DefaultConfig() Config {
	return Config{
		StagingDir:           filepath.Join(os.TempDir(), "farm-staging"),
		TransferConcurrency:  3,
		MaxPlacementAttempts: 5,
		ChallengesPerShard:   32,
		AuditInterval:        10 * time.Minute,
		ScoreWindow:          24 * time.Hour,
		DecayThreshold:       0.25,
		ProfileFreshness:     time.Hour,
		StoreDuration:        90 * 24 * time.Hour,
		ReportTTL:            7 * 24 * time.Hour,
		MinPointerReplicas:   3,
		MinReports:           4,
	}
}

// A Renter distributes objects to providers, retrieves them, and keeps them
// alive through periodic audits.
type Renter struct {
	seed      identity.Seed
	key       identity.Key
	cfg       Config
	store     Store
	client    ProtocolClient
	transport ShardTransport
	publisher PointerPublisher
	log       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lockObject serializes state transitions for a single object.
func (r *Renter) lockObject(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = new(sync.Mutex)
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Identity returns the renter's public identity.
func (r *Renter) Identity() hostdb.HostPublicKey {
	return r.key.HostKey()
}

// Objects returns every object known to the renter.
func (r *Renter) Objects() ([]ObjectPointer, error) {
	return r.store.Objects()
}

// RefreshPeers requests a capacity announcement from each contact and stores
// the resulting profiles. Peers that fail to respond, or whose announcements
// are invalid, are skipped.
func (r *Renter) RefreshPeers(ctx context.Context, contacts []hostdb.Contact) (int, error) {
	var mu sync.Mutex
	var n int
	err := forEachLimit(ctx, len(contacts), r.cfg.TransferConcurrency, func(i int) error {
		c := contacts[i]
		a, err := r.client.Capacity(ctx, c)
		if err != nil {
			r.log.Warn("capacity request failed", zap.String("peer", c.Identity.ShortKey()), zap.Error(err))
			return nil
		} else if err := checkAnnouncement(a, c); err != nil {
			r.log.Warn("invalid capacity announcement", zap.String("peer", c.Identity.ShortKey()), zap.Error(err))
			return nil
		}
		if err := r.store.SaveProfile(hostdb.ProfileFromAnnouncement(a)); err != nil {
			return errors.Wrap(err, "could not save profile")
		}
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	})
	return n, err
}

func checkAnnouncement(a hostdb.CapacityAnnouncement, c hostdb.Contact) error {
	switch {
	case a.Contact.Identity != c.Identity:
		return errors.New("announcement is for a different peer")
	case !a.Verify():
		return errors.New("invalid signature")
	case !renterhost.CompatibleVersion(a.Protocol):
		return errors.Wrap(renterhost.ErrIncompatibleVersion, a.Protocol)
	}
	return nil
}

// Delete removes an object and the renter's copies of its contracts.
// Providers release the shards when the contracts expire.
func (r *Renter) Delete(id string) error {
	defer r.lockObject(id)()
	obj, err := r.store.Object(id)
	if err != nil {
		return err
	}
	for _, s := range obj.Shards {
		if !s.Placed() {
			continue
		}
		if err := r.store.DeleteContract(s.Hash, s.Service.Identity); err != nil && !errors.Is(err, ErrContractNotFound) {
			return errors.Wrap(err, "could not delete contract")
		}
	}
	if err := os.RemoveAll(r.stagingDir(id)); err != nil {
		return errors.Wrap(err, "could not remove staged shards")
	}
	return r.store.DeleteObject(id)
}

// Validate reports whether cfg describes a usable Renter.
func (cfg Config) Validate() error {
	switch {
	case cfg.StagingDir == "":
		return errors.New("staging directory must be set")
	case cfg.ChallengesPerShard <= 0:
		return errors.Errorf("challenges per shard must be positive, got %v", cfg.ChallengesPerShard)
	case cfg.MaxPlacementAttempts <= 0:
		return errors.Errorf("placement attempts must be positive, got %v", cfg.MaxPlacementAttempts)
	case cfg.AuditInterval <= 0:
		return errors.Errorf("audit interval must be positive, got %v", cfg.AuditInterval)
	case cfg.ScoreWindow < 0:
		return errors.Errorf("score window must not be negative, got %v", cfg.ScoreWindow)
	case cfg.DecayThreshold <= 0 || cfg.DecayThreshold > 1:
		return errors.Errorf("decay threshold must be in (0, 1], got %v", cfg.DecayThreshold)
	}
	return nil
}

// New returns a Renter that signs contracts with the identity derived from
// seed. It returns an error if cfg is invalid.
func New(seed identity.Seed, cfg Config, store Store, client ProtocolClient, transport ShardTransport, publisher PointerPublisher, log *zap.Logger) (*Renter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid renter config")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Renter{
		seed:      seed,
		key:       seed.Key(identity.IdentityIndex),
		cfg:       cfg,
		store:     store,
		client:    client,
		transport: transport,
		publisher: publisher,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}
