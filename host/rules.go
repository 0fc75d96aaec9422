package host

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"go.uber.org/zap"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/merkle"
	"lukechampine.com/farm/renterhost"
)

// Rules implements the provider's handling of each RPC. Every method is
// safe for concurrent use; operations on the same shard are serialized.
type Rules struct {
	key       identity.Key
	parentKey string
	contact   hostdb.Contact
	cfg       Config
	contracts ContractStore
	shards    ShardStore
	tokens    *TokenRegistry
	log       *zap.Logger

	// a single Cond guards the set of locked shards
	lockCond sync.Cond
	locks    map[crypto.Hash]struct{}
}

func (r *Rules) lockShard(hash crypto.Hash) bool {
	// wake up the cond when the timeout expires
	start := time.Now()
	timer := time.AfterFunc(r.cfg.LockTimeout, r.lockCond.Broadcast)
	defer timer.Stop()

	r.lockCond.L.Lock()
	defer r.lockCond.L.Unlock()
	for {
		if _, ok := r.locks[hash]; !ok {
			r.locks[hash] = struct{}{}
			return true
		} else if time.Since(start) >= r.cfg.LockTimeout {
			return false
		}
		r.lockCond.Wait()
	}
}

func (r *Rules) unlockShard(hash crypto.Hash) {
	r.lockCond.L.Lock()
	delete(r.locks, hash)
	r.lockCond.Broadcast()
	r.lockCond.L.Unlock()
}

func errLockTimeout(hash crypto.Hash) error {
	return renterhost.NewRPCError(renterhost.ErrTypeInternal, "timed out waiting to lock shard %v", hash)
}

// Identity returns the provider's identity.
func (r *Rules) Identity() hostdb.HostPublicKey {
	return r.key.HostKey()
}

// Validate rejects peers speaking an incompatible protocol version.
func (r *Rules) Validate(peer renterhost.Peer) error {
	if !renterhost.CompatibleVersion(peer.Protocol) {
		return renterhost.NewRPCError(renterhost.ErrTypeValidation, "%v: peer speaks %q, we speak %q",
			renterhost.ErrIncompatibleVersion, peer.Protocol, renterhost.ProtocolVersion)
	}
	return nil
}

// Audit answers each challenge with a proof of possession. Challenges for
// unknown shards, or from peers without an AUDIT grant, receive an empty
// proof.
func (r *Rules) Audit(peer renterhost.Peer, challenges []renterhost.RPCAuditChallenge) []renterhost.RPCAuditProof {
	proofs := make([]renterhost.RPCAuditProof, len(challenges))
	for i, c := range challenges {
		proofs[i].ShardHash = c.ShardHash
		proof, err := r.auditShard(peer, c)
		if err != nil {
			r.log.Debug("could not answer audit", zap.Stringer("hash", c.ShardHash),
				zap.String("peer", peer.Identity.ShortKey()), zap.Error(err))
			continue
		}
		proofs[i].Proof = proof
	}
	return proofs
}

func (r *Rules) auditShard(peer renterhost.Peer, c renterhost.RPCAuditChallenge) (merkle.Proof, error) {
	if !r.lockShard(c.ShardHash) {
		return merkle.Proof{}, errLockTimeout(c.ShardHash)
	}
	defer r.unlockShard(c.ShardHash)

	contract, err := r.contracts.Contract(c.ShardHash)
	if err != nil {
		return merkle.Proof{}, err
	} else if !contract.Grants(peer.Identity, renterhost.PermAudit) {
		return merkle.Proof{}, errors.New("peer lacks AUDIT grant")
	}
	shard, err := r.shards.Open(c.ShardHash)
	if err != nil {
		return merkle.Proof{}, err
	}
	defer shard.Close()
	proof, err := merkle.ProveRound(contract.AuditLeaves, c.Challenge, shard)
	if err != nil {
		return merkle.Proof{}, err
	}
	contract.LastAudit = time.Now().Unix()
	if err := r.contracts.SaveContract(contract); err != nil {
		r.log.Warn("could not record audit", zap.Stringer("hash", c.ShardHash), zap.Error(err))
	}
	return proof, nil
}

func (r *Rules) recordAccess(hash crypto.Hash) {
	if !r.lockShard(hash) {
		return
	}
	defer r.unlockShard(hash)
	c, err := r.contracts.Contract(hash)
	if err != nil {
		return
	}
	c.LastAccess = time.Now().Unix()
	if err := r.contracts.SaveContract(c); err != nil {
		r.log.Warn("could not record access", zap.Stringer("hash", hash), zap.Error(err))
	}
}

// lookup returns the contract for hash, converting ErrContractNotFound to a
// typed RPC error.
func (r *Rules) lookup(hash crypto.Hash) (renterhost.ShardContract, error) {
	c, err := r.contracts.Contract(hash)
	if errors.Is(err, ErrContractNotFound) {
		return renterhost.ShardContract{}, renterhost.NewRPCError(renterhost.ErrTypeNotFound, "no contract for shard %v", hash)
	} else if err != nil {
		return renterhost.ShardContract{}, errors.Wrap(err, "could not load contract")
	}
	return c, nil
}

// Consign issues an upload token for hash to a peer holding a CONSIGN grant.
func (r *Rules) Consign(peer renterhost.Peer, hash crypto.Hash) (renterhost.Token, error) {
	c, err := r.lookup(hash)
	if err != nil {
		return renterhost.Token{}, err
	} else if !c.Grants(peer.Identity, renterhost.PermConsign) {
		return renterhost.Token{}, renterhost.NewRPCError(renterhost.ErrTypeUnauthorized, "peer lacks CONSIGN grant for shard %v", hash)
	}
	return r.tokens.Issue(hash, peer.Identity, TokenConsign), nil
}

// Retrieve issues a download token for hash. The shard must be stored
// locally and tracked by a contract that grants the peer RETRIEVE.
func (r *Rules) Retrieve(peer renterhost.Peer, hash crypto.Hash) (renterhost.Token, error) {
	c, err := r.lookup(hash)
	if err != nil {
		return renterhost.Token{}, err
	} else if !r.shards.Exists(hash) {
		return renterhost.Token{}, renterhost.NewRPCError(renterhost.ErrTypeNotFound, "shard %v is not stored", hash)
	} else if !c.Grants(peer.Identity, renterhost.PermRetrieve) {
		return renterhost.Token{}, renterhost.NewRPCError(renterhost.ErrTypeUnauthorized, "peer lacks RETRIEVE grant for shard %v", hash)
	}
	return r.tokens.Issue(hash, peer.Identity, TokenRetrieve), nil
}

// Renew replaces an existing contract with an updated version signed by its
// owner. Only fields in renterhost.RenewAllowList may change.
func (r *Rules) Renew(peer renterhost.Peer, proposal renterhost.ShardContract) (renterhost.ShardContract, error) {
	if err := proposal.Validate(); err != nil {
		return renterhost.ShardContract{}, renterhost.NewRPCError(renterhost.ErrTypeValidation, "invalid contract: %v", err)
	} else if !proposal.Verify(renterhost.RoleOwner) {
		return renterhost.ShardContract{}, renterhost.NewRPCError(renterhost.ErrTypeValidation, "%v", renterhost.ErrInvalidSignature)
	}

	if !r.lockShard(proposal.ShardHash) {
		return renterhost.ShardContract{}, errLockTimeout(proposal.ShardHash)
	}
	defer r.unlockShard(proposal.ShardHash)

	old, err := r.lookup(proposal.ShardHash)
	if err != nil {
		return renterhost.ShardContract{}, err
	} else if peer.Identity != old.OwnerIdentity {
		return renterhost.ShardContract{}, renterhost.NewRPCError(renterhost.ErrTypeUnauthorized, "only the owner may renew a contract")
	}
	// the provider fields are ours to fill in
	proposal.ProviderIdentity = old.ProviderIdentity
	proposal.ProviderParentKey = old.ProviderParentKey
	proposal.ProviderIndex = old.ProviderIndex
	if err := renterhost.CheckRenewal(old, proposal); err != nil {
		return renterhost.ShardContract{}, renterhost.NewRPCError(renterhost.ErrTypeValidation, "%v", err)
	}

	proposal.Sign(renterhost.RoleProvider, r.key)
	proposal.LastAudit, proposal.LastAccess, proposal.LastFunding = old.LastAudit, old.LastAccess, old.LastFunding
	if err := r.contracts.SaveContract(proposal); err != nil {
		return renterhost.ShardContract{}, errors.Wrap(err, "could not save renewed contract")
	}
	r.log.Info("renewed contract", zap.Stringer("hash", proposal.ShardHash),
		zap.Strings("changed", renterhost.Diff(old, proposal)))
	proposal.LastAudit, proposal.LastAccess, proposal.LastFunding = 0, 0, 0
	return proposal, nil
}

// Claim co-signs a proposed contract and issues a consignment token for its
// shard. No state is written unless every check passes.
func (r *Rules) Claim(peer renterhost.Peer, proposal renterhost.ShardContract) (renterhost.ShardContract, renterhost.Token, error) {
	if err := proposal.Validate(); err != nil {
		return renterhost.ShardContract{}, renterhost.Token{}, renterhost.NewRPCError(renterhost.ErrTypeValidation, "invalid contract: %v", err)
	} else if peer.Identity != proposal.OwnerIdentity {
		return renterhost.ShardContract{}, renterhost.Token{}, renterhost.NewRPCError(renterhost.ErrTypeUnauthorized, "contract must be proposed by its owner")
	} else if !proposal.Verify(renterhost.RoleOwner) {
		return renterhost.ShardContract{}, renterhost.Token{}, renterhost.NewRPCError(renterhost.ErrTypeValidation, "%v", renterhost.ErrInvalidSignature)
	} else if proposal.Expired(time.Now()) {
		return renterhost.ShardContract{}, renterhost.Token{}, renterhost.NewRPCError(renterhost.ErrTypeValidation, "contract has already expired")
	}

	if !r.lockShard(proposal.ShardHash) {
		return renterhost.ShardContract{}, renterhost.Token{}, errLockTimeout(proposal.ShardHash)
	}
	defer r.unlockShard(proposal.ShardHash)

	// an owner may re-claim a shard it has not uploaded yet
	if old, err := r.contracts.Contract(proposal.ShardHash); err == nil {
		if old.OwnerIdentity != proposal.OwnerIdentity || r.shards.Exists(proposal.ShardHash) {
			return renterhost.ShardContract{}, renterhost.Token{}, renterhost.NewRPCError(renterhost.ErrTypeValidation, "shard %v is already under contract", proposal.ShardHash)
		}
	} else if !errors.Is(err, ErrContractNotFound) {
		return renterhost.ShardContract{}, renterhost.Token{}, errors.Wrap(err, "could not load contract")
	}
	capacity, err := r.shards.Size()
	if err != nil {
		return renterhost.ShardContract{}, renterhost.Token{}, errors.Wrap(err, "could not determine capacity")
	} else if capacity.Available < proposal.ShardSize {
		return renterhost.ShardContract{}, renterhost.Token{}, renterhost.NewRPCError(renterhost.ErrTypeCapacity, "%v: %v bytes available, %v requested",
			ErrInsufficientCapacity, capacity.Available, proposal.ShardSize)
	}

	proposal.ProviderIdentity = r.key.HostKey()
	proposal.ProviderParentKey = r.parentKey
	proposal.ProviderIndex = identity.IdentityIndex
	proposal.Sign(renterhost.RoleProvider, r.key)
	if err := r.contracts.SaveContract(proposal); err != nil {
		return renterhost.ShardContract{}, renterhost.Token{}, errors.Wrap(err, "could not save contract")
	}
	r.log.Info("claimed shard", zap.Stringer("hash", proposal.ShardHash),
		zap.Uint64("size", proposal.ShardSize), zap.String("owner", proposal.OwnerIdentity.ShortKey()))
	return proposal, r.tokens.Issue(proposal.ShardHash, peer.Identity, TokenConsign), nil
}

// Capacity returns a signed announcement of the provider's capacity.
func (r *Rules) Capacity() (hostdb.CapacityAnnouncement, error) {
	c, err := r.shards.Size()
	if err != nil {
		return hostdb.CapacityAnnouncement{}, errors.Wrap(err, "could not determine capacity")
	}
	a := hostdb.CapacityAnnouncement{
		Contact:   r.contact,
		Allocated: c.Allocated,
		Available: c.Available,
		Protocol:  renterhost.ProtocolVersion,
		Timestamp: time.Now().Unix(),
	}
	a.Sign(ed25519.PrivateKey(r.key))
	return a, nil
}

// NewRules returns the rules of a provider whose identity is derived from
// seed and which is reachable at contact.
func NewRules(seed identity.Seed, contact hostdb.Contact, cfg Config, cs ContractStore, ss ShardStore, tokens *TokenRegistry, log *zap.Logger) *Rules {
	if log == nil {
		log = zap.NewNop()
	}
	key := seed.Key(identity.IdentityIndex)
	contact.Identity = key.HostKey()
	return &Rules{
		key:       key,
		parentKey: seed.ParentKey(),
		contact:   contact,
		cfg:       cfg,
		contracts: cs,
		shards:    ss,
		tokens:    tokens,
		log:       log,
		lockCond:  sync.Cond{L: new(sync.Mutex)},
		locks:     make(map[crypto.Hash]struct{}),
	}
}
