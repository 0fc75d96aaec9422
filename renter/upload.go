package renter

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/merkle"
	"lukechampine.com/farm/renterhost"
)

// A shardProposal is the material prepared for one shard before it is
// placed: the staged shard file, the owner-signed contract, and the private
// audit record.
type shardProposal struct {
	index    int
	path     string
	contract renterhost.ShardContract
	record   merkle.PrivateRecord
}

func (r *Renter) stagingDir(id string) string {
	return filepath.Join(r.cfg.StagingDir, id)
}

func (r *Renter) stagingPath(id string, index int) string {
	return filepath.Join(r.stagingDir(id), strconv.Itoa(index))
}

// prepareShard stages a shard on disk and builds its audit material and
// contract proposal from the staged copy.
func (r *Renter) prepareShard(obj *ObjectPointer, index int, shard []byte) (shardProposal, error) {
	path := r.stagingPath(obj.ID, index)
	if err := ioutil.WriteFile(path, shard, 0600); err != nil {
		return shardProposal{}, errors.Wrap(err, "could not stage shard")
	}
	f, err := os.Open(path)
	if err != nil {
		return shardProposal{}, errors.Wrap(err, "could not open staged shard")
	}
	defer f.Close()
	as := merkle.NewAuditStream(r.cfg.ChallengesPerShard)
	if _, err := io.Copy(as, f); err != nil {
		return shardProposal{}, errors.Wrap(err, "could not read staged shard")
	}
	as.Close()
	return shardProposal{
		index:    index,
		path:     path,
		contract: r.proposeContract(obj, as.ShardHash(), uint64(as.Size()), as.PublicRecord()),
		record:   as.PrivateRecord(),
	}, nil
}

// proposeContract returns an owner-signed contract for a shard.
func (r *Renter) proposeContract(obj *ObjectPointer, hash crypto.Hash, size uint64, leaves []crypto.Hash) renterhost.ShardContract {
	c := renterhost.ShardContract{
		Version:        renterhost.ContractVersion,
		ShardHash:      hash,
		ShardSize:      size,
		StoreEnd:       time.Now().Add(r.cfg.StoreDuration).Unix(),
		OwnerIdentity:  r.key.HostKey(),
		OwnerParentKey: r.seed.ParentKey(),
		OwnerIndex:     identity.IdentityIndex,
		AccessPolicies: renterhost.OwnerPolicies(r.key.HostKey(), obj.Policies),
		AuditLeaves:    leaves,
	}
	c.Sign(renterhost.RoleOwner, r.key)
	return c
}

// checkClaimed verifies that a contract returned by a provider is the
// proposal, completed and co-signed by that provider.
func checkClaimed(proposal, contract renterhost.ShardContract, provider hostdb.HostPublicKey) error {
	if contract.ProviderIdentity != provider {
		return errors.Errorf("contract signed by %v, expected %v", contract.ProviderIdentity.ShortKey(), provider.ShortKey())
	} else if !contract.IsComplete() {
		return renterhost.ErrInvalidSignature
	}
	for _, field := range renterhost.Diff(proposal, contract) {
		switch field {
		case "providerIdentity", "providerParentKey", "providerIndex", "providerSignature":
		default:
			return errors.Errorf("provider modified contract field %v", field)
		}
	}
	return nil
}

// claimAndUpload claims storage for a shard on a single provider and uploads
// the shard with the returned consignment token.
func (r *Renter) claimAndUpload(ctx context.Context, contact hostdb.Contact, sp shardProposal) (renterhost.ShardContract, error) {
	contract, token, err := r.client.Claim(ctx, contact, sp.contract)
	if err != nil {
		return renterhost.ShardContract{}, errors.Wrap(err, "claim failed")
	} else if err := checkClaimed(sp.contract, contract, contact.Identity); err != nil {
		return renterhost.ShardContract{}, err
	}
	f, err := os.Open(sp.path)
	if err != nil {
		return renterhost.ShardContract{}, errors.Wrap(err, "could not open staged shard")
	}
	defer f.Close()
	if err := r.transport.Upload(ctx, contact, sp.contract.ShardHash, token, f); err != nil {
		return renterhost.ShardContract{}, err
	}
	contract.LastAccess = time.Now().Unix()
	return contract, nil
}

// placeShard stores a prepared shard with a provider, trying a different
// provider after each failure. Providers in exclude are never chosen, and
// every provider tried is added to exclude.
func (r *Renter) placeShard(ctx context.Context, ps *providerSet, sp shardProposal, exclude map[hostdb.HostPublicKey]bool) (hostdb.Contact, renterhost.ShardContract, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxPlacementAttempts; attempt++ {
		contact, err := ps.choose(sp.contract.ShardSize, exclude)
		if err != nil {
			if lastErr != nil {
				err = errors.Wrapf(err, "after %v", lastErr)
			}
			return hostdb.Contact{}, renterhost.ShardContract{}, err
		}
		exclude[contact.Identity] = true
		log := r.log.With(zap.Stringer("hash", sp.contract.ShardHash), zap.Int("index", sp.index),
			zap.String("peer", contact.Identity.ShortKey()), zap.Int("attempt", attempt))

		contract, err := r.claimAndUpload(ctx, contact, sp)
		if err == nil {
			log.Debug("shard placed")
			return contact, contract, nil
		} else if ctx.Err() != nil {
			return hostdb.Contact{}, renterhost.ShardContract{}, ctx.Err()
		}
		log.Warn("shard placement failed", zap.Error(err))
		lastErr = err
	}
	return hostdb.Contact{}, renterhost.ShardContract{}, errors.Wrapf(lastErr, "gave up after %v attempts", r.cfg.MaxPlacementAttempts)
}

// placeShards places each proposal concurrently, invoking done for every shard
// that is placed. It returns the indices of the shards that could not be
// placed.
func (r *Renter) placeShards(ctx context.Context, ps *providerSet, proposals []shardProposal, exclude func(index int) []hostdb.HostPublicKey, done func(sp shardProposal, contact hostdb.Contact, contract renterhost.ShardContract) error) ([]int, error) {
	var mu sync.Mutex
	var failed []int
	err := forEachLimit(ctx, len(proposals), r.cfg.TransferConcurrency, func(j int) error {
		sp := proposals[j]
		ex := make(map[hostdb.HostPublicKey]bool)
		if exclude != nil {
			for _, id := range exclude(sp.index) {
				ex[id] = true
			}
		}
		contact, contract, err := r.placeShard(ctx, ps, sp, ex)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("could not place shard", zap.Stringer("hash", sp.contract.ShardHash), zap.Int("index", sp.index), zap.Error(err))
			failed = append(failed, sp.index)
			return nil
		}
		return done(sp, contact, contract)
	})
	return failed, err
}

// Distribute erasure-codes the ciphertext at path into shards and places each
// shard with a provider. Shards placed by an earlier, failed call are kept. On
// success the returned object is finished; if any shard could not be placed,
// it is failed and may be retried by calling Distribute again.
func (r *Renter) Distribute(ctx context.Context, path string, obj ObjectPointer) (ObjectPointer, error) {
	defer r.lockObject(obj.ID)()
	log := r.log.With(zap.String("object", obj.ID))

	if stored, err := r.store.Object(obj.ID); err == nil {
		obj = stored
	} else if !errors.Is(err, ErrObjectNotFound) {
		return obj, errors.Wrap(err, "could not load object")
	}
	if obj.Status == StatusFinished {
		return obj, ErrObjectFinished
	} else if err := renterhost.ValidatePolicies(obj.Policies); err != nil {
		return obj, errors.Wrap(err, "invalid object policies")
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return obj, errors.Wrap(err, "could not read object")
	}
	if obj.Size == 0 {
		obj.Size = uint64(len(data))
	} else if obj.Size != uint64(len(data)) {
		return obj, errors.Errorf("object size is %v, but %v contains %v bytes", obj.Size, path, len(data))
	}
	params := Parameters(len(data))
	if len(obj.Shards) != 0 && len(obj.Shards) != params.TotalShards() {
		return obj, errors.New("object shards do not match erasure parameters")
	}
	obj.setParams(params)
	obj.Status = StatusQueued
	if len(obj.Shards) == 0 {
		obj.Shards = make([]ShardPointer, params.TotalShards())
		for i := range obj.Shards {
			obj.Shards[i].Index = i
		}
	}
	if err := r.store.SaveObject(obj); err != nil {
		return obj, errors.Wrap(err, "could not save object")
	}

	ec, err := NewErasureCodec(params)
	if err != nil {
		return obj, err
	}
	shards, err := ec.Encode(data)
	if err != nil {
		return obj, err
	}
	data = nil
	if err := os.MkdirAll(r.stagingDir(obj.ID), 0700); err != nil {
		return obj, errors.Wrap(err, "could not create staging directory")
	}
	ps, err := r.newProviderSet()
	if err != nil {
		return obj, err
	}

	// shards are prepared one at a time; only placement is concurrent
	var proposals []shardProposal
	for i, shard := range shards {
		if s := obj.Shards[i]; s.Placed() {
			if s.Hash != crypto.Hash(blake2b.Sum256(shard)) {
				return obj, errors.Errorf("shard %v differs from previously placed shard", i)
			}
			ps.markUsed(s.Service.Identity)
			continue
		}
		sp, err := r.prepareShard(&obj, i, shard)
		if err != nil {
			return obj, err
		}
		proposals = append(proposals, sp)
	}
	shards = nil
	log.Info("distributing object", zap.Int("shards", len(obj.Shards)), zap.Int("pending", len(proposals)))

	failed, err := r.placeShards(ctx, ps, proposals, nil, func(sp shardProposal, contact hostdb.Contact, contract renterhost.ShardContract) error {
		if err := r.store.SaveContract(contract); err != nil {
			return errors.Wrap(err, "could not save contract")
		}
		obj.Shards[sp.index] = ShardPointer{
			Index:   sp.index,
			Hash:    contract.ShardHash,
			Size:    contract.ShardSize,
			Service: contact,
			Audits:  sp.record,
		}
		return r.store.SaveObject(obj)
	})
	if err != nil || len(failed) > 0 {
		obj.Status = StatusFailed
		if serr := r.store.SaveObject(obj); serr != nil {
			log.Error("could not save failed object", zap.Error(serr))
		}
		if err == nil {
			err = errors.Wrapf(ErrNoProviders, "%v of %v shards could not be placed", len(failed), len(obj.Shards))
		}
		return obj, err
	}

	obj.Status = StatusFinished
	obj.updateDecay()
	if err := r.store.SaveObject(obj); err != nil {
		return obj, errors.Wrap(err, "could not save object")
	}
	if err := os.RemoveAll(r.stagingDir(obj.ID)); err != nil {
		log.Warn("could not remove staged shards", zap.Error(err))
	}
	r.publishPointer(ctx, obj)
	log.Info("object distributed")
	return obj, nil
}

// publishPointer hands the sealed object pointer to the publisher. Failure
// to reach enough peers is logged, not returned.
func (r *Renter) publishPointer(ctx context.Context, obj ObjectPointer) {
	if r.publisher == nil {
		return
	}
	log := r.log.With(zap.String("object", obj.ID))
	blob, err := SealPointer(obj)
	if err != nil {
		log.Warn("could not seal object pointer", zap.Error(err))
		return
	}
	n, err := r.publisher.PublishPointer(ctx, obj.ID, blob)
	if err != nil {
		log.Warn("could not publish object pointer", zap.Error(err))
	} else if n < r.cfg.MinPointerReplicas {
		log.Warn("object pointer is under-replicated", zap.Int("replicas", n), zap.Int("wanted", r.cfg.MinPointerReplicas))
	}
}
