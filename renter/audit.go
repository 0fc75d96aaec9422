package renter

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/merkle"
	"lukechampine.com/farm/renterhost"
	"lukechampine.com/frand"
)

// Run audits objects every AuditInterval until ctx is cancelled.
func (r *Renter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.AuditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Audit(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("audit pass failed", zap.Error(err))
			}
		}
	}
}

// sampleSize returns the number of objects to audit per pass so that, over
// one score window, every eligible object is expected to be audited.
func (r *Renter) sampleSize(eligible int) int {
	opportunities := int(r.cfg.ScoreWindow / r.cfg.AuditInterval)
	if opportunities < 1 {
		opportunities = 1
	}
	return (eligible + opportunities - 1) / opportunities
}

// Audit runs a single audit pass. Objects not audited within the score window
// are sampled uniformly without replacement; each shard of a sampled object
// is challenged once. Shards that fail are marked decayed, and objects whose
// decayed fraction reaches the decay threshold are rebuilt.
func (r *Renter) Audit(ctx context.Context) error {
	now := time.Now()
	if err := r.store.PruneReports(now.Add(-r.cfg.ReportTTL)); err != nil {
		return errors.Wrap(err, "could not prune audit reports")
	}
	objs, err := r.store.Objects()
	if err != nil {
		return errors.Wrap(err, "could not load objects")
	}
	cutoff := now.Add(-r.cfg.ScoreWindow)
	var eligible []string
	for _, o := range objs {
		if o.Status == StatusFinished && !time.Unix(o.LastAudit, 0).After(cutoff) {
			eligible = append(eligible, o.ID)
		}
	}
	n := r.sampleSize(len(eligible))
	r.log.Debug("starting audit pass", zap.Int("eligible", len(eligible)), zap.Int("sampled", n))

	var firstErr error
	for _, i := range frand.Perm(len(eligible))[:n] {
		if err := r.auditObject(ctx, eligible[i]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("object audit failed", zap.String("object", eligible[i]), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Renter) auditObject(ctx context.Context, id string) error {
	defer r.lockObject(id)()
	obj, err := r.store.Object(id)
	if err != nil {
		return err
	} else if obj.Status != StatusFinished {
		return nil
	}

	err = forEachLimit(ctx, len(obj.Shards), r.cfg.TransferConcurrency, func(i int) error {
		if s := &obj.Shards[i]; s.Placed() && !s.Decayed {
			r.auditShard(ctx, s)
		}
		return nil
	})
	obj.LastAudit = time.Now().Unix()
	obj.updateDecay()
	if serr := r.store.SaveObject(obj); serr != nil {
		return errors.Wrap(serr, "could not save object")
	} else if err != nil {
		return err
	}

	decayed := obj.DecayedCount()
	if decayed == 0 || float64(decayed)/float64(len(obj.Shards)) < r.cfg.DecayThreshold {
		return nil
	}
	rerr := r.rebuild(ctx, &obj)
	obj.updateDecay()
	if err := r.store.SaveObject(obj); err != nil {
		return errors.Wrap(err, "could not save rebuilt object")
	}
	return rerr
}

// auditShard challenges the provider of s once, recording the outcome in an
// AuditReport and marking s decayed on failure. s.Audits is regenerated when
// its challenges run out.
func (r *Renter) auditShard(ctx context.Context, s *ShardPointer) {
	log := r.log.With(zap.Stringer("hash", s.Hash), zap.String("peer", s.Service.Identity.ShortKey()))
	report := AuditReport{
		Reporter:  r.key.HostKey(),
		Provider:  s.Service.Identity,
		ShardHash: s.Hash,
		Expected:  s.Audits.Root,
	}

	// a previous regeneration may have failed
	if s.Audits.Exhausted() {
		if err := r.regenerateChallenges(ctx, s); err != nil {
			log.Warn("challenge regeneration failed", zap.Error(err))
			r.recordAudit(log, s, report)
			return
		}
		report.Expected = s.Audits.Root
	}

	challenge, index, _ := s.Audits.Next()
	report.Challenge = challenge
	proofs, err := r.client.Audit(ctx, s.Service, []renterhost.RPCAuditChallenge{{
		ShardHash: s.Hash,
		Challenge: challenge,
	}})
	if err != nil {
		log.Warn("audit request failed", zap.Error(err))
	} else if len(proofs) != 1 || proofs[0].ShardHash != s.Hash {
		log.Warn("provider returned malformed audit response")
	} else {
		report.Expected, report.Actual = merkle.Verify(proofs[0].Proof, index, s.Audits.Root, s.Audits.Depth)
	}
	report.Success = report.Expected == report.Actual
	r.recordAudit(log, s, report)

	if report.Success && s.Audits.Exhausted() {
		if err := r.regenerateChallenges(ctx, s); err != nil {
			log.Warn("challenge regeneration failed; retrying before next audit", zap.Error(err))
		}
	}
}

func (r *Renter) recordAudit(log *zap.Logger, s *ShardPointer, report AuditReport) {
	report.Timestamp = time.Now().Unix()
	if err := r.store.AddReport(report); err != nil {
		log.Error("could not save audit report", zap.Error(err))
	}
	if !report.Success {
		s.Decayed = true
		log.Warn("shard decayed")
	}
}

// checkRenewed verifies that a contract returned by RENEW is the proposed
// contract, co-signed by its provider.
func checkRenewed(proposal, renewed renterhost.ShardContract) error {
	if !renewed.IsComplete() {
		return renterhost.ErrInvalidSignature
	}
	for _, field := range renterhost.Diff(proposal, renewed) {
		if field != "providerSignature" {
			return errors.Errorf("provider modified contract field %v", field)
		}
	}
	return nil
}

// regenerateChallenges downloads s, builds fresh audit material for it, and
// renews the contract with the new audit leaves.
func (r *Renter) regenerateChallenges(ctx context.Context, s *ShardPointer) error {
	token, err := r.client.Retrieve(ctx, s.Service, s.Hash)
	if err != nil {
		return errors.Wrap(err, "retrieve failed")
	}
	rc, err := r.transport.Download(ctx, s.Service, s.Hash, token)
	if err != nil {
		return err
	}
	defer rc.Close()
	as := merkle.NewAuditStream(r.cfg.ChallengesPerShard)
	if _, err := io.Copy(as, io.LimitReader(rc, int64(s.Size)+1)); err != nil {
		return errors.Wrap(err, "could not read shard")
	}
	as.Close()
	if as.ShardHash() != s.Hash || uint64(as.Size()) != s.Size {
		return ErrBadChecksum
	}

	contract, err := r.store.Contract(s.Hash, s.Service.Identity)
	if err != nil {
		return errors.Wrap(err, "could not load contract")
	}
	contract.OwnerIdentity = r.key.HostKey()
	contract.OwnerParentKey = r.seed.ParentKey()
	contract.OwnerIndex = identity.IdentityIndex
	contract.AuditLeaves = as.PublicRecord()
	contract.Sign(renterhost.RoleOwner, r.key)
	renewed, err := r.client.Renew(ctx, s.Service, contract)
	if err != nil {
		return errors.Wrap(err, "renew failed")
	} else if err := checkRenewed(contract, renewed); err != nil {
		return err
	}
	renewed.LastAudit = time.Now().Unix()
	if err := r.store.SaveContract(renewed); err != nil {
		return errors.Wrap(err, "could not save renewed contract")
	}
	s.Audits = as.PrivateRecord()
	return nil
}

// rebuild recovers obj and replaces each decayed shard with a fresh copy on a
// different provider. Healthy shards are left untouched.
func (r *Renter) rebuild(ctx context.Context, obj *ObjectPointer) error {
	log := r.log.With(zap.String("object", obj.ID))
	var targets []int
	for i, s := range obj.Shards {
		if s.Decayed {
			targets = append(targets, i)
		}
	}
	log.Info("rebuilding decayed shards", zap.Ints("shards", targets))

	ec, err := NewErasureCodec(obj.Params())
	if err != nil {
		return err
	}
	buf, present, _, err := r.downloadShards(ctx, obj)
	if err != nil {
		return err
	}
	data, err := ec.Decode(buf, present)
	if err != nil {
		return err
	}
	shards, err := ec.Encode(data)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(r.stagingDir(obj.ID), 0700); err != nil {
		return errors.Wrap(err, "could not create staging directory")
	}
	defer os.RemoveAll(r.stagingDir(obj.ID))
	ps, err := r.newProviderSet()
	if err != nil {
		return err
	}
	for _, s := range obj.Shards {
		if !s.Decayed {
			ps.markUsed(s.Service.Identity)
		}
	}
	var proposals []shardProposal
	for _, i := range targets {
		sp, err := r.prepareShard(obj, i, shards[i])
		if err != nil {
			return err
		} else if sp.contract.ShardHash != obj.Shards[i].Hash {
			return errors.Wrapf(ErrBadChecksum, "reconstructed shard %v", i)
		}
		proposals = append(proposals, sp)
	}

	previous := func(index int) []hostdb.HostPublicKey {
		return []hostdb.HostPublicKey{obj.Shards[index].Service.Identity}
	}
	failed, err := r.placeShards(ctx, ps, proposals, previous, func(sp shardProposal, contact hostdb.Contact, contract renterhost.ShardContract) error {
		old := obj.Shards[sp.index]
		if err := r.store.SaveContract(contract); err != nil {
			return errors.Wrap(err, "could not save contract")
		}
		if err := r.store.DeleteContract(old.Hash, old.Service.Identity); err != nil && !errors.Is(err, ErrContractNotFound) {
			log.Warn("could not delete decayed contract", zap.Error(err))
		}
		obj.Shards[sp.index] = ShardPointer{
			Index:   sp.index,
			Hash:    contract.ShardHash,
			Size:    contract.ShardSize,
			Service: contact,
			Audits:  sp.record,
		}
		log.Info("shard rebuilt", zap.Int("index", sp.index), zap.String("peer", contact.Identity.ShortKey()))
		return nil
	})
	if err != nil {
		return err
	} else if len(failed) > 0 {
		return errors.Wrapf(ErrNoProviders, "could not rebuild shards %v", failed)
	}
	return nil
}
