package renter

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/frand"
)

// ErrNoProviders is returned when no known provider can accept a shard.
var ErrNoProviders = errors.New("no providers with sufficient capacity")

// A providerSet is a snapshot of the providers eligible for new shards during
// a single distribution or rebuild. Providers already chosen for other shards
// of the same object are avoided when possible.
type providerSet struct {
	mu       sync.Mutex
	profiles []hostdb.PeerProfile
	used     map[hostdb.HostPublicKey]bool
}

// newProviderSet loads the fresh, trusted profiles known to the renter.
func (r *Renter) newProviderSet() (*providerSet, error) {
	profiles, err := r.store.Profiles()
	if err != nil {
		return nil, errors.Wrap(err, "could not load peer profiles")
	}
	reports, err := r.store.Reports()
	if err != nil {
		return nil, errors.Wrap(err, "could not load audit reports")
	}
	reps := Reputations(reports)
	now := time.Now()
	ps := &providerSet{used: make(map[hostdb.HostPublicKey]bool)}
	for _, p := range profiles {
		if p.Contact.Identity == r.key.HostKey() {
			continue
		} else if !p.Fresh(now, r.cfg.ProfileFreshness) {
			continue
		} else if !reps[p.Contact.Identity].Trusted(r.cfg.MinReports) {
			r.log.Debug("skipping untrusted provider", zap.String("peer", p.Contact.Identity.ShortKey()))
			continue
		}
		ps.profiles = append(ps.profiles, p)
	}
	return ps, nil
}

// markUsed records that a provider holds a shard of the object.
func (ps *providerSet) markUsed(id hostdb.HostPublicKey) {
	ps.mu.Lock()
	ps.used[id] = true
	ps.mu.Unlock()
}

// choose selects a random provider with at least size bytes available that
// is not in exclude, preferring providers that do not yet hold a shard of the
// object.
func (ps *providerSet) choose(size uint64, exclude map[hostdb.HostPublicKey]bool) (hostdb.Contact, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var fresh, reused []hostdb.Contact
	for _, p := range ps.profiles {
		if p.Available < size || exclude[p.Contact.Identity] {
			continue
		}
		if ps.used[p.Contact.Identity] {
			reused = append(reused, p.Contact)
		} else {
			fresh = append(fresh, p.Contact)
		}
	}
	candidates := fresh
	if len(candidates) == 0 {
		candidates = reused
	}
	if len(candidates) == 0 {
		return hostdb.Contact{}, ErrNoProviders
	}
	c := candidates[frand.Intn(len(candidates))]
	ps.used[c.Identity] = true
	return c, nil
}
