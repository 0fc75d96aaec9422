package store

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"lukechampine.com/farm/host"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/renter"
	"lukechampine.com/farm/renterhost"
)

type contractID struct {
	hash     crypto.Hash
	provider hostdb.HostPublicKey
}

// EphemeralStore implements renter.Store in memory.
type EphemeralStore struct {
	mu            sync.Mutex
	objects       map[string]renter.ObjectPointer
	contracts     map[contractID]renterhost.ShardContract
	hostContracts map[crypto.Hash]renterhost.ShardContract
	reports       []renter.AuditReport
	profiles      map[hostdb.HostPublicKey]hostdb.PeerProfile
}

// Records are deep-copied on the way in and out, so that callers cannot
// mutate stored state.
func copyObject(o renter.ObjectPointer) renter.ObjectPointer {
	o.Policies = append([]string(nil), o.Policies...)
	if o.ECPrv != nil {
		prv := *o.ECPrv
		o.ECPrv = &prv
	}
	shards := make([]renter.ShardPointer, len(o.Shards))
	for i, s := range o.Shards {
		s.Audits.Challenges = append(s.Audits.Challenges[:0:0], s.Audits.Challenges...)
		shards[i] = s
	}
	o.Shards = shards
	return o
}

func copyContract(c renterhost.ShardContract) renterhost.ShardContract {
	c.OwnerSignature = append([]byte(nil), c.OwnerSignature...)
	c.ProviderSignature = append([]byte(nil), c.ProviderSignature...)
	c.AccessPolicies = append([]string(nil), c.AccessPolicies...)
	c.AuditLeaves = append([]crypto.Hash(nil), c.AuditLeaves...)
	return c
}

// Object implements renter.Store.
func (s *EphemeralStore) Object(id string) (renter.ObjectPointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return renter.ObjectPointer{}, renter.ErrObjectNotFound
	}
	return copyObject(o), nil
}

// SaveObject implements renter.Store.
func (s *EphemeralStore) SaveObject(o renter.ObjectPointer) error {
	if err := o.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid object")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[o.ID] = copyObject(o)
	return nil
}

// DeleteObject implements renter.Store.
func (s *EphemeralStore) DeleteObject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, id)
	return nil
}

// Objects implements renter.Store. Objects are returned in creation order.
func (s *EphemeralStore) Objects() ([]renter.ObjectPointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs := make([]renter.ObjectPointer, 0, len(s.objects))
	for _, o := range s.objects {
		objs = append(objs, copyObject(o))
	}
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].Created != objs[j].Created {
			return objs[i].Created < objs[j].Created
		}
		return objs[i].ID < objs[j].ID
	})
	return objs, nil
}

// Contract implements renter.Store.
func (s *EphemeralStore) Contract(hash crypto.Hash, provider hostdb.HostPublicKey) (renterhost.ShardContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[contractID{hash, provider}]
	if !ok {
		return renterhost.ShardContract{}, renter.ErrContractNotFound
	}
	return copyContract(c), nil
}

// SaveContract implements renter.Store.
func (s *EphemeralStore) SaveContract(c renterhost.ShardContract) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid contract")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[contractID{c.ShardHash, c.ProviderIdentity}] = copyContract(c)
	return nil
}

// DeleteContract implements renter.Store.
func (s *EphemeralStore) DeleteContract(hash crypto.Hash, provider hostdb.HostPublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contracts, contractID{hash, provider})
	return nil
}

// AddReport implements renter.Store.
func (s *EphemeralStore) AddReport(r renter.AuditReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// keep reports sorted by timestamp, preserving insertion order for ties
	i := sort.Search(len(s.reports), func(i int) bool { return s.reports[i].Timestamp > r.Timestamp })
	s.reports = append(s.reports, renter.AuditReport{})
	copy(s.reports[i+1:], s.reports[i:])
	s.reports[i] = r
	return nil
}

// Reports implements renter.Store.
func (s *EphemeralStore) Reports() ([]renter.AuditReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]renter.AuditReport(nil), s.reports...), nil
}

// PruneReports implements renter.Store.
func (s *EphemeralStore) PruneReports(before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.reports), func(i int) bool { return s.reports[i].Timestamp >= before.Unix() })
	s.reports = append(s.reports[:0:0], s.reports[i:]...)
	return nil
}

// SaveProfile implements renter.Store.
func (s *EphemeralStore) SaveProfile(p hostdb.PeerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Contact.Identity] = p
	return nil
}

// Profiles implements renter.Store.
func (s *EphemeralStore) Profiles() ([]hostdb.PeerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles := make([]hostdb.PeerProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Contact.Identity < profiles[j].Contact.Identity
	})
	return profiles, nil
}

// HostContracts returns a view of the store that implements
// host.ContractStore.
func (s *EphemeralStore) HostContracts() host.ContractStore {
	return ephemeralHostContracts{s}
}

type ephemeralHostContracts struct {
	s *EphemeralStore
}

func (hc ephemeralHostContracts) Contract(hash crypto.Hash) (renterhost.ShardContract, error) {
	hc.s.mu.Lock()
	defer hc.s.mu.Unlock()
	c, ok := hc.s.hostContracts[hash]
	if !ok {
		return renterhost.ShardContract{}, host.ErrContractNotFound
	}
	return copyContract(c), nil
}

func (hc ephemeralHostContracts) SaveContract(c renterhost.ShardContract) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid contract")
	}
	hc.s.mu.Lock()
	defer hc.s.mu.Unlock()
	hc.s.hostContracts[c.ShardHash] = copyContract(c)
	return nil
}

func (hc ephemeralHostContracts) DeleteContract(hash crypto.Hash) error {
	hc.s.mu.Lock()
	defer hc.s.mu.Unlock()
	delete(hc.s.hostContracts, hash)
	return nil
}

func (hc ephemeralHostContracts) Contracts() ([]renterhost.ShardContract, error) {
	hc.s.mu.Lock()
	defer hc.s.mu.Unlock()
	cs := make([]renterhost.ShardContract, 0, len(hc.s.hostContracts))
	for _, c := range hc.s.hostContracts {
		cs = append(cs, copyContract(c))
	}
	return cs, nil
}

// NewEphemeralStore returns a new EphemeralStore.
func NewEphemeralStore() *EphemeralStore {
	return &EphemeralStore{
		objects:       make(map[string]renter.ObjectPointer),
		contracts:     make(map[contractID]renterhost.ShardContract),
		hostContracts: make(map[crypto.Hash]renterhost.ShardContract),
		profiles:      make(map[hostdb.HostPublicKey]hostdb.PeerProfile),
	}
}
