// Package store provides persistent and in-memory implementations of the
// renter and host stores.
package store

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	bolt "go.etcd.io/bbolt"
	"lukechampine.com/farm/host"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/renter"
	"lukechampine.com/farm/renterhost"
)

// database buckets
var (
	// bucketObjects maps object IDs to ObjectPointers.
	bucketObjects = []byte("objects")

	// bucketContracts maps shard hash + provider identity to the owner's copy
	// of a ShardContract.
	bucketContracts = []byte("contracts")

	// bucketHostContracts maps shard hashes to the contracts co-signed by the
	// local provider.
	bucketHostContracts = []byte("hostContracts")

	// bucketReports contains AuditReports keyed by timestamp and sequence
	// number, so that iteration is in chronological order.
	bucketReports = []byte("reports")

	// bucketProfiles maps peer identities to PeerProfiles.
	bucketProfiles = []byte("profiles")

	dbBuckets = [][]byte{
		bucketObjects,
		bucketContracts,
		bucketHostContracts,
		bucketReports,
		bucketProfiles,
	}
)

func contractKey(hash crypto.Hash, provider hostdb.HostPublicKey) []byte {
	return append(append(make([]byte, 0, len(hash)+len(provider)), hash[:]...), provider...)
}

func reportKey(timestamp int64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(timestamp))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// BoltDBStore implements renter.Store with a Bolt key-value database. Values
// are stored as JSON.
type BoltDBStore struct {
	db *bolt.DB
}

func get(tx *bolt.Tx, bucket, key []byte, v interface{}) (bool, error) {
	b := tx.Bucket(bucket).Get(key)
	if b == nil {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func put(tx *bolt.Tx, bucket, key []byte, v interface{}) error {
	js, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, js)
}

// Object implements renter.Store.
func (s *BoltDBStore) Object(id string) (o renter.ObjectPointer, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketObjects, []byte(id), &o)
		if err == nil && !ok {
			err = renter.ErrObjectNotFound
		}
		return err
	})
	return
}

// SaveObject implements renter.Store.
func (s *BoltDBStore) SaveObject(o renter.ObjectPointer) error {
	if err := o.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid object")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketObjects, []byte(o.ID), o)
	})
}

// DeleteObject implements renter.Store.
func (s *BoltDBStore) DeleteObject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(id))
	})
}

// Objects implements renter.Store.
func (s *BoltDBStore) Objects() (objs []renter.ObjectPointer, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(_, v []byte) error {
			var o renter.ObjectPointer
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			objs = append(objs, o)
			return nil
		})
	})
	return
}

// Contract implements renter.Store.
func (s *BoltDBStore) Contract(hash crypto.Hash, provider hostdb.HostPublicKey) (c renterhost.ShardContract, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketContracts, contractKey(hash, provider), &c)
		if err == nil && !ok {
			err = renter.ErrContractNotFound
		}
		return err
	})
	return
}

// SaveContract implements renter.Store.
func (s *BoltDBStore) SaveContract(c renterhost.ShardContract) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid contract")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketContracts, contractKey(c.ShardHash, c.ProviderIdentity), c)
	})
}

// DeleteContract implements renter.Store.
func (s *BoltDBStore) DeleteContract(hash crypto.Hash, provider hostdb.HostPublicKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContracts).Delete(contractKey(hash, provider))
	})
}

// AddReport implements renter.Store.
func (s *BoltDBStore) AddReport(r renter.AuditReport) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bucketReports).NextSequence()
		if err != nil {
			return err
		}
		return put(tx, bucketReports, reportKey(r.Timestamp, seq), r)
	})
}

// Reports implements renter.Store. Reports are returned in chronological
// order.
func (s *BoltDBStore) Reports() (reports []renter.AuditReport, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReports).ForEach(func(_, v []byte) error {
			var r renter.AuditReport
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			reports = append(reports, r)
			return nil
		})
	})
	return
}

// PruneReports implements renter.Store.
func (s *BoltDBStore) PruneReports(before time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReports)
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if int64(binary.BigEndian.Uint64(k[:8])) >= before.Unix() {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveProfile implements renter.Store.
func (s *BoltDBStore) SaveProfile(p hostdb.PeerProfile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketProfiles, []byte(p.Contact.Identity), p)
	})
}

// Profiles implements renter.Store.
func (s *BoltDBStore) Profiles() (profiles []hostdb.PeerProfile, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(_, v []byte) error {
			var p hostdb.PeerProfile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			profiles = append(profiles, p)
			return nil
		})
	})
	return
}

// HostContracts returns a view of the store that implements
// host.ContractStore.
func (s *BoltDBStore) HostContracts() host.ContractStore {
	return boltHostContracts{s.db}
}

// Close closes the underlying database.
func (s *BoltDBStore) Close() error {
	return s.db.Close()
}

type boltHostContracts struct {
	db *bolt.DB
}

func (hc boltHostContracts) Contract(hash crypto.Hash) (c renterhost.ShardContract, err error) {
	err = hc.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketHostContracts, hash[:], &c)
		if err == nil && !ok {
			err = host.ErrContractNotFound
		}
		return err
	})
	return
}

func (hc boltHostContracts) SaveContract(c renterhost.ShardContract) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid contract")
	}
	return hc.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketHostContracts, c.ShardHash[:], c)
	})
}

func (hc boltHostContracts) DeleteContract(hash crypto.Hash) error {
	return hc.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHostContracts).Delete(hash[:])
	})
}

func (hc boltHostContracts) Contracts() (cs []renterhost.ShardContract, err error) {
	err = hc.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHostContracts).ForEach(func(_, v []byte) error {
			var c renterhost.ShardContract
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			cs = append(cs, c)
			return nil
		})
	})
	return
}

// NewBoltDBStore returns a BoltDBStore backed by the database at filename,
// creating it if necessary.
func NewBoltDBStore(filename string) (*BoltDBStore, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range dbBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDBStore{db: db}, nil
}
