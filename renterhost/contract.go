package renterhost

import (
	"bytes"
	"crypto/ed25519"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"lukechampine.com/farm/ed25519hash"
	"lukechampine.com/farm/hostdb"
)

// ContractVersion is the current ShardContract format.
const ContractVersion = 1

// A Role identifies one of the two signatories of a ShardContract.
type Role int

// Contract roles
const (
	RoleOwner Role = iota
	RoleProvider
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleProvider:
		return "provider"
	default:
		return "unknown"
	}
}

// Contract errors.
var (
	ErrInvalidSignature    = errors.New("invalid contract signature")
	ErrDisallowedDiff      = errors.New("contract renewal changes a protected field")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
)

// A ShardContract binds a shard to a storage agreement between its owner and
// a provider. It is complete once both parties have signed it.
//
// The Last* fields are local bookkeeping; they are neither signed nor
// compared during renewal.
type ShardContract struct {
	Version            uint64               `json:"version"`
	ShardHash          crypto.Hash          `json:"shardHash"`
	ShardSize          uint64               `json:"shardSize"`
	StoreEnd           int64                `json:"storeEnd"`
	OwnerIdentity      hostdb.HostPublicKey `json:"ownerIdentity"`
	OwnerParentKey     string               `json:"ownerParentKey"`
	OwnerIndex         uint64               `json:"ownerIndex"`
	OwnerSignature     []byte               `json:"ownerSignature"`
	ProviderIdentity   hostdb.HostPublicKey `json:"providerIdentity"`
	ProviderParentKey  string               `json:"providerParentKey"`
	ProviderIndex      uint64               `json:"providerIndex"`
	ProviderSignature  []byte               `json:"providerSignature"`
	AccessPolicies     []string             `json:"accessPolicies"`
	AuditLeaves        []crypto.Hash        `json:"auditLeaves"`
	FundingDestination string               `json:"fundingDestination"`

	LastAudit   int64 `json:"_lastAuditTimestamp"`
	LastAccess  int64 `json:"_lastAccessTimestamp"`
	LastFunding int64 `json:"_lastFundingTimestamp"`
}

// signedFields are the fields covered by the owner's signature. The
// provider's signature additionally covers its own identity fields.
type signedFields struct {
	Version            uint64
	ShardHash          crypto.Hash
	ShardSize          uint64
	StoreEnd           int64
	OwnerIdentity      hostdb.HostPublicKey
	OwnerParentKey     string
	OwnerIndex         uint64
	AccessPolicies     []string
	AuditLeaves        []crypto.Hash
	FundingDestination string
}

type providerFields struct {
	OwnerFields       crypto.Hash
	ProviderIdentity  hostdb.HostPublicKey
	ProviderParentKey string
	ProviderIndex     uint64
}

// SigHash returns the hash signed by role.
func (c *ShardContract) SigHash(role Role) crypto.Hash {
	sf := signedFields{
		Version:            c.Version,
		ShardHash:          c.ShardHash,
		ShardSize:          c.ShardSize,
		StoreEnd:           c.StoreEnd,
		OwnerIdentity:      c.OwnerIdentity,
		OwnerParentKey:     c.OwnerParentKey,
		OwnerIndex:         c.OwnerIndex,
		AccessPolicies:     c.AccessPolicies,
		AuditLeaves:        c.AuditLeaves,
		FundingDestination: c.FundingDestination,
	}
	ownerHash := crypto.HashObject(sf)
	if role == RoleOwner {
		return ownerHash
	}
	return crypto.HashObject(providerFields{
		OwnerFields:       ownerHash,
		ProviderIdentity:  c.ProviderIdentity,
		ProviderParentKey: c.ProviderParentKey,
		ProviderIndex:     c.ProviderIndex,
	})
}

// Sign signs the contract as role. The signer must hold the key of the
// corresponding identity for the signature to verify.
func (c *ShardContract) Sign(role Role, hs HashSigner) {
	sig := hs.SignHash(c.SigHash(role))
	if role == RoleOwner {
		c.OwnerSignature = sig
	} else {
		c.ProviderSignature = sig
	}
}

// Verify reports whether role's signature is present and valid.
func (c *ShardContract) Verify(role Role) bool {
	if role == RoleOwner {
		return c.OwnerIdentity.VerifyHash(c.SigHash(RoleOwner), c.OwnerSignature)
	}
	return c.ProviderIdentity.VerifyHash(c.SigHash(RoleProvider), c.ProviderSignature)
}

// IsComplete reports whether both signatures are present and valid.
func (c *ShardContract) IsComplete() bool {
	ownerKey, providerKey := c.OwnerIdentity.Ed25519(), c.ProviderIdentity.Ed25519()
	if ownerKey == nil || providerKey == nil {
		return false
	}
	return ed25519hash.VerifyBatch(
		[]ed25519.PublicKey{ownerKey, providerKey},
		[]crypto.Hash{c.SigHash(RoleOwner), c.SigHash(RoleProvider)},
		[][]byte{c.OwnerSignature, c.ProviderSignature},
	)
}

// Validate checks the structural validity of the contract. It does not check
// signatures.
func (c *ShardContract) Validate() error {
	switch {
	case c.Version != ContractVersion:
		return errors.Errorf("unsupported contract version %v", c.Version)
	case c.ShardHash == (crypto.Hash{}):
		return errors.New("missing shard hash")
	case c.ShardSize == 0:
		return errors.New("shard size must be positive")
	case c.StoreEnd <= 0:
		return errors.New("missing store end")
	case c.OwnerIdentity.Ed25519() == nil:
		return errors.Errorf("invalid owner identity %q", c.OwnerIdentity)
	case c.ProviderIdentity != "" && c.ProviderIdentity.Ed25519() == nil:
		return errors.Errorf("invalid provider identity %q", c.ProviderIdentity)
	case len(c.AuditLeaves) == 0:
		return errors.New("missing audit leaves")
	}
	return ValidatePolicies(c.AccessPolicies)
}

// Expired reports whether the contract's storage term has ended.
func (c *ShardContract) Expired(now time.Time) bool {
	return now.Unix() >= c.StoreEnd
}

// Grants reports whether requester may perform perm on the contract's shard.
// The owner is always permitted.
func (c *ShardContract) Grants(requester hostdb.HostPublicKey, perm Permission) bool {
	return requester == c.OwnerIdentity || HasGrant(c.AccessPolicies, requester, perm)
}

// Diff returns the names of the fields that differ between old and new, in
// declaration order. Local bookkeeping fields are ignored.
func Diff(old, new ShardContract) []string {
	var diff []string
	check := func(name string, changed bool) {
		if changed {
			diff = append(diff, name)
		}
	}
	check("version", old.Version != new.Version)
	check("shardHash", old.ShardHash != new.ShardHash)
	check("shardSize", old.ShardSize != new.ShardSize)
	check("storeEnd", old.StoreEnd != new.StoreEnd)
	check("ownerIdentity", old.OwnerIdentity != new.OwnerIdentity)
	check("ownerParentKey", old.OwnerParentKey != new.OwnerParentKey)
	check("ownerIndex", old.OwnerIndex != new.OwnerIndex)
	check("ownerSignature", !bytes.Equal(old.OwnerSignature, new.OwnerSignature))
	check("providerIdentity", old.ProviderIdentity != new.ProviderIdentity)
	check("providerParentKey", old.ProviderParentKey != new.ProviderParentKey)
	check("providerIndex", old.ProviderIndex != new.ProviderIndex)
	check("providerSignature", !bytes.Equal(old.ProviderSignature, new.ProviderSignature))
	check("accessPolicies", !stringsEqual(old.AccessPolicies, new.AccessPolicies))
	check("auditLeaves", !reflect.DeepEqual(nilIfEmpty(old.AuditLeaves), nilIfEmpty(new.AuditLeaves)))
	check("fundingDestination", old.FundingDestination != new.FundingDestination)
	return diff
}

// RenewAllowList is the set of fields that a renewal may change. The
// provider's signature is always replaced by the renewing provider.
var RenewAllowList = map[string]bool{
	"ownerSignature":    true,
	"ownerIdentity":     true,
	"ownerParentKey":    true,
	"ownerIndex":        true,
	"auditLeaves":       true,
	"accessPolicies":    true,
	"providerSignature": true,
}

// CheckRenewal returns ErrDisallowedDiff if new changes any field of old that
// is not in RenewAllowList.
func CheckRenewal(old, new ShardContract) error {
	for _, field := range Diff(old, new) {
		if !RenewAllowList[field] {
			return errors.Wrapf(ErrDisallowedDiff, "field %v", field)
		}
	}
	return nil
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nilIfEmpty(hs []crypto.Hash) []crypto.Hash {
	if len(hs) == 0 {
		return nil
	}
	return hs
}
