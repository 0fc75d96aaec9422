package renterhost

import (
	"strings"

	"github.com/pkg/errors"
	"lukechampine.com/farm/hostdb"
)

// A Permission names an operation that a peer may perform on a shard.
type Permission string

// Permissions
const (
	PermAudit    Permission = "AUDIT"
	PermConsign  Permission = "CONSIGN"
	PermRetrieve Permission = "RETRIEVE"
)

// ScopePeer is the policy scope whose identifier is a peer identity.
const ScopePeer = "peer"

// A Policy grants a Permission to the identities matched by Scope and
// Identifier. A Policy with an empty scope and identifier is public.
type Policy struct {
	Scope      string
	Identifier string
	Permission Permission
}

// String implements fmt.Stringer.
func (p Policy) String() string {
	return p.Scope + ":" + p.Identifier + ":" + string(p.Permission)
}

// IsPublic reports whether the policy applies to every requester.
func (p Policy) IsPublic() bool {
	return p.Scope == "" && p.Identifier == ""
}

// Matches reports whether the policy grants perm to the requester.
func (p Policy) Matches(requester hostdb.HostPublicKey, perm Permission) bool {
	if p.Permission != perm {
		return false
	}
	return p.IsPublic() || (p.Scope == ScopePeer && p.Identifier == string(requester))
}

// ParsePolicy parses a policy of the form scope:identifier:PERMISSION. The
// identifier may itself contain colons.
func ParsePolicy(s string) (Policy, error) {
	first := strings.IndexByte(s, ':')
	last := strings.LastIndexByte(s, ':')
	if first < 0 || first == last {
		return Policy{}, errors.Errorf("malformed policy %q", s)
	}
	p := Policy{
		Scope:      s[:first],
		Identifier: s[first+1 : last],
		Permission: Permission(s[last+1:]),
	}
	switch p.Permission {
	case PermAudit, PermConsign, PermRetrieve:
	default:
		return Policy{}, errors.Errorf("policy %q has unknown permission", s)
	}
	if (p.Scope == "") != (p.Identifier == "") {
		return Policy{}, errors.Errorf("policy %q must have both a scope and an identifier, or neither", s)
	}
	return p, nil
}

// ValidatePolicies returns an error if any policy is malformed.
func ValidatePolicies(policies []string) error {
	for _, s := range policies {
		if _, err := ParsePolicy(s); err != nil {
			return err
		}
	}
	return nil
}

// HasGrant reports whether any of the policies grants perm to the requester.
// Malformed policies are ignored.
func HasGrant(policies []string, requester hostdb.HostPublicKey, perm Permission) bool {
	for _, s := range policies {
		if p, err := ParsePolicy(s); err == nil && p.Matches(requester, perm) {
			return true
		}
	}
	return false
}

// PeerPolicy returns a policy granting perm to a single peer.
func PeerPolicy(peer hostdb.HostPublicKey, perm Permission) string {
	return Policy{Scope: ScopePeer, Identifier: string(peer), Permission: perm}.String()
}

// PublicPolicy returns a policy granting perm to everyone.
func PublicPolicy(perm Permission) string {
	return Policy{Permission: perm}.String()
}

// OwnerPolicies returns policies granting every permission to owner, followed
// by any extra policies not already present.
func OwnerPolicies(owner hostdb.HostPublicKey, extra []string) []string {
	policies := []string{
		PeerPolicy(owner, PermAudit),
		PeerPolicy(owner, PermConsign),
		PeerPolicy(owner, PermRetrieve),
	}
	seen := make(map[string]bool)
	for _, p := range policies {
		seen[p] = true
	}
	for _, p := range extra {
		if !seen[p] {
			seen[p] = true
			policies = append(policies, p)
		}
	}
	return policies
}
