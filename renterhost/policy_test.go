package renterhost

import (
	"testing"

	"lukechampine.com/farm/hostdb"
)

func TestParsePolicy(t *testing.T) {
	peer := hostdb.HostPublicKey("ed25519:0102")
	tests := []struct {
		s     string
		valid bool
		p     Policy
	}{
		{"::AUDIT", true, Policy{Permission: PermAudit}},
		{"peer:ed25519:0102:RETRIEVE", true, Policy{ScopePeer, string(peer), PermRetrieve}},
		{"user:alice:CONSIGN", true, Policy{"user", "alice", PermConsign}},
		{"", false, Policy{}},
		{"AUDIT", false, Policy{}},
		{"peer:AUDIT", false, Policy{}},
		{"::DELETE", false, Policy{}},
		{"peer::AUDIT", false, Policy{}},
		{":foo:AUDIT", false, Policy{}},
	}
	for _, test := range tests {
		p, err := ParsePolicy(test.s)
		if (err == nil) != test.valid {
			t.Errorf("%q: expected valid=%v, got %v", test.s, test.valid, err)
		} else if test.valid {
			if p != test.p {
				t.Errorf("%q: parsed incorrectly: %+v", test.s, p)
			} else if p.String() != test.s {
				t.Errorf("%q: did not survive round trip: %q", test.s, p.String())
			}
		}
	}
}

func TestHasGrant(t *testing.T) {
	alice := hostdb.HostPublicKey("ed25519:aa")
	bob := hostdb.HostPublicKey("ed25519:bb")
	policies := []string{
		PeerPolicy(alice, PermConsign),
		PublicPolicy(PermAudit),
		"garbage",
		"user:bob:RETRIEVE",
	}
	tests := []struct {
		peer  hostdb.HostPublicKey
		perm  Permission
		grant bool
	}{
		{alice, PermConsign, true},
		{bob, PermConsign, false},
		{alice, PermAudit, true},
		{bob, PermAudit, true},
		{bob, PermRetrieve, false},
	}
	for _, test := range tests {
		if HasGrant(policies, test.peer, test.perm) != test.grant {
			t.Errorf("HasGrant(%v, %v): expected %v", test.peer, test.perm, test.grant)
		}
	}
	if HasGrant(nil, alice, PermAudit) {
		t.Error("empty policy list should grant nothing")
	}
}

func TestOwnerPolicies(t *testing.T) {
	owner := hostdb.HostPublicKey("ed25519:aa")
	extra := []string{PublicPolicy(PermRetrieve), PeerPolicy(owner, PermAudit)}
	policies := OwnerPolicies(owner, extra)
	if len(policies) != 4 {
		t.Fatal("expected 4 policies, got", policies)
	}
	for _, perm := range []Permission{PermAudit, PermConsign, PermRetrieve} {
		if !HasGrant(policies, owner, perm) {
			t.Errorf("owner lacks %v", perm)
		}
	}
	if err := ValidatePolicies(policies); err != nil {
		t.Fatal(err)
	}
}

func TestCompatibleVersion(t *testing.T) {
	for v, ok := range map[string]bool{
		ProtocolVersion: true,
		"v1.4.2":        true,
		"v2.0.0":        false,
		"v0.9.0":        false,
		"1.0.0":         false,
		"":              false,
	} {
		if CompatibleVersion(v) != ok {
			t.Errorf("CompatibleVersion(%q): expected %v", v, ok)
		}
	}
}
