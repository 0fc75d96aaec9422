package renter

import (
	"gitlab.com/NebulousLabs/Sia/crypto"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/merkle"
)

// An AuditReport records the outcome of one audit round. Reports are never
// modified; they are aggregated into reputations and eventually pruned.
type AuditReport struct {
	Reporter  hostdb.HostPublicKey `json:"reporter"`
	Provider  hostdb.HostPublicKey `json:"provider"`
	ShardHash crypto.Hash          `json:"shardHash"`
	Challenge merkle.Challenge     `json:"challenge"`
	Expected  crypto.Hash          `json:"expected"`
	Actual    crypto.Hash          `json:"actual"`
	Timestamp int64                `json:"timestamp"`
	Success   bool                 `json:"success"`
}

// A Reputation aggregates the audit reports for a single provider.
type Reputation struct {
	Successes int
	Failures  int
}

// Trusted reports whether the provider should be considered for new shards.
// Providers with fewer than minReports reports are trusted by default;
// otherwise at most half of their audits may have failed.
func (r Reputation) Trusted(minReports int) bool {
	total := r.Successes + r.Failures
	return total < minReports || r.Failures*2 <= total
}

// Reputations aggregates reports by provider.
func Reputations(reports []AuditReport) map[hostdb.HostPublicKey]Reputation {
	m := make(map[hostdb.HostPublicKey]Reputation)
	for _, r := range reports {
		rep := m[r.Provider]
		if r.Success {
			rep.Successes++
		} else {
			rep.Failures++
		}
		m[r.Provider] = rep
	}
	return m
}
