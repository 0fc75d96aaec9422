package renterhost

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/mod/semver"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/merkle"
	"lukechampine.com/frand"
)

// ProtocolVersion is the version of the protocol spoken by this package. Peers
// are compatible if their versions share a major version.
const ProtocolVersion = "v1.0.0"

// CompatibleVersion reports whether v is compatible with ProtocolVersion.
func CompatibleVersion(v string) bool {
	return semver.IsValid(v) && semver.Major(v) == semver.Major(ProtocolVersion)
}

// A Peer is the identity presented by the remote party of a Session.
type Peer struct {
	Identity  hostdb.HostPublicKey
	Protocol  string
	UserAgent string
}

// RPC IDs
var (
	RPCClaimID    = newSpecifier("Claim")
	RPCConsignID  = newSpecifier("Consign")
	RPCRetrieveID = newSpecifier("Retrieve")
	RPCAuditID    = newSpecifier("Audit")
	RPCRenewID    = newSpecifier("Renew")
	RPCCapacityID = newSpecifier("Capacity")
)

// An RPCError may be sent instead of a response object to any RPC.
type RPCError struct {
	Type        Specifier
	Description string // human-readable error string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return e.Description
}

// RPC error types
var (
	ErrTypeValidation   = newSpecifier("Validation")
	ErrTypeCapacity     = newSpecifier("Capacity")
	ErrTypeUnauthorized = newSpecifier("Unauthorized")
	ErrTypeNotFound     = newSpecifier("NotFound")
	ErrTypeInternal     = newSpecifier("Internal")
)

// NewRPCError returns an *RPCError of the given type.
func NewRPCError(t Specifier, format string, args ...interface{}) *RPCError {
	return &RPCError{
		Type:        t,
		Description: fmt.Sprintf(format, args...),
	}
}

// IsRPCErrorType reports whether err is, or wraps, an *RPCError of type t.
func IsRPCErrorType(err error, t Specifier) bool {
	var re *RPCError
	return errors.As(err, &re) && re.Type == t
}

// A Token is a single-use credential for one shard transfer.
type Token [16]byte

// NewToken returns a random Token.
func NewToken() (t Token) {
	frand.Read(t[:])
	return
}

// String implements fmt.Stringer.
func (t Token) String() string { return hex.EncodeToString(t[:]) }

// ParseToken parses a hex-encoded Token.
func ParseToken(s string) (t Token, err error) {
	if hex.DecodedLen(len(s)) != len(t) {
		return Token{}, errors.New("wrong token length")
	}
	_, err = hex.Decode(t[:], []byte(s))
	return
}

// RPC request/response objects
type (
	// RPCClaimRequest proposes an owner-signed contract to a provider.
	RPCClaimRequest struct {
		Contract ShardContract
	}

	// RPCClaimResponse contains the co-signed contract and a consignment
	// token for the shard it covers.
	RPCClaimResponse struct {
		Contract ShardContract
		Token    Token
	}

	// RPCTokenRequest requests a consignment or retrieval token for a shard.
	RPCTokenRequest struct {
		ShardHash crypto.Hash
	}

	// RPCTokenResponse contains a transfer token.
	RPCTokenResponse struct {
		Token Token
	}

	// RPCAuditChallenge asks the provider to prove possession of a shard.
	RPCAuditChallenge struct {
		ShardHash crypto.Hash
		Challenge merkle.Challenge
	}

	// RPCAuditRequest contains the challenges of the Audit RPC.
	RPCAuditRequest struct {
		Challenges []RPCAuditChallenge
	}

	// RPCAuditProof is the provider's answer to one RPCAuditChallenge. The
	// proof is empty if the provider could not or would not answer.
	RPCAuditProof struct {
		ShardHash crypto.Hash
		Proof     merkle.Proof
	}

	// RPCAuditResponse contains one proof per challenge, in request order.
	RPCAuditResponse struct {
		Proofs []RPCAuditProof
	}

	// RPCRenewRequest carries an updated, owner-signed contract.
	RPCRenewRequest struct {
		Contract ShardContract
	}

	// RPCRenewResponse contains the renewed, co-signed contract.
	RPCRenewResponse struct {
		Contract ShardContract
	}

	// RPCCapacityResponse contains the provider's signed capacity
	// announcement.
	RPCCapacityResponse struct {
		Announcement hostdb.CapacityAnnouncement
	}
)
