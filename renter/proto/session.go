package proto

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/renterhost"
)

// maxResponseSize bounds the size of RPC responses. Audit responses carry one
// Merkle path per challenge; claim and renew responses carry a contract.
const maxResponseSize = 1 << 20

// wrapResponseErr formats RPC response errors nicely, wrapping them in either
// readCtx or rejectCtx depending on whether we encountered an I/O error or the
// host sent an explicit error message.
func wrapResponseErr(err error, readCtx, rejectCtx string) error {
	if err == nil {
		return nil
	}
	var re *renterhost.RPCError
	if errors.As(err, &re) {
		return errors.Wrap(err, rejectCtx)
	}
	return errors.Wrap(err, readCtx)
}

func wrapErr(err *error, fnName string) {
	if *err != nil {
		*err = errors.Wrap(*err, fnName)
	}
}

// A Session is an ongoing exchange of RPCs with a provider.
type Session struct {
	sess    *renterhost.Session
	conn    net.Conn
	contact hostdb.Contact
	timeout time.Duration
}

// Contact returns the contact of the provider.
func (s *Session) Contact() hostdb.Contact { return s.contact }

func (s *Session) extendDeadline(d time.Duration) {
	_ = s.conn.SetDeadline(time.Now().Add(d))
}

// call is a helper method that writes a request and then reads a response.
func (s *Session) call(rpcID renterhost.Specifier, req, resp renterhost.ProtocolObject) error {
	s.extendDeadline(s.timeout)
	if err := s.sess.WriteRequest(rpcID, req); err != nil {
		return err
	}
	err := s.sess.ReadResponse(resp, maxResponseSize)
	return wrapResponseErr(err, fmt.Sprintf("couldn't read %v response", rpcID), fmt.Sprintf("provider rejected %v request", rpcID))
}

// Claim proposes an owner-signed contract to the provider, returning the
// co-signed contract and a consignment token for its shard.
func (s *Session) Claim(contract renterhost.ShardContract) (_ renterhost.ShardContract, _ renterhost.Token, err error) {
	defer wrapErr(&err, "Claim")
	var resp renterhost.RPCClaimResponse
	if err := s.call(renterhost.RPCClaimID, &renterhost.RPCClaimRequest{Contract: contract}, &resp); err != nil {
		return renterhost.ShardContract{}, renterhost.Token{}, err
	}
	return resp.Contract, resp.Token, nil
}

// Consign requests a token for uploading the shard with the given hash.
func (s *Session) Consign(hash crypto.Hash) (_ renterhost.Token, err error) {
	defer wrapErr(&err, "Consign")
	var resp renterhost.RPCTokenResponse
	err = s.call(renterhost.RPCConsignID, &renterhost.RPCTokenRequest{ShardHash: hash}, &resp)
	return resp.Token, err
}

// Retrieve requests a token for downloading the shard with the given hash.
func (s *Session) Retrieve(hash crypto.Hash) (_ renterhost.Token, err error) {
	defer wrapErr(&err, "Retrieve")
	var resp renterhost.RPCTokenResponse
	err = s.call(renterhost.RPCRetrieveID, &renterhost.RPCTokenRequest{ShardHash: hash}, &resp)
	return resp.Token, err
}

// Audit challenges the provider to prove possession of one or more shards.
// The provider answers every challenge, possibly with an empty proof.
func (s *Session) Audit(challenges []renterhost.RPCAuditChallenge) (_ []renterhost.RPCAuditProof, err error) {
	defer wrapErr(&err, "Audit")
	var resp renterhost.RPCAuditResponse
	if err := s.call(renterhost.RPCAuditID, &renterhost.RPCAuditRequest{Challenges: challenges}, &resp); err != nil {
		return nil, err
	} else if len(resp.Proofs) != len(challenges) {
		return nil, errors.Errorf("provider returned %v proofs for %v challenges", len(resp.Proofs), len(challenges))
	}
	return resp.Proofs, nil
}

// Renew sends an updated, owner-signed contract to the provider, returning
// the co-signed result.
func (s *Session) Renew(contract renterhost.ShardContract) (_ renterhost.ShardContract, err error) {
	defer wrapErr(&err, "Renew")
	var resp renterhost.RPCRenewResponse
	err = s.call(renterhost.RPCRenewID, &renterhost.RPCRenewRequest{Contract: contract}, &resp)
	return resp.Contract, err
}

// Capacity requests the provider's signed capacity announcement.
func (s *Session) Capacity() (_ hostdb.CapacityAnnouncement, err error) {
	defer wrapErr(&err, "Capacity")
	var resp renterhost.RPCCapacityResponse
	err = s.call(renterhost.RPCCapacityID, nil, &resp)
	return resp.Announcement, err
}

// Close gracefully terminates the session and closes the underlying
// connection.
func (s *Session) Close() error {
	return s.sess.Close()
}

func checkAnnouncement(c hostdb.Contact, a hostdb.CapacityAnnouncement) error {
	if a.Contact.Identity != c.Identity {
		return errors.Errorf("announcement is for %v, not %v", a.Contact.Identity.ShortKey(), c.Identity.ShortKey())
	} else if !a.Verify() {
		return errors.Wrap(renterhost.ErrInvalidSignature, "announcement")
	}
	return nil
}
