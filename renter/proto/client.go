package proto

import (
	"context"
	"time"

	"gitlab.com/NebulousLabs/Sia/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/renterhost"
)

// A Client performs RPCs against providers, dialing a fresh session for each
// call.
type Client struct {
	Dialer
}

// NewClient returns a Client that authenticates with key.
func NewClient(key renterhost.PeerKey, proxyAddr string, timeout time.Duration) *Client {
	return &Client{Dialer{
		Key:     key,
		Proxy:   proxyAddr,
		Timeout: timeout,
	}}
}

func (c *Client) withSession(ctx context.Context, contact hostdb.Contact, fn func(*Session) error) error {
	s, err := c.Dial(ctx, contact)
	if err != nil {
		return err
	}
	defer s.Close()
	// honor cancellation while the RPC is in flight
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return fn(s)
}

// Claim implements renter.ProtocolClient.
func (c *Client) Claim(ctx context.Context, contact hostdb.Contact, contract renterhost.ShardContract) (signed renterhost.ShardContract, token renterhost.Token, err error) {
	err = c.withSession(ctx, contact, func(s *Session) (err error) {
		signed, token, err = s.Claim(contract)
		return
	})
	return
}

// Consign implements renter.ProtocolClient.
func (c *Client) Consign(ctx context.Context, contact hostdb.Contact, hash crypto.Hash) (token renterhost.Token, err error) {
	err = c.withSession(ctx, contact, func(s *Session) (err error) {
		token, err = s.Consign(hash)
		return
	})
	return
}

// Retrieve implements renter.ProtocolClient.
func (c *Client) Retrieve(ctx context.Context, contact hostdb.Contact, hash crypto.Hash) (token renterhost.Token, err error) {
	err = c.withSession(ctx, contact, func(s *Session) (err error) {
		token, err = s.Retrieve(hash)
		return
	})
	return
}

// Audit implements renter.ProtocolClient.
func (c *Client) Audit(ctx context.Context, contact hostdb.Contact, challenges []renterhost.RPCAuditChallenge) (proofs []renterhost.RPCAuditProof, err error) {
	err = c.withSession(ctx, contact, func(s *Session) (err error) {
		proofs, err = s.Audit(challenges)
		return
	})
	return
}

// Renew implements renter.ProtocolClient.
func (c *Client) Renew(ctx context.Context, contact hostdb.Contact, contract renterhost.ShardContract) (signed renterhost.ShardContract, err error) {
	err = c.withSession(ctx, contact, func(s *Session) (err error) {
		signed, err = s.Renew(contract)
		return
	})
	return
}

// Capacity implements renter.ProtocolClient. The returned announcement is
// checked against the contacted identity and its signature.
func (c *Client) Capacity(ctx context.Context, contact hostdb.Contact) (a hostdb.CapacityAnnouncement, err error) {
	err = c.withSession(ctx, contact, func(s *Session) (err error) {
		a, err = s.Capacity()
		return
	})
	if err == nil {
		err = checkAnnouncement(contact, a)
	}
	return
}

// A ScanResult is the outcome of querying a single provider's capacity.
type ScanResult struct {
	Contact      hostdb.Contact
	Announcement hostdb.CapacityAnnouncement
	Err          error
}

// Scan queries the capacity of each contact concurrently, at most limit at a
// time. The results are returned in the same order as contacts.
func (c *Client) Scan(ctx context.Context, contacts []hostdb.Contact, limit int, log *zap.Logger) []ScanResult {
	if log == nil {
		log = zap.NewNop()
	}
	results := make([]ScanResult, len(contacts))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range contacts {
		i := i
		g.Go(func() error {
			a, err := c.Capacity(ctx, contacts[i])
			results[i] = ScanResult{Contact: contacts[i], Announcement: a, Err: err}
			if err != nil {
				log.Debug("capacity scan failed", zap.String("peer", contacts[i].Identity.ShortKey()), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
	return results
}
