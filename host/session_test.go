package host_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"lukechampine.com/farm/internal/ghost"
	"lukechampine.com/farm/merkle"
	"lukechampine.com/farm/renter"
	"lukechampine.com/farm/renter/proto"
	"lukechampine.com/farm/renterhost"
)

func TestSession(t *testing.T) {
	g := ghost.New(t, 1<<20)
	owner := newTestOwner()
	client := proto.NewClient(owner.key, "", 10*time.Second)
	transport := renter.NewHTTPTransport(client.DialContext, 10*time.Second)
	ctx := context.Background()

	a, err := client.Capacity(ctx, g.Contact)
	require.NoError(t, err)
	require.Equal(t, g.Contact, a.Contact)
	require.EqualValues(t, 1<<20, a.Available)

	proposal, shard, priv := owner.propose(t, 752)
	contract, token, err := client.Claim(ctx, g.Contact, proposal)
	require.NoError(t, err)
	require.True(t, contract.IsComplete())
	require.NoError(t, transport.Upload(ctx, g.Contact, proposal.ShardHash, token, bytes.NewReader(shard)))

	// audit every challenge in the record
	for !priv.Exhausted() {
		c, index, _ := priv.Next()
		proofs, err := client.Audit(ctx, g.Contact, []renterhost.RPCAuditChallenge{{ShardHash: proposal.ShardHash, Challenge: c}})
		require.NoError(t, err)
		expected, actual := merkle.Verify(proofs[0].Proof, index, priv.Root, priv.Depth)
		require.Equal(t, expected, actual)
	}

	token, err = client.Retrieve(ctx, g.Contact, proposal.ShardHash)
	require.NoError(t, err)
	rc, err := transport.Download(ctx, g.Contact, proposal.ShardHash, token)
	require.NoError(t, err)
	data, _ := ioutil.ReadAll(rc)
	rc.Close()
	require.Equal(t, shard, data)

	// rejected RPCs surface as typed errors
	update := contract
	update.ShardSize++
	update.Sign(renterhost.RoleOwner, owner.key)
	_, err = client.Renew(ctx, g.Contact, update)
	require.True(t, renterhost.IsRPCErrorType(err, renterhost.ErrTypeValidation), "expected validation error, got %v", err)

	update = contract
	update.AccessPolicies = append(update.AccessPolicies, renterhost.PublicPolicy(renterhost.PermRetrieve))
	update.Sign(renterhost.RoleOwner, owner.key)
	renewed, err := client.Renew(ctx, g.Contact, update)
	require.NoError(t, err)
	require.True(t, renewed.IsComplete())

	stranger := newTestOwner()
	_, err = proto.NewClient(stranger.key, "", 10*time.Second).Consign(ctx, g.Contact, proposal.ShardHash)
	require.True(t, renterhost.IsRPCErrorType(err, renterhost.ErrTypeUnauthorized), "expected unauthorized error, got %v", err)

	// closed hosts are unreachable
	g.Close()
	_, err = client.Capacity(ctx, g.Contact)
	require.Error(t, err)
}

func TestSessionWrongHost(t *testing.T) {
	g1 := ghost.New(t, 1<<20)
	g2 := ghost.New(t, 1<<20)
	owner := newTestOwner()
	client := proto.NewClient(owner.key, "", 10*time.Second)

	// dialing g1's address while expecting g2's identity fails the handshake
	c := g1.Contact
	c.Identity = g2.Contact.Identity
	_, err := client.Capacity(context.Background(), c)
	require.Error(t, err)
}

func TestSessionMultipleRPCs(t *testing.T) {
	g := ghost.New(t, 1<<20)
	owner := newTestOwner()
	d := proto.Dialer{Key: owner.key, Timeout: 10 * time.Second}
	s, err := d.Dial(context.Background(), g.Contact)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		proposal, _, _ := owner.propose(t, 100)
		_, _, err := s.Claim(proposal)
		require.NoError(t, err)
	}
	// a rejected RPC does not end the session
	proposal, _, _ := owner.propose(t, 100)
	proposal.OwnerSignature[0] ^= 1
	_, _, err = s.Claim(proposal)
	require.True(t, renterhost.IsRPCErrorType(err, renterhost.ErrTypeValidation))
	a, err := s.Capacity()
	require.NoError(t, err)
	require.True(t, a.Verify())
	contracts, _ := g.Contracts.Contracts()
	require.Len(t, contracts, 3)
}

func TestSessionIncompatiblePeer(t *testing.T) {
	g := ghost.New(t, 1<<20)
	owner := newTestOwner()
	conn, err := net.Dial("tcp", g.Contact.Address)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	s, err := renterhost.NewRenterSessionProtocol(conn, g.Contact.Identity, owner.key, "test", "v2.0.0")
	require.NoError(t, err)

	proposal, _, _ := owner.propose(t, 100)
	require.NoError(t, s.WriteRequest(renterhost.RPCClaimID, &renterhost.RPCClaimRequest{Contract: proposal}))
	err = s.ReadResponse(nil, renterhost.MinMessageSize)
	require.True(t, renterhost.IsRPCErrorType(err, renterhost.ErrTypeValidation), "expected validation error, got %v", err)

	// the provider hangs up rather than parsing the unread request as an RPC
	s.WriteRequest(renterhost.RPCCapacityID, nil)
	err = s.ReadResponse(nil, renterhost.MinMessageSize)
	require.Error(t, err)
	var re *renterhost.RPCError
	require.False(t, errors.As(err, &re), "expected closed session, got RPC error %v", err)

	contracts, err := g.Contracts.Contracts()
	require.NoError(t, err)
	require.Empty(t, contracts)
}
