package renter_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/renter"
	"lukechampine.com/farm/renter/proto"
	"lukechampine.com/farm/renterhost"
)

func TestDistributeRetrieve(t *testing.T) {
	tn := newTestNetwork(t)
	tn.addGhosts(6, 1<<20)
	r := tn.newRenter(testConfig(t), nil, nil)
	ctx := context.Background()

	obj, plaintext, path := encryptedObject(t, 3000)
	obj, err := r.Distribute(ctx, path, obj)
	require.NoError(t, err)
	require.Equal(t, renter.StatusFinished, obj.Status)
	require.Equal(t, 4, obj.DataShards)
	require.Equal(t, 2, obj.ParityShards)
	require.EqualValues(t, 752, obj.ShardSize)
	require.Len(t, obj.Shards, 6)

	// every shard lands on a different provider, under a contract both sides
	// agree on
	seen := make(map[hostdb.HostPublicKey]bool)
	for i, s := range obj.Shards {
		require.Equal(t, i, s.Index)
		require.EqualValues(t, 752, s.Size)
		require.False(t, seen[s.Service.Identity], "provider %v holds two shards", s.Service.Identity.ShortKey())
		seen[s.Service.Identity] = true

		rc, err := tn.store.Contract(s.Hash, s.Service.Identity)
		require.NoError(t, err)
		require.True(t, rc.IsComplete())
		require.Equal(t, r.Identity(), rc.OwnerIdentity)
		require.NotZero(t, rc.LastAccess)
		hc, err := tn.holder(s).Contracts.Contract(s.Hash)
		require.NoError(t, err)
		require.Empty(t, renterhost.Diff(rc, hc))
		require.True(t, tn.holder(s).Shards.Exists(s.Hash))
	}

	stored, err := tn.store.Object(obj.ID)
	require.NoError(t, err)
	require.Equal(t, obj, stored)

	data, info := retrieveAll(t, r, obj.ID)
	require.Equal(t, plaintext, data)
	require.Empty(t, info.Missing)

	_, err = r.Distribute(ctx, path, obj)
	require.True(t, errors.Is(err, renter.ErrObjectFinished), "expected ErrObjectFinished, got %v", err)
}

func TestRetrieveMissingShards(t *testing.T) {
	tn := newTestNetwork(t)
	tn.addGhosts(6, 1<<20)
	r := tn.newRenter(testConfig(t), nil, nil)

	obj, plaintext, path := encryptedObject(t, 3000)
	obj, err := r.Distribute(context.Background(), path, obj)
	require.NoError(t, err)

	tn.holder(obj.Shards[0]).Close()
	data, info := retrieveAll(t, r, obj.ID)
	require.Equal(t, plaintext, data)
	require.Equal(t, []int{0}, info.Missing)

	tn.holder(obj.Shards[5]).Close()
	data, info = retrieveAll(t, r, obj.ID)
	require.Equal(t, plaintext, data)
	require.Equal(t, []int{0, 5}, info.Missing)

	tn.holder(obj.Shards[2]).Close()
	_, info, err = r.Retrieve(context.Background(), obj.ID)
	require.True(t, errors.Is(err, renter.ErrReconstruction), "expected ErrReconstruction, got %v", err)
	require.Equal(t, []int{0, 2, 5}, info.Missing)
}

func TestRetrieveErrors(t *testing.T) {
	tn := newTestNetwork(t)
	r := tn.newRenter(testConfig(t), nil, nil)

	_, _, err := r.Retrieve(context.Background(), "nonexistent")
	require.True(t, errors.Is(err, renter.ErrObjectNotFound))

	obj := renter.NewObject("queued", "", nil)
	require.NoError(t, tn.store.SaveObject(obj))
	_, _, err = r.Retrieve(context.Background(), obj.ID)
	require.Equal(t, renter.ErrObjectIncomplete, err)
}

func TestDistributeInvalidPolicy(t *testing.T) {
	tn := newTestNetwork(t)
	tn.addGhosts(6, 1<<20)
	r := tn.newRenter(testConfig(t), nil, nil)

	obj, _, path := encryptedObject(t, 100)
	obj.Policies = []string{"not a policy"}
	_, err := r.Distribute(context.Background(), path, obj)
	require.Error(t, err)
	_, err = tn.store.Object(obj.ID)
	require.True(t, errors.Is(err, renter.ErrObjectNotFound), "invalid object should not be saved")
}

func TestPlacementFailure(t *testing.T) {
	tn := newTestNetwork(t)
	// each of these providers has room for exactly one shard
	tn.addGhosts(3, 1000)
	r := tn.newRenter(testConfig(t), nil, nil)
	ctx := context.Background()

	obj, plaintext, path := encryptedObject(t, 3000)
	failed, err := r.Distribute(ctx, path, obj)
	require.True(t, errors.Is(err, renter.ErrNoProviders), "expected ErrNoProviders, got %v", err)
	require.Equal(t, renter.StatusFailed, failed.Status)

	stored, err := tn.store.Object(obj.ID)
	require.NoError(t, err)
	require.Equal(t, renter.StatusFailed, stored.Status)
	placed := make(map[int]renter.ShardPointer)
	for _, s := range stored.Shards {
		if s.Placed() {
			placed[s.Index] = s
		}
	}
	require.NotEmpty(t, placed)
	require.Less(t, len(placed), 6)

	_, _, err = r.Retrieve(ctx, obj.ID)
	require.Equal(t, renter.ErrObjectIncomplete, err)

	// with more providers, a second attempt places only the remaining shards
	tn.addGhosts(3, 1<<20)
	obj, err = r.Distribute(ctx, path, obj)
	require.NoError(t, err)
	require.Equal(t, renter.StatusFinished, obj.Status)
	for i, s := range placed {
		require.Equal(t, s, obj.Shards[i], "shard %v was placed again", i)
	}
	data, _ := retrieveAll(t, r, obj.ID)
	require.Equal(t, plaintext, data)
}

func TestPublishPointer(t *testing.T) {
	tn := newTestNetwork(t)
	tn.addGhosts(6, 1<<20)
	core, logs := observer.New(zap.WarnLevel)
	pub := &memPublisher{replicas: 1}
	r := tn.newRenter(testConfig(t), pub, zap.New(core))

	obj, _, path := encryptedObject(t, 3000)
	obj, err := r.Distribute(context.Background(), path, obj)
	require.NoError(t, err)

	blob, ok := pub.blobs[obj.ID]
	require.True(t, ok, "pointer was not published")
	opened, err := renter.OpenPointer(blob, *obj.ECPrv)
	require.NoError(t, err)
	require.Equal(t, obj.Public(), opened)
	require.Nil(t, opened.ECPrv)

	require.Equal(t, 1, logs.FilterMessage("object pointer is under-replicated").Len())
}

func TestSealPointer(t *testing.T) {
	obj := renter.NewObject("sealed", "text/plain", []string{renterhost.PublicPolicy(renterhost.PermRetrieve)})
	obj.Shards = []renter.ShardPointer{{Index: 0, Size: 16}}
	obj.Shards[0].Audits.Depth = 3

	blob, err := renter.SealPointer(obj)
	require.NoError(t, err)
	opened, err := renter.OpenPointer(blob, *obj.ECPrv)
	require.NoError(t, err)
	require.Equal(t, obj.Public(), opened)
	require.Zero(t, opened.Shards[0].Audits.Depth, "private audit records must not be sealed")
	require.Equal(t, 3, obj.Shards[0].Audits.Depth, "Public must not modify its receiver")

	other := renter.NewObject("other", "", nil)
	_, err = renter.OpenPointer(blob, *other.ECPrv)
	require.Error(t, err)
	_, err = renter.OpenPointer(blob[:40], *obj.ECPrv)
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	tn := newTestNetwork(t)
	tn.addGhosts(6, 1<<20)
	r := tn.newRenter(testConfig(t), nil, nil)

	obj, _, path := encryptedObject(t, 3000)
	obj, err := r.Distribute(context.Background(), path, obj)
	require.NoError(t, err)

	require.NoError(t, r.Delete(obj.ID))
	_, err = tn.store.Object(obj.ID)
	require.True(t, errors.Is(err, renter.ErrObjectNotFound))
	for _, s := range obj.Shards {
		_, err := tn.store.Contract(s.Hash, s.Service.Identity)
		require.True(t, errors.Is(err, renter.ErrContractNotFound))
	}
	require.True(t, errors.Is(r.Delete(obj.ID), renter.ErrObjectNotFound))
	objs, err := r.Objects()
	require.NoError(t, err)
	require.Empty(t, objs)
}

func TestRefreshPeers(t *testing.T) {
	gs := newTestNetwork(t).addGhosts(4, 1<<20)
	// the renter starts with an empty store
	tn := newTestNetwork(t)
	r := tn.newRenter(testConfig(t), nil, nil)

	contacts := []hostdb.Contact{gs[0].Contact, gs[1].Contact, gs[2].Contact}
	// a contact whose identity does not match the peer at its address
	impostor := gs[2].Contact
	impostor.Identity = gs[0].Contact.Identity
	contacts = append(contacts, impostor)
	// a peer that is offline
	gs[3].Close()
	contacts = append(contacts, gs[3].Contact)

	n, err := r.RefreshPeers(context.Background(), contacts)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	profiles, err := tn.store.Profiles()
	require.NoError(t, err)
	require.Len(t, profiles, 3)
	for _, p := range profiles {
		require.NotEqual(t, gs[3].Contact.Identity, p.Contact.Identity)
		require.EqualValues(t, 1<<20, p.Available)
	}
}

func TestScan(t *testing.T) {
	gs := newTestNetwork(t).addGhosts(3, 1<<20)
	gs[1].Close()
	seed := identity.NewSeed()
	client := proto.NewClient(seed.Key(identity.IdentityIndex), "", 10*time.Second)

	contacts := []hostdb.Contact{gs[0].Contact, gs[1].Contact, gs[2].Contact}
	results := client.Scan(context.Background(), contacts, 2, zaptest.NewLogger(t))
	require.Len(t, results, 3)
	for i, res := range results {
		require.Equal(t, contacts[i], res.Contact)
		if i == 1 {
			require.Error(t, res.Err)
			continue
		}
		require.NoError(t, res.Err)
		require.Equal(t, contacts[i].Identity, res.Announcement.Contact.Identity)
		require.EqualValues(t, 1<<20, res.Announcement.Available)
	}
}
