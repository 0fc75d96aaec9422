package renter_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/farm/hostdb"
	"lukechampine.com/farm/identity"
	"lukechampine.com/farm/internal/ghost"
	"lukechampine.com/farm/renter"
	"lukechampine.com/farm/renter/proto"
	"lukechampine.com/farm/store"
	"lukechampine.com/frand"
)

func testConfig(t *testing.T) renter.Config {
	cfg := renter.DefaultConfig()
	cfg.StagingDir = t.TempDir()
	cfg.ChallengesPerShard = 4
	cfg.AuditInterval = time.Minute
	cfg.ScoreWindow = 0
	return cfg
}

// A testNetwork is a set of ghost providers known to a renter's store.
type testNetwork struct {
	t      *testing.T
	store  *store.EphemeralStore
	ghosts map[hostdb.HostPublicKey]*ghost.Host
}

func newTestNetwork(t *testing.T) *testNetwork {
	return &testNetwork{
		t:      t,
		store:  store.NewEphemeralStore(),
		ghosts: make(map[hostdb.HostPublicKey]*ghost.Host),
	}
}

// addGhosts starts n providers and records their profiles.
func (tn *testNetwork) addGhosts(n int, capacity uint64) []*ghost.Host {
	tn.t.Helper()
	var gs []*ghost.Host
	for i := 0; i < n; i++ {
		g := ghost.New(tn.t, capacity)
		require.NoError(tn.t, tn.store.SaveProfile(g.Profile()))
		tn.ghosts[g.Contact.Identity] = g
		gs = append(gs, g)
	}
	return gs
}

// holder returns the ghost storing s.
func (tn *testNetwork) holder(s renter.ShardPointer) *ghost.Host {
	tn.t.Helper()
	g, ok := tn.ghosts[s.Service.Identity]
	require.True(tn.t, ok, "shard %v is held by an unknown provider", s.Index)
	return g
}

func (tn *testNetwork) newRenter(cfg renter.Config, pub renter.PointerPublisher, log *zap.Logger) *renter.Renter {
	if log == nil {
		log = zaptest.NewLogger(tn.t)
	}
	seed := identity.NewSeed()
	client := proto.NewClient(seed.Key(identity.IdentityIndex), "", 10*time.Second)
	transport := renter.NewHTTPTransport(client.DialContext, 10*time.Second)
	r, err := renter.New(seed, cfg, tn.store, client, transport, pub, log)
	require.NoError(tn.t, err)
	return r
}

// encryptedObject writes size random bytes to disk and encrypts them for a
// new object. It returns the plaintext and the path of the ciphertext.
func encryptedObject(t *testing.T, size int) (renter.ObjectPointer, []byte, string) {
	t.Helper()
	dir := t.TempDir()
	plaintext := frand.Bytes(size)
	src := filepath.Join(dir, "plain")
	dst := filepath.Join(dir, "cipher")
	require.NoError(t, ioutil.WriteFile(src, plaintext, 0600))
	obj := renter.NewObject("test.bin", "application/octet-stream", nil)
	require.NoError(t, renter.EncryptFile(src, dst, &obj))
	return obj, plaintext, dst
}

func retrieveAll(t *testing.T, r *renter.Renter, id string) ([]byte, renter.RecoveryInfo) {
	t.Helper()
	rd, info, err := r.Retrieve(context.Background(), id)
	require.NoError(t, err)
	data, err := ioutil.ReadAll(rd)
	require.NoError(t, err)
	return data, info
}

// A memPublisher records published pointers and reports a fixed replica
// count.
type memPublisher struct {
	mu       sync.Mutex
	replicas int
	blobs    map[string][]byte
}

func (mp *memPublisher) PublishPointer(ctx context.Context, id string, blob []byte) (int, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.blobs == nil {
		mp.blobs = make(map[string][]byte)
	}
	mp.blobs[id] = append([]byte(nil), blob...)
	return mp.replicas, nil
}
