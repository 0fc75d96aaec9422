package host

import (
	"hash"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"golang.org/x/crypto/blake2b"
)

// DirShardStore implements ShardStore with one file per shard, named by its
// hex-encoded hash.
type DirShardStore struct {
	dir       string
	allocated uint64

	mu       sync.Mutex
	used     uint64
	reserved uint64
	pending  map[crypto.Hash]struct{}
}

func (ss *DirShardStore) path(hash crypto.Hash) string {
	return filepath.Join(ss.dir, hash.String())
}

// Exists implements ShardStore.
func (ss *DirShardStore) Exists(hash crypto.Hash) bool {
	_, err := os.Stat(ss.path(hash))
	return err == nil
}

// Open implements ShardStore.
func (ss *DirShardStore) Open(hash crypto.Hash) (io.ReadCloser, error) {
	f, err := os.Open(ss.path(hash))
	if os.IsNotExist(err) {
		return nil, ErrShardNotFound
	}
	return f, err
}

// Create implements ShardStore. Space for size bytes is reserved until the
// writer is closed. Only one upload of a given hash may be in progress.
func (ss *DirShardStore) Create(hash crypto.Hash, size uint64) (ShardWriter, error) {
	ss.mu.Lock()
	if _, ok := ss.pending[hash]; ok || ss.Exists(hash) {
		ss.mu.Unlock()
		return nil, errors.Wrap(ErrShardExists, hash.String())
	} else if ss.used+ss.reserved+size > ss.allocated {
		ss.mu.Unlock()
		return nil, ErrInsufficientCapacity
	}
	ss.reserved += size
	ss.pending[hash] = struct{}{}
	ss.mu.Unlock()

	f, err := ioutil.TempFile(ss.dir, ".upload-*")
	if err != nil {
		ss.release(hash, size)
		return nil, err
	}
	h, _ := blake2b.New256(nil)
	return &shardWriter{
		ss:   ss,
		f:    f,
		h:    h,
		hash: hash,
		size: size,
	}, nil
}

func (ss *DirShardStore) release(hash crypto.Hash, size uint64) {
	ss.mu.Lock()
	ss.reserved -= size
	delete(ss.pending, hash)
	ss.mu.Unlock()
}

// Delete implements ShardStore.
func (ss *DirShardStore) Delete(hash crypto.Hash) error {
	stat, err := os.Stat(ss.path(hash))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	if err := os.Remove(ss.path(hash)); err != nil {
		return err
	}
	ss.mu.Lock()
	ss.used -= uint64(stat.Size())
	ss.mu.Unlock()
	return nil
}

// Size implements ShardStore.
func (ss *DirShardStore) Size() (Capacity, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	c := Capacity{Allocated: ss.allocated}
	if committed := ss.used + ss.reserved; committed < ss.allocated {
		c.Available = ss.allocated - committed
	}
	return c, nil
}

type shardWriter struct {
	ss   *DirShardStore
	f    *os.File
	h    hash.Hash
	hash crypto.Hash
	size uint64
	n    uint64
	done bool
}

func (sw *shardWriter) Write(p []byte) (int, error) {
	if sw.n+uint64(len(p)) > sw.size {
		return 0, errors.New("shard exceeds declared size")
	}
	n, err := sw.f.Write(p)
	sw.h.Write(p[:n])
	sw.n += uint64(n)
	return n, err
}

func (sw *shardWriter) Commit() error {
	var sum crypto.Hash
	sw.h.Sum(sum[:0])
	if sum != sw.hash {
		return errors.Errorf("shard data hashes to %v, expected %v", sum, sw.hash)
	} else if err := sw.f.Sync(); err != nil {
		return err
	} else if err := sw.f.Close(); err != nil {
		return err
	}
	sw.ss.mu.Lock()
	defer sw.ss.mu.Unlock()
	if sw.ss.Exists(sw.hash) {
		// already stored; the copy on disk is identical
		if err := os.Remove(sw.f.Name()); err != nil {
			return err
		}
	} else if err := os.Rename(sw.f.Name(), sw.ss.path(sw.hash)); err != nil {
		return err
	} else {
		sw.ss.used += sw.n
	}
	sw.done = true
	sw.ss.reserved -= sw.size
	delete(sw.ss.pending, sw.hash)
	return nil
}

func (sw *shardWriter) Close() error {
	if sw.done {
		return nil
	}
	sw.done = true
	sw.f.Close()
	sw.ss.release(sw.hash, sw.size)
	return os.Remove(sw.f.Name())
}

// NewDirShardStore returns a DirShardStore rooted at dir with the given
// capacity. Existing shards count against the capacity; leftover partial
// uploads are removed.
func NewDirShardStore(dir string, allocated uint64) (*DirShardStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	ss := &DirShardStore{
		dir:       dir,
		allocated: allocated,
		pending:   make(map[crypto.Hash]struct{}),
	}
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), ".upload-") {
			os.Remove(filepath.Join(dir, e.Name()))
			continue
		}
		var h crypto.Hash
		if h.LoadString(e.Name()) == nil {
			ss.used += uint64(e.Size())
		}
	}
	return ss, nil
}
