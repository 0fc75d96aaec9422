package renter

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/Sia/crypto"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// ErrBadChecksum indicates that shard or object data did not match its
// recorded hash.
var ErrBadChecksum = errors.New("data failed checksum validation")

// RecoveryInfo lists the shards that could not be downloaded during a
// retrieval, so that they can be repaired individually.
type RecoveryInfo struct {
	Missing []int
}

// downloadShard fetches a single shard into region and checks its hash.
func (r *Renter) downloadShard(ctx context.Context, s ShardPointer, region []byte) error {
	if !s.Placed() {
		return errors.New("shard was never placed")
	} else if s.Size != uint64(len(region)) {
		return errors.Errorf("shard size is %v, expected %v", s.Size, len(region))
	}
	token, err := r.client.Retrieve(ctx, s.Service, s.Hash)
	if err != nil {
		return errors.Wrap(err, "retrieve failed")
	}
	rc, err := r.transport.Download(ctx, s.Service, s.Hash, token)
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.ReadFull(rc, region); err != nil {
		return errors.Wrap(err, "could not read shard")
	}
	if crypto.Hash(blake2b.Sum256(region)) != s.Hash {
		return ErrBadChecksum
	}
	return nil
}

// downloadShards downloads every shard of obj into a single buffer at its
// offset. Shards that cannot be downloaded are left zeroed and reported as
// missing; they never abort the download of the others.
func (r *Renter) downloadShards(ctx context.Context, obj *ObjectPointer) ([]byte, *bitset.BitSet, []int, error) {
	p := obj.Params()
	buf := make([]byte, p.EncodedSize())
	present := bitset.New(uint(p.TotalShards()))
	var mu sync.Mutex
	err := forEachLimit(ctx, len(obj.Shards), r.cfg.TransferConcurrency, func(i int) error {
		s := obj.Shards[i]
		if s.Index < 0 || s.Index >= p.TotalShards() {
			return errors.Errorf("shard %v has invalid index %v", i, s.Index)
		}
		region := buf[s.Index*p.ShardSize:][:p.ShardSize]
		if err := r.downloadShard(ctx, s, region); err != nil {
			for j := range region {
				region[j] = 0
			}
			r.log.Warn("shard download failed", zap.String("object", obj.ID), zap.Int("index", s.Index),
				zap.String("peer", s.Service.Identity.ShortKey()), zap.Error(err))
			return nil
		}
		mu.Lock()
		present.Set(uint(s.Index))
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	var missing []int
	for i := 0; i < p.TotalShards(); i++ {
		if !present.Test(uint(i)) {
			missing = append(missing, i)
		}
	}
	return buf, present, missing, nil
}

// Retrieve downloads, reconstructs, and decrypts an object. It succeeds as
// long as enough shards can be downloaded; the shards that could not be are
// reported in the returned RecoveryInfo. If too few shards are available, the
// error wraps ErrReconstruction.
func (r *Renter) Retrieve(ctx context.Context, id string) (io.Reader, RecoveryInfo, error) {
	obj, err := r.store.Object(id)
	if err != nil {
		return nil, RecoveryInfo{}, err
	} else if obj.Status != StatusFinished {
		return nil, RecoveryInfo{}, ErrObjectIncomplete
	}
	ec, err := NewErasureCodec(obj.Params())
	if err != nil {
		return nil, RecoveryInfo{}, err
	}
	buf, present, missing, err := r.downloadShards(ctx, &obj)
	if err != nil {
		return nil, RecoveryInfo{}, err
	}
	info := RecoveryInfo{Missing: missing}
	data, err := ec.Decode(buf, present)
	if err != nil {
		return nil, info, err
	} else if obj.Size > uint64(len(data)) {
		return nil, info, errors.Errorf("object size %v exceeds decoded size %v", obj.Size, len(data))
	}
	data = data[:obj.Size]
	stream, err := obj.Stream()
	if err != nil {
		return nil, info, err
	}
	stream.XORKeyStream(data, data)
	if obj.Hash != (crypto.Hash{}) && crypto.Hash(blake2b.Sum256(data)) != obj.Hash {
		return nil, info, errors.Wrap(ErrBadChecksum, "decrypted object does not match its hash")
	}
	if len(missing) > 0 {
		r.log.Info("retrieved object with missing shards", zap.String("object", id), zap.Ints("missing", missing))
	}
	return bytes.NewReader(data), info, nil
}
