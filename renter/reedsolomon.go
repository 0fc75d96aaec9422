package renter

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// Erasure coding limits.
const (
	// MinDataShards and MaxDataShards bound the number of data shards an
	// object is split into.
	MinDataShards = 4
	MaxDataShards = 64

	// bytesPerDataShard is the object size covered by each data shard before
	// the shard count is clamped.
	bytesPerDataShard = 4 << 20

	// shardAlignment is the granularity of shard sizes.
	shardAlignment = 16
)

// ErrReconstruction is returned when too few shards are available to recover
// an object.
var ErrReconstruction = errors.New("not enough shards to reconstruct object")

// ErasureParams describe how an object of a given size is split into shards.
type ErasureParams struct {
	DataShards   int `json:"dataShards"`
	ParityShards int `json:"parityShards"`
	ShardSize    int `json:"shardSize"`
	Padding      int `json:"padding"`
}

// TotalShards returns the number of data and parity shards.
func (p ErasureParams) TotalShards() int { return p.DataShards + p.ParityShards }

// DataSize returns the size of the object the parameters were derived from.
func (p ErasureParams) DataSize() int { return p.DataShards*p.ShardSize - p.Padding }

// EncodedSize returns the combined size of all shards.
func (p ErasureParams) EncodedSize() int { return p.TotalShards() * p.ShardSize }

// Parameters derives the erasure parameters for an object of the given size.
// The number of data shards grows with the size of the object and is clamped
// to [MinDataShards, MaxDataShards]; there is one parity shard for every two
// data shards.
func Parameters(size int) ErasureParams {
	data := (size + bytesPerDataShard - 1) / bytesPerDataShard
	if data < MinDataShards {
		data = MinDataShards
	} else if data > MaxDataShards {
		data = MaxDataShards
	}
	shardSize := (size + data - 1) / data
	shardSize = (shardSize + shardAlignment - 1) / shardAlignment * shardAlignment
	if shardSize == 0 {
		shardSize = shardAlignment
	}
	return ErasureParams{
		DataShards:   data,
		ParityShards: (data + 1) / 2,
		ShardSize:    shardSize,
		Padding:      shardSize*data - size,
	}
}

// An ErasureCodec splits objects into systematic Reed-Solomon shards and
// reconstructs them.
type ErasureCodec struct {
	ErasureParams
	enc reedsolomon.Encoder
}

// NewErasureCodec returns an ErasureCodec for the given parameters.
func NewErasureCodec(p ErasureParams) (*ErasureCodec, error) {
	if p.DataShards <= 0 || p.ParityShards < 0 || p.ShardSize <= 0 || p.ShardSize%shardAlignment != 0 {
		return nil, errors.Errorf("invalid erasure parameters %+v", p)
	}
	enc, err := reedsolomon.New(p.DataShards, p.ParityShards)
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize encoder")
	}
	return &ErasureCodec{ErasureParams: p, enc: enc}, nil
}

// Encode pads buf with zeros, computes parity, and returns the data and
// parity shards, in that order. The shards share a single allocation. buf
// must be exactly DataSize bytes long.
func (ec *ErasureCodec) Encode(buf []byte) ([][]byte, error) {
	if len(buf) != ec.DataSize() {
		return nil, errors.Errorf("buffer length (%v) does not match erasure parameters (%v)", len(buf), ec.DataSize())
	}
	encoded := make([]byte, ec.EncodedSize())
	copy(encoded, buf)
	shards := make([][]byte, ec.TotalShards())
	for i := range shards {
		shards[i] = encoded[i*ec.ShardSize:][:ec.ShardSize:ec.ShardSize]
	}
	if err := ec.enc.Encode(shards); err != nil {
		return nil, errors.Wrap(err, "could not compute parity")
	}
	return shards, nil
}

// Decode reconstructs an object from buf, which holds every shard at its
// offset; present indicates which shards are valid. Missing data shards are
// recovered in place, and the original object is returned as a prefix of buf.
func (ec *ErasureCodec) Decode(buf []byte, present *bitset.BitSet) ([]byte, error) {
	if len(buf) != ec.EncodedSize() {
		return nil, errors.Errorf("buffer length (%v) does not match erasure parameters (%v)", len(buf), ec.EncodedSize())
	}
	shards := make([][]byte, ec.TotalShards())
	var n int
	for i := range shards {
		if present.Test(uint(i)) {
			shards[i] = buf[i*ec.ShardSize:][:ec.ShardSize:ec.ShardSize]
			n++
		}
	}
	if n < ec.DataShards {
		return nil, errors.Wrapf(ErrReconstruction, "have %v of %v required shards", n, ec.DataShards)
	}
	if err := ec.enc.ReconstructData(shards); err != nil {
		return nil, errors.Wrap(ErrReconstruction, err.Error())
	}
	for i := 0; i < ec.DataShards; i++ {
		if !present.Test(uint(i)) {
			copy(buf[i*ec.ShardSize:], shards[i])
		}
	}
	return buf[:ec.DataSize()], nil
}
