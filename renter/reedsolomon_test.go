package renter

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"lukechampine.com/frand"
)

func TestParameters(t *testing.T) {
	tests := []struct {
		size                        int
		data, parity, shard, padding int
	}{
		{0, 4, 2, 16, 64},
		{1, 4, 2, 16, 63},
		{3000, 4, 2, 752, 8},
		{4 << 20, 4, 2, 1 << 20, 0},
		{20 << 20, 5, 3, 4 << 20, 0},
		{20<<20 + 1, 6, 3, 3495264, 6*3495264 - (20<<20 + 1)},
		{1 << 30, 64, 32, 16 << 20, 0},
	}
	for _, test := range tests {
		p := Parameters(test.size)
		if p.DataShards != test.data || p.ParityShards != test.parity || p.ShardSize != test.shard || p.Padding != test.padding {
			t.Errorf("Parameters(%v): got %+v", test.size, p)
		}
		if p.DataSize() != test.size {
			t.Errorf("Parameters(%v): DataSize is %v", test.size, p.DataSize())
		}
		if p.ShardSize%shardAlignment != 0 {
			t.Errorf("Parameters(%v): unaligned shard size %v", test.size, p.ShardSize)
		}
	}
}

func TestErasureScenario(t *testing.T) {
	data := frand.Bytes(3000)
	ec, err := NewErasureCodec(Parameters(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	shards, err := ec.Encode(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != 6 {
		t.Fatal("expected 6 shards, got", len(shards))
	}
	for i := range shards {
		if len(shards[i]) != 752 {
			t.Fatalf("shard %v has length %v", i, len(shards[i]))
		}
	}
	if !bytes.Equal(bytes.Join(shards[:4], nil)[:3000], data) {
		t.Fatal("encoding is not systematic")
	}
}

func TestErasureRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 3000, 65536 + 7} {
		data := frand.Bytes(size)
		ec, err := NewErasureCodec(Parameters(size))
		if err != nil {
			t.Fatal(err)
		}
		shards, err := ec.Encode(data)
		if err != nil {
			t.Fatal(err)
		}

		// try every subset of exactly DataShards present shards, and a few
		// larger ones
		total := ec.TotalShards()
		for mask := uint(0); mask < 1<<uint(total); mask++ {
			present := bitset.From([]uint64{uint64(mask)})
			buf := make([]byte, ec.EncodedSize())
			for i := 0; i < total; i++ {
				if present.Test(uint(i)) {
					copy(buf[i*ec.ShardSize:], shards[i])
				}
			}
			out, err := ec.Decode(buf, present)
			if int(present.Count()) < ec.DataShards {
				if !errors.Is(err, ErrReconstruction) {
					t.Fatalf("size %v, mask %b: expected ErrReconstruction, got %v", size, mask, err)
				}
				continue
			} else if err != nil {
				t.Fatalf("size %v, mask %b: %v", size, mask, err)
			}
			if !bytes.Equal(out, data) {
				t.Fatalf("size %v, mask %b: decoded data does not match", size, mask)
			}
		}
	}
}

func TestErasureLengthMismatch(t *testing.T) {
	ec, _ := NewErasureCodec(Parameters(3000))
	if _, err := ec.Encode(make([]byte, 2999)); err == nil {
		t.Error("expected error for short buffer")
	}
	if _, err := ec.Encode(make([]byte, 3008)); err == nil {
		t.Error("expected error for padded buffer")
	}
	present := bitset.New(6)
	for i := uint(0); i < 6; i++ {
		present.Set(i)
	}
	if _, err := ec.Decode(make([]byte, 3000), present); err == nil {
		t.Error("expected error for short buffer")
	}
	if _, err := NewErasureCodec(ErasureParams{DataShards: 4, ParityShards: 2, ShardSize: 10}); err == nil {
		t.Error("expected error for unaligned shard size")
	}
}

func BenchmarkErasureEncode(b *testing.B) {
	data := frand.Bytes(4 << 20)
	ec, _ := NewErasureCodec(Parameters(len(data)))
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		if _, err := ec.Encode(data); err != nil {
			b.Fatal(err)
		}
	}
}
