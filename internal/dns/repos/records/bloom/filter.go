package bloom

import (
	bitsbloom "github.com/bits-and-blooms/bloom/v3"
)

// filter wraps a bits-and-blooms BloomFilter. The record store builds it
// once per wildcard insertion and only reads it afterwards, so no locking.
type filter struct {
	bf *bitsbloom.BloomFilter
}

func (f *filter) Add(key []byte) {
	f.bf.Add(key)
}

func (f *filter) MightContain(key []byte) bool {
	return f.bf.Test(key)
}
