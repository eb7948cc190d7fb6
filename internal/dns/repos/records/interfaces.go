package records

// BloomFilter is the minimal interface the store needs from a Bloom filter.
type BloomFilter interface {
	Add(key []byte)
	MightContain(key []byte) bool
}

// BloomFactory constructs Bloom filters sized for capacity keys at the
// target false-positive rate.
type BloomFactory interface {
	New(capacity uint64, fpRate float64) BloomFilter
}

// BloomSizer computes Bloom filter parameters from capacity (n) and target FP rate (p).
// It returns m (number of bits) and k (number of hash functions).
type BloomSizer interface {
	Size(n uint64, p float64) (m uint64, k uint8)
}
