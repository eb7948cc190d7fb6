// Package bloom adapts bits-and-blooms Bloom filters to the record store's
// wildcard prefilter.
package bloom

import (
	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/rr-dnsproxy/internal/dns/repos/records"
)

// factory implements records.BloomFactory.
type factory struct {
	sizer records.BloomSizer
}

// NewFactory returns a BloomFactory that sizes filters from capacity and FP rate.
func NewFactory() records.BloomFactory { return factory{sizer: NewSizer()} }

// New constructs a filter sized for capacity keys at fpRate.
func (f factory) New(capacity uint64, fpRate float64) records.BloomFilter {
	m, k := f.sizer.Size(capacity, fpRate)
	return &filter{bf: bitsbloom.New(uint(m), uint(k))}
}
