package bloom

import (
	"math"

	"github.com/haukened/rr-dnsproxy/internal/dns/repos/records"
)

const (
	// fallbackFPRate applies when the store passes a rate outside (0, 1).
	fallbackFPRate = 0.01

	// maxHashes bounds k for very small rates.
	maxHashes = 16
)

// sizer dimensions the wildcard-suffix prefilter. A rate p costs
// -ln(p)/ln(2)^2 bits per indexed suffix and round(bits*ln 2) hashes.
type sizer struct{}

// NewSizer returns the sizer used by NewFactory.
func NewSizer() records.BloomSizer { return sizer{} }

// Size returns the bit count m and hash count k for n suffixes at rate p.
// An empty store is sized as one suffix so the filter is never zero-width.
func (sizer) Size(n uint64, p float64) (uint64, uint8) {
	n = max(n, 1)
	if p <= 0 || p >= 1 {
		p = fallbackFPRate
	}

	bitsPerSuffix := -math.Log(p) / (math.Ln2 * math.Ln2)
	m := max(uint64(math.Ceil(float64(n)*bitsPerSuffix)), 1)

	k := math.Round(bitsPerSuffix * math.Ln2)
	k = min(max(k, 1), maxHashes)
	return m, uint8(k)
}
