// Package records holds the locally configured domain-to-address records
// and implements the exact-then-wildcard lookup policy.
package records

import (
	"sort"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/common/utils"
	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
	"github.com/haukened/rr-dnsproxy/internal/dns/services/proxy"
)

// defaultFPRate is the target false-positive rate of the wildcard prefilter.
const defaultFPRate = 0.01

// Store maps canonical patterns to addresses.
//
// Wildcard patterns are kept in ascending byte-wise order and scanned in
// that order; the first wildcard that covers a name wins, not the longest.
// Writes happen at configuration time; the store is not synchronized and
// must only be read from the proxy's serialized context afterwards.
type Store struct {
	records   map[string]domain.Address
	wildcards []string // sorted wildcard patterns

	factory BloomFactory
	fpRate  float64
	window  int // trailing bytes of each suffix indexed in prefilter
	filter  BloomFilter

	logger log.Logger
}

// Options configures a Store.
type Options struct {
	// Bloom enables the wildcard prefilter when non-nil.
	Bloom BloomFactory
	// FPRate is the prefilter false-positive target; defaults to 1%.
	FPRate float64
	Logger log.Logger
}

// New returns an empty Store.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if !(opts.FPRate > 0 && opts.FPRate < 1) {
		opts.FPRate = defaultFPRate
	}
	return &Store{
		records: make(map[string]domain.Address),
		factory: opts.Bloom,
		fpRate:  opts.FPRate,
		logger:  opts.Logger,
	}
}

// Put inserts rec or replaces the address of an existing pattern.
func (s *Store) Put(rec domain.DomainRecord) {
	_, exists := s.records[rec.Pattern]
	s.records[rec.Pattern] = rec.Address

	if !exists && rec.IsWildcard() {
		i := sort.SearchStrings(s.wildcards, rec.Pattern)
		s.wildcards = append(s.wildcards, "")
		copy(s.wildcards[i+1:], s.wildcards[i:])
		s.wildcards[i] = rec.Pattern
		s.rebuildFilter()
	}

	s.logger.Debug(map[string]any{
		"pattern":  rec.Pattern,
		"address":  rec.Address.String(),
		"replaced": exists,
	}, "Record stored")
}

// Add canonicalizes pattern and stores it with addr.
func (s *Store) Add(pattern string, addr domain.Address) error {
	rec, err := domain.NewDomainRecord(pattern, addr)
	if err != nil {
		return err
	}
	s.Put(rec)
	return nil
}

// AddString is Add with a dotted-quad address.
func (s *Store) AddString(pattern, address string) error {
	rec, err := domain.ParseDomainRecord(pattern, address)
	if err != nil {
		return err
	}
	s.Put(rec)
	return nil
}

// Lookup resolves name to an address. An exact pattern wins over any
// wildcard; otherwise the first covering wildcard in sorted order is used.
func (s *Store) Lookup(name string) (domain.Address, bool) {
	name = utils.CanonicalDNSName(name)

	if addr, ok := s.records[name]; ok {
		return addr, true
	}

	if !s.mayMatchWildcard(name) {
		return domain.Address{}, false
	}

	for _, pattern := range s.wildcards {
		rec := domain.DomainRecord{Pattern: pattern, Address: s.records[pattern]}
		if rec.MatchesWildcard(name) {
			return rec.Address, true
		}
	}
	return domain.Address{}, false
}

// Len returns the number of distinct patterns.
func (s *Store) Len() int {
	return len(s.records)
}

// Records returns a snapshot of all records sorted by pattern.
func (s *Store) Records() []domain.DomainRecord {
	out := make([]domain.DomainRecord, 0, len(s.records))
	for p, a := range s.records {
		out = append(out, domain.DomainRecord{Pattern: p, Address: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// mayMatchWildcard consults the prefilter. Every name a wildcard with
// suffix s covers ends with the last `window` bytes of s, because window
// is the shortest suffix length.
func (s *Store) mayMatchWildcard(name string) bool {
	if len(s.wildcards) == 0 {
		return false
	}
	if s.filter == nil {
		return true
	}
	if len(name) <= s.window {
		return false
	}
	return s.filter.MightContain([]byte(name[len(name)-s.window:]))
}

// rebuildFilter re-indexes all wildcard suffixes. Filters cannot drop keys
// and the window may shrink, so it is rebuilt from scratch on each new wildcard.
func (s *Store) rebuildFilter() {
	if s.factory == nil {
		return
	}

	window := -1
	for _, p := range s.wildcards {
		if n := len(p) - len(domain.WildcardPrefix); window < 0 || n < window {
			window = n
		}
	}

	f := s.factory.New(uint64(len(s.wildcards)), s.fpRate)
	for _, p := range s.wildcards {
		f.Add([]byte(p[len(p)-window:]))
	}
	s.window = window
	s.filter = f
}

var _ proxy.RecordStore = (*Store)(nil)
