package replication

import (
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/corviddb/corvid/internal/corvidlog"
)

// Filter is the per-destination predicate of spec §4.5: given the
// destination's serverInstanceId (as returned in
// SourceReplicationInformation), a record's key, and its metadata, decide
// whether to ship the record. Filtered-out records still advance the
// cursor.
type Filter interface {
	Keep(serverInstanceID, key string, meta Metadata) bool
}

// compiledFilter implements Filter from a FilterRule, compiling its glob
// patterns once (mirrors frontend/stream's glob.Compile-per-match
// avoidance) and applying the EachN/EachS sampling supplements on top of
// the key-pattern predicate.
type compiledFilter struct {
	patterns []glob.Glob

	mu       sync.Mutex
	eachN    int64
	eachS    int64
	seen     int64
	lastSent time.Time
}

// NewFilter compiles rule into a reusable Filter. Malformed glob patterns
// are logged here and dropped, so a single bad entry does not disable
// replication.
func NewFilter(rule FilterRule) Filter {
	f := &compiledFilter{eachN: rule.EachN, eachS: rule.EachS}
	for _, p := range rule.KeyPatterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			corvidlog.Warn("skipping malformed filter pattern %q: %v", p, err)
			continue
		}
		f.patterns = append(f.patterns, g)
	}
	return f
}

func (f *compiledFilter) Keep(_, key string, meta Metadata) bool {
	if !f.matchesKeyPatterns(key) {
		return false
	}
	return f.passesSampling()
}

func (f *compiledFilter) matchesKeyPatterns(key string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(key) {
			return true
		}
	}
	return false
}

// passesSampling applies the EachN/EachS supplement (SPEC_FULL §12):
// "replicate every Nth record" and/or "replicate at most every S seconds".
// Both can be configured together; a record must pass both to be kept.
func (f *compiledFilter) passesSampling() bool {
	if f.eachN <= 0 && f.eachS <= 0 {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seen++
	if f.eachN > 0 && f.seen%f.eachN != 0 {
		return false
	}
	if f.eachS > 0 {
		now := time.Now()
		if !f.lastSent.IsZero() && now.Sub(f.lastSent) < time.Duration(f.eachS)*time.Second {
			return false
		}
		f.lastSent = now
	}
	return true
}

// AllowAllFilter keeps every record; used when a destination has no
// filter rules configured.
func AllowAllFilter() Filter { return allowAllFilter{} }

type allowAllFilter struct{}

func (allowAllFilter) Keep(string, string, Metadata) bool { return true }
