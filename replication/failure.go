package replication

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/corviddb/corvid/internal/corvidlog"
	"github.com/corviddb/corvid/internal/store"
)

// FailureTracker is the in-memory + persisted failure map of spec §3/§4.2
// (C2): destination URL -> {count, last-error, timestamp}.
type FailureTracker struct {
	s store.Store

	mu     sync.Mutex
	counts map[string]*FailureCount
}

// NewFailureTracker returns a tracker backed by s for persistence.
func NewFailureTracker(s store.Store) *FailureTracker {
	return &FailureTracker{s: s, counts: make(map[string]*FailureCount)}
}

// IsFirstFailure reports whether the destination's prior in-memory state
// was healthy (count == 0), i.e. a failure now would be its first (spec
// §4.2).
func (t *FailureTracker) IsFirstFailure(destinationKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	fc, ok := t.counts[destinationKey]
	return !ok || fc.Count == 0
}

// Increment records a failed attempt: bumps the in-memory count, stamps
// time/error, and upserts the persisted DestinationFailureInformation
// (spec §4.2).
func (t *FailureTracker) Increment(destinationKey, errorText string) {
	t.mu.Lock()
	fc, ok := t.counts[destinationKey]
	if !ok {
		fc = &FailureCount{}
		t.counts[destinationKey] = fc
	}
	fc.Count++
	fc.Timestamp = time.Now().UTC()
	fc.LastError = errorText
	count := fc.Count
	timestamp := fc.Timestamp
	t.mu.Unlock()

	corvidlog.Warn("replication to %s failed (%s ago, attempt #%d): %s",
		destinationKey, humanize.Time(timestamp), count, errorText)

	if err := t.persistFailure(destinationKey); err != nil {
		corvidlog.Error("failed to persist failure info for %s: %v", destinationKey, err)
	}
}

// Reset clears a destination back to healthy: zeros the in-memory count
// and deletes the persisted failure document (spec §4.2).
func (t *FailureTracker) Reset(destinationKey string) {
	t.mu.Lock()
	fc, ok := t.counts[destinationKey]
	if !ok {
		fc = &FailureCount{}
		t.counts[destinationKey] = fc
	}
	fc.Count = 0
	fc.Timestamp = time.Now().UTC()
	fc.LastError = ""
	t.mu.Unlock()

	if err := t.s.Delete(failureDocumentKey(destinationKey), nil); err != nil {
		corvidlog.Error("failed to delete failure info for %s: %v", destinationKey, err)
	}
}

// PersistedFailureCount reads the persisted failure count, used by the
// scheduler's throttling policy (spec §4.3) so back-off survives process
// restarts even though in-memory state does not.
func (t *FailureTracker) PersistedFailureCount(destinationKey string) int {
	data, _, found, err := t.s.Get(failureDocumentKey(destinationKey))
	if err != nil || !found {
		return 0
	}
	var info DestinationFailureInformation
	if err := json.Unmarshal(data, &info); err != nil {
		return 0
	}
	return info.FailureCount
}

// Snapshot returns an immutable copy of the in-memory failure map, for
// observability (spec §7).
func (t *FailureTracker) Snapshot() map[string]FailureCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]FailureCount, len(t.counts))
	for k, v := range t.counts {
		out[k] = *v
	}
	return out
}

func (t *FailureTracker) persistFailure(destinationKey string) error {
	key := failureDocumentKey(destinationKey)

	persisted := 0
	if data, _, found, err := t.s.Get(key); err == nil && found {
		var info DestinationFailureInformation
		if json.Unmarshal(data, &info) == nil {
			persisted = info.FailureCount
		}
	}

	info := DestinationFailureInformation{Destination: destinationKey, FailureCount: persisted + 1}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return t.s.Put(key, nil, data)
}

// failureDocumentKey builds replication/destinations-failure/{escapedUrl}
// per spec §6: strip the scheme, then percent-encode what remains, so
// "http://a:1/x" and "http://a1x" can never collide on the same key.
func failureDocumentKey(destinationKey string) string {
	escaped := strings.TrimPrefix(destinationKey, "https://")
	escaped = strings.TrimPrefix(escaped, "http://")
	escaped = url.QueryEscape(escaped)
	return "replication/destinations-failure/" + escaped
}
