package replication

import (
	"strings"
	"time"

	"github.com/corviddb/corvid/etag"
)

// Credentials authenticates outbound requests to a destination. At most one
// of the two shapes is used: APIKey takes precedence over basic auth, and
// an empty Credentials sends no auth at all.
type Credentials struct {
	// Basic auth, with an optional NTLM-style domain.
	Username string
	Password string
	Domain   string
	// Or an API key sent as a header.
	APIKey string
}

// FilterRule is a single destination-side rule over a record's key. Entries
// support glob wildcards (ported from the teacher's stream-subscription
// matching), e.g. "orders/*" or "users/2024-*".
type FilterRule struct {
	// KeyPatterns, if non-empty, restricts replication to keys matching at
	// least one of these glob patterns. An empty list matches everything.
	KeyPatterns []string
	// EachN, if > 0, replicates only every Nth record that otherwise
	// passes KeyPatterns (SPEC_FULL §12 supplement).
	EachN int64
	// EachS, if > 0, replicates at most one record per S seconds that
	// otherwise passes KeyPatterns (SPEC_FULL §12 supplement).
	EachS int64
}

// Destination describes one peer this node replicates to.
type Destination struct {
	// URL is the peer's base URL, e.g. "http://peer:8080".
	URL string
	// Database, if set, is appended as "/databases/<name>" to form the
	// effective URL.
	Database string
	Credentials
	// TransitiveReplication is read from the destinations document and
	// kept on the Destination; this package does not send it to the peer
	// on any request.
	TransitiveReplication bool
	Filter                FilterRule
}

// EffectiveURL is url[/databases/<name>], the identity of the destination
// per spec §3 ("Identified by its effective URL").
func (d Destination) EffectiveURL() string {
	u := strings.TrimRight(d.URL, "/")
	if d.Database != "" {
		u += "/databases/" + d.Database
	}
	return u
}

// Key returns the case-insensitive comparison key used to identify this
// destination (spec §3: "Equality is case-insensitive on URL").
func (d Destination) Key() string {
	return strings.ToLower(d.EffectiveURL())
}

// SourceReplicationInformation is the peer's reply describing its view of
// our progress (spec §3).
type SourceReplicationInformation struct {
	LastDocumentEtag   etag.Etag `json:"lastDocumentEtag"`
	LastAttachmentEtag etag.Etag `json:"lastAttachmentEtag"`
	ServerInstanceID   string    `json:"serverInstanceId"`
}

// Metadata carries the small amount of per-record bookkeeping the wire
// format needs: whether this is a tombstone, and any destination-opaque
// flags the source store attached.
type Metadata struct {
	Deleted bool              `json:"deleted,omitempty"`
	Extra   map[string]string `json:"@metadata,omitempty"`
}

// Record is one document (live or tombstone) as carried over the wire
// (spec §6: "each element of the doc array").
type Record struct {
	Key      string         `json:"key"`
	Etag     etag.Etag      `json:"etag"`
	Metadata Metadata       `json:"@metadata"`
	Body     map[string]any `json:"body,omitempty"`
}

// IsTombstone reports whether this record carries no payload, i.e. it
// represents a deletion.
func (r Record) IsTombstone() bool {
	return r.Metadata.Deleted
}

// AttachmentRecord is one attachment (live or tombstone) as carried over
// the wire (spec §6: "@id, @etag, @metadata, data").
type AttachmentRecord struct {
	ID       string    `msgpack:"@id" json:"@id"`
	Etag     etag.Etag `msgpack:"@etag" json:"@etag"`
	Metadata Metadata  `msgpack:"@metadata" json:"@metadata"`
	Data     []byte    `msgpack:"data,omitempty" json:"data,omitempty"`
}

func (a AttachmentRecord) IsTombstone() bool {
	return a.Metadata.Deleted
}

// FailureCount is the in-memory, per-destination failure state (spec §3).
type FailureCount struct {
	Count     int
	Timestamp time.Time
	LastError string
}

// DestinationFailureInformation is the persisted analogue of FailureCount,
// stored at replication/destinations-failure/{escapedUrl} (spec §6).
type DestinationFailureInformation struct {
	Destination  string `json:"destination"`
	FailureCount int    `json:"failureCount"`
}

// ActiveWorkersSnapshot is a point-in-time read of which destinations
// currently hold the busy flag, for diagnostics only.
type ActiveWorkersSnapshot map[string]bool
