// Package store defines the storage collaborator contract the replication
// engine consumes but does not implement (spec.md §1, §6). The document/
// attachment store, its transactional batch API, and its on-disk format
// belong to a different subsystem; this package only describes the shape
// the replication engine calls through.
package store

import (
	"context"
	"time"

	"github.com/corviddb/corvid/etag"
)

// Snapshot is a single transactional read-only view, scoped to one batch
// build, so a document deleted between reads never appears twice (spec
// §4.5: "merge must read documents and tombstones inside one transactional
// snapshot").
type Snapshot interface {
	// DocumentsAfter returns up to maxCount live documents with etag >
	// after, stopping before the combined body size would exceed maxBytes;
	// the first document is returned even when it alone exceeds maxBytes.
	DocumentsAfter(after etag.Etag, maxCount int, maxBytes int64) ([]Doc, error)
	// DocumentTombstonesAfter returns up to maxCount tombstone entries
	// from the document-deletions list with etag > after.
	DocumentTombstonesAfter(after etag.Etag, maxCount int) ([]Tombstone, error)
	// AttachmentsAfter is the attachment-stream analogue of
	// DocumentsAfter. Metadata only; payload bytes are fetched lazily via
	// AttachmentData for kept records.
	AttachmentsAfter(after etag.Etag, maxCount int, maxBytes int64) ([]AttachmentMeta, error)
	// AttachmentTombstonesAfter is the attachment-stream analogue of
	// DocumentTombstonesAfter.
	AttachmentTombstonesAfter(after etag.Etag, maxCount int) ([]Tombstone, error)
	// AttachmentData reads the binary payload for one kept attachment,
	// inside the same snapshot (spec §4.5).
	AttachmentData(key string) ([]byte, error)
	// Close releases the snapshot.
	Close() error
}

// Doc is a live document read from the store.
type Doc struct {
	Key      string
	Etag     etag.Etag
	Metadata map[string]string
	Body     map[string]any
}

// AttachmentMeta is a live attachment's metadata, without its payload.
type AttachmentMeta struct {
	Key      string
	Etag     etag.Etag
	Metadata map[string]string
	Size     int64
}

// Tombstone is a deletion marker from either the document or attachment
// tombstone list (spec GLOSSARY).
type Tombstone struct {
	Key      string
	Etag     etag.Etag
	Metadata map[string]string
}

// Store is the document/attachment store as a whole: snapshot acquisition,
// staleness queries, and the small key/value surface used to persist
// failure-tracking documents and read the destinations configuration
// document (spec §6).
type Store interface {
	// BeginSnapshot opens one transactional batch-read scope.
	BeginSnapshot(ctx context.Context) (Snapshot, error)
	// MostRecentDocumentEtag is the sender's own most-recent document
	// etag, sent informationally as currentEtag (spec §4.4).
	MostRecentDocumentEtag() (etag.Etag, error)
	// ID is this storage instance's unique id (spec §6: "storage.id").
	ID() string
	// ServerURL is this node's own externally-reachable URL (spec §6:
	// "serverUrl").
	ServerURL() string

	// Get reads a raw key/value entry, used for the destinations
	// configuration document and the per-destination failure documents.
	Get(key string) (data []byte, currentEtag etag.Etag, found bool, err error)
	// Put writes a raw key/value entry. If expectedEtag is non-nil, the
	// write is conditional on the current etag matching.
	Put(key string, expectedEtag *etag.Etag, data []byte) error
	// Delete removes a raw key/value entry. If expectedEtag is non-nil,
	// the delete is conditional on the current etag matching.
	Delete(key string, expectedEtag *etag.Etag) error

	// ListKeys returns up to limit keys with the given prefix, starting
	// after afterKey (lexicographic), for paging through
	// replication/sources/* (spec §4.9).
	ListKeys(prefix, afterKey string, limit int) ([]string, error)

	// Disposed reports whether the database is shutting down (spec
	// §4.7 step 1, §5 "workers check database.disposed at each major
	// step").
	Disposed() bool
}

// WorkContext is the local store's write-notification mechanism (spec §6:
// "workContext.waitForWork(timeout, &counter, name)" /
// "notifyAboutWork()").
type WorkContext interface {
	// WaitForWork blocks until either a local write is observed (returns
	// true) or timeout elapses (returns false). counter is a caller-owned
	// cursor into the notification stream; WaitForWork only returns true
	// once per distinct write observed past *counter.
	WaitForWork(ctx context.Context, timeout time.Duration, counter *uint64, name string) bool
	// NotifyAboutWork wakes any WaitForWork calls immediately, as if a
	// local write had occurred.
	NotifyAboutWork()
}
