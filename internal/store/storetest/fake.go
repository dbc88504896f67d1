// Package storetest provides an in-memory store.Store implementation for
// use in replication engine tests. It is not a performance-minded
// implementation of anything — it exists only to give tests a real
// collaborator instead of a hand-rolled mock per test file.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corviddb/corvid/etag"
	"github.com/corviddb/corvid/internal/store"
)

// Store is an in-memory store.Store, also implementing store.WorkContext.
type Store struct {
	mu sync.Mutex

	id        string
	serverURL string
	disposed  bool

	docs            []store.Doc
	docTombstones   []store.Tombstone
	attachments     []store.AttachmentMeta
	attachmentBlobs map[string][]byte
	attTombstones   []store.Tombstone

	kv map[string][]byte

	workCounter uint64
	woken       chan struct{}
}

// New returns an empty Store identified by a fresh synthetic storage id.
func New(serverURL string) *Store {
	return &Store{
		id:              uuid.New().String(),
		serverURL:       serverURL,
		attachmentBlobs: make(map[string][]byte),
		kv:              make(map[string][]byte),
		woken:           make(chan struct{}),
	}
}

// PutDoc inserts a live document, for test setup. Documents are not
// de-duplicated by key; each call adds one entry.
func (s *Store) PutDoc(d store.Doc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, d)
	sort.Slice(s.docs, func(i, j int) bool { return s.docs[i].Etag.Less(s.docs[j].Etag) })
}

// PutDocTombstone inserts a document-deletion marker, for test setup.
func (s *Store) PutDocTombstone(t store.Tombstone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docTombstones = append(s.docTombstones, t)
	sort.Slice(s.docTombstones, func(i, j int) bool { return s.docTombstones[i].Etag.Less(s.docTombstones[j].Etag) })
}

// PutAttachment inserts a live attachment and stores its payload. The
// metadata entry is always added; only the payload is replaced by key.
func (s *Store) PutAttachment(a store.AttachmentMeta, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, a)
	sort.Slice(s.attachments, func(i, j int) bool { return s.attachments[i].Etag.Less(s.attachments[j].Etag) })
	s.attachmentBlobs[a.Key] = data
}

// PutAttachmentTombstone inserts an attachment-deletion marker.
func (s *Store) PutAttachmentTombstone(t store.Tombstone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attTombstones = append(s.attTombstones, t)
	sort.Slice(s.attTombstones, func(i, j int) bool { return s.attTombstones[i].Etag.Less(s.attTombstones[j].Etag) })
}

// SetDisposed flips the shutdown flag, for shutdown-behavior tests.
func (s *Store) SetDisposed(disposed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = disposed
}

func (s *Store) ID() string        { return s.id }
func (s *Store) ServerURL() string { return s.serverURL }

func (s *Store) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *Store) MostRecentDocumentEtag() (etag.Etag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.docs) == 0 {
		return etag.ZeroEtag, nil
	}
	return s.docs[len(s.docs)-1].Etag, nil
}

func (s *Store) Get(key string) ([]byte, etag.Etag, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.kv[key]
	if !ok {
		return nil, etag.ZeroEtag, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, etag.ZeroEtag, true, nil
}

func (s *Store) Put(key string, _ *etag.Etag, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.kv[key] = stored
	return nil
}

func (s *Store) Delete(key string, _ *etag.Etag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *Store) ListKeys(prefix, afterKey string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) && k > afterKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *Store) BeginSnapshot(_ context.Context) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &snapshot{
		blobs: make(map[string][]byte, len(s.attachmentBlobs)),
	}
	snap.docs = append(snap.docs, s.docs...)
	snap.docTombstones = append(snap.docTombstones, s.docTombstones...)
	snap.attachments = append(snap.attachments, s.attachments...)
	snap.attTombstones = append(snap.attTombstones, s.attTombstones...)
	for k, v := range s.attachmentBlobs {
		snap.blobs[k] = v
	}
	return snap, nil
}

// WaitForWork blocks until NotifyAboutWork is called or timeout elapses.
// It is deliberately simple: every call waits for the next notification
// after it started waiting, which is all the scheduler tests need.
func (s *Store) WaitForWork(ctx context.Context, timeout time.Duration, counter *uint64, _ string) bool {
	s.mu.Lock()
	ch := s.woken
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		*counter = s.workCounter
		s.mu.Unlock()
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Store) NotifyAboutWork() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workCounter++
	close(s.woken)
	s.woken = make(chan struct{})
}

type snapshot struct {
	docs          []store.Doc
	docTombstones []store.Tombstone
	attachments   []store.AttachmentMeta
	attTombstones []store.Tombstone
	blobs         map[string][]byte
}

func (s *snapshot) DocumentsAfter(after etag.Etag, maxCount int, maxBytes int64) ([]store.Doc, error) {
	var out []store.Doc
	var total int64
	for _, d := range s.docs {
		if d.Etag.Compare(after) <= 0 {
			continue
		}
		size := estimateBodySize(d.Body)
		if total+size > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, d)
		total += size
		if len(out) >= maxCount {
			break
		}
	}
	return out, nil
}

func (s *snapshot) DocumentTombstonesAfter(after etag.Etag, maxCount int) ([]store.Tombstone, error) {
	var out []store.Tombstone
	for _, t := range s.docTombstones {
		if t.Etag.Compare(after) <= 0 {
			continue
		}
		out = append(out, t)
		if len(out) >= maxCount {
			break
		}
	}
	return out, nil
}

func (s *snapshot) AttachmentsAfter(after etag.Etag, maxCount int, maxBytes int64) ([]store.AttachmentMeta, error) {
	var out []store.AttachmentMeta
	var total int64
	for _, a := range s.attachments {
		if a.Etag.Compare(after) <= 0 {
			continue
		}
		if total+a.Size > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, a)
		total += a.Size
		if len(out) >= maxCount {
			break
		}
	}
	return out, nil
}

func (s *snapshot) AttachmentTombstonesAfter(after etag.Etag, maxCount int) ([]store.Tombstone, error) {
	var out []store.Tombstone
	for _, t := range s.attTombstones {
		if t.Etag.Compare(after) <= 0 {
			continue
		}
		out = append(out, t)
		if len(out) >= maxCount {
			break
		}
	}
	return out, nil
}

func (s *snapshot) AttachmentData(key string) ([]byte, error) {
	return s.blobs[key], nil
}

func (s *snapshot) Close() error { return nil }

func estimateBodySize(body map[string]any) int64 {
	var total int64
	for k, v := range body {
		total += int64(len(k))
		if s, ok := v.(string); ok {
			total += int64(len(s))
		} else {
			total += 8
		}
	}
	return total
}
