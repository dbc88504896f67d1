package replication

import (
	"context"
	"sort"

	"code.cloudfoundry.org/bytefmt"

	"github.com/corviddb/corvid/etag"
	"github.com/corviddb/corvid/internal/corvidlog"
	"github.com/corviddb/corvid/internal/store"
)

const (
	// batchMaxCount is the per-source (documents, tombstones) fetch cap
	// of spec §4.5: "fetch up to 100 documents"/"100 entries".
	batchMaxCount = 100
	// batchMaxBytes is the total payload budget of spec §4.5: "bounded by
	// ... 10 MiB total payload".
	batchMaxBytes = 10 * 1024 * 1024
)

// BatchBuilder assembles doc/attachment batches per spec §4.5 (C4): merge
// live records and tombstones in one transactional snapshot, apply the
// destination filter, and re-fetch when an entire window is filtered out
// so the sender never stalls on a large filtered region.
type BatchBuilder struct {
	s store.Store
}

// NewBatchBuilder builds a BatchBuilder reading from s.
func NewBatchBuilder(s store.Store) *BatchBuilder {
	return &BatchBuilder{s: s}
}

// BuildDocBatch implements spec §4.5's algorithm for the document stream.
// It returns the kept records to ship and the etag of the last record
// examined (kept or dropped) — attemptedEndEtag, which the caller uses to
// push the peer's cursor forward even when kept is empty.
func (b *BatchBuilder) BuildDocBatch(ctx context.Context, startEtag etag.Etag, serverInstanceID string, filter Filter) ([]Record, etag.Etag, error) {
	snap, err := b.s.BeginSnapshot(ctx)
	if err != nil {
		return nil, startEtag, err
	}
	defer snap.Close()

	cursor := startEtag
	for {
		docs, err := snap.DocumentsAfter(cursor, batchMaxCount, batchMaxBytes)
		if err != nil {
			return nil, startEtag, err
		}
		tombstones, err := snap.DocumentTombstonesAfter(cursor, batchMaxCount)
		if err != nil {
			return nil, startEtag, err
		}

		merged := mergeDocRecords(docs, tombstones)
		if len(merged) == 0 {
			return nil, cursor, nil
		}

		kept, lastExamined := partitionRecords(merged, serverInstanceID, filter)
		if len(kept) > 0 {
			return kept, lastExamined, nil
		}

		corvidlog.Debug("entire doc batch after %s filtered out (%s), re-fetching", cursor, bytefmt.ByteSize(batchMaxBytes))
		cursor = lastExamined
	}
}

// BuildAttachmentBatch is the attachment-stream analogue of BuildDocBatch.
// Kept live attachments have their binary payload read inside the same
// snapshot (spec §4.5); tombstones carry no payload.
func (b *BatchBuilder) BuildAttachmentBatch(ctx context.Context, startEtag etag.Etag, serverInstanceID string, filter Filter) ([]AttachmentRecord, etag.Etag, error) {
	snap, err := b.s.BeginSnapshot(ctx)
	if err != nil {
		return nil, startEtag, err
	}
	defer snap.Close()

	cursor := startEtag
	for {
		attachments, err := snap.AttachmentsAfter(cursor, batchMaxCount, batchMaxBytes)
		if err != nil {
			return nil, startEtag, err
		}
		tombstones, err := snap.AttachmentTombstonesAfter(cursor, batchMaxCount)
		if err != nil {
			return nil, startEtag, err
		}

		merged := mergeAttachmentRecords(attachments, tombstones)
		if len(merged) == 0 {
			return nil, cursor, nil
		}

		kept, lastExamined := partitionAttachments(merged, serverInstanceID, filter)
		if len(kept) == 0 {
			corvidlog.Debug("entire attachment batch after %s filtered out, re-fetching", cursor)
			cursor = lastExamined
			continue
		}

		for i := range kept {
			if kept[i].IsTombstone() {
				continue
			}
			data, err := snap.AttachmentData(kept[i].ID)
			if err != nil {
				return nil, startEtag, err
			}
			kept[i].Data = data
		}
		return kept, lastExamined, nil
	}
}

// mergeDocRecords merges live documents and tombstones into one
// etag-ascending Record slice, inside a single transactional snapshot
// (spec §4.5: a document deleted between reads must not appear twice —
// callers read both inputs from the same snapshot).
func mergeDocRecords(docs []store.Doc, tombstones []store.Tombstone) []Record {
	records := make([]Record, 0, len(docs)+len(tombstones))
	for _, d := range docs {
		records = append(records, Record{
			Key:      d.Key,
			Etag:     d.Etag,
			Metadata: Metadata{Extra: d.Metadata},
			Body:     d.Body,
		})
	}
	for _, t := range tombstones {
		records = append(records, Record{
			Key:      t.Key,
			Etag:     t.Etag,
			Metadata: Metadata{Deleted: true, Extra: t.Metadata},
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Etag.Less(records[j].Etag) })
	return records
}

func mergeAttachmentRecords(attachments []store.AttachmentMeta, tombstones []store.Tombstone) []AttachmentRecord {
	records := make([]AttachmentRecord, 0, len(attachments)+len(tombstones))
	for _, a := range attachments {
		records = append(records, AttachmentRecord{
			ID:       a.Key,
			Etag:     a.Etag,
			Metadata: Metadata{Extra: a.Metadata},
		})
	}
	for _, t := range tombstones {
		records = append(records, AttachmentRecord{
			ID:       t.Key,
			Etag:     t.Etag,
			Metadata: Metadata{Deleted: true, Extra: t.Metadata},
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Etag.Less(records[j].Etag) })
	return records
}

// partitionRecords applies filter to merged, returning the kept subset and
// the etag of the last (kept or dropped) record examined.
func partitionRecords(merged []Record, serverInstanceID string, filter Filter) ([]Record, etag.Etag) {
	kept := make([]Record, 0, len(merged))
	for _, r := range merged {
		if filter.Keep(serverInstanceID, r.Key, r.Metadata) {
			kept = append(kept, r)
		}
	}
	return kept, merged[len(merged)-1].Etag
}

func partitionAttachments(merged []AttachmentRecord, serverInstanceID string, filter Filter) ([]AttachmentRecord, etag.Etag) {
	kept := make([]AttachmentRecord, 0, len(merged))
	for _, a := range merged {
		if filter.Keep(serverInstanceID, a.ID, a.Metadata) {
			kept = append(kept, a)
		}
	}
	return kept, merged[len(merged)-1].Etag
}
