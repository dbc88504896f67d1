package replication_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/corviddb/corvid/etag"
	"github.com/corviddb/corvid/internal/store"
	"github.com/corviddb/corvid/internal/store/storetest"
	"github.com/corviddb/corvid/replication"
)

// etagN builds a deterministic, strictly-increasing Etag for test fixtures.
func etagN(n uint64) etag.Etag {
	var e etag.Etag
	binary.BigEndian.PutUint64(e[8:], n)
	return e
}

func TestBuildDocBatch_MergesAndOrders(t *testing.T) {
	t.Parallel()

	s := storetest.New("http://us")
	s.PutDoc(store.Doc{Key: "a", Etag: etagN(1)})
	s.PutDocTombstone(store.Tombstone{Key: "b", Etag: etagN(2)})
	s.PutDoc(store.Doc{Key: "c", Etag: etagN(3)})

	b := replication.NewBatchBuilder(s)
	records, endEtag, err := b.BuildDocBatch(context.Background(), etag.ZeroEtag, "server-1", replication.AllowAllFilter())
	if err != nil {
		t.Fatalf("BuildDocBatch() error = %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	wantKeys := []string{"a", "b", "c"}
	for i, want := range wantKeys {
		if records[i].Key != want {
			t.Errorf("records[%d].Key = %q, want %q", i, records[i].Key, want)
		}
	}
	if !records[1].IsTombstone() {
		t.Error("records[1] should be a tombstone")
	}
	if endEtag != etagN(3) {
		t.Errorf("endEtag = %s, want %s", endEtag, etagN(3))
	}
}

func TestBuildDocBatch_EmptyStreamReturnsNoAdvance(t *testing.T) {
	t.Parallel()

	s := storetest.New("http://us")
	b := replication.NewBatchBuilder(s)

	records, endEtag, err := b.BuildDocBatch(context.Background(), etagN(5), "server-1", replication.AllowAllFilter())
	if err != nil {
		t.Fatalf("BuildDocBatch() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d records, want 0", len(records))
	}
	if endEtag != etagN(5) {
		t.Errorf("endEtag = %s, want unchanged %s", endEtag, etagN(5))
	}
}

// rejectAllFilter filters out every record, used to exercise the
// re-batch-on-full-filter loop (spec §4.5 step g, §8 invariant 3).
type rejectAllFilter struct{}

func (rejectAllFilter) Keep(string, string, replication.Metadata) bool { return false }

func TestBuildDocBatch_AllFilteredAdvancesCursorWithoutStalling(t *testing.T) {
	t.Parallel()

	s := storetest.New("http://us")
	for i := uint64(1); i <= 250; i++ {
		s.PutDoc(store.Doc{Key: "k", Etag: etagN(i)})
	}

	b := replication.NewBatchBuilder(s)
	records, endEtag, err := b.BuildDocBatch(context.Background(), etag.ZeroEtag, "server-1", rejectAllFilter{})
	if err != nil {
		t.Fatalf("BuildDocBatch() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d kept records, want 0", len(records))
	}
	if endEtag != etagN(250) {
		t.Errorf("endEtag = %s, want %s (no-stall invariant)", endEtag, etagN(250))
	}
}

func TestBuildDocBatch_PartialFilterKeepsOnlyMatching(t *testing.T) {
	t.Parallel()

	s := storetest.New("http://us")
	s.PutDoc(store.Doc{Key: "keep", Etag: etagN(1)})
	s.PutDoc(store.Doc{Key: "drop", Etag: etagN(2)})

	b := replication.NewBatchBuilder(s)
	filter := replication.NewFilter(replication.FilterRule{KeyPatterns: []string{"keep"}})
	records, endEtag, err := b.BuildDocBatch(context.Background(), etag.ZeroEtag, "server-1", filter)
	if err != nil {
		t.Fatalf("BuildDocBatch() error = %v", err)
	}
	if len(records) != 1 || records[0].Key != "keep" {
		t.Fatalf("got %+v, want only \"keep\"", records)
	}
	if endEtag != etagN(2) {
		t.Errorf("endEtag = %s, want %s (advances past the dropped record too)", endEtag, etagN(2))
	}
}

func TestBuildAttachmentBatch_ReadsPayloadForKeptLiveAttachments(t *testing.T) {
	t.Parallel()

	s := storetest.New("http://us")
	s.PutAttachment(store.AttachmentMeta{Key: "att-1", Etag: etagN(1), Size: 3}, []byte("abc"))
	s.PutAttachmentTombstone(store.Tombstone{Key: "att-2", Etag: etagN(2)})

	b := replication.NewBatchBuilder(s)
	records, endEtag, err := b.BuildAttachmentBatch(context.Background(), etag.ZeroEtag, "server-1", replication.AllowAllFilter())
	if err != nil {
		t.Fatalf("BuildAttachmentBatch() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if string(records[0].Data) != "abc" {
		t.Errorf("records[0].Data = %q, want %q", records[0].Data, "abc")
	}
	if len(records[1].Data) != 0 {
		t.Errorf("tombstone record should carry no payload, got %d bytes", len(records[1].Data))
	}
	if endEtag != etagN(2) {
		t.Errorf("endEtag = %s, want %s", endEtag, etagN(2))
	}
}
