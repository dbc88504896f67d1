package replication_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corviddb/corvid/internal/store"
	"github.com/corviddb/corvid/internal/store/storetest"
	"github.com/corviddb/corvid/replication"
)

// fakePeer is a minimal httptest-backed stand-in for a replication peer,
// implementing just enough of §6's wire contract for the worker tests.
type fakePeer struct {
	srv *httptest.Server

	lastDocEtag        string
	lastAttachmentEtag string
	serverInstanceID   string

	docPostStatus []int // consumed in order, one per POST /replicateDocs; last value reused once exhausted
	docPosts      int32
	pushedDocEtag string
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	p := &fakePeer{
		serverInstanceID:   "peer-instance-1",
		docPostStatus:      []int{200},
		lastDocEtag:        "00000000000000000000000000000000",
		lastAttachmentEtag: "00000000000000000000000000000000",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/replication/lastEtag", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"lastDocumentEtag":   p.lastDocEtag,
				"lastAttachmentEtag": p.lastAttachmentEtag,
				"serverInstanceId":   p.serverInstanceID,
			})
		case http.MethodPut:
			p.pushedDocEtag = r.URL.Query().Get("docEtag")
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/replication/replicateDocs", func(w http.ResponseWriter, r *http.Request) {
		idx := atomic.AddInt32(&p.docPosts, 1) - 1
		status := p.docPostStatus[len(p.docPostStatus)-1]
		if int(idx) < len(p.docPostStatus) {
			status = p.docPostStatus[idx]
		}
		if status >= 300 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"Error":"peer rejected batch"}`))
			return
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("/replication/replicateAttachments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func newWorkerHarness(t *testing.T, peer *fakePeer) (*replication.Worker, *storetest.Store) {
	t.Helper()
	s := storetest.New("http://us")
	cursors := replication.NewCursorClient("http://us", s.ID(), 0)
	shipper := replication.NewShipper("http://us", 0)
	batches := replication.NewBatchBuilder(s)
	failures := replication.NewFailureTracker(s)
	w := replication.NewWorker(s, cursors, shipper, batches, failures, time.Millisecond, 2)
	return w, s
}

func TestWorker_HappyPathShipsDocsAndResetsFailures(t *testing.T) {
	t.Parallel()

	peer := newFakePeer(t)
	w, s := newWorkerHarness(t, peer)
	s.PutDoc(store.Doc{Key: "a", Etag: etagN(1)})
	s.PutDoc(store.Doc{Key: "b", Etag: etagN(2)})

	d := replication.Destination{URL: peer.srv.URL}
	replicated := w.Run(context.Background(), d, replication.AllowAllFilter())

	if !replicated {
		t.Error("Run() should report true when documents were shipped")
	}
	if atomic.LoadInt32(&peer.docPosts) != 1 {
		t.Errorf("docPosts = %d, want 1", peer.docPosts)
	}
	if peer.pushedDocEtag != "" {
		t.Error("cursor push should not happen when a batch was actually shipped")
	}
}

func TestWorker_AllFilteredPushesCursorWithoutShipping(t *testing.T) {
	t.Parallel()

	peer := newFakePeer(t)
	w, s := newWorkerHarness(t, peer)
	s.PutDoc(store.Doc{Key: "a", Etag: etagN(1)})

	d := replication.Destination{URL: peer.srv.URL}
	replicated := w.Run(context.Background(), d, rejectAllFilter{})

	if replicated {
		t.Error("Run() should report false when nothing was shipped")
	}
	if atomic.LoadInt32(&peer.docPosts) != 0 {
		t.Errorf("docPosts = %d, want 0 (everything was filtered)", peer.docPosts)
	}
	if peer.pushedDocEtag == "" {
		t.Error("expected a cursor push after an all-filtered batch")
	}
}

func TestWorker_FirstFailureRetriesOnceThenSucceeds(t *testing.T) {
	t.Parallel()

	peer := newFakePeer(t)
	peer.docPostStatus = []int{503, 200}
	w, s := newWorkerHarness(t, peer)
	s.PutDoc(store.Doc{Key: "a", Etag: etagN(1)})

	d := replication.Destination{URL: peer.srv.URL}
	replicated := w.Run(context.Background(), d, replication.AllowAllFilter())

	if !replicated {
		t.Error("Run() should report true: the retry succeeded")
	}
	if atomic.LoadInt32(&peer.docPosts) != 2 {
		t.Errorf("docPosts = %d, want 2 (one failure, one retry)", peer.docPosts)
	}
}

func TestWorker_SecondConsecutiveFailureIsCountedWithoutRetry(t *testing.T) {
	t.Parallel()

	peer := newFakePeer(t)
	peer.docPostStatus = []int{503}
	w, s := newWorkerHarness(t, peer)
	s.PutDoc(store.Doc{Key: "a", Etag: etagN(1)})

	d := replication.Destination{URL: peer.srv.URL}
	w.Run(context.Background(), d, replication.AllowAllFilter())
	if atomic.LoadInt32(&peer.docPosts) != 2 {
		t.Fatalf("first cycle should have retried once, docPosts = %d", peer.docPosts)
	}

	atomic.StoreInt32(&peer.docPosts, 0)
	s.PutDoc(store.Doc{Key: "b", Etag: etagN(2)})
	replicated := w.Run(context.Background(), d, replication.AllowAllFilter())

	if replicated {
		t.Error("Run() should report false on a still-failing destination")
	}
	if atomic.LoadInt32(&peer.docPosts) != 1 {
		t.Errorf("docPosts = %d, want 1 (no retry once the destination is already unhealthy)", peer.docPosts)
	}
}

func TestWorker_DisposedStoreSkipsEverything(t *testing.T) {
	t.Parallel()

	peer := newFakePeer(t)
	w, s := newWorkerHarness(t, peer)
	s.SetDisposed(true)

	d := replication.Destination{URL: peer.srv.URL}
	if w.Run(context.Background(), d, replication.AllowAllFilter()) {
		t.Error("Run() on a disposed store should return false")
	}
}

