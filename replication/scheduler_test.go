package replication_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corviddb/corvid/internal/store"
	"github.com/corviddb/corvid/internal/store/storetest"
	"github.com/corviddb/corvid/replication"
)

// stepWorkContext is a store.WorkContext whose WaitForWork blocks on an
// unbuffered channel, giving tests exact control over when the scheduler
// loop advances to its next cycle: a send only completes once the
// scheduler's own goroutine is parked in WaitForWork, so cycles can never
// be silently coalesced or dropped the way a real debounced notification
// stream might.
type stepWorkContext struct {
	wakeCh chan bool
}

func newStepWorkContext() *stepWorkContext {
	return &stepWorkContext{wakeCh: make(chan bool)}
}

func (w *stepWorkContext) WaitForWork(ctx context.Context, _ time.Duration, _ *uint64, _ string) bool {
	select {
	case v := <-w.wakeCh:
		return v
	case <-ctx.Done():
		return false
	}
}

func (w *stepWorkContext) NotifyAboutWork() {}

func (w *stepWorkContext) advance(dataDriven bool) {
	w.wakeCh <- dataDriven
}

func newSchedulerHarness(t *testing.T, s *storetest.Store) (*replication.Worker, *replication.FailureTracker) {
	t.Helper()
	cursors := replication.NewCursorClient("http://us", s.ID(), 0)
	shipper := replication.NewShipper("http://us", 0)
	batches := replication.NewBatchBuilder(s)
	failures := replication.NewFailureTracker(s)
	worker := replication.NewWorker(s, cursors, shipper, batches, failures, time.Millisecond, 2)
	return worker, failures
}

func putDestinations(t *testing.T, s *storetest.Store, urls ...string) {
	t.Helper()
	doc := `{"destinations":[`
	for i, u := range urls {
		if i > 0 {
			doc += ","
		}
		doc += `{"url":"` + u + `"}`
	}
	doc += `]}`
	if err := s.Put("replication/destinations", nil, []byte(doc)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

// TestScheduler_EmptyDestinationListMakesNoOutboundCalls is scenario S1:
// zero destinations configured, several cycles run, zero HTTP calls and no
// worker ever holds the busy flag.
func TestScheduler_EmptyDestinationListMakesNoOutboundCalls(t *testing.T) {
	t.Parallel()

	s := storetest.New("http://us")
	worker, failures := newSchedulerHarness(t, s)

	wc := newStepWorkContext()
	sch := replication.NewScheduler(s, wc, worker, failures, nil, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	sch.Start(ctx)

	for i := 0; i < 3; i++ {
		wc.advance(false)
	}

	cancel()
	sch.Stop()

	if active := sch.ActiveWorkers(); len(active) != 0 {
		t.Errorf("ActiveWorkers() = %+v, want empty with no destinations ever configured", active)
	}
}

// TestScheduler_BackoffThrottlesDataDrivenCycles is scenario S5: a
// destination with a persisted failure count of 150 (k=5 per §4.3) should
// only be attempted on every 5th data-driven cycle; the initial,
// not-data-driven cycle always replicates regardless.
func TestScheduler_BackoffThrottlesDataDrivenCycles(t *testing.T) {
	t.Parallel()

	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&gets, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lastDocumentEtag":"00000000000000000000000000000000","lastAttachmentEtag":"00000000000000000000000000000000","serverInstanceId":"peer-1"}`))
	}))
	defer srv.Close()

	s := storetest.New("http://us")
	putDestinations(t, s, srv.URL)
	worker, failures := newSchedulerHarness(t, s)

	for i := 0; i < 150; i++ {
		failures.Increment(replication.Destination{URL: srv.URL}.Key(), "boom")
	}

	wc := newStepWorkContext()
	sch := replication.NewScheduler(s, wc, worker, failures, nil, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	sch.Start(ctx)

	for i := 0; i < 10; i++ {
		wc.advance(true)
		// Give each cycle's background worker (if any) a chance to run
		// and release its busy flag before the next cycle starts, same
		// pattern as TestScheduler_MutualExclusionAcrossCycles.
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	sch.Stop()

	// cycle 1 (attempt 1, not data-driven) always replicates; of the 10
	// data-driven cycles that follow (attempts 2..11), only attempts 5
	// and 10 satisfy attempt % 5 == 0.
	want := int32(1 + 2)
	if got := atomic.LoadInt32(&gets); got != want {
		t.Errorf("GET /replication/lastEtag count = %d, want %d", got, want)
	}
}

// TestScheduler_MutualExclusionAcrossCycles is scenario S6: while a worker
// for one destination is in-flight, the scheduler loops several more
// times; no second worker for that destination is spawned, but a second,
// independent destination keeps being scheduled normally.
func TestScheduler_MutualExclusionAcrossCycles(t *testing.T) {
	t.Parallel()

	var getsSlow, getsFast int32
	release := make(chan struct{})

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&getsSlow, 1)
			<-release
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lastDocumentEtag":"00000000000000000000000000000000","lastAttachmentEtag":"00000000000000000000000000000000","serverInstanceId":"slow-peer"}`))
	}))
	defer slow.Close()

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&getsFast, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lastDocumentEtag":"00000000000000000000000000000000","lastAttachmentEtag":"00000000000000000000000000000000","serverInstanceId":"fast-peer"}`))
	}))
	defer fast.Close()

	s := storetest.New("http://us")
	putDestinations(t, s, slow.URL, fast.URL)
	worker, failures := newSchedulerHarness(t, s)

	wc := newStepWorkContext()
	sch := replication.NewScheduler(s, wc, worker, failures, nil, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	sch.Start(ctx)

	// Cycle 1 (the initial, not-data-driven cycle) spawns both workers;
	// the slow one blocks inside its GET handler, holding its busy flag.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&getsSlow) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&getsSlow) != 1 {
		t.Fatalf("slow destination's first GET never arrived")
	}

	// Three more data-driven cycles while the slow worker is still
	// in-flight: no second GET to the slow destination, but the fast
	// destination keeps being scheduled.
	for i := 0; i < 3; i++ {
		wc.advance(true)
		time.Sleep(20 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&getsSlow); got != 1 {
		t.Errorf("slow destination GET count = %d, want 1 (busy flag should have blocked re-entry)", got)
	}
	if got := atomic.LoadInt32(&getsFast); got < 2 {
		t.Errorf("fast destination GET count = %d, want it scheduled across multiple cycles", got)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)

	cancel()
	sch.Stop()

	active := sch.ActiveWorkers()
	if active[replication.Destination{URL: slow.URL}.Key()] {
		t.Error("slow destination should have released its busy flag once unblocked")
	}
}

var _ store.WorkContext = (*stepWorkContext)(nil)
