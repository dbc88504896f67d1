package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corviddb/corvid/internal/corvidlog"
	"github.com/corviddb/corvid/internal/store"
)

const (
	// defaultDataDrivenTimeout and defaultIdleTimeout are used when a
	// Scheduler is constructed with a non-positive timeout (spec §4.8
	// step 5's stated defaults: 30s / 5m).
	defaultDataDrivenTimeout = 30 * time.Second
	defaultIdleTimeout       = 5 * time.Minute
)

// throttleStep is one row of the back-off table in spec §4.3.
type throttleStep struct {
	maxFailures int // upper bound of the persisted failure count, inclusive; -1 = unbounded
	everyKth    int64
}

// throttleTable implements spec §4.3's skip-ratio back-off.
var throttleTable = []throttleStep{
	{maxFailures: 10, everyKth: 1},
	{maxFailures: 100, everyKth: 2},
	{maxFailures: 1000, everyKth: 5},
	{maxFailures: -1, everyKth: 10},
}

func everyKth(persistedFailures int) int64 {
	for _, step := range throttleTable {
		if step.maxFailures < 0 || persistedFailures <= step.maxFailures {
			return step.everyKth
		}
	}
	return throttleTable[len(throttleTable)-1].everyKth
}

// shouldSkip implements the throttling predicate of spec §4.3. dataDriven
// is passed explicitly (spec §9's re-architecture guidance: replace the
// implicitly-captured mutable closure variable with an explicit
// parameter). Time-driven cycles always replicate, regardless of failure
// count.
func shouldSkip(dataDriven bool, attempt int64, persistedFailures int) bool {
	if !dataDriven {
		return false
	}
	k := everyKth(persistedFailures)
	return attempt%k != 0
}

// busyFlag is the per-destination mutual-exclusion gate of spec §3/§5: an
// atomic set-if-zero, cleared by the worker on every exit path. Modeled
// directly on the CAS busy/closed state machine pattern (0 = idle, 1 =
// running).
type busyFlag struct {
	state int32
}

func (b *busyFlag) tryAcquire() bool {
	return atomic.CompareAndSwapInt32(&b.state, 0, 1)
}

func (b *busyFlag) release() {
	atomic.StoreInt32(&b.state, 0)
}

// Scheduler is the single owning loop per database instance (C7): it
// enumerates destinations every cycle, throttles data-driven cycles by
// persisted failure count, fans out at most one worker per destination,
// and sleeps on the store's work-notification mechanism between cycles.
type Scheduler struct {
	store    store.Store
	work     store.WorkContext
	registry *DestinationRegistry
	worker   *Worker
	failures *FailureTracker
	notifier *SiblingNotifier

	dataDrivenTimeout time.Duration
	idleTimeout       time.Duration

	attempt int64 // process-global monotonic counter, spec §4.3

	mu      sync.Mutex
	busy    map[string]*busyFlag
	filters map[string]Filter
	wg      sync.WaitGroup
	stopped chan struct{}
}

// NewScheduler wires a Scheduler from its collaborators. dataDrivenTimeout/
// idleTimeout configure how long the loop sleeps between cycles (spec §4.8
// step 5); non-positive values fall back to their defaults.
func NewScheduler(s store.Store, work store.WorkContext, worker *Worker, failures *FailureTracker, notifier *SiblingNotifier, dataDrivenTimeout, idleTimeout time.Duration) *Scheduler {
	if dataDrivenTimeout <= 0 {
		dataDrivenTimeout = defaultDataDrivenTimeout
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Scheduler{
		store:             s,
		work:              work,
		registry:          NewDestinationRegistry(),
		worker:            worker,
		failures:          failures,
		notifier:          notifier,
		dataDrivenTimeout: dataDrivenTimeout,
		idleTimeout:       idleTimeout,
		busy:              make(map[string]*busyFlag),
		filters:           make(map[string]Filter),
		stopped:           make(chan struct{}),
	}
}

// Start spawns the scheduler's owning loop goroutine (spec §4.8: "spawn
// the thread"). Stop blocks until the loop and any in-flight workers have
// joined.
func (sch *Scheduler) Start(ctx context.Context) {
	if sch.notifier != nil {
		sch.notifier.Run(ctx)
	}

	sch.wg.Add(1)
	go func() {
		defer sch.wg.Done()
		sch.loop(ctx)
	}()
}

// Stop signals the loop to exit at its next check and waits for it and any
// in-flight workers to finish (spec §4.8 "Shutdown").
func (sch *Scheduler) Stop() {
	close(sch.stopped)
	sch.wg.Wait()
}

func (sch *Scheduler) loop(ctx context.Context) {
	dataDriven := false
	var counter uint64

	for {
		select {
		case <-sch.stopped:
			return
		case <-ctx.Done():
			return
		default:
		}

		if sch.store.Disposed() {
			return
		}

		destinations := sch.registry.Load(sch.store)
		if len(destinations) == 0 {
			dataDriven = sch.wait(ctx, dataDriven, &counter)
			continue
		}

		attempt := atomic.AddInt64(&sch.attempt, 1)

		for _, d := range destinations {
			d := d
			persisted := sch.failures.PersistedFailureCount(d.Key())
			if shouldSkip(dataDriven, attempt, persisted) {
				continue
			}

			flag := sch.busyFlagFor(d.Key())
			if !flag.tryAcquire() {
				corvidlog.Debug("worker for %s already running, skipping this cycle", d.Key())
				continue
			}

			CyclesTotal.WithLabelValues(d.Key()).Inc()
			ActiveWorkers.Inc()

			sch.wg.Add(1)
			go func() {
				defer sch.wg.Done()
				defer flag.release()
				defer ActiveWorkers.Dec()
				sch.runWorker(ctx, d)
			}()
		}

		// Workers for this cycle run as background tasks (spec §4.8 step
		// 4); the loop does not wait for them before sleeping. The busy
		// flag, not a barrier here, is what keeps a destination from
		// being double-booked across cycles (spec §5, §8 invariant 1).
		dataDriven = sch.wait(ctx, dataDriven, &counter)
	}
}

func (sch *Scheduler) runWorker(ctx context.Context, d Destination) {
	defer func() {
		if r := recover(); r != nil {
			// Fatal scheduler error: the replication loop must never die
			// except on shutdown (spec §7 kind 6).
			corvidlog.Error("worker for %s panicked: %v", d.Key(), r)
		}
	}()

	drained := sch.worker.Run(ctx, d, sch.filterFor(d))
	if drained {
		// Open Question #1 (DESIGN.md): a worker that replicated
		// something likely has more waiting; wake the loop immediately
		// and treat the follow-up cycle as data-driven.
		sch.work.NotifyAboutWork()
		if sch.notifier != nil {
			sch.notifier.NotifyAll(ctx)
		}
	}
}

func (sch *Scheduler) wait(ctx context.Context, lastWasDataDriven bool, counter *uint64) bool {
	timeout := sch.idleTimeout
	if lastWasDataDriven {
		timeout = sch.dataDrivenTimeout
	}
	return sch.work.WaitForWork(ctx, timeout, counter, "replication")
}

func (sch *Scheduler) busyFlagFor(key string) *busyFlag {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	f, ok := sch.busy[key]
	if !ok {
		f = &busyFlag{}
		sch.busy[key] = f
	}
	return f
}

// filterFor returns the destination's compiled, stateful Filter, created
// once and reused across cycles so the EachN/EachS sampling supplement
// (SPEC_FULL §12) keeps its counters (spec §3: "maintain per-destination
// filter state").
func (sch *Scheduler) filterFor(d Destination) Filter {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	f, ok := sch.filters[d.Key()]
	if !ok {
		f = NewFilter(d.Filter)
		sch.filters[d.Key()] = f
	}
	return f
}

// ActiveWorkers returns a snapshot of which destinations currently hold
// the busy flag, for diagnostics and the mutual-exclusion property test
// (spec §8 invariant 1).
func (sch *Scheduler) ActiveWorkers() ActiveWorkersSnapshot {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	snap := make(ActiveWorkersSnapshot, len(sch.busy))
	for k, f := range sch.busy {
		snap[k] = atomic.LoadInt32(&f.state) == 1
	}
	return snap
}
