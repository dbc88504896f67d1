package replication

import (
	"context"
	"time"

	"github.com/corviddb/corvid/etag"
	"github.com/corviddb/corvid/internal/corvidlog"
	"github.com/corviddb/corvid/internal/store"
)

// defaultRetryInterval and defaultRetryBackoffCoeff are used when a Worker
// is constructed with a non-positive interval/coefficient.
const (
	defaultRetryInterval     = time.Second
	defaultRetryBackoffCoeff = 2
)

// Worker runs one destination's replication for one scheduler cycle (C6).
// It must never overlap itself — the Scheduler's busy flag (§5) is the
// sole guarantee of that; Worker itself holds no lock.
type Worker struct {
	store    store.Store
	cursors  *CursorClient
	shipper  *Shipper
	batches  *BatchBuilder
	failures *FailureTracker

	retryInterval     time.Duration
	retryBackoffCoeff int
}

// NewWorker wires one Worker instance, shared across all destinations and
// cycles (it holds no per-destination state). retryInterval/
// retryBackoffCoeff configure the backoff used by the first-failure
// retry (spec §4.7); non-positive values fall back to their defaults.
func NewWorker(s store.Store, cursors *CursorClient, shipper *Shipper, batches *BatchBuilder, failures *FailureTracker, retryInterval time.Duration, retryBackoffCoeff int) *Worker {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	if retryBackoffCoeff <= 0 {
		retryBackoffCoeff = defaultRetryBackoffCoeff
	}
	return &Worker{
		store:             s,
		cursors:           cursors,
		shipper:           shipper,
		batches:           batches,
		failures:          failures,
		retryInterval:     retryInterval,
		retryBackoffCoeff: retryBackoffCoeff,
	}
}

// Run executes spec §4.7's steps for one destination and returns whether
// anything was actually replicated. A true return tells the Scheduler more
// may be waiting and it should re-evaluate immediately.
func (w *Worker) Run(ctx context.Context, d Destination, filter Filter) bool {
	if w.store.Disposed() {
		return false
	}

	remote := w.cursors.FetchRemoteCursor(ctx, d, w.currentEtagHint())
	if remote == nil {
		return false
	}

	replicated := false

	docsReplicated, ok := w.runDocsPhase(ctx, d, remote, filter)
	if !ok {
		return false
	}
	replicated = replicated || docsReplicated

	if w.store.Disposed() {
		return replicated
	}

	attachmentsReplicated, ok := w.runAttachmentsPhase(ctx, d, remote, filter)
	if !ok {
		return replicated
	}
	replicated = replicated || attachmentsReplicated

	return replicated
}

// runDocsPhase implements spec §4.7 step 4. ok is false when the phase
// failed terminally (after the first-failure retry) and the worker should
// stop for this destination this cycle.
func (w *Worker) runDocsPhase(ctx context.Context, d Destination, remote *SourceReplicationInformation, filter Filter) (replicated, ok bool) {
	docs, endEtag, err := w.batches.BuildDocBatch(ctx, remote.LastDocumentEtag, remote.ServerInstanceID, filter)
	if err != nil {
		// Local storage error: logged, not counted against the
		// destination (spec §7 kind 4).
		corvidlog.Error("failed to build doc batch for %s: %v", d.Key(), err)
		return false, true
	}

	if len(docs) == 0 {
		if endEtag.Compare(remote.LastDocumentEtag) > 0 {
			if err := w.cursors.PushCursor(ctx, d, &endEtag, nil); err != nil {
				corvidlog.Warn("failed to push doc cursor to %s: %v", d.Key(), err)
			}
		}
		return false, true
	}

	return w.shipWithRetry(ctx, d, "docs", len(docs), endEtag, func(ctx context.Context) error {
		return w.shipper.ShipDocuments(ctx, d, docs)
	})
}

// runAttachmentsPhase is the attachment-stream analogue of runDocsPhase
// (spec §4.7 step 5).
func (w *Worker) runAttachmentsPhase(ctx context.Context, d Destination, remote *SourceReplicationInformation, filter Filter) (replicated, ok bool) {
	attachments, endEtag, err := w.batches.BuildAttachmentBatch(ctx, remote.LastAttachmentEtag, remote.ServerInstanceID, filter)
	if err != nil {
		corvidlog.Error("failed to build attachment batch for %s: %v", d.Key(), err)
		return false, true
	}

	if len(attachments) == 0 {
		if endEtag.Compare(remote.LastAttachmentEtag) > 0 {
			if err := w.cursors.PushCursor(ctx, d, nil, &endEtag); err != nil {
				corvidlog.Warn("failed to push attachment cursor to %s: %v", d.Key(), err)
			}
		}
		return false, true
	}

	return w.shipWithRetry(ctx, d, "attachments", len(attachments), endEtag, func(ctx context.Context) error {
		return w.shipper.ShipAttachments(ctx, d, attachments)
	})
}

// shipWithRetry implements spec §4.7's first-failure-retry-once policy via
// Retryer: if the destination's prior state was healthy, maxAttempts allows
// one retry after the first failure before the failure is counted;
// otherwise a single attempt is made.
func (w *Worker) shipWithRetry(ctx context.Context, d Destination, stream string, count int, endEtag etag.Etag, ship func(ctx context.Context) error) (replicated, ok bool) {
	maxAttempts := 1
	if w.failures.IsFirstFailure(d.Key()) {
		maxAttempts = 2
	}

	var lastErr error
	retryer := NewRetryer(func(ctx context.Context) error {
		lastErr = ship(ctx)
		if lastErr == nil {
			return nil
		}
		return ErrRetryable
	}, w.retryInterval, w.retryBackoffCoeff, maxAttempts)

	started := time.Now()
	retryer.Run(ctx)
	recordShipResult(d.Key(), stream, count, time.Since(started).Seconds(), lastErr)

	if lastErr != nil {
		w.failures.Increment(d.Key(), lastErr.Error())
		return false, false
	}

	w.failures.Reset(d.Key())
	recordLastShippedEtag(d.Key(), stream, endEtag)
	return true, true
}

// currentEtagHint is the informational currentEtag sent on
// /replication/lastEtag (spec §4.4); best-effort, never blocks replication
// on failure.
func (w *Worker) currentEtagHint() etag.Etag {
	e, err := w.store.MostRecentDocumentEtag()
	if err != nil {
		return etag.ZeroEtag
	}
	return e
}
