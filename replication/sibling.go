package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/corviddb/corvid/internal/corvidlog"
	"github.com/corviddb/corvid/internal/store"
)

// siblingPageSize bounds how many sibling records are listed per
// ListKeys call at startup enumeration.
const siblingPageSize = 128

// siblingQueueDepth bounds the best-effort heartbeat queue; a slow or
// unreachable sibling must never block the replication loop (spec §6:
// "best effort, fire-and-forget").
const siblingQueueDepth = 64

// siblingsPrefix is the storage key prefix under which known replication
// sources (siblings that pull from us) are recorded.
const siblingsPrefix = "replication/sources/"

// sourcePeerRecord is the persisted shape of one replication/sources/*
// document (spec §4.9: "extract its source URL").
type sourcePeerRecord struct {
	Source string `json:"source"`
}

// SiblingNotifier is the best-effort heartbeat sender (C8): on startup it
// enumerates known sibling sources and, for the lifetime of the process,
// asynchronously pings each one whenever asked to, so a sibling currently
// in a long idle sleep can skip its own timeout and pull sooner. Modeled
// on the teacher's channel-backed async sender: a bounded queue plus one
// drain goroutine, dropping a heartbeat rather than blocking the caller.
type SiblingNotifier struct {
	store      store.Store
	httpClient *http.Client
	ourURL     string

	queue chan string
	done  chan struct{}
}

// NewSiblingNotifier builds a notifier that identifies itself as ourURL.
func NewSiblingNotifier(s store.Store, ourURL string, timeout time.Duration) *SiblingNotifier {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &SiblingNotifier{
		store:      s,
		httpClient: &http.Client{Timeout: timeout},
		ourURL:     ourURL,
		queue:      make(chan string, siblingQueueDepth),
		done:       make(chan struct{}),
	}
}

// Run starts the drain goroutine and enqueues a startup ping to every known
// sibling in the background. It returns immediately; later pings are
// enqueued by NotifyAll.
func (n *SiblingNotifier) Run(ctx context.Context) {
	go n.drain(ctx)
	go n.enumerateAndNotify(ctx)
}

// Stop signals the drain goroutine to exit; it does not wait for
// in-flight heartbeats, which are best-effort by design.
func (n *SiblingNotifier) Stop() {
	close(n.done)
}

// NotifyAll enqueues a heartbeat to every known sibling. Called after a
// worker successfully replicates a batch, so a sibling that is itself
// forwarding our writes (transitive replication) can catch up without
// waiting out its idle timeout. Non-blocking: siblings behind a full
// queue simply miss this particular nudge.
func (n *SiblingNotifier) NotifyAll(ctx context.Context) {
	n.enumerateAndNotify(ctx)
}

func (n *SiblingNotifier) enumerateAndNotify(ctx context.Context) {
	after := ""
	for {
		keys, err := n.store.ListKeys(siblingsPrefix, after, siblingPageSize)
		if err != nil {
			corvidlog.Warn("failed to enumerate replication sources: %v", err)
			return
		}
		if len(keys) == 0 {
			return
		}

		for _, key := range keys {
			sourceURL, ok := n.resolveSource(key)
			if !ok {
				continue
			}
			n.enqueue(sourceURL)
		}

		if len(keys) < siblingPageSize {
			return
		}
		after = keys[len(keys)-1]
	}
}

// resolveSource reads the source-peer record at key and extracts its
// "source" field (spec §4.9). Unreadable or malformed records are skipped
// with a warning; one bad record must not stop the rest of the page.
func (n *SiblingNotifier) resolveSource(key string) (string, bool) {
	data, _, found, err := n.store.Get(key)
	if err != nil || !found {
		corvidlog.Warn("failed to read replication source record %s: %v", key, err)
		return "", false
	}

	var rec sourcePeerRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Source == "" {
		corvidlog.Warn("skipping malformed replication source record %s", key)
		return "", false
	}
	return rec.Source, true
}

func (n *SiblingNotifier) enqueue(siblingURL string) {
	select {
	case n.queue <- siblingURL:
	default:
		corvidlog.Debug("heartbeat queue full, dropping ping to %s", siblingURL)
	}
}

func (n *SiblingNotifier) drain(ctx context.Context) {
	for {
		select {
		case <-n.done:
			return
		case <-ctx.Done():
			return
		case siblingURL, ok := <-n.queue:
			if !ok {
				return
			}
			n.ping(ctx, siblingURL)
		}
	}
}

func (n *SiblingNotifier) ping(ctx context.Context, siblingURL string) {
	q := url.Values{"from": {n.ourURL}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, siblingURL+"/replication/heartbeat?"+q, nil)
	if err != nil {
		return
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		corvidlog.Debug("heartbeat to %s failed: %v", siblingURL, err)
		return
	}
	resp.Body.Close()
}
