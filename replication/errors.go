package replication

import "github.com/pkg/errors"

// ErrRetryable marks an error as worth retrying. Compare with errors.Is.
// Worker.shipWithRetry returns it for every failed ship attempt, whatever
// the status or transport error. Ported from the teacher's RetryableError.
var ErrRetryable = errors.New("retryable replication error")

// errMissingURL is returned by toDestination for an entry with no URL.
var errMissingURL = errors.New("destination entry has no url")

// errPeerNotEnabled distinguishes a peer that rejected /replication/lastEtag
// with 400/404 ("replication not enabled on peer", spec §4.4) from a
// connection failure in the log. It is only used as log text:
// FetchRemoteCursor returns nil for it like for any other lastEtag failure,
// and the worker then skips the destination for the cycle without counting
// a failure.
var errPeerNotEnabled = errors.New("replication not enabled on peer")
