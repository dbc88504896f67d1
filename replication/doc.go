package replication

/**
This package implements the outbound replication engine of corvid.

A replication destination is another corvid instance (or a compatible
peer) that wants a copy of this instance's documents and attachments.
Each configured destination gets one worker (C6) driven by a single
scheduler loop (C7):

- The scheduler fans out at most one worker per destination per cycle,
  guarded by an atomic busy flag so a slow destination is never run
  twice concurrently.
- A worker fetches the destination's current cursor over HTTP, then
  builds and ships a batch of documents and then a batch of attachments
  newer than that cursor. When every record in a window was filtered
  out, nothing is shipped and the worker pushes the cursor forward
  explicitly instead.
- Failures are tracked both in memory (for the first-failure-retry-once
  policy) and persisted (for throttling data-driven cycles once a
  destination has been failing for a while).

There is no receiving side: a destination that also wants to forward our
writes to a third instance (transitive replication) runs its own
instance of this same package against us as its source.
*/
