package replication

import "time"

// DestinationDiagnostics is one destination's row in a Diagnostics
// snapshot (SPEC_FULL §12): enough to drive an operator dashboard or
// /replication/status endpoint without re-deriving state from storage.
// Grounded on the shape of FullReplicationInfo from the reduct-go client
// model, adapted from a wire response type to an internal snapshot.
type DestinationDiagnostics struct {
	Destination      string    `json:"destination"`
	IsActive         bool      `json:"isActive"`
	FailureCount     int       `json:"failureCount"`
	LastError        string    `json:"lastError,omitempty"`
	LastFailureTime  time.Time `json:"lastFailureTime,omitempty"`
	LastSuccessTime  time.Time `json:"lastSuccessTime,omitempty"`
}

// Diagnostics is the full-instance snapshot returned to operators.
type Diagnostics struct {
	Destinations []DestinationDiagnostics `json:"destinations"`
}

// DiagnosticsCollector assembles a Diagnostics snapshot from the
// Scheduler's live busy-flag state and the FailureTracker's counts.
type DiagnosticsCollector struct {
	scheduler *Scheduler
	failures  *FailureTracker
	registry  *DestinationRegistry
}

// NewDiagnosticsCollector wires a collector over the running replication
// components.
func NewDiagnosticsCollector(sch *Scheduler, failures *FailureTracker, registry *DestinationRegistry) *DiagnosticsCollector {
	return &DiagnosticsCollector{scheduler: sch, failures: failures, registry: registry}
}

// Snapshot returns one DestinationDiagnostics row for every currently
// configured destination, in no particular order.
func (c *DiagnosticsCollector) Snapshot(destinations []Destination) Diagnostics {
	active := c.scheduler.ActiveWorkers()
	counts := c.failures.Snapshot()

	rows := make([]DestinationDiagnostics, 0, len(destinations))
	for _, d := range destinations {
		row := DestinationDiagnostics{
			Destination: d.Key(),
			IsActive:    active[d.Key()],
		}
		if fc, ok := counts[d.Key()]; ok {
			row.FailureCount = fc.Count
			row.LastError = fc.LastError
			if fc.Count > 0 {
				row.LastFailureTime = fc.Timestamp
			} else {
				row.LastSuccessTime = fc.Timestamp
			}
		}
		rows = append(rows, row)
	}
	return Diagnostics{Destinations: rows}
}
