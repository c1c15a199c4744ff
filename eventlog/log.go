// Package eventlog provides the durable per-run event log. Every event a run
// produces is appended with a gapless sequence number assigned at append
// time, so late subscribers can replay from any position and splice onto the
// live tail without gaps or duplicates.
package eventlog

import (
	"context"
	"time"
)

// Entry is one persisted event of a run.
type Entry struct {
	// RunID owns the entry.
	RunID string `json:"run_id"`
	// Seq is the position within the run's log, starting at 1 and gapless.
	Seq int64 `json:"seq"`
	// Event is the envelope event name.
	Event string `json:"event"`
	// Data is the envelope payload.
	Data interface{} `json:"data"`
	// EmittedAt is when the entry was appended.
	EmittedAt time.Time `json:"emitted_at"`
}

// Log stores run events in append order.
type Log interface {
	// Append persists an event and assigns it the next sequence number for
	// the run. Assignment and persistence are atomic: two concurrent appends
	// to the same run never share or skip a number.
	Append(ctx context.Context, runID, event string, data interface{}) (*Entry, error)

	// ReadFrom returns all entries of a run with Seq >= startSeq, in
	// ascending order. A run with no entries yields an empty slice.
	ReadFrom(ctx context.Context, runID string, startSeq int64) ([]*Entry, error)

	// LastSeq returns the highest assigned sequence number for a run, zero
	// when the run has no entries.
	LastSeq(ctx context.Context, runID string) (int64, error)

	// Purge removes all entries of a run. Purging an unknown run is a no-op.
	Purge(ctx context.Context, runID string) error

	// Close releases underlying resources.
	Close() error
}
