package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory event log, suitable for tests and single-process
// deployments.
type MemoryLog struct {
	mu   sync.RWMutex
	runs map[string][]*Entry
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{runs: make(map[string][]*Entry)}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, runID, event string, data interface{}) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.runs[runID]
	entry := &Entry{
		RunID:     runID,
		Seq:       int64(len(entries)) + 1,
		Event:     event,
		Data:      data,
		EmittedAt: time.Now(),
	}
	l.runs[runID] = append(entries, entry)
	return entry, nil
}

// ReadFrom implements Log.
func (l *MemoryLog) ReadFrom(ctx context.Context, runID string, startSeq int64) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.runs[runID]
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if e.Seq >= startSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastSeq implements Log.
func (l *MemoryLog) LastSeq(ctx context.Context, runID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.runs[runID])), nil
}

// Purge implements Log.
func (l *MemoryLog) Purge(ctx context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runs, runID)
	return nil
}

// Close implements Log.
func (l *MemoryLog) Close() error {
	return nil
}
