package runs

import "sync"

// Notifier wakes run subscribers when something about a run changed: a new
// event was appended or the status moved. Waiters grab the current generation
// channel and block on it; Notify closes that channel and installs a fresh
// one, releasing every waiter at once.
type Notifier struct {
	mu   sync.Mutex
	gens map[string]chan struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{gens: make(map[string]chan struct{})}
}

// Wait returns a channel closed on the next notification for the run.
func (n *Notifier) Wait(runID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.gens[runID]
	if !ok {
		ch = make(chan struct{})
		n.gens[runID] = ch
	}
	return ch
}

// Notify releases all current waiters of the run.
func (n *Notifier) Notify(runID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.gens[runID]; ok {
		close(ch)
		delete(n.gens, runID)
	}
}

// Forget drops the run's waiter channel, releasing anyone still blocked.
// Called when a run is deleted.
func (n *Notifier) Forget(runID string) {
	n.Notify(runID)
}
