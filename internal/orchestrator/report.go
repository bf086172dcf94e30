package orchestrator

import (
	"sort"
	"sync"
)

// Outcome of one orchestrated step.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Event records one completed step.
type Event struct {
	Phase    Phase
	Identity string
	Slot     int
	Outcome  string
	Code     string
	Detail   string
}

// Report is what a run produced.
type Report struct {
	RunID string

	// Results holds the bytes each retriever received.
	Results map[string][]byte

	// Events lists completed steps in the order they finished.
	Events []Event
}

// SortedEvents returns the events ordered by phase, then identity, then
// slot. Concurrent schedules finish steps in varying order; this view
// does not.
func (r *Report) SortedEvents() []Event {
	events := append([]Event(nil), r.Events...)
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Phase.rank() != b.Phase.rank() {
			return a.Phase.rank() < b.Phase.rank()
		}
		if a.Identity != b.Identity {
			return a.Identity < b.Identity
		}
		return a.Slot < b.Slot
	})
	return events
}

// eventLog collects events from concurrent tasks.
type eventLog struct {
	mu      sync.Mutex
	events  []Event
	results map[string][]byte
}

func newEventLog() *eventLog {
	return &eventLog{results: make(map[string][]byte)}
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) result(identity string, data []byte) {
	l.mu.Lock()
	l.results[identity] = data
	l.mu.Unlock()
}

func (l *eventLog) report(runID string) *Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	results := make(map[string][]byte, len(l.results))
	for k, v := range l.results {
		results[k] = v
	}
	return &Report{
		RunID:   runID,
		Results: results,
		Events:  append([]Event(nil), l.events...),
	}
}
