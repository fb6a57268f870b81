package failover

import (
	"sync"
	"time"
)

// History is a time-bounded record of failover events and failures for one
// system. Entries older than the retention window are dropped on insert
// and on read.
type History struct {
	retention time.Duration

	mu       sync.Mutex
	events   []Event
	failures []FailureRecord
}

// NewHistory creates a history with the given retention window
func NewHistory(retention time.Duration) *History {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &History{retention: retention}
}

// AddEvent appends an event, dropping expired entries
func (h *History) AddEvent(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(time.Now())
	h.events = append(h.events, e)
}

// AddFailure appends a failure record, dropping expired entries
func (h *History) AddFailure(f FailureRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(time.Now())
	h.failures = append(h.failures, f)
}

// Events returns a copy of the retained events
func (h *History) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(time.Now())
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

// EventsOfType returns retained events of the given type
func (h *History) EventsOfType(t EventType) []Event {
	var out []Event
	for _, e := range h.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Failures returns a copy of the retained failure records
func (h *History) Failures() []FailureRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(time.Now())
	out := make([]FailureRecord, len(h.failures))
	copy(out, h.failures)
	return out
}

func (h *History) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.retention)
	events := h.events[:0]
	for _, e := range h.events {
		if e.OccurredAt.After(cutoff) {
			events = append(events, e)
		}
	}
	h.events = events

	failures := h.failures[:0]
	for _, f := range h.failures {
		if f.OccurredAt.After(cutoff) {
			failures = append(failures, f)
		}
	}
	h.failures = failures
}
