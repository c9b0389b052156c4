package event

import "sync"

// Recorder buffers events raised by an aggregate until they are collected
// into the outbox. Embed it in aggregate roots to satisfy Source.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record appends one event to the pending buffer. Nil events are dropped.
func (recorder *Recorder) Record(evt Event) {
	if evt == nil {
		return
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	recorder.events = append(recorder.events, evt)
}

// DrainEvents atomically empties the buffer and returns the drained
// events in record order. Each event is captured exactly once.
func (recorder *Recorder) DrainEvents() []Event {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	drained := recorder.events
	recorder.events = nil

	return drained
}

// Pending returns the number of buffered events.
func (recorder *Recorder) Pending() int {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	return len(recorder.events)
}
