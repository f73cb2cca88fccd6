package graph

import (
	"sync"
	"time"

	"github.com/chazu/splinter/pkg/physics"
)

// RecordedBreak is one break event with the time it was received,
// relative to the start of the recording.
type RecordedBreak struct {
	At    time.Duration
	Event physics.BreakEvent
}

// Recorder captures the break events received by one or more managers so
// that a destruction sequence can be replayed.
type Recorder struct {
	start time.Time

	mu     sync.Mutex
	events []RecordedBreak
}

// NewRecorder starts a recording.
func NewRecorder() *Recorder {
	return &Recorder{start: time.Now()}
}

func (r *Recorder) record(ev physics.BreakEvent) {
	at := time.Since(r.start)
	r.mu.Lock()
	r.events = append(r.events, RecordedBreak{At: at, Event: ev})
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in arrival order.
func (r *Recorder) Events() []RecordedBreak {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedBreak(nil), r.events...)
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Replay feeds every recorded event into m in arrival order, releasing
// the matching engine joints first. Handles are used as recorded, so m
// must have been built with the same actors.
func (r *Recorder) Replay(m *Manager) int {
	events := r.Events()
	for _, e := range events {
		m.engine.ReleaseJoint(e.Event.Joint)
		m.OnJointBreak(e.Event)
	}
	return len(events)
}
