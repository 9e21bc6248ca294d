package broadcast

import (
	"context"
	"sync"
)

// Recorded is one emitted event.
type Recorded struct {
	Room    string
	Event   string
	Payload any
}

// Recorder captures events in memory. Test double.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(ctx context.Context, room, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Room: room, Event: event, Payload: payload})
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// ByEvent filters recorded events by name.
func (r *Recorder) ByEvent(event string) []Recorded {
	var out []Recorded
	for _, e := range r.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
