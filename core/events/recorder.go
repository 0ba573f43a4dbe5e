package events

import "sync"

// Recorder retains emitted events in order so that RPC consumers can poll for
// them. There is no blocking wait anywhere in the core; pollers call Since with
// the last sequence number they have seen.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if evt == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Since returns all events with a sequence number greater than or equal to seq
// along with the next sequence number to poll from.
func (r *Recorder) Since(seq uint64) ([]Event, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if seq > uint64(len(r.events)) {
		seq = uint64(len(r.events))
	}
	out := make([]Event, len(r.events[seq:]))
	copy(out, r.events[seq:])
	return out, uint64(len(r.events))
}
