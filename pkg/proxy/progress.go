package proxy

import (
	"sync"

	"github.com/objectum/objectum-proxy/pkg/events"
)

// Progress is a per-session snapshot of a long-running operation.
type Progress struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

// Tracker keeps at most one progress record per sid. The label is sticky
// across updates; value and max are last-write-wins. Records exist only
// while a dispatcher call is in flight.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Progress
	hub    *events.Hub // optional
}

func NewTracker(hub *events.Hub) *Tracker {
	return &Tracker{active: map[string]*Progress{}, hub: hub}
}

// Report merges partial fields into the sid's record, creating it if absent.
// An empty label keeps the previous one; negative value or max leaves that
// field unchanged.
func (t *Tracker) Report(sid, label string, value, max float64) {
	t.mu.Lock()
	rec, ok := t.active[sid]
	if !ok {
		rec = &Progress{}
		t.active[sid] = rec
	}
	if label != "" {
		rec.Label = label
	}
	if value >= 0 {
		rec.Value = value
	}
	if max >= 0 {
		rec.Max = max
	}
	snapshot := *rec
	t.mu.Unlock()

	if t.hub != nil {
		t.hub.Publish(events.New(events.TypeProgress, sid, snapshot))
	}
}

// Peek returns the sid's current record, if any.
func (t *Tracker) Peek(sid string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[sid]
	if !ok {
		return Progress{}, false
	}
	return *rec, true
}

// Clear removes the sid's record.
func (t *Tracker) Clear(sid string) {
	t.mu.Lock()
	delete(t.active, sid)
	t.mu.Unlock()
}

// Count reports the number of in-flight progress records.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
