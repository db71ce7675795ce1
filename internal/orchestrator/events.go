package orchestrator

import (
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// eventLog keeps the last N turn events in memory for the health endpoint's
// "?debug=events" mode; it is not persisted.
type eventLog struct {
	mu     sync.Mutex
	cap    int
	events []models.TurnEvent
}

func newEventLog(capacity int) *eventLog {
	return &eventLog{cap: capacity}
}

func (l *eventLog) append(ev models.TurnEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if over := len(l.events) - l.cap; over > 0 {
		l.events = l.events[over:]
	}
}

// Snapshot returns a copy of the events currently buffered, oldest first.
func (l *eventLog) Snapshot() []models.TurnEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.TurnEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Events exposes the orchestrator's buffered turn-event log.
func (o *Orchestrator) Events() []models.TurnEvent {
	return o.events.Snapshot()
}
