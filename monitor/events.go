package monitor

import (
	"sync"
	"time"

	"github.com/siddontang/go-log/log"

	"github.com/pgherd/pgherd/state"
)

// Event is one operator-visible entry of the monitor's decision history:
// every goal assignment, every anomaly, every degraded-state condition.
type Event struct {
	Time          time.Time              `json:"time"`
	Formation     string                 `json:"formation"`
	GroupID       int                    `json:"group_id"`
	NodeID        int64                  `json:"node_id"`
	NodeName      string                 `json:"node_name"`
	ReportedState state.ReplicationState `json:"-"`
	GoalState     state.ReplicationState `json:"-"`
	Reported      string                 `json:"reported_state"`
	Goal          string                 `json:"goal_state"`
	Description   string                 `json:"description"`
}

// EventLog is a bounded ring of events. Writers never block and the oldest
// entries fall off first.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	next   int
	filled bool
}

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 1024
	}
	return &EventLog{events: make([]Event, size)}
}

// Append records an event and logs it.
func (l *EventLog) Append(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Reported = ev.ReportedState.String()
	ev.Goal = ev.GoalState.String()

	log.Infof("%s/%d node %d (%s): %s", ev.Formation, ev.GroupID, ev.NodeID,
		ev.NodeName, ev.Description)

	l.mu.Lock()
	l.events[l.next] = ev
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.filled = true
	}
	l.mu.Unlock()
}

// Last returns up to n most recent events, newest first.
func (l *EventLog) Last(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = len(l.events)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.events)) % len(l.events)
		out = append(out, l.events[idx])
	}
	return out
}
