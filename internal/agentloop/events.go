package agentloop

import "time"

// EventKind classifies one LoopEvent, grounded on the teacher's
// agent.EventKind/Session.emit pattern (internal/agent/session.go).
type EventKind string

const (
	EventIterationStart   EventKind = "iteration_start"
	EventModelCall        EventKind = "model_call"
	EventActionStart      EventKind = "action_start"
	EventActionEnd        EventKind = "action_end"
	EventCommitAdmissible EventKind = "commit_admissible"
	EventCommitInvalid    EventKind = "commit_invalid"
	EventBacktrack        EventKind = "backtrack"
	EventLoopDetection    EventKind = "loop_detection"
	EventSubmitted        EventKind = "submitted"
	EventWarning          EventKind = "warning"
)

// LoopEvent is one structured, best-effort progress notification emitted
// during Run, grounded on the teacher's SessionEvent.
type LoopEvent struct {
	Kind      EventKind
	Timestamp time.Time
	Round     int
	Data      map[string]any
}

// Events returns the channel a caller can range over to observe Run's
// progress. Must be called before Run is invoked: emit sends nothing while
// no channel exists. The channel holds 256 events; sends to a full channel
// are dropped rather than retried.
func (l *Loop) Events() <-chan LoopEvent {
	if l.events == nil {
		l.events = make(chan LoopEvent, 256)
	}
	return l.events
}

// emit sends ev if a caller is listening; never blocks the loop. Matches
// the teacher's "best-effort delivery, dropped under backpressure" emit
// contract rather than guaranteeing every event reaches a slow consumer.
func (l *Loop) emit(round int, kind EventKind, data map[string]any) {
	if l.events == nil {
		return
	}
	ev := LoopEvent{Kind: kind, Timestamp: time.Now().UTC(), Round: round, Data: data}
	select {
	case l.events <- ev:
	default:
	}
}

// closeEvents closes the event channel once Run returns, so a ranging
// caller's loop terminates instead of blocking forever.
func (l *Loop) closeEvents() {
	if l.events == nil {
		return
	}
	defer func() { _ = recover() }()
	close(l.events)
}
