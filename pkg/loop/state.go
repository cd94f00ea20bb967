package loop

import (
	"sync"
	"time"

	"tandem/pkg/proto"
)

// messageRingSize bounds the per-role transcript kept for observability.
const messageRingSize = 100

// messageRing is a fixed-capacity ring of transcript messages. Single
// writer; readers get snapshot copies.
type messageRing struct {
	entries []proto.Message
	next    int
	full    bool
}

func newMessageRing() *messageRing {
	return &messageRing{entries: make([]proto.Message, messageRingSize)}
}

func (r *messageRing) append(msg proto.Message) {
	r.entries[r.next] = msg
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns messages oldest first.
func (r *messageRing) snapshot() []proto.Message {
	if !r.full {
		return append([]proto.Message{}, r.entries[:r.next]...)
	}
	out := make([]proto.Message, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// SessionState is the loop's root aggregate. Phase, plan, and activity are
// mutated only on the loop task; message rings accept writes from the
// controller sinks.
type SessionState struct {
	mu sync.Mutex

	phase           proto.Phase
	state           proto.State
	plan            string
	currentActivity string
	deadline        time.Time

	driverMessages    *messageRing
	navigatorMessages *messageRing
}

// NewSessionState starts in phase planning, state INIT.
func NewSessionState() *SessionState {
	return &SessionState{
		phase:             proto.PhasePlanning,
		state:             proto.StateInit,
		driverMessages:    newMessageRing(),
		navigatorMessages: newMessageRing(),
	}
}

// SetPhase validates the transition against the phase graph.
func (s *SessionState) SetPhase(next proto.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !proto.IsValidPhaseTransition(s.phase, next) {
		return proto.ErrInvalidTransition
	}
	s.phase = next
	return nil
}

// Phase returns the current phase.
func (s *SessionState) Phase() proto.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetState validates the transition against the lifecycle graph.
func (s *SessionState) SetState(next proto.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !proto.IsValidStateTransition(s.state, next) {
		return proto.ErrInvalidTransition
	}
	s.state = next
	return nil
}

// State returns the current lifecycle state.
func (s *SessionState) State() proto.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetPlan stores the Architect plan. The plan is immutable once set.
func (s *SessionState) SetPlan(plan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == "" {
		s.plan = plan
	}
}

// Plan returns the stored plan.
func (s *SessionState) Plan() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// SetActivity updates the human-readable activity line.
func (s *SessionState) SetActivity(activity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentActivity = activity
}

// Activity returns the current activity line.
func (s *SessionState) Activity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentActivity
}

// SetDeadline fixes the wall-clock deadline for the run.
func (s *SessionState) SetDeadline(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
}

// Deadline returns the wall-clock deadline.
func (s *SessionState) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// RecordDriverMessage appends to the driver transcript ring.
func (s *SessionState) RecordDriverMessage(msg proto.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driverMessages.append(msg)
}

// RecordNavigatorMessage appends to the navigator transcript ring.
func (s *SessionState) RecordNavigatorMessage(msg proto.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigatorMessages.append(msg)
}

// DriverMessages returns a snapshot of the driver transcript, oldest first.
func (s *SessionState) DriverMessages() []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driverMessages.snapshot()
}

// NavigatorMessages returns a snapshot of the navigator transcript.
func (s *SessionState) NavigatorMessages() []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigatorMessages.snapshot()
}
