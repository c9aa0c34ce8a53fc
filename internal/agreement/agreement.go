// Package agreement implements the agreement lifecycle state machine and
// the activities running under each agreement.
//
// States: Pending → Approved → Active(n) → Terminated. The proposal phase
// preceding an agreement lives in the market package; the registry mints
// agreements in Pending from a converged proposal. Active tracks the count
// of live activities; without the multi-activity capability, n never
// exceeds one. Termination is idempotent and always succeeds locally, even
// when the peer is unreachable; delivering the termination notification is
// the supervisor's job.
package agreement

import (
	"log/slog"
	"sync"
	"time"

	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/market"
	"github.com/golemfactory/yagna/internal/protocol"
)

// State is an agreement lifecycle state.
type State int

const (
	StatePending State = iota + 1
	StateApproved
	StateActive
	StateTerminated
)

// String implements fmt.Stringer for log and trace output.
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateApproved:
		return "Approved"
	case StateActive:
		return "Active"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// EventKind identifies a lifecycle transition.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventConfirmed
	EventApproved
	EventActivityCreated
	EventActivityStarted
	EventActivityDestroyed
	EventTerminated
)

// String implements fmt.Stringer for log and trace output.
func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventConfirmed:
		return "confirmed"
	case EventApproved:
		return "approved"
	case EventActivityCreated:
		return "activity_created"
	case EventActivityStarted:
		return "activity_started"
	case EventActivityDestroyed:
		return "activity_destroyed"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event is a lifecycle transition notification delivered to observers.
type Event struct {
	Kind        EventKind
	AgreementID string
	ActivityID  string
	Reason      string
	Time        time.Time
}

// Observer receives lifecycle events. Observers are invoked outside the
// agreement lock, in transition order; calling back into the agreement
// (e.g. Terminate) is safe.
type Observer func(Event)

// Agreement is a binding contract produced from a converged proposal.
type Agreement struct {
	id        string
	proposal  market.Proposal
	requestor string
	provider  string

	mu         sync.Mutex
	state      State
	createdAt  time.Time
	approvedAt time.Time
	confirmed  bool
	multi      bool
	activities map[string]*Activity
	order      []string // activity ids in creation order
	active     int      // activities in Created/Running
	everActive bool
	reason     string

	clock  func() time.Time
	actGen ids.Generator
	notify func(Event)
}

// ID returns the agreement id.
func (a *Agreement) ID() string { return a.id }

// Proposal returns the converged proposal this agreement was built from.
func (a *Agreement) Proposal() market.Proposal { return a.proposal }

// Requestor returns the requestor node id.
func (a *Agreement) Requestor() string { return a.requestor }

// Provider returns the provider node id.
func (a *Agreement) Provider() string { return a.provider }

// State returns the current lifecycle state.
func (a *Agreement) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// MultiActivity reports whether the multi-activity capability was
// negotiated.
func (a *Agreement) MultiActivity() bool { return a.multi }

// ActiveCount returns the number of activities in Created/Running.
func (a *Agreement) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// EverActive reports whether any activity ever ran under this agreement.
// Drives the zero-amount terminal invoice rule.
func (a *Agreement) EverActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.everActive
}

// ApprovedAt returns the approval instant, zero if not yet approved.
func (a *Agreement) ApprovedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.approvedAt
}

// TerminationReason returns the recorded reason, empty while live.
func (a *Agreement) TerminationReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// Confirm records the requestor's confirmation. Idempotent: confirming a
// Pending agreement twice is a no-op. Conflict after termination.
func (a *Agreement) Confirm() error {
	a.mu.Lock()
	switch a.state {
	case StatePending, StateApproved, StateActive:
		already := a.confirmed
		a.confirmed = true
		ev := a.event(EventConfirmed, "", "")
		a.mu.Unlock()
		if !already {
			a.emit(ev)
		}
		return nil
	default:
		state := a.state
		a.mu.Unlock()
		return a.conflict("confirm", state)
	}
}

// Approve records the provider's approval. Must occur before the
// provider-side approval timeout; afterwards the guard fails with Timeout.
func (a *Agreement) Approve(timeout time.Duration) error {
	a.mu.Lock()
	if a.state != StatePending {
		state := a.state
		a.mu.Unlock()
		return a.conflict("approve", state)
	}
	now := a.clock()
	if timeout > 0 && now.Sub(a.createdAt) > timeout {
		a.mu.Unlock()
		return &protocol.Error{
			Code:        protocol.CodeTimeout,
			Message:     "approval past the provider-side deadline",
			AgreementID: a.id,
		}
	}
	a.state = StateApproved
	a.approvedAt = now
	ev := a.event(EventApproved, "", "")
	a.mu.Unlock()
	a.emit(ev)
	return nil
}

// Terminate freezes the agreement at Terminated. Idempotent; always
// succeeds locally regardless of peer reachability. The first call wins
// the recorded reason.
func (a *Agreement) Terminate(reason string) {
	a.mu.Lock()
	if a.state == StateTerminated {
		a.mu.Unlock()
		return
	}
	a.state = StateTerminated
	a.reason = reason
	ev := a.event(EventTerminated, "", reason)
	a.mu.Unlock()

	slog.Info("agreement terminated", "agreement", a.id, "reason", reason)
	a.emit(ev)
}

func (a *Agreement) conflict(op string, state State) error {
	return &protocol.Error{
		Code:        protocol.CodeConflict,
		Message:     op + " not allowed in state " + state.String(),
		AgreementID: a.id,
	}
}

// event builds an Event under the lock; emit delivers it after unlock.
func (a *Agreement) event(kind EventKind, activityID, reason string) Event {
	return Event{
		Kind:        kind,
		AgreementID: a.id,
		ActivityID:  activityID,
		Reason:      reason,
		Time:        a.clock(),
	}
}

func (a *Agreement) emit(ev Event) {
	if a.notify != nil {
		a.notify(ev)
	}
}
