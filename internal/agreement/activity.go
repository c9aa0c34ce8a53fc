package agreement

import (
	"github.com/golemfactory/yagna/internal/protocol"
)

// ActivityState is an activity lifecycle state.
type ActivityState int

const (
	ActivityCreated ActivityState = iota + 1
	ActivityRunning
	ActivityDestroyed
)

// String implements fmt.Stringer for log and trace output.
func (s ActivityState) String() string {
	switch s {
	case ActivityCreated:
		return "Created"
	case ActivityRunning:
		return "Running"
	case ActivityDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Activity is one unit of metered execution owned exclusively by the
// agreement that spawned it. All transitions go through the owning
// agreement so the per-agreement activity count stays consistent.
type Activity struct {
	id    string
	owner *Agreement
	state ActivityState
}

// ID returns the activity id.
func (act *Activity) ID() string { return act.id }

// AgreementID returns the owning agreement's id.
func (act *Activity) AgreementID() string { return act.owner.id }

// State returns the current activity state.
func (act *Activity) State() ActivityState {
	act.owner.mu.Lock()
	defer act.owner.mu.Unlock()
	return act.state
}

// CreateActivity spawns a new activity under the agreement.
//
// Guards: the agreement must be Approved or Active, and unless the
// multi-activity capability was negotiated, no other activity may be in
// Created/Running: attempting a second returns Conflict and leaves both
// the agreement and the first activity unchanged.
func (a *Agreement) CreateActivity() (*Activity, error) {
	a.mu.Lock()
	if a.state != StateApproved && a.state != StateActive {
		state := a.state
		a.mu.Unlock()
		return nil, a.conflict("create_activity", state)
	}
	if !a.multi && a.active > 0 {
		a.mu.Unlock()
		return nil, &protocol.Error{
			Code:        protocol.CodeConflict,
			Message:     "an activity is already running and multi-activity was not negotiated",
			AgreementID: a.id,
		}
	}

	act := &Activity{
		id:    a.actGen.Generate(),
		owner: a,
		state: ActivityCreated,
	}
	a.activities[act.id] = act
	a.order = append(a.order, act.id)
	a.active++
	a.everActive = true
	a.state = StateActive
	ev := a.event(EventActivityCreated, act.id, "")
	a.mu.Unlock()

	a.emit(ev)
	return act, nil
}

// StartActivity moves an activity from Created to Running.
func (a *Agreement) StartActivity(activityID string) error {
	a.mu.Lock()
	act, ok := a.activities[activityID]
	if !ok {
		a.mu.Unlock()
		return &protocol.Error{
			Code:        protocol.CodeNotFound,
			Message:     "unknown activity",
			AgreementID: a.id,
			EntityID:    activityID,
		}
	}
	if act.state != ActivityCreated {
		state := act.state
		a.mu.Unlock()
		return &protocol.Error{
			Code:        protocol.CodeConflict,
			Message:     "start not allowed in activity state " + state.String(),
			AgreementID: a.id,
			EntityID:    activityID,
		}
	}
	act.state = ActivityRunning
	ev := a.event(EventActivityStarted, activityID, "")
	a.mu.Unlock()

	a.emit(ev)
	return nil
}

// DestroyActivity moves an activity to Destroyed and decrements the
// agreement's live count. Destroying a destroyed activity is a no-op.
func (a *Agreement) DestroyActivity(activityID string) error {
	a.mu.Lock()
	act, ok := a.activities[activityID]
	if !ok {
		a.mu.Unlock()
		return &protocol.Error{
			Code:        protocol.CodeNotFound,
			Message:     "unknown activity",
			AgreementID: a.id,
			EntityID:    activityID,
		}
	}
	if act.state == ActivityDestroyed {
		a.mu.Unlock()
		return nil
	}
	act.state = ActivityDestroyed
	a.active--
	ev := a.event(EventActivityDestroyed, activityID, "")
	a.mu.Unlock()

	a.emit(ev)
	return nil
}

// LiveActivityIDs returns ids of activities in Created/Running, in
// creation order.
func (a *Agreement) LiveActivityIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var live []string
	for _, id := range a.order {
		if st := a.activities[id].state; st == ActivityCreated || st == ActivityRunning {
			live = append(live, id)
		}
	}
	return live
}

// Activity returns an activity by id.
func (a *Agreement) Activity(activityID string) (*Activity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	act, ok := a.activities[activityID]
	return act, ok
}
