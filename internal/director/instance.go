package director

import (
	"reflect"

	"github.com/taskdirector/taskdirector/internal/protocol"
)

// EndpointID uniquely identifies a connected client for the lifetime of
// its connection. Assigned by the transport layer (see transport.NewID).
type EndpointID string

// Instance is the state machine for one in-flight schema instance: the
// step inventory, the subscriber set (in arrival order, for the
// deterministic tie-break in §4.5), and the outstanding assignment
// table. Only the Director may mutate an Instance; it does so while
// holding its own coarse lock, so Instance itself does no locking.
type Instance struct {
	Key             string
	SchemaID        string
	TotalSteps      int
	CacheID         string
	ComplexPatchset bool
	RepoState       map[string]any

	steps       []StepState
	order       []EndpointID          // subscribers in arrival order
	subscribers map[EndpointID]struct{}
	assignments map[EndpointID]int // endpoint -> step index

	schemaCompleteSent bool
}

func newInstance(key string, init protocol.InitPayload) *Instance {
	return &Instance{
		Key:             key,
		SchemaID:        init.SchemaID,
		TotalSteps:      init.TotalSteps,
		CacheID:         init.CacheID,
		ComplexPatchset: init.ComplexPatchset,
		RepoState:       init.RepoState,
		steps:           make([]StepState, init.TotalSteps),
		order:           make([]EndpointID, 0, 4),
		subscribers:     make(map[EndpointID]struct{}, 4),
		assignments:     make(map[EndpointID]int, 4),
	}
}

// matches reports whether an incoming INIT with the given payload
// belongs to this instance: schema_id and total_steps
// must match exactly, cache_id must match exactly, and if either side
// declares complex_patchset the repo_state must be deep-equal. A
// mismatch under that tightened condition means a new instance is
// created, even though schema_id/total_steps/cache_id all agree.
func (inst *Instance) matches(init protocol.InitPayload) bool {
	if inst.SchemaID != init.SchemaID || inst.TotalSteps != init.TotalSteps || inst.CacheID != init.CacheID {
		return false
	}
	if inst.ComplexPatchset || init.ComplexPatchset {
		return reflect.DeepEqual(inst.RepoState, init.RepoState)
	}
	return true
}

// addSubscriber attaches endpoint E to the instance's subscriber set in
// arrival order. Tightens ComplexPatchset if the newly joined client
// declared it (the instance's repo_state was already checked equal by
// matches, or this is the instance's first subscriber).
func (inst *Instance) addSubscriber(e EndpointID, init protocol.InitPayload) {
	if init.ComplexPatchset {
		inst.ComplexPatchset = true
	}
	if _, ok := inst.subscribers[e]; ok {
		return
	}
	inst.subscribers[e] = struct{}{}
	inst.order = append(inst.order, e)
}

// removeSubscriber detaches endpoint E, preserving the relative order of
// the remaining subscribers.
func (inst *Instance) removeSubscriber(e EndpointID) {
	delete(inst.subscribers, e)
	for i, id := range inst.order {
		if id == e {
			inst.order = append(inst.order[:i], inst.order[i+1:]...)
			break
		}
	}
}

// assignedStep returns the step currently assigned to endpoint E, if
// any.
func (inst *Instance) assignedStep(e EndpointID) (int, bool) {
	step, ok := inst.assignments[e]
	return step, ok
}

// highestPending returns the highest-numbered step still PENDING, the
// deterministic selection policy of §4.5.
func (inst *Instance) highestPending() (int, bool) {
	for i := len(inst.steps) - 1; i >= 0; i-- {
		if inst.steps[i] == StepPending {
			return i, true
		}
	}
	return 0, false
}

// assign transitions step K PENDING -> ASSIGNED and records the
// assignment.
func (inst *Instance) assign(e EndpointID, step int) {
	inst.steps[step] = StepAssigned
	inst.assignments[e] = step
}

// releaseAssignment removes E's assignment without touching step state;
// callers decide whether the step becomes COMPLETE or reopens to
// PENDING.
func (inst *Instance) releaseAssignment(e EndpointID) {
	delete(inst.assignments, e)
}

// complete transitions step K ASSIGNED -> COMPLETE.
func (inst *Instance) complete(step int) {
	inst.steps[step] = StepComplete
}

// reopen transitions step K ASSIGNED -> PENDING, making it eligible for
// reassignment to any subscriber, including the one that just
// failed/abandoned it.
func (inst *Instance) reopen(step int) {
	inst.steps[step] = StepPending
}

// allComplete reports whether every step in the instance is COMPLETE.
func (inst *Instance) allComplete() bool {
	for _, s := range inst.steps {
		if s != StepComplete {
			return false
		}
	}
	return true
}

// anyAssigned reports whether any step currently has an outstanding
// assignment.
func (inst *Instance) anyAssigned() bool {
	return len(inst.assignments) > 0
}

// idleSubscribers returns subscribers with no current assignment, in
// arrival order — the tie-break order for dispatch after a disconnect
// frees multiple slots at once (§4.5).
func (inst *Instance) idleSubscribers() []EndpointID {
	idle := make([]EndpointID, 0, len(inst.order))
	for _, e := range inst.order {
		if _, assigned := inst.assignments[e]; !assigned {
			idle = append(idle, e)
		}
	}
	return idle
}

// subscriberOrder returns a snapshot of the current subscribers in
// arrival order, safe for the caller to range over while the Director
// mutates the instance concurrently with later events.
func (inst *Instance) subscriberOrder() []EndpointID {
	out := make([]EndpointID, len(inst.order))
	copy(out, inst.order)
	return out
}

func (inst *Instance) isEmpty() bool {
	return len(inst.subscribers) == 0
}
