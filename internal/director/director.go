// Package director implements the Task Director: the singleton owner of
// all Schema Instances. It applies the matching policy, dispatches steps
// to idle subscribers, and reacts to step-complete and disconnect
// events.
//
// Concurrency model: the Director serializes all state mutation behind
// a single mutex guarding the whole registry. Every exported event
// method acquires the lock for its full duration; only the Dispatcher
// calls made while holding it are expected to be non-blocking enqueues,
// not real I/O.
package director

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/taskdirector/taskdirector/internal/logging"
	"github.com/taskdirector/taskdirector/internal/protocol"
)

var tracer = otel.Tracer("github.com/taskdirector/taskdirector/internal/director")

// Dispatcher is the Director's only way to reach the outside world: it
// hands a fully-formed outbound message to a specific endpoint, or asks
// the transport layer to forcibly close one. Implemented by
// router.Router.
type Dispatcher interface {
	SendTo(endpoint EndpointID, msg protocol.OutboundMessage)
	Disconnect(endpoint EndpointID)
}

// Metrics is the subset of observability the Director emits into. A
// no-op implementation is used when metrics aren't wired up (e.g. in
// unit tests).
type Metrics interface {
	InstanceCreated()
	InstanceDestroyed()
	BuildInstructionSent()
	SchemaCompleted()
	ProtocolViolation(reason string)
}

type noopMetrics struct{}

func (noopMetrics) InstanceCreated()         {}
func (noopMetrics) InstanceDestroyed()       {}
func (noopMetrics) BuildInstructionSent()    {}
func (noopMetrics) SchemaCompleted()         {}
func (noopMetrics) ProtocolViolation(string) {}

// Director is the singleton owner of all Schema Instances. All exported
// methods are safe for concurrent use.
type Director struct {
	mu sync.Mutex

	instances     map[string]*Instance   // instance key -> instance
	groups        map[groupKey][]string  // (schema_id,total_steps,cache_id) -> candidate instance keys
	endpointIndex map[EndpointID]string  // endpoint -> instance key

	dispatch Dispatcher
	logger   logging.Logger
	metrics  Metrics
}

type groupKey struct {
	schemaID   string
	totalSteps int
	cacheID    string
}

// New creates a Director that sends outbound traffic through dispatch.
// logger and metrics may be nil, in which case a no-op implementation is
// used.
func New(dispatch Dispatcher, logger logging.Logger, metrics Metrics) *Director {
	if logger == nil {
		logger = logging.Noop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Director{
		instances:     make(map[string]*Instance),
		groups:        make(map[groupKey][]string),
		endpointIndex: make(map[EndpointID]string),
		dispatch:      dispatch,
		logger:        logger,
		metrics:       metrics,
	}
}

// HandleInit processes an INIT event from endpoint e.
func (d *Director) HandleInit(ctx context.Context, e EndpointID, payload protocol.InitPayload) {
	_, span := tracer.Start(ctx, "director.HandleInit")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, already := d.endpointIndex[e]; already {
		d.logger.Warn("protocol_violation_init_twice", "endpoint", e)
		d.metrics.ProtocolViolation("init_twice")
		d.dispatch.Disconnect(e)
		return
	}

	inst := d.findOrCreateLocked(payload)
	inst.addSubscriber(e, payload)
	d.endpointIndex[e] = inst.Key

	d.dispatchToEndpointLocked(inst, e)
}

// HandleStepComplete processes a STEP_COMPLETE event from endpoint e.
// Stale or forged reports - wrong schema, or a step the endpoint doesn't
// currently hold - are logged and dropped rather than disconnecting the
// endpoint.
func (d *Director) HandleStepComplete(ctx context.Context, e EndpointID, schemaID string, stepID int, success bool) {
	_, span := tracer.Start(ctx, "director.HandleStepComplete")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.instanceForLocked(e)
	if !ok {
		d.logger.Warn("step_complete_unknown_endpoint", "endpoint", e)
		return
	}
	if inst.SchemaID != schemaID {
		d.logger.Warn("step_complete_schema_mismatch", "endpoint", e, "got", schemaID, "want", inst.SchemaID)
		return
	}
	assigned, ok := inst.assignedStep(e)
	if !ok || assigned != stepID {
		d.logger.Warn("step_complete_not_assigned", "endpoint", e, "step_id", stepID)
		return
	}

	inst.releaseAssignment(e)

	if success {
		inst.complete(stepID)
		if inst.allComplete() {
			d.broadcastSchemaCompleteLocked(inst)
			d.teardownLocked(inst)
			return
		}
		d.dispatchToEndpointLocked(inst, e)
		return
	}

	inst.reopen(stepID)
	d.dispatchToEndpointLocked(inst, e)
}

// HandleDetached processes a DETACHED event for endpoint e: the
// endpoint is removed from its instance, any step it held is
// reopened, every subscriber left idle by that reopening is offered a
// new assignment, and the instance is torn down if it is now both
// subscriber-less and assignment-less.
func (d *Director) HandleDetached(ctx context.Context, e EndpointID) {
	_, span := tracer.Start(ctx, "director.HandleDetached")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.instanceForLocked(e)
	if !ok {
		return
	}

	delete(d.endpointIndex, e)
	inst.removeSubscriber(e)

	if step, held := inst.assignedStep(e); held {
		inst.releaseAssignment(e)
		inst.reopen(step)
	}

	for _, idle := range inst.idleSubscribers() {
		d.dispatchToEndpointLocked(inst, idle)
	}

	if inst.isEmpty() && !inst.anyAssigned() {
		d.teardownLocked(inst)
	}
}

// TotalRunningInstances answers the administrative instance-count query,
// serialized against the same lock as every Director event so the count
// it returns is always consistent with the registry.
func (d *Director) TotalRunningInstances() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.instances)
}

// instanceForLocked resolves an endpoint to its instance. Caller must
// hold d.mu.
func (d *Director) instanceForLocked(e EndpointID) (*Instance, bool) {
	key, ok := d.endpointIndex[e]
	if !ok {
		return nil, false
	}
	inst, ok := d.instances[key]
	if !ok {
		// Invariant violation: the reverse index points at a destroyed
		// instance. Every path that deletes an instance also clears its
		// subscribers' endpointIndex entries, so this should never happen.
		panic(fmt.Sprintf("director: endpoint %s indexed to missing instance %s", e, key))
	}
	return inst, true
}

// findOrCreateLocked implements the cache-key matching policy. Caller
// must hold d.mu.
func (d *Director) findOrCreateLocked(payload protocol.InitPayload) *Instance {
	gk := groupKey{payload.SchemaID, payload.TotalSteps, payload.CacheID}

	for _, key := range d.groups[gk] {
		inst := d.instances[key]
		if inst.matches(payload) {
			return inst
		}
	}

	key := uuid.NewString()
	inst := newInstance(key, payload)
	d.instances[key] = inst
	d.groups[gk] = append(d.groups[gk], key)
	d.metrics.InstanceCreated()
	d.logger.Debug("instance_created", "key", key, "schema_id", payload.SchemaID, "cache_id", payload.CacheID)
	return inst
}

// dispatchToEndpointLocked: if e has no current assignment, give it the
// highest-numbered PENDING step, if one exists. Caller must hold d.mu.
func (d *Director) dispatchToEndpointLocked(inst *Instance, e EndpointID) {
	if _, assigned := inst.assignedStep(e); assigned {
		return
	}
	step, ok := inst.highestPending()
	if !ok {
		return
	}
	inst.assign(e, step)
	d.metrics.BuildInstructionSent()
	d.dispatch.SendTo(e, protocol.BuildInstruction(inst.SchemaID, step))
}

// broadcastSchemaCompleteLocked sends SCHEMA_COMPLETE to every
// subscriber exactly once. Caller must hold d.mu.
func (d *Director) broadcastSchemaCompleteLocked(inst *Instance) {
	if inst.schemaCompleteSent {
		return
	}
	inst.schemaCompleteSent = true
	d.metrics.SchemaCompleted()
	for _, sub := range inst.subscriberOrder() {
		d.dispatch.SendTo(sub, protocol.SchemaComplete(inst.SchemaID))
	}
}

// teardownLocked removes an instance from the registry and clears the
// reverse index for every endpoint that was still attached to it. Once
// torn down, the instance's subscribers no longer belong to any
// instance: a subsequent STEP_COMPLETE or DETACHED from one of them is
// treated by instanceForLocked as "unknown endpoint", which is the
// correct outcome once a schema has completed or been fully abandoned.
// Caller must hold d.mu.
func (d *Director) teardownLocked(inst *Instance) {
	for _, sub := range inst.subscriberOrder() {
		delete(d.endpointIndex, sub)
	}
	delete(d.instances, inst.Key)
	gk := groupKey{inst.SchemaID, inst.TotalSteps, inst.CacheID}
	keys := d.groups[gk]
	for i, k := range keys {
		if k == inst.Key {
			d.groups[gk] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(d.groups[gk]) == 0 {
		delete(d.groups, gk)
	}
	d.metrics.InstanceDestroyed()
	d.logger.Debug("instance_destroyed", "key", inst.Key)
}
