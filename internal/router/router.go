// Package router implements the Message Router: it decodes inbound
// frames into tagged messages, forwards them to the Director with the
// originating endpoint identity, and delivers outbound messages
// addressed to a specific endpoint back out to the transport layer. It
// also owns the administrative side channel.
package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/taskdirector/taskdirector/internal/director"
	"github.com/taskdirector/taskdirector/internal/logging"
	"github.com/taskdirector/taskdirector/internal/protocol"
	"github.com/taskdirector/taskdirector/internal/transport"
)

// Sender is the one thing the transport layer must provide per
// endpoint: a way to push an encoded frame out, and a way to force a
// disconnect. Implemented by transport.Endpoint.
type Sender = transport.Sender

// adminRequest is the shape of the administrative side-channel request.
// It intentionally does not look like a protocol message (no
// message_type field) so Router can tell the two apart before attempting
// protocol.Decode.
type adminRequest struct {
	Type string `json:"type"`
}

const adminTotalRunningInstances = "get.total.running.schema.instances.msg"

// Router wires a Director to a set of live endpoints. One Router per
// process, shared by every connection.
type Router struct {
	logger logging.Logger

	mu        sync.RWMutex
	endpoints map[director.EndpointID]Sender

	dir *director.Director
}

// New creates a Router with no director yet attached. Call SetDirector
// before routing any frames; the two are split because the Director
// needs a Dispatcher (the Router) at construction time, creating a
// cycle that a setter breaks.
func New(logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Router{
		logger:    logger,
		endpoints: make(map[director.EndpointID]Sender),
	}
}

// SetDirector attaches the Director this Router feeds and drains.
func (r *Router) SetDirector(d *director.Director) {
	r.dir = d
}

// Attach registers a newly connected endpoint for outbound delivery.
// Corresponds to the Connection Endpoint's "attached" event.
func (r *Router) Attach(id director.EndpointID, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[id] = s
}

// Detach removes an endpoint from outbound routing and notifies the
// Director of the disconnect. Corresponds to the "detached" event.
func (r *Router) Detach(id director.EndpointID) {
	r.mu.Lock()
	delete(r.endpoints, id)
	r.mu.Unlock()

	r.dir.HandleDetached(context.Background(), id)
}

// OnFrame handles one inbound text frame from endpoint id. Framing
// failures never reach here (the transport layer treats those as
// fatal-to-the-endpoint); this only sees well-formed text frames that
// may or may not be valid protocol/admin messages.
func (r *Router) OnFrame(id director.EndpointID, raw []byte) {
	if r.tryAdminRequest(id, raw) {
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn("decode_error", "endpoint", id, "error", err.Error())
		return
	}

	switch msg.Type {
	case protocol.MessageTypeInit:
		r.dir.HandleInit(context.Background(), id, *msg.Init)
	case protocol.MessageTypeStepComplete:
		r.dir.HandleStepComplete(context.Background(), id, msg.StepComplete.SchemaID, msg.StepComplete.StepID, msg.StepComplete.StepSuccess)
	default:
		// BUILD_INSTRUCTION and SCHEMA_COMPLETE are outbound-only; a client
		// sending one is indistinguishable from an unknown type at the
		// wire level, and protocol.Decode already rejects both as not
		// inbound-decodable, so this branch is unreachable in practice.
		r.logger.Warn("unexpected_message_type", "endpoint", id, "message_type", msg.Type.String())
	}
}

// tryAdminRequest handles the administrative side channel. Reports
// whether raw was an admin request (handled either way, successfully or
// not) so the caller can skip protocol decoding.
func (r *Router) tryAdminRequest(id director.EndpointID, raw []byte) bool {
	var req adminRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Type == "" {
		return false
	}
	if req.Type != adminTotalRunningInstances {
		r.logger.Warn("unknown_admin_request", "endpoint", id, "type", req.Type)
		return true
	}

	total := r.dir.TotalRunningInstances()
	resp, _ := json.Marshal(struct {
		Total int `json:"total_running_schema_instances"`
	}{total})
	r.SendRaw(id, resp)
	return true
}

// SendTo implements director.Dispatcher: encode and deliver msg to
// endpoint id's outbound queue. Dropping silently if the endpoint has
// already detached is correct - the Director's own teardown/removal
// logic is what makes that race benign.
func (r *Router) SendTo(id director.EndpointID, msg protocol.OutboundMessage) {
	encoded, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("encode_error", "endpoint", id, "error", err.Error())
		return
	}
	r.SendRaw(id, encoded)
}

// SendRaw pushes a pre-encoded frame to an endpoint's outbound queue.
func (r *Router) SendRaw(id director.EndpointID, raw []byte) {
	r.mu.RLock()
	s, ok := r.endpoints[id]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("send_to_detached_endpoint", "endpoint", id)
		return
	}
	s.Send(raw)
}

// Disconnect implements director.Dispatcher: force-close an endpoint,
// e.g. on a second INIT from the same connection.
func (r *Router) Disconnect(id director.EndpointID) {
	r.mu.RLock()
	s, ok := r.endpoints[id]
	r.mu.RUnlock()
	if ok {
		s.Close()
	}
}

var (
	_ director.Dispatcher   = (*Router)(nil)
	_ transport.FrameHandler = (*Router)(nil)
)
