package director

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdirector/taskdirector/internal/protocol"
)

// fakeDispatch records every outbound message and disconnect, keyed by
// endpoint, so tests can assert on exactly what the Director sent.
type fakeDispatch struct {
	mu          sync.Mutex
	sent        map[EndpointID][]protocol.OutboundMessage
	disconnects []EndpointID
}

func newFakeDispatch() *fakeDispatch {
	return &fakeDispatch{sent: make(map[EndpointID][]protocol.OutboundMessage)}
}

func (f *fakeDispatch) SendTo(e EndpointID, msg protocol.OutboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[e] = append(f.sent[e], msg)
}

func (f *fakeDispatch) Disconnect(e EndpointID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, e)
}

func (f *fakeDispatch) last(e EndpointID) (protocol.OutboundMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[e]
	if len(msgs) == 0 {
		return protocol.OutboundMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func (f *fakeDispatch) countOf(e EndpointID, t protocol.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent[e] {
		if protocol.MessageType(m.MessageType) == t {
			n++
		}
	}
	return n
}

func basicInit(schemaID string, totalSteps int, cacheID string) protocol.InitPayload {
	return protocol.InitPayload{
		SchemaID:   schemaID,
		TotalSteps: totalSteps,
		CacheID:    cacheID,
		RepoState:  map[string]any{},
	}
}

func TestHandleInitAssignsHighestPendingStep(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 4, "c"))

	msg, ok := disp.last("e1")
	require.True(t, ok)
	assert.Equal(t, int(protocol.MessageTypeBuildInstruction), msg.MessageType)
	assert.Equal(t, "3", msg.StepID) // highest index of a 4-step instance is 3
}

func TestSecondSubscriberGetsNextHighestPendingStep(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 4, "c"))
	d.HandleInit(context.Background(), "e2", basicInit("s", 4, "c"))

	msg1, _ := disp.last("e1")
	msg2, _ := disp.last("e2")
	assert.Equal(t, "3", msg1.StepID)
	assert.Equal(t, "2", msg2.StepID)
}

func TestAtMostOneAssignmentPerStep(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	for i := 0; i < 3; i++ {
		d.HandleInit(context.Background(), EndpointID("e"+string(rune('0'+i))), basicInit("s", 3, "c"))
	}

	assigned := map[string]bool{}
	for i := 0; i < 3; i++ {
		msg, ok := disp.last(EndpointID("e" + string(rune('0'+i))))
		require.True(t, ok)
		assert.False(t, assigned[msg.StepID], "step %s assigned twice", msg.StepID)
		assigned[msg.StepID] = true
	}
	assert.Len(t, assigned, 3)
}

func TestStepCompleteSuccessMarksDone(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 1, "c"))
	d.HandleStepComplete(context.Background(), "e1", "s", 0, true)

	msg, ok := disp.last("e1")
	require.True(t, ok)
	assert.Equal(t, int(protocol.MessageTypeSchemaComplete), msg.MessageType)
}

func TestStepCompleteSuccessDispatchesNextPendingStep(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 2, "c"))
	msg, ok := disp.last("e1")
	require.True(t, ok)
	require.Equal(t, "1", msg.StepID)

	d.HandleStepComplete(context.Background(), "e1", "s", 1, true)

	msg, ok = disp.last("e1")
	require.True(t, ok)
	assert.Equal(t, int(protocol.MessageTypeBuildInstruction), msg.MessageType)
	assert.Equal(t, "0", msg.StepID)
}

func TestSchemaCompleteBroadcastExactlyOnce(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 2, "c"))
	d.HandleInit(context.Background(), "e2", basicInit("s", 2, "c"))

	// e1 holds step 1, e2 holds step 0 after both inits.
	d.HandleStepComplete(context.Background(), "e1", "s", 1, true)
	d.HandleStepComplete(context.Background(), "e2", "s", 0, true)

	assert.Equal(t, 1, disp.countOf("e1", protocol.MessageTypeSchemaComplete))
	assert.Equal(t, 1, disp.countOf("e2", protocol.MessageTypeSchemaComplete))
}

func TestStepFailureReopensForReassignment(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 1, "c"))
	d.HandleStepComplete(context.Background(), "e1", "s", 0, false)

	msg, ok := disp.last("e1")
	require.True(t, ok)
	assert.Equal(t, int(protocol.MessageTypeBuildInstruction), msg.MessageType)
	assert.Equal(t, "0", msg.StepID)
}

func TestDetachReopensAssignedStepAndOffersIdleSubscriber(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 1, "c"))
	d.HandleInit(context.Background(), "e2", basicInit("s", 1, "c")) // idle: only one step, e1 holds it

	d.HandleDetached(context.Background(), "e1")

	msg, ok := disp.last("e2")
	require.True(t, ok)
	assert.Equal(t, int(protocol.MessageTypeBuildInstruction), msg.MessageType)
	assert.Equal(t, "0", msg.StepID)
}

func TestDetachTearsDownEmptyInstance(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 1, "c"))
	assert.Equal(t, 1, d.TotalRunningInstances())

	d.HandleDetached(context.Background(), "e1")
	assert.Equal(t, 0, d.TotalRunningInstances())
}

func TestSecondInitFromSameEndpointIsProtocolViolation(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 1, "c"))
	d.HandleInit(context.Background(), "e1", basicInit("s", 1, "c"))

	assert.Len(t, disp.disconnects, 1)
	assert.Equal(t, EndpointID("e1"), disp.disconnects[0])
}

func TestStaleStepCompleteIsDroppedNotFatal(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 2, "c"))
	// e1 holds step 1; report completion of step 0, which it doesn't hold.
	d.HandleStepComplete(context.Background(), "e1", "s", 0, true)

	assert.Empty(t, disp.disconnects)
	assert.Equal(t, 1, d.TotalRunningInstances())
}

func TestDifferentCacheIDCreatesSeparateInstances(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	d.HandleInit(context.Background(), "e1", basicInit("s", 1, "cache-a"))
	d.HandleInit(context.Background(), "e2", basicInit("s", 1, "cache-b"))

	assert.Equal(t, 2, d.TotalRunningInstances())
}

func TestComplexPatchsetDivergingRepoStateCreatesSeparateInstances(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	p1 := basicInit("s", 1, "c")
	p1.ComplexPatchset = true
	p1.RepoState = map[string]any{"branch": "a"}

	p2 := basicInit("s", 1, "c")
	p2.ComplexPatchset = true
	p2.RepoState = map[string]any{"branch": "b"}

	d.HandleInit(context.Background(), "e1", p1)
	d.HandleInit(context.Background(), "e2", p2)

	assert.Equal(t, 2, d.TotalRunningInstances())
}

func TestComplexPatchsetMatchingRepoStateJoinsSameInstance(t *testing.T) {
	disp := newFakeDispatch()
	d := New(disp, nil, nil)

	p1 := basicInit("s", 2, "c")
	p1.ComplexPatchset = true
	p1.RepoState = map[string]any{"branch": "a"}

	p2 := basicInit("s", 2, "c")
	p2.ComplexPatchset = true
	p2.RepoState = map[string]any{"branch": "a"}

	d.HandleInit(context.Background(), "e1", p1)
	d.HandleInit(context.Background(), "e2", p2)

	assert.Equal(t, 1, d.TotalRunningInstances())
}
