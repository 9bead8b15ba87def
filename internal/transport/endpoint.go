// Package transport provides the WebSocket Connection Endpoint and HTTP
// server that bridge network clients to the Router/Director.
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskdirector/taskdirector/internal/director"
	"github.com/taskdirector/taskdirector/internal/logging"
)

var nextEndpointSeq uint64

// NewID mints a process-unique EndpointID for a freshly accepted
// connection.
func NewID() director.EndpointID {
	n := atomic.AddUint64(&nextEndpointSeq, 1)
	return director.EndpointID(time.Now().UTC().Format("20060102T150405.000000000-") + itoa(n))
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Sender is the subset of Endpoint the Router needs to deliver outbound
// frames and force disconnects, mirrored as router.Sender to avoid a
// direct transport->router import.
type Sender interface {
	Send(raw []byte)
	Close()
}

// FrameHandler receives decoded inbound frames, endpoint attachment, and
// the detach signal. Implemented by router.Router.
type FrameHandler interface {
	Attach(id director.EndpointID, s Sender)
	OnFrame(id director.EndpointID, raw []byte)
	Detach(id director.EndpointID)
}

// Endpoint wraps one accepted WebSocket connection: a reader goroutine
// that feeds inbound frames to a FrameHandler, and a writer goroutine
// that drains an outbound queue, modeled on the demultiplexer/done-channel
// shape of a typical gorilla/websocket client (read loop, write loop,
// single done channel, sync.Once-guarded close).
type Endpoint struct {
	id      director.EndpointID
	conn    *websocket.Conn
	handler FrameHandler
	logger  logging.Logger

	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once
}

const defaultOutboundQueueSize = 64

// NewEndpoint wraps conn as an Endpoint; it does not start any loops.
// Caller must call Run, which starts the write loop and runs the read
// loop until the connection ends, or spawn Run in a goroutine. queueSize <= 0 falls back to
// defaultOutboundQueueSize.
func NewEndpoint(id director.EndpointID, conn *websocket.Conn, handler FrameHandler, logger logging.Logger, queueSize int) *Endpoint {
	if logger == nil {
		logger = logging.Noop()
	}
	if queueSize <= 0 {
		queueSize = defaultOutboundQueueSize
	}
	return &Endpoint{
		id:       id,
		conn:     conn,
		handler:  handler,
		logger:   logger,
		outbound: make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// ID returns the endpoint's identity.
func (e *Endpoint) ID() director.EndpointID {
	return e.id
}

// Send implements router.Sender: enqueue raw for delivery. Drops the
// frame and logs if the outbound queue is full rather than blocking the
// Director's lock holder - a slow client must not stall every other
// instance.
func (e *Endpoint) Send(raw []byte) {
	select {
	case e.outbound <- raw:
	case <-e.done:
	default:
		e.logger.Warn("outbound_queue_full", "endpoint", e.id)
	}
}

// Close implements router.Sender: forcibly tear down the connection.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		_ = e.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server closing"),
		)
		_ = e.conn.Close()
	})
}

// Run drives the endpoint until the connection closes, either from a
// network error, an explicit Close, or the remote end disconnecting.
// It always calls handler.Detach exactly once before returning.
func (e *Endpoint) Run() {
	go e.writeLoop()

	defer func() {
		e.Close()
		e.handler.Detach(e.id)
	}()

	for {
		msgType, raw, err := e.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		e.handler.OnFrame(e.id, raw)
	}
}

func (e *Endpoint) writeLoop() {
	for {
		select {
		case <-e.done:
			return
		case raw := <-e.outbound:
			if err := e.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				e.Close()
				return
			}
		}
	}
}

var _ Sender = (*Endpoint)(nil)
