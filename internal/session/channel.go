package session

import (
	"sync"

	"github.com/ehrlich-b/replink/internal/event"
	"github.com/ehrlich-b/replink/internal/protocol"
)

const maxQueued = 1024

// CloseEvent is delivered to close listeners. WillReconnect distinguishes a
// pause (transport lost, the channel reopens later) from termination.
type CloseEvent struct {
	WillReconnect bool
	Err           error
}

// Channel is a named, ordered command stream inside a Session. The same
// *Channel survives reconnects: listeners see close{WillReconnect: true}
// followed by a fresh open event.
type Channel struct {
	s       *Session
	service string
	name    string
	action  protocol.OpenAction
	control bool

	mu     sync.Mutex
	conn   *conn
	id     int32
	open   bool
	closed bool
	refs   int
	queue  []protocol.Body
	ended  bool // terminal close event delivered
	endEv  CloseEvent

	onCommand event.List[func(protocol.Command)]
	onOpen    event.List[func()]
	onClose   event.List[func(CloseEvent)]
}

func newChannel(s *Session, service, name string, action protocol.OpenAction) *Channel {
	return &Channel{s: s, service: service, name: name, action: action}
}

func (c *Channel) Service() string { return c.service }
func (c *Channel) Name() string    { return c.name }

// IsOpen reports whether the channel is attached to a live transport.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send delivers body best-effort. While the channel is not open the body is
// queued (oldest dropped past the bound) and flushed on the next open. After
// Close it is dropped.
func (c *Channel) Send(body protocol.Body) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.open && c.conn.sendFor(c, protocol.Command{Channel: c.id, Body: body}) {
		return
	}
	// Not open, or the transport died before the session noticed.
	if len(c.queue) >= maxQueued {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, body)
}

// TrySend sends body only if the channel is open right now.
func (c *Channel) TrySend(body protocol.Body) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.open {
		return false
	}
	return c.conn.sendFor(c, protocol.Command{Channel: c.id, Body: body})
}

// OnCommand registers fn for every inbound command, in arrival order.
func (c *Channel) OnCommand(fn func(protocol.Command)) func() {
	return c.onCommand.Add(fn)
}

// OnOpen registers fn for every (re)open.
func (c *Channel) OnOpen(fn func()) func() {
	return c.onOpen.Add(fn)
}

// OnClose registers fn for close events, both pauses and the terminal one.
// On a channel that has already ended, fn gets the terminal event at once.
func (c *Channel) OnClose(fn func(CloseEvent)) func() {
	c.mu.Lock()
	if c.ended {
		ev := c.endEv
		c.mu.Unlock()
		fn(ev)
		return func() {}
	}
	unsub := c.onClose.Add(fn)
	c.mu.Unlock()
	return unsub
}

// Close closes the channel for every holder. It is idempotent; the control
// channel ignores it and closes with the Session.
func (c *Channel) Close() {
	if c.control {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cn, id, wasOpen := c.conn, c.id, c.open
	c.open = false
	c.conn = nil
	c.queue = nil
	c.mu.Unlock()

	if wasOpen {
		cn.unbind(id)
		cn.send(protocol.Command{
			Channel: protocol.ControlChannel,
			Body:    protocol.CloseChan{ID: id, Action: protocol.CloseTryClose},
		})
	}
	c.s.forget(c)
	c.finish(CloseEvent{})
}

// attach marks the channel open on cn and flushes the queue. A channel closed
// while its open was in flight releases the backend side instead.
func (c *Channel) attach(cn *conn, id int32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if !c.control {
			cn.send(protocol.Command{
				Channel: protocol.ControlChannel,
				Body:    protocol.CloseChan{ID: id, Action: protocol.CloseTryClose},
			})
		}
		return
	}
	c.conn, c.id, c.open = cn, id, true
	if !c.control {
		cn.bind(id, c)
	}
	sent := 0
	for _, body := range c.queue {
		if !cn.sendFor(c, protocol.Command{Channel: id, Body: body}) {
			break
		}
		sent++
	}
	c.queue = c.queue[sent:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	c.mu.Unlock()

	for _, fn := range c.onOpen.Snapshot() {
		fn()
	}
}

// pause detaches the channel from a lost transport. Only channels that were
// open hear about it.
func (c *Channel) pause(err error) {
	c.mu.Lock()
	if c.closed || !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.conn = nil
	c.mu.Unlock()

	for _, fn := range c.onClose.Snapshot() {
		fn(CloseEvent{WillReconnect: true, Err: err})
	}
}

// terminate is Close driven by the Session or the backend: no CloseChan is
// sent and the Session has already dropped the channel.
func (c *Channel) terminate(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	c.conn = nil
	c.queue = nil
	c.mu.Unlock()
	c.finish(CloseEvent{Err: err})
}

// requeue puts bodies a dead transport never wrote back at the front of the
// queue, ahead of anything sent since.
func (c *Channel) requeue(bodies []protocol.Body) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(bodies) == 0 {
		return
	}
	q := make([]protocol.Body, 0, len(bodies)+len(c.queue))
	q = append(q, bodies...)
	q = append(q, c.queue...)
	if over := len(q) - maxQueued; over > 0 {
		q = q[over:]
	}
	c.queue = q
}

func (c *Channel) finish(ev CloseEvent) {
	c.mu.Lock()
	c.ended, c.endEv = true, ev
	c.mu.Unlock()
	for _, fn := range c.onClose.Snapshot() {
		fn(ev)
	}
	c.onCommand.Clear()
	c.onOpen.Clear()
	c.onClose.Clear()
}

func (c *Channel) deliver(cmd protocol.Command) {
	for _, fn := range c.onCommand.Snapshot() {
		fn(cmd)
	}
}
