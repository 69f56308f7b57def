package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/replink/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 << 20
	outboxSize   = 256
)

// conn is one live transport. Channel ids and pending opens are scoped to it
// and die with it; the Session re-requests everything on the next conn.
type conn struct {
	ws   *websocket.Conn
	log  *slog.Logger
	out  chan frame
	done chan struct{}

	mu      sync.Mutex
	pending map[string]*Channel // open ref -> channel
	byID    map[int32]*Channel
	closed  bool
	senders sync.WaitGroup
}

// frame is an encoded command. Channel traffic keeps its origin so frames
// the writer never got to can go back to the channel's queue.
type frame struct {
	data []byte
	ch   *Channel
	body protocol.Body
}

func newConn(ws *websocket.Conn, log *slog.Logger) *conn {
	ws.SetReadLimit(readLimit)
	return &conn{
		ws:      ws,
		log:     log,
		out:     make(chan frame, outboxSize),
		done:    make(chan struct{}),
		pending: make(map[string]*Channel),
		byID:    make(map[int32]*Channel),
	}
}

// send queues one command for the writer. It reports false once the conn
// is torn down; unencodable commands are logged and count as sent.
func (c *conn) send(cmd protocol.Command) bool {
	return c.sendFor(nil, cmd)
}

// sendFor is send for traffic of ch, which drain can hand back.
func (c *conn) sendFor(ch *Channel, cmd protocol.Command) bool {
	data, err := protocol.Marshal(cmd)
	if err != nil {
		c.log.Warn("dropping unencodable command", "channel", cmd.Channel, "error", err)
		return true
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.senders.Add(1)
	c.mu.Unlock()
	defer c.senders.Done()

	select {
	case c.out <- frame{data: data, ch: ch, body: cmd.Body}:
		return true
	case <-c.done:
		return false
	}
}

// drain returns unwritten channel traffic to its channels, oldest first.
// Call after shutdown.
func (c *conn) drain() {
	c.senders.Wait()
	var order []*Channel
	pending := make(map[*Channel][]protocol.Body)
	for {
		select {
		case f := <-c.out:
			if f.ch == nil {
				continue
			}
			if _, ok := pending[f.ch]; !ok {
				order = append(order, f.ch)
			}
			pending[f.ch] = append(pending[f.ch], f.body)
		default:
			for _, ch := range order {
				ch.requeue(pending[ch])
			}
			return
		}
	}
}

// writeLoop is the only writer on ws, which keeps per-channel order.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageBinary, f.data)
			cancel()
			if err != nil {
				c.log.Debug("write failed", "error", err)
				c.ws.CloseNow()
				return
			}
		}
	}
}

func (c *conn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.send(protocol.Command{Channel: protocol.ControlChannel, Body: protocol.Ping{}})
		}
	}
}

func (c *conn) addPending(ref string, ch *Channel) {
	c.mu.Lock()
	c.pending[ref] = ch
	c.mu.Unlock()
}

func (c *conn) takePending(ref string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.pending[ref]
	delete(c.pending, ref)
	return ch
}

func (c *conn) bind(id int32, ch *Channel) {
	c.mu.Lock()
	c.byID[id] = ch
	c.mu.Unlock()
}

func (c *conn) unbind(id int32) {
	c.mu.Lock()
	delete(c.byID, id)
	c.mu.Unlock()
}

func (c *conn) lookup(id int32) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[id]
}

// shutdown stops the writer and heartbeat. Safe to call more than once.
func (c *conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
