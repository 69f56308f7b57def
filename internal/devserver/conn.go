package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/replink/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 << 20

	serviceRun   = "shellrun2"
	serviceShell = "shell"
	serviceFiles = "files"
)

func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := validateToken(s.cfg.Secret, r.PathValue("token"))
	if err != nil {
		s.log.Debug("transport token rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	c := &conn{
		s:     s,
		ws:    ws,
		state: s.workspace(workspaceID),
		log:   s.log.With("workspace", workspaceID),
		chans: make(map[int32]*channel),
	}
	c.log.Info("transport connected", "remote", r.RemoteAddr)
	err = c.serve(r.Context())
	c.detachAll()
	c.log.Info("transport disconnected", "reason", err)
}

// conn is one transport connection. Channel ids are scoped to it.
type conn struct {
	s     *Server
	ws    *websocket.Conn
	state *workspaceState
	log   *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	nextID int32
	chans  map[int32]*channel
}

type channel struct {
	c       *conn
	id      int32
	service string
	name    string
	proc    *process // shell only
	gen     uint64 // guarded by c.mu
}

func (ch *channel) output(b protocol.Body) {
	ch.c.send(protocol.Command{Channel: ch.id, Body: b})
}

// exited tells the client the process behind the channel is gone.
func (ch *channel) exited() {
	if ch.c.remove(ch.id) == nil {
		return
	}
	ch.c.send(protocol.Command{
		Channel: protocol.ControlChannel,
		Body:    protocol.CloseChan{ID: ch.id, Action: protocol.CloseForceClose},
	})
}

func (c *conn) serve(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		cmd, err := protocol.Unmarshal(data)
		if err != nil {
			c.ws.Close(websocket.StatusProtocolError, "malformed command")
			return err
		}
		if cmd.Channel == protocol.ControlChannel {
			c.control(cmd)
			continue
		}
		c.mu.Lock()
		ch := c.chans[cmd.Channel]
		c.mu.Unlock()
		if ch == nil {
			c.log.Debug("command for unknown channel", "channel", cmd.Channel, "kind", protocol.Kind(cmd.Body))
			continue
		}
		c.handle(ch, cmd.Body)
	}
}

func (c *conn) send(cmd protocol.Command) {
	data, err := protocol.Marshal(cmd)
	if err != nil {
		c.log.Error("marshal command", "kind", protocol.Kind(cmd.Body), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.log.Debug("write failed", "error", err)
	}
}

func (c *conn) control(cmd protocol.Command) {
	switch body := cmd.Body.(type) {
	case protocol.OpenChan:
		c.open(cmd.Ref, body)
	case protocol.CloseChan:
		c.close(cmd.Ref, body)
	case protocol.Ping:
		c.send(protocol.Command{Channel: protocol.ControlChannel, Ref: cmd.Ref, Body: protocol.Pong{}})
	default:
		c.log.Debug("ignored control command", "kind", protocol.Kind(cmd.Body))
	}
}

func (c *conn) open(ref string, req protocol.OpenChan) {
	refuse := func(err error) {
		c.log.Info("open refused", "service", req.Service, "name", req.Name, "error", err)
		c.send(protocol.Command{
			Channel: protocol.ControlChannel,
			Ref:     ref,
			Body:    protocol.OpenChanRes{State: protocol.OpenError, Error: err.Error()},
		})
	}

	state := protocol.OpenCreated
	var proc *process
	switch req.Service {
	case serviceRun, serviceFiles:
	case serviceShell:
		p, created, err := c.state.shell(req.Name, req.Action, c.s.cfg.Shell)
		if err != nil {
			refuse(err)
			return
		}
		if !created {
			state = protocol.OpenAttached
		}
		proc = p
	default:
		refuse(fmt.Errorf("unknown service %q", req.Service))
		return
	}

	c.mu.Lock()
	c.nextID++
	ch := &channel{c: c, id: c.nextID, service: req.Service, name: req.Name, proc: proc}
	c.chans[ch.id] = ch
	c.mu.Unlock()

	c.send(protocol.Command{
		Channel: protocol.ControlChannel,
		Ref:     ref,
		Body:    protocol.OpenChanRes{ID: ch.id, State: state},
	})
	c.log.Debug("channel opened", "id", ch.id, "service", req.Service, "name", req.Name, "state", state)

	var gen uint64
	switch req.Service {
	case serviceRun:
		gen = c.state.runOut.attach(ch)
		ch.output(protocol.State{State: c.state.runState()})
	case serviceShell:
		gen = proc.out.attach(ch)
	}
	c.mu.Lock()
	ch.gen = gen
	c.mu.Unlock()
}

func (c *conn) close(ref string, req protocol.CloseChan) {
	ch := c.remove(req.ID)
	if ch == nil {
		c.send(protocol.Command{
			Channel: protocol.ControlChannel,
			Ref:     ref,
			Body:    protocol.CloseChanRes{ID: req.ID, Status: protocol.CloseNotFound},
		})
		return
	}
	status := protocol.CloseDisconnected
	if ch.proc != nil && req.Action != protocol.CloseDisconnect {
		c.state.killShell(ch.name, ch.proc)
		status = protocol.CloseClosed
	}
	c.send(protocol.Command{
		Channel: protocol.ControlChannel,
		Ref:     ref,
		Body:    protocol.CloseChanRes{ID: req.ID, Status: status},
	})
}

// remove unbinds channel id and detaches it from its output.
func (c *conn) remove(id int32) *channel {
	c.mu.Lock()
	ch := c.chans[id]
	delete(c.chans, id)
	var gen uint64
	if ch != nil {
		gen = ch.gen
	}
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	switch {
	case ch.proc != nil:
		ch.proc.out.detach(gen)
	case ch.service == serviceRun:
		c.state.runOut.detach(gen)
	}
	return ch
}

func (c *conn) detachAll() {
	c.mu.Lock()
	ids := make([]int32, 0, len(c.chans))
	for id := range c.chans {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.remove(id)
	}
}

func (c *conn) handle(ch *channel, body protocol.Body) {
	switch b := body.(type) {
	case protocol.RunMain:
		if ch.service != serviceRun {
			return
		}
		c.state.run(c.s.cfg.RunCommand, func() {
			if c.s.cfg.Port != 0 {
				c.send(protocol.Command{
					Channel: protocol.ControlChannel,
					Body:    protocol.PortOpen{Forwarded: true, Port: c.s.cfg.Port, Address: "0.0.0.0"},
				})
			}
		})
	case protocol.Input:
		switch {
		case ch.proc != nil:
			if err := ch.proc.write(b.Data); err != nil {
				c.log.Debug("shell write failed", "name", ch.name, "error", err)
			}
		case ch.service == serviceRun:
			c.state.runInput(b.Data)
		}
	case protocol.ResizeTerm:
		if ch.proc != nil {
			if err := ch.proc.resize(b.Cols, b.Rows); err != nil {
				c.log.Debug("resize failed", "name", ch.name, "error", err)
			}
		}
	default:
		c.log.Debug("ignored channel command", "service", ch.service, "kind", protocol.Kind(body))
	}
}
