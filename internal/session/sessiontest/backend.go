// Package sessiontest provides an in-process websocket backend for tests of
// code built on sessions.
package sessiontest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/replink/internal/metadata"
	"github.com/ehrlich-b/replink/internal/protocol"
)

// Backend answers OpenChan, records every command it reads, and by default
// echoes Input back as Output. Configure fields before the first connect.
type Backend struct {
	t   testing.TB
	srv *httptest.Server

	// Received sees every decoded command. Sends never block; commands past
	// the buffer are dropped.
	Received chan protocol.Command
	// Opens sees every OpenChan.
	Opens chan protocol.OpenChan

	// Handle replaces the echo for commands on non-control channels. The
	// returned commands are written back on the same connection.
	Handle func(service string, cmd protocol.Command) []protocol.Command
	// Refuse maps a service to the error its opens are refused with.
	Refuse map[string]string
	// Status, when non-zero, rejects the websocket upgrade with it.
	Status int
	// Greeting frames are written verbatim right after accept.
	Greeting [][]byte

	mu       sync.Mutex
	conns    []*websocket.Conn
	nextID   int32
	services map[int32]string // channel id -> service
	ids      map[string]int32 // service -> latest channel id
}

// NewBackend starts a Backend that is closed with the test.
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		t:        t,
		Received: make(chan protocol.Command, 256),
		Opens:    make(chan protocol.OpenChan, 64),
		Refuse:   make(map[string]string),
		services: make(map[int32]string),
		ids:      make(map[string]int32),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

// URL is the websocket base URL, usable as Metadata.GURL.
func (b *Backend) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

// Fetch hands out metadata pointing at the backend.
func (b *Backend) Fetch(ctx context.Context) (*metadata.Metadata, error) {
	return &metadata.Metadata{Token: "test-token", GURL: b.URL()}, nil
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/wsv2/") {
		http.NotFound(w, r)
		return
	}
	b.mu.Lock()
	status := b.Status
	b.mu.Unlock()
	if status != 0 {
		http.Error(w, "rejected", status)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		b.t.Logf("accept error: %v", err)
		return
	}
	defer conn.CloseNow()
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	ctx := r.Context()
	for _, data := range b.Greeting {
		conn.Write(ctx, websocket.MessageBinary, data)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		cmd, err := protocol.Unmarshal(data)
		if err != nil {
			b.t.Errorf("backend got malformed frame: %v", err)
			return
		}
		select {
		case b.Received <- cmd:
		default:
		}
		for _, reply := range b.reply(cmd) {
			b.write(ctx, conn, reply)
		}
	}
}

func (b *Backend) reply(cmd protocol.Command) []protocol.Command {
	if cmd.Channel == protocol.ControlChannel {
		open, ok := cmd.Body.(protocol.OpenChan)
		if !ok {
			return nil
		}
		select {
		case b.Opens <- open:
		default:
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if msg, ok := b.Refuse[open.Service]; ok {
			return []protocol.Command{{
				Channel: protocol.ControlChannel,
				Ref:     cmd.Ref,
				Body:    protocol.OpenChanRes{State: protocol.OpenError, Error: msg},
			}}
		}
		b.nextID++
		b.services[b.nextID] = open.Service
		b.ids[open.Service] = b.nextID
		return []protocol.Command{{
			Channel: protocol.ControlChannel,
			Ref:     cmd.Ref,
			Body:    protocol.OpenChanRes{ID: b.nextID, State: protocol.OpenCreated},
		}}
	}

	b.mu.Lock()
	service := b.services[cmd.Channel]
	b.mu.Unlock()
	if b.Handle != nil {
		return b.Handle(service, cmd)
	}
	if in, ok := cmd.Body.(protocol.Input); ok {
		return []protocol.Command{{Channel: cmd.Channel, Body: protocol.Output{Data: in.Data}}}
	}
	return nil
}

func (b *Backend) write(ctx context.Context, conn *websocket.Conn, cmd protocol.Command) {
	data, err := protocol.Marshal(cmd)
	if err != nil {
		b.t.Errorf("marshal: %v", err)
		return
	}
	conn.Write(ctx, websocket.MessageBinary, data)
}

// Push writes body to the most recently opened channel of service on the
// newest connection.
func (b *Backend) Push(service string, body protocol.Body) {
	b.mu.Lock()
	id, ok := b.ids[service]
	var conn *websocket.Conn
	if len(b.conns) > 0 {
		conn = b.conns[len(b.conns)-1]
	}
	b.mu.Unlock()
	if !ok || conn == nil {
		b.t.Errorf("push to %s: no open channel", service)
		return
	}
	b.write(context.Background(), conn, protocol.Command{Channel: id, Body: body})
}

// PushControl writes body on channel 0 of the newest connection.
func (b *Backend) PushControl(body protocol.Body) {
	b.mu.Lock()
	var conn *websocket.Conn
	if len(b.conns) > 0 {
		conn = b.conns[len(b.conns)-1]
	}
	b.mu.Unlock()
	if conn == nil {
		b.t.Errorf("push control: no connection")
		return
	}
	b.write(context.Background(), conn, protocol.Command{Channel: protocol.ControlChannel, Body: body})
}

// DropAll closes every live connection with code.
func (b *Backend) DropAll(code websocket.StatusCode) {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.Close(code, "dropped")
	}
}

// SetStatus changes the upgrade response for later connects.
func (b *Backend) SetStatus(status int) {
	b.mu.Lock()
	b.Status = status
	b.mu.Unlock()
}
