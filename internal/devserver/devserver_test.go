package devserver

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/replink/internal/bridge"
	"github.com/ehrlich-b/replink/internal/logger"
	"github.com/ehrlich-b/replink/internal/metadata"
	"github.com/ehrlich-b/replink/internal/protocol"
	"github.com/ehrlich-b/replink/internal/session"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = logger.Discard()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func newClient(ts *httptest.Server) *metadata.Client {
	return &metadata.Client{BaseURL: ts.URL, UserAgent: "replink-test", Logger: logger.Discard()}
}

type memStore struct {
	mu    sync.Mutex
	creds metadata.Credentials
}

func (m *memStore) Credentials() (metadata.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *memStore) ConsumeVerificationToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds.VerificationToken == token {
		m.creds.VerificationToken = ""
	}
	return nil
}

type fixedVerifier string

func (v fixedVerifier) Verify(context.Context) (string, error) { return string(v), nil }

func newSession(t *testing.T, ts *httptest.Server, cookie string) *session.Session {
	t.Helper()
	p := &metadata.Provider{
		Fetcher: newClient(ts),
		Store:   &memStore{creds: metadata.Credentials{SessionCookie: cookie}},
		Logger:  logger.Discard(),
	}
	s := session.New(session.Config{
		WorkspaceID:       "ws-dev",
		Fetch:             p.FetchFunc("ws-dev"),
		Logger:            logger.Discard(),
		MinReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay: 40 * time.Millisecond,
	})
	t.Cleanup(func() {
		s.Destroy()
		<-s.Done()
	})
	return s
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestMetadataIssuesToken(t *testing.T) {
	s, ts := newTestServer(t, Config{Cookie: "sid"})
	md, err := newClient(ts).Fetch(context.Background(), "ws-1", metadata.Credentials{SessionCookie: "sid"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.HasPrefix(md.GURL, "ws://") {
		t.Errorf("gurl = %q", md.GURL)
	}
	if !strings.HasPrefix(md.ConmanURL, "http://") {
		t.Errorf("conmanURL = %q", md.ConmanURL)
	}
	id, err := validateToken(s.cfg.Secret, md.Token)
	if err != nil || id != "ws-1" {
		t.Errorf("validateToken = %q, %v", id, err)
	}
}

func TestMetadataRejectsCookie(t *testing.T) {
	_, ts := newTestServer(t, Config{Cookie: "sid"})
	_, err := newClient(ts).Fetch(context.Background(), "ws-1", metadata.Credentials{SessionCookie: "wrong"})
	if !errors.Is(err, metadata.ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
}

func TestMetadataRateLimited(t *testing.T) {
	_, ts := newTestServer(t, Config{RateLimit: 0.001, Burst: 1})
	c := newClient(ts)
	creds := metadata.Credentials{SessionCookie: "any"}
	if _, err := c.Fetch(context.Background(), "ws-1", creds); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	_, err := c.Fetch(context.Background(), "ws-1", creds)
	var be *metadata.BackendError
	if !errors.As(err, &be) || be.Status != 403 || be.Message != "rate limited" {
		t.Errorf("err = %v, want 403 rate limited", err)
	}
}

func TestVerificationTokenIsSingleUse(t *testing.T) {
	s, ts := newTestServer(t, Config{RequireVerification: true})
	s.AddVerificationToken("human")

	store := &memStore{creds: metadata.Credentials{SessionCookie: "sid"}}
	p := &metadata.Provider{
		Fetcher:  newClient(ts),
		Store:    store,
		Verifier: fixedVerifier("human"),
		Logger:   logger.Discard(),
	}
	if _, err := p.FetchConnectionMetadata(context.Background(), "ws-1"); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	// The verifier hands out the same token again, which the provider
	// refuses to reuse.
	_, err := p.FetchConnectionMetadata(context.Background(), "ws-1")
	if !errors.Is(err, metadata.ErrVerificationRequired) {
		t.Errorf("second exchange err = %v, want ErrVerificationRequired", err)
	}
}

func TestInvalidTransportTokenIsFatal(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	s := session.New(session.Config{
		WorkspaceID: "ws-1",
		Fetch: func(context.Context) (*metadata.Metadata, error) {
			return &metadata.Metadata{Token: "not-a-jwt", GURL: "ws" + strings.TrimPrefix(ts.URL, "http")}, nil
		},
		Logger: logger.Discard(),
	})
	fatal := make(chan error, 1)
	s.SetFatalHandler(func(err error) { fatal <- err })
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	err := recv(t, fatal, "fatal error")
	if !errors.Is(err, session.ErrAuthRejected) {
		t.Errorf("err = %v, want ErrAuthRejected", err)
	}
	<-s.Done()
}

func TestRunStreamsOutputAndState(t *testing.T) {
	_, ts := newTestServer(t, Config{RunCommand: "echo hello from run", Port: 3000})
	s := newSession(t, ts, "sid")

	ports := make(chan protocol.PortOpen, 1)
	s.Control().OnCommand(func(cmd protocol.Command) {
		if p, ok := cmd.Body.(protocol.PortOpen); ok {
			ports <- p
		}
	})

	out := bridge.NewOutput(s)
	defer out.Close()
	var mu sync.Mutex
	var written strings.Builder
	out.OnWrite(func(data string) {
		mu.Lock()
		written.WriteString(data)
		mu.Unlock()
	})
	states := make(chan protocol.RunState, 8)
	out.OnState(func(st protocol.RunState) { states <- st })

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	out.Run()

	for recv(t, states, "running state") != protocol.Running {
	}
	for recv(t, states, "stopped state") != protocol.Stopped {
	}
	mu.Lock()
	got := written.String()
	mu.Unlock()
	if !strings.Contains(got, "hello from run") {
		t.Errorf("output = %q", got)
	}
	if p := recv(t, ports, "port open"); p.Port != 3000 || !p.Forwarded {
		t.Errorf("port open = %+v", p)
	}
}

func TestShellReattachReplaysOutput(t *testing.T) {
	_, ts := newTestServer(t, Config{Shell: "/bin/sh"})

	first := newSession(t, ts, "sid")
	// Never released: a close would kill the shell, a dropped transport
	// only detaches it.
	ch, _ := first.OpenChannel(bridge.ShellService, "shell-test", protocol.AttachOrCreate)
	seen := make(chan string, 64)
	ch.OnCommand(func(cmd protocol.Command) {
		if o, ok := cmd.Body.(protocol.Output); ok {
			select {
			case seen <- o.Data:
			default:
			}
		}
	})
	if err := first.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.Send(protocol.Input{Data: "echo replink-marker\n"})
	waitForOutput(t, seen, "replink-marker")
	first.Destroy()
	<-first.Done()

	second := newSession(t, ts, "sid")
	ch2, release2 := second.OpenChannel(bridge.ShellService, "shell-test", protocol.Attach)
	defer release2()
	replay := make(chan string, 64)
	ch2.OnCommand(func(cmd protocol.Command) {
		if o, ok := cmd.Body.(protocol.Output); ok {
			select {
			case replay <- o.Data:
			default:
			}
		}
	})
	if err := second.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForOutput(t, replay, "replink-marker")
}

func waitForOutput(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	var got strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case data := <-ch:
			got.WriteString(data)
			if strings.Contains(got.String(), want) {
				return
			}
		case <-deadline:
			t.Fatalf("output %q never contained %q", got.String(), want)
		}
	}
}

func TestAttachMissingShellRefused(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	s := newSession(t, ts, "sid")
	ch, release := s.OpenChannel(bridge.ShellService, "nobody", protocol.Attach)
	defer release()
	closed := make(chan session.CloseEvent, 1)
	ch.OnClose(func(ev session.CloseEvent) { closed <- ev })
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev := recv(t, closed, "close event")
	if ev.WillReconnect || ev.Err == nil || !strings.Contains(ev.Err.Error(), "no such shell") {
		t.Errorf("close event = %+v", ev)
	}
}

func TestUnknownServiceRefused(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	s := newSession(t, ts, "sid")
	ch, release := s.OpenChannel("nope", "x", protocol.AttachOrCreate)
	defer release()
	closed := make(chan session.CloseEvent, 1)
	ch.OnClose(func(ev session.CloseEvent) { closed <- ev })
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev := recv(t, closed, "close event")
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "unknown service") {
		t.Errorf("close event = %+v", ev)
	}
}

func TestFilesChannelOpens(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	s := newSession(t, ts, "sid")
	ch, release := bridge.OpenFiles(s)
	defer release()
	opened := make(chan struct{}, 1)
	ch.OnOpen(func() { opened <- struct{}{} })
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	recv(t, opened, "files open")
}

func TestControlPingAndUnknownClose(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	md, err := newClient(ts).Fetch(context.Background(), "ws-1", metadata.Credentials{SessionCookie: "sid"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, md.GURL+"/wsv2/"+md.Token, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	roundTrip := func(cmd protocol.Command) protocol.Command {
		t.Helper()
		data, err := protocol.Marshal(cmd)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if err := ws.Write(ctx, websocket.MessageBinary, data); err != nil {
			t.Fatalf("Write: %v", err)
		}
		_, data, err = ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		reply, err := protocol.Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		return reply
	}

	reply := roundTrip(protocol.Command{Ref: "p1", Body: protocol.Ping{}})
	if _, ok := reply.Body.(protocol.Pong); !ok || reply.Ref != "p1" {
		t.Errorf("ping reply = %+v", reply)
	}
	reply = roundTrip(protocol.Command{Ref: "c1", Body: protocol.CloseChan{ID: 42, Action: protocol.CloseTryClose}})
	if res, ok := reply.Body.(protocol.CloseChanRes); !ok || res.ID != 42 || res.Status != protocol.CloseNotFound {
		t.Errorf("close reply = %+v", reply)
	}
}
