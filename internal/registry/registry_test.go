package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/goleak"

	"github.com/ehrlich-b/replink/internal/bridge"
	"github.com/ehrlich-b/replink/internal/logger"
	"github.com/ehrlich-b/replink/internal/metadata"
	"github.com/ehrlich-b/replink/internal/session"
	"github.com/ehrlich-b/replink/internal/session/sessiontest"
	"github.com/ehrlich-b/replink/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func resolverFor(fetch func(context.Context) (*metadata.Metadata, error), calls *atomic.Int32) Resolver {
	return func(ctx context.Context, id string) (*Entry, error) {
		if calls != nil {
			calls.Add(1)
		}
		time.Sleep(20 * time.Millisecond)
		s := session.New(session.Config{
			WorkspaceID:       id,
			Fetch:             fetch,
			Logger:            logger.Discard(),
			MinReconnectDelay: 10 * time.Millisecond,
			MaxReconnectDelay: 20 * time.Millisecond,
		})
		return &Entry{
			Workspace: workspace.Descriptor{ID: id, Engine: workspace.InteractiveEngine},
			Session:   s,
			Output:    bridge.NewOutput(s),
		}, nil
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	r.Logger = logger.Discard()
	t.Cleanup(r.Close)
	return r
}

func TestGetOrCreateRunsResolverOnce(t *testing.T) {
	b := sessiontest.NewBackend(t)
	r := newRegistry(t)
	var calls atomic.Int32
	resolve := resolverFor(b.Fetch, &calls)

	const n = 10
	entries := make([]*Entry, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := r.GetOrCreate(context.Background(), "ws-1", resolve)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			entries[i] = e
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("resolver ran %d times, want 1", got)
	}
	for i := 1; i < n; i++ {
		if entries[i] != entries[0] {
			t.Fatalf("entry %d differs from entry 0", i)
		}
	}

	again, err := r.GetOrCreate(context.Background(), "ws-1", resolve)
	if err != nil || again != entries[0] {
		t.Errorf("later GetOrCreate = %p, %v", again, err)
	}
	if calls.Load() != 1 {
		t.Error("resolver ran for an existing entry")
	}
}

func TestResolverErrorIsNotCached(t *testing.T) {
	b := sessiontest.NewBackend(t)
	r := newRegistry(t)
	boom := errors.New("lookup failed")
	_, err := r.GetOrCreate(context.Background(), "ws-1", func(context.Context, string) (*Entry, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, ok := r.Get("ws-1"); ok {
		t.Fatal("failed resolve left an entry")
	}
	if _, err := r.GetOrCreate(context.Background(), "ws-1", resolverFor(b.Fetch, nil)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestRemoveAndList(t *testing.T) {
	b := sessiontest.NewBackend(t)
	r := newRegistry(t)
	resolve := resolverFor(b.Fetch, nil)
	for _, id := range []string{"ws-b", "ws-a"} {
		if _, err := r.GetOrCreate(context.Background(), id, resolve); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", id, err)
		}
	}
	list := r.List()
	if len(list) != 2 || list[0].Workspace.ID != "ws-a" || list[1].Workspace.ID != "ws-b" {
		t.Fatalf("List = %v", list)
	}

	e, _ := r.Get("ws-a")
	r.Remove("ws-a")
	if _, ok := r.Get("ws-a"); ok {
		t.Error("entry survived Remove")
	}
	if e.Session.State() != session.StateDestroyed {
		t.Errorf("removed session state = %s", e.Session.State())
	}
	<-e.Session.Done()
}

func TestTerminalNotifiesOnce(t *testing.T) {
	b := sessiontest.NewBackend(t)
	r := newRegistry(t)
	terminal := make(chan error, 4)
	var count atomic.Int32
	r.OnTerminal = func(id string, err error) {
		count.Add(1)
		terminal <- err
	}

	e, err := r.GetOrCreate(context.Background(), "ws-1", resolverFor(b.Fetch, nil))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	outputClosed := make(chan error, 1)
	e.Output.OnClose(func(err error) { outputClosed <- err })

	select {
	case <-b.Opens:
	case <-time.After(3 * time.Second):
		t.Fatal("output channel never opened")
	}
	b.DropAll(websocket.StatusCode(4003))

	select {
	case <-terminal:
	case <-time.After(3 * time.Second):
		t.Fatal("OnTerminal not called")
	}
	select {
	case <-outputClosed:
	case <-time.After(time.Second):
		t.Error("output bridge not closed")
	}
	<-e.Session.Done()
	time.Sleep(20 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Errorf("OnTerminal called %d times, want 1", n)
	}
	if _, ok := r.Get("ws-1"); ok {
		t.Error("terminated entry still registered")
	}
}

func TestQuietStopRemovesEntry(t *testing.T) {
	r := newRegistry(t)
	var terminal atomic.Int32
	r.OnTerminal = func(string, error) { terminal.Add(1) }

	aborted := func(context.Context) (*metadata.Metadata, error) { return nil, metadata.ErrAborted }
	e, err := r.GetOrCreate(context.Background(), "ws-1", resolverFor(aborted, nil))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	<-e.Session.Done()
	if _, ok := r.Get("ws-1"); ok {
		t.Error("stopped session still registered")
	}
	if terminal.Load() != 0 {
		t.Error("OnTerminal called for an aborted fetch")
	}
}

func TestClose(t *testing.T) {
	b := sessiontest.NewBackend(t)
	r := New()
	r.Logger = logger.Discard()
	e, err := r.GetOrCreate(context.Background(), "ws-1", resolverFor(b.Fetch, nil))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	r.Close()
	if e.Session.State() != session.StateDestroyed {
		t.Errorf("state after Close = %s", e.Session.State())
	}
	if _, err := r.GetOrCreate(context.Background(), "ws-2", resolverFor(b.Fetch, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("GetOrCreate after Close = %v, want ErrClosed", err)
	}
	r.Close()
}
