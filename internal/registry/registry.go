// Package registry keeps at most one live session per workspace.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ehrlich-b/replink/internal/bridge"
	"github.com/ehrlich-b/replink/internal/session"
	"github.com/ehrlich-b/replink/internal/workspace"
)

// ErrClosed is returned by GetOrCreate after Close.
var ErrClosed = errors.New("registry closed")

// Entry is one workspace's live session and its output bridge.
type Entry struct {
	Workspace workspace.Descriptor
	Session   *session.Session
	Output    *bridge.Output
}

// Resolver builds the entry for a workspace id: descriptor lookup,
// credential wiring and session construction. The registry opens the
// session once its own handlers are installed.
type Resolver func(ctx context.Context, workspaceID string) (*Entry, error)

// Registry maps workspace ids to entries. Concurrent GetOrCreate calls for
// one id share a single resolver run.
type Registry struct {
	// OnTerminal is called once per entry whose session dies on its own.
	OnTerminal func(workspaceID string, err error)
	Logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool
}

// New returns an empty registry. Sessions it opens live until they are
// removed, fail, or the registry is closed.
func New() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*Entry),
	}
}

// GetOrCreate returns the entry for workspaceID, running resolve if none
// exists.
func (r *Registry) GetOrCreate(ctx context.Context, workspaceID string, resolve Resolver) (*Entry, error) {
	if e, err := r.lookup(workspaceID); e != nil || err != nil {
		return e, err
	}

	v, err, _ := r.group.Do(workspaceID, func() (any, error) {
		if e, err := r.lookup(workspaceID); e != nil || err != nil {
			return e, err
		}
		e, err := resolve(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		if e == nil || e.Session == nil {
			return nil, fmt.Errorf("resolve %s: no session", workspaceID)
		}
		return r.install(workspaceID, e)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (r *Registry) lookup(workspaceID string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.entries[workspaceID], nil
}

func (r *Registry) install(workspaceID string, e *Entry) (*Entry, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		e.Session.Destroy()
		return nil, ErrClosed
	}
	r.entries[workspaceID] = e
	r.mu.Unlock()

	s := e.Session
	s.OnStateChange(func(st session.State, err error) {
		if st == session.StateDestroyed {
			r.drop(workspaceID, e)
		}
	})
	s.SetFatalHandler(func(err error) {
		r.drop(workspaceID, e)
		r.logger().Warn("session terminated", "workspace", workspaceID, "error", err)
		if r.OnTerminal != nil {
			r.OnTerminal(workspaceID, err)
		}
	})

	if err := s.Open(r.ctx); err != nil {
		r.drop(workspaceID, e)
		return nil, fmt.Errorf("open session %s: %w", workspaceID, err)
	}
	r.logger().Debug("session registered", "workspace", workspaceID)
	return e, nil
}

// drop removes e if it is still the entry for workspaceID.
func (r *Registry) drop(workspaceID string, e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[workspaceID] != e {
		return false
	}
	delete(r.entries, workspaceID)
	return true
}

// Get returns the entry for workspaceID, if any.
func (r *Registry) Get(workspaceID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[workspaceID]
	return e, ok
}

// List returns all entries ordered by workspace id.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id])
	}
	r.mu.Unlock()
	return out
}

// Remove destroys and forgets the entry for workspaceID.
func (r *Registry) Remove(workspaceID string) {
	r.mu.Lock()
	e, ok := r.entries[workspaceID]
	delete(r.entries, workspaceID)
	r.mu.Unlock()
	if ok {
		destroy(e)
	}
}

// Close destroys every entry and waits for their connection loops to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		destroy(e)
	}
	r.cancel()
	for _, e := range entries {
		<-e.Session.Done()
	}
}

func destroy(e *Entry) {
	if e.Output != nil {
		e.Output.Close()
	}
	e.Session.Destroy()
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
