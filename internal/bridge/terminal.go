// Package bridge turns session channels into terminal-shaped streams: text
// out, keystrokes in, resizes, and for the output channel the run state.
package bridge

import (
	"sync"

	"github.com/ehrlich-b/replink/internal/event"
	"github.com/ehrlich-b/replink/internal/protocol"
	"github.com/ehrlich-b/replink/internal/session"
)

// Channel identities on the backend.
const (
	OutputService = "shellrun2"
	OutputName    = "shellrunner"
	ShellService  = "shell"
	FilesService  = "files"
	FilesName     = "files"
)

// Opener hands out session channels. *session.Session implements it.
type Opener interface {
	OpenChannel(service, name string, action protocol.OpenAction) (*session.Channel, func())
}

// OpenFiles opens the filesystem channel. Commands on it are the caller's
// business.
func OpenFiles(o Opener) (*session.Channel, func()) {
	return o.OpenChannel(FilesService, FilesName, protocol.AttachOrCreate)
}

// terminal is the shared half of both bridges.
type terminal struct {
	ch      *session.Channel
	release func()
	filter  func(string) string

	mu       sync.Mutex
	cols     uint32
	rows     uint32
	hasDims  bool
	closed   bool
	closeErr error

	unsubs    []func()
	closeOnce sync.Once

	onWrite event.List[func(string)]
	onClose event.List[func(error)]
}

func newTerminal(o Opener, service, name string, filter func(string) string) *terminal {
	ch, release := o.OpenChannel(service, name, protocol.AttachOrCreate)
	t := &terminal{ch: ch, release: release, filter: filter}
	t.unsubs = append(t.unsubs,
		ch.OnOpen(t.handleOpen),
		ch.OnClose(t.handleClose),
	)
	return t
}

// handleOpen replays the last known size on every (re)open.
func (t *terminal) handleOpen() {
	t.mu.Lock()
	cols, rows, ok := t.cols, t.rows, t.hasDims
	t.mu.Unlock()
	if ok {
		t.ch.TrySend(protocol.ResizeTerm{Cols: cols, Rows: rows})
	}
}

// handleClose swallows pauses; only termination reaches OnClose.
func (t *terminal) handleClose(ev session.CloseEvent) {
	if ev.WillReconnect {
		return
	}
	t.finish(ev.Err)
}

func (t *terminal) write(data string) {
	if t.filter != nil {
		data = t.filter(data)
	}
	for _, fn := range t.onWrite.Snapshot() {
		fn(data)
	}
}

func (t *terminal) setDimensions(cols, rows uint32) {
	t.mu.Lock()
	t.cols, t.rows, t.hasDims = cols, rows, true
	t.mu.Unlock()
	t.ch.TrySend(protocol.ResizeTerm{Cols: cols, Rows: rows})
}

func (t *terminal) handleInput(data string) {
	t.ch.Send(protocol.Input{Data: data})
}

func (t *terminal) close() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.release()
	t.finish(nil)
}

// addClose registers fn for termination. A terminal that already closed
// reports its cause to fn immediately.
func (t *terminal) addClose(fn func(error)) func() {
	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		fn(err)
		return func() {}
	}
	unsub := t.onClose.Add(fn)
	t.mu.Unlock()
	return unsub
}

func (t *terminal) finish(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed, t.closeErr = true, err
		t.mu.Unlock()
		for _, fn := range t.onClose.Snapshot() {
			fn(err)
		}
		t.onWrite.Clear()
		t.onClose.Clear()
	})
}
