package bridge

import (
	"strings"
	"sync"

	"github.com/ehrlich-b/replink/internal/event"
	"github.com/ehrlich-b/replink/internal/protocol"
	"github.com/ehrlich-b/replink/internal/session"
)

// The backend marks prompts with a private-use glyph most terminals cannot
// draw; the output stream shows a braille stand-in instead.
const (
	promptGlyph      = "\uEEA7"
	promptSubstitute = "\u2815"
)

// Output bridges the workspace's run/output channel.
type Output struct {
	*terminal

	mu    sync.Mutex
	state protocol.RunState
	known bool

	onState event.List[func(protocol.RunState)]
}

// NewOutput opens the output channel on o.
func NewOutput(o Opener) *Output {
	b := &Output{}
	b.terminal = newTerminal(o, OutputService, OutputName, func(s string) string {
		return strings.ReplaceAll(s, promptGlyph, promptSubstitute)
	})
	b.unsubs = append(b.unsubs, b.ch.OnCommand(b.handleCommand))
	return b
}

func (b *Output) handleCommand(cmd protocol.Command) {
	switch body := cmd.Body.(type) {
	case protocol.Output:
		b.write(body.Data)
	case protocol.State:
		b.mu.Lock()
		b.state, b.known = body.State, true
		b.mu.Unlock()
		for _, fn := range b.onState.Snapshot() {
			fn(body.State)
		}
	case protocol.Input, protocol.ResizeTerm, protocol.PortOpen, protocol.RunMain,
		protocol.OpenChan, protocol.OpenChanRes, protocol.CloseChan, protocol.CloseChanRes,
		protocol.Ping, protocol.Pong, protocol.Error:
		// Client-bound only as Output and State; the rest belongs to channel 0.
	}
}

// OnWrite registers fn for output text.
func (b *Output) OnWrite(fn func(string)) func() { return b.onWrite.Add(fn) }

// OnClose registers fn for the channel's termination. Reconnect pauses are
// not reported; after termination fn is called right away with the cause.
func (b *Output) OnClose(fn func(error)) func() { return b.addClose(fn) }

// OnState registers fn for run state changes.
func (b *Output) OnState(fn func(protocol.RunState)) func() { return b.onState.Add(fn) }

// State returns the last reported run state; ok is false until the backend
// has reported one.
func (b *Output) State() (state protocol.RunState, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.known
}

// Run asks the backend to run the workspace. It is sent whatever the current
// state; the backend decides what a run means while one is in progress.
func (b *Output) Run() {
	b.ch.Send(protocol.RunMain{})
}

// SetDimensions records the terminal size and sends it if the channel is
// open. The latest size is replayed on every open.
func (b *Output) SetDimensions(cols, rows uint32) { b.setDimensions(cols, rows) }

// HandleInput sends keystrokes to the running program.
func (b *Output) HandleInput(data string) { b.handleInput(data) }

// Close releases the channel and reports OnClose once.
func (b *Output) Close() { b.close() }

// Channel exposes the underlying channel.
func (b *Output) Channel() *session.Channel { return b.ch }
