package bridge

import (
	"github.com/google/uuid"

	"github.com/ehrlich-b/replink/internal/protocol"
	"github.com/ehrlich-b/replink/internal/session"
)

// Shell bridges an interactive shell channel. Output is passed through
// untouched.
type Shell struct {
	*terminal
	name string
}

// NewShell opens a shell channel with a fresh name. The name stays with the
// bridge, so a reconnect reattaches to the same backend shell.
func NewShell(o Opener) *Shell {
	name := "shell-" + uuid.NewString()[:8]
	b := &Shell{name: name}
	b.terminal = newTerminal(o, ShellService, name, nil)
	b.unsubs = append(b.unsubs, b.ch.OnCommand(b.handleCommand))
	return b
}

func (b *Shell) handleCommand(cmd protocol.Command) {
	switch body := cmd.Body.(type) {
	case protocol.Output:
		b.write(body.Data)
	case protocol.Input, protocol.ResizeTerm, protocol.State, protocol.PortOpen, protocol.RunMain,
		protocol.OpenChan, protocol.OpenChanRes, protocol.CloseChan, protocol.CloseChanRes,
		protocol.Ping, protocol.Pong, protocol.Error:
		// A shell only streams output back.
	}
}

// Name is the backend channel name.
func (b *Shell) Name() string { return b.name }

func (b *Shell) OnWrite(fn func(string)) func() { return b.onWrite.Add(fn) }
func (b *Shell) OnClose(fn func(error)) func()  { return b.addClose(fn) }

// HandleInput sends raw keystrokes.
func (b *Shell) HandleInput(data string)          { b.handleInput(data) }
func (b *Shell) SetDimensions(cols, rows uint32) { b.setDimensions(cols, rows) }
func (b *Shell) Close()                          { b.close() }

func (b *Shell) Channel() *session.Channel { return b.ch }
